package michaelmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concurrencykit/cds/gc/hp"
	"github.com/concurrencykit/cds/stat"
)

func fnvHash(key int) uint64 {
	h := uint64(1469598103934665603)
	for _, b := range []byte{byte(key), byte(key >> 8), byte(key >> 16), byte(key >> 24)} {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}

func newIntMap() *Map[int, string] {
	return New[int, string](hp.Config{}, Config[int]{
		Hash:    fnvHash,
		Less:    func(a, b int) bool { return a < b },
		Buckets: 8,
		Counter: &stat.Exact{},
	})
}

func TestConfigDerivesBucketCountFromMaxItemCountAndLoadFactor(t *testing.T) {
	// 1000 items at a load factor of 2 per bucket needs >=500 buckets,
	// rounded up to the next power of two: 512.
	cfg := Config[int]{MaxItemCount: 1000, LoadFactor: 2}.withDefaults()
	assert.Equal(t, 512, cfg.Buckets)

	// An exact power of two stays put.
	cfg = Config[int]{MaxItemCount: 256, LoadFactor: 1}.withDefaults()
	assert.Equal(t, 256, cfg.Buckets)

	// An explicit Buckets always wins over MaxItemCount/LoadFactor.
	cfg = Config[int]{Buckets: 16, MaxItemCount: 1000, LoadFactor: 1}.withDefaults()
	assert.Equal(t, 16, cfg.Buckets)

	// Neither set: the 64 default.
	cfg = Config[int]{}.withDefaults()
	assert.Equal(t, 64, cfg.Buckets)
}

func TestMapInsertFindErase(t *testing.T) {
	m := newIntMap()
	h := m.Attach()
	defer h.Detach()

	require.True(t, m.Insert(h, 1, "a"))
	require.False(t, m.Insert(h, 1, "dup"))
	assert.True(t, m.Contains(h, 1))
	assert.Equal(t, int64(1), m.Len())

	var got string
	require.True(t, m.Find(h, 1, func(v string) { got = v }))
	assert.Equal(t, "a", got)

	require.True(t, m.Erase(h, 1))
	assert.False(t, m.Contains(h, 1))
	assert.Equal(t, int64(0), m.Len())
}

func TestMapDistributesAcrossBuckets(t *testing.T) {
	m := newIntMap()
	h := m.Attach()
	defer h.Detach()

	for i := 0; i < 100; i++ {
		require.True(t, m.Insert(h, i, "v"))
	}
	assert.Equal(t, int64(100), m.Len())
	for i := 0; i < 100; i++ {
		assert.True(t, m.Contains(h, i), "missing key %d", i)
	}
}

func TestMapConcurrentAccess(t *testing.T) {
	m := newIntMap()

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			h := m.Attach()
			defer h.Detach()
			m.Insert(h, i, "v")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(n), m.Len())
}
