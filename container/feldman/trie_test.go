package feldman

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/concurrencykit/cds/gc/hp"
	"github.com/concurrencykit/cds/stat"
)

func fnvHash(key int) uint64 {
	h := uint64(1469598103934665603)
	for _, b := range []byte(fmt.Sprintf("%d", key)) {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}

func newIntTrie() *Trie[int, string] {
	domain := NewDomain[int, string](hp.Config{})
	return New(domain, Config[int]{
		Hash:    fnvHash,
		Equal:   func(a, b int) bool { return a == b },
		Counter: &stat.Exact{},
	})
}

func TestInsertFindEraseRoundTrip(t *testing.T) {
	tr := newIntTrie()
	h := tr.Attach()
	defer h.Detach()

	require.True(t, tr.Insert(h, 42, "answer"))
	require.False(t, tr.Insert(h, 42, "dup"))

	var got string
	require.True(t, tr.Find(h, 42, func(v string) { got = v }))
	assert.Equal(t, "answer", got)

	require.True(t, tr.Erase(h, 42))
	assert.False(t, tr.Contains(h, 42))
	assert.False(t, tr.Erase(h, 42))
}

func TestUpdateReplacesValueWithoutInserting(t *testing.T) {
	tr := newIntTrie()
	h := tr.Attach()
	defer h.Detach()

	assert.False(t, tr.Update(h, 1, "x"), "update on a missing key must not insert")
	assert.False(t, tr.Contains(h, 1))

	require.True(t, tr.Insert(h, 1, "a"))
	require.True(t, tr.Update(h, 1, "b"))
	var got string
	require.True(t, tr.Find(h, 1, func(v string) { got = v }))
	assert.Equal(t, "b", got)
}

func TestExtractYieldsRemovedValue(t *testing.T) {
	tr := newIntTrie()
	h := tr.Attach()
	defer h.Detach()

	require.True(t, tr.Insert(h, 9, "nine"))
	var got string
	require.True(t, tr.Extract(h, 9, func(v string) { got = v }))
	assert.Equal(t, "nine", got)
	assert.False(t, tr.Contains(h, 9))
}

func TestRangeVisitsEveryEntryExactlyOnce(t *testing.T) {
	tr := newIntTrie()
	h := tr.Attach()
	defer h.Detach()

	const n = 300
	for i := 0; i < n; i++ {
		require.True(t, tr.Insert(h, i, fmt.Sprintf("v%d", i)))
	}

	var seen []int
	tr.Range(h, func(key int, value string) bool {
		seen = append(seen, key)
		assert.Equal(t, fmt.Sprintf("v%d", key), value)
		return true
	})
	sort.Ints(seen)
	require.Len(t, seen, n)
	for i, k := range seen {
		assert.Equal(t, i, k)
	}
}

func TestRangeStopsWhenFnReturnsFalse(t *testing.T) {
	tr := newIntTrie()
	h := tr.Attach()
	defer h.Detach()

	for i := 0; i < 50; i++ {
		require.True(t, tr.Insert(h, i, "v"))
	}
	visited := 0
	tr.Range(h, func(int, string) bool {
		visited++
		return visited < 5
	})
	assert.Equal(t, 5, visited)
}

func TestCollisionChainHandlesKeysSharingEveryTrieLevel(t *testing.T) {
	// Map every key to one of only four hashes, so keys sharing a hash are
	// routed by index() to the same slot at every depth, exhausting maxDepth
	// and exercising the collision-chain fallback.
	domain := NewDomain[int, string](hp.Config{})
	tr := New(domain, Config[int]{
		Hash:    func(key int) uint64 { return uint64(key) % 4 },
		Equal:   func(a, b int) bool { return a == b },
		Counter: &stat.Exact{},
	})
	h := tr.Attach()
	defer h.Detach()

	src := rand.New(rand.NewSource(42))
	keys := src.Perm(40)
	for _, k := range keys {
		require.True(t, tr.Insert(h, k, fmt.Sprintf("v%d", k)))
	}
	assert.Equal(t, int64(len(keys)), tr.Len())

	for _, k := range keys {
		var got string
		require.True(t, tr.Find(h, k, func(v string) { got = v }), "missing collided key %d", k)
		assert.Equal(t, fmt.Sprintf("v%d", k), got)
	}

	for i, k := range keys {
		if i%3 == 0 {
			require.True(t, tr.Erase(h, k))
		}
	}
	for i, k := range keys {
		if i%3 == 0 {
			assert.False(t, tr.Contains(h, k), "key %d should have been erased", k)
		} else {
			assert.True(t, tr.Contains(h, k), "key %d should still be present", k)
		}
	}
}

func TestConcurrentInsertProducesNoLostUpdates(t *testing.T) {
	tr := newIntTrie()

	const n = 400
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			h := tr.Attach()
			defer h.Detach()
			tr.Insert(h, i, "v")
		}(i)
	}
	wg.Wait()

	h := tr.Attach()
	defer h.Detach()
	assert.Equal(t, int64(n), tr.Len())
	for i := 0; i < n; i++ {
		assert.True(t, tr.Contains(h, i), "missing key %d", i)
	}
}
