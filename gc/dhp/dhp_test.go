package dhp

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type node struct{ val int }

func TestNewDomainRejectsBadEpochCount(t *testing.T) {
	_, err := NewDomain[node](Config{EpochCount: 3})
	assert.ErrorIs(t, err, ErrInvalidEpochCount)

	d, err := NewDomain[node](Config{EpochCount: 32})
	require.NoError(t, err)
	require.NotNil(t, d)
}

func TestGuardSurvivesConcurrentRetire(t *testing.T) {
	d, err := NewDomain[node](Config{LiberateThreshold: 4})
	require.NoError(t, err)

	var source atomic.Pointer[node]
	n := &node{val: 7}
	source.Store(n)

	reader := d.Attach()
	defer reader.Detach()
	guarded, release := reader.Protect(&source)
	require.Same(t, n, guarded)

	var freed bool
	writer := d.Attach()
	defer writer.Detach()
	source.Store(nil)
	writer.Retire(n, func(*node) { freed = true })
	writer.Scan()
	assert.False(t, freed)

	release()
	writer.Scan()
	assert.True(t, freed)
}

func TestGuardIndexGrowsOwnedSlots(t *testing.T) {
	d, err := NewDomain[node](Config{InitialGuardCount: 1})
	require.NoError(t, err)
	h := d.Attach()
	defer h.Detach()

	var sources [5]atomic.Pointer[node]
	for i := range sources {
		sources[i].Store(&node{val: i})
	}
	for i := range sources {
		p := h.GuardIndex(i, &sources[i])
		assert.Equal(t, i, p.val)
	}
}
