package hp

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type node struct {
	val int
}

func TestAttachDetach(t *testing.T) {
	d := NewDomain[node](Config{})
	h := d.Attach()
	require.NotNil(t, h)
	h.Detach()
}

func TestGuardProtectsAgainstReclaim(t *testing.T) {
	d := NewDomain[node](Config{MaxHP: 4})

	var source atomic.Pointer[node]
	n := &node{val: 1}
	source.Store(n)

	reader := d.Attach()
	defer reader.Detach()

	guarded, release, err := reader.Protect(&source)
	require.NoError(t, err)
	require.Same(t, n, guarded)

	var freed atomic.Bool
	writer := d.Attach()
	defer writer.Detach()

	// Unlink and retire while the reader still holds its guard.
	source.Store(nil)
	writer.Retire(n, func(p *node) { freed.Store(true) })
	// Force a scan from the writer's side; n must survive because reader's
	// slot still references it.
	writer.Scan()
	assert.False(t, freed.Load(), "node must not be reclaimed while guarded")

	release()
	writer.Scan()
	assert.True(t, freed.Load(), "node becomes reclaimable once the guard is released")
}

func TestAcquireSlotExhaustion(t *testing.T) {
	d := NewDomain[node](Config{MaxHP: 2})
	h := d.Attach()
	defer h.Detach()

	_, err := h.AcquireSlot()
	require.NoError(t, err)
	_, err = h.AcquireSlot()
	require.NoError(t, err)
	_, err = h.AcquireSlot()
	assert.ErrorIs(t, err, ErrHazardSlotsExhausted)
}

func TestScanIsSafeUnderConcurrency(t *testing.T) {
	d := NewDomain[node](Config{MaxHP: 4, ScanThreshold: 8})
	var source atomic.Pointer[node]
	source.Store(&node{val: 0})

	const readers = 8
	const iterations = 200
	var wg sync.WaitGroup
	wg.Add(readers + 1)

	stop := make(chan struct{})

	for i := 0; i < readers; i++ {
		go func() {
			defer wg.Done()
			h := d.Attach()
			defer h.Detach()
			for j := 0; j < iterations; j++ {
				p, release, err := h.Protect(&source)
				require.NoError(t, err)
				if p != nil {
					_ = p.val // dereference while guarded: must never fault
				}
				release()
			}
		}()
	}

	go func() {
		defer wg.Done()
		w := d.Attach()
		defer w.Detach()
		for j := 0; j < iterations; j++ {
			old := source.Load()
			next := &node{val: j}
			source.Store(next)
			w.Retire(old, func(*node) {})
		}
		close(stop)
	}()

	wg.Wait()
}
