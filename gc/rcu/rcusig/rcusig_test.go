package rcusig

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type node struct{ val int }

func TestReadLockNesting(t *testing.T) {
	d := NewDomain[node](Config{})
	h := d.Attach()
	h.ReadLock()
	h.ReadLock()
	assert.True(t, h.inCS())
	h.ReadUnlock()
	assert.True(t, h.inCS())
	h.ReadUnlock()
	assert.False(t, h.inCS())
}

func TestSynchronizeFromOwnCSPanics(t *testing.T) {
	d := NewDomain[node](Config{OnDeadlock: PolicyPanic})
	h := d.Attach()
	h.ReadLock()
	defer h.ReadUnlock()
	assert.Panics(t, func() { _ = h.Synchronize() })
}

func TestSynchronizeFromOwnCSAsserts(t *testing.T) {
	d := NewDomain[node](Config{OnDeadlock: PolicyAssert})
	h := d.Attach()
	h.ReadLock()
	defer h.ReadUnlock()
	err := h.Synchronize()
	assert.ErrorIs(t, err, ErrSynchronizeInCriticalSection)
}

func TestSynchronizeCompletesImmediatelyWithNoReaders(t *testing.T) {
	d := NewDomain[node](Config{})
	h := d.Attach()
	require.NoError(t, h.Synchronize())
}

func TestSynchronizeWaitsForActiveReaderThenReturns(t *testing.T) {
	d := NewDomain[node](Config{})
	reader := d.Attach()
	writer := d.Attach()

	reader.ReadLock()

	done := make(chan error, 1)
	go func() { done <- writer.Synchronize() }()

	select {
	case <-done:
		t.Fatal("synchronize returned before the active reader acknowledged the epoch")
	case <-time.After(20 * time.Millisecond):
	}

	// The eager-ack discipline: a reader entering a new nesting level (even
	// nested) republishes its epoch, letting Synchronize observe progress
	// without the reader ever fully exiting.
	reader.ReadLock()
	reader.ReadUnlock()
	reader.ReadUnlock()

	require.NoError(t, <-done)
}

func TestExemptPtrGetReturnsWrappedValue(t *testing.T) {
	d := NewDomain[node](Config{})
	h := d.Attach()
	n := &node{val: 7}
	e := h.NewExemptPtr(n)
	assert.Same(t, n, e.Get())

	var nilExempt *ExemptPtr[node]
	assert.Nil(t, nilExempt.Get())
}

func TestConcurrentReadersAndSynchronize(t *testing.T) {
	d := NewDomain[node](Config{})

	const readers = 50
	var wg sync.WaitGroup
	wg.Add(readers)
	stop := make(chan struct{})
	for i := 0; i < readers; i++ {
		go func() {
			defer wg.Done()
			h := d.Attach()
			for {
				select {
				case <-stop:
					return
				default:
				}
				h.ReadLock()
				h.ReadUnlock()
			}
		}()
	}

	writer := d.Attach()
	for i := 0; i < 20; i++ {
		require.NoError(t, writer.Synchronize())
	}
	close(stop)
	wg.Wait()
}
