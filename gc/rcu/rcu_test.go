package rcu

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type node struct{ val int }

func TestBufferedReadLockNesting(t *testing.T) {
	d := NewBuffered[node](Config{})
	h := d.Attach()
	h.ReadLock()
	h.ReadLock()
	h.ReadUnlock()
	assert.True(t, d.inCS(h.rs))
	h.ReadUnlock()
	assert.False(t, d.inCS(h.rs))
}

func TestBufferedSynchronizeFromOwnCSPanics(t *testing.T) {
	d := NewBuffered[node](Config{OnDeadlock: PolicyPanic})
	h := d.Attach()
	h.ReadLock()
	defer h.ReadUnlock()
	assert.Panics(t, func() { _ = h.Synchronize() })
}

func TestBufferedSynchronizeFromOwnCSAsserts(t *testing.T) {
	d := NewBuffered[node](Config{OnDeadlock: PolicyAssert})
	h := d.Attach()
	h.ReadLock()
	defer h.ReadUnlock()
	err := h.Synchronize()
	assert.ErrorIs(t, err, ErrSynchronizeInCriticalSection)
}

func TestBufferedRetireWaitsForReader(t *testing.T) {
	d := NewBuffered[node](Config{})
	reader := d.Attach()
	writer := d.Attach()

	reader.ReadLock()

	var freedAt time.Time
	var mu sync.Mutex
	writer.Retire(&node{val: 1}, func(*node) {
		mu.Lock()
		freedAt = time.Now()
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		require.NoError(t, writer.Synchronize())
		writer.Reclaim()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("synchronize returned while reader still held its RCS")
	default:
	}

	reader.ReadUnlock()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, freedAt.IsZero())
}

func TestThreadedRetireReclaimsInBackground(t *testing.T) {
	d := NewThreaded[node](Config{})
	defer d.Close()

	h := d.Attach()
	freed := make(chan struct{}, 1)
	h.Retire(&node{val: 1}, func(*node) { freed <- struct{}{} })

	select {
	case <-freed:
	case <-time.After(time.Second):
		t.Fatal("background goroutine never reclaimed the retired node")
	}
}
