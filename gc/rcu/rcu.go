// Package rcu implements the general-purpose (buffered and threaded)
// Read-Copy-Update schemes from spec.md §4.3: readers enter a read-side
// critical section with a wait-free increment/decrement of a per-thread
// nest counter; writers publish new versions with a single atomic store and
// defer freeing the old version until a grace period — every RCS active at
// publication time — has elapsed.
//
// The signal-based flavor lives in the sibling package rcusig; see
// SPEC_FULL.md §0 for why it cannot use an actual POSIX signal handler in Go.
package rcu

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/concurrencykit/cds/backoff"
	"github.com/concurrencykit/cds/internal/diag"
)

// DeadlockPolicy selects how Synchronize reacts to being called from inside
// an active read-side critical section (spec.md §4.3.2, §7).
type DeadlockPolicy int

const (
	// PolicyPanic panics with ErrSynchronizeInCriticalSection. Default.
	PolicyPanic DeadlockPolicy = iota
	// PolicyAssert logs the violation and returns
	// ErrSynchronizeInCriticalSection instead of panicking; intended for
	// test builds that want to assert on the error rather than crash.
	PolicyAssert
	// PolicyIgnore proceeds anyway. Calling Synchronize from inside your
	// own open RCS under this policy deadlocks if no other thread ever
	// closes that RCS; provided only for parity with the source's
	// `nothrow` option.
	PolicyIgnore
)

// ErrSynchronizeInCriticalSection is returned or panicked with when
// Synchronize is called from inside the calling handle's own open RCS.
var ErrSynchronizeInCriticalSection = errors.New("rcu: synchronize called from within the caller's own read-side critical section")

// Config carries rcu's construction-time parameters (spec.md §6.1).
type Config struct {
	OnDeadlock DeadlockPolicy
	Logger     *diag.Logger
}

// readerState is one goroutine's RCS nesting counter and last-observed
// epoch, linked into the domain's process-wide reader registry.
type readerState struct {
	nest  atomic.Int32
	epoch atomic.Uint64
	next  atomic.Pointer[readerState]
}

// core is the reader-registry and grace-period-detection logic shared by
// Buffered and Threaded; it has no opinion on how retired entries are
// reclaimed, which is where the two flavors (and rcusig) differ.
type core struct {
	cfg         Config
	readers     atomic.Pointer[readerState]
	globalEpoch atomic.Uint64
}

func (c *core) attach() *readerState {
	rs := &readerState{}
	for {
		head := c.readers.Load()
		rs.next.Store(head)
		if c.readers.CompareAndSwap(head, rs) {
			return rs
		}
	}
}

func (c *core) readLock(rs *readerState) {
	if rs.nest.Add(1) == 1 {
		rs.epoch.Store(c.globalEpoch.Load())
	}
}

func (c *core) readUnlock(rs *readerState) {
	rs.nest.Add(-1)
}

func (c *core) inCS(rs *readerState) bool {
	return rs != nil && rs.nest.Load() > 0
}

// synchronize blocks until every RCS active at the time of the call has
// ended, implementing spec.md §4.3.2. callerRS is nil for a writer-only
// handle; if non-nil and currently nested, the configured DeadlockPolicy
// applies.
func (c *core) synchronize(callerRS *readerState) error {
	if c.inCS(callerRS) {
		switch c.cfg.OnDeadlock {
		case PolicyAssert:
			c.cfg.Logger.Build(diag.LevelError).Msg("rcu: synchronize called from within an open RCS")
			return ErrSynchronizeInCriticalSection
		case PolicyIgnore:
			// fall through and risk deadlock, per policy.
		default:
			panic(ErrSynchronizeInCriticalSection)
		}
	}

	target := c.globalEpoch.Add(1)

	type snapshot struct {
		rs    *readerState
		epoch uint64
	}
	var snaps []snapshot
	for r := c.readers.Load(); r != nil; r = r.next.Load() {
		if r.nest.Load() > 0 {
			snaps = append(snaps, snapshot{rs: r, epoch: r.epoch.Load()})
		}
	}

	bo := backoff.NewExponential(0, 0)
	for _, s := range snaps {
		for {
			if s.rs.nest.Load() == 0 || s.rs.epoch.Load() != s.epoch {
				break
			}
			bo.Wait()
		}
		bo.Reset()
	}
	c.cfg.Logger.Build(diag.LevelTrace).AddUint64("epoch", target).
		AddInt("readers_waited", len(snaps)).Msg("rcu: grace period elapsed")
	return nil
}

type deferredEntry[T any] struct {
	ptr     *T
	deleter func(*T)
}

// ExemptPtr is the explicit extract-then-reclaim discipline spec.md §4.3.3
// requires: a value pulled out of a container under RCU protection, held
// until the caller explicitly disposes of it once it knows no reader can
// still be observing it.
type ExemptPtr[T any] struct {
	val *T
}

// Get returns the held pointer. It is nil if the extract that produced this
// ExemptPtr found nothing.
func (e *ExemptPtr[T]) Get() *T {
	if e == nil {
		return nil
	}
	return e.val
}
