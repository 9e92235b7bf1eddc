// Package rcusig implements the signal-based RCU flavor from spec.md §4.3,
// row 3, adapted for Go: the source uses a POSIX signal handler to force a
// reader thread to publish its current epoch the instant the writer asks.
// Go cannot interrupt an arbitrary goroutine the way a real-time signal
// interrupts an OS thread (see SPEC_FULL.md §0), so this port replaces the
// signal with a push-based acknowledgement: the writer posts a target epoch
// to a shared variable, and every reader — cooperatively, at each
// ReadLock/ReadUnlock, not only at the 0↔1 nesting transition the general
// flavor checks — immediately republishes its current epoch if it is behind
// the target. That gives the writer the same observable property the
// signal bought it in the source: readers acknowledge a pending grace
// period eagerly, not just when they happen to fully exit their nesting
// depth.
package rcusig

import (
	"errors"
	"sync/atomic"

	"github.com/concurrencykit/cds/backoff"
	"github.com/concurrencykit/cds/internal/diag"
)

// DeadlockPolicy mirrors rcu.DeadlockPolicy; duplicated rather than imported
// to keep this package's public surface self-contained, since the two RCU
// packages are used independently (a container picks exactly one flavor).
type DeadlockPolicy int

const (
	PolicyPanic DeadlockPolicy = iota
	PolicyAssert
	PolicyIgnore
)

// ErrSynchronizeInCriticalSection is returned/panicked per DeadlockPolicy
// when Synchronize is called from inside the caller's own open RCS.
var ErrSynchronizeInCriticalSection = errors.New("rcusig: synchronize called from within the caller's own read-side critical section")

// Config carries construction-time parameters.
type Config struct {
	OnDeadlock DeadlockPolicy
	Logger     *diag.Logger
}

type readerState struct {
	nest     atomic.Int32
	epoch    atomic.Uint64
	next     atomic.Pointer[readerState]
}

// Domain is the process-wide signal-emulated RCU registry over node type T.
type Domain[T any] struct {
	cfg         Config
	readers     atomic.Pointer[readerState]
	globalEpoch atomic.Uint64
	quiesceReq  atomic.Uint64 // target epoch every reader is asked to acknowledge
}

// NewDomain constructs a Domain.
func NewDomain[T any](cfg Config) *Domain[T] { return &Domain[T]{cfg: cfg} }

// Handle is a goroutine's binding to a Domain.
type Handle[T any] struct {
	d  *Domain[T]
	rs *readerState
}

// Attach binds the calling goroutine.
func (d *Domain[T]) Attach() *Handle[T] {
	rs := &readerState{}
	for {
		head := d.readers.Load()
		rs.next.Store(head)
		if d.readers.CompareAndSwap(head, rs) {
			break
		}
	}
	return &Handle[T]{d: d, rs: rs}
}

// ack republishes rs's epoch if the domain has an outstanding quiesce
// request it hasn't observed yet — the "signal handler" step.
func (d *Domain[T]) ack(rs *readerState) {
	req := d.quiesceReq.Load()
	if rs.epoch.Load() < req {
		rs.epoch.Store(d.globalEpoch.Load())
	}
}

// ReadLock enters a (possibly nested) read-side critical section.
func (h *Handle[T]) ReadLock() {
	if h.rs.nest.Add(1) == 1 {
		h.rs.epoch.Store(h.d.globalEpoch.Load())
	}
	h.d.ack(h.rs)
}

// ReadUnlock leaves one level of read-side critical section.
func (h *Handle[T]) ReadUnlock() {
	h.d.ack(h.rs)
	h.rs.nest.Add(-1)
}

func (h *Handle[T]) inCS() bool { return h.rs.nest.Load() > 0 }

// Synchronize blocks until every RCS active when it was called has
// acknowledged the new epoch (by exiting, or by the eager ack on their next
// ReadLock/ReadUnlock).
func (h *Handle[T]) Synchronize() error {
	d := h.d
	if h.inCS() {
		switch d.cfg.OnDeadlock {
		case PolicyAssert:
			d.cfg.Logger.Build(diag.LevelError).Msg("rcusig: synchronize called from within an open RCS")
			return ErrSynchronizeInCriticalSection
		case PolicyIgnore:
		default:
			panic(ErrSynchronizeInCriticalSection)
		}
	}

	target := d.globalEpoch.Add(1)
	d.quiesceReq.Store(target)

	type snapshot struct {
		rs    *readerState
		epoch uint64
	}
	var snaps []snapshot
	for r := d.readers.Load(); r != nil; r = r.next.Load() {
		if r.nest.Load() > 0 {
			snaps = append(snaps, snapshot{rs: r, epoch: r.epoch.Load()})
		}
	}

	bo := backoff.NewExponential(0, 0)
	for _, s := range snaps {
		for {
			if s.rs.nest.Load() == 0 || s.rs.epoch.Load() >= target {
				break
			}
			bo.Wait()
		}
		bo.Reset()
	}
	d.cfg.Logger.Build(diag.LevelTrace).AddUint64("epoch", target).Msg("rcusig: grace period elapsed")
	return nil
}

// ExemptPtr holds a value extracted from a container while h's RCS was
// open, per spec.md §4.3.3.
type ExemptPtr[T any] struct {
	val *T
}

func (e *ExemptPtr[T]) Get() *T {
	if e == nil {
		return nil
	}
	return e.val
}

// NewExemptPtr wraps val for later disposal.
func (h *Handle[T]) NewExemptPtr(val *T) *ExemptPtr[T] { return &ExemptPtr[T]{val: val} }
