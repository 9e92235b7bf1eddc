// Package dhp implements the Dynamic Hazard Pointer scheme from spec.md
// §4.2: unlike hp.Domain's fixed per-thread array, a thread's guard slots are
// drawn from a shared, lock-free pool and its "in-use" list grows on demand.
// Retired entries are filed in per-thread buckets keyed by the domain epoch
// at retire time (after the original's
// cds::gc::dhp::details::retired_ptr_pool, grounded in
// _examples/original_source/cds/gc/details/dhp.h); there is no pooled
// retired-record allocator, and a scan drains every bucket regardless of
// its epoch.
package dhp

import (
	"errors"
	"sync/atomic"

	"github.com/concurrencykit/cds/internal/diag"
)

// ErrInvalidEpochCount is returned by NewDomain when Config.EpochCount is not
// a power of two, per spec.md §6.1.
var ErrInvalidEpochCount = errors.New("dhp: epoch count must be a power of two")

// Config carries dhp's construction-time parameters (spec.md §6.1).
type Config struct {
	// LiberateThreshold is the per-thread retired count that triggers a
	// scan. Default 1024.
	LiberateThreshold int
	// InitialGuardCount is how many guard slots a freshly attached thread
	// starts with before it needs to grow. Default 8.
	InitialGuardCount int
	// EpochCount is the number of epochs the retired-pointer pool cycles
	// through; must be a power of two. Default 16.
	EpochCount int
	Logger     *diag.Logger
}

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

func (c Config) withDefaults() (Config, error) {
	if c.LiberateThreshold <= 0 {
		c.LiberateThreshold = 1024
	}
	if c.InitialGuardCount <= 0 {
		c.InitialGuardCount = 8
	}
	if c.EpochCount <= 0 {
		c.EpochCount = 16
	}
	if !isPowerOfTwo(c.EpochCount) {
		return c, ErrInvalidEpochCount
	}
	return c, nil
}

// guardSlot is one pool-allocated hazard slot. Slots chain through free when
// sitting in a Treiber free-list.
type guardSlot[T any] struct {
	p    atomic.Pointer[T]
	free atomic.Pointer[guardSlot[T]]
}

// slotPool is the process-wide, lock-free pool of guard slots spec.md §4.2
// describes as "a lock-free pool": allocation walks a free list protected
// only by CAS (the spec's "deliberate simplification" note applies to the
// source's mutex-guarded block allocator; this port keeps allocation fully
// lock-free via a Treiber stack since Go's allocator already amortizes the
// underlying memory acquisition cost).
type slotPool[T any] struct {
	free atomic.Pointer[guardSlot[T]]
}

func (p *slotPool[T]) acquire() *guardSlot[T] {
	for {
		top := p.free.Load()
		if top == nil {
			return &guardSlot[T]{}
		}
		next := top.free.Load()
		if p.free.CompareAndSwap(top, next) {
			top.p.Store(nil)
			return top
		}
	}
}

func (p *slotPool[T]) release(s *guardSlot[T]) {
	s.p.Store(nil)
	for {
		top := p.free.Load()
		s.free.Store(top)
		if p.free.CompareAndSwap(top, s) {
			return
		}
	}
}

// retiredEntry is one pool-allocated retired-pointer record, epoch-tagged at
// allocation per spec.md §4.2.
type retiredEntry[T any] struct {
	ptr     *T
	deleter func(*T)
}

// Domain is the process-wide DHP registry protecting values of type *T. Like
// hp.Domain, it is parameterized by T rather than a single untyped
// singleton.
type Domain[T any] struct {
	cfg Config

	pool     slotPool[T]
	threads  atomic.Pointer[threadRec[T]] // registry of attached threads, CAS-linked
	curEpoch atomic.Uint64
}

type threadRec[T any] struct {
	owned []*guardSlot[T] // this thread's currently-held slots (grows on demand)
	// retiredByEpoch[e] holds entries retired while curEpoch%EpochCount==e.
	// scan drains every bucket, including the current epoch's.
	retiredByEpoch [][]retiredEntry[T]
	next           atomic.Pointer[threadRec[T]]
	active         atomic.Bool
}

// NewDomain constructs a Domain, returning ErrInvalidEpochCount if
// cfg.EpochCount is set and not a power of two.
func NewDomain[T any](cfg Config) (*Domain[T], error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Domain[T]{cfg: cfg}, nil
}

// Handle is a goroutine's binding to a Domain.
type Handle[T any] struct {
	domain *Domain[T]
	rec    *threadRec[T]
}

// Attach binds the calling goroutine, growing its owned-slot list to
// Config.InitialGuardCount.
func (d *Domain[T]) Attach() *Handle[T] {
	rec := &threadRec[T]{
		retiredByEpoch: make([][]retiredEntry[T], d.cfg.EpochCount),
	}
	rec.active.Store(true)
	for i := 0; i < d.cfg.InitialGuardCount; i++ {
		rec.owned = append(rec.owned, d.pool.acquire())
	}
	for {
		head := d.threads.Load()
		rec.next.Store(head)
		if d.threads.CompareAndSwap(head, rec) {
			break
		}
	}
	return &Handle[T]{domain: d, rec: rec}
}

// Detach returns h's owned slots to the pool and runs a final scan of its
// retired entries. threadRec stays in the registry, marked inactive,
// contributing no hazard slots since every owned slot was released first.
// Entries still guarded by another thread at that scan stay on the inactive
// threadRec; scans run by other threads only drain their own records, so
// those entries are not reclaimed.
func (h *Handle[T]) Detach() {
	rec := h.rec
	for _, s := range rec.owned {
		h.domain.pool.release(s)
	}
	rec.owned = nil
	rec.scan(h.domain)
	rec.active.Store(false)
	h.domain.cfg.Logger.Build(diag.LevelTrace).AddField("event", "detach").Msg("dhp: thread detached")
	h.rec = nil
}

// GuardIndex publishes source's current value into h's slot i (growing
// owned slots on demand if i is beyond the current count) and returns it
// once stable, per spec.md §4.1.1's guard protocol (DHP reuses the same
// read-publish-reread loop as HP; only slot provenance differs).
func (h *Handle[T]) GuardIndex(i int, source *atomic.Pointer[T]) *T {
	for i >= len(h.rec.owned) {
		h.rec.owned = append(h.rec.owned, h.domain.pool.acquire())
	}
	slot := h.rec.owned[i]
	for {
		p := source.Load()
		slot.p.Store(p)
		p2 := source.Load()
		if p2 == p {
			return p
		}
	}
}

// ReleaseIndex clears owned slot i.
func (h *Handle[T]) ReleaseIndex(i int) {
	if i < len(h.rec.owned) {
		h.rec.owned[i].p.Store(nil)
	}
}

// Protect grows h's owned slots by one, guards source in that new slot and
// returns a release closure. Released slots stay owned by h; Protect does
// not reuse them.
func (h *Handle[T]) Protect(source *atomic.Pointer[T]) (*T, func()) {
	i := len(h.rec.owned)
	p := h.GuardIndex(i, source)
	return p, func() { h.ReleaseIndex(i) }
}

// Retire files ptr under the domain's current epoch. Once this thread's
// bucket for that epoch reaches Config.LiberateThreshold entries, Retire
// advances the domain epoch and scans every epoch bucket of this thread.
func (h *Handle[T]) Retire(ptr *T, deleter func(*T)) {
	e := h.domain.curEpoch.Load() % uint64(h.domain.cfg.EpochCount)
	rec := h.rec
	rec.retiredByEpoch[e] = append(rec.retiredByEpoch[e], retiredEntry[T]{ptr: ptr, deleter: deleter})
	if len(rec.retiredByEpoch[e]) >= h.domain.cfg.LiberateThreshold {
		h.domain.curEpoch.Add(1)
		rec.scan(h.domain)
	}
}

// Scan forces liberation of every epoch bucket whose entries are not
// referenced by any thread's currently-owned slots.
func (h *Handle[T]) Scan() {
	h.rec.scan(h.domain)
}

func (rec *threadRec[T]) scan(d *Domain[T]) {
	live := make(map[*T]struct{})
	for t := d.threads.Load(); t != nil; t = t.next.Load() {
		for _, s := range t.owned {
			if p := s.p.Load(); p != nil {
				live[p] = struct{}{}
			}
		}
	}
	freed := 0
	for e := range rec.retiredByEpoch {
		bucket := rec.retiredByEpoch[e]
		remaining := bucket[:0]
		for _, entry := range bucket {
			if _, guarded := live[entry.ptr]; guarded {
				remaining = append(remaining, entry)
			} else {
				entry.deleter(entry.ptr)
				freed++
			}
		}
		rec.retiredByEpoch[e] = remaining
	}
	d.cfg.Logger.Build(diag.LevelTrace).AddField("event", "scan").AddInt("freed", freed).Msg("dhp: scan complete")
}
