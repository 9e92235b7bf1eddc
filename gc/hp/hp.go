// Package hp implements the Hazard-Pointer SMR scheme from spec.md §4.1: a
// thread-local fixed-width protection array plus a per-thread retired buffer
// periodically matched against the global union of every thread's hazard
// slots.
//
// Construction mirrors the source's cds::gc::HP: a process-wide Domain is
// created once per protected node type (Domain is generic per T rather than
// a single untyped singleton because Go has no zero-cost way to erase T the
// way a C++ template instantiates per type without reflection), every
// participating goroutine calls Attach once
// before its first guarded access and Detach before it stops using the
// domain.
package hp

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/concurrencykit/cds/internal/diag"
)

// ErrHazardSlotsExhausted is returned by AcquireSlot when a thread's fixed
// hazard-pointer array (Config.MaxHP slots) is already fully in use. Per
// spec §4.1.3 this is a programming error: the caller is asking for more
// concurrent guards on one goroutine than the domain was configured to
// support, and it is not retried.
var ErrHazardSlotsExhausted = errors.New("hp: hazard slots exhausted")

// Config carries the construction-time parameters from spec.md §6.1.
type Config struct {
	// MaxHP is the number of hazard-pointer slots per attached thread.
	// Default 8.
	MaxHP int
	// ScanThreshold is the retired-buffer length at which Retire triggers a
	// scan. Default MaxRetiredMultiplier*MaxHP.
	ScanThreshold int
	// MaxRetiredMultiplier sizes ScanThreshold's default relative to MaxHP,
	// mirroring the source's retired_ptr_buffer watermark (capped at
	// MaxHP*ThreadCount plus free-list slack; here, in the absence of a
	// fixed thread count, a thread's own buffer is bounded relative to its
	// own hazard-slot width instead). Default 2. Ignored if ScanThreshold is
	// set explicitly.
	MaxRetiredMultiplier int
	// Logger receives Trace-level attach/detach/scan diagnostics. Nil is
	// silent.
	Logger *diag.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxHP <= 0 {
		c.MaxHP = 8
	}
	if c.MaxRetiredMultiplier <= 0 {
		c.MaxRetiredMultiplier = 2
	}
	if c.ScanThreshold <= 0 {
		c.ScanThreshold = c.MaxRetiredMultiplier * c.MaxHP
	}
	return c
}

type retiredEntry[T any] struct {
	ptr     *T
	deleter func(*T)
}

// threadRec is one goroutine's hazard-slot array and retired buffer. It is
// linked into the domain's process-wide registry for the lifetime of the
// domain (or until recycled by a later Attach, see freeThreadRec).
type threadRec[T any] struct {
	slots []atomic.Pointer[T]
	inUse []bool // local to the owning handle; never touched concurrently
	// mu guards retired. The owning handle never needs it (retired is
	// otherwise thread-local), but it lets an unrelated thread's scan claim
	// and drain a detached, orphaned rec's leftover entries.
	mu      sync.Mutex
	retired []retiredEntry[T]
	next    atomic.Pointer[threadRec[T]] // registry link, CAS-inserted, never removed
	active  atomic.Bool                 // false once detached; scan skips inactive slots implicitly (they are nil)

	// freeNext chains the rec through the domain's free stack while detached.
	freeNext atomic.Pointer[threadRec[T]]
}

// Domain is a process-wide Hazard-Pointer registry protecting values of type
// *T. Construct one Domain per node type and share it across every
// container instance and goroutine operating on that type.
type Domain[T any] struct {
	cfg Config

	head    atomic.Pointer[threadRec[T]] // registry of live/recycled thread records
	freeTop atomic.Pointer[threadRec[T]] // Treiber stack of detached, reusable records
	// The free stack chains through threadRec.freeNext, so a rec keeps its
	// registry link; it is linked into head's list only once, at first
	// allocation.
}

// NewDomain constructs a Domain with the given configuration.
func NewDomain[T any](cfg Config) *Domain[T] {
	cfg = cfg.withDefaults()
	return &Domain[T]{cfg: cfg}
}

// Handle is a goroutine's binding to a Domain, obtained via Attach. A Handle
// must not be used from more than one goroutine concurrently.
type Handle[T any] struct {
	domain *Domain[T]
	rec    *threadRec[T]
}

// Attach binds the calling goroutine to d, allocating or recycling a
// threadRec. It must be called before the first Guard/Retire call and
// matched with exactly one Detach.
func (d *Domain[T]) Attach() *Handle[T] {
	rec := d.popFree()
	if rec == nil {
		rec = &threadRec[T]{
			slots: make([]atomic.Pointer[T], d.cfg.MaxHP),
			inUse: make([]bool, d.cfg.MaxHP),
		}
		rec.active.Store(true)
		d.pushRegistry(rec)
	} else {
		rec.active.Store(true)
		for i := range rec.inUse {
			rec.inUse[i] = false
		}
	}
	d.cfg.Logger.Build(diag.LevelTrace).AddField("event", "attach").Msg("hp: thread attached")
	return &Handle[T]{domain: d, rec: rec}
}

func (d *Domain[T]) pushRegistry(rec *threadRec[T]) {
	for {
		head := d.head.Load()
		rec.next.Store(head)
		if d.head.CompareAndSwap(head, rec) {
			return
		}
	}
}

func (d *Domain[T]) popFree() *threadRec[T] {
	for {
		top := d.freeTop.Load()
		if top == nil {
			return nil
		}
		next := top.freeNext.Load()
		if d.freeTop.CompareAndSwap(top, next) {
			return top
		}
	}
}

func (d *Domain[T]) pushFree(rec *threadRec[T]) {
	for {
		top := d.freeTop.Load()
		rec.freeNext.Store(top)
		if d.freeTop.CompareAndSwap(top, rec) {
			return
		}
	}
}

// Detach releases h's slots and drains its retired buffer. Entries still
// guarded by some other thread at detach time stay on rec, which remains
// linked into the registry (marked inactive, contributing no hazard slots of
// its own since Detach nils every slot first) until a scan by any thread
// claims and drains it — either a later Attach recycling this exact rec, or
// another thread's scan sweeping it as an orphan (spec.md §4.1.3).
func (h *Handle[T]) Detach() {
	rec := h.rec
	for i := range rec.slots {
		rec.slots[i].Store(nil)
	}
	rec.scan(h.domain)
	rec.active.Store(false)
	rec.mu.Lock()
	orphaned := len(rec.retired)
	rec.mu.Unlock()
	h.domain.cfg.Logger.Build(diag.LevelTrace).AddField("event", "detach").
		AddInt("orphaned", orphaned).Msg("hp: thread detached")
	h.domain.pushFree(rec)
	h.rec = nil
}

// AcquireSlot reserves one of h's MaxHP hazard slots for the caller's use,
// returning its index. It returns ErrHazardSlotsExhausted if all slots are
// already reserved by this handle.
func (h *Handle[T]) AcquireSlot() (int, error) {
	for i, used := range h.rec.inUse {
		if !used {
			h.rec.inUse[i] = true
			return i, nil
		}
	}
	return -1, ErrHazardSlotsExhausted
}

// ReleaseSlot clears and frees slot idx for reuse by a later AcquireSlot.
func (h *Handle[T]) ReleaseSlot(idx int) {
	h.rec.slots[idx].Store(nil)
	h.rec.inUse[idx] = false
}

// Guard implements spec.md §4.1.1's guard(index, source): publish *source
// into slot idx, then re-read source and retry until the two reads agree,
// guaranteeing the returned pointer cannot be reclaimed until Release(idx)
// or a subsequent Guard/Retire reuses idx.
func (h *Handle[T]) Guard(idx int, source *atomic.Pointer[T]) *T {
	for {
		p := source.Load()
		h.rec.slots[idx].Store(p)
		p2 := source.Load()
		if p2 == p {
			return p
		}
	}
}

// GuardRaw publishes p into slot idx directly, without the read-republish-
// reread loop Guard performs. Callers whose source isn't a plain
// atomic.Pointer[T] (for example a markptr.Link[T]) read-and-validate the
// pointer themselves and use GuardRaw only to make the already-validated
// value visible to concurrent scans.
func (h *Handle[T]) GuardRaw(idx int, p *T) {
	h.rec.slots[idx].Store(p)
}

// Release clears slot idx, ending the guard it held.
func (h *Handle[T]) Release(idx int) {
	h.rec.slots[idx].Store(nil)
}

// Protect is a convenience wrapping AcquireSlot+Guard+ReleaseSlot for the
// common case of a single transient guard: it returns the guarded pointer
// and a release func the caller must invoke exactly once.
func (h *Handle[T]) Protect(source *atomic.Pointer[T]) (ptr *T, release func(), err error) {
	idx, err := h.AcquireSlot()
	if err != nil {
		return nil, nil, err
	}
	ptr = h.Guard(idx, source)
	return ptr, func() { h.ReleaseSlot(idx) }, nil
}

// Retire hands ptr to the SMR scheme: deleter runs once no live hazard slot
// in the domain references ptr. If the thread-local retired buffer has
// reached Config.ScanThreshold, Retire runs scan before returning.
func (h *Handle[T]) Retire(ptr *T, deleter func(*T)) {
	rec := h.rec
	rec.mu.Lock()
	rec.retired = append(rec.retired, retiredEntry[T]{ptr: ptr, deleter: deleter})
	n := len(rec.retired)
	rec.mu.Unlock()
	if n >= h.domain.cfg.ScanThreshold {
		rec.scan(h.domain)
	}
}

// Scan forces an immediate scan of the calling handle's retired buffer
// against the domain's live hazard slots, regardless of ScanThreshold.
func (h *Handle[T]) Scan() {
	h.rec.scan(h.domain)
}

// drain filters rec's retired buffer against live, freeing every entry whose
// pointer isn't guarded and keeping the rest. The caller must hold rec.mu.
func drain[T any](rec *threadRec[T], live map[*T]struct{}) (freed, remaining int) {
	kept := rec.retired[:0]
	for _, e := range rec.retired {
		if _, guarded := live[e.ptr]; guarded {
			kept = append(kept, e)
		} else {
			e.deleter(e.ptr)
			freed++
		}
	}
	rec.retired = kept
	return freed, len(kept)
}

// scan implements spec.md §4.1.1's scan: snapshot every thread's hazard
// slots, then free every retired entry not present in the snapshot. It is
// wait-free with respect to other threads' slots, but briefly locks rec's
// own retired buffer and opportunistically locks any other, currently
// inactive (detached) threadRec it finds in the registry, draining that
// orphan's leftover retired buffer too (spec.md §4.1.3's "process-global
// orphan buffer drained on the next scan by any thread"). A rec another
// concurrent scan already holds is skipped and left for a later scan.
func (rec *threadRec[T]) scan(d *Domain[T]) {
	live := make(map[*T]struct{}, d.cfg.MaxHP*4)
	for t := d.head.Load(); t != nil; t = t.next.Load() {
		for i := range t.slots {
			if p := t.slots[i].Load(); p != nil {
				live[p] = struct{}{}
			}
		}
	}

	rec.mu.Lock()
	freed, remaining := drain(rec, live)
	rec.mu.Unlock()
	d.cfg.Logger.Build(diag.LevelTrace).AddField("event", "scan").
		AddInt("freed", freed).AddInt("remaining", remaining).Msg("hp: scan complete")

	for t := d.head.Load(); t != nil; t = t.next.Load() {
		if t == rec || t.active.Load() {
			continue
		}
		if !t.mu.TryLock() {
			continue // another sweeper owns it; retry on a future scan
		}
		orphanFreed, orphanRemaining := drain(t, live)
		t.mu.Unlock()
		if orphanFreed > 0 {
			d.cfg.Logger.Build(diag.LevelTrace).AddField("event", "orphan_scan").
				AddInt("freed", orphanFreed).AddInt("remaining", orphanRemaining).
				Msg("hp: orphan rec swept")
		}
	}
}
