// Package fc implements the flat-combining kernel from spec.md §4.4: a
// publication-list plus single-combiner-lock mechanism any sequential
// container can embed to serialize its operations through one thread at a
// time while other threads enqueue requests wait-free on their own
// publication record.
//
// Grounded on _examples/original_source/cds/algo/flat_combining.h's
// publication_record/kernel split, and on the teacher's
// eventloop.Loop — a single-combiner-style structure where many producer
// goroutines deposit work into per-goroutine state and one goroutine (the
// poll loop there, the combiner here) drains it under a single lock.
package fc

import (
	"sync"
	"sync/atomic"

	"github.com/concurrencykit/cds/backoff"
	"github.com/concurrencykit/cds/internal/diag"
)

// Request op-codes. Container-defined operation ids start at OpFirstUser.
const (
	OpEmpty    uint32 = 0
	OpResponse uint32 = 1
	OpFirstUser uint32 = 2
)

type recordState int32

const (
	stateInactive recordState = iota
	stateActive
	stateRemoved
)

// Record is one goroutine's durable hand-off slot into a Kernel's
// publication list (spec.md §3.5). Payload carries the container-specific
// operation arguments and result slot; the kernel never inspects it.
type Record[P any] struct {
	request atomic.Uint32
	state   atomic.Int32
	age     atomic.Uint64
	next    atomic.Pointer[Record[P]]

	Payload P
}

func (r *Record[P]) isDone() bool { return r.request.Load() == OpResponse }

// Applier executes one container operation against the underlying sequential
// structure, reading its arguments from and writing its result into
// rec.Payload. It must not block.
type Applier[P any] func(rec *Record[P])

// Config carries the kernel's construction-time parameters (spec.md §4.4.1).
type Config struct {
	// PassesPerCombine bounds how many full passes over the publication
	// list one combining round makes (spec's P). Default 8.
	PassesPerCombine int
	// CompactEvery triggers compaction every Nth combining round (each
	// round bumps the pass counter once). Default 64.
	CompactEvery uint64
	// StaleAfter is how far a record's age may fall behind the pass counter
	// before it is eligible for compaction. Default 2 * PassesPerCombine.
	StaleAfter uint64
	// NewBackoff returns a fresh Strategy for a spinning thread; called once
	// per Combine call. Defaults to backoff.NewExponential(0, 0).
	NewBackoff func() backoff.Strategy
	Logger     *diag.Logger
}

func (c Config) withDefaults() Config {
	if c.PassesPerCombine <= 0 {
		c.PassesPerCombine = 8
	}
	if c.CompactEvery == 0 {
		c.CompactEvery = 64
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = uint64(2 * c.PassesPerCombine)
	}
	if c.NewBackoff == nil {
		c.NewBackoff = func() backoff.Strategy { return backoff.NewExponential(0, 0) }
	}
	return c
}

// Kernel is the flat-combining mechanism itself: the global combiner lock,
// the publication-list head, and the pass counter.
type Kernel[P any] struct {
	cfg Config
	lock sync.Mutex

	head      atomic.Pointer[Record[P]]
	passCount atomic.Uint64

	apply     Applier[P]
	destroyed atomic.Bool
}

// NewKernel constructs a Kernel that runs apply against each active record
// during a combining pass.
func NewKernel[P any](apply Applier[P], cfg Config) *Kernel[P] {
	return &Kernel[P]{cfg: cfg.withDefaults(), apply: apply}
}

// AcquireRecord allocates a new, as-yet-unpublished Record for the calling
// goroutine. Callers typically allocate one Record per long-lived worker and
// reuse it across many Combine calls.
func (k *Kernel[P]) AcquireRecord() *Record[P] {
	rec := &Record[P]{}
	rec.state.Store(int32(stateInactive))
	rec.request.Store(OpEmpty)
	return rec
}

// publish inserts rec into the publication list if it is not already
// reachable from it (spec.md §4.4.1 step 5).
func (k *Kernel[P]) publish(rec *Record[P]) {
	if recordState(rec.state.Load()) == stateActive {
		return
	}
	rec.state.Store(int32(stateActive))
	for {
		head := k.head.Load()
		rec.next.Store(head)
		if k.head.CompareAndSwap(head, rec) {
			return
		}
	}
}

// Combine executes one container operation through the kernel: it writes
// opcode to rec.request (the caller must have already written rec.Payload),
// publishes rec if needed, and then either becomes the combiner or spins on
// rec.request until some combiner executes it, per spec.md §4.4.1.
func (k *Kernel[P]) Combine(rec *Record[P], opcode uint32) {
	rec.request.Store(opcode)
	k.publish(rec)

	bo := k.cfg.NewBackoff()
	for {
		if rec.isDone() {
			rec.request.Store(OpEmpty)
			return
		}
		if k.lock.TryLock() {
			k.combinerBody()
			k.lock.Unlock()
			bo.Reset()
			continue
		}
		bo.Wait()
		if recordState(rec.state.Load()) == stateRemoved {
			k.publish(rec)
		}
	}
}

// combinerBody runs while k.lock is held: up to PassesPerCombine passes over
// the publication list, applying every pending operation it finds, then
// compacting the list if the pass counter warrants it (spec.md §4.4.1 step
// 4, §8's invariant on exactly-one-combiner-per-release).
func (k *Kernel[P]) combinerBody() {
	n := k.passCount.Add(1)
	for pass := 0; pass < k.cfg.PassesPerCombine; pass++ {
		didWork := false
		for r := k.head.Load(); r != nil; r = r.next.Load() {
			if recordState(r.state.Load()) != stateActive {
				continue
			}
			req := r.request.Load()
			if req == OpEmpty || req == OpResponse {
				continue
			}
			r.age.Store(n)
			k.apply(r)
			r.request.Store(OpResponse)
			didWork = true
		}
		if !didWork {
			break
		}
	}
	if n%k.cfg.CompactEvery == 0 {
		k.compact(n)
	}
}

// compact unlinks every Removed record, and every Active record whose age is
// far behind n, flipping the latter's state to Inactive. The list head is never compacted away (spec.md
// §4.4.1 step 4): a record reachable only through head.next onward may be
// removed, but head itself always stays linked so publish's CAS race against
// a concurrently-compacted head is impossible.
func (k *Kernel[P]) compact(n uint64) {
	head := k.head.Load()
	if head == nil {
		return
	}
	prev := head
	for cur := head.next.Load(); cur != nil; {
		next := cur.next.Load()
		st := recordState(cur.state.Load())
		if st == stateRemoved || (st == stateActive && n-cur.age.Load() > k.cfg.StaleAfter) {
			if st == stateActive {
				cur.state.Store(int32(stateInactive))
			}
			prev.next.CompareAndSwap(cur, next)
		} else {
			prev = cur
		}
		cur = next
	}
}

// Cleanup marks rec Removed so combiners skip it and the next compaction
// unlinks it (if the kernel has already been Closed, it does nothing). Call it
// when a goroutine that owns rec is about to stop using the kernel, while a
// request may still be outstanding on rec (spec.md §4.4.3's thread-
// termination case).
//
// The source's pOwner back-pointer races a concurrent kernel destructor;
// this port sidesteps that race entirely (SPEC_FULL.md §0): Kernel is
// garbage-collected like any Go value, so a live *Record can never dangle a
// pointer to a freed Kernel. destroyed is read here with the same
// acquire/release pairing the spec's Open Question recommends, purely to
// decide whether it's worth flipping rec's state at all.
func (k *Kernel[P]) Cleanup(rec *Record[P]) {
	if k.destroyed.Load() {
		return
	}
	rec.state.Store(int32(stateRemoved))
}

// Close marks the kernel destroyed. It does not reclaim the publication
// list; outstanding *Record values simply become ordinary unreachable
// garbage once their owning goroutines drop them.
func (k *Kernel[P]) Close() {
	k.destroyed.Store(true)
}

// PassCount returns the number of combining rounds executed so far (one per
// combinerBody call, however many list passes that round made), exposed
// for the invariant in spec.md §8 ("between two successive releases of K's
// lock, exactly one combiner ran").
func (k *Kernel[P]) PassCount() uint64 { return k.passCount.Load() }
