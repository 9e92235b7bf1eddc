package rcu

import (
	"sync"

	"github.com/concurrencykit/cds/internal/diag"
)

// Threaded is the general-purpose threaded RCU flavor (spec.md §4.3, row 2):
// a dedicated background goroutine runs grace-period detection, draining a
// shared FIFO of retired entries, so writers never block in Retire and need
// not call Synchronize/Reclaim themselves. Close stops the goroutine and
// drains whatever remains, matching the teacher's `eventloop` convention of
// a background goroutine owned and stopped by the type it serves
// (eventloop.Loop.stopOnce / loopDone).
type Threaded[T any] struct {
	core

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []deferredEntry[T]
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewThreaded constructs a Threaded RCU domain and starts its background
// reclaimer goroutine.
func NewThreaded[T any](cfg Config) *Threaded[T] {
	d := &Threaded[T]{core: core{cfg: cfg}, done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	d.wg.Add(1)
	go d.reclaimLoop()
	return d
}

// ThreadedHandle is a goroutine's binding to a Threaded domain.
type ThreadedHandle[T any] struct {
	d  *Threaded[T]
	rs *readerState
}

// Attach binds the calling goroutine.
func (d *Threaded[T]) Attach() *ThreadedHandle[T] {
	return &ThreadedHandle[T]{d: d, rs: d.attach()}
}

func (h *ThreadedHandle[T]) ReadLock()   { h.d.readLock(h.rs) }
func (h *ThreadedHandle[T]) ReadUnlock() { h.d.readUnlock(h.rs) }

// Synchronize exposes the same blocking guarantee as Buffered.Synchronize,
// for callers that need a point-in-time grace period rather than waiting on
// the background goroutine's own schedule.
func (h *ThreadedHandle[T]) Synchronize() error { return h.d.synchronize(h.rs) }

// Retire enqueues ptr for the background goroutine; the caller does not
// need to call Synchronize or Reclaim itself.
func (h *ThreadedHandle[T]) Retire(ptr *T, deleter func(*T)) {
	d := h.d
	d.mu.Lock()
	d.pending = append(d.pending, deferredEntry[T]{ptr: ptr, deleter: deleter})
	d.cond.Signal()
	d.mu.Unlock()
}

// NewExemptPtr wraps val, extracted while h's RCS was open, for disposal via
// Dispose (which simply enqueues it for the background goroutine).
func (h *ThreadedHandle[T]) NewExemptPtr(val *T) *ExemptPtr[T] {
	return &ExemptPtr[T]{val: val}
}

func (h *ThreadedHandle[T]) Dispose(e *ExemptPtr[T], deleter func(*T)) {
	if e == nil || e.val == nil {
		return
	}
	h.Retire(e.val, deleter)
}

// Close stops the background goroutine after reclaiming any pending
// entries, and waits for it to exit. Safe to call once.
func (d *Threaded[T]) Close() {
	d.stopOnce.Do(func() {
		close(d.done)
		d.mu.Lock()
		d.cond.Signal()
		d.mu.Unlock()
	})
	d.wg.Wait()
}

func (d *Threaded[T]) reclaimLoop() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for len(d.pending) == 0 {
			select {
			case <-d.done:
				d.mu.Unlock()
				return
			default:
			}
			d.cond.Wait()
		}
		batch := d.pending
		d.pending = nil
		d.mu.Unlock()

		if err := d.synchronize(nil); err != nil {
			d.cfg.Logger.Build(diag.LevelError).Msg("rcu: background synchronize failed")
		}
		for _, e := range batch {
			e.deleter(e.ptr)
		}
	}
}
