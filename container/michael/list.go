// Package michael implements the ordered singly-linked set/map from
// spec.md §4.5: lock-free insert/erase/find/extract over a list kept sorted
// by key, using the hazard-pointer search-and-validate walk and the
// mark-then-unlink deletion protocol common to every lock-free list built on
// Harris's original scheme.
//
// Grounded on _examples/original_source/cds/intrusive/michael_list_rcu.h's
// iterator/search/insert_at/erase_at structure (the "RCU" header documents
// the algorithm shared by every GC-templated michael_list variant), reworked
// per SPEC_FULL.md §0 onto internal/markptr.Link for the tagged next pointer
// and gc/hp for reclamation — the GC template parameter the source leaves
// pluggable is fixed to Hazard Pointers here.
package michael

import (
	"golang.org/x/exp/constraints"

	"github.com/concurrencykit/cds/gc/hp"
	"github.com/concurrencykit/cds/internal/markptr"
	"github.com/concurrencykit/cds/stat"
)

// node is one list cell. A cell is never mutated in place once published:
// key and value are fixed at construction, and next is the only mutable
// field, advanced exclusively through markptr's CAS.
type node[K any, V any] struct {
	key   K
	value V
	next  markptr.Link[node[K, V]]
}

// Less reports whether a orders strictly before b. The list is kept sorted
// ascending by Less; two keys for which neither Less(a,b) nor Less(b,a)
// holds are treated as equal.
type Less[K any] func(a, b K) bool

// OrderedLess returns a Less that orders K by its natural `<` relation, for
// callers whose key type needs no custom comparator (spec.md §6.3's default
// compare trait slot).
func OrderedLess[K constraints.Ordered]() Less[K] {
	return func(a, b K) bool { return a < b }
}

// Config carries List's construction-time parameters.
type Config[K any] struct {
	Less Less[K]
	// Counter observes successful insert/erase counts (spec.md §6.3's
	// item-counting policy). Nil disables counting.
	Counter stat.Counter
}

func (c Config[K]) withDefaults() Config[K] {
	if c.Counter == nil {
		c.Counter = stat.Disabled{}
	}
	return c
}

// Domain is the Hazard Pointer domain type a List needs, aliased so callers
// outside this package can name it without needing node's (unexported)
// type name.
type Domain[K any, V any] = hp.Domain[node[K, V]]

// Handle is a goroutine's binding to a List's Domain, aliased for the same
// reason as Domain.
type Handle[K any, V any] = hp.Handle[node[K, V]]

// List is a lock-free ordered singly-linked set/map keyed by K, reclaimed
// through a caller-supplied Hazard Pointer domain (spec.md §4.5.1).
type List[K any, V any] struct {
	head   markptr.Link[node[K, V]] // never marked; the permanent sentinel predecessor
	cfg    Config[K]
	domain *Domain[K, V]
}

// NewDomain constructs the Hazard Pointer domain a List needs. Share one
// domain across every List instance keyed by the same (K, V) pair. The
// search walk writes hazard slots 0, 1 and 2 (prev, cur, next) of the
// handle directly, so MaxHP is raised to at least 3. Those slots are not
// marked in use, so AcquireSlot on the same handle can return them.
func NewDomain[K any, V any](cfg hp.Config) *Domain[K, V] {
	if cfg.MaxHP < 3 {
		cfg.MaxHP = 3
	}
	return hp.NewDomain[node[K, V]](cfg)
}

// New constructs an empty List. domain must outlive the List.
func New[K any, V any](domain *Domain[K, V], cfg Config[K]) *List[K, V] {
	return &List[K, V]{cfg: cfg.withDefaults(), domain: domain}
}

// Attach binds the calling goroutine to l's reclamation domain. Call once
// per goroutine before using any other List method, and Detach when done.
func (l *List[K, V]) Attach() *Handle[K, V] { return l.domain.Attach() }

const (
	slotPrev = 0
	slotCur  = 1
	slotNext = 2
)

// guardLink re-reads link until the value published into slot idx agrees
// with a fresh load, the same publish-reread-retry discipline
// hp.Handle.Guard uses for plain atomic.Pointer sources (spec.md §4.1.1),
// adapted to markptr's {pointer, mark} pair so a concurrent Mark is
// observed atomically together with the pointer it attaches to.
func guardLink[K any, V any](h *Handle[K, V], idx int, link *markptr.Link[node[K, V]]) (p *node[K, V], marked bool) {
	for {
		p, marked = link.Load()
		h.GuardRaw(idx, p)
		p2, marked2 := link.Load()
		if p2 == p && marked2 == marked {
			return p, marked
		}
	}
}

// position is the result of search: prev is the predecessor link (either
// the list head or a still-guarded node's next field), and cur is the first
// live node whose key is >= the search key (nil at end of list), guarded in
// slotCur for the caller to inspect or CAS against.
type position[K any, V any] struct {
	prev *markptr.Link[node[K, V]]
	cur  *node[K, V]
	next *node[K, V]
}

// search walks from head guarding three hazard slots — prev, cur and next —
// and physically unlinks every logically-deleted node it passes over,
// retiring it through h. It returns once cur is nil or cur.key >= key
// (spec.md §4.5.1's search contract).
func (l *List[K, V]) search(h *Handle[K, V], key K) position[K, V] {
retry:
	prevLink := &l.head
	cur, _ := guardLink(h, slotCur, prevLink)

	for {
		if cur == nil {
			return position[K, V]{prev: prevLink}
		}
		next, marked := guardLink(h, slotNext, &cur.next)
		if marked {
			if !prevLink.CompareAndSwap(cur, false, next, false) {
				goto retry
			}
			h.Retire(cur, func(*node[K, V]) {})
			cur = next
			h.GuardRaw(slotCur, cur) // next is already live in slotNext; copy its guard down
			continue
		}
		if l.cfg.Less(cur.key, key) {
			prevLink = &cur.next
			h.GuardRaw(slotPrev, cur) // cur, guarded in slotCur, becomes prev
			cur = next
			h.GuardRaw(slotCur, next) // next, guarded in slotNext, becomes cur
			continue
		}
		return position[K, V]{prev: prevLink, cur: cur, next: next}
	}
}

// equal reports whether cur's key is neither less-than nor greater-than key.
func (l *List[K, V]) equal(cur *node[K, V], key K) bool {
	return cur != nil && !l.cfg.Less(cur.key, key) && !l.cfg.Less(key, cur.key)
}

// Insert adds (key, value) if no equal key is already present, returning
// false if one was (spec.md §4.5.3's insert contract: no duplicates).
func (l *List[K, V]) Insert(h *Handle[K, V], key K, value V) bool {
	for {
		pos := l.search(h, key)
		if l.equal(pos.cur, key) {
			return false
		}
		n := &node[K, V]{key: key, value: value}
		n.next = markptr.NewLink(pos.cur)
		if pos.prev.CompareAndSwap(pos.cur, false, n, false) {
			l.cfg.Counter.Inc()
			return true
		}
	}
}

// Find looks up key and, if present, invokes fn with its value before
// releasing the hazard guard protecting the node (spec.md §4.5.3's find
// contract: fn observes a value that cannot be reclaimed while it runs).
func (l *List[K, V]) Find(h *Handle[K, V], key K, fn func(value V)) bool {
	pos := l.search(h, key)
	if !l.equal(pos.cur, key) {
		return false
	}
	fn(pos.cur.value)
	return true
}

// Len returns the item counter's current value, or 0 if counting is
// disabled (spec.md §6.3).
func (l *List[K, V]) Len() int64 { return l.cfg.Counter.Value() }

// Contains reports whether key is present.
func (l *List[K, V]) Contains(h *Handle[K, V], key K) bool {
	return l.Find(h, key, func(V) {})
}

// Erase logically deletes the node for key (marking its next pointer) and
// then attempts the physical unlink, retiring the node through h on
// success. It returns false if key was not found (spec.md §4.5.3's erase
// contract).
func (l *List[K, V]) Erase(h *Handle[K, V], key K) bool {
	return l.erase(h, key, func(V) {})
}

// Extract behaves like Erase but additionally hands the removed value to fn
// before the node is retired (spec.md §4.5.3's extract contract — the value
// is still guarded, and therefore safe to read, while fn runs).
func (l *List[K, V]) Extract(h *Handle[K, V], key K, fn func(value V)) bool {
	return l.erase(h, key, fn)
}

func (l *List[K, V]) erase(h *Handle[K, V], key K, fn func(value V)) bool {
	for {
		pos := l.search(h, key)
		if !l.equal(pos.cur, key) {
			return false
		}
		if !pos.cur.next.Mark(pos.next) {
			continue
		}
		fn(pos.cur.value)
		if pos.prev.CompareAndSwap(pos.cur, false, pos.next, false) {
			h.Retire(pos.cur, func(*node[K, V]) {})
		}
		// If the CAS above lost the race, cur stays logically deleted and
		// reachable; some other thread's search will finish the unlink.
		l.cfg.Counter.Dec()
		return true
	}
}
