// Package splitlist implements the split-ordered list from spec.md §4.7: a
// single sorted list whose keys are bit-reversed hashes, with a lazily
// grown array of "dummy" bucket markers spliced into it so that a lookup
// only has to scan the portion of the list between two dummies instead of
// the whole thing — and the bucket array can be doubled without moving or
// rehashing a single existing item, because bit-reversal makes a bucket's
// dummy key depend only on the bucket index, never on the current table
// width (Shalev & Shavit, "Split-Ordered Lists").
//
// Grounded on _examples/original_source/cds/intrusive/split_list.h's
// recursive init_bucket and regular/dummy key construction. The CAS search
// walk itself is the same pattern container/michael uses (grounded on the
// same source family, michael_list_rcu.h), duplicated here rather than
// reused through michael.List: splitlist's bucket table must cache raw
// pointers to dummy nodes for O(1) traversal start, which requires the
// node type to be local to this package (michael's node type is
// unexported, by design, so outside packages can't reach into it).
package splitlist

import (
	"math/bits"
	"sync/atomic"

	"golang.org/x/exp/constraints"

	"github.com/concurrencykit/cds/gc/hp"
	"github.com/concurrencykit/cds/internal/markptr"
	"github.com/concurrencykit/cds/stat"
)

// OrderedLess returns a Less that orders K by its natural `<` relation, for
// callers whose key type needs no custom tie-breaker (spec.md §6.3's
// default compare trait slot).
func OrderedLess[K constraints.Ordered]() Less[K] {
	return func(a, b K) bool { return a < b }
}

// node is one cell of the backing sorted list: either a permanent dummy
// bucket marker (dummy true, key/value zero) or a real entry.
type node[K any, V any] struct {
	order uint64
	dummy bool
	key   K
	value V
	next  markptr.Link[node[K, V]]
}

// Hash reduces a key to a 64-bit hash. Bit 63 of the hash is not significant
// to the split order (it lands in bit 0 after reversal, which regularKey
// always sets), but higher collision quality still improves bucket
// distribution.
type Hash[K any] func(key K) uint64

// Less is a total order over K, used only to break ties between distinct
// keys that hash identically (spec.md §4.7.1's key-equality fallback).
type Less[K any] func(a, b K) bool

// regularKey and dummyKey implement spec.md §4.7.1's so_regularkey/
// so_dummykey: reversing the bits of a hash moves its low-order bits (the
// ones a growing bucket-count mask exposes first) into the high-order
// position, so a dummy inserted for a newly split-off bucket always lands
// in the correct place in the existing sort order without moving anything
// already in the list. Forcing bit 0 makes every regular key odd and every
// dummy key even, so a dummy always sorts before any regular key that
// shares its bucket prefix.
func regularKey(hash uint64) uint64 { return bits.Reverse64(hash) | 1 }
func dummyKey(bucket uint64) uint64 { return bits.Reverse64(bucket) }

// Config carries List's construction-time parameters.
type Config[K any] struct {
	Hash Hash[K]
	Less Less[K]
	// InitialBuckets is the starting logical bucket count. Must be a power
	// of two. Default 2.
	InitialBuckets uint64
	// MaxBuckets bounds the backing bucket-pointer array; doubling stops
	// once reached. Must be a power of two. Default 1<<16.
	MaxBuckets uint64
	// LoadFactor is the average per-bucket item count that triggers
	// doubling the logical bucket count. Default 2.
	LoadFactor int64
	Counter    stat.Counter
}

func (c Config[K]) withDefaults() Config[K] {
	if c.InitialBuckets == 0 {
		c.InitialBuckets = 2
	}
	if c.MaxBuckets == 0 {
		c.MaxBuckets = 1 << 16
	}
	if c.LoadFactor <= 0 {
		c.LoadFactor = 2
	}
	if c.Counter == nil {
		c.Counter = stat.Disabled{}
	}
	return c
}

// Domain is the Hazard Pointer domain type a List needs, aliased so callers
// can name it without needing node's (unexported) type name.
type Domain[K any, V any] = hp.Domain[node[K, V]]

// Handle is a goroutine's binding to a List's Domain.
type Handle[K any, V any] = hp.Handle[node[K, V]]

// List is a lock-free hash set/map with incremental, lock-free resizing
// (spec.md §4.7.1).
type List[K any, V any] struct {
	head        markptr.Link[node[K, V]]
	cfg         Config[K]
	domain      *Domain[K, V]
	buckets     []atomic.Pointer[node[K, V]] // buckets[0] unused; bucket 0's anchor is l.head itself
	bucketCount atomic.Uint64
}

// NewDomain constructs the Hazard Pointer domain a List needs.
func NewDomain[K any, V any](cfg hp.Config) *Domain[K, V] {
	if cfg.MaxHP < 3 {
		cfg.MaxHP = 3
	}
	return hp.NewDomain[node[K, V]](cfg)
}

// New constructs an empty List. domain must outlive the List.
func New[K any, V any](domain *Domain[K, V], cfg Config[K]) *List[K, V] {
	cfg = cfg.withDefaults()
	l := &List[K, V]{cfg: cfg, domain: domain, buckets: make([]atomic.Pointer[node[K, V]], cfg.MaxBuckets)}
	l.bucketCount.Store(cfg.InitialBuckets)
	return l
}

// Attach binds the calling goroutine to l's reclamation domain.
func (l *List[K, V]) Attach() *Handle[K, V] { return l.domain.Attach() }

const (
	slotPrev = 0
	slotCur  = 1
	slotNext = 2
)

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

// target is what search compares list nodes against: a split-order key plus
// (for real entries) the original user key, used only to break ties on
// hash collisions.
type target[K any] struct {
	order uint64
	key   K
}

func (l *List[K, V]) lessTarget(n *node[K, V], t target[K]) bool {
	if n.order != t.order {
		return n.order < t.order
	}
	if n.dummy {
		return false
	}
	return l.cfg.Less(n.key, t.key)
}

func (l *List[K, V]) equalTarget(n *node[K, V], t target[K]) bool {
	if n == nil || n.order != t.order {
		return false
	}
	return !l.cfg.Less(n.key, t.key) && !l.cfg.Less(t.key, n.key)
}

type position[K any, V any] struct {
	prev *markptr.Link[node[K, V]]
	cur  *node[K, V]
	next *node[K, V]
}

// search walks from start, physically unlinking marked nodes as it goes,
// until cur is nil or cur does not sort strictly before t.
func (l *List[K, V]) search(h *Handle[K, V], start *markptr.Link[node[K, V]], t target[K]) position[K, V] {
retry:
	prevLink := start
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
			h.GuardRaw(slotCur, cur)
			continue
		}
		if l.lessTarget(cur, t) {
			prevLink = &cur.next
			h.GuardRaw(slotPrev, cur)
			cur = next
			h.GuardRaw(slotCur, next)
			continue
		}
		return position[K, V]{prev: prevLink, cur: cur, next: next}
	}
}

// insertDummy installs a dummy node with the given order at start's
// position if one isn't already there, returning whichever dummy node now
// occupies that slot (spec.md §4.7.1's init_bucket).
func (l *List[K, V]) insertDummy(h *Handle[K, V], start *markptr.Link[node[K, V]], order uint64) *node[K, V] {
	t := target[K]{order: order}
	for {
		pos := l.search(h, start, t)
		if pos.cur != nil && pos.cur.order == order {
			return pos.cur
		}
		n := &node[K, V]{order: order, dummy: true}
		n.next = markptr.NewLink(pos.cur)
		if pos.prev.CompareAndSwap(pos.cur, false, n, false) {
			return n
		}
	}
}

// getBucket returns the anchor node to start searching from for bucket idx:
// nil means "start at the list head" (the implicit bucket 0 anchor).
// Non-zero buckets are created lazily and recursively — a bucket's dummy is
// spliced in just after its parent's, and the parent is itself created
// first if missing (spec.md §4.7.1's recursive init_bucket).
func (l *List[K, V]) getBucket(h *Handle[K, V], idx uint64) *node[K, V] {
	if idx == 0 {
		return nil
	}
	if b := l.buckets[idx].Load(); b != nil {
		return b
	}
	parentIdx := idx &^ (1 << (bits.Len64(idx) - 1))
	parent := l.getBucket(h, parentIdx)
	start := &l.head
	if parent != nil {
		start = &parent.next
	}
	n := l.insertDummy(h, start, dummyKey(idx))
	l.buckets[idx].CompareAndSwap(nil, n)
	return l.buckets[idx].Load()
}

func (l *List[K, V]) bucketStart(h *Handle[K, V], hash uint64) *markptr.Link[node[K, V]] {
	idx := hash & (l.bucketCount.Load() - 1)
	anchor := l.getBucket(h, idx)
	if anchor == nil {
		return &l.head
	}
	return &anchor.next
}

// maybeGrow doubles the logical bucket count once the average bucket
// occupancy exceeds Config.LoadFactor, up to Config.MaxBuckets (spec.md
// §4.7.2). Occupancy is read from Config.Counter, so with the default
// stat.Disabled counter the bucket count never doubles.
func (l *List[K, V]) maybeGrow() {
	count := l.bucketCount.Load()
	if count >= l.cfg.MaxBuckets {
		return
	}
	if l.cfg.Counter.Value() > int64(count)*l.cfg.LoadFactor {
		l.bucketCount.CompareAndSwap(count, count*2)
	}
}

// Insert adds (key, value) if no equal key is already present.
func (l *List[K, V]) Insert(h *Handle[K, V], key K, value V) bool {
	hash := l.cfg.Hash(key)
	start := l.bucketStart(h, hash)
	t := target[K]{order: regularKey(hash), key: key}
	for {
		pos := l.search(h, start, t)
		if l.equalTarget(pos.cur, t) {
			return false
		}
		n := &node[K, V]{order: t.order, key: key, value: value}
		n.next = markptr.NewLink(pos.cur)
		if pos.prev.CompareAndSwap(pos.cur, false, n, false) {
			l.cfg.Counter.Inc()
			l.maybeGrow()
			return true
		}
	}
}

// Find looks up key and, if present, invokes fn with its value.
func (l *List[K, V]) Find(h *Handle[K, V], key K, fn func(value V)) bool {
	hash := l.cfg.Hash(key)
	start := l.bucketStart(h, hash)
	t := target[K]{order: regularKey(hash), key: key}
	pos := l.search(h, start, t)
	if !l.equalTarget(pos.cur, t) {
		return false
	}
	fn(pos.cur.value)
	return true
}

// Contains reports whether key is present.
func (l *List[K, V]) Contains(h *Handle[K, V], key K) bool {
	return l.Find(h, key, func(V) {})
}

// Erase removes key if present.
func (l *List[K, V]) Erase(h *Handle[K, V], key K) bool {
	return l.erase(h, key, func(V) {})
}

// Extract removes key if present, handing its value to fn first.
func (l *List[K, V]) Extract(h *Handle[K, V], key K, fn func(value V)) bool {
	return l.erase(h, key, fn)
}

func (l *List[K, V]) erase(h *Handle[K, V], key K, fn func(value V)) bool {
	hash := l.cfg.Hash(key)
	start := l.bucketStart(h, hash)
	t := target[K]{order: regularKey(hash), key: key}
	for {
		pos := l.search(h, start, t)
		if !l.equalTarget(pos.cur, t) {
			return false
		}
		if !pos.cur.next.Mark(pos.next) {
			continue
		}
		fn(pos.cur.value)
		if pos.prev.CompareAndSwap(pos.cur, false, pos.next, false) {
			h.Retire(pos.cur, func(*node[K, V]) {})
		}
		l.cfg.Counter.Dec()
		return true
	}
}

// Len returns the item counter's current value, or 0 if counting is
// disabled.
func (l *List[K, V]) Len() int64 { return l.cfg.Counter.Value() }

// Buckets returns the current logical bucket count.
func (l *List[K, V]) Buckets() uint64 { return l.bucketCount.Load() }
