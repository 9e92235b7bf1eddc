// Package feldman implements the Feldman hash-array-mapped trie from
// spec.md §4.8: a lock-free HAMT where every interior node is a fixed-width
// array of slots, each slot either empty, a leaf, or a pointer to a deeper
// array node, and a leaf-to-array expansion is published with a single CAS
// by building the replacement subtree off to the side first.
//
// Grounded on _examples/original_source/cds/container/feldman_hashmap.h's
// array_node/head_node and the insert/update/erase traversal it describes.
// DESIGN.md notes the one deliberate scope reduction from the source:
// this port never shrinks or replaces an array node once installed (no path
// compaction on erase), so only leaves need Hazard Pointer protection —
// array nodes behave like container/splitlist's dummy nodes, permanent
// once published. True full-hash collisions (both leaves routing to the
// same slot at every trie level) fall back to a short collision chain
// hanging off one leaf rather than recursing forever.
package feldman

import (
	"sync/atomic"

	"github.com/concurrencykit/cds/gc/hp"
	"github.com/concurrencykit/cds/stat"
)

const (
	bitsPerLevel = 4
	arity        = 1 << bitsPerLevel
	hashBits     = 64
	maxDepth     = (hashBits + bitsPerLevel - 1) / bitsPerLevel
)

func index(hash uint64, depth int) uint64 {
	return (hash >> uint(depth*bitsPerLevel)) & (arity - 1)
}

// leaf is one trie entry. Leaves are immutable once published: an update
// replaces a leaf wholesale rather than mutating value in place, and
// collision chains a same-hash leaf onto an already-published one the same
// way.
type leaf[K any, V any] struct {
	hash      uint64
	key       K
	value     V
	collision *leaf[K, V]
}

// arrayNode is one trie level: arity independent slots, each an atomic
// pointer to an immutable slot descriptor (nil meaning empty).
type arrayNode[K any, V any] struct {
	slots [arity]atomic.Pointer[slot[K, V]]
}

// slot is the tagged union a trie position's atomic.Pointer references:
// exactly one of leaf or array is non-nil.
type slot[K any, V any] struct {
	leaf  *leaf[K, V]
	array *arrayNode[K, V]
}

// Hash reduces a key to a 64-bit trie routing hash.
type Hash[K any] func(key K) uint64

// Equal reports whether a and b are the same key.
type Equal[K any] func(a, b K) bool

// Config carries Trie's construction-time parameters.
type Config[K any] struct {
	Hash    Hash[K]
	Equal   Equal[K]
	Counter stat.Counter
}

func (c Config[K]) withDefaults() Config[K] {
	if c.Counter == nil {
		c.Counter = stat.Disabled{}
	}
	return c
}

// Domain is the Hazard Pointer domain type a Trie needs, protecting leaves
// only (see the package doc for why array nodes don't need protection).
type Domain[K any, V any] = hp.Domain[leaf[K, V]]

// Handle is a goroutine's binding to a Trie's Domain.
type Handle[K any, V any] = hp.Handle[leaf[K, V]]

// NewDomain constructs the Hazard Pointer domain a Trie needs.
func NewDomain[K any, V any](cfg hp.Config) *Domain[K, V] { return hp.NewDomain[leaf[K, V]](cfg) }

// Trie is a lock-free hash set/map built as a hash-array-mapped trie
// (spec.md §4.8.1).
type Trie[K any, V any] struct {
	cfg    Config[K]
	domain *Domain[K, V]
	root   *arrayNode[K, V]
}

// New constructs an empty Trie. domain must outlive the Trie.
func New[K any, V any](domain *Domain[K, V], cfg Config[K]) *Trie[K, V] {
	return &Trie[K, V]{cfg: cfg.withDefaults(), domain: domain, root: &arrayNode[K, V]{}}
}

// Attach binds the calling goroutine to t's reclamation domain.
func (t *Trie[K, V]) Attach() *Handle[K, V] { return t.domain.Attach() }

const slotCur = 0

// guardLeaf loads cell, hazard-guards its leaf (if any) and re-validates,
// the same publish-reread-retry discipline container/michael's guardLink
// uses, adapted to a slot pointer whose leaf field — not the slot itself —
// is the unit ever retired.
func guardLeaf[K any, V any](h *Handle[K, V], idx int, cell *atomic.Pointer[slot[K, V]]) (cur *slot[K, V], lf *leaf[K, V]) {
	for {
		cur = cell.Load()
		if cur == nil || cur.leaf == nil {
			return cur, nil
		}
		h.GuardRaw(idx, cur.leaf)
		cur2 := cell.Load()
		if cur2 == cur {
			return cur, cur.leaf
		}
	}
}

func keyInChain[K any, V any](eq Equal[K], head *leaf[K, V], key K) bool {
	for c := head; c != nil; c = c.collision {
		if eq(c.key, key) {
			return true
		}
	}
	return false
}

// removeFromChain returns the chain with the entry matching key spliced
// out, the set of now-superseded leaf objects (the matched entry plus every
// node copied to rebuild the prefix before it), and whether key was found.
func removeFromChain[K any, V any](eq Equal[K], head *leaf[K, V], key K) (newHead *leaf[K, V], removed []*leaf[K, V], ok bool) {
	if head == nil {
		return nil, nil, false
	}
	if eq(head.key, key) {
		return head.collision, []*leaf[K, V]{head}, true
	}
	rest, removedRest, found := removeFromChain(eq, head.collision, key)
	if !found {
		return head, nil, false
	}
	cp := &leaf[K, V]{hash: head.hash, key: head.key, value: head.value, collision: rest}
	return cp, append(removedRest, head), true
}

// updateChain is removeFromChain's counterpart for Update: it rebuilds the
// chain with the matching entry's value replaced rather than removed.
func updateChain[K any, V any](eq Equal[K], head *leaf[K, V], key K, value V) (newHead *leaf[K, V], removed []*leaf[K, V], ok bool) {
	if head == nil {
		return nil, nil, false
	}
	if eq(head.key, key) {
		nl := &leaf[K, V]{hash: head.hash, key: head.key, value: value, collision: head.collision}
		return nl, []*leaf[K, V]{head}, true
	}
	rest, removedRest, found := updateChain(eq, head.collision, key, value)
	if !found {
		return head, nil, false
	}
	cp := &leaf[K, V]{hash: head.hash, key: head.key, value: head.value, collision: rest}
	return cp, append(removedRest, head), true
}

// place installs lf into an at the slot its hash picks for depth, expanding
// into nested array nodes (or, past maxDepth, a collision chain) as needed.
// an must not yet be reachable from the trie: place mutates it directly
// rather than through CAS, since the whole subtree is published atomically
// by the single CAS that splices an into the trie.
func place[K any, V any](an *arrayNode[K, V], lf *leaf[K, V], depth int) {
	idx := index(lf.hash, depth)
	cell := &an.slots[idx]
	cur := cell.Load()
	if cur == nil {
		cell.Store(&slot[K, V]{leaf: lf})
		return
	}
	if depth+1 >= maxDepth {
		cell.Store(&slot[K, V]{leaf: &leaf[K, V]{hash: cur.leaf.hash, key: cur.leaf.key, value: cur.leaf.value, collision: lf}})
		return
	}
	child := &arrayNode[K, V]{}
	place(child, cur.leaf, depth+1)
	place(child, lf, depth+1)
	cell.Store(&slot[K, V]{array: child})
}

// Insert adds (key, value) if no equal key is already present.
func (t *Trie[K, V]) Insert(h *Handle[K, V], key K, value V) bool {
	hv := t.cfg.Hash(key)
	an := t.root
	depth := 0
	for {
		idx := index(hv, depth)
		cell := &an.slots[idx]
		cur, lf := guardLeaf(h, slotCur, cell)
		if cur == nil {
			nl := &leaf[K, V]{hash: hv, key: key, value: value}
			if cell.CompareAndSwap(nil, &slot[K, V]{leaf: nl}) {
				t.cfg.Counter.Inc()
				return true
			}
			continue
		}
		if lf != nil {
			if lf.hash == hv && keyInChain(t.cfg.Equal, lf, key) {
				return false
			}
			if depth+1 >= maxDepth {
				nl := &leaf[K, V]{hash: hv, key: key, value: value, collision: lf}
				if cell.CompareAndSwap(cur, &slot[K, V]{leaf: nl}) {
					t.cfg.Counter.Inc()
					return true
				}
				continue
			}
			child := &arrayNode[K, V]{}
			place(child, lf, depth+1)
			place(child, &leaf[K, V]{hash: hv, key: key, value: value}, depth+1)
			if cell.CompareAndSwap(cur, &slot[K, V]{array: child}) {
				t.cfg.Counter.Inc()
				return true
			}
			continue
		}
		an = cur.array
		depth++
	}
}

// Update replaces key's value if key is present, returning false if it is
// not (spec.md §4.8.3's update contract: never inserts).
func (t *Trie[K, V]) Update(h *Handle[K, V], key K, value V) bool {
	hv := t.cfg.Hash(key)
	an := t.root
	depth := 0
	for {
		idx := index(hv, depth)
		cell := &an.slots[idx]
		cur, lf := guardLeaf(h, slotCur, cell)
		if cur == nil {
			return false
		}
		if lf == nil {
			an = cur.array
			depth++
			continue
		}
		if lf.hash != hv {
			return false
		}
		newHead, removed, found := updateChain(t.cfg.Equal, lf, key, value)
		if !found {
			return false
		}
		if cell.CompareAndSwap(cur, &slot[K, V]{leaf: newHead}) {
			for _, old := range removed {
				h.Retire(old, func(*leaf[K, V]) {})
			}
			return true
		}
	}
}

// Find looks up key and, if present, invokes fn with its value.
func (t *Trie[K, V]) Find(h *Handle[K, V], key K, fn func(value V)) bool {
	hv := t.cfg.Hash(key)
	an := t.root
	depth := 0
	for {
		idx := index(hv, depth)
		cur, lf := guardLeaf(h, slotCur, &an.slots[idx])
		if cur == nil {
			return false
		}
		if lf == nil {
			an = cur.array
			depth++
			continue
		}
		if lf.hash != hv {
			return false
		}
		for c := lf; c != nil; c = c.collision {
			if t.cfg.Equal(c.key, key) {
				fn(c.value)
				return true
			}
		}
		return false
	}
}

// Contains reports whether key is present.
func (t *Trie[K, V]) Contains(h *Handle[K, V], key K) bool {
	return t.Find(h, key, func(V) {})
}

// Erase removes key if present.
func (t *Trie[K, V]) Erase(h *Handle[K, V], key K) bool {
	return t.extract(h, key, func(V) {})
}

// Extract removes key if present, handing its value to fn first.
func (t *Trie[K, V]) Extract(h *Handle[K, V], key K, fn func(value V)) bool {
	return t.extract(h, key, fn)
}

func (t *Trie[K, V]) extract(h *Handle[K, V], key K, fn func(value V)) bool {
	hv := t.cfg.Hash(key)
	an := t.root
	depth := 0
	for {
		idx := index(hv, depth)
		cell := &an.slots[idx]
		cur, lf := guardLeaf(h, slotCur, cell)
		if cur == nil {
			return false
		}
		if lf == nil {
			an = cur.array
			depth++
			continue
		}
		if lf.hash != hv {
			return false
		}
		newHead, removed, found := removeFromChain(t.cfg.Equal, lf, key)
		if !found {
			return false
		}
		var newSlot *slot[K, V]
		if newHead != nil {
			newSlot = &slot[K, V]{leaf: newHead}
		}
		if cell.CompareAndSwap(cur, newSlot) {
			for _, old := range removed {
				if t.cfg.Equal(old.key, key) {
					fn(old.value)
				}
				h.Retire(old, func(*leaf[K, V]) {})
			}
			t.cfg.Counter.Dec()
			return true
		}
	}
}

// Range performs a pre-order traversal of the trie, invoking fn for every
// entry until fn returns false or every entry has been visited (spec.md
// §4.8.4's iteration contract).
func (t *Trie[K, V]) Range(h *Handle[K, V], fn func(key K, value V) bool) {
	rangeNode(h, t.root, fn)
}

func rangeNode[K any, V any](h *Handle[K, V], an *arrayNode[K, V], fn func(key K, value V) bool) bool {
	for i := range an.slots {
		cur, lf := guardLeaf(h, slotCur, &an.slots[i])
		if cur == nil {
			continue
		}
		if lf != nil {
			for c := lf; c != nil; c = c.collision {
				if !fn(c.key, c.value) {
					return false
				}
			}
			continue
		}
		if !rangeNode(h, cur.array, fn) {
			return false
		}
	}
	return true
}

// Len returns the item counter's current value, or 0 if counting is
// disabled.
func (t *Trie[K, V]) Len() int64 { return t.cfg.Counter.Value() }
