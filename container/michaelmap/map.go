// Package michaelmap implements the fixed bucket-array hash map from
// spec.md §4.6: an array of independent michael.List buckets, each holding
// the subset of keys whose hash falls in that bucket, giving O(1) expected
// access with no global lock and no resizing.
//
// Grounded on _examples/original_source/cds/container/michael_map.h's
// bucket_table-over-ordered_list structure; the per-bucket list itself is
// container/michael, reused unmodified — this package is purely the
// hash-to-bucket routing layer the source's MichaelHashSet/-Map add on top.
package michaelmap

import (
	"math/bits"

	"github.com/concurrencykit/cds/container/michael"
	"github.com/concurrencykit/cds/gc/hp"
	"github.com/concurrencykit/cds/stat"
)

// Hash reduces a key to a bucket-routing hash. Callers own collision
// quality; a poor Hash only costs load-factor, never correctness.
type Hash[K any] func(key K) uint64

// Config carries Map's construction-time parameters.
type Config[K any] struct {
	Hash Hash[K]
	Less michael.Less[K]
	// Buckets is the fixed bucket-array width, chosen once at construction
	// (spec.md §4.6.1 — unlike splitlist, michaelmap never resizes). If zero,
	// it is derived from MaxItemCount and LoadFactor instead; if those are
	// also zero, it defaults to 64.
	Buckets int
	// MaxItemCount and LoadFactor give an alternative to setting Buckets
	// directly: the bucket count is derived as MaxItemCount/LoadFactor,
	// rounded up to the next power of two (spec.md §6 "Container
	// instantiation options" — for hash maps with bucket tables, "max item
	// count and load factor → derived bucket count (round up to next power
	// of two)"). Grounded on
	// _examples/original_source/cds/container/michael_map.h:372-379's
	// nMaxItemCount/nLoadFactor -> bucket_count() derivation. Ignored if
	// Buckets is set.
	MaxItemCount int
	LoadFactor   float64
	// Counter observes successful insert/erase counts across every bucket.
	Counter stat.Counter
}

// nextPow2 returns the smallest power of two >= n, or 1 if n <= 1.
func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

func (c Config[K]) withDefaults() Config[K] {
	if c.Buckets <= 0 {
		switch {
		case c.MaxItemCount > 0 && c.LoadFactor > 0:
			c.Buckets = nextPow2(int(float64(c.MaxItemCount) / c.LoadFactor))
		case c.MaxItemCount > 0:
			c.Buckets = nextPow2(c.MaxItemCount)
		default:
			c.Buckets = 64
		}
	}
	if c.Counter == nil {
		c.Counter = stat.Disabled{}
	}
	return c
}

// Map is a fixed-width hash map over K, backed by one michael.List per
// bucket. The item counter lives at the Map level, not per bucket: a single
// Counter instance shared across every bucket's own Config would have its
// Value() summed once per bucket by Len, overcounting by a factor of
// Config.Buckets.
type Map[K any, V any] struct {
	cfg     Config[K]
	domain  *michael.Domain[K, V]
	buckets []*michael.List[K, V]
}

// New constructs a Map with Config.Buckets independent buckets sharing one
// Hazard Pointer domain, configured by hpCfg.
func New[K any, V any](hpCfg hp.Config, cfg Config[K]) *Map[K, V] {
	cfg = cfg.withDefaults()
	domain := michael.NewDomain[K, V](hpCfg)
	m := &Map[K, V]{cfg: cfg, domain: domain, buckets: make([]*michael.List[K, V], cfg.Buckets)}
	for i := range m.buckets {
		m.buckets[i] = michael.New(domain, michael.Config[K]{Less: cfg.Less})
	}
	return m
}

// Attach binds the calling goroutine to m's reclamation domain.
func (m *Map[K, V]) Attach() *michael.Handle[K, V] { return m.domain.Attach() }

func (m *Map[K, V]) bucket(key K) *michael.List[K, V] {
	return m.buckets[m.cfg.Hash(key)%uint64(len(m.buckets))]
}

// Insert adds (key, value) if key is not already present.
func (m *Map[K, V]) Insert(h *michael.Handle[K, V], key K, value V) bool {
	ok := m.bucket(key).Insert(h, key, value)
	if ok {
		m.cfg.Counter.Inc()
	}
	return ok
}

// Find looks up key and, if present, invokes fn with its value.
func (m *Map[K, V]) Find(h *michael.Handle[K, V], key K, fn func(value V)) bool {
	return m.bucket(key).Find(h, key, fn)
}

// Contains reports whether key is present.
func (m *Map[K, V]) Contains(h *michael.Handle[K, V], key K) bool {
	return m.bucket(key).Contains(h, key)
}

// Erase removes key if present.
func (m *Map[K, V]) Erase(h *michael.Handle[K, V], key K) bool {
	ok := m.bucket(key).Erase(h, key)
	if ok {
		m.cfg.Counter.Dec()
	}
	return ok
}

// Extract removes key if present, handing its value to fn first.
func (m *Map[K, V]) Extract(h *michael.Handle[K, V], key K, fn func(value V)) bool {
	ok := m.bucket(key).Extract(h, key, fn)
	if ok {
		m.cfg.Counter.Dec()
	}
	return ok
}

// Len returns the Map-level item counter's current value, or 0 if counting
// is disabled.
func (m *Map[K, V]) Len() int64 { return m.cfg.Counter.Value() }
