// Package stat implements the item_counter and container stat traits named
// in spec.md §6.3: an exact atomic counter, an approximate (sharded,
// eventually-consistent) counter, and a disabled no-op counter, selected at
// container construction time. The sharded counter's reduce-on-read shape
// follows the same amortize-the-hot-path idea as catrate's ring buffer
// (_examples/joeycumines-go-utilpkg/catrate/ring.go): writers are spread
// across shards, a reader pays the summation cost only when it asks.
package stat

import (
	"sync/atomic"
)

// Counter is the item_counter trait surface: containers call Inc/Dec on
// every successful insert/erase and Value when a caller asks for size.
type Counter interface {
	Inc()
	Dec()
	Value() int64
	Reset()
}

// Disabled implements Counter as a total no-op, for containers constructed
// with item counting turned off (the default for containers whose size is
// rarely queried, since even an exact counter costs an extra atomic op per
// mutation).
type Disabled struct{}

func (Disabled) Inc()         {}
func (Disabled) Dec()         {}
func (Disabled) Value() int64 { return 0 }
func (Disabled) Reset()       {}

// Exact is a single atomic counter: every Inc/Dec is immediately visible to
// Value.
type Exact struct {
	n atomic.Int64
}

func (c *Exact) Inc()         { c.n.Add(1) }
func (c *Exact) Dec()         { c.n.Add(-1) }
func (c *Exact) Value() int64 { return c.n.Load() }
func (c *Exact) Reset()       { c.n.Store(0) }

const approximateShards = 16

// Approximate is a sharded counter: each Inc/Dec touches one shard, picked
// round-robin from a shared atomic cursor, so successive mutations land on
// different cache-line-padded shards; every Inc/Dec also updates that one
// shared cursor. Value sums every shard and is
// therefore O(shards), and may observe a value that never existed at any
// single instant (a torn read across shards) — acceptable for size() used as
// a resize hint (§4.7.2) rather than a linearizable count.
type Approximate struct {
	shards [approximateShards]struct {
		n atomic.Int64
		_ [56]byte // pad to a cache line so shards don't false-share
	}
	next atomic.Uint64
}

func (c *Approximate) shard() *atomic.Int64 {
	i := c.next.Add(1) % approximateShards
	return &c.shards[i].n
}

func (c *Approximate) Inc() { c.shard().Add(1) }
func (c *Approximate) Dec() { c.shard().Add(-1) }

func (c *Approximate) Value() int64 {
	var total int64
	for i := range c.shards {
		total += c.shards[i].n.Load()
	}
	return total
}

func (c *Approximate) Reset() {
	for i := range c.shards {
		c.shards[i].n.Store(0)
	}
}
