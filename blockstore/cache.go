// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blockstore

import "github.com/cockroachdb/swiss"

// blockCache is a fixed-capacity cache of decoded blocks keyed by container
// position, evicting with the CLOCK algorithm. It is not safe for concurrent
// use; the store serializes access with its mutex.
type blockCache[V any] struct {
	capacity int
	m        swiss.Map[uint64, *cacheEntry[V]]
	// ring holds the resident entries in insertion order; hand is the next
	// eviction candidate.
	ring []*cacheEntry[V]
	hand int

	hits, misses int64
}

type cacheEntry[V any] struct {
	key        uint64
	value      V
	referenced bool
	// slot is the index of the entry in ring, or -1 once removed.
	slot int
}

func newBlockCache[V any](capacity int) *blockCache[V] {
	c := &blockCache[V]{capacity: max(capacity, 1)}
	c.m.Init(c.capacity)
	c.ring = make([]*cacheEntry[V], 0, c.capacity)
	return c
}

func (c *blockCache[V]) get(key uint64) (V, bool) {
	if e, ok := c.m.Get(key); ok {
		e.referenced = true
		c.hits++
		return e.value, true
	}
	c.misses++
	var zero V
	return zero, false
}

func (c *blockCache[V]) put(key uint64, value V) {
	if e, ok := c.m.Get(key); ok {
		e.value = value
		e.referenced = true
		return
	}
	e := &cacheEntry[V]{key: key, value: value}
	if len(c.ring) < c.capacity {
		e.slot = len(c.ring)
		c.ring = append(c.ring, e)
	} else {
		e.slot = c.evict()
		c.ring[e.slot] = e
	}
	c.m.Put(key, e)
}

// evict frees a ring slot and returns its index.
func (c *blockCache[V]) evict() int {
	for {
		slot := c.hand
		c.hand = (c.hand + 1) % len(c.ring)
		e := c.ring[slot]
		if e == nil {
			return slot
		}
		if e.referenced {
			e.referenced = false
			continue
		}
		c.m.Delete(e.key)
		e.slot = -1
		return slot
	}
}

func (c *blockCache[V]) remove(key uint64) {
	if e, ok := c.m.Get(key); ok {
		c.m.Delete(key)
		c.ring[e.slot] = nil
		e.slot = -1
	}
}

func (c *blockCache[V]) len() int { return c.m.Len() }

func (c *blockCache[V]) clear() {
	c.m = swiss.Map[uint64, *cacheEntry[V]]{}
	c.m.Init(c.capacity)
	c.ring = c.ring[:0]
	c.hand = 0
}
