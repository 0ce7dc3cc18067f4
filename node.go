// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flank

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strings"

	"github.com/tsindex/flank/blockstore"
	"github.com/tsindex/flank/internal/base"
	"github.com/tsindex/flank/schema"
)

// The encoding of a node:
//
//	+---------+-------+-------+-----+-------+------+------+------+---------+
//	| version | level | flags | pad | count | self | prev | next | entries |
//	|   1B    |  1B   |  1B   | 1B  |  4B   |  8B  |  8B  |  8B  |   ...   |
//	+---------+-------+-------+-----+-------+------+------+------+---------+
//
// Leaf entries are events in the schema encoding. Index entries are
// minKey, maxKey (int64), child, count (uint64) followed by one encoded
// Aggregation per aggregated attribute. next is signed: a negative value
// -self marks a node written as a fragment of the right flank.
const (
	nodeHeaderSize = 32
	nodeVersion    = 1

	nodeFlagRoot = 1 << 0
)

func indexEntrySize(aggs int) int { return 32 + aggs*aggregationSize }

// indexEntry describes one child of an inner node. Its summary equals the
// combination of every event beneath the child.
type indexEntry struct {
	summary
	child blockstore.LogicalID
}

func (e *indexEntry) clone() indexEntry {
	return indexEntry{summary: e.summary.clone(), child: e.child}
}

// node is a page of the tree. Leaves (level 0) hold events in key order,
// inner nodes hold index entries in key order. Every node links to its
// neighbors on the same level.
type node struct {
	id    blockstore.LogicalID
	level int
	prev  blockstore.LogicalID
	// next is the id of the right neighbor, 0 while unknown. Persisted
	// fragments carry -id.
	next int64
	// root is set on the fragment written for the top level of the flank.
	root bool

	events  []schema.Event
	entries []indexEntry

	// sum is maintained incrementally while the node grows and recomputed
	// on structural changes.
	sum summary
}

func (n *node) leaf() bool { return n.level == 0 }

func (n *node) len() int {
	if n.leaf() {
		return len(n.events)
	}
	return len(n.entries)
}

// fragment returns true if a decoded node was written as a flank fragment.
func (n *node) fragment() bool { return n.next <= 0 }

// nextID returns the right neighbor, or 0 if there is none.
func (n *node) nextID() blockstore.LogicalID {
	if n.next <= 0 {
		return 0
	}
	return blockstore.LogicalID(n.next)
}

// entry returns the index entry describing n in its parent.
func (n *node) entry() indexEntry {
	return indexEntry{summary: n.sum.clone(), child: n.id}
}

func (n *node) clone() *node {
	c := *n
	c.events = slices.Clone(n.events)
	if n.entries != nil {
		c.entries = make([]indexEntry, len(n.entries))
		for i := range n.entries {
			c.entries[i] = n.entries[i].clone()
		}
	}
	c.sum = n.sum.clone()
	return &c
}

func (n *node) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "node %d level=%d prev=%d next=%d n=%d", n.id, n.level, n.prev, n.next, n.len())
	if n.sum.count > 0 {
		fmt.Fprintf(&b, " keys=[%d,%d]", n.sum.minKey, n.sum.maxKey)
	}
	return b.String()
}

// nodeCodec knows the schema-dependent parts of a node: how events are
// encoded, how keys are extracted and which attributes are aggregated.
type nodeCodec struct {
	schema *schema.Schema
	key    KeyFunc
	aggIdx []int
}

func makeNodeCodec(s *schema.Schema, key KeyFunc) nodeCodec {
	return nodeCodec{schema: s, key: key, aggIdx: s.Aggregated()}
}

func (c *nodeCodec) newNode(level int) *node {
	return &node{level: level, sum: makeSummary(len(c.aggIdx))}
}

// firstKey returns the smallest key of a non-empty node.
func (c *nodeCodec) firstKey(n *node) int64 {
	if n.leaf() {
		return c.key(n.events[0])
	}
	return n.entries[0].minKey
}

// summarize recomputes the summary of n from its entries.
func (c *nodeCodec) summarize(n *node) summary {
	s := makeSummary(len(c.aggIdx))
	if n.leaf() {
		for _, e := range n.events {
			s.addEvent(c.key(e), e, c.aggIdx)
		}
	} else {
		for i := range n.entries {
			s.combine(&n.entries[i].summary)
		}
	}
	return s
}

// appendEvent appends e to the leaf n, updating its summary incrementally.
func (c *nodeCodec) appendEvent(n *node, e schema.Event) {
	n.events = append(n.events, e)
	n.sum.addEvent(c.key(e), e, c.aggIdx)
}

// insertEvent inserts e into the leaf n after all events with a key <= its
// own.
func (c *nodeCodec) insertEvent(n *node, e schema.Event) {
	k := c.key(e)
	i, _ := slices.BinarySearchFunc(n.events, k, func(ev schema.Event, k int64) int {
		if c.key(ev) <= k {
			return -1
		}
		return 1
	})
	n.events = slices.Insert(n.events, i, e)
	n.sum.addEvent(k, e, c.aggIdx)
}

// appendEntry appends an index entry to the inner node n, combining its
// summary.
func (c *nodeCodec) appendEntry(n *node, e indexEntry) {
	n.entries = append(n.entries, e)
	n.sum.combine(&e.summary)
}

// childFor returns the position of the entry of the inner node n whose
// subtree receives key.
func (c *nodeCodec) childFor(n *node, key int64) int {
	i := len(n.entries) - 1
	for i > 0 && n.entries[i].minKey > key {
		i--
	}
	return i
}

func (c *nodeCodec) encode(n *node) ([]byte, error) {
	size := nodeHeaderSize
	if n.leaf() {
		size += len(n.events) * c.schema.EventSize()
	} else {
		size += len(n.entries) * indexEntrySize(len(c.aggIdx))
	}
	buf := make([]byte, nodeHeaderSize, size)
	buf[0] = nodeVersion
	buf[1] = byte(n.level)
	if n.root {
		buf[2] |= nodeFlagRoot
	}
	binary.LittleEndian.PutUint32(buf[4:], uint32(n.len()))
	binary.LittleEndian.PutUint64(buf[8:], uint64(n.id))
	binary.LittleEndian.PutUint64(buf[16:], uint64(n.prev))
	binary.LittleEndian.PutUint64(buf[24:], uint64(n.next))
	if n.leaf() {
		var err error
		for _, e := range n.events {
			if buf, err = c.schema.AppendEvent(buf, e); err != nil {
				return nil, err
			}
		}
		return buf, nil
	}
	for i := range n.entries {
		e := &n.entries[i]
		off := len(buf)
		buf = buf[:off+indexEntrySize(len(c.aggIdx))]
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.minKey))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(e.maxKey))
		binary.LittleEndian.PutUint64(buf[off+16:], uint64(e.child))
		binary.LittleEndian.PutUint64(buf[off+24:], e.count)
		off += 32
		for j := range e.aggs {
			e.aggs[j].encode(buf[off:])
			off += aggregationSize
		}
	}
	return buf, nil
}

// encodeFragment encodes n with the fragment marker in place of its next
// neighbor.
func (c *nodeCodec) encodeFragment(n *node) ([]byte, error) {
	next := n.next
	n.next = -int64(n.id)
	defer func() { n.next = next }()
	return c.encode(n)
}

func (c *nodeCodec) decode(buf []byte) (*node, error) {
	if len(buf) < nodeHeaderSize {
		return nil, base.CorruptionErrorf("flank: node too short (%d bytes)", len(buf))
	}
	if buf[0] != nodeVersion {
		return nil, base.CorruptionErrorf("flank: unknown node version %d", buf[0])
	}
	n := &node{
		level: int(buf[1]),
		root:  buf[2]&nodeFlagRoot != 0,
		id:    blockstore.LogicalID(binary.LittleEndian.Uint64(buf[8:])),
		prev:  blockstore.LogicalID(binary.LittleEndian.Uint64(buf[16:])),
		next:  int64(binary.LittleEndian.Uint64(buf[24:])),
	}
	count := int(binary.LittleEndian.Uint32(buf[4:]))
	body := buf[nodeHeaderSize:]
	if n.leaf() {
		if len(body) != count*c.schema.EventSize() {
			return nil, base.CorruptionErrorf("flank: leaf %d: %d bytes for %d events", n.id, len(body), count)
		}
		n.events = make([]schema.Event, count)
		for i := range n.events {
			var err error
			if n.events[i], body, err = c.schema.DecodeEvent(body); err != nil {
				return nil, base.MarkCorruptionError(err)
			}
		}
	} else {
		size := indexEntrySize(len(c.aggIdx))
		if len(body) != count*size {
			return nil, base.CorruptionErrorf("flank: node %d: %d bytes for %d index entries", n.id, len(body), count)
		}
		n.entries = make([]indexEntry, count)
		for i := range n.entries {
			b := body[i*size:]
			e := &n.entries[i]
			e.minKey = int64(binary.LittleEndian.Uint64(b))
			e.maxKey = int64(binary.LittleEndian.Uint64(b[8:]))
			e.child = blockstore.LogicalID(binary.LittleEndian.Uint64(b[16:]))
			e.count = binary.LittleEndian.Uint64(b[24:])
			e.aggs = make([]Aggregation, len(c.aggIdx))
			for j := range e.aggs {
				e.aggs[j] = decodeAggregation(b[32+j*aggregationSize:])
			}
		}
	}
	n.sum = c.summarize(n)
	return n, nil
}
