// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flank

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tsindex/flank/blockstore"
	"github.com/tsindex/flank/internal/base"
)

func TestNodeCodecLeaf(t *testing.T) {
	c := makeNodeCodec(testSchema, TimestampKey)
	n := c.newNode(0)
	n.id, n.prev, n.next = 7, 3, 12
	for ts := int64(100); ts < 110; ts++ {
		c.appendEvent(n, testEvent(ts))
	}
	buf, err := c.encode(n)
	require.NoError(t, err)
	require.Len(t, buf, nodeHeaderSize+10*testSchema.EventSize())

	d, err := c.decode(buf)
	require.NoError(t, err)
	require.Equal(t, n.id, d.id)
	require.Equal(t, n.prev, d.prev)
	require.Equal(t, n.next, d.next)
	require.False(t, d.fragment())
	require.Equal(t, blockstore.LogicalID(12), d.nextID())
	require.Equal(t, 10, d.len())
	require.True(t, d.sum.equal(&n.sum))
	require.Equal(t, int64(100), c.firstKey(d))
	for i := range n.events {
		require.Equal(t, n.events[i].Timestamp, d.events[i].Timestamp)
		require.Equal(t, n.events[i].Values[1].Int(), d.events[i].Values[1].Int())
		require.Equal(t, n.events[i].Values[2].Bool(), d.events[i].Values[2].Bool())
	}
}

func TestNodeCodecIndex(t *testing.T) {
	c := makeNodeCodec(testSchema, TimestampKey)
	n := c.newNode(2)
	n.id = 40
	for i := int64(0); i < 5; i++ {
		leaf := c.newNode(0)
		leaf.id = blockstore.LogicalID(i + 1)
		for ts := i * 10; ts < i*10+10; ts++ {
			c.appendEvent(leaf, testEvent(ts))
		}
		c.appendEntry(n, leaf.entry())
	}
	require.Equal(t, uint64(50), n.sum.count)

	buf, err := c.encodeFragment(n)
	require.NoError(t, err)
	require.Equal(t, int64(0), n.next)
	require.Len(t, buf, nodeHeaderSize+5*indexEntrySize(2))

	d, err := c.decode(buf)
	require.NoError(t, err)
	require.Equal(t, 2, d.level)
	require.True(t, d.fragment())
	require.Equal(t, int64(-40), d.next)
	require.Equal(t, blockstore.LogicalID(0), d.nextID())
	require.False(t, d.root)
	require.True(t, d.sum.equal(&n.sum))
	for i := range n.entries {
		require.Equal(t, n.entries[i].child, d.entries[i].child)
		require.True(t, d.entries[i].summary.equal(&n.entries[i].summary))
	}

	n.root = true
	buf, err = c.encodeFragment(n)
	require.NoError(t, err)
	d, err = c.decode(buf)
	require.NoError(t, err)
	require.True(t, d.root)

	require.Equal(t, 0, c.childFor(n, -5))
	require.Equal(t, 0, c.childFor(n, 9))
	require.Equal(t, 1, c.childFor(n, 10))
	require.Equal(t, 2, c.childFor(n, 25))
	require.Equal(t, 4, c.childFor(n, 1000))
}

func TestNodeDecodeCorruption(t *testing.T) {
	c := makeNodeCodec(testSchema, TimestampKey)
	n := c.newNode(0)
	n.id = 1
	c.appendEvent(n, testEvent(1))
	c.appendEvent(n, testEvent(2))
	buf, err := c.encode(n)
	require.NoError(t, err)

	for name, b := range map[string][]byte{
		"short":     buf[:nodeHeaderSize-1],
		"truncated": buf[:len(buf)-1],
		"version":   append([]byte{nodeVersion + 1}, buf[1:]...),
		"level":     append([]byte{nodeVersion, 1}, buf[2:]...),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.decode(b)
			require.Error(t, err)
			require.True(t, base.IsCorruptionError(err))
		})
	}
}

func TestInsertEventStable(t *testing.T) {
	c := makeNodeCodec(testSchema, TimestampKey)
	n := c.newNode(0)
	for _, ts := range []int64{1, 3, 3, 7} {
		c.appendEvent(n, testEvent(ts))
	}
	late := testEvent(3)
	late.Values[1] = testEvent(12).Values[1]
	c.insertEvent(n, late)
	c.insertEvent(n, testEvent(0))
	c.insertEvent(n, testEvent(9))

	var keys []int64
	for _, e := range n.events {
		keys = append(keys, e.Timestamp)
	}
	require.Equal(t, []int64{0, 1, 3, 3, 3, 7, 9}, keys)
	// Equal keys keep insertion order.
	require.Equal(t, int64(12), n.events[4].Values[1].Int())
	s := c.summarize(n)
	require.True(t, s.equal(&n.sum))

	cl := n.clone()
	cl.events[0] = testEvent(-1)
	require.Equal(t, int64(0), n.events[0].Timestamp)
	require.Contains(t, n.String(), "keys=[0,9]")
}
