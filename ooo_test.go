// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flank

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tsindex/flank/vfs"
)

func TestQueueOrder(t *testing.T) {
	var q oooQueue
	for i, key := range []int64{5, 3, 5, 1, 3, 9, 5} {
		e := testEvent(key)
		e.Values[1] = testEvent(int64(i)).Values[1]
		q.push(key, e)
	}
	var got []string
	for _, qe := range q.events {
		got = append(got, fmt.Sprintf("%d/%d", qe.key, qe.e.Values[1].Int()))
	}
	require.Equal(t, []string{"1/3", "3/1", "3/4", "5/0", "5/2", "5/6", "9/5"}, got)
	q.reset()
	require.Equal(t, 0, q.len())
}

func writeSideLogRecords(t *testing.T, fs vfs.FS, path string, n int) [][]byte {
	t.Helper()
	l, err := createSideLog(fs, path, nil)
	require.NoError(t, err)
	var recs [][]byte
	for i := 0; i < n; i++ {
		buf, err := testSchema.AppendEvent(nil, testEvent(int64(i)))
		require.NoError(t, err)
		require.NoError(t, l.add(buf))
		recs = append(recs, buf)
	}
	require.NoError(t, l.sync())
	require.NoError(t, l.close())
	return recs
}

func TestSideLog(t *testing.T) {
	fs := vfs.NewMem()
	recs, err := readSideLog(fs, "missing.ooo")
	require.NoError(t, err)
	require.Empty(t, recs)

	want := writeSideLogRecords(t, fs, "events.ooo", 5)
	recs, err = readSideLog(fs, "events.ooo")
	require.NoError(t, err)
	require.Equal(t, want, recs)

	// Reopening keeps the records; a reset drops them.
	l, err := createSideLog(fs, "events.ooo", recs)
	require.NoError(t, err)
	require.NoError(t, l.add(want[0]))
	require.NoError(t, l.sync())
	recs, err = readSideLog(fs, "events.ooo")
	require.NoError(t, err)
	require.Len(t, recs, 6)
	require.NoError(t, l.reset())
	recs, err = readSideLog(fs, "events.ooo")
	require.NoError(t, err)
	require.Empty(t, recs)
	require.NoError(t, l.close())
	require.NoError(t, l.close())
}

func TestSideLogTornTail(t *testing.T) {
	fs := vfs.NewMem()
	want := writeSideLogRecords(t, fs, "events.ooo", 4)
	buf, err := vfs.ReadFile(fs, "events.ooo")
	require.NoError(t, err)

	for _, cut := range []int{1, 5, len(want[3])} {
		t.Run(fmt.Sprint(cut), func(t *testing.T) {
			f, err := fs.Create("torn.ooo")
			require.NoError(t, err)
			_, err = f.Write(buf[:len(buf)-cut])
			require.NoError(t, err)
			require.NoError(t, f.Close())

			recs, err := readSideLog(fs, "torn.ooo")
			require.NoError(t, err)
			require.Equal(t, want[:3], recs)
		})
	}
}

func TestReplayMalformedSideLog(t *testing.T) {
	fs := vfs.NewMem()
	tr := openTree(t, smallOptions(fs))
	tr.mu.Lock()
	err := tr.replaySideLogLocked([][]byte{{1, 2, 3}})
	tr.mu.Unlock()
	require.Error(t, err)
	require.NoError(t, tr.Close())
}
