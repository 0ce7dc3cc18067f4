// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flank

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/stretchr/testify/require"
	"github.com/tsindex/flank/vfs"
)

// parseKeys parses keys separated by white space. "a-b" stands for every
// key from a to b inclusive.
func parseKeys(t *testing.T, input string) []int64 {
	var keys []int64
	for _, f := range strings.Fields(input) {
		lo, hi, isRange := strings.Cut(f, "-")
		a, err := strconv.ParseInt(lo, 10, 64)
		require.NoError(t, err)
		b := a
		if isRange {
			b, err = strconv.ParseInt(hi, 10, 64)
			require.NoError(t, err)
		}
		for k := a; k <= b; k++ {
			keys = append(keys, k)
		}
	}
	return keys
}

func TestTreeHistories(t *testing.T) {
	var fs *vfs.MemFS
	var tr *Tree
	defer func() {
		if tr != nil {
			_ = tr.Close()
		}
	}()
	bounds := func(td *datadriven.TestData) (int64, int64) {
		lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
		td.MaybeScanArgs(t, "lo", &lo)
		td.MaybeScanArgs(t, "hi", &hi)
		return lo, hi
	}

	datadriven.RunTest(t, "testdata/tree_histories", func(t *testing.T, td *datadriven.TestData) string {
		switch td.Cmd {
		case "init":
			if tr != nil {
				_ = tr.Close()
			}
			fs = vfs.NewCrashableMem()
			tr = openTree(t, smallOptions(fs))
			return ""

		case "insert":
			for _, k := range parseKeys(t, td.Input) {
				if err := tr.Insert(testEvent(k)); err != nil {
					return err.Error()
				}
			}
			return ""

		case "flush":
			if err := tr.Flush(); err != nil {
				return err.Error()
			}
			return ""

		case "reopen":
			require.NoError(t, tr.Close())
			tr = openTree(t, smallOptions(fs))
			return fmt.Sprintf("count: %d\n", tr.Count())

		case "crash":
			// Reopen from the durable state only; the old tree is closed
			// without affecting the clone.
			crashed := fs.CrashClone()
			_ = tr.Close()
			fs = crashed
			tr = openTree(t, smallOptions(fs))
			return fmt.Sprintf("recovered: %s\ncount: %d\n", tr.Metrics().Recovery.Method, tr.Count())

		case "scan":
			lo, hi := bounds(td)
			var b strings.Builder
			for i, k := range scanKeys(t, tr, lo, hi) {
				if i > 0 {
					b.WriteString(" ")
				}
				fmt.Fprint(&b, k)
			}
			b.WriteString("\n")
			return b.String()

		case "agg":
			var attr string
			td.ScanArgs(t, "attr", &attr)
			lo, hi := bounds(td)
			a, err := tr.Aggregate(attr, lo, hi)
			if err != nil {
				return err.Error()
			}
			return a.String() + "\n"

		case "count":
			lo, hi := bounds(td)
			n, err := tr.CountRange(lo, hi)
			if err != nil {
				return err.Error()
			}
			return fmt.Sprintf("%d\n", n)

		case "get":
			var key int64
			td.ScanArgs(t, "key", &key)
			e, err := tr.Get(key)
			if err != nil {
				return err.Error()
			}
			return e.String() + "\n"

		case "levels":
			var b strings.Builder
			for level := tr.Height() - 1; level >= 0; level-- {
				fmt.Fprintf(&b, "%d:", level)
				require.NoError(t, tr.WalkLevel(level, func(info NodeInfo) error {
					fmt.Fprintf(&b, " [%d,%d]x%d", info.MinKey, info.MaxKey, info.Count)
					return nil
				}))
				b.WriteString("\n")
			}
			return b.String()

		case "check":
			stats, err := tr.Check()
			if err != nil {
				return err.Error()
			}
			return stats.String() + "\n"

		default:
			return fmt.Sprintf("unknown command: %s", td.Cmd)
		}
	})
}
