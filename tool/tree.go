// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"
	"math"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/tsindex/flank"
	"github.com/tsindex/flank/vfs"
)

// treeT implements tree-level tools, including both configuration state and
// the commands themselves.
type treeT struct {
	Root   *cobra.Command
	Stats  *cobra.Command
	Scan   *cobra.Command
	Check  *cobra.Command
	Levels *cobra.Command
	Agg    *cobra.Command
	Load   *cobra.Command

	t *T
	// Flags.
	lo, hi key
	limit  int
}

func newTree(t *T) *treeT {
	d := &treeT{t: t, lo: math.MinInt64, hi: math.MaxInt64}

	d.Root = &cobra.Command{
		Use:   "tree",
		Short: "tree introspection tools",
	}
	d.Stats = &cobra.Command{
		Use:   "stats <dir>",
		Short: "print tree metrics",
		Long: `
Print the metrics of the tree. Requires that the specified tree not be in use
by another process and that it was closed cleanly.
`,
		Args: cobra.ExactArgs(1),
		Run:  d.runStats,
	}
	d.Scan = &cobra.Command{
		Use:   "scan <dir>",
		Short: "print tree events",
		Long: `
Print the events of the tree with keys in [--lo, --hi], in key order.
`,
		Args: cobra.ExactArgs(1),
		Run:  d.runScan,
	}
	d.Check = &cobra.Command{
		Use:   "check <dir>",
		Short: "verify the structure of the tree",
		Long: `
Verify that every index entry summarizes the subtree beneath it, that keys are
ordered and that the neighbor links of every level are consistent.
`,
		Args: cobra.ExactArgs(1),
		Run:  d.runCheck,
	}
	d.Levels = &cobra.Command{
		Use:   "levels <dir>",
		Short: "print the nodes of every level",
		Args:  cobra.ExactArgs(1),
		Run:   d.runLevels,
	}
	d.Agg = &cobra.Command{
		Use:   "agg <dir> <attribute>",
		Short: "aggregate an attribute over a key range",
		Args:  cobra.ExactArgs(2),
		Run:   d.runAgg,
	}
	d.Load = &cobra.Command{
		Use:   "load <dir> <file>",
		Short: "insert the events of a text file",
		Long: `
Insert the events listed in a text file, one per line: the timestamp followed
by one value per attribute, separated by white space or commas. Empty lines and
lines starting with # are ignored. The tree is created if it does not exist.
`,
		Args: cobra.ExactArgs(2),
		Run:  d.runLoad,
	}

	for _, cmd := range []*cobra.Command{d.Scan, d.Agg} {
		cmd.Flags().Var(&d.lo, "lo", "smallest key (inclusive)")
		cmd.Flags().Var(&d.hi, "hi", "largest key (inclusive)")
	}
	d.Scan.Flags().IntVar(&d.limit, "limit", 0, "maximum number of events to print (0 for all)")

	d.Root.AddCommand(d.Stats, d.Scan, d.Check, d.Levels, d.Agg, d.Load)
	return d
}

// withTree opens the tree named by args[0] read-only and runs fn.
func (d *treeT) withTree(args []string, fn func(tr *flank.Tree) error) {
	tr, err := d.t.openTree(args[0], true)
	if err != nil {
		fail("%s", err)
		return
	}
	err = fn(tr)
	if cerr := tr.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fail("%s", err)
	}
}

func (d *treeT) runStats(cmd *cobra.Command, args []string) {
	d.withTree(args, func(tr *flank.Tree) error {
		fmt.Fprintf(stdout, "%s", tr.Metrics())
		return nil
	})
}

func (d *treeT) runScan(cmd *cobra.Command, args []string) {
	d.withTree(args, func(tr *flank.Tree) error {
		iter, err := tr.NewIter(int64(d.lo), int64(d.hi))
		if err != nil {
			return err
		}
		n := 0
		for valid := iter.First(); valid && (d.limit == 0 || n < d.limit); valid = iter.Next() {
			fmt.Fprintf(stdout, "%s\n", iter.Event())
			n++
		}
		if err := iter.Close(); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "scanned %d events\n", n)
		return nil
	})
}

func (d *treeT) runCheck(cmd *cobra.Command, args []string) {
	d.withTree(args, func(tr *flank.Tree) error {
		stats, err := tr.Check()
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s\n", stats)
		return nil
	})
}

func (d *treeT) runLevels(cmd *cobra.Command, args []string) {
	d.withTree(args, func(tr *flank.Tree) error {
		tbl := tablewriter.NewWriter(stdout)
		tbl.SetHeader([]string{"Level", "Nodes", "Events", "Min", "Max"})
		for level := tr.Height() - 1; level >= 0; level-- {
			var nodes int
			var events uint64
			lo, hi := int64(math.MaxInt64), int64(math.MinInt64)
			err := tr.WalkLevel(level, func(info flank.NodeInfo) error {
				nodes++
				events += info.Count
				lo, hi = min(lo, info.MinKey), max(hi, info.MaxKey)
				return nil
			})
			if err != nil {
				return err
			}
			row := []string{fmt.Sprint(level), fmt.Sprint(nodes), fmt.Sprint(events), "", ""}
			if events > 0 {
				row[3], row[4] = fmt.Sprint(lo), fmt.Sprint(hi)
			}
			tbl.Append(row)
		}
		tbl.Render()
		return nil
	})
}

func (d *treeT) runAgg(cmd *cobra.Command, args []string) {
	d.withTree(args, func(tr *flank.Tree) error {
		a, err := tr.Aggregate(args[1], int64(d.lo), int64(d.hi))
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s mean=%g\n", a, a.Mean())
		return nil
	})
}

func (d *treeT) runLoad(cmd *cobra.Command, args []string) {
	fs := d.t.opts.FS
	buf, err := vfs.ReadFile(fs, args[1])
	if err != nil {
		fail("%s", err)
		return
	}
	tr, err := d.t.openTree(args[0], false)
	if err != nil {
		fail("%s", err)
		return
	}
	n := 0
	for i, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, perr := tr.Schema().ParseEvent(line)
		if perr != nil {
			err = errors.Wrapf(perr, "%s:%d", args[1], i+1)
			break
		}
		if err = tr.Insert(e); err != nil {
			break
		}
		n++
	}
	if cerr := tr.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fail("%s", err)
		return
	}
	fmt.Fprintf(stdout, "loaded %d events\n", n)
}
