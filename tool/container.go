// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/tsindex/flank/blockstore"
)

// containerT implements block store tools.
type containerT struct {
	Root  *cobra.Command
	Info  *cobra.Command
	Units *cobra.Command

	t *T
	// Flags.
	kind string
}

func newContainer(t *T) *containerT {
	c := &containerT{t: t}
	c.Root = &cobra.Command{
		Use:   "container",
		Short: "block store introspection tools",
	}
	c.Info = &cobra.Command{
		Use:   "info <dir>",
		Short: "print the container preamble and store metrics",
		Args:  cobra.ExactArgs(1),
		Run:   c.runInfo,
	}
	c.Units = &cobra.Command{
		Use:   "units <dir>",
		Short: "list the units of the container",
		Long: `
List the macro blocks and translation blocks of the container in file order.
`,
		Args: cobra.ExactArgs(1),
		Run:  c.runUnits,
	}
	c.Units.Flags().StringVar(&c.kind, "kind", "", `only list units of this kind ("macro" or "translation")`)
	c.Root.AddCommand(c.Info, c.Units)
	return c
}

func (c *containerT) runInfo(cmd *cobra.Command, args []string) {
	tr, err := c.t.openTree(args[0], true)
	if err != nil {
		fail("%s", err)
		return
	}
	defer tr.Close()
	p := tr.Preamble()
	fmt.Fprintf(stdout, "uuid:        %s\n", p.UUID)
	fmt.Fprintf(stdout, "state:       %s\n", p.State)
	fmt.Fprintf(stdout, "block size:  %d\n", p.BlockSize)
	fmt.Fprintf(stdout, "macro block: %d\n", p.MacroBlockSize)
	fmt.Fprintf(stdout, "spare ratio: %.2f\n", p.SpareRatio)
	fmt.Fprintf(stdout, "compression: %s\n", p.Compression)
	m := tr.Metrics()
	fmt.Fprintf(stdout, "%s", &m.Store)
}

func (c *containerT) runUnits(cmd *cobra.Command, args []string) {
	tr, err := c.t.openTree(args[0], true)
	if err != nil {
		fail("%s", err)
		return
	}
	defer tr.Close()
	units, err := tr.Units()
	if err != nil {
		fail("%s", err)
		return
	}
	tbl := tablewriter.NewWriter(stdout)
	tbl.SetHeader([]string{"Pos", "Kind", "Blocks", "Detail"})
	counts := make(map[blockstore.UnitKind]int)
	for _, u := range units {
		if c.kind != "" && u.Kind.String() != c.kind {
			continue
		}
		counts[u.Kind]++
		tbl.Append([]string{fmt.Sprint(u.Pos), u.Kind.String(), fmt.Sprint(u.Blocks), unitDetail(u)})
	}
	tbl.Render()
	fmt.Fprintf(stdout, "%d macro blocks, %d translation blocks\n",
		counts[blockstore.MacroBlockUnit], counts[blockstore.TranslationBlockUnit])
}

func unitDetail(u blockstore.UnitInfo) string {
	switch u.Kind {
	case blockstore.MacroBlockUnit:
		return fmt.Sprintf("slots=%d carry=%d data=%d", u.Slots, u.CarryOver, u.DataLen)
	case blockstore.TranslationBlockUnit:
		return fmt.Sprintf("L%d #%d count=%d", u.Level, u.EntryIndex, u.Count)
	default:
		return ""
	}
}
