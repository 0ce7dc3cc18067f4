// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package tool implements the introspection and benchmarking commands of
// the flank command line tool.
package tool

import (
	"github.com/spf13/cobra"
	"github.com/tsindex/flank"
	"github.com/tsindex/flank/vfs"
)

// T is the container for all of the introspection tools.
type T struct {
	Commands  []*cobra.Command
	tree      *treeT
	container *containerT
	bench     *benchT
	opts      flank.Options
	// schema is the textual schema given with --schema.
	schema string
}

// Option is a functional option for configuring the tool.
type Option func(*T)

// FS sets the file system the trees are read from and written to.
func FS(fs vfs.FS) Option {
	return func(t *T) { t.opts.FS = fs }
}

// DefaultSchema sets the schema used when --schema is not given.
func DefaultSchema(s string) Option {
	return func(t *T) { t.schema = s }
}

// Logger sets the logger of the opened trees.
func Logger(l flank.Logger) Option {
	return func(t *T) { t.opts.Logger = l }
}

// New creates a new introspection tool.
func New(opts ...Option) *T {
	t := &T{
		opts: flank.Options{FS: vfs.Default},
	}
	for _, o := range opts {
		o(t)
	}

	t.tree = newTree(t)
	t.container = newContainer(t)
	t.bench = newBench(t)
	t.Commands = []*cobra.Command{
		t.tree.Root,
		t.container.Root,
		t.bench.Root,
	}
	for _, c := range t.Commands {
		c.PersistentFlags().StringVar(&t.schema, "schema", t.schema,
			`event schema, e.g. "price:float64:agg qty:int32:agg"`)
		c.PersistentFlags().StringVar(&t.opts.Name, "name", flank.DefaultName,
			"base name of the tree files")
	}
	return t
}
