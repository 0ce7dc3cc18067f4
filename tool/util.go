// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/tsindex/flank"
	"github.com/tsindex/flank/schema"
)

var stdout = io.Writer(os.Stdout)
var stderr = io.Writer(os.Stderr)
var osExit = os.Exit

// openTree opens the tree in dir. Introspection opens it read-only.
func (t *T) openTree(dir string, readOnly bool) (*flank.Tree, error) {
	if t.schema == "" {
		return nil, errors.New("no schema: use --schema or FLANK_SCHEMA")
	}
	s, err := schema.Parse(t.schema)
	if err != nil {
		return nil, err
	}
	opts := t.opts
	opts.Schema = s
	opts.ReadOnly = readOnly
	return flank.Open(dir, &opts)
}

// key is a pflag.Value holding a bound of a key range. The bounds "min" and
// "max" stand for the extremes of int64.
type key int64

func (k *key) String() string {
	switch int64(*k) {
	case math.MinInt64:
		return "min"
	case math.MaxInt64:
		return "max"
	}
	return strconv.FormatInt(int64(*k), 10)
}

func (k *key) Type() string {
	return "key"
}

func (k *key) Set(v string) error {
	switch v {
	case "min":
		*k = math.MinInt64
	case "max":
		*k = math.MaxInt64
	default:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*k = key(n)
	}
	return nil
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(stderr, format+"\n", args...)
	osExit(1)
}
