// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blockstore

import (
	"github.com/cockroachdb/errors"
	"github.com/tsindex/flank/internal/base"
	"github.com/tsindex/flank/internal/compression"
	"github.com/tsindex/flank/vfs"
)

const (
	// DefaultBlockSize is the default physical block size.
	DefaultBlockSize = 4096
	// DefaultMacroBlockBlocks is the default number of physical blocks in a
	// macro block.
	DefaultMacroBlockBlocks = 16
	// DefaultSpareRatio is the default fraction of a slot reserved for
	// in-place growth.
	DefaultSpareRatio = 0.1
	// DefaultCacheSize is the default number of decoded macro blocks kept in
	// memory.
	DefaultCacheSize = 64
)

// Options holds the parameters of a block store. A zero Options is valid
// after EnsureDefaults.
type Options struct {
	// FS is the file system holding the container. Defaults to vfs.Default.
	FS vfs.FS

	// Logger is used for informational messages. Defaults to
	// base.DefaultLogger.
	Logger base.Logger

	// BlockSize is the physical block size in bytes. Translation blocks are
	// exactly one block. Persisted in the container preamble; ignored when
	// opening an existing container.
	BlockSize int

	// MacroBlockSize is the size in bytes of a macro block and must be a
	// multiple of BlockSize. Persisted in the container preamble.
	MacroBlockSize int

	// SpareRatio is the fraction of a payload reserved in its slot so that
	// later updates can be applied in place. Persisted in the preamble.
	SpareRatio float64

	// Compression selects the codec used for payloads. Persisted in the
	// preamble.
	Compression compression.Setting

	// CompressionWorkers enables the pipelined writer when > 0: that many
	// goroutines compress payloads while a single goroutine places them in
	// submission order.
	CompressionWorkers int

	// CacheSize is the number of decoded macro blocks and translation blocks
	// each cache may hold.
	CacheSize int

	// ReadOnly opens the container without ever writing to it.
	ReadOnly bool

	// OnUnitWritten, if set, is invoked after each macro block or translation
	// block is written to the container.
	OnUnitWritten func(UnitInfo)
}

// EnsureDefaults ensures that the default values for all options are set if a
// valid value was not already specified. Returns the new options.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.MacroBlockSize <= 0 {
		o.MacroBlockSize = DefaultMacroBlockBlocks * o.BlockSize
	}
	if o.SpareRatio < 0 {
		o.SpareRatio = 0
	}
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultCacheSize
	}
	return o
}

// Validate verifies that the options are mutually consistent.
func (o *Options) Validate() error {
	if o.BlockSize < minBlockSize || o.BlockSize > maxBlockSize {
		return errors.Newf("blockstore: block size %d out of range [%d, %d]",
			o.BlockSize, minBlockSize, maxBlockSize)
	}
	if o.MacroBlockSize%o.BlockSize != 0 || o.MacroBlockSize < 2*o.BlockSize {
		return errors.Newf("blockstore: macro block size %d must be a multiple (>= 2) of the block size %d",
			o.MacroBlockSize, o.BlockSize)
	}
	if o.SpareRatio > 1 {
		return errors.Newf("blockstore: spare ratio %.2f above 1", o.SpareRatio)
	}
	if err := o.Compression.Validate(); err != nil {
		return err
	}
	return nil
}
