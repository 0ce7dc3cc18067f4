// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flank

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tsindex/flank/blockstore"
	"github.com/tsindex/flank/internal/base"
	"github.com/tsindex/flank/internal/compression"
	"github.com/tsindex/flank/schema"
	"github.com/tsindex/flank/vfs"
)

const (
	// DefaultName is the base name of the files of a tree when Options.Name
	// is unset.
	DefaultName = "events"
	// DefaultWriteBehind is the default number of finalized nodes buffered
	// before they are written to the block store.
	DefaultWriteBehind = 8
	// DefaultOutOfOrderCapacity is the default number of out-of-order events
	// queued before the queue is drained into the tree.
	DefaultOutOfOrderCapacity = 1024

	minNodeCapacity = 4
)

// Logger defines an interface for writing log messages.
type Logger = base.Logger

// DefaultLogger logs to the Go stdlib logs.
var DefaultLogger = base.DefaultLogger

// KeyFunc extracts the ordering key of an event.
type KeyFunc func(e schema.Event) int64

// TimestampKey is the default KeyFunc.
func TimestampKey(e schema.Event) int64 { return e.Timestamp }

// Options holds the optional parameters for configuring a tree. The Schema
// field is required; everything else has a usable default.
type Options struct {
	// Name is the base name of the files of the tree within its directory.
	Name string

	// FS provides the interface for persistent file storage.
	//
	// The default value uses the underlying operating system's file system.
	FS vfs.FS

	// Logger used to write log messages.
	//
	// The default logger uses the Go standard library log package.
	Logger Logger

	// EventListener provides hooks to listening to significant tree events
	// such as recovery and out-of-order drains.
	EventListener *EventListener

	// Schema describes the attributes of every event. Required. A reopened
	// tree must be given a schema equal to the persisted one.
	Schema *schema.Schema

	// Key extracts the ordering key of an event. Defaults to TimestampKey.
	// The key function is not persisted, so it must not change across
	// reopens of the same tree.
	Key KeyFunc

	// BlockSize is the physical block size of the container. Persisted at
	// creation.
	BlockSize int

	// MacroBlockSize is the size of a macro block; a multiple of BlockSize.
	// Persisted at creation.
	MacroBlockSize int

	// SpareRatio is the fraction of every stored node reserved for in-place
	// growth. Persisted at creation.
	SpareRatio float64

	// Compression is the codec applied to nodes. Persisted at creation.
	// Defaults to Snappy.
	Compression *compression.Setting

	// CompressionWorkers enables pipelined compression in the block store.
	CompressionWorkers int

	// CacheSize is the number of decoded macro blocks (and, separately,
	// translation blocks) cached by the block store.
	CacheSize int

	// LeafCapacity is the number of events a leaf holds before it is
	// finalized. Derived from BlockSize and the schema when zero.
	LeafCapacity int

	// IndexCapacity is the number of index entries an inner node holds
	// before it is finalized. Derived from BlockSize and the schema when
	// zero.
	IndexCapacity int

	// WriteBehind is the number of finalized nodes buffered in memory before
	// they are written out.
	WriteBehind int

	// OutOfOrderCapacity is the number of out-of-order events queued before
	// the queue is drained into the tree.
	OutOfOrderCapacity int

	// ReadOnly opens an existing tree for queries only. A tree that was not
	// closed cleanly cannot be opened read-only.
	ReadOnly bool

	// FlushLatency, if set, observes the duration in seconds of every
	// Flush and Close.
	FlushLatency prometheus.Histogram

	// DrainLatency, if set, observes the duration in seconds of every
	// out-of-order drain.
	DrainLatency prometheus.Histogram
}

// EnsureDefaults ensures that the default values for all options are set if a
// valid value was not already specified. Returns the new options.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	if o.EventListener == nil {
		o.EventListener = &EventListener{}
	}
	o.EventListener.EnsureDefaults(o.Logger)
	if o.Key == nil {
		o.Key = TimestampKey
	}
	if o.BlockSize <= 0 {
		o.BlockSize = blockstore.DefaultBlockSize
	}
	if o.MacroBlockSize <= 0 {
		o.MacroBlockSize = blockstore.DefaultMacroBlockBlocks * o.BlockSize
	}
	if o.SpareRatio <= 0 {
		o.SpareRatio = blockstore.DefaultSpareRatio
	}
	if o.Compression == nil {
		s := compression.SnappySetting
		o.Compression = &s
	}
	if o.CacheSize <= 0 {
		o.CacheSize = blockstore.DefaultCacheSize
	}
	if o.WriteBehind <= 0 {
		o.WriteBehind = DefaultWriteBehind
	}
	if o.OutOfOrderCapacity <= 0 {
		o.OutOfOrderCapacity = DefaultOutOfOrderCapacity
	}
	if o.Schema != nil {
		if o.LeafCapacity <= 0 {
			o.LeafCapacity = max(minNodeCapacity, (o.BlockSize-nodeHeaderSize)/o.Schema.EventSize())
		}
		if o.IndexCapacity <= 0 {
			o.IndexCapacity = max(minNodeCapacity, (o.BlockSize-nodeHeaderSize)/indexEntrySize(len(o.Schema.Aggregated())))
		}
	}
	return o
}

// Validate verifies that the options are mutually consistent.
func (o *Options) Validate() error {
	if o.Schema == nil {
		return errors.New("flank: options must specify a schema")
	}
	if err := o.Schema.Validate(); err != nil {
		return err
	}
	if o.LeafCapacity < minNodeCapacity {
		return errors.Newf("flank: leaf capacity %d below %d", o.LeafCapacity, minNodeCapacity)
	}
	if o.IndexCapacity < minNodeCapacity {
		return errors.Newf("flank: index capacity %d below %d", o.IndexCapacity, minNodeCapacity)
	}
	return o.storeOptions().Validate()
}

// storeOptions returns the block store options derived from o.
func (o *Options) storeOptions() *blockstore.Options {
	return &blockstore.Options{
		FS:                 o.FS,
		Logger:             o.Logger,
		BlockSize:          o.BlockSize,
		MacroBlockSize:     o.MacroBlockSize,
		SpareRatio:         o.SpareRatio,
		Compression:        *o.Compression,
		CompressionWorkers: o.CompressionWorkers,
		CacheSize:          o.CacheSize,
		ReadOnly:           o.ReadOnly,
		OnUnitWritten:      o.EventListener.UnitWritten,
	}
}
