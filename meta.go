// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flank

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/tsindex/flank/blockstore"
	"github.com/tsindex/flank/internal/base"
	"github.com/tsindex/flank/vfs"
)

// metaVersion is the version of both meta files.
const metaVersion = 1

// treeParams are the parameters fixed when a tree is created.
type treeParams struct {
	Version       int       `cbor:"1,keyasint"`
	UUID          uuid.UUID `cbor:"2,keyasint"`
	Schema        string    `cbor:"3,keyasint"`
	LeafCapacity  int       `cbor:"4,keyasint"`
	IndexCapacity int       `cbor:"5,keyasint"`
}

// workMeta is the working meta file. It exists from the moment a tree is
// opened for writing until it is closed cleanly, so its presence at open
// means the tree must be recovered.
type workMeta struct {
	treeParams
	// Height is the height of the tree, rewritten whenever the tree grows.
	// Recovery uses it to bound the search for the newest node of every
	// level.
	Height int `cbor:"6,keyasint"`
	// Flank lists the ids of the flank fragments written by the last
	// Flush, leaf level first, and NextID the id the block store was about
	// to issue then. Recovery loads the fragments directly when no id was
	// issued since.
	Flank  []blockstore.LogicalID `cbor:"7,keyasint"`
	NextID blockstore.LogicalID   `cbor:"8,keyasint"`
}

// stableMeta is the meta file written by a clean close.
type stableMeta struct {
	treeParams
	Store blockstore.StoreState `cbor:"6,keyasint"`
	// Flank lists the ids of the flank fragments, leaf level first.
	Flank []blockstore.LogicalID `cbor:"7,keyasint"`
}

// encodeMeta encodes v followed by the xxhash64 of the encoding.
func encodeMeta(v interface{}) ([]byte, error) {
	buf, err := cbor.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "flank: encoding meta data")
	}
	return binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(buf)), nil
}

func decodeMeta(buf []byte, v interface{}) error {
	if len(buf) < 8 {
		return base.CorruptionErrorf("flank: meta file too short (%d bytes)", len(buf))
	}
	body, sum := buf[:len(buf)-8], binary.LittleEndian.Uint64(buf[len(buf)-8:])
	if xxhash.Sum64(body) != sum {
		return base.CorruptionErrorf("flank: meta file checksum mismatch")
	}
	if err := cbor.Unmarshal(body, v); err != nil {
		return base.MarkCorruptionError(errors.Wrap(err, "flank: decoding meta data"))
	}
	return nil
}

func readMeta(fs vfs.FS, path string, v interface{}) error {
	buf, err := vfs.ReadFile(fs, path)
	if err != nil {
		return err
	}
	return errors.Wrapf(decodeMeta(buf, v), "reading %s", errors.Safe(fs.PathBase(path)))
}

func writeMeta(fs vfs.FS, path string, v interface{}) error {
	buf, err := encodeMeta(v)
	if err != nil {
		return err
	}
	return vfs.WriteFileAtomic(fs, path, buf)
}

// check verifies that a persisted tree matches the options it is
// opened with.
func (p *treeParams) check(opts *Options) error {
	if p.Version != metaVersion {
		return base.CorruptionErrorf("flank: unsupported meta version %d", p.Version)
	}
	if p.Schema != opts.Schema.String() {
		return errors.Newf("flank: schema mismatch: tree has %q, options specify %q",
			p.Schema, opts.Schema.String())
	}
	if p.LeafCapacity < minNodeCapacity || p.IndexCapacity < minNodeCapacity {
		return base.CorruptionErrorf("flank: invalid node capacities %d/%d", p.LeafCapacity, p.IndexCapacity)
	}
	return nil
}
