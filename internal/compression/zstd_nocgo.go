// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build !cgo

package compression

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/tsindex/flank/internal/base"
)

// UseStandardZstdLib indicates whether the zstd implementation is a port of
// the official one. Tests that compare compressed sizes byte for byte are
// only meaningful when it is.
const UseStandardZstdLib = false

type zstdCompressor struct {
	level   int
	encoder *zstd.Encoder
}

var _ Compressor = (*zstdCompressor)(nil)

// Encoders are expensive to construct, so they are pooled per level.
var zstdEncoderPools sync.Map // int -> *sync.Pool

func getZstdCompressor(level int) *zstdCompressor {
	p, ok := zstdEncoderPools.Load(level)
	if !ok {
		p, _ = zstdEncoderPools.LoadOrStore(level, &sync.Pool{
			New: func() any {
				enc, err := zstd.NewWriter(nil,
					zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
					zstd.WithEncoderConcurrency(1))
				if err != nil {
					panic(errors.Wrap(err, "zstd encoder"))
				}
				return &zstdCompressor{level: level, encoder: enc}
			},
		})
	}
	return p.(*sync.Pool).Get().(*zstdCompressor)
}

func (z *zstdCompressor) Compress(compressedBuf, b []byte) []byte {
	if cap(compressedBuf) < binary.MaxVarintLen64 {
		compressedBuf = make([]byte, binary.MaxVarintLen64)
	}
	compressedBuf = compressedBuf[:binary.MaxVarintLen64]
	varIntLen := binary.PutUvarint(compressedBuf, uint64(len(b)))
	return z.encoder.EncodeAll(b, compressedBuf[:varIntLen])
}

func (z *zstdCompressor) Close() {
	p, _ := zstdEncoderPools.Load(z.level)
	p.(*sync.Pool).Put(z)
}

// DecodeAll is safe for concurrent use, so a single decoder is shared.
var zstdDecoder = sync.OnceValue(func() *zstd.Decoder {
	d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic(errors.Wrap(err, "zstd decoder"))
	}
	return d
})

type zstdDecompressor struct{}

var _ Decompressor = zstdDecompressor{}

func getZstdDecompressor() zstdDecompressor { return zstdDecompressor{} }

func (zstdDecompressor) DecompressInto(dst, src []byte) error {
	// The payload is prefixed with a varint encoding the length of the
	// decompressed block.
	_, prefixLen := binary.Uvarint(src)
	if prefixLen <= 0 {
		return base.CorruptionErrorf("flank: zstd block has invalid length prefix")
	}
	src = src[prefixLen:]
	result, err := zstdDecoder().DecodeAll(src, dst[:0])
	if err != nil {
		return err
	}
	if len(result) != len(dst) || (len(result) > 0 && &result[0] != &dst[0]) {
		return base.CorruptionErrorf("flank: decompressed into unexpected buffer: %p != %p",
			errors.Safe(result), errors.Safe(dst))
	}
	return nil
}

func (zstdDecompressor) DecompressedLen(b []byte) (decompressedLen int, err error) {
	return zstdDecompressedLen(b)
}

func (zstdDecompressor) Close() {}
