// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package record frames the out-of-order side log of a flank tree. The log is
// a sequence of records, one per queued event, that is appended to and synced
// as events arrive and replayed when the tree is reopened.
//
// Writers append complete records with WriteRecord and make them durable
// with Flush followed by a sync of the file. Readers call Next to obtain an
// io.Reader for the next record; Next returns io.EOF at the end of the log.
// Neither Readers nor Writers are safe to use concurrently.
//
// The log is divided into 32KiB blocks, and each block holds a number of
// tightly packed chunks. Chunks do not cross block boundaries; the unused
// tail of a block is zeroed. A record maps to one or more chunks:
//
//	+---------------+-----------+-----------+--- ... ---+
//	| Checksum (4B) | Size (2B) | Type (1B) | Payload   |
//	+---------------+-----------+-----------+--- ... ---+
//
// Checksum is the low 32 bits of the xxhash of the type and payload, Size the
// length of the payload and Type whether the chunk is a full record or the
// first, a middle or the last chunk of a longer one.
//
// A crash while appending leaves a torn tail. It surfaces as an error for
// which IsInvalidRecord returns true, and replay treats it like io.EOF: the
// events of a torn record were never acknowledged.
package record

import (
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// These constants are part of the wire format and should not be changed.
const (
	invalidChunkEncoding = 0
	fullChunkEncoding    = 1
	firstChunkEncoding   = 2
	middleChunkEncoding  = 3
	lastChunkEncoding    = 4
)

const (
	blockSize     = 32 * 1024
	blockSizeMask = blockSize - 1
	headerSize    = 7
)

var (
	// ErrZeroedChunk is returned if a chunk is encountered that is zeroed.
	ErrZeroedChunk = errors.New("flank/record: zeroed chunk")

	// ErrInvalidChunk is returned if a chunk is encountered with an invalid
	// header, length, or checksum.
	ErrInvalidChunk = errors.New("flank/record: invalid chunk")
)

// IsInvalidRecord returns true if the error matches one of the error types
// returned for invalid records. These are treated in a way similar to io.EOF
// in recovery code.
func IsInvalidRecord(err error) bool {
	return errors.Is(err, ErrZeroedChunk) || errors.Is(err, ErrInvalidChunk) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func checksum(b []byte) uint32 {
	return uint32(xxhash.Sum64(b))
}

// Reader reads records from an underlying io.Reader.
type Reader struct {
	// r is the underlying reader.
	r io.Reader
	// seq is the sequence number of the current record.
	seq int
	// buf[begin:end] is the unread portion of the current chunk's payload. The
	// low bound, begin, excludes the chunk header.
	begin, end int
	// n is the number of bytes of buf that are valid. Once reading has started,
	// only the final block can have n < blockSize.
	n int
	// started is set once the first block has been read.
	started bool
	// last is whether the current chunk is the last chunk of the record.
	last bool
	// err is any accumulated error.
	err error
	// buf is the buffer.
	buf [blockSize]byte
}

// NewReader returns a new reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// nextChunk sets r.buf[r.begin:r.end] to hold the next chunk's payload,
// reading the next block into the buffer if necessary.
func (r *Reader) nextChunk(wantFirst bool) error {
	for {
		if r.end+headerSize <= r.n {
			sum := binary.LittleEndian.Uint32(r.buf[r.end+0 : r.end+4])
			length := binary.LittleEndian.Uint16(r.buf[r.end+4 : r.end+6])
			chunkEncoding := r.buf[r.end+6]

			if sum == 0 && length == 0 && chunkEncoding == invalidChunkEncoding {
				// The writer pads the tail of a block with zeroes when another
				// header does not fit. Anything else zeroed is a torn write.
				for i := r.end; i < r.n; i++ {
					if r.buf[i] != 0 {
						return ErrZeroedChunk
					}
				}
				if r.n < blockSize {
					if wantFirst {
						return io.EOF
					}
					return io.ErrUnexpectedEOF
				}
				r.end = r.n
				continue
			}
			if chunkEncoding > lastChunkEncoding || chunkEncoding == invalidChunkEncoding {
				return ErrInvalidChunk
			}

			r.begin = r.end + headerSize
			r.end = r.begin + int(length)
			if r.end > r.n {
				// The chunk straddles a 32KB boundary (or the end of file).
				return ErrInvalidChunk
			}
			if sum != checksum(r.buf[r.begin-1:r.end]) {
				return ErrInvalidChunk
			}
			if wantFirst {
				if chunkEncoding != fullChunkEncoding && chunkEncoding != firstChunkEncoding {
					continue
				}
			}
			r.last = chunkEncoding == fullChunkEncoding || chunkEncoding == lastChunkEncoding
			return nil
		}
		if r.started && r.n < blockSize {
			if r.end != r.n {
				return io.ErrUnexpectedEOF
			}
			if !wantFirst {
				return io.ErrUnexpectedEOF
			}
			return io.EOF
		}
		n, err := io.ReadFull(r.r, r.buf[:])
		if err != nil && err != io.ErrUnexpectedEOF {
			if err == io.EOF && !wantFirst {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		r.begin, r.end, r.n = 0, 0, n
		r.started = true
	}
}

// Next returns a reader for the next record. It returns io.EOF if there are no
// more records. The reader returned becomes stale after the next Next call,
// and should no longer be used.
func (r *Reader) Next() (io.Reader, error) {
	r.seq++
	if r.err != nil {
		return nil, r.err
	}
	r.begin = r.end
	r.err = r.nextChunk(true)
	if r.err != nil {
		return nil, r.err
	}
	return singleReader{r, r.seq}, nil
}

type singleReader struct {
	r   *Reader
	seq int
}

func (x singleReader) Read(p []byte) (int, error) {
	r := x.r
	if r.seq != x.seq {
		return 0, errors.New("flank/record: stale reader")
	}
	if r.err != nil {
		return 0, r.err
	}
	for r.begin == r.end {
		if r.last {
			return 0, io.EOF
		}
		if r.err = r.nextChunk(false); r.err != nil {
			return 0, r.err
		}
	}
	n := copy(p, r.buf[r.begin:r.end])
	r.begin += n
	return n, nil
}

// Writer writes records to an underlying io.Writer.
type Writer struct {
	// w is the underlying writer.
	w io.Writer
	// seq is the sequence number of the current record.
	seq int
	// buf[i:j] is the bytes that will become the current chunk.
	// The low bound, i, includes the chunk header.
	i, j int
	// buf[:written] has already been written to w.
	// written is zero unless Flush has been called.
	written int
	// blockNumber is the zero based block number currently held in buf.
	blockNumber int64
	// first is whether the current chunk is the first chunk of the record.
	first bool
	// pending is whether a chunk is buffered but not yet written.
	pending bool
	// err is any accumulated error.
	err error
	// buf is the buffer.
	buf [blockSize]byte
}

// NewWriter returns a new Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// fillHeader fills in the header for the pending chunk.
func (w *Writer) fillHeader(last bool) {
	if w.i+headerSize > w.j || w.j > blockSize {
		panic(errors.AssertionFailedf("flank/record: bad writer state"))
	}
	if last {
		if w.first {
			w.buf[w.i+6] = fullChunkEncoding
		} else {
			w.buf[w.i+6] = lastChunkEncoding
		}
	} else {
		if w.first {
			w.buf[w.i+6] = firstChunkEncoding
		} else {
			w.buf[w.i+6] = middleChunkEncoding
		}
	}
	binary.LittleEndian.PutUint32(w.buf[w.i+0:w.i+4], checksum(w.buf[w.i+6:w.j]))
	binary.LittleEndian.PutUint16(w.buf[w.i+4:w.i+6], uint16(w.j-w.i-headerSize))
}

// writeBlock writes the buffered block to the underlying writer, and reserves
// space for the next chunk's header.
func (w *Writer) writeBlock() {
	_, w.err = w.w.Write(w.buf[w.written:])
	w.i = 0
	w.j = headerSize
	w.written = 0
	w.blockNumber++
}

// writePending finishes the current record and writes the buffer to the
// underlying writer.
func (w *Writer) writePending() {
	if w.err != nil {
		return
	}
	if w.pending {
		w.fillHeader(true)
		w.pending = false
	}
	_, w.err = w.w.Write(w.buf[w.written:w.j])
	w.written = w.j
}

// Flush finishes the current record, writes to the underlying writer, and
// flushes it if that writer implements interface{ Flush() error }.
func (w *Writer) Flush() error {
	w.seq++
	w.writePending()
	if w.err != nil {
		return w.err
	}
	if x, ok := w.w.(interface{ Flush() error }); ok {
		w.err = x.Flush()
		return w.err
	}
	return nil
}

// next returns a writer for the next record. The writer returned becomes stale
// after the next Flush or next call.
func (w *Writer) next() (io.Writer, error) {
	w.seq++
	if w.err != nil {
		return nil, w.err
	}
	if w.pending {
		w.fillHeader(true)
	}
	w.i = w.j
	w.j = w.j + headerSize
	// Check if there is room in the block for the header.
	if w.j > blockSize {
		// Fill in the rest of the block with zeroes.
		clear(w.buf[w.i:])
		w.writeBlock()
		if w.err != nil {
			return nil, w.err
		}
	}
	w.first = true
	w.pending = true
	return singleWriter{w, w.seq}, nil
}

// WriteRecord writes a complete record. Returns the offset just past the end
// of the record.
func (w *Writer) WriteRecord(p []byte) (int64, error) {
	if w.err != nil {
		return -1, w.err
	}
	t, err := w.next()
	if err != nil {
		return -1, err
	}
	if _, err := t.Write(p); err != nil {
		return -1, err
	}
	w.writePending()
	offset := w.blockNumber*blockSize + int64(w.j)
	return offset, w.err
}

type singleWriter struct {
	w   *Writer
	seq int
}

func (x singleWriter) Write(p []byte) (int, error) {
	w := x.w
	if w.seq != x.seq {
		return 0, errors.New("flank/record: stale writer")
	}
	if w.err != nil {
		return 0, w.err
	}
	n0 := len(p)
	for len(p) > 0 {
		// Write a block, if it is full.
		if w.j == blockSize {
			w.fillHeader(false)
			w.writeBlock()
			if w.err != nil {
				return 0, w.err
			}
			w.first = false
		}
		// Copy bytes into the buffer.
		n := copy(w.buf[w.j:], p)
		w.j += n
		p = p[n:]
	}
	return n0, nil
}
