// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blockstore

import (
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// The pipelined writer overlaps compression with placement:
//
// Write hands each payload to submit, which queues a writeTask on the write
// queue and the matching compressTask on the compression queue. A fixed set
// of workers take compressTasks from the compression queue, compress them
// and send the result on the task's done channel. A single writer goroutine
// takes writeTasks in submission order, waits for the corresponding
// compression to finish and places the slot under the store mutex. Because
// placement happens in submission order, ids are assigned to slots in the
// same order as with the synchronous path.

// compressedSlot carries a compressed payload from a worker to the writer.
type compressedSlot struct {
	kind   slotKind
	data   []byte
	rawLen int
}

type compressTask struct {
	payload []byte
	// done is buffered with size 1 so that the worker never blocks on it.
	done chan<- compressedSlot
}

type writeTask struct {
	id   LogicalID
	done <-chan compressedSlot
}

type pipeline struct {
	s             *Store
	compressQueue chan compressTask
	writeQueue    chan writeTask
	g             errgroup.Group

	mu struct {
		sync.Mutex
		cond sync.Cond
		// submitted and placed are the highest ids handed to submit and
		// placed by the writer. Ids in (placed, submitted] are in flight.
		submitted LogicalID
		placed    LogicalID
		// err is sticky: once placement fails, every later submission fails.
		err    error
		closed bool
	}
}

func newPipeline(s *Store, workers int) *pipeline {
	p := &pipeline{
		s:             s,
		compressQueue: make(chan compressTask, 2*workers),
		writeQueue:    make(chan writeTask, 2*workers),
	}
	p.mu.cond.L = &p.mu.Mutex
	for i := 0; i < workers; i++ {
		p.g.Go(p.compressLoop)
	}
	p.g.Go(p.writeLoop)
	return p
}

func (p *pipeline) compressLoop() error {
	c := p.s.newCompressor()
	defer c.Close()
	for t := range p.compressQueue {
		kind, data := compressPayload(c, p.s.pre.Compression, t.payload)
		t.done <- compressedSlot{kind: kind, data: data, rawLen: len(t.payload)}
	}
	return nil
}

func (p *pipeline) writeLoop() error {
	for t := range p.writeQueue {
		cs := <-t.done
		p.mu.Lock()
		failed := p.mu.err != nil
		p.mu.Unlock()

		var err error
		if !failed {
			p.s.mu.Lock()
			if !p.s.fits(len(cs.data)) {
				err = p.s.capacityError(len(cs.data))
			} else {
				err = p.s.placeLocked(t.id, cs.kind, cs.data, cs.rawLen)
			}
			p.s.mu.Unlock()
		}

		p.mu.Lock()
		if err != nil && p.mu.err == nil {
			p.mu.err = errors.Wrapf(err, "blockstore: placing id %d", errors.Safe(t.id))
		}
		p.mu.placed = t.id
		p.mu.cond.Broadcast()
		p.mu.Unlock()
	}
	return nil
}

// begin records id as submitted. It is called under the store mutex, before
// the id becomes visible to readers, so that Get waits for its placement.
func (p *pipeline) begin(id LogicalID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mu.closed {
		return ErrClosed
	}
	if err := p.mu.err; err != nil {
		return err
	}
	p.mu.submitted = id
	return nil
}

// submit queues payload for compression and placement under an id passed to
// begin. The payload is copied.
func (p *pipeline) submit(id LogicalID, payload []byte) {
	done := make(chan compressedSlot, 1)
	p.writeQueue <- writeTask{id: id, done: done}
	p.compressQueue <- compressTask{payload: append([]byte(nil), payload...), done: done}
}

// waitPlaced blocks until id, if submitted, has been placed.
func (p *pipeline) waitPlaced(id LogicalID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id > p.mu.placed && id <= p.mu.submitted {
		p.mu.cond.Wait()
	}
}

// drain blocks until every submitted payload has been placed and returns the
// sticky error, if any.
func (p *pipeline) drain() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.mu.placed < p.mu.submitted {
		p.mu.cond.Wait()
	}
	return p.mu.err
}

// close drains the pipeline and stops its goroutines.
func (p *pipeline) close() error {
	p.mu.Lock()
	if p.mu.closed {
		p.mu.Unlock()
		return nil
	}
	p.mu.closed = true
	p.mu.Unlock()
	close(p.writeQueue)
	close(p.compressQueue)
	if err := p.g.Wait(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.err
}
