// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flank

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/google/uuid"
	"github.com/tsindex/flank/blockstore"
	"github.com/tsindex/flank/internal/base"
	"github.com/tsindex/flank/vfs"
)

// Open opens the tree named opts.Name in dirname, creating it if its
// container does not exist. A tree whose working meta file is present was
// not closed cleanly and is recovered. Out-of-order events left in the side
// log are queued again.
//
// The options are copied; opts is not modified.
func Open(dirname string, opts *Options) (_ *Tree, err error) {
	if opts != nil {
		o := *opts
		opts = &o
	}
	opts = opts.EnsureDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	fs := opts.FS
	t := &Tree{dirname: dirname, opts: opts}
	t.mu.Lock()
	defer t.mu.Unlock()
	defer func() {
		if err == nil {
			return
		}
		_ = t.mu.log.close()
		t.mu.log = nil
		if t.store != nil {
			_, _ = t.store.Close()
			t.store = nil
		}
	}()

	containerPath := t.path(fileTypeContainer)
	exists, err := vfs.Exists(fs, containerPath)
	if err != nil {
		return nil, err
	}
	if !exists {
		if opts.ReadOnly {
			return nil, errors.Wrapf(oserror.ErrNotExist, "flank: tree %q", errors.Safe(containerPath))
		}
		if err := fs.MkdirAll(dirname, 0755); err != nil {
			return nil, err
		}
		if err := t.createLocked(); err != nil {
			return nil, err
		}
		return t, nil
	}

	dirty, err := vfs.Exists(fs, t.workPath())
	if err != nil {
		return nil, err
	}
	if dirty {
		if opts.ReadOnly {
			return nil, errors.Wrapf(ErrReadOnly, "flank: tree %q must be recovered", errors.Safe(dirname))
		}
		if err := t.recoverLocked(); err != nil {
			return nil, err
		}
		return t, nil
	}
	if err := t.openCleanLocked(); err != nil {
		return nil, err
	}
	return t, nil
}

// setupLocked prepares the tree for the parameters it was created with.
// Persisted capacities take precedence over the options.
func (t *Tree) setupLocked(p treeParams) error {
	t.params = p
	t.leafCap, t.indexCap = p.LeafCapacity, p.IndexCapacity
	t.codec = makeNodeCodec(t.opts.Schema, t.opts.Key)
	if t.store != nil {
		size := nodeHeaderSize + max(t.leafCap*t.opts.Schema.EventSize(),
			t.indexCap*indexEntrySize(len(t.codec.aggIdx)))
		if size > t.store.MaxPayloadSize() {
			return errors.Wrapf(base.ErrCapacity, "flank: nodes of up to %d bytes exceed the block store limit of %d",
				size, t.store.MaxPayloadSize())
		}
	}
	return nil
}

// createLocked creates an empty tree. The working meta file is written
// before the container, so a crash in between leaves no container and the
// tree is created again.
func (t *Tree) createLocked() (err error) {
	fs := t.opts.FS
	defer func() {
		if err == nil {
			return
		}
		// Leave nothing behind that a later open would mistake for a tree
		// to recover.
		if t.store != nil {
			_, _ = t.store.Close()
			t.store = nil
		}
		_ = fs.Remove(t.path(fileTypeContainer))
		_ = fs.Remove(t.workPath())
	}()
	p := treeParams{
		Version:       metaVersion,
		UUID:          uuid.New(),
		Schema:        t.opts.Schema.String(),
		LeafCapacity:  t.opts.LeafCapacity,
		IndexCapacity: t.opts.IndexCapacity,
	}
	t.mu.work = &workMeta{treeParams: p, Height: 1}
	if err := writeMeta(fs, t.workPath(), t.mu.work); err != nil {
		return err
	}
	if err := fs.Remove(t.path(fileTypeMeta)); err != nil && !oserror.IsNotExist(err) {
		return err
	}
	store, err := blockstore.Create(t.path(fileTypeContainer), t.opts.storeOptions())
	if err != nil {
		return err
	}
	t.store = store
	if err = t.setupLocked(p); err != nil {
		return err
	}
	t.mu.flank = []*flankLevel{{node: t.codec.newNode(0)}}
	t.mu.log, err = createSideLog(fs, t.path(fileTypeSideLog), nil)
	return err
}

// openCleanLocked opens a tree that was closed cleanly: the block store
// resumes from the state in the stable meta file and the flank is loaded
// from the fragments it lists.
func (t *Tree) openCleanLocked() error {
	fs := t.opts.FS
	var m stableMeta
	if err := readMeta(fs, t.path(fileTypeMeta), &m); err != nil {
		return err
	}
	if err := m.check(t.opts); err != nil {
		return err
	}
	if len(m.Flank) == 0 {
		return base.CorruptionErrorf("flank: stable meta file lists no flank")
	}
	if !t.opts.ReadOnly {
		// From here on the tree is dirty until closed.
		t.mu.work = &workMeta{treeParams: m.treeParams, Height: len(m.Flank)}
		if err := writeMeta(fs, t.workPath(), t.mu.work); err != nil {
			return err
		}
	}
	store, err := blockstore.Open(t.path(fileTypeContainer), t.opts.storeOptions(), m.Store)
	if err != nil {
		return err
	}
	t.store = store
	if err := t.setupLocked(m.treeParams); err != nil {
		return err
	}
	path := make([]*node, len(m.Flank))
	for level, id := range m.Flank {
		if path[level], err = t.loadLocked(level, id); err != nil {
			return err
		}
	}
	t.loadFlankLocked(path)
	if err := t.refreshStatsLocked(); err != nil {
		return err
	}
	if t.opts.ReadOnly {
		return nil
	}
	_, err = t.openSideLogLocked()
	return err
}

// recoverLocked opens a tree that was not closed cleanly.
func (t *Tree) recoverLocked() error {
	fs := t.opts.FS
	var w workMeta
	if err := readMeta(fs, t.workPath(), &w); err != nil {
		return err
	}
	if err := w.check(t.opts); err != nil {
		return err
	}
	t.mu.work = &w

	info := RecoveryInfo{Path: t.dirname}
	t.opts.EventListener.RecoveryBegin(info)
	start := time.Now()
	err := func() error {
		store, stats, err := blockstore.Recover(t.path(fileTypeContainer), t.opts.storeOptions())
		info.Store = stats
		if err != nil {
			return err
		}
		t.store = store
		if err := t.setupLocked(w.treeParams); err != nil {
			return err
		}
		if err := t.recoverFlankLocked(&w, &info); err != nil {
			return err
		}
		info.Replayed, err = t.openSideLogLocked()
		return err
	}()
	info.Duration = time.Since(start)
	info.Err = err
	t.recovery = info
	t.opts.EventListener.RecoveryEnd(info)
	return err
}

// openSideLogLocked queues the events of the side log and reopens it for
// appending. It returns the number of queued events.
func (t *Tree) openSideLogLocked() (int, error) {
	path := t.path(fileTypeSideLog)
	recs, err := readSideLog(t.opts.FS, path)
	if err != nil {
		return 0, err
	}
	if err := t.replaySideLogLocked(recs); err != nil {
		return 0, err
	}
	t.mu.log, err = createSideLog(t.opts.FS, path, recs)
	return len(recs), err
}
