// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
)

const sep = "/"

// NewMem returns a new memory-backed FS implementation.
func NewMem() *MemFS {
	fs := &MemFS{}
	fs.mu.files = make(map[string]*memNode)
	fs.mu.dirs = map[string]struct{}{sep: {}}
	return fs
}

// NewCrashableMem returns a memory-backed FS implementation that supports the
// CrashClone() method. This method can be used to obtain a copy of the FS
// after a simulated crash, where only data that was synced survives.
//
// Expected usage:
//
//	fs := NewCrashableMem()
//	t, _ := flank.Open("events", &Options{FS: fs})
//	// Insert and flush.
//	crashedFS := fs.CrashClone()
//	t, _ = flank.Open("events", &Options{FS: crashedFS})
func NewCrashableMem() *MemFS {
	fs := NewMem()
	fs.crashable = true
	fs.mu.durable = make(map[string]*memNode)
	return fs
}

// MemFS implements FS.
type MemFS struct {
	mu struct {
		sync.Mutex
		// files maps cleaned absolute paths to file nodes.
		files map[string]*memNode
		dirs  map[string]struct{}
		// durable is the namespace as of the last directory sync, plus any
		// file that was individually synced since. Only maintained when
		// crashable.
		durable map[string]*memNode
	}
	crashable bool
}

var _ FS = (*MemFS)(nil)

type memNode struct {
	mu struct {
		sync.Mutex
		data       []byte
		syncedData []byte
		modTime    time.Time
	}
}

func clean(name string) string {
	if !strings.HasPrefix(name, sep) {
		name = sep + name
	}
	return path.Clean(name)
}

// String dumps the contents of the MemFS.
func (y *MemFS) String() string {
	y.mu.Lock()
	defer y.mu.Unlock()
	names := make([]string, 0, len(y.mu.files))
	for name := range y.mu.files {
		names = append(names, name)
	}
	slices.Sort(names)
	var buf bytes.Buffer
	for _, name := range names {
		n := y.mu.files[name]
		n.mu.Lock()
		fmt.Fprintf(&buf, "%s %d\n", name, len(n.mu.data))
		n.mu.Unlock()
	}
	return buf.String()
}

// CrashClone returns a new MemFS holding the state a process restarting after
// a crash would observe: files named in the durable namespace, each holding
// only the data present at its last Sync.
func (y *MemFS) CrashClone() *MemFS {
	if !y.crashable {
		panic(errors.AssertionFailedf("not a crashable MemFS"))
	}
	y.mu.Lock()
	defer y.mu.Unlock()
	c := NewCrashableMem()
	for dir := range y.mu.dirs {
		c.mu.dirs[dir] = struct{}{}
	}
	for name, n := range y.mu.durable {
		n.mu.Lock()
		cn := &memNode{}
		cn.mu.data = slices.Clone(n.mu.syncedData)
		cn.mu.syncedData = slices.Clone(n.mu.syncedData)
		cn.mu.modTime = n.mu.modTime
		n.mu.Unlock()
		c.mu.files[name] = cn
		c.mu.durable[name] = cn
	}
	return c
}

func (y *MemFS) checkParent(name string) error {
	if _, ok := y.mu.dirs[path.Dir(name)]; !ok {
		return &os.PathError{Op: "open", Path: name, Err: oserror.ErrNotExist}
	}
	return nil
}

// Create implements FS.Create.
func (y *MemFS) Create(fullname string) (File, error) {
	name := clean(fullname)
	y.mu.Lock()
	defer y.mu.Unlock()
	if err := y.checkParent(name); err != nil {
		return nil, err
	}
	n := &memNode{}
	n.mu.modTime = time.Now()
	y.mu.files[name] = n
	return &memFile{name: name, fs: y, n: n, read: true, write: true}, nil
}

// Open implements FS.Open.
func (y *MemFS) Open(fullname string) (File, error) {
	name := clean(fullname)
	y.mu.Lock()
	defer y.mu.Unlock()
	n, ok := y.mu.files[name]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: fullname, Err: oserror.ErrNotExist}
	}
	return &memFile{name: name, fs: y, n: n, read: true}, nil
}

// OpenReadWrite implements FS.OpenReadWrite.
func (y *MemFS) OpenReadWrite(fullname string) (File, error) {
	name := clean(fullname)
	y.mu.Lock()
	defer y.mu.Unlock()
	n, ok := y.mu.files[name]
	if !ok {
		if err := y.checkParent(name); err != nil {
			return nil, err
		}
		n = &memNode{}
		n.mu.modTime = time.Now()
		y.mu.files[name] = n
	}
	return &memFile{name: name, fs: y, n: n, read: true, write: true}, nil
}

// OpenDir implements FS.OpenDir.
func (y *MemFS) OpenDir(fullname string) (File, error) {
	name := clean(fullname)
	y.mu.Lock()
	defer y.mu.Unlock()
	if _, ok := y.mu.dirs[name]; !ok {
		return nil, &os.PathError{Op: "open", Path: fullname, Err: oserror.ErrNotExist}
	}
	return &memFile{name: name, fs: y, dir: true}, nil
}

// Remove implements FS.Remove.
func (y *MemFS) Remove(fullname string) error {
	name := clean(fullname)
	y.mu.Lock()
	defer y.mu.Unlock()
	if _, ok := y.mu.files[name]; ok {
		delete(y.mu.files, name)
		return nil
	}
	if _, ok := y.mu.dirs[name]; ok {
		for f := range y.mu.files {
			if path.Dir(f) == name {
				return errors.Errorf("flank/vfs: directory %q not empty", fullname)
			}
		}
		delete(y.mu.dirs, name)
		return nil
	}
	return &os.PathError{Op: "remove", Path: fullname, Err: oserror.ErrNotExist}
}

// Rename implements FS.Rename.
func (y *MemFS) Rename(oldname, newname string) error {
	from, to := clean(oldname), clean(newname)
	y.mu.Lock()
	defer y.mu.Unlock()
	n, ok := y.mu.files[from]
	if !ok {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: oserror.ErrNotExist}
	}
	if err := y.checkParent(to); err != nil {
		return err
	}
	delete(y.mu.files, from)
	y.mu.files[to] = n
	return nil
}

// MkdirAll implements FS.MkdirAll.
func (y *MemFS) MkdirAll(dirname string, perm os.FileMode) error {
	name := clean(dirname)
	y.mu.Lock()
	defer y.mu.Unlock()
	for d := name; ; d = path.Dir(d) {
		if _, ok := y.mu.files[d]; ok {
			return errors.Errorf("flank/vfs: %q is a file", d)
		}
		y.mu.dirs[d] = struct{}{}
		if d == sep {
			return nil
		}
	}
}

// List implements FS.List.
func (y *MemFS) List(dirname string) ([]string, error) {
	name := clean(dirname)
	y.mu.Lock()
	defer y.mu.Unlock()
	if _, ok := y.mu.dirs[name]; !ok {
		return nil, &os.PathError{Op: "open", Path: dirname, Err: oserror.ErrNotExist}
	}
	var names []string
	for f := range y.mu.files {
		if path.Dir(f) == name {
			names = append(names, path.Base(f))
		}
	}
	for d := range y.mu.dirs {
		if d != name && path.Dir(d) == name {
			names = append(names, path.Base(d))
		}
	}
	slices.Sort(names)
	return names, nil
}

// Stat implements FS.Stat.
func (y *MemFS) Stat(fullname string) (os.FileInfo, error) {
	name := clean(fullname)
	y.mu.Lock()
	defer y.mu.Unlock()
	if n, ok := y.mu.files[name]; ok {
		return n.stat(path.Base(name)), nil
	}
	if _, ok := y.mu.dirs[name]; ok {
		return &memFileInfo{name: path.Base(name), isDir: true}, nil
	}
	return nil, &os.PathError{Op: "stat", Path: fullname, Err: oserror.ErrNotExist}
}

// PathBase implements FS.PathBase.
func (*MemFS) PathBase(p string) string {
	// Note that MemFS uses forward slashes for its separator, hence the use of
	// path.Base, not filepath.Base.
	return path.Base(p)
}

// PathJoin implements FS.PathJoin.
func (*MemFS) PathJoin(elem ...string) string {
	return path.Join(elem...)
}

// PathDir implements FS.PathDir.
func (*MemFS) PathDir(p string) string {
	return path.Dir(p)
}

// syncDir makes the current namespace under dir durable.
func (y *MemFS) syncDir(dir string) {
	if !y.crashable {
		return
	}
	y.mu.Lock()
	defer y.mu.Unlock()
	for name := range y.mu.durable {
		if path.Dir(name) == dir {
			if _, ok := y.mu.files[name]; !ok {
				delete(y.mu.durable, name)
			}
		}
	}
	for name, n := range y.mu.files {
		if path.Dir(name) == dir {
			y.mu.durable[name] = n
		}
	}
}

// syncFile records that name refers to n in the durable namespace. A synced
// file is treated as having a durable directory entry.
func (y *MemFS) syncFile(name string, n *memNode) {
	if !y.crashable {
		return
	}
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.mu.files[name] == n {
		y.mu.durable[name] = n
	}
}

func (n *memNode) stat(name string) os.FileInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return &memFileInfo{name: name, size: int64(len(n.mu.data)), modTime: n.mu.modTime}
}

// memFile is a reader or writer of a node's data. Implements File.
type memFile struct {
	name        string
	fs          *MemFS
	n           *memNode
	dir         bool
	pos         int64
	read, write bool
	closed      bool
}

var _ File = (*memFile)(nil)

func (f *memFile) Close() error {
	if f.closed {
		return errors.Errorf("flank/vfs: file %q already closed", f.name)
	}
	f.closed = true
	return nil
}

func (f *memFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if f.dir || !f.read {
		return 0, errors.New("flank/vfs: file was not opened for reading")
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	if off >= int64(len(f.n.mu.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.n.mu.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	n, err := f.WriteAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	if f.dir || !f.write {
		return 0, errors.New("flank/vfs: file was not created for writing")
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	f.n.mu.modTime = time.Now()
	if end := off + int64(len(p)); end > int64(len(f.n.mu.data)) {
		if end <= int64(cap(f.n.mu.data)) {
			oldLen := len(f.n.mu.data)
			f.n.mu.data = f.n.mu.data[:end]
			clear(f.n.mu.data[oldLen:])
		} else {
			grown := make([]byte, end, max(end, 2*int64(cap(f.n.mu.data))))
			copy(grown, f.n.mu.data)
			f.n.mu.data = grown
		}
	}
	copy(f.n.mu.data[off:], p)
	return len(p), nil
}

func (f *memFile) Stat() (os.FileInfo, error) {
	if f.dir {
		return &memFileInfo{name: path.Base(f.name), isDir: true}, nil
	}
	return f.n.stat(path.Base(f.name)), nil
}

func (f *memFile) Sync() error {
	if f.dir {
		f.fs.syncDir(f.name)
		return nil
	}
	if f.fs.crashable {
		f.n.mu.Lock()
		f.n.mu.syncedData = slices.Clone(f.n.mu.data)
		f.n.mu.Unlock()
		f.fs.syncFile(f.name, f.n)
	}
	return nil
}

func (f *memFile) Truncate(size int64) error {
	if f.dir || !f.write {
		return errors.New("flank/vfs: file was not created for writing")
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	if size <= int64(len(f.n.mu.data)) {
		f.n.mu.data = f.n.mu.data[:size]
	} else {
		f.n.mu.data = append(f.n.mu.data, make([]byte, size-int64(len(f.n.mu.data)))...)
	}
	f.n.mu.modTime = time.Now()
	return nil
}

// memFileInfo implements os.FileInfo for a memFile.
type memFileInfo struct {
	name    string
	size    int64
	modTime time.Time
	isDir   bool
}

var _ os.FileInfo = (*memFileInfo)(nil)

func (f *memFileInfo) Name() string       { return f.name }
func (f *memFileInfo) Size() int64        { return f.size }
func (f *memFileInfo) ModTime() time.Time { return f.modTime }
func (f *memFileInfo) IsDir() bool        { return f.isDir }
func (f *memFileInfo) Sys() interface{}   { return nil }

func (f *memFileInfo) Mode() os.FileMode {
	if f.isDir {
		return os.ModeDir | 0755
	}
	return 0755
}
