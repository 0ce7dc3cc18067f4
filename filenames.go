// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package flank

import (
	"strings"

	"github.com/tsindex/flank/vfs"
)

type fileType int

const (
	fileTypeContainer fileType = iota
	fileTypeMeta
	fileTypeMetaWork
	fileTypeSideLog
)

var fileTypeSuffixes = [...]string{
	fileTypeContainer: ".flank",
	fileTypeMeta:      ".meta",
	fileTypeMetaWork:  ".meta-work",
	fileTypeSideLog:   ".ooo",
}

// makeFilename returns the name of the file of the given type belonging to
// the tree called name.
func makeFilename(name string, ft fileType) string {
	return name + fileTypeSuffixes[ft]
}

// makeFilepath returns the path of the file of the given type belonging to
// the tree called name in dirname.
func makeFilepath(fs vfs.FS, dirname, name string, ft fileType) string {
	return fs.PathJoin(dirname, makeFilename(name, ft))
}

// parseFilename returns the tree name and file type of a file written by a
// tree. Temporary files are not recognized.
func parseFilename(fs vfs.FS, filename string) (name string, ft fileType, ok bool) {
	filename = fs.PathBase(filename)
	// Longer suffixes first so that ".meta-work" is not mistaken for ".meta".
	for _, t := range []fileType{fileTypeMetaWork, fileTypeContainer, fileTypeMeta, fileTypeSideLog} {
		if s := fileTypeSuffixes[t]; strings.HasSuffix(filename, s) && len(filename) > len(s) {
			return filename[:len(filename)-len(s)], t, true
		}
	}
	return "", 0, false
}
