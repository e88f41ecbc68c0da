// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cachekey

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// ErrInvalidPath is returned for a file path that is empty, absolute,
// escapes its root, or is not in clean slash-separated form.
var ErrInvalidPath = errors.New("invalid file path")

// File is one artifact file: a relative, slash-separated path and its
// content.
type File struct {
	Path string `cbor:"path"`
	Data []byte `cbor:"data"`
}

// Files is the content of one cache entry. Order is not significant
// for identity; Sorted gives the canonical order.
type Files []File

// TotalSize returns the sum of all file lengths. This is the size the
// storage engine charges against its budget.
func (files Files) TotalSize() int64 {
	var total int64
	for _, file := range files {
		total += int64(len(file.Data))
	}
	return total
}

// Sorted returns a copy of files ordered by path. File contents are
// shared with the receiver.
func (files Files) Sorted() Files {
	sorted := make(Files, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	return sorted
}

// Paths returns the file paths in canonical order.
func (files Files) Paths() []string {
	paths := make([]string, 0, len(files))
	for _, file := range files.Sorted() {
		paths = append(paths, file.Path)
	}
	return paths
}

// Equal reports whether both sets contain the same paths with
// byte-identical contents, regardless of order.
func (files Files) Equal(other Files) bool {
	if len(files) != len(other) {
		return false
	}
	left, right := files.Sorted(), other.Sorted()
	for i := range left {
		if left[i].Path != right[i].Path || !bytes.Equal(left[i].Data, right[i].Data) {
			return false
		}
	}
	return true
}

// Validate checks every path with [ValidatePath] and rejects
// duplicates and file/directory conflicts.
func (files Files) Validate() error {
	seen := make(map[string]struct{}, len(files))
	for _, file := range files {
		if err := ValidatePath(file.Path); err != nil {
			return err
		}
		if _, duplicate := seen[file.Path]; duplicate {
			return fmt.Errorf("%w: duplicate path %q", ErrInvalidPath, file.Path)
		}
		seen[file.Path] = struct{}{}
	}
	// A path cannot be both a file and the directory of another file.
	for filePath := range seen {
		for dir := path.Dir(filePath); dir != "."; dir = path.Dir(dir) {
			if _, conflict := seen[dir]; conflict {
				return fmt.Errorf("%w: %q is both a file and a directory", ErrInvalidPath, dir)
			}
		}
	}
	return nil
}

// ValidatePath accepts only clean, relative, slash-separated paths that
// stay inside their root: "textures/a.png" is valid, "/a", "../a",
// "a/../b", "a//b" and "" are not.
func ValidatePath(filePath string) error {
	switch {
	case filePath == "":
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	case strings.Contains(filePath, "\\"):
		return fmt.Errorf("%w: %q contains a backslash", ErrInvalidPath, filePath)
	case strings.ContainsRune(filePath, 0):
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidPath, filePath)
	case path.IsAbs(filePath):
		return fmt.Errorf("%w: %q is absolute", ErrInvalidPath, filePath)
	case path.Clean(filePath) != filePath:
		return fmt.Errorf("%w: %q is not clean", ErrInvalidPath, filePath)
	case filePath == ".." || strings.HasPrefix(filePath, "../") || filePath == ".":
		return fmt.Errorf("%w: %q escapes its root", ErrInvalidPath, filePath)
	}
	return nil
}
