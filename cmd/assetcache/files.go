// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/assetcache/lib/cachekey"
)

// addPath adds path to entry: a regular file under its base name, a
// directory as every regular file below it under its path relative to
// the directory.
func addPath(entry *cachekey.Entry, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return entry.AddFile(path)
	}
	return filepath.WalkDir(path, func(current string, dirEntry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !dirEntry.Type().IsRegular() {
			return nil
		}
		relative, err := filepath.Rel(path, current)
		if err != nil {
			return err
		}
		return entry.AddFileAs(filepath.ToSlash(relative), current)
	})
}

// writeFiles writes files below dir, creating directories as needed.
// Paths were validated by the protocol layer, so none escapes dir.
func writeFiles(dir string, files cachekey.Files) error {
	for _, file := range files {
		target := filepath.Join(dir, filepath.FromSlash(file.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", file.Path, err)
		}
		if err := os.WriteFile(target, file.Data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", file.Path, err)
		}
	}
	return nil
}
