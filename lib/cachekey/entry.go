// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cachekey

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoPrimary is returned by Seal when no primary hash has been set.
var ErrNoPrimary = errors.New("primary hash not set")

// Entry accumulates what a build task wants to cache: the ordered
// parameters of the transformation, the files it produced, and the
// primary hash of its inputs. Seal turns that state into a Key.
//
// An Entry is owned by one build task and is not safe for concurrent
// use.
type Entry struct {
	params     []string
	files      Files
	primary    Hash
	hasPrimary bool
	key        Key
	sealed     bool
}

// NewEntry returns an empty Entry.
func NewEntry() *Entry {
	return &Entry{}
}

// AddParam appends a transformation parameter (tool name, version,
// flag). Parameters are hashed in the order added.
func (e *Entry) AddParam(param string) {
	e.params = append(e.params, param)
	e.unseal()
}

// AddFileData adds an in-memory file under a relative path.
func (e *Entry) AddFileData(name string, data []byte) error {
	if err := ValidatePath(name); err != nil {
		return err
	}
	for _, existing := range e.files {
		if existing.Path == name {
			return fmt.Errorf("%w: duplicate path %q", ErrInvalidPath, name)
		}
	}
	e.files = append(e.files, File{Path: name, Data: data})
	e.unseal()
	return nil
}

// AddFile reads the file at path and adds it under its base name.
func (e *Entry) AddFile(path string) error {
	return e.AddFileAs(filepath.Base(path), path)
}

// AddFileAs reads the file at path and adds it under name.
func (e *Entry) AddFileAs(name, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return e.AddFileData(name, data)
}

// SetPrimary sets the primary hash, normally the [HashDirectory] digest
// of the build inputs.
func (e *Entry) SetPrimary(primary Hash) {
	e.primary = primary
	e.hasPrimary = true
	e.unseal()
}

// SetPrimaryFromDirectory hashes dir with [HashDirectory] and uses the
// result as the primary hash.
func (e *Entry) SetPrimaryFromDirectory(dir string) error {
	primary, err := HashDirectory(dir)
	if err != nil {
		return fmt.Errorf("hashing input directory: %w", err)
	}
	e.SetPrimary(primary)
	return nil
}

// Seal computes the secondary hash from the accumulated parameters and
// publishes the complete key.
func (e *Entry) Seal() (Key, error) {
	if !e.hasPrimary {
		return Key{}, ErrNoPrimary
	}
	e.key = NewKey(e.primary, HashParams(e.params))
	e.sealed = true
	return e.key, nil
}

// Key returns the sealed key and whether the entry is currently sealed.
func (e *Entry) Key() (Key, bool) {
	return e.key, e.sealed
}

// Params returns a copy of the parameters in order.
func (e *Entry) Params() []string {
	return append([]string(nil), e.params...)
}

// Files returns the accumulated files. The slice is shared; callers
// must not modify it.
func (e *Entry) Files() Files {
	return e.files
}

func (e *Entry) unseal() {
	e.key = Key{}
	e.sealed = false
}
