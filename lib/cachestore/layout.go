// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cachestore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/assetcache/lib/cachekey"
	"github.com/bureau-foundation/assetcache/lib/codec"
)

// Directory and file names within the store root.
//
//	<root>/LOCK
//	<root>/index.cbor
//	<root>/entries/<primary hex[:2]>/<primary hex><secondary hex>-<generation>/
//	    manifest.cbor
//	    files/<relative path>
//	<root>/staging/   entries being written, never referenced by the index
//	<root>/trash/     entries unlinked from the index, awaiting deletion
const (
	indexFileName    = "index.cbor"
	entriesDir       = "entries"
	stagingDir       = "staging"
	trashDir         = "trash"
	manifestFileName = "manifest.cbor"
	filesDir         = "files"
)

// manifestVersion is bumped on incompatible manifest changes.
const manifestVersion = 1

// manifest describes one stored entry. It lives inside the entry
// directory so a lost index can be rebuilt from the entries alone.
type manifest struct {
	Version    int            `cbor:"version"`
	Key        cachekey.Key   `cbor:"key"`
	Generation uint64         `cbor:"generation"`
	Digest     cachekey.Hash  `cbor:"digest"`
	Size       int64          `cbor:"size"`
	Files      []manifestFile `cbor:"files"`
}

type manifestFile struct {
	Path        string        `cbor:"path"`
	Size        int64         `cbor:"size"`
	Compression Compression   `cbor:"compression"`
	Hash        cachekey.Hash `cbor:"hash"`
}

// entryDirName is the per-key directory name for one generation of an
// entry. A rewrite of the same key gets a new generation, so the new
// files are published beside the old ones and the index flips between
// them in one step.
func entryDirName(key cachekey.Key, generation uint64) string {
	return cachekey.FormatHash(key.Primary) + cachekey.FormatHash(key.Secondary) + "-" + strconv.FormatUint(generation, 10)
}

// entryRelativePath returns the path of an entry directory relative to
// <root>/entries, sharded by the first byte of the primary hash.
func entryRelativePath(key cachekey.Key, generation uint64) string {
	return filepath.Join(cachekey.FormatHash(key.Primary)[:2], entryDirName(key, generation))
}

// parseEntryDirName extracts the generation from an entry directory
// name, for orphan detection.
func parseEntryDirName(name string) (generation uint64, ok bool) {
	base, generationText, found := strings.Cut(name, "-")
	if !found || len(base) != 4*cachekey.HashSize {
		return 0, false
	}
	generation, err := strconv.ParseUint(generationText, 10, 64)
	if err != nil {
		return 0, false
	}
	return generation, true
}

// writeEntry encodes files into dir (which must exist and be empty)
// and writes the manifest last. Files are encoded and written with
// bounded parallelism.
func writeEntry(dir string, key cachekey.Key, generation uint64, files cachekey.Files, policy Compression, concurrency int) (*manifest, error) {
	entries := make([]manifestFile, len(files))

	var group errgroup.Group
	group.SetLimit(concurrency)
	for i, file := range files {
		group.Go(func() error {
			encoded, tag, err := encodeFile(file.Path, file.Data, policy)
			if err != nil {
				return fmt.Errorf("encoding %s: %w", file.Path, err)
			}
			target := filepath.Join(dir, filesDir, filepath.FromSlash(file.Path))
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("creating directory for %s: %w", file.Path, err)
			}
			if err := os.WriteFile(target, encoded, 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", file.Path, err)
			}
			entries[i] = manifestFile{
				Path:        file.Path,
				Size:        int64(len(file.Data)),
				Compression: tag,
				Hash:        cachekey.HashContent(file.Data),
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	entryManifest := &manifest{
		Version:    manifestVersion,
		Key:        key,
		Generation: generation,
		Digest:     cachekey.HashFiles(files),
		Size:       files.TotalSize(),
		Files:      entries,
	}
	if err := writeFileAtomic(filepath.Join(dir, manifestFileName), entryManifest); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}
	return entryManifest, nil
}

// readManifest loads and sanity-checks an entry manifest.
func readManifest(dir string) (*manifest, error) {
	file, err := os.Open(filepath.Join(dir, manifestFileName))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	var entryManifest manifest
	if err := codec.NewDecoder(file).Decode(&entryManifest); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if entryManifest.Version != manifestVersion {
		return nil, fmt.Errorf("manifest version %d, want %d", entryManifest.Version, manifestVersion)
	}
	return &entryManifest, nil
}

// readEntry loads every file listed in the manifest, decodes it, and
// verifies its content hash. Any mismatch is reported as corruption.
func readEntry(dir string, entryManifest *manifest, concurrency int) (cachekey.Files, error) {
	files := make(cachekey.Files, len(entryManifest.Files))

	var group errgroup.Group
	group.SetLimit(concurrency)
	for i, stored := range entryManifest.Files {
		group.Go(func() error {
			if err := cachekey.ValidatePath(stored.Path); err != nil {
				return corruptError("manifest path", err)
			}
			encoded, err := os.ReadFile(filepath.Join(dir, filesDir, filepath.FromSlash(stored.Path)))
			if err != nil {
				if os.IsNotExist(err) {
					return corruptError("reading "+stored.Path, err)
				}
				return ioError("reading "+stored.Path, err)
			}
			data, err := decodeFile(encoded, stored.Compression, stored.Size)
			if err != nil {
				return corruptError("decoding "+stored.Path, err)
			}
			if cachekey.HashContent(data) != stored.Hash {
				return corruptError("verifying "+stored.Path, fmt.Errorf("content hash mismatch"))
			}
			files[i] = cachekey.File{Path: stored.Path, Data: data}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

// writeFileAtomic encodes value as CBOR into a temporary file beside
// path, syncs it, and renames it over path.
func writeFileAtomic(path string, value any) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := codec.NewEncoder(tmpFile).Encode(value); err != nil {
		tmpFile.Close()
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	success = true
	return nil
}
