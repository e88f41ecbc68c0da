// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cachestore

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/assetcache/lib/cachekey"
	"github.com/bureau-foundation/assetcache/lib/codec"
)

// indexVersion is bumped on incompatible index format changes. An
// index with another version is discarded and rebuilt from manifests.
const indexVersion = 1

// record is the engine's bookkeeping for one live entry. Records never
// leave this package; callers see EntryInfo copies.
type record struct {
	key        cachekey.Key
	size       int64
	fileCount  int
	generation uint64
	digest     cachekey.Hash

	// sequence is the recency marker: a store-wide counter bumped on
	// every insert and fetch. It is strictly increasing, so two
	// records never tie.
	sequence   uint64
	insertedAt time.Time
	accessedAt time.Time

	// element is this record's node in Store.recency.
	element *list.Element
}

func (r *record) relativePath() string {
	return entryRelativePath(r.key, r.generation)
}

// indexFile is the on-disk form of the index. Records are stored
// least recently used first.
type indexFile struct {
	Version    int           `cbor:"version"`
	Sequence   uint64        `cbor:"sequence"`
	Generation uint64        `cbor:"generation"`
	Evictions  uint64        `cbor:"evictions"`
	Records    []indexRecord `cbor:"records"`
}

type indexRecord struct {
	Key        cachekey.Key  `cbor:"key"`
	Size       int64         `cbor:"size"`
	FileCount  int           `cbor:"file_count"`
	Generation uint64        `cbor:"generation"`
	Digest     cachekey.Hash `cbor:"digest"`
	Sequence   uint64        `cbor:"sequence"`
	InsertedAt int64         `cbor:"inserted_at"`
	AccessedAt int64         `cbor:"accessed_at"`
}

func (r *record) toIndex() indexRecord {
	return indexRecord{
		Key:        r.key,
		Size:       r.size,
		FileCount:  r.fileCount,
		Generation: r.generation,
		Digest:     r.digest,
		Sequence:   r.sequence,
		InsertedAt: r.insertedAt.UnixNano(),
		AccessedAt: r.accessedAt.UnixNano(),
	}
}

func fromIndex(stored indexRecord) *record {
	return &record{
		key:        stored.Key,
		size:       stored.Size,
		fileCount:  stored.FileCount,
		generation: stored.Generation,
		digest:     stored.Digest,
		sequence:   stored.Sequence,
		insertedAt: time.Unix(0, stored.InsertedAt),
		accessedAt: time.Unix(0, stored.AccessedAt),
	}
}

func fromManifest(entryManifest *manifest, modified time.Time) *record {
	return &record{
		key:        entryManifest.Key,
		size:       entryManifest.Size,
		fileCount:  len(entryManifest.Files),
		generation: entryManifest.Generation,
		digest:     entryManifest.Digest,
		insertedAt: modified,
		accessedAt: modified,
	}
}

// loadIndex reads the index file. A missing file returns (nil, nil).
func loadIndex(path string) (*indexFile, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()
	var index indexFile
	if err := codec.NewDecoder(file).Decode(&index); err != nil {
		return nil, fmt.Errorf("decoding index: %w", err)
	}
	if index.Version != indexVersion {
		return nil, fmt.Errorf("index version %d, want %d", index.Version, indexVersion)
	}
	return &index, nil
}

// scanEntryDirs lists entry directories on disk as paths relative to
// the entries directory ("3f/3f...-12").
func scanEntryDirs(entriesPath string) ([]string, error) {
	shards, err := os.ReadDir(entriesPath)
	if err != nil {
		return nil, err
	}
	var found []string
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		children, err := os.ReadDir(filepath.Join(entriesPath, shard.Name()))
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			found = append(found, filepath.Join(shard.Name(), child.Name()))
		}
	}
	return found, nil
}
