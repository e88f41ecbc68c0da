// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package cachestore

import (
	"cmp"
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/assetcache/lib/cachekey"
	"github.com/bureau-foundation/assetcache/lib/clock"
)

// DefaultConcurrency bounds parallel file encoding and decoding within
// one Insert or Fetch.
const DefaultConcurrency = 4

// Config configures a Store.
type Config struct {
	// Root is the directory that holds the store. It is created if it
	// does not exist, and must not be shared with another Store.
	Root string

	// MaxBytes is the budget for the total logical (uncompressed) size
	// of all live entries. Inserts evict least recently used entries
	// to stay within it.
	MaxBytes int64

	// Compression is the on-disk encoding policy for new entries.
	// The zero value stores files uncompressed.
	Compression Compression

	// Concurrency bounds parallel file I/O per operation. Defaults to
	// DefaultConcurrency.
	Concurrency int

	// Clock stamps insert and access times. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives eviction and recovery events. Defaults to a
	// discarding logger.
	Logger *slog.Logger
}

// Stats is a point-in-time summary of a store.
type Stats struct {
	Entries    int
	TotalBytes int64
	MaxBytes   int64
	Evictions  uint64
}

// EntryInfo describes one live entry, for administrative listing.
type EntryInfo struct {
	Key        cachekey.Key
	Size       int64
	FileCount  int
	InsertedAt time.Time
	AccessedAt time.Time
}

// Store is a size-bounded, content-addressed entry store backed by a
// directory. Each entry lives in its own directory and the index maps
// keys to those directories.
//
// Every mutation of the index (insert, evict, remove, recency touch)
// happens under one exclusive lock; Contains and the lookup half of
// Fetch share a read lock. File I/O for an insert or fetch happens
// outside the index lock, guarded instead by a per-key lock: inserts
// of different keys write concurrently, inserts of one key serialize,
// and a reader holds its key for the whole read so it never sees a
// mix of old and new files.
//
// New entries are written to a staging directory, renamed into place,
// and only then added to the index, whose file is replaced atomically.
// The index therefore never references partial data, even across a
// crash; leftovers are cleaned up by the next Open.
type Store struct {
	config Config
	logger *slog.Logger
	clock  clock.Clock
	lock   *dirLock

	entriesPath string
	stagingPath string
	trashPath   string
	indexPath   string

	keys *keyLocks

	// mu guards everything below.
	mu         sync.RWMutex
	records    map[cachekey.Key]*record
	recency    *list.List // of *record, most recently used at the front
	totalBytes int64
	sequence   uint64
	generation uint64
	evictions  uint64
	dirty      bool // recency touched since the index was last written
	closed     bool
}

// Open opens or creates the store at config.Root, takes exclusive
// ownership of the directory, and recovers from any previous unclean
// shutdown: staging leftovers are deleted, index records whose files
// are missing are dropped, and entry directories the index does not
// reference are removed. A missing or unreadable index is rebuilt from
// the entry manifests. If the recovered entries exceed MaxBytes (the
// budget was lowered), the least recently used are evicted.
func Open(config Config) (*Store, error) {
	if config.Root == "" {
		return nil, fmt.Errorf("store root is required")
	}
	if config.MaxBytes <= 0 {
		return nil, fmt.Errorf("store budget must be positive, got %d", config.MaxBytes)
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	store := &Store{
		config:      config,
		logger:      logger,
		clock:       config.Clock,
		entriesPath: filepath.Join(config.Root, entriesDir),
		stagingPath: filepath.Join(config.Root, stagingDir),
		trashPath:   filepath.Join(config.Root, trashDir),
		indexPath:   filepath.Join(config.Root, indexFileName),
		keys:        newKeyLocks(),
		records:     make(map[cachekey.Key]*record),
		recency:     list.New(),
	}

	if err := os.MkdirAll(config.Root, 0o755); err != nil {
		return nil, ioError("creating store root", err)
	}
	lock, err := acquireDirLock(config.Root)
	if err != nil {
		return nil, err
	}
	store.lock = lock

	if err := store.recover(); err != nil {
		lock.release()
		return nil, err
	}

	logger.Info("store opened",
		"root", config.Root,
		"entries", len(store.records),
		"total_bytes", store.totalBytes,
		"max_bytes", config.MaxBytes,
	)
	return store, nil
}

// recover rebuilds the in-memory index from disk. Called only from
// Open, before the store is shared.
func (s *Store) recover() error {
	for _, dir := range []string{s.stagingPath, s.trashPath} {
		if err := os.RemoveAll(dir); err != nil {
			return ioError("clearing "+filepath.Base(dir), err)
		}
	}
	for _, dir := range []string{s.entriesPath, s.stagingPath, s.trashPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ioError("creating "+filepath.Base(dir), err)
		}
	}

	onDisk, err := scanEntryDirs(s.entriesPath)
	if err != nil {
		return ioError("scanning entries", err)
	}
	unreferenced := make(map[string]bool, len(onDisk))
	for _, relative := range onDisk {
		unreferenced[relative] = true
	}

	index, err := loadIndex(s.indexPath)
	if err != nil {
		s.logger.Warn("index unreadable, rebuilding from entry manifests", "error", err)
		index = nil
	}

	var recovered []*record
	if index != nil {
		s.sequence = index.Sequence
		s.generation = index.Generation
		s.evictions = index.Evictions
		for _, stored := range index.Records {
			candidate := fromIndex(stored)
			relative := candidate.relativePath()
			if !unreferenced[relative] {
				s.logger.Warn("dropping index record with missing files", "key", candidate.key.String())
				continue
			}
			if entryManifest, err := readManifest(filepath.Join(s.entriesPath, relative)); err != nil || entryManifest.Key != candidate.key {
				s.logger.Warn("dropping index record with unreadable manifest", "key", candidate.key.String(), "error", err)
				continue
			}
			delete(unreferenced, relative)
			recovered = append(recovered, candidate)
		}
	} else {
		recovered = s.rebuildFromManifests(unreferenced)
	}

	for relative := range unreferenced {
		s.logger.Info("removing unreferenced entry directory", "path", relative)
		if err := os.RemoveAll(filepath.Join(s.entriesPath, relative)); err != nil {
			return ioError("removing unreferenced entry", err)
		}
	}

	// Index records are stored least recently used first, so pushing
	// each to the front leaves the most recent at the front.
	for _, candidate := range recovered {
		if existing, ok := s.records[candidate.key]; ok {
			s.recency.Remove(existing.element)
			s.totalBytes -= existing.size
		}
		candidate.element = s.recency.PushFront(candidate)
		s.records[candidate.key] = candidate
		s.totalBytes += candidate.size
		if candidate.sequence > s.sequence {
			s.sequence = candidate.sequence
		}
		if candidate.generation > s.generation {
			s.generation = candidate.generation
		}
	}

	for s.totalBytes > s.config.MaxBytes {
		oldest := s.recency.Back().Value.(*record)
		s.logger.Info("evicting entry over reduced budget", "key", oldest.key.String(), "size", oldest.size)
		s.unlinkLocked(oldest)
		s.evictions++
		s.discard(oldest.relativePath())
	}

	if err := s.persistLocked(nil, nil); err != nil {
		return ioError("writing recovered index", err)
	}
	return nil
}

// rebuildFromManifests recovers records from entry directories when no
// usable index exists. Directories it uses are removed from
// unreferenced; for a key with several generations only the newest is
// kept. Recency order falls back to generation order.
func (s *Store) rebuildFromManifests(unreferenced map[string]bool) []*record {
	newest := make(map[cachekey.Key]*record)
	newestPath := make(map[cachekey.Key]string)
	for relative := range unreferenced {
		dir := filepath.Join(s.entriesPath, relative)
		generation, ok := parseEntryDirName(filepath.Base(relative))
		if !ok {
			continue
		}
		entryManifest, err := readManifest(dir)
		if err != nil || entryManifest.Generation != generation {
			continue
		}
		modified := s.clock.Now()
		if info, err := os.Stat(dir); err == nil {
			modified = info.ModTime()
		}
		candidate := fromManifest(entryManifest, modified)
		if existing, ok := newest[candidate.key]; ok && existing.generation > candidate.generation {
			continue
		}
		newest[candidate.key] = candidate
		newestPath[candidate.key] = relative
	}

	recovered := make([]*record, 0, len(newest))
	for key, candidate := range newest {
		delete(unreferenced, newestPath[key])
		recovered = append(recovered, candidate)
	}
	slices.SortFunc(recovered, func(a, b *record) int {
		return cmp.Compare(a.generation, b.generation)
	})
	for _, candidate := range recovered {
		s.sequence++
		candidate.sequence = s.sequence
	}
	s.logger.Info("index rebuilt from manifests", "entries", len(recovered))
	return recovered
}

// Contains reports whether key has a live entry. It has no side
// effects: it does not count as a use for eviction purposes.
func (s *Store) Contains(key cachekey.Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	_, ok := s.records[key]
	return ok
}

// Insert stores files under key, replacing any previous entry for the
// key. If the store would exceed its budget, least recently used
// entries are evicted first; the eviction set is chosen before
// anything is removed, so a failed insert evicts nothing.
//
// Inserting content identical to the live entry only refreshes its
// recency. Errors: ErrCapacityExceeded if the entry alone is larger
// than the budget, ErrBusy if it only fits by evicting entries that
// are in use right now, cachekey.ErrInvalidPath for bad file paths,
// and ErrIO for disk failures.
func (s *Store) Insert(key cachekey.Key, files cachekey.Files) error {
	if key.IsZero() {
		return fmt.Errorf("inserting entry: zero key")
	}
	if err := files.Validate(); err != nil {
		return fmt.Errorf("inserting entry %s: %w", key.Short(), err)
	}
	size := files.TotalSize()
	if size > s.config.MaxBytes {
		return fmt.Errorf("%w: entry %s is %d bytes, budget is %d", ErrCapacityExceeded, key.Short(), size, s.config.MaxBytes)
	}

	lock := s.keys.get(key)
	lock.Lock()
	defer func() {
		lock.Unlock()
		s.keys.put(lock)
	}()

	digest := cachekey.HashFiles(files)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if existing, ok := s.records[key]; ok && existing.digest == digest && existing.size == size {
		s.touchLocked(existing)
		s.mu.Unlock()
		return nil
	}
	s.generation++
	generation := s.generation
	s.mu.Unlock()

	staging, err := os.MkdirTemp(s.stagingPath, "insert-*")
	if err != nil {
		return ioError("creating staging directory", err)
	}
	entryManifest, err := writeEntry(staging, key, generation, files, s.config.Compression, s.config.Concurrency)
	if err != nil {
		os.RemoveAll(staging)
		return ioError("writing entry "+key.Short(), err)
	}

	relative := entryRelativePath(key, generation)
	final := filepath.Join(s.entriesPath, relative)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		os.RemoveAll(staging)
		return ioError("creating entry shard", err)
	}
	if err := os.Rename(staging, final); err != nil {
		os.RemoveAll(staging)
		return ioError("publishing entry "+key.Short(), err)
	}

	s.mu.Lock()
	victims, victimLocks, err := s.planEvictionLocked(key, size)
	if err != nil {
		s.mu.Unlock()
		os.RemoveAll(final)
		return fmt.Errorf("inserting entry %s: %w", key.Short(), err)
	}

	now := s.clock.Now()
	inserted := &record{
		key:        key,
		size:       size,
		fileCount:  len(entryManifest.Files),
		generation: generation,
		digest:     digest,
		sequence:   s.sequence + 1,
		insertedAt: now,
		accessedAt: now,
	}
	previous := s.records[key]

	excluded := make(map[cachekey.Key]bool, len(victims)+1)
	excluded[key] = true
	for _, victim := range victims {
		excluded[victim.key] = true
	}
	if err := s.persistLocked(excluded, inserted); err != nil {
		s.mu.Unlock()
		s.releaseLocks(victimLocks)
		os.RemoveAll(final)
		return ioError("writing index", err)
	}

	s.sequence++
	for _, victim := range victims {
		s.unlinkLocked(victim)
		s.evictions++
	}
	if previous != nil {
		s.unlinkLocked(previous)
	}
	inserted.element = s.recency.PushFront(inserted)
	s.records[key] = inserted
	s.totalBytes += size
	s.dirty = false
	totalBytes := s.totalBytes
	s.mu.Unlock()

	for _, victim := range victims {
		s.logger.Info("evicted entry",
			"key", victim.key.String(),
			"size", victim.size,
			"last_access", victim.accessedAt,
		)
		s.discard(victim.relativePath())
	}
	s.releaseLocks(victimLocks)
	if previous != nil {
		s.discard(previous.relativePath())
	}

	s.logger.Debug("inserted entry",
		"key", key.String(),
		"size", size,
		"files", len(files),
		"replaced", previous != nil,
		"evicted", len(victims),
		"total_bytes", totalBytes,
	)
	return nil
}

// planEvictionLocked chooses the least recently used records whose
// removal makes room for size bytes under key. Chosen victims are
// returned write-locked. Records whose key is locked (being read or
// written) are skipped. Nothing is modified. Caller holds s.mu.
func (s *Store) planEvictionLocked(key cachekey.Key, size int64) ([]*record, []*keyLock, error) {
	excess := s.totalBytes + size - s.config.MaxBytes
	if previous, ok := s.records[key]; ok {
		excess -= previous.size
	}
	if excess <= 0 {
		return nil, nil, nil
	}

	var (
		victims     []*record
		victimLocks []*keyLock
		skippedBusy bool
	)
	for element := s.recency.Back(); element != nil && excess > 0; element = element.Prev() {
		candidate := element.Value.(*record)
		if candidate.key == key {
			continue
		}
		lock := s.keys.tryLock(candidate.key)
		if lock == nil {
			skippedBusy = true
			continue
		}
		victims = append(victims, candidate)
		victimLocks = append(victimLocks, lock)
		excess -= candidate.size
	}

	if excess > 0 {
		s.releaseLocks(victimLocks)
		if skippedBusy {
			return nil, nil, ErrBusy
		}
		return nil, nil, fmt.Errorf("%w: %d bytes over budget after evicting everything", ErrCapacityExceeded, excess)
	}
	return victims, victimLocks, nil
}

func (s *Store) releaseLocks(locks []*keyLock) {
	for _, lock := range locks {
		lock.Unlock()
		s.keys.put(lock)
	}
}

// Fetch returns the files stored under key and marks the entry as
// recently used. It returns ErrNotFound for an absent key. Stored data
// that fails verification is dropped from the index and reported as an
// error wrapping both ErrIO and ErrCorrupt.
func (s *Store) Fetch(key cachekey.Key) (cachekey.Files, error) {
	lock := s.keys.get(key)
	lock.RLock()
	defer func() {
		lock.RUnlock()
		s.keys.put(lock)
	}()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	found, ok := s.records[key]
	var generation uint64
	var digest cachekey.Hash
	if ok {
		generation = found.generation
		digest = found.digest
	}
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	files, err := s.readVerified(key, generation, digest)
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			s.logger.Error("dropping corrupt entry", "key", key.String(), "error", err)
			// The read lock excludes other writers of this key, and
			// unlinking takes only the index lock, so it is safe to
			// drop the record here.
			s.dropGeneration(key, generation)
		}
		return nil, err
	}

	s.mu.Lock()
	if current, ok := s.records[key]; ok && current.generation == generation && !s.closed {
		s.touchLocked(current)
	}
	s.mu.Unlock()
	return files, nil
}

// readVerified reads one generation of an entry from disk and checks
// it against the digest recorded in the index.
func (s *Store) readVerified(key cachekey.Key, generation uint64, digest cachekey.Hash) (cachekey.Files, error) {
	dir := filepath.Join(s.entriesPath, entryRelativePath(key, generation))
	entryManifest, err := readManifest(dir)
	if err != nil {
		return nil, corruptError("reading manifest for "+key.Short(), err)
	}
	if entryManifest.Key != key || entryManifest.Generation != generation {
		return nil, corruptError("reading manifest for "+key.Short(), fmt.Errorf("manifest belongs to %s generation %d", entryManifest.Key.Short(), entryManifest.Generation))
	}
	files, err := readEntry(dir, entryManifest, s.config.Concurrency)
	if err != nil {
		return nil, err
	}
	if cachekey.HashFiles(files) != digest {
		return nil, corruptError("verifying "+key.Short(), fmt.Errorf("entry digest mismatch"))
	}
	return files, nil
}

// dropGeneration removes key from the index if its live generation is
// still the given one. Used after a failed verification.
func (s *Store) dropGeneration(key cachekey.Key, generation uint64) {
	s.mu.Lock()
	current, ok := s.records[key]
	if !ok || current.generation != generation || s.closed {
		s.mu.Unlock()
		return
	}
	if err := s.persistLocked(map[cachekey.Key]bool{key: true}, nil); err != nil {
		s.mu.Unlock()
		s.logger.Error("writing index after dropping corrupt entry", "key", key.String(), "error", err)
		return
	}
	s.unlinkLocked(current)
	s.dirty = false
	s.mu.Unlock()
	s.discard(current.relativePath())
}

// Remove deletes the entry for key. Removing an absent key is not an
// error.
func (s *Store) Remove(key cachekey.Key) error {
	lock := s.keys.get(key)
	lock.Lock()
	defer func() {
		lock.Unlock()
		s.keys.put(lock)
	}()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	existing, ok := s.records[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if err := s.persistLocked(map[cachekey.Key]bool{key: true}, nil); err != nil {
		s.mu.Unlock()
		return ioError("writing index", err)
	}
	s.unlinkLocked(existing)
	s.dirty = false
	s.mu.Unlock()

	s.discard(existing.relativePath())
	s.logger.Info("removed entry", "key", key.String(), "size", existing.size)
	return nil
}

// Verify re-reads every entry and checks it against its manifest and
// content hashes, without counting as a use. Corrupt entries are
// dropped and their keys returned.
func (s *Store) Verify() ([]cachekey.Key, error) {
	var dropped []cachekey.Key
	for _, info := range s.Entries() {
		lock := s.keys.get(info.Key)
		lock.RLock()
		s.mu.RLock()
		current, ok := s.records[info.Key]
		closed := s.closed
		var generation uint64
		var digest cachekey.Hash
		if ok {
			generation, digest = current.generation, current.digest
		}
		s.mu.RUnlock()

		var err error
		if ok && !closed {
			_, err = s.readVerified(info.Key, generation, digest)
		}
		if err != nil && errors.Is(err, ErrCorrupt) {
			s.dropGeneration(info.Key, generation)
			dropped = append(dropped, info.Key)
			err = nil
		}
		lock.RUnlock()
		s.keys.put(lock)

		if closed {
			return dropped, ErrClosed
		}
		if err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}

// Stats returns current totals.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Entries:    len(s.records),
		TotalBytes: s.totalBytes,
		MaxBytes:   s.config.MaxBytes,
		Evictions:  s.evictions,
	}
}

// Entries lists live entries in eviction order: least recently used
// first.
func (s *Store) Entries() []EntryInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]EntryInfo, 0, len(s.records))
	for element := s.recency.Back(); element != nil; element = element.Prev() {
		current := element.Value.(*record)
		entries = append(entries, EntryInfo{
			Key:        current.key,
			Size:       current.size,
			FileCount:  current.fileCount,
			InsertedAt: current.insertedAt,
			AccessedAt: current.accessedAt,
		})
	}
	return entries
}

// Flush writes the index if recency changed since it was last
// written. Inserts and removals write the index themselves; Flush
// exists to persist access order from fetches.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.dirty {
		return nil
	}
	if err := s.persistLocked(nil, nil); err != nil {
		return ioError("writing index", err)
	}
	s.dirty = false
	return nil
}

// RunFlusher calls Flush every interval until ctx is cancelled.
func (s *Store) RunFlusher(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.Error("periodic index flush failed", "error", err)
			}
		}
	}
}

// Close flushes the index and releases the directory lock. Operations
// after Close fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	var flushErr error
	if s.dirty {
		if err := s.persistLocked(nil, nil); err != nil {
			flushErr = ioError("writing index", err)
		}
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.lock.release(); err != nil && flushErr == nil {
		return err
	}
	return flushErr
}

// touchLocked marks current as the most recently used record. Caller
// holds s.mu exclusively.
func (s *Store) touchLocked(current *record) {
	s.sequence++
	current.sequence = s.sequence
	current.accessedAt = s.clock.Now()
	s.recency.MoveToFront(current.element)
	s.dirty = true
}

// unlinkLocked removes a record from the in-memory index. Caller holds
// s.mu exclusively and has already persisted an index without it.
func (s *Store) unlinkLocked(current *record) {
	s.recency.Remove(current.element)
	delete(s.records, current.key)
	s.totalBytes -= current.size
}

// persistLocked writes the index: every live record except those in
// excluded, plus extra if non-nil (as the most recently used). Caller
// holds s.mu.
func (s *Store) persistLocked(excluded map[cachekey.Key]bool, extra *record) error {
	index := indexFile{
		Version:    indexVersion,
		Sequence:   s.sequence,
		Generation: s.generation,
		Evictions:  s.evictions,
		Records:    make([]indexRecord, 0, len(s.records)+1),
	}
	for element := s.recency.Back(); element != nil; element = element.Prev() {
		current := element.Value.(*record)
		if excluded[current.key] {
			continue
		}
		index.Records = append(index.Records, current.toIndex())
	}
	if extra != nil {
		index.Records = append(index.Records, extra.toIndex())
		if extra.sequence > index.Sequence {
			index.Sequence = extra.sequence
		}
		// Evictions are counted before they are applied so the
		// persisted counter matches the persisted records.
		for key := range excluded {
			if key != extra.key {
				index.Evictions++
			}
		}
	}
	return writeFileAtomic(s.indexPath, index)
}

// discard deletes an entry directory that is no longer referenced by
// the index. It is first renamed into the trash so that a crash during
// deletion cannot leave a half-deleted directory under entries/.
// Failures are logged only; Open removes whatever is left.
func (s *Store) discard(relative string) {
	source := filepath.Join(s.entriesPath, relative)
	target, err := os.MkdirTemp(s.trashPath, "discard-*")
	if err == nil {
		target = filepath.Join(target, filepath.Base(relative))
		if err = os.Rename(source, target); err == nil {
			source = filepath.Dir(target)
		}
	}
	if err := os.RemoveAll(source); err != nil {
		s.logger.Warn("deleting discarded entry", "path", relative, "error", err)
	}
}
