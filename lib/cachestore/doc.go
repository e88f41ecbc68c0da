// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cachestore is the storage engine of the asset cache server:
// a size-bounded, content-addressed store of file sets keyed by
// [cachekey.Key], with least-recently-used eviction.
//
// Each entry occupies its own directory holding the (optionally
// compressed) files and a CBOR manifest with per-file BLAKE3 hashes.
// The index mapping keys to entry directories is a single CBOR file
// replaced atomically on every insert, removal, and eviction, and
// periodically after fetches so access order survives a restart.
//
// The byte budget counts logical file sizes, not on-disk sizes, so the
// compression policy never changes which entries are evicted.
//
// Recency is a store-wide sequence number bumped on every insert and
// every successful fetch. Contains is a pure query and does not count
// as a use.
package cachestore
