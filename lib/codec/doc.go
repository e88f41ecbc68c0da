// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the asset cache's CBOR encoding configuration.
//
// Two things are CBOR in this module: the envelopes exchanged between
// cache clients and the cache server (see lib/protocol), and the
// metadata files the storage engine keeps on disk (the index and the
// per-entry manifests in lib/cachestore). Both go through this package
// so that every component encodes identically.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items. The
// same logical value always produces the same bytes, which keeps the
// on-disk index diffable and makes protocol tests byte-exact.
//
// For buffers (length-prefixed protocol frames):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For streams (the index and manifest files):
//
//	err = codec.NewEncoder(file).Encode(value)
//	err = codec.NewDecoder(file).Decode(&value)
//
// Types use `cbor` struct tags. Unknown fields are ignored on decode so
// a newer peer can add optional fields without breaking an older one.
package codec
