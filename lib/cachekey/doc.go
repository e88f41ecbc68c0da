// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cachekey defines the value types shared by every part of the
// asset cache: the composite cache key, the file set stored under a
// key, and the client-side builder that assembles both.
//
// A [Key] has two halves. The primary half fingerprints the inputs of a
// build step (typically a directory digest from [HashDirectory]); the
// secondary half fingerprints the transformation applied to them (tool
// name, version, flags), computed by [HashParams] over an ordered
// parameter list. Two keys are equal iff both halves are bit-equal, and
// Key is a comparable value type usable directly as a map key.
//
// All hashes are BLAKE3 in keyed mode with a fixed key per domain
// (inputs, parameters, file content), so the same bytes hashed for a
// different purpose never collide.
//
// [Entry] is the client-side accumulator: add parameters and files,
// set the primary hash, then [Entry.Seal] computes the secondary hash
// and publishes both halves at once. Adding anything after sealing
// clears the key so a half-updated key can never be observed.
package cachekey
