// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the asset cache wire protocol spoken between
// cacheclient and cacheserver over one persistent byte stream.
//
// Every message is a length-prefixed CBOR envelope (4-byte big-endian
// length, then the CBOR bytes) followed, for messages that carry files,
// by the raw file contents back to back in the order of the envelope's
// file headers. Each header records its file's exact size, so the
// receiver reads payloads with no further framing:
//
//	[len][CBOR envelope{version, kind, key, files:[{path,size}...]}][file 0 bytes][file 1 bytes]...
//
// The length prefix keeps CBOR's stream decoder from reading ahead into
// the payload bytes that follow the envelope.
//
// Correlation is by key: every response carries the key of the request
// it answers, and a server answers the requests of one connection in
// the order they arrived, so responses for one key come back in issue
// order. Requests for different keys may be answered in any order the
// server chooses.
//
// Transport failures (peer closed, reset, deadline) surface as
// [ErrConnectionLost]; malformed envelopes as [ErrProtocol]; an
// envelope from an incompatible peer as [ErrVersionMismatch].
package protocol
