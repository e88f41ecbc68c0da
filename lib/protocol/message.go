// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/assetcache/lib/cachekey"
)

// Version is the protocol version carried in every envelope. Peers
// with different versions refuse to talk.
const Version = 1

var (
	// ErrConnectionLost means the transport failed or the peer closed
	// the connection. Requests without a response are failed.
	ErrConnectionLost = errors.New("connection lost")

	// ErrProtocol means the peer sent bytes that do not form a valid
	// message. The connection cannot be resynchronized and is closed.
	ErrProtocol = errors.New("protocol violation")

	// ErrVersionMismatch means the peer speaks another protocol
	// version.
	ErrVersionMismatch = errors.New("protocol version mismatch")

	// ErrTooLarge means an outgoing message exceeds the connection's
	// envelope or payload limit. Nothing was written and the
	// connection is still usable.
	ErrTooLarge = errors.New("message too large")
)

// Kind identifies the meaning of a message.
type Kind uint8

const (
	// KindIsInCache asks whether the server holds Key.
	KindIsInCache Kind = 1
	// KindIsInCacheResult answers KindIsInCache in Result.
	KindIsInCacheResult Kind = 2
	// KindAddToCache asks the server to store Files under Key.
	KindAddToCache Kind = 3
	// KindAddToCacheResult reports in Result whether the add was
	// accepted.
	KindAddToCacheResult Kind = 4
	// KindGetFromCache asks for the files stored under Key.
	KindGetFromCache Kind = 5
	// KindFilesResult answers KindGetFromCache. Empty Files means the
	// key was not found or could not be read.
	KindFilesResult Kind = 6
	// KindStatus asks for store statistics. Key is ignored.
	KindStatus Kind = 7
	// KindStatusResult answers KindStatus in Stats.
	KindStatusResult Kind = 8
	// KindError reports a fatal problem with the connection (for
	// example a version mismatch) in Error. The sender closes the
	// connection after sending it.
	KindError Kind = 9
)

var kindNames = map[Kind]string{
	KindIsInCache:        "is_in_cache",
	KindIsInCacheResult:  "is_in_cache_result",
	KindAddToCache:       "add_to_cache",
	KindAddToCacheResult: "add_to_cache_result",
	KindGetFromCache:     "get_from_cache",
	KindFilesResult:      "files_result",
	KindStatus:           "status",
	KindStatusResult:     "status_result",
	KindError:            "error",
}

// String returns the snake_case name used in logs and metric labels.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// IsRequest reports whether k is sent by clients.
func (k Kind) IsRequest() bool {
	switch k {
	case KindIsInCache, KindAddToCache, KindGetFromCache, KindStatus:
		return true
	}
	return false
}

// Response returns the kind that answers request kind k, or 0 if k is
// not a request.
func (k Kind) Response() Kind {
	switch k {
	case KindIsInCache:
		return KindIsInCacheResult
	case KindAddToCache:
		return KindAddToCacheResult
	case KindGetFromCache:
		return KindFilesResult
	case KindStatus:
		return KindStatusResult
	}
	return 0
}

// carriesFiles reports whether messages of kind k may have file
// payloads.
func (k Kind) carriesFiles() bool {
	return k == KindAddToCache || k == KindFilesResult
}

// Stats summarizes the server's store.
type Stats struct {
	Entries    int    `cbor:"entries"`
	TotalBytes int64  `cbor:"total_bytes"`
	MaxBytes   int64  `cbor:"max_bytes"`
	Evictions  uint64 `cbor:"evictions"`
}

// Message is one protocol message. Which fields are meaningful depends
// on Kind.
type Message struct {
	Kind   Kind
	Key    cachekey.Key
	Result bool
	Files  cachekey.Files
	Stats  *Stats
	Error  string
}

// envelope is the CBOR form of a Message. File contents are not part
// of it; they follow the envelope on the wire.
type envelope struct {
	Version int          `cbor:"version"`
	Kind    Kind         `cbor:"kind"`
	Key     cachekey.Key `cbor:"key"`
	Result  bool         `cbor:"result,omitempty"`
	Files   []fileHeader `cbor:"files,omitempty"`
	Stats   *Stats       `cbor:"stats,omitempty"`
	Error   string       `cbor:"error,omitempty"`
}

type fileHeader struct {
	Path string `cbor:"path"`
	Size int64  `cbor:"size"`
}
