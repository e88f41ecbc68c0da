// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cachestore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Fetch for a key with no live entry.
	// A miss is an expected outcome, not a failure.
	ErrNotFound = errors.New("entry not found")

	// ErrCapacityExceeded is returned by Insert when a single entry is
	// larger than the store's whole byte budget.
	ErrCapacityExceeded = errors.New("entry exceeds store capacity")

	// ErrBusy is returned by Insert when the entry would fit only by
	// evicting records that are being read or rewritten at that
	// moment. Nothing is evicted; the caller may retry.
	ErrBusy = errors.New("not enough evictable space: entries in use")

	// ErrIO wraps every disk failure. The index is never left pointing
	// at partial data when it is returned.
	ErrIO = errors.New("storage I/O failure")

	// ErrCorrupt marks stored data that fails its manifest or content
	// hash check. It is always wrapped together with ErrIO, and the
	// offending record is dropped.
	ErrCorrupt = errors.New("stored entry is corrupt")

	// ErrLocked is returned by Open when another process owns the
	// store directory.
	ErrLocked = errors.New("store directory is locked by another process")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store is closed")
)

// ioError wraps err as an ErrIO with a description of the operation.
func ioError(operation string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, operation, err)
}

// corruptError wraps err as both ErrIO and ErrCorrupt.
func corruptError(operation string, err error) error {
	return fmt.Errorf("%w: %w: %s: %w", ErrIO, ErrCorrupt, operation, err)
}
