// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for the asset cache
// packages.
//
// [RequireReceive], [RequireNoReceive], and [RequireClosed] wrap the
// select-with-timeout pattern so that tests waiting on delegate
// callbacks or connection teardown fail with a message instead of
// hanging. They are the only place in the test suite where real
// wall-clock timeouts are used.
//
// [UniqueID] generates monotonically increasing identifiers, used to
// build distinct cache keys and file contents across subtests.
// [DiscardLogger] satisfies components that require a logger.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
