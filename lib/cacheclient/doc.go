// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cacheclient is the build-machine side of the asset cache.
//
// [Client] is asynchronous: IsInCache, AddToCache and GetFromCache
// queue a request and return at once, and the result arrives later
// through a [Delegate] callback carrying the same key. A request made
// while disconnected fails immediately with [ErrNotConnected]. If the
// connection ends before a response arrives, the request's result
// callback never fires; the request is listed instead in the
// OnConnectionLost callback, and resubmitting it after reconnecting is
// up to the caller.
//
// [Resolver] wraps a Client for callers that prefer blocking calls
// with a context, and implements the usual orchestration: a miss
// triggers a build and an add, a hit triggers a fetch.
package cacheclient
