// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cacheclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/bureau-foundation/assetcache/lib/cachekey"
	"github.com/bureau-foundation/assetcache/lib/protocol"
)

// BuildFunc produces the files for a key the cache does not hold.
type BuildFunc func(ctx context.Context) (cachekey.Files, error)

// Outcome is the result of Resolver.Resolve.
type Outcome struct {
	// Files are the entry's files, from the cache or from the build.
	Files cachekey.Files

	// FromCache is true when Files came from the server.
	FromCache bool

	// Stored is true when built files were accepted by the server.
	Stored bool
}

// Resolver turns the callback API into blocking calls and implements
// the usual policy on top of it: ask whether the key is cached; on a
// hit fetch the files; on a miss (or a hit that turns out empty
// because the entry was evicted in between) build them and add them.
//
// A Resolver is the Delegate of the Client it creates. Results are
// routed to waiting callers through channels, one FIFO queue per
// request kind and key, which matches the order in which the Client
// reports results. It is safe for concurrent use.
type Resolver struct {
	client *Client
	next   Delegate

	mu      sync.Mutex
	waiters map[waitKey][]chan waitResult
}

type waitKey struct {
	kind protocol.Kind
	key  cachekey.Key
}

type waitResult struct {
	found bool
	files cachekey.Files
	err   error
}

// NewResolver creates a Resolver and its Client. If config.Delegate is
// set, every callback is forwarded to it after the Resolver has
// handled it.
func NewResolver(config Config) (*Resolver, error) {
	resolver := &Resolver{
		next:    config.Delegate,
		waiters: make(map[waitKey][]chan waitResult),
	}
	config.Delegate = resolver
	client, err := New(config)
	if err != nil {
		return nil, err
	}
	resolver.client = client
	return resolver, nil
}

// Client returns the underlying Client, for Connect, Disconnect and
// Status.
func (r *Resolver) Client() *Client {
	return r.client
}

// Contains asks the server whether it holds key.
func (r *Resolver) Contains(ctx context.Context, key cachekey.Key) (bool, error) {
	result, err := r.roundtrip(ctx, protocol.KindIsInCache, key, func() error { return r.client.IsInCache(key) })
	return result.found, err
}

// Get fetches the files stored under key. A miss returns empty files
// and no error.
func (r *Resolver) Get(ctx context.Context, key cachekey.Key) (cachekey.Files, error) {
	result, err := r.roundtrip(ctx, protocol.KindGetFromCache, key, func() error { return r.client.GetFromCache(key) })
	return result.files, err
}

// Put stores files under key and reports whether the server accepted
// them.
func (r *Resolver) Put(ctx context.Context, key cachekey.Key, files cachekey.Files) (bool, error) {
	result, err := r.roundtrip(ctx, protocol.KindAddToCache, key, func() error { return r.client.AddToCache(key, files) })
	return result.found, err
}

// Resolve returns the files for key, from the cache if possible and
// from build otherwise. Built files are offered back to the cache; a
// rejected add is not an error.
func (r *Resolver) Resolve(ctx context.Context, key cachekey.Key, build BuildFunc) (Outcome, error) {
	found, err := r.Contains(ctx, key)
	if err != nil {
		return Outcome{}, err
	}
	if found {
		files, err := r.Get(ctx, key)
		if err != nil {
			return Outcome{}, err
		}
		if len(files) > 0 {
			return Outcome{Files: files, FromCache: true}, nil
		}
	}

	files, err := build(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("building %s: %w", key.Short(), err)
	}
	stored, err := r.Put(ctx, key, files)
	if err != nil {
		return Outcome{Files: files}, err
	}
	return Outcome{Files: files, Stored: stored}, nil
}

// roundtrip registers a waiter for (kind, key), issues the request,
// and waits for its result. The waiter is registered first so a fast
// response cannot arrive before anyone is waiting for it.
func (r *Resolver) roundtrip(ctx context.Context, kind protocol.Kind, key cachekey.Key, issue func() error) (waitResult, error) {
	waiter := make(chan waitResult, 1)
	id := waitKey{kind: kind.Response(), key: key}

	r.mu.Lock()
	r.waiters[id] = append(r.waiters[id], waiter)
	r.mu.Unlock()

	if err := issue(); err != nil {
		r.removeWaiter(id, waiter)
		return waitResult{}, err
	}

	select {
	case result := <-waiter:
		return result, result.err
	case <-ctx.Done():
		// The waiter stays queued so the FIFO stays aligned with the
		// client's responses; its result is dropped when it arrives.
		return waitResult{}, ctx.Err()
	}
}

func (r *Resolver) removeWaiter(id waitKey, waiter chan waitResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.waiters[id]
	for i, candidate := range queue {
		if candidate == waiter {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(r.waiters, id)
	} else {
		r.waiters[id] = queue
	}
}

// resolveNext hands result to the oldest waiter for (kind, key).
func (r *Resolver) resolveNext(kind protocol.Kind, key cachekey.Key, result waitResult) {
	id := waitKey{kind: kind, key: key}
	r.mu.Lock()
	queue := r.waiters[id]
	if len(queue) == 0 {
		r.mu.Unlock()
		return
	}
	waiter := queue[0]
	if len(queue) == 1 {
		delete(r.waiters, id)
	} else {
		r.waiters[id] = queue[1:]
	}
	r.mu.Unlock()
	waiter <- result
}

func (r *Resolver) OnIsInCache(key cachekey.Key, found bool) {
	r.resolveNext(protocol.KindIsInCacheResult, key, waitResult{found: found})
	if r.next != nil {
		r.next.OnIsInCache(key, found)
	}
}

func (r *Resolver) OnAddedToCache(key cachekey.Key, accepted bool) {
	r.resolveNext(protocol.KindAddToCacheResult, key, waitResult{found: accepted})
	if r.next != nil {
		r.next.OnAddedToCache(key, accepted)
	}
}

func (r *Resolver) OnReceivedFromCache(key cachekey.Key, files cachekey.Files) {
	r.resolveNext(protocol.KindFilesResult, key, waitResult{found: len(files) > 0, files: files})
	if r.next != nil {
		r.next.OnReceivedFromCache(key, files)
	}
}

// OnConnectionLost fails every waiter of the lost connection.
func (r *Resolver) OnConnectionLost(err error, outstanding []Request) {
	for _, request := range outstanding {
		r.resolveNext(request.Kind.Response(), request.Key, waitResult{err: err})
	}
	if r.next != nil {
		r.next.OnConnectionLost(err, outstanding)
	}
}
