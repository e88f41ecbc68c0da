// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cacheclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/assetcache/lib/cachekey"
	"github.com/bureau-foundation/assetcache/lib/cacheserver"
	"github.com/bureau-foundation/assetcache/lib/protocol"
	"github.com/bureau-foundation/assetcache/lib/testutil"
)

func connectedResolver(t *testing.T, port int, next Delegate) *Resolver {
	t.Helper()
	resolver, err := NewResolver(Config{Delegate: next})
	if err != nil {
		t.Fatal(err)
	}
	if err := resolver.Client().Connect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(resolver.Client().Disconnect)
	return resolver
}

func TestResolveBuildsOnMissAndFetchesOnHit(t *testing.T) {
	port := startServer(t, nil)
	key := testKey("mesh")
	files := testFiles("mesh")
	var builds atomic.Int32
	build := func(ctx context.Context) (cachekey.Files, error) {
		builds.Add(1)
		return files, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	first := connectedResolver(t, port, nil)
	outcome, err := first.Resolve(ctx, key, build)
	if err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	if outcome.FromCache || !outcome.Stored || !outcome.Files.Equal(files) {
		t.Errorf("first Resolve = %+v, want built and stored", outcome)
	}

	second := connectedResolver(t, port, nil)
	outcome, err = second.Resolve(ctx, key, build)
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if !outcome.FromCache || !outcome.Files.Equal(files) {
		t.Errorf("second Resolve = %+v, want a cache hit", outcome)
	}
	if got := builds.Load(); got != 1 {
		t.Errorf("build ran %d times, want 1", got)
	}
}

func TestResolveBuildError(t *testing.T) {
	port := startServer(t, nil)
	resolver := connectedResolver(t, port, nil)
	buildErr := errors.New("converter crashed")

	_, err := resolver.Resolve(context.Background(), testKey("broken"), func(context.Context) (cachekey.Files, error) {
		return nil, buildErr
	})
	if !errors.Is(err, buildErr) {
		t.Errorf("Resolve error = %v, want the build error", err)
	}
	found, err := resolver.Contains(context.Background(), testKey("broken"))
	if err != nil || found {
		t.Errorf("Contains after a failed build = %v, %v; want false, nil", found, err)
	}
}

func TestResolverNotConnected(t *testing.T) {
	resolver, err := NewResolver(Config{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = resolver.Resolve(context.Background(), testKey("a"), func(context.Context) (cachekey.Files, error) {
		t.Error("build ran without a connection")
		return nil, nil
	})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Resolve error = %v, want ErrNotConnected", err)
	}
	if len(resolver.waiters) != 0 {
		t.Errorf("%d waiter queues left after a rejected request", len(resolver.waiters))
	}
}

func TestResolverContextCancel(t *testing.T) {
	release := make(chan struct{})
	port := startServer(t, cacheserver.DelegateFuncs{
		RequestedFromCache: func(cachekey.Key) { <-release },
	})
	defer close(release)
	resolver := connectedResolver(t, port, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := resolver.Get(ctx, testKey("slow"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Get error = %v, want DeadlineExceeded", err)
	}
}

func TestResolverFailsWaitersOnConnectionLoss(t *testing.T) {
	port, requests := dropAfterRequest(t)
	forwarded := newEvents()
	resolver := connectedResolver(t, port, forwarded)

	result := make(chan error, 1)
	go func() {
		_, err := resolver.Get(context.Background(), testKey("lost"))
		result <- err
	}()
	testutil.RequireReceive(t, requests, testTimeout, "server receiving the request")

	if err := testutil.RequireReceive(t, result, testTimeout, "Get returning"); !errors.Is(err, protocol.ErrConnectionLost) {
		t.Errorf("Get error = %v, want ErrConnectionLost", err)
	}
	testutil.RequireReceive(t, forwarded.lost, testTimeout, "OnConnectionLost forwarded to the next delegate")
}

func TestResolverConcurrentCallers(t *testing.T) {
	port := startServer(t, nil)
	resolver := connectedResolver(t, port, nil)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := string(rune('a' + i))
			key := testKey(name)
			files := testFiles(name)
			outcome, err := resolver.Resolve(ctx, key, func(context.Context) (cachekey.Files, error) {
				return files, nil
			})
			if err != nil {
				t.Errorf("Resolve(%s) failed: %v", name, err)
				return
			}
			if !outcome.Files.Equal(files) {
				t.Errorf("Resolve(%s) returned the wrong files", name)
			}
		}()
	}
	wg.Wait()

	stats, err := resolver.Client().Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 16 {
		t.Errorf("store has %d entries, want 16", stats.Entries)
	}
}
