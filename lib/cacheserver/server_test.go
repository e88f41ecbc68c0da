// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cacheserver

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/assetcache/lib/cachekey"
	"github.com/bureau-foundation/assetcache/lib/cachestore"
	"github.com/bureau-foundation/assetcache/lib/codec"
	"github.com/bureau-foundation/assetcache/lib/protocol"
	"github.com/bureau-foundation/assetcache/lib/testutil"
)

func testKey(name string) cachekey.Key {
	return cachekey.NewKey(cachekey.HashContent([]byte(name)), cachekey.HashParams([]string{"server-test"}))
}

func testFiles(name string) cachekey.Files {
	return cachekey.Files{
		{Path: name + "/out.bin", Data: bytes.Repeat([]byte(name), 100)},
		{Path: name + "/log.txt", Data: []byte("converted " + name)},
	}
}

// recordingDelegate records every delegate call on channels.
type recordingDelegate struct {
	isInCache chan cachekey.Key
	added     chan cachekey.Files
	requested chan cachekey.Key
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{
		isInCache: make(chan cachekey.Key, 16),
		added:     make(chan cachekey.Files, 16),
		requested: make(chan cachekey.Key, 16),
	}
}

func (d *recordingDelegate) OnIsInCache(key cachekey.Key) { d.isInCache <- key }

func (d *recordingDelegate) OnAddedToCache(key cachekey.Key, files cachekey.Files) { d.added <- files }

func (d *recordingDelegate) OnRequestedFromCache(key cachekey.Key) { d.requested <- key }

type testServer struct {
	address string
	server  *Server
	store   *cachestore.Store
	cancel  context.CancelFunc
	done    chan error
}

func startServer(t *testing.T, maxBytes int64, config Config) *testServer {
	t.Helper()
	store, err := cachestore.Open(cachestore.Config{Root: t.TempDir(), MaxBytes: maxBytes})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	config.Store = store
	server, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, listener) }()

	ts := &testServer{address: listener.Addr().String(), server: server, store: store, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, done, 5*time.Second, "waiting for Serve to return")
	})
	return ts
}

func (ts *testServer) dial(t *testing.T) *protocol.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", ts.address)
	if err != nil {
		t.Fatalf("dialing server: %v", err)
	}
	client := protocol.NewConn(conn, protocol.Options{ReadTimeout: 5 * time.Second})
	t.Cleanup(func() { client.Close() })
	return client
}

// roundtrip sends a request and returns the response.
func roundtrip(t *testing.T, conn *protocol.Conn, request *protocol.Message) *protocol.Message {
	t.Helper()
	if err := conn.Send(request); err != nil {
		t.Fatalf("sending %s: %v", request.Kind, err)
	}
	response, err := conn.Receive()
	if err != nil {
		t.Fatalf("receiving response to %s: %v", request.Kind, err)
	}
	if response.Kind != request.Kind.Response() {
		t.Fatalf("response kind = %s, want %s", response.Kind, request.Kind.Response())
	}
	if response.Key != request.Key {
		t.Fatalf("response key = %s, want %s", response.Key.Short(), request.Key.Short())
	}
	return response
}

func TestIsInCacheAddGet(t *testing.T) {
	delegate := newRecordingDelegate()
	ts := startServer(t, 1<<20, Config{Delegate: delegate})
	conn := ts.dial(t)
	key := testKey("texture")
	files := testFiles("texture")

	response := roundtrip(t, conn, &protocol.Message{Kind: protocol.KindIsInCache, Key: key})
	if response.Result {
		t.Error("IsInCache on an empty store returned true")
	}
	if got := testutil.RequireReceive(t, delegate.isInCache, time.Second, "OnIsInCache"); got != key {
		t.Errorf("OnIsInCache key = %s, want %s", got.Short(), key.Short())
	}

	response = roundtrip(t, conn, &protocol.Message{Kind: protocol.KindAddToCache, Key: key, Files: files})
	if !response.Result {
		t.Fatal("AddToCache was rejected")
	}
	if got := testutil.RequireReceive(t, delegate.added, time.Second, "OnAddedToCache"); !got.Equal(files) {
		t.Errorf("OnAddedToCache files = %v, want %v", got.Paths(), files.Paths())
	}

	// A second, independent connection sees the entry.
	other := ts.dial(t)
	response = roundtrip(t, other, &protocol.Message{Kind: protocol.KindIsInCache, Key: key})
	if !response.Result {
		t.Error("IsInCache from a second connection returned false after a successful add")
	}

	response = roundtrip(t, other, &protocol.Message{Kind: protocol.KindGetFromCache, Key: key})
	if !response.Files.Equal(files) {
		t.Errorf("GetFromCache returned %v, want %v", response.Files.Paths(), files.Paths())
	}
	testutil.RequireReceive(t, delegate.requested, time.Second, "OnRequestedFromCache")
}

func TestGetFromCacheMiss(t *testing.T) {
	delegate := newRecordingDelegate()
	ts := startServer(t, 1<<20, Config{Delegate: delegate})
	conn := ts.dial(t)

	response := roundtrip(t, conn, &protocol.Message{Kind: protocol.KindGetFromCache, Key: testKey("absent")})
	if len(response.Files) != 0 {
		t.Errorf("GetFromCache(absent) returned %d files", len(response.Files))
	}
	testutil.RequireReceive(t, delegate.requested, time.Second, "OnRequestedFromCache fires on a miss too")
}

func TestAddFilterRejects(t *testing.T) {
	ts := startServer(t, 1<<20, Config{Delegate: DelegateFuncs{
		Allow: func(key cachekey.Key, files cachekey.Files) bool {
			return len(files) < 2
		},
	}})
	conn := ts.dial(t)

	response := roundtrip(t, conn, &protocol.Message{Kind: protocol.KindAddToCache, Key: testKey("big"), Files: testFiles("big")})
	if response.Result {
		t.Error("filtered add was accepted")
	}
	if ts.store.Contains(testKey("big")) {
		t.Error("filtered add reached the store")
	}

	small := cachekey.Files{{Path: "one", Data: []byte("1")}}
	response = roundtrip(t, conn, &protocol.Message{Kind: protocol.KindAddToCache, Key: testKey("small"), Files: small})
	if !response.Result {
		t.Error("add allowed by the filter was rejected")
	}
}

func TestStoreFailureIsNegativeResult(t *testing.T) {
	delegate := newRecordingDelegate()
	ts := startServer(t, 64, Config{Delegate: delegate})
	conn := ts.dial(t)

	huge := cachekey.Files{{Path: "huge.bin", Data: make([]byte, 65)}}
	response := roundtrip(t, conn, &protocol.Message{Kind: protocol.KindAddToCache, Key: testKey("huge"), Files: huge})
	if response.Result {
		t.Error("add larger than the store budget was accepted")
	}
	testutil.RequireNoReceive(t, delegate.added, 50*time.Millisecond, "OnAddedToCache must not fire for a failed add")

	// The connection is still usable.
	response = roundtrip(t, conn, &protocol.Message{Kind: protocol.KindIsInCache, Key: testKey("huge")})
	if response.Result {
		t.Error("failed add left an entry behind")
	}
}

func TestStatus(t *testing.T) {
	ts := startServer(t, 1000, Config{})
	conn := ts.dial(t)
	files := testFiles("a")
	roundtrip(t, conn, &protocol.Message{Kind: protocol.KindAddToCache, Key: testKey("a"), Files: files})

	response := roundtrip(t, conn, &protocol.Message{Kind: protocol.KindStatus})
	want := protocol.Stats{Entries: 1, TotalBytes: files.TotalSize(), MaxBytes: 1000}
	if response.Stats == nil || *response.Stats != want {
		t.Errorf("Status = %+v, want %+v", response.Stats, want)
	}
}

func TestResponsesInRequestOrder(t *testing.T) {
	ts := startServer(t, 1<<20, Config{})
	conn := ts.dial(t)
	key := testKey("ordered")

	// Pipeline three requests for one key without waiting.
	requests := []*protocol.Message{
		{Kind: protocol.KindIsInCache, Key: key},
		{Kind: protocol.KindAddToCache, Key: key, Files: testFiles("ordered")},
		{Kind: protocol.KindIsInCache, Key: key},
	}
	for _, request := range requests {
		if err := conn.Send(request); err != nil {
			t.Fatal(err)
		}
	}

	wantKinds := []protocol.Kind{protocol.KindIsInCacheResult, protocol.KindAddToCacheResult, protocol.KindIsInCacheResult}
	wantResults := []bool{false, true, true}
	for i := range requests {
		response, err := conn.Receive()
		if err != nil {
			t.Fatal(err)
		}
		if response.Kind != wantKinds[i] || response.Result != wantResults[i] {
			t.Errorf("response %d = %s/%v, want %s/%v", i, response.Kind, response.Result, wantKinds[i], wantResults[i])
		}
	}
}

func TestSlowConnectionDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	blocked := make(chan struct{})
	slowKey := testKey("slow")
	var once sync.Once
	ts := startServer(t, 1<<20, Config{Delegate: DelegateFuncs{
		RequestedFromCache: func(key cachekey.Key) {
			if key == slowKey {
				once.Do(func() { close(blocked) })
				<-release
			}
		},
	}})
	defer close(release)

	slow := ts.dial(t)
	if err := slow.Send(&protocol.Message{Kind: protocol.KindGetFromCache, Key: slowKey}); err != nil {
		t.Fatal(err)
	}
	testutil.RequireClosed(t, blocked, 5*time.Second, "waiting for the slow request to reach the delegate")

	fast := ts.dial(t)
	roundtrip(t, fast, &protocol.Message{Kind: protocol.KindIsInCache, Key: testKey("fast")})
}

func TestVersionMismatchGetsErrorMessage(t *testing.T) {
	ts := startServer(t, 1<<20, Config{})
	conn, err := net.Dial("tcp", ts.address)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	data, err := codec.Marshal(map[string]any{"version": protocol.Version + 1, "kind": uint8(protocol.KindIsInCache)})
	if err != nil {
		t.Fatal(err)
	}
	frame := append([]byte{0, 0, 0, byte(len(data))}, data...)
	if _, err := conn.Write(frame); err != nil {
		t.Fatal(err)
	}

	reader := protocol.NewConn(conn, protocol.Options{ReadTimeout: 5 * time.Second})
	response, err := reader.Receive()
	if err != nil {
		t.Fatalf("expected an error message, got %v", err)
	}
	if response.Kind != protocol.KindError || response.Error == "" {
		t.Errorf("response = %s %q, want an error message", response.Kind, response.Error)
	}
	if _, err := reader.Receive(); !errors.Is(err, protocol.ErrConnectionLost) {
		t.Errorf("connection still open after a version mismatch: %v", err)
	}
}

func TestDelegatePanicClosesOnlyThatConnection(t *testing.T) {
	ts := startServer(t, 1<<20, Config{Delegate: DelegateFuncs{
		IsInCache: func(key cachekey.Key) {
			if key == testKey("boom") {
				panic("delegate bug")
			}
		},
	}})

	victim := ts.dial(t)
	if err := victim.Send(&protocol.Message{Kind: protocol.KindIsInCache, Key: testKey("boom")}); err != nil {
		t.Fatal(err)
	}
	if _, err := victim.Receive(); !errors.Is(err, protocol.ErrConnectionLost) {
		t.Errorf("panicking request: error = %v, want ErrConnectionLost", err)
	}

	survivor := ts.dial(t)
	roundtrip(t, survivor, &protocol.Message{Kind: protocol.KindIsInCache, Key: testKey("fine")})
}

func TestShutdownClosesConnections(t *testing.T) {
	ts := startServer(t, 1<<20, Config{})
	conn := ts.dial(t)
	roundtrip(t, conn, &protocol.Message{Kind: protocol.KindIsInCache, Key: testKey("a")})

	ts.cancel()
	if err := testutil.RequireReceive(t, ts.done, 5*time.Second, "waiting for Serve to return"); err != nil {
		t.Errorf("Serve returned %v", err)
	}
	// Cleanup reads done again; refill it.
	ts.done <- nil

	if _, err := conn.Receive(); !errors.Is(err, protocol.ErrConnectionLost) {
		t.Errorf("Receive after shutdown: error = %v, want ErrConnectionLost", err)
	}
	if got := ts.server.ConnectionCount(); got != 0 {
		t.Errorf("ConnectionCount after shutdown = %d", got)
	}
}

func TestMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	ts := startServer(t, 1<<20, Config{Registerer: registry})
	conn := ts.dial(t)
	key := testKey("metered")

	roundtrip(t, conn, &protocol.Message{Kind: protocol.KindIsInCache, Key: key})
	roundtrip(t, conn, &protocol.Message{Kind: protocol.KindAddToCache, Key: key, Files: testFiles("metered")})
	roundtrip(t, conn, &protocol.Message{Kind: protocol.KindIsInCache, Key: key})

	families, err := registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	values := make(map[string]float64)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			name := family.GetName()
			for _, label := range metric.GetLabel() {
				name += "," + label.GetName() + "=" + label.GetValue()
			}
			switch {
			case metric.GetCounter() != nil:
				values[name] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[name] = metric.GetGauge().GetValue()
			}
		}
	}

	checks := map[string]float64{
		"assetcache_server_requests_total,kind=is_in_cache":             2,
		"assetcache_server_requests_total,kind=add_to_cache":            1,
		"assetcache_server_lookups_total,kind=is_in_cache,outcome=miss": 1,
		"assetcache_server_lookups_total,kind=is_in_cache,outcome=hit":  1,
		"assetcache_server_adds_total,outcome=accepted":                 1,
		"assetcache_server_connections_open":                            1,
		"assetcache_store_entries":                                      1,
		"assetcache_store_bytes":                                        float64(testFiles("metered").TotalSize()),
	}
	for name, want := range checks {
		if got, ok := values[name]; !ok || got != want {
			t.Errorf("%s = %v (present %v), want %v", name, got, ok, want)
		}
	}
}

func TestConnectionsReportState(t *testing.T) {
	release := make(chan struct{})
	blocked := make(chan struct{})
	ts := startServer(t, 1<<20, Config{Delegate: DelegateFuncs{
		IsInCache: func(cachekey.Key) {
			close(blocked)
			<-release
		},
	}})

	conn := ts.dial(t)
	if err := conn.Send(&protocol.Message{Kind: protocol.KindIsInCache, Key: testKey("held")}); err != nil {
		t.Fatal(err)
	}
	testutil.RequireClosed(t, blocked, 5*time.Second, "waiting for the request to reach the delegate")

	infos := ts.server.Connections()
	if len(infos) != 1 {
		t.Fatalf("Connections() returned %d entries, want 1", len(infos))
	}
	if infos[0].State != StateProcessing {
		t.Errorf("state = %s, want processing", infos[0].State)
	}
	if infos[0].ID == "" || infos[0].Remote == "" {
		t.Errorf("connection info incomplete: %+v", infos[0])
	}

	close(release)
	if _, err := conn.Receive(); err != nil {
		t.Fatalf("receiving the held response: %v", err)
	}
}

func TestEntryTooLargeToSendIsAMiss(t *testing.T) {
	ts := startServer(t, 1<<20, Config{MaxPayloadSize: 1024})
	key := testKey("oversized")
	files := cachekey.Files{{Path: "big.bin", Data: bytes.Repeat([]byte{9}, 4096)}}
	// Stored directly: the store budget allows it, the connection
	// limit does not.
	if err := ts.store.Insert(key, files); err != nil {
		t.Fatal(err)
	}
	conn := ts.dial(t)

	response := roundtrip(t, conn, &protocol.Message{Kind: protocol.KindGetFromCache, Key: key})
	if len(response.Files) != 0 {
		t.Errorf("received %d files, want an empty result", len(response.Files))
	}
	response = roundtrip(t, conn, &protocol.Message{Kind: protocol.KindIsInCache, Key: key})
	if !response.Result {
		t.Error("IsInCache after the oversized fetch returned false")
	}
}
