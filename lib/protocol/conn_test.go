// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/assetcache/lib/cachekey"
	"github.com/bureau-foundation/assetcache/lib/codec"
	"github.com/bureau-foundation/assetcache/lib/testutil"
)

func testKey(name string) cachekey.Key {
	return cachekey.NewKey(cachekey.HashContent([]byte(name)), cachekey.HashParams([]string{"protocol-test"}))
}

// pipe returns two connected Conns. net.Pipe is synchronous, so every
// Send must run concurrently with the matching Receive.
func pipe(t *testing.T, options Options) (*Conn, *Conn) {
	t.Helper()
	left, right := net.Pipe()
	a, b := NewConn(left, options), NewConn(right, options)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// sendAsync sends message on conn in a goroutine and returns a channel
// carrying the Send error.
func sendAsync(conn *Conn, message *Message) <-chan error {
	result := make(chan error, 1)
	go func() { result <- conn.Send(message) }()
	return result
}

func TestSendReceiveRoundtrip(t *testing.T) {
	client, server := pipe(t, Options{})
	key := testKey("texture")

	tests := []struct {
		name    string
		message Message
	}{
		{"is_in_cache", Message{Kind: KindIsInCache, Key: key}},
		{"is_in_cache_result", Message{Kind: KindIsInCacheResult, Key: key, Result: true}},
		{"add_to_cache", Message{Kind: KindAddToCache, Key: key, Files: cachekey.Files{
			{Path: "mip0.dds", Data: bytes.Repeat([]byte{0xAB}, 100000)},
			{Path: "meta/info.json", Data: []byte(`{"format":"bc7"}`)},
			{Path: "empty", Data: []byte{}},
		}}},
		{"files_result_empty", Message{Kind: KindFilesResult, Key: key}},
		{"status_result", Message{Kind: KindStatusResult, Stats: &Stats{Entries: 3, TotalBytes: 42, MaxBytes: 100, Evictions: 7}}},
		{"error", Message{Kind: KindError, Error: "go away"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sent := sendAsync(client, &tt.message)
			received, err := server.Receive()
			if err != nil {
				t.Fatalf("Receive failed: %v", err)
			}
			if err := testutil.RequireReceive(t, sent, 5*time.Second, "waiting for Send"); err != nil {
				t.Fatalf("Send failed: %v", err)
			}

			if received.Kind != tt.message.Kind || received.Key != tt.message.Key || received.Result != tt.message.Result {
				t.Errorf("received %s key=%s result=%v, want %s key=%s result=%v",
					received.Kind, received.Key.Short(), received.Result,
					tt.message.Kind, tt.message.Key.Short(), tt.message.Result)
			}
			if !received.Files.Equal(tt.message.Files) {
				t.Errorf("received files %v, want %v", received.Files.Paths(), tt.message.Files.Paths())
			}
			if received.Error != tt.message.Error {
				t.Errorf("Error = %q, want %q", received.Error, tt.message.Error)
			}
			if (received.Stats == nil) != (tt.message.Stats == nil) ||
				(received.Stats != nil && *received.Stats != *tt.message.Stats) {
				t.Errorf("Stats = %+v, want %+v", received.Stats, tt.message.Stats)
			}
		})
	}
}

func TestSendRejectsFilesOnWrongKind(t *testing.T) {
	client, _ := pipe(t, Options{})
	err := client.Send(&Message{
		Kind:  KindIsInCache,
		Files: cachekey.Files{{Path: "a", Data: []byte("x")}},
	})
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("Send(is_in_cache with files) error = %v, want ErrProtocol", err)
	}
}

// writeRaw writes a length-prefixed envelope directly, bypassing Send's
// checks, so tests can produce malformed traffic.
func writeRaw(t *testing.T, conn net.Conn, wire any, trailer []byte) <-chan error {
	t.Helper()
	data, err := codec.Marshal(wire)
	if err != nil {
		t.Fatal(err)
	}
	result := make(chan error, 1)
	go func() {
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
		frame := append(prefix[:], data...)
		frame = append(frame, trailer...)
		_, err := conn.Write(frame)
		result <- err
	}()
	return result
}

func TestReceiveRejectsMalformedEnvelopes(t *testing.T) {
	tests := []struct {
		name    string
		wire    envelope
		trailer []byte
		want    error
	}{
		{"version", envelope{Version: Version + 1, Kind: KindIsInCache}, nil, ErrVersionMismatch},
		{"unknown_kind", envelope{Version: Version, Kind: 77}, nil, ErrProtocol},
		{"files_on_query", envelope{Version: Version, Kind: KindIsInCache, Files: []fileHeader{{Path: "a", Size: 1}}}, []byte("x"), ErrProtocol},
		{"escaping_path", envelope{Version: Version, Kind: KindAddToCache, Files: []fileHeader{{Path: "../etc/passwd", Size: 1}}}, []byte("x"), ErrProtocol},
		{"negative_size", envelope{Version: Version, Kind: KindAddToCache, Files: []fileHeader{{Path: "a", Size: -5}}}, nil, ErrProtocol},
		{"payload_too_large", envelope{Version: Version, Kind: KindAddToCache, Files: []fileHeader{{Path: "a", Size: 2048}}}, nil, ErrProtocol},
		{"payload_size_overflow", envelope{Version: Version, Kind: KindAddToCache, Files: []fileHeader{{Path: "a", Size: 1}, {Path: "b", Size: math.MaxInt64}}}, []byte("x"), ErrProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			left, right := net.Pipe()
			defer left.Close()
			defer right.Close()
			receiver := NewConn(right, Options{MaxPayloadSize: 1024})

			writeRaw(t, left, &tt.wire, tt.trailer)
			_, err := receiver.Receive()
			if !errors.Is(err, tt.want) {
				t.Errorf("Receive error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReceiveRejectsOversizedEnvelope(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()
	receiver := NewConn(right, Options{MaxHeaderSize: 16})

	go func() {
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], 1<<20)
		left.Write(prefix[:])
	}()
	_, err := receiver.Receive()
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("Receive error = %v, want ErrProtocol", err)
	}
}

func TestReceiveAfterPeerClose(t *testing.T) {
	client, server := pipe(t, Options{})
	client.Close()

	_, err := server.Receive()
	if !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Receive after peer close: error = %v, want ErrConnectionLost", err)
	}
}

func TestReceiveTruncatedPayload(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()
	receiver := NewConn(right, Options{})

	done := writeRaw(t, left, &envelope{
		Version: Version,
		Kind:    KindFilesResult,
		Files:   []fileHeader{{Path: "a.bin", Size: 100}},
	}, []byte("only ten b"))
	go func() {
		<-done
		left.Close()
	}()

	_, err := receiver.Receive()
	if !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Receive of truncated payload: error = %v, want ErrConnectionLost", err)
	}
}

func TestReceiveHugeClaimedPayloadFromShortStream(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()
	receiver := NewConn(right, Options{MaxPayloadSize: 1 << 40})

	done := writeRaw(t, left, &envelope{
		Version: Version,
		Kind:    KindFilesResult,
		Files:   []fileHeader{{Path: "a.bin", Size: 1 << 40}},
	}, []byte("ten bytes!"))
	go func() {
		<-done
		left.Close()
	}()

	_, err := receiver.Receive()
	if !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Receive error = %v, want ErrConnectionLost", err)
	}
}

func TestLargePayloadRoundtrip(t *testing.T) {
	client, server := pipe(t, Options{})
	data := bytes.Repeat([]byte("0123456789abcdef"), 3*payloadChunk/16+5)
	message := &Message{Kind: KindFilesResult, Key: testKey("large"), Files: cachekey.Files{
		{Path: "small.bin", Data: []byte("s")},
		{Path: "large.bin", Data: data},
	}}

	sent := sendAsync(client, message)
	got, err := server.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if err := testutil.RequireReceive(t, sent, 5*time.Second, "Send returning"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !got.Files.Equal(message.Files) {
		t.Error("large payload did not survive the round trip")
	}
}

func TestSendTooLarge(t *testing.T) {
	tests := []struct {
		name    string
		options Options
		files   cachekey.Files
	}{
		{"payload", Options{MaxPayloadSize: 16}, cachekey.Files{{Path: "a", Data: make([]byte, 17)}}},
		{"envelope", Options{MaxHeaderSize: 256}, cachekey.Files{
			{Path: strings.Repeat("a", 200), Data: []byte("x")},
			{Path: strings.Repeat("b", 200), Data: []byte("y")},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Nothing reads the other end: a Send that wrote anything
			// would block on the synchronous pipe.
			client, _ := pipe(t, tt.options)
			message := &Message{Kind: KindAddToCache, Key: testKey(tt.name), Files: tt.files}

			if err := client.Check(message); !errors.Is(err, ErrTooLarge) {
				t.Errorf("Check error = %v, want ErrTooLarge", err)
			}
			if err := client.Send(message); !errors.Is(err, ErrTooLarge) {
				t.Errorf("Send error = %v, want ErrTooLarge", err)
			}
			if err := client.Check(&Message{Kind: KindIsInCache, Key: testKey(tt.name)}); err != nil {
				t.Errorf("Check of a small message: %v", err)
			}
		})
	}
}

func TestReceiveTimeout(t *testing.T) {
	_, server := pipe(t, Options{ReadTimeout: 20 * time.Millisecond})
	_, err := server.Receive()
	if !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Receive with idle peer: error = %v, want ErrConnectionLost", err)
	}
}

func TestKindResponse(t *testing.T) {
	tests := []struct {
		request, response Kind
	}{
		{KindIsInCache, KindIsInCacheResult},
		{KindAddToCache, KindAddToCacheResult},
		{KindGetFromCache, KindFilesResult},
		{KindStatus, KindStatusResult},
		{KindFilesResult, 0},
	}
	for _, tt := range tests {
		if got := tt.request.Response(); got != tt.response {
			t.Errorf("%s.Response() = %s, want %s", tt.request, got, tt.response)
		}
		if tt.request.IsRequest() != (tt.response != 0) {
			t.Errorf("%s.IsRequest() = %v", tt.request, tt.request.IsRequest())
		}
	}
	if got := Kind(200).String(); got != "unknown(200)" {
		t.Errorf("Kind(200).String() = %q", got)
	}
}
