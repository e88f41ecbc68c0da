// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/assetcache/cmd/assetcache/cli"
	"github.com/bureau-foundation/assetcache/lib/cachekey"
	"github.com/bureau-foundation/assetcache/lib/cacheserver"
	"github.com/bureau-foundation/assetcache/lib/cachestore"
	"github.com/bureau-foundation/assetcache/lib/testutil"
)

// runApp runs the command tree with args and returns what it printed.
func runApp(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := newApp(context.Background(), &stdout, &stderr).root().Execute(args)
	return stdout.String(), stderr.String(), err
}

func requireExitCode(t *testing.T, err error, code int) {
	t.Helper()
	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != code {
		t.Fatalf("error = %v, want exit code %d", err, code)
	}
}

// startServer runs a real server on a temp-dir store and returns its
// address.
func startServer(t *testing.T) string {
	t.Helper()
	store, err := cachestore.Open(cachestore.Config{Root: t.TempDir(), MaxBytes: 1 << 20})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	server, err := cacheserver.New(cacheserver.Config{Store: store})
	if err != nil {
		t.Fatal(err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(ctx, listener)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		store.Close()
	})
	return listener.Addr().String()
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return string(data)
}

func uniqueKey(t *testing.T) string {
	t.Helper()
	id := testutil.UniqueID(t.Name())
	return cachekey.NewKey(cachekey.HashContent([]byte(id)), cachekey.HashParams([]string{"cli-test"})).String()
}

func TestKeyCommand(t *testing.T) {
	input := writeTree(t, map[string]string{"rock.png": "pixels", "sub/normal.png": "normals"})

	stdout, _, err := runApp(t, "key", "--input", input, "-p", "texconv", "-p", "format=bc7")
	if err != nil {
		t.Fatalf("key failed: %v", err)
	}
	key, err := cachekey.ParseKey(strings.TrimSpace(stdout))
	if err != nil {
		t.Fatalf("key output %q does not parse: %v", stdout, err)
	}

	primary, err := cachekey.HashDirectory(input)
	if err != nil {
		t.Fatal(err)
	}
	want := cachekey.NewKey(primary, cachekey.HashParams([]string{"texconv", "format=bc7"}))
	if key != want {
		t.Errorf("key = %s, want %s", key, want)
	}

	reordered, _, err := runApp(t, "key", "--input", input, "-p", "format=bc7", "-p", "texconv")
	if err != nil {
		t.Fatal(err)
	}
	if reordered == stdout {
		t.Error("parameter order did not change the key")
	}

	if _, _, err := runApp(t, "key"); err == nil {
		t.Error("expected an error without --input")
	}
}

func TestHashDirCommand(t *testing.T) {
	input := writeTree(t, map[string]string{"a.txt": "a"})
	stdout, _, err := runApp(t, "hash-dir", input)
	if err != nil {
		t.Fatalf("hash-dir failed: %v", err)
	}
	hash, err := cachekey.HashDirectory(input)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(stdout, cachekey.FormatHash(hash)+"  ") {
		t.Errorf("hash-dir output = %q, want %s first", stdout, cachekey.FormatHash(hash))
	}
}

func TestPutLookupGet(t *testing.T) {
	server := startServer(t)
	key := uniqueKey(t)

	stdout, _, err := runApp(t, "lookup", key, "--server", server)
	requireExitCode(t, err, 1)
	if strings.TrimSpace(stdout) != "miss" {
		t.Errorf("lookup output = %q, want miss", stdout)
	}

	outputs := writeTree(t, map[string]string{"mesh.bin": "vertices", "lod/mesh1.bin": "fewer vertices"})
	extra := filepath.Join(writeTree(t, map[string]string{"manifest.json": "{}"}), "manifest.json")
	stdout, _, err = runApp(t, "put", key, outputs, extra, "--server", server)
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if !strings.HasPrefix(stdout, "stored 3 files") {
		t.Errorf("put output = %q", stdout)
	}

	stdout, _, err = runApp(t, "lookup", key, "--server", server)
	if err != nil {
		t.Fatalf("lookup after put failed: %v", err)
	}
	if strings.TrimSpace(stdout) != "hit" {
		t.Errorf("lookup output = %q, want hit", stdout)
	}

	destination := t.TempDir()
	if _, _, err := runApp(t, "get", key, "-o", destination, "--server", server); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	for name, want := range map[string]string{
		"mesh.bin":      "vertices",
		"lod/mesh1.bin": "fewer vertices",
		"manifest.json": "{}",
	} {
		if got := readFile(t, filepath.Join(destination, filepath.FromSlash(name))); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestGetMiss(t *testing.T) {
	server := startServer(t)
	_, stderr, err := runApp(t, "get", uniqueKey(t), "-o", t.TempDir(), "--server", server)
	requireExitCode(t, err, 1)
	if !strings.Contains(stderr, "not in cache") {
		t.Errorf("stderr = %q, want a miss message", stderr)
	}
}

func TestSync(t *testing.T) {
	server := startServer(t)
	input := writeTree(t, map[string]string{"source.txt": "raw asset"})
	counter := filepath.Join(t.TempDir(), "runs")
	command := []string{"sh", "-c", `echo run >> "` + counter + `" && tr a-z A-Z < "$ASSETCACHE_INPUT/source.txt" > "$ASSETCACHE_OUTPUT/converted.txt"`}

	firstOutput := filepath.Join(t.TempDir(), "out")
	args := append([]string{"sync", "--server", server, "-i", input, "-o", firstOutput, "-p", "upper", "--"}, command...)
	stdout, _, err := runApp(t, args...)
	if err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if !strings.HasPrefix(stdout, "built and stored") {
		t.Errorf("first sync output = %q", stdout)
	}
	if got := readFile(t, filepath.Join(firstOutput, "converted.txt")); got != "RAW ASSET" {
		t.Errorf("converted.txt = %q", got)
	}

	secondOutput := filepath.Join(t.TempDir(), "out")
	args = append([]string{"sync", "--server", server, "-i", input, "-o", secondOutput, "-p", "upper", "--"}, command...)
	stdout, _, err = runApp(t, args...)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if !strings.HasPrefix(stdout, "hit") {
		t.Errorf("second sync output = %q, want a hit", stdout)
	}
	if got := readFile(t, filepath.Join(secondOutput, "converted.txt")); got != "RAW ASSET" {
		t.Errorf("converted.txt from cache = %q", got)
	}
	if runs := strings.Count(readFile(t, counter), "run"); runs != 1 {
		t.Errorf("command ran %d times, want 1", runs)
	}
}

func TestSyncBuildFailure(t *testing.T) {
	server := startServer(t)
	input := writeTree(t, map[string]string{"source.txt": "raw"})
	_, _, err := runApp(t, "sync", "--server", server, "-i", input, "-o", t.TempDir(), "--", "sh", "-c", "exit 3")
	if err == nil || !strings.Contains(err.Error(), "running sh") {
		t.Errorf("sync error = %v, want the build failure", err)
	}
}

func TestStatus(t *testing.T) {
	server := startServer(t)
	outputs := writeTree(t, map[string]string{"a.bin": "0123456789"})
	if _, _, err := runApp(t, "put", uniqueKey(t), outputs, "--server", server); err != nil {
		t.Fatal(err)
	}

	stdout, _, err := runApp(t, "status", "--server", server)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"entries:", "1", "10 B of 1.0 MiB"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("status output missing %q:\n%s", want, stdout)
		}
	}
}

func TestRemoteCommandErrors(t *testing.T) {
	if _, _, err := runApp(t, "lookup", "not-a-key"); err == nil {
		t.Error("expected an error for a malformed key")
	}
	if _, _, err := runApp(t, "lookup", uniqueKey(t), "--server", "no-port"); err == nil {
		t.Error("expected an error for a server address without a port")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	address := listener.Addr().String()
	listener.Close()
	if _, _, err := runApp(t, "status", "--server", address); err == nil {
		t.Error("expected a connection error")
	}
}
