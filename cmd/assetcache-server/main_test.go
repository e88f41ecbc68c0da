// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/assetcache/lib/cacheclient"
	"github.com/bureau-foundation/assetcache/lib/cachekey"
	"github.com/bureau-foundation/assetcache/lib/cachestore"
	"github.com/bureau-foundation/assetcache/lib/config"
	"github.com/bureau-foundation/assetcache/lib/testutil"
)

const testTimeout = 5 * time.Second

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assetcache.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions([]string{"--config", "/etc/assetcache.yaml", "--listen", "0.0.0.0:9000", "--metrics-address="})
	if err != nil {
		t.Fatalf("parseOptions failed: %v", err)
	}
	if opts.configPath != "/etc/assetcache.yaml" {
		t.Errorf("configPath = %q", opts.configPath)
	}
	if opts.listenAddress == nil || *opts.listenAddress != "0.0.0.0:9000" {
		t.Errorf("listenAddress = %v, want 0.0.0.0:9000", opts.listenAddress)
	}
	if opts.metricsAddress == nil || *opts.metricsAddress != "" {
		t.Errorf("metricsAddress = %v, want an explicit empty override", opts.metricsAddress)
	}
	if opts.root != nil || opts.maxSize != nil || opts.logLevel != nil {
		t.Error("flags that were not given must not override")
	}

	if _, err := parseOptions([]string{"stray"}); err == nil {
		t.Error("expected an error for positional arguments")
	}
}

func TestLoadConfig_RequiresPath(t *testing.T) {
	t.Setenv(config.EnvVar, "")
	opts, err := parseOptions(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := opts.loadConfig(); err == nil || !strings.Contains(err.Error(), config.EnvVar) {
		t.Errorf("loadConfig() error = %v, want one naming %s", err, config.EnvVar)
	}
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
store:
  root: /file/cache
  max_size: 1GiB
  compression: lz4
`)
	t.Setenv(config.EnvVar, path)

	opts, err := parseOptions([]string{"--root", "/flag/cache", "--compression", "zstd"})
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Store.Root != "/flag/cache" {
		t.Errorf("root = %q, want the flag value", cfg.Store.Root)
	}
	if cfg.Store.Compression != "zstd" {
		t.Errorf("compression = %q, want the flag value", cfg.Store.Compression)
	}
	if cfg.Store.MaxSize != "1GiB" {
		t.Errorf("max_size = %q, want the file value", cfg.Store.MaxSize)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	opts, err := parseOptions([]string{"--config", writeConfig(t, "store:\n  compression: brotli\n")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := opts.loadConfig(); err == nil || !strings.Contains(err.Error(), "store.compression") {
		t.Errorf("loadConfig() error = %v, want a store.compression complaint", err)
	}
}

func TestNewLogger(t *testing.T) {
	var output bytes.Buffer
	logger, err := newLogger("warn", &output)
	if err != nil {
		t.Fatalf("newLogger failed: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept", "key", "value")
	if strings.Contains(output.String(), "dropped") {
		t.Error("info record logged at warn level")
	}
	if !strings.Contains(output.String(), `"msg":"kept"`) {
		t.Errorf("expected a JSON record, got %q", output.String())
	}

	if _, err := newLogger("chatty", io.Discard); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestServe(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	cfg := config.Default()
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Server.MetricsAddress = "127.0.0.1:0"
	cfg.Store.Root = root
	cfg.Store.MaxSize = "1MiB"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan endpoints, 1)
	result := make(chan error, 1)
	go func() {
		result <- serve(ctx, cfg, testutil.DiscardLogger(), ready)
	}()
	bound := testutil.RequireReceive(t, ready, testTimeout, "server listening")

	resolver, err := cacheclient.NewResolver(cacheclient.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := resolver.Client().Connect(ctx, "127.0.0.1", bound.cache.(*net.TCPAddr).Port); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer resolver.Client().Disconnect()

	key := cachekey.NewKey(cachekey.HashContent([]byte("input")), cachekey.HashParams([]string{"server-test"}))
	files := cachekey.Files{{Path: "out/a.bin", Data: []byte("payload")}}
	requestCtx, requestCancel := context.WithTimeout(ctx, testTimeout)
	defer requestCancel()
	if stored, err := resolver.Put(requestCtx, key, files); err != nil || !stored {
		t.Fatalf("Put = %v, %v; want true, nil", stored, err)
	}
	fetched, err := resolver.Get(requestCtx, key)
	if err != nil || !fetched.Equal(files) {
		t.Fatalf("Get = %v, %v; want the stored files", fetched, err)
	}

	response, err := http.Get("http://" + bound.metrics.String() + "/metrics")
	if err != nil {
		t.Fatalf("scraping metrics: %v", err)
	}
	body, err := io.ReadAll(response.Body)
	response.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		"assetcache_server_requests_total",
		"assetcache_store_entries 1",
		"assetcache_build_info",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %q", name)
		}
	}

	cancel()
	if err := testutil.RequireReceive(t, result, testTimeout, "serve returning"); err != nil {
		t.Errorf("serve returned %v, want nil", err)
	}

	// The store lock is released and the entry survived.
	store, err := cachestore.Open(cachestore.Config{Root: root, MaxBytes: 1 << 20})
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer store.Close()
	if !store.Contains(key) {
		t.Error("entry missing after restart")
	}
}

func TestServe_ListenFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer occupied.Close()

	cfg := config.Default()
	cfg.Server.ListenAddress = occupied.Addr().String()
	cfg.Server.MetricsAddress = ""
	cfg.Store.Root = t.TempDir()

	err = serve(context.Background(), cfg, testutil.DiscardLogger(), nil)
	if err == nil || !strings.Contains(err.Error(), "listening on") {
		t.Errorf("serve() error = %v, want a listen failure", err)
	}

	// The store was closed on the way out.
	store, err := cachestore.Open(cachestore.Config{Root: cfg.Store.Root, MaxBytes: 1 << 20})
	if err != nil {
		t.Fatalf("store still locked after a failed start: %v", err)
	}
	store.Close()
}
