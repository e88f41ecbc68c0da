// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/assetcache/lib/cacheserver"
	"github.com/bureau-foundation/assetcache/lib/cachestore"
	"github.com/bureau-foundation/assetcache/lib/config"
	"github.com/bureau-foundation/assetcache/lib/process"
	"github.com/bureau-foundation/assetcache/lib/version"
)

// metricsShutdownTimeout bounds draining in-flight scrapes on exit.
const metricsShutdownTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	opts, err := parseOptions(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.showVersion {
		fmt.Printf("assetcache-server %s\n", version.Info())
		return nil
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log.Level, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger, nil)
}

// options holds parsed flags. Override fields are nil unless the flag
// was given, so an explicit empty value (--metrics-address="") still
// overrides the file.
type options struct {
	configPath  string
	showVersion bool

	listenAddress  *string
	metricsAddress *string
	root           *string
	maxSize        *string
	compression    *string
	logLevel       *string
}

func parseOptions(args []string) (*options, error) {
	var opts options
	var listenAddress, metricsAddress, root, maxSize, compression, logLevel string

	flagSet := pflag.NewFlagSet("assetcache-server", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "configuration file (default: $"+config.EnvVar+")")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	flagSet.StringVar(&listenAddress, "listen", "", "TCP address for cache clients (overrides server.listen_address)")
	flagSet.StringVar(&metricsAddress, "metrics-address", "", "HTTP address for /metrics, empty to disable (overrides server.metrics_address)")
	flagSet.StringVar(&root, "root", "", "store directory (overrides store.root)")
	flagSet.StringVar(&maxSize, "max-size", "", "store budget, e.g. 10GiB (overrides store.max_size)")
	flagSet.StringVar(&compression, "compression", "", "auto, none, lz4 or zstd (overrides store.compression)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides log.level)")
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if flagSet.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", flagSet.Args())
	}

	changed := func(name string, value *string) *string {
		if flagSet.Changed(name) {
			return value
		}
		return nil
	}
	opts.listenAddress = changed("listen", &listenAddress)
	opts.metricsAddress = changed("metrics-address", &metricsAddress)
	opts.root = changed("root", &root)
	opts.maxSize = changed("max-size", &maxSize)
	opts.compression = changed("compression", &compression)
	opts.logLevel = changed("log-level", &logLevel)
	return &opts, nil
}

// loadConfig reads the configuration file, applies flag overrides and
// validates the result.
func (o *options) loadConfig() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		path = os.Getenv(config.EnvVar)
	}
	if path == "" {
		return nil, fmt.Errorf("no configuration: pass --config or set %s", config.EnvVar)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}

	for _, override := range []struct {
		value  *string
		target *string
	}{
		{o.listenAddress, &cfg.Server.ListenAddress},
		{o.metricsAddress, &cfg.Server.MetricsAddress},
		{o.root, &cfg.Store.Root},
		{o.maxSize, &cfg.Store.MaxSize},
		{o.compression, &cfg.Store.Compression},
		{o.logLevel, &cfg.Log.Level},
	} {
		if override.value != nil {
			*override.target = *override.value
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s:\n%w", path, err)
	}
	return cfg, nil
}

// newLogger creates the process logger: JSON on w at the configured
// level.
func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parsed})), nil
}

// endpoints reports where a started server is listening.
type endpoints struct {
	cache   net.Addr
	metrics net.Addr // nil when metrics are disabled
}

// serve opens the store and runs the cache server, the metrics
// endpoint and the index flusher until ctx is cancelled. If ready is
// non-nil it receives the bound addresses once everything is
// listening.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, ready chan<- endpoints) error {
	settings, err := resolveSettings(cfg)
	if err != nil {
		return err
	}

	if err := cfg.EnsureRoot(); err != nil {
		return err
	}
	store, err := cachestore.Open(cachestore.Config{
		Root:        cfg.Store.Root,
		MaxBytes:    settings.maxBytes,
		Compression: settings.compression,
		Logger:      logger.With("component", "store"),
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		buildInfo(),
	)

	server, err := cacheserver.New(cacheserver.Config{
		Store:          store,
		Logger:         logger.With("component", "server"),
		Registerer:     registry,
		IdleTimeout:    settings.readTimeout,
		WriteTimeout:   settings.writeTimeout,
		MaxPayloadSize: settings.maxMessageBytes,
	})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.ListenAddress, err)
	}
	bound := endpoints{cache: listener.Addr()}

	var metricsServer *http.Server
	var metricsListener net.Listener
	if cfg.Server.MetricsAddress != "" {
		metricsListener, err = net.Listen("tcp", cfg.Server.MetricsAddress)
		if err != nil {
			listener.Close()
			return fmt.Errorf("listening on %s: %w", cfg.Server.MetricsAddress, err)
		}
		bound.metrics = metricsListener.Addr()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	logger.Info("asset cache server starting",
		"version", version.Info(),
		"environment", cfg.Environment,
		"address", bound.cache.String(),
		"root", cfg.Store.Root,
		"max_bytes", settings.maxBytes,
		"compression", settings.compression.String(),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Serve(groupCtx, listener)
	})
	group.Go(func() error {
		store.RunFlusher(groupCtx, settings.flushInterval)
		return nil
	})
	if metricsServer != nil {
		group.Go(func() error {
			if err := metricsServer.Serve(metricsListener); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	if ready != nil {
		ready <- bound
	}

	err = group.Wait()
	logger.Info("asset cache server stopped")
	return err
}

// settings are the parsed forms of validated configuration strings.
type settings struct {
	maxBytes        int64
	maxMessageBytes int64
	compression     cachestore.Compression
	readTimeout     time.Duration
	writeTimeout    time.Duration
	flushInterval   time.Duration
}

func resolveSettings(cfg *config.Config) (settings, error) {
	var s settings
	var err error
	if s.maxBytes, err = cfg.MaxBytes(); err != nil {
		return s, fmt.Errorf("store.max_size: %w", err)
	}
	if s.maxMessageBytes, err = cfg.MaxMessageBytes(); err != nil {
		return s, fmt.Errorf("server.max_message_size: %w", err)
	}
	if s.compression, err = cachestore.ParseCompression(cfg.Store.Compression); err != nil {
		return s, fmt.Errorf("store.compression: %w", err)
	}
	if s.readTimeout, err = cfg.ReadTimeout(); err != nil {
		return s, fmt.Errorf("server.read_timeout: %w", err)
	}
	if s.writeTimeout, err = cfg.WriteTimeout(); err != nil {
		return s, fmt.Errorf("server.write_timeout: %w", err)
	}
	if s.flushInterval, err = cfg.FlushInterval(); err != nil {
		return s, fmt.Errorf("store.flush_interval: %w", err)
	}
	return s, nil
}

// buildInfo exports the running version as a constant gauge.
func buildInfo() prometheus.Collector {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "assetcache",
		Name:      "build_info",
		Help:      "Build information of the running server; always 1.",
	}, []string{"version", "commit"})
	gauge.WithLabelValues(version.Short(), version.GitCommit).Set(1)
	return gauge
}
