// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/assetcache/cmd/assetcache/cli"
	"github.com/bureau-foundation/assetcache/lib/cacheclient"
	"github.com/bureau-foundation/assetcache/lib/cachekey"
)

const (
	// serverEnvVar overrides the default --server value.
	serverEnvVar = "ASSETCACHE_SERVER"

	defaultServer  = "127.0.0.1:7420"
	defaultTimeout = 5 * time.Minute
)

// remoteFlags are shared by every command that talks to a server.
type remoteFlags struct {
	server  string
	timeout time.Duration
	verbose bool
}

func (r *remoteFlags) register(flagSet *pflag.FlagSet) {
	server := defaultServer
	if value := os.Getenv(serverEnvVar); value != "" {
		server = value
	}
	flagSet.StringVarP(&r.server, "server", "s", server, "cache server host:port (default from $"+serverEnvVar+")")
	flagSet.DurationVar(&r.timeout, "timeout", defaultTimeout, "overall deadline for the command")
	flagSet.BoolVarP(&r.verbose, "verbose", "v", false, "log connection events")
}

// withResolver connects to the server, runs fn, and disconnects.
func (a *app) withResolver(flags *remoteFlags, fn func(ctx context.Context, resolver *cacheclient.Resolver) error) error {
	host, portText, err := net.SplitHostPort(flags.server)
	if err != nil {
		return fmt.Errorf("--server: %w", err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return fmt.Errorf("--server: invalid port %q", portText)
	}

	resolver, err := cacheclient.NewResolver(cacheclient.Config{
		Logger: cli.NewCommandLogger(flags.verbose),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(a.ctx, flags.timeout)
	defer cancel()
	if err := resolver.Client().Connect(ctx, host, port); err != nil {
		return err
	}
	defer resolver.Client().Disconnect()

	return fn(ctx, resolver)
}

func (a *app) lookupCommand() *cli.Command {
	var flags remoteFlags
	return &cli.Command{
		Name:    "lookup",
		Summary: "Ask whether the server holds a key",
		Description: `Ask whether the server holds a key. Prints "hit" and exits 0, or prints
"miss" and exits 1. A lookup does not count as a use of the entry.`,
		Usage: "assetcache lookup <key> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("lookup", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			key, rest, err := parseKeyArg(args, "")
			if err != nil {
				return err
			}
			if len(rest) > 0 {
				return fmt.Errorf("unexpected arguments: %v", rest)
			}
			return a.withResolver(&flags, func(ctx context.Context, resolver *cacheclient.Resolver) error {
				found, err := resolver.Contains(ctx, key)
				if err != nil {
					return err
				}
				if !found {
					fmt.Fprintln(a.stdout, "miss")
					return &cli.ExitError{Code: 1}
				}
				fmt.Fprintln(a.stdout, "hit")
				return nil
			})
		},
	}
}

func (a *app) putCommand() *cli.Command {
	var flags remoteFlags
	return &cli.Command{
		Name:    "put",
		Summary: "Store files under a key",
		Description: `Store files under a key. A file argument is stored under its base name;
a directory argument contributes every regular file below it, under its
path relative to that directory. Exits 1 if the server declines the
entry.`,
		Usage: "assetcache put <key> <path>... [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("put", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			key, paths, err := parseKeyArg(args, " followed by one or more paths")
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("at least one path is required")
			}
			entry := cachekey.NewEntry()
			for _, path := range paths {
				if err := addPath(entry, path); err != nil {
					return err
				}
			}
			files := entry.Files()
			if len(files) == 0 {
				return fmt.Errorf("no files found in %v", paths)
			}

			return a.withResolver(&flags, func(ctx context.Context, resolver *cacheclient.Resolver) error {
				stored, err := resolver.Put(ctx, key, files)
				if err != nil {
					return err
				}
				if !stored {
					fmt.Fprintf(a.stdout, "not stored: the server declined %s\n", key.Short())
					return &cli.ExitError{Code: 1}
				}
				fmt.Fprintf(a.stdout, "stored %d files (%s) under %s\n",
					len(files), humanize.IBytes(uint64(files.TotalSize())), key.Short())
				return nil
			})
		},
	}
}

func (a *app) getCommand() *cli.Command {
	var flags remoteFlags
	var output string
	return &cli.Command{
		Name:    "get",
		Summary: "Fetch the files stored under a key",
		Description: `Fetch the files stored under a key and write them below the output
directory. Exits 1 on a miss.`,
		Usage: "assetcache get <key> --output <dir> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("get", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.StringVarP(&output, "output", "o", "", "directory to write the files into (required)")
			return flagSet
		},
		Run: func(args []string) error {
			key, rest, err := parseKeyArg(args, "")
			if err != nil {
				return err
			}
			if len(rest) > 0 {
				return fmt.Errorf("unexpected arguments: %v", rest)
			}
			if output == "" {
				return fmt.Errorf("--output is required")
			}
			return a.withResolver(&flags, func(ctx context.Context, resolver *cacheclient.Resolver) error {
				files, err := resolver.Get(ctx, key)
				if err != nil {
					return err
				}
				if len(files) == 0 {
					fmt.Fprintf(a.stderr, "%s: not in cache\n", key.Short())
					return &cli.ExitError{Code: 1}
				}
				if err := writeFiles(output, files); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "fetched %d files (%s) into %s\n",
					len(files), humanize.IBytes(uint64(files.TotalSize())), output)
				return nil
			})
		},
	}
}

func (a *app) syncCommand() *cli.Command {
	var flags remoteFlags
	var keys keyFlags
	var output string
	return &cli.Command{
		Name:    "sync",
		Summary: "Fetch a cached build result or build and store it",
		Description: `Produce the output of a build step through the cache. The key is the
hash of the input directory plus the parameters and the command line.
On a hit the cached files are written to the output directory and the
command does not run. On a miss the command runs with ASSETCACHE_INPUT
and ASSETCACHE_OUTPUT set, and whatever it leaves in the output
directory is offered to the cache.`,
		Usage: "assetcache sync --input <dir> --output <dir> [--param <p>]... -- <command> [args]...",
		Examples: []cli.Example{
			{
				Description: "Cache a texture conversion",
				Command:     `assetcache sync -i src/rock -o build/rock -- sh -c 'texconv -f BC7 -o "$ASSETCACHE_OUTPUT" "$ASSETCACHE_INPUT"/*.png'`,
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("sync", pflag.ContinueOnError)
			flags.register(flagSet)
			keys.register(flagSet)
			flagSet.StringVarP(&output, "output", "o", "", "directory the build writes to (required)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("a command is required after --")
			}
			if output == "" {
				return fmt.Errorf("--output is required")
			}
			_, key, err := keys.entry(args...)
			if err != nil {
				return err
			}

			return a.withResolver(&flags, func(ctx context.Context, resolver *cacheclient.Resolver) error {
				outcome, err := resolver.Resolve(ctx, key, func(ctx context.Context) (cachekey.Files, error) {
					return a.build(ctx, keys.input, output, args)
				})
				if err != nil {
					return err
				}
				switch {
				case outcome.FromCache:
					if err := writeFiles(output, outcome.Files); err != nil {
						return err
					}
					fmt.Fprintf(a.stdout, "hit: %s, %d files\n", key.Short(), len(outcome.Files))
				case outcome.Stored:
					fmt.Fprintf(a.stdout, "built and stored: %s, %d files\n", key.Short(), len(outcome.Files))
				default:
					fmt.Fprintf(a.stdout, "built, not stored: %s, %d files\n", key.Short(), len(outcome.Files))
				}
				return nil
			})
		},
	}
}

// build runs command to produce the output directory, then collects
// what it wrote.
func (a *app) build(ctx context.Context, input, output string, command []string) (cachekey.Files, error) {
	if err := os.MkdirAll(output, 0o755); err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Env = append(os.Environ(), "ASSETCACHE_INPUT="+input, "ASSETCACHE_OUTPUT="+output)
	cmd.Stdout = a.stderr
	cmd.Stderr = a.stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("running %s: %w", command[0], err)
	}

	entry := cachekey.NewEntry()
	if err := addPath(entry, output); err != nil {
		return nil, err
	}
	if len(entry.Files()) == 0 {
		return nil, fmt.Errorf("%s produced no files in %s", command[0], output)
	}
	return entry.Files(), nil
}

func (a *app) statusCommand() *cli.Command {
	var flags remoteFlags
	return &cli.Command{
		Name:    "status",
		Summary: "Show server statistics",
		Usage:   "assetcache status [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected arguments: %v", args)
			}
			return a.withResolver(&flags, func(ctx context.Context, resolver *cacheclient.Resolver) error {
				stats, err := resolver.Client().Status(ctx)
				if err != nil {
					return err
				}
				printStats(a.stdout, flags.server, stats.Entries, stats.TotalBytes, stats.MaxBytes, stats.Evictions)
				return nil
			})
		},
	}
}
