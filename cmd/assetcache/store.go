// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/assetcache/cmd/assetcache/cli"
	"github.com/bureau-foundation/assetcache/lib/cachekey"
	"github.com/bureau-foundation/assetcache/lib/cachestore"
	"github.com/bureau-foundation/assetcache/lib/config"
)

// storeFlags locate a store directory and its budget, either from the
// server's configuration file or directly.
type storeFlags struct {
	configPath string
	root       string
	maxSize    string
	verbose    bool
}

func (s *storeFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&s.configPath, "config", "", "server configuration file (default: $"+config.EnvVar+")")
	flagSet.StringVar(&s.root, "root", "", "store directory (overrides store.root)")
	flagSet.StringVar(&s.maxSize, "max-size", "", "store budget (overrides store.max_size); a budget below the stored total evicts")
	flagSet.BoolVarP(&s.verbose, "verbose", "v", false, "log store events")
}

// open opens the store for exclusive use. It fails with
// cachestore.ErrLocked while a server owns the directory.
func (s *storeFlags) open() (*cachestore.Store, error) {
	root, maxSize := s.root, s.maxSize

	path := s.configPath
	if path == "" {
		path = os.Getenv(config.EnvVar)
	}
	if path != "" {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		if root == "" {
			root = cfg.Store.Root
		}
		if maxSize == "" {
			maxSize = cfg.Store.MaxSize
		}
	}
	if root == "" || maxSize == "" {
		return nil, fmt.Errorf("the store needs --root and --max-size, or --config (or $%s)", config.EnvVar)
	}
	maxBytes, err := humanize.ParseBytes(maxSize)
	if err != nil {
		return nil, fmt.Errorf("--max-size: %w", err)
	}

	store, err := cachestore.Open(cachestore.Config{
		Root:     root,
		MaxBytes: int64(maxBytes),
		Logger:   cli.NewCommandLogger(s.verbose),
	})
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", root, err)
	}
	return store, nil
}

func (a *app) storeCommand() *cli.Command {
	return &cli.Command{
		Name:    "store",
		Summary: "Inspect and maintain a store directory",
		Description: `Inspect and maintain a store directory directly. The server must not be
running: a store is owned by one process at a time, and these commands
fail while the server holds it.`,
		Subcommands: []*cli.Command{
			a.storeListCommand(),
			a.storeStatsCommand(),
			a.storeRemoveCommand(),
			a.storeVerifyCommand(),
		},
	}
}

func (a *app) storeListCommand() *cli.Command {
	var flags storeFlags
	var long bool
	return &cli.Command{
		Name:    "list",
		Summary: "List entries, least recently used first",
		Usage:   "assetcache store list [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.BoolVarP(&long, "long", "l", false, "print full keys")
			return flagSet
		},
		Run: func(args []string) error {
			store, err := flags.open()
			if err != nil {
				return err
			}
			defer store.Close()

			tw := tabwriter.NewWriter(a.stdout, 2, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tSIZE\tFILES\tINSERTED\tLAST USED")
			for _, entry := range store.Entries() {
				key := entry.Key.Short()
				if long {
					key = entry.Key.String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					key,
					humanize.IBytes(uint64(entry.Size)),
					entry.FileCount,
					humanize.Time(entry.InsertedAt),
					humanize.Time(entry.AccessedAt),
				)
			}
			return tw.Flush()
		},
	}
}

func (a *app) storeStatsCommand() *cli.Command {
	var flags storeFlags
	return &cli.Command{
		Name:    "stats",
		Summary: "Show totals for a store directory",
		Usage:   "assetcache store stats [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("stats", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			store, err := flags.open()
			if err != nil {
				return err
			}
			defer store.Close()
			stats := store.Stats()
			printStats(a.stdout, flags.root, stats.Entries, stats.TotalBytes, stats.MaxBytes, stats.Evictions)
			return nil
		},
	}
}

func (a *app) storeRemoveCommand() *cli.Command {
	var flags storeFlags
	return &cli.Command{
		Name:    "remove",
		Summary: "Remove entries by key",
		Usage:   "assetcache store remove <key>... [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("remove", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("at least one key is required")
			}
			keys := make([]cachekey.Key, 0, len(args))
			for _, arg := range args {
				key, err := cachekey.ParseKey(arg)
				if err != nil {
					return err
				}
				keys = append(keys, key)
			}

			store, err := flags.open()
			if err != nil {
				return err
			}
			defer store.Close()
			for _, key := range keys {
				present := store.Contains(key)
				if err := store.Remove(key); err != nil {
					return err
				}
				if present {
					fmt.Fprintf(a.stdout, "removed %s\n", key.Short())
				} else {
					fmt.Fprintf(a.stdout, "absent  %s\n", key.Short())
				}
			}
			return nil
		},
	}
}

func (a *app) storeVerifyCommand() *cli.Command {
	var flags storeFlags
	return &cli.Command{
		Name:    "verify",
		Summary: "Check every entry against its content hashes",
		Description: `Re-read every entry and check it against its manifest and content
hashes. Corrupt entries are removed and listed; the command then exits 1.`,
		Usage: "assetcache store verify [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("verify", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			store, err := flags.open()
			if err != nil {
				return err
			}
			defer store.Close()

			checked := store.Stats().Entries
			dropped, err := store.Verify()
			for _, key := range dropped {
				fmt.Fprintf(a.stdout, "corrupt %s (removed)\n", key.String())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "verified %d entries, %d corrupt\n", checked, len(dropped))
			if len(dropped) > 0 {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}

func printStats(w io.Writer, source string, entries int, totalBytes, maxBytes int64, evictions uint64) {
	percent := 0.0
	if maxBytes > 0 {
		percent = 100 * float64(totalBytes) / float64(maxBytes)
	}
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	if source != "" {
		fmt.Fprintf(tw, "source:\t%s\n", source)
	}
	fmt.Fprintf(tw, "entries:\t%s\n", humanize.Comma(int64(entries)))
	fmt.Fprintf(tw, "size:\t%s of %s (%.1f%%)\n",
		humanize.IBytes(uint64(totalBytes)), humanize.IBytes(uint64(maxBytes)), percent)
	fmt.Fprintf(tw, "evictions:\t%s\n", humanize.Comma(int64(evictions)))
	tw.Flush()
}
