// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/assetcache/cmd/assetcache/cli"
	"github.com/bureau-foundation/assetcache/lib/cachekey"
	"github.com/bureau-foundation/assetcache/lib/version"
)

// app carries what every command needs: the process context and the
// output streams, which tests replace with buffers.
type app struct {
	ctx    context.Context
	stdout io.Writer
	stderr io.Writer
}

func newApp(ctx context.Context, stdout, stderr io.Writer) *app {
	return &app{ctx: ctx, stdout: stdout, stderr: stderr}
}

func (a *app) root() *cli.Command {
	return &cli.Command{
		Name:        "assetcache",
		Summary:     "Shared asset cache client",
		Description: "Client and administration tool for the shared asset cache.",
		HelpOutput:  a.stderr,
		Subcommands: []*cli.Command{
			a.lookupCommand(),
			a.putCommand(),
			a.getCommand(),
			a.syncCommand(),
			a.statusCommand(),
			a.keyCommand(),
			a.hashDirCommand(),
			a.storeCommand(),
			a.versionCommand(),
		},
	}
}

func (a *app) versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(args []string) error {
			fmt.Fprintf(a.stdout, "assetcache %s\n", version.Full())
			return nil
		},
	}
}

// parseKeyArg parses the single <key> positional argument of a command.
func parseKeyArg(args []string, extra string) (cachekey.Key, []string, error) {
	if len(args) == 0 {
		return cachekey.Key{}, nil, fmt.Errorf("a key is required%s", extra)
	}
	key, err := cachekey.ParseKey(args[0])
	if err != nil {
		return cachekey.Key{}, nil, err
	}
	return key, args[1:], nil
}

// keyFlags are the inputs that identify a build: the directory whose
// content is the primary hash and the ordered parameters that make up
// the secondary hash.
type keyFlags struct {
	input  string
	params []string
}

func (k *keyFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&k.input, "input", "i", "", "directory holding the build inputs (required)")
	flagSet.StringArrayVarP(&k.params, "param", "p", nil, "transformation parameter, repeatable; order matters")
}

// entry builds a sealed cache entry from the flags plus any trailing
// parameters.
func (k *keyFlags) entry(trailing ...string) (*cachekey.Entry, cachekey.Key, error) {
	if k.input == "" {
		return nil, cachekey.Key{}, fmt.Errorf("--input is required")
	}
	entry := cachekey.NewEntry()
	if err := entry.SetPrimaryFromDirectory(k.input); err != nil {
		return nil, cachekey.Key{}, err
	}
	for _, param := range k.params {
		entry.AddParam(param)
	}
	for _, param := range trailing {
		entry.AddParam(param)
	}
	key, err := entry.Seal()
	if err != nil {
		return nil, cachekey.Key{}, err
	}
	return entry, key, nil
}

func (a *app) keyCommand() *cli.Command {
	var flags keyFlags
	return &cli.Command{
		Name:    "key",
		Summary: "Compute the cache key of a build",
		Description: `Compute the cache key of a build from its input directory and its
transformation parameters, and print it in <primary>:<secondary> form.`,
		Usage: "assetcache key --input <dir> [--param <p>]...",
		Examples: []cli.Example{
			{
				Description: "Key for compressing a texture directory with BC7",
				Command:     "assetcache key -i textures/rock -p texconv -p 2.1 -p format=bc7",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("key", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected arguments: %v", args)
			}
			_, key, err := flags.entry()
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, key.String())
			return nil
		},
	}
}

func (a *app) hashDirCommand() *cli.Command {
	return &cli.Command{
		Name:    "hash-dir",
		Summary: "Print the primary hash of a directory tree",
		Usage:   "assetcache hash-dir <dir>...",
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("at least one directory is required")
			}
			for _, dir := range args {
				hash, err := cachekey.HashDirectory(dir)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "%s  %s\n", cachekey.FormatHash(hash), dir)
			}
			return nil
		},
	}
}
