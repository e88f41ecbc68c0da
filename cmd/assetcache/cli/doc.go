// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-line framework for the assetcache
// tool.
//
// The central type is [Command]: a named node with optional nested
// [Command.Subcommands], a [pflag.FlagSet] factory, and a Run function.
// [Command.Execute] parses flags, routes to subcommands and prints
// structured help. An unknown subcommand or flag gets a "did you mean"
// suggestion when a known name is within edit distance 3.
//
// [ExitError] lets a command report a non-zero exit status (a cache
// miss, a failed verify) without an extra error line, and
// [NewCommandLogger] builds the slog logger commands hand to library
// code.
package cli
