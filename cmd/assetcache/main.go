// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/assetcache/lib/process"
)

func main() {
	if err := run(); err != nil {
		// Commands that print their own outcome (lookup, get, verify)
		// return an ExitError; no extra "error:" line for those.
		process.Exit(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return newApp(ctx, os.Stdout, os.Stderr).root().Execute(os.Args[1:])
}
