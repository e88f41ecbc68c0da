// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// assetcache is the command-line client and administration tool for
// the shared asset cache.
//
// Remote commands talk to a running assetcache-server:
//
//	assetcache lookup <key>            exit 0 on a hit, 1 on a miss
//	assetcache put <key> <path>...     store files under a key
//	assetcache get <key> -o <dir>      fetch files into a directory
//	assetcache sync --input <dir> ... -- <command>
//	                                   fetch a cached result or run the
//	                                   command and store what it produced
//	assetcache status                  server statistics
//
// Key commands compute keys without a server:
//
//	assetcache hash-dir <dir>          primary hash of a directory tree
//	assetcache key --input <dir> --param <p>...
//
// Store commands open a store directory directly, while no server
// owns it:
//
//	assetcache store list|stats|remove|verify
package main
