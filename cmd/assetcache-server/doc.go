// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// assetcache-server runs the shared asset cache: a TCP server that
// answers lookup, add and fetch requests from build machines out of an
// LRU-bounded on-disk store.
//
// Configuration comes from the YAML file named by --config or
// ASSETCACHE_CONFIG (see lib/config). Flags override individual file
// values. The process owns the store directory exclusively while it
// runs; stop it before running "assetcache store" commands against the
// same directory.
//
// Alongside the cache protocol it serves Prometheus metrics on
// server.metrics_address (/metrics) and periodically persists LRU
// order. SIGINT or SIGTERM closes the listener and every connection,
// flushes the index and releases the store.
package main
