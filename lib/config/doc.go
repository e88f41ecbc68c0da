// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the asset
// cache server.
//
// Configuration is loaded from a single file specified by either the
// ASSETCACHE_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks and no automatic file
// search.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches. Without a production section,
// production logs at warn.
//
// Sizes are human readable ("10GiB", "500 MB") and durations are Go
// duration strings ("30s", "5m"). ${VAR} and ${VAR:-default} patterns
// in addresses and store fields are expanded after loading.
//
// Key exports:
//
//   - [Config] -- master struct with Server, Store, Log
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other asset cache packages.
package config
