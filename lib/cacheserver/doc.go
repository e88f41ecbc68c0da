// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cacheserver serves the asset cache protocol over TCP.
//
// A [Server] owns no storage of its own: it decodes requests from each
// connection, answers them from a [Store] (normally a
// *cachestore.Store), and reports every completed transaction to an
// optional [Delegate]. Store failures never reach the client as
// errors; they become negative results (false, or an empty file list),
// and the client decides whether to rebuild.
//
// Connections are independent. A request that blocks on disk I/O, or
// on a slow delegate, holds up only the connection it arrived on.
package cacheserver
