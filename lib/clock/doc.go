// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// The storage engine stamps every record with an access time and runs a
// periodic index flush; the server stamps connection lifetimes. All of
// them take a Clock instead of calling the time package so tests can
// control time:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	store, _ := cachestore.Open(cachestore.Config{Root: dir, MaxBytes: 10, Clock: c})
//	c.WaitForTickers(1)      // wait for the flusher goroutine to register
//	c.Advance(time.Minute)   // fire it deterministically
package clock
