// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cacheserver

import "github.com/bureau-foundation/assetcache/lib/cachekey"

// Delegate observes every transaction the server completes. Methods
// are called synchronously on the connection's goroutine, after the
// store operation and before the response is sent, so a slow delegate
// stalls that connection (and only that connection). Implementations
// must be safe for concurrent use: different connections call them in
// parallel.
type Delegate interface {
	// OnIsInCache is called for every IsInCache request.
	OnIsInCache(key cachekey.Key)

	// OnAddedToCache is called after files were stored under key.
	// Rejected or failed adds do not call it.
	OnAddedToCache(key cachekey.Key, files cachekey.Files)

	// OnRequestedFromCache is called for every GetFromCache request,
	// hit or miss.
	OnRequestedFromCache(key cachekey.Key)
}

// AddFilter is an optional capability of a Delegate. When the delegate
// implements it, AllowAdd is consulted before each add reaches the
// store; returning false rejects the add with a negative result.
type AddFilter interface {
	AllowAdd(key cachekey.Key, files cachekey.Files) bool
}

// DelegateFuncs adapts plain functions to Delegate and AddFilter. Nil
// fields are skipped; a nil Allow accepts everything.
type DelegateFuncs struct {
	IsInCache          func(key cachekey.Key)
	AddedToCache       func(key cachekey.Key, files cachekey.Files)
	RequestedFromCache func(key cachekey.Key)
	Allow              func(key cachekey.Key, files cachekey.Files) bool
}

func (d DelegateFuncs) OnIsInCache(key cachekey.Key) {
	if d.IsInCache != nil {
		d.IsInCache(key)
	}
}

func (d DelegateFuncs) OnAddedToCache(key cachekey.Key, files cachekey.Files) {
	if d.AddedToCache != nil {
		d.AddedToCache(key, files)
	}
}

func (d DelegateFuncs) OnRequestedFromCache(key cachekey.Key) {
	if d.RequestedFromCache != nil {
		d.RequestedFromCache(key)
	}
}

func (d DelegateFuncs) AllowAdd(key cachekey.Key, files cachekey.Files) bool {
	if d.Allow == nil {
		return true
	}
	return d.Allow(key, files)
}

// nopDelegate is used when no delegate is configured.
type nopDelegate struct{}

func (nopDelegate) OnIsInCache(cachekey.Key) {}

func (nopDelegate) OnAddedToCache(cachekey.Key, cachekey.Files) {}

func (nopDelegate) OnRequestedFromCache(cachekey.Key) {}
