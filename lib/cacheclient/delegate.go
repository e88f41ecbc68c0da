// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cacheclient

import (
	"github.com/bureau-foundation/assetcache/lib/cachekey"
	"github.com/bureau-foundation/assetcache/lib/protocol"
)

// Request identifies one request a client sent.
type Request struct {
	Kind protocol.Kind
	Key  cachekey.Key
}

// Delegate receives the results of a Client's requests.
//
// Every accepted request produces exactly one callback: its result
// callback if the server answered, or inclusion in the outstanding
// list of OnConnectionLost if the connection ended first. Callbacks
// run one at a time, in the order responses arrive, with no client
// lock held; they may issue new requests. They run on the connection's
// receive goroutine, except the negative result for a request too
// large to send, which runs on its send goroutine. A callback that
// blocks delays every later response on the connection.
type Delegate interface {
	// OnIsInCache reports whether the server holds key.
	OnIsInCache(key cachekey.Key, found bool)

	// OnAddedToCache reports whether the server stored the files.
	OnAddedToCache(key cachekey.Key, accepted bool)

	// OnReceivedFromCache delivers the files stored under key. Empty
	// files means the server had no usable entry.
	OnReceivedFromCache(key cachekey.Key, files cachekey.Files)

	// OnConnectionLost reports the end of a connection and the
	// requests that never got a response. It is the last callback for
	// the connection. Disconnect also triggers it.
	OnConnectionLost(err error, outstanding []Request)
}

// DelegateFuncs adapts plain functions to Delegate. Nil fields are
// skipped.
type DelegateFuncs struct {
	IsInCache         func(key cachekey.Key, found bool)
	AddedToCache      func(key cachekey.Key, accepted bool)
	ReceivedFromCache func(key cachekey.Key, files cachekey.Files)
	ConnectionLost    func(err error, outstanding []Request)
}

func (d DelegateFuncs) OnIsInCache(key cachekey.Key, found bool) {
	if d.IsInCache != nil {
		d.IsInCache(key, found)
	}
}

func (d DelegateFuncs) OnAddedToCache(key cachekey.Key, accepted bool) {
	if d.AddedToCache != nil {
		d.AddedToCache(key, accepted)
	}
}

func (d DelegateFuncs) OnReceivedFromCache(key cachekey.Key, files cachekey.Files) {
	if d.ReceivedFromCache != nil {
		d.ReceivedFromCache(key, files)
	}
}

func (d DelegateFuncs) OnConnectionLost(err error, outstanding []Request) {
	if d.ConnectionLost != nil {
		d.ConnectionLost(err, outstanding)
	}
}
