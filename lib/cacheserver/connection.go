// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cacheserver

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bureau-foundation/assetcache/lib/protocol"
)

// State is the lifecycle position of one client connection:
//
//	Idle -> AwaitingRequest -> Processing -> Responding -> AwaitingRequest ... -> Closed
//
// Processing may block on store I/O; other connections keep running.
type State int32

const (
	StateIdle State = iota
	StateAwaitingRequest
	StateProcessing
	StateResponding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingRequest:
		return "awaiting_request"
	case StateProcessing:
		return "processing"
	case StateResponding:
		return "responding"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// connection is the server side of one client connection.
type connection struct {
	id     string
	remote string
	conn   *protocol.Conn
	logger *slog.Logger
	state  atomic.Int32
}

func (c *connection) setState(state State) {
	previous := State(c.state.Swap(int32(state)))
	if previous != state {
		c.logger.Debug("connection state", "from", previous.String(), "to", state.String())
	}
}

// ConnectionInfo describes one open connection.
type ConnectionInfo struct {
	ID     string
	Remote string
	State  State
}

// Connections lists the open client connections.
func (s *Server) Connections() []ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]ConnectionInfo, 0, len(s.connections))
	for _, handler := range s.connections {
		infos = append(infos, ConnectionInfo{
			ID:     handler.id,
			Remote: handler.remote,
			State:  State(handler.state.Load()),
		})
	}
	return infos
}
