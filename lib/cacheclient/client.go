// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cacheclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bureau-foundation/assetcache/lib/cachekey"
	"github.com/bureau-foundation/assetcache/lib/protocol"
)

var (
	// ErrNotConnected is returned by request methods when the client
	// has no live connection. Nothing is sent and no callback fires.
	ErrNotConnected = errors.New("not connected to a cache server")

	// ErrAlreadyConnected is returned by Connect on a connected
	// client.
	ErrAlreadyConnected = errors.New("already connected to a cache server")

	// ErrDisconnected is the error passed to OnConnectionLost when
	// the connection ended because Disconnect was called.
	ErrDisconnected = fmt.Errorf("%w: disconnected by client", protocol.ErrConnectionLost)
)

// DefaultDialTimeout bounds Connect when the context has no deadline.
const DefaultDialTimeout = 10 * time.Second

// Config configures a Client.
type Config struct {
	// Delegate receives request results. Required.
	Delegate Delegate

	// Logger receives connection lifecycle events. Defaults to a
	// discarding logger.
	Logger *slog.Logger

	// DialTimeout bounds Connect. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// MaxHeaderSize and MaxPayloadSize bound messages in both
	// directions; zero selects the protocol defaults.
	MaxHeaderSize  int
	MaxPayloadSize int64
}

// Client is the asynchronous client side of the asset cache protocol.
// Request methods return as soon as the request is queued; the result
// arrives later through the Delegate. A Client holds at most one
// connection at a time and may reconnect after losing it. It is safe
// for concurrent use.
type Client struct {
	delegate    Delegate
	logger      *slog.Logger
	dialTimeout time.Duration
	options     protocol.Options

	mu      sync.Mutex
	session *session
}

// New creates a disconnected Client.
func New(config Config) (*Client, error) {
	if config.Delegate == nil {
		return nil, fmt.Errorf("cacheclient: delegate is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	dialTimeout := config.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	return &Client{
		delegate:    config.Delegate,
		logger:      logger,
		dialTimeout: dialTimeout,
		options: protocol.Options{
			MaxHeaderSize:  config.MaxHeaderSize,
			MaxPayloadSize: config.MaxPayloadSize,
		},
	}, nil
}

// Connect dials the server at host:port. It does not retry; a caller
// that wants reconnection calls Connect again after OnConnectionLost.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	address := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", address, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		// Another Connect won the race.
		conn.Close()
		return ErrAlreadyConnected
	}
	c.session = newSession(c, protocol.NewConn(conn, c.options), c.logger.With("server", address))
	c.logger.Info("connected to cache server", "server", address)
	return nil
}

// IsConnected reports whether the client has a live connection.
func (c *Client) IsConnected() bool {
	return c.current() != nil
}

// current returns the live session, or nil.
func (c *Client) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// sessionEnded forgets s if it is still the current session.
func (c *Client) sessionEnded(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == s {
		c.session = nil
	}
}

// Disconnect closes the connection. Outstanding requests are reported
// through OnConnectionLost with ErrDisconnected, asynchronously, as the
// last callback for this connection. Disconnecting a disconnected
// client is a no-op.
func (c *Client) Disconnect() {
	c.mu.Lock()
	current := c.session
	c.session = nil
	c.mu.Unlock()
	if current != nil {
		current.shutdown(ErrDisconnected)
	}
}

// IsInCache asks whether the server holds key. The answer arrives via
// OnIsInCache.
func (c *Client) IsInCache(key cachekey.Key) error {
	return c.send(&protocol.Message{Kind: protocol.KindIsInCache, Key: key}, nil)
}

// AddToCache asks the server to store files under key. The outcome
// arrives via OnAddedToCache. The client keeps a reference to files
// until they are sent; callers must not modify them meanwhile.
//
// Files over the connection's message limits are refused here with an
// error wrapping protocol.ErrTooLarge; nothing is sent and other
// requests are unaffected.
func (c *Client) AddToCache(key cachekey.Key, files cachekey.Files) error {
	if err := files.Validate(); err != nil {
		return fmt.Errorf("adding %s: %w", key.Short(), err)
	}
	current := c.current()
	if current == nil {
		return ErrNotConnected
	}
	message := &protocol.Message{Kind: protocol.KindAddToCache, Key: key, Files: files}
	if err := current.conn.Check(message); err != nil {
		return fmt.Errorf("adding %s: %w", key.Short(), err)
	}
	return current.enqueue(message, nil)
}

// GetFromCache asks for the files stored under key. They arrive via
// OnReceivedFromCache.
func (c *Client) GetFromCache(key cachekey.Key) error {
	return c.send(&protocol.Message{Kind: protocol.KindGetFromCache, Key: key}, nil)
}

// Status asks the server for store statistics and waits for the
// answer. Unlike the other requests it is synchronous and does not
// involve the Delegate.
func (c *Client) Status(ctx context.Context) (protocol.Stats, error) {
	reply := make(chan *protocol.Stats, 1)
	current := c.current()
	if current == nil {
		return protocol.Stats{}, ErrNotConnected
	}
	if err := current.enqueue(&protocol.Message{Kind: protocol.KindStatus}, reply); err != nil {
		return protocol.Stats{}, err
	}

	select {
	case stats := <-reply:
		return *stats, nil
	case <-ctx.Done():
		return protocol.Stats{}, ctx.Err()
	case <-current.done:
		select {
		case stats := <-reply:
			return *stats, nil
		default:
			return protocol.Stats{}, current.err()
		}
	}
}

func (c *Client) send(message *protocol.Message, reply chan *protocol.Stats) error {
	current := c.current()
	if current == nil {
		return ErrNotConnected
	}
	return current.enqueue(message, reply)
}
