// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cacheserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/bureau-foundation/assetcache/lib/cachekey"
	"github.com/bureau-foundation/assetcache/lib/cachestore"
	"github.com/bureau-foundation/assetcache/lib/netutil"
	"github.com/bureau-foundation/assetcache/lib/protocol"
)

// Store is the storage engine as the server uses it.
// *cachestore.Store implements it.
type Store interface {
	Contains(key cachekey.Key) bool
	Insert(key cachekey.Key, files cachekey.Files) error
	Fetch(key cachekey.Key) (cachekey.Files, error)
	Stats() cachestore.Stats
}

// Config configures a Server.
type Config struct {
	// Store answers every request. Required.
	Store Store

	// Delegate observes completed transactions. If it also implements
	// AddFilter, it can veto adds. Optional.
	Delegate Delegate

	// Logger receives connection and request events. Defaults to a
	// discarding logger.
	Logger *slog.Logger

	// Registerer receives the server's Prometheus collectors. Nil
	// leaves them unregistered.
	Registerer prometheus.Registerer

	// IdleTimeout closes a connection that sends no request for this
	// long. Zero disables it.
	IdleTimeout time.Duration

	// WriteTimeout bounds sending one response. Zero disables it.
	WriteTimeout time.Duration

	// MaxHeaderSize and MaxPayloadSize bound messages in both
	// directions; zero selects the protocol defaults.
	MaxHeaderSize  int
	MaxPayloadSize int64
}

// Server accepts client connections and answers their requests from a
// Store. Each connection is served by its own goroutine; requests on
// one connection are handled one at a time, in arrival order, which is
// what guarantees per-key response ordering. Connections never wait on
// each other except where the store itself serializes (same-key
// writes, index updates).
type Server struct {
	store    Store
	delegate Delegate
	filter   AddFilter
	logger   *slog.Logger
	metrics  *metrics
	options  protocol.Options

	mu          sync.Mutex
	connections map[string]*connection
}

// New creates a Server. Call Serve or ListenAndServe to start it.
func New(config Config) (*Server, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("cacheserver: store is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	delegate := config.Delegate
	if delegate == nil {
		delegate = nopDelegate{}
	}
	filter, _ := delegate.(AddFilter)

	return &Server{
		store:    config.Store,
		delegate: delegate,
		filter:   filter,
		logger:   logger,
		metrics:  newMetrics(config.Registerer, config.Store),
		options: protocol.Options{
			MaxHeaderSize:  config.MaxHeaderSize,
			MaxPayloadSize: config.MaxPayloadSize,
			ReadTimeout:    config.IdleTimeout,
			WriteTimeout:   config.WriteTimeout,
		},
		connections: make(map[string]*connection),
	}, nil
}

// ListenAndServe listens on the TCP address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is cancelled, then
// closes the listener and every open connection and waits for their
// handlers to return. Requests that were being processed finish their
// store operation; their responses are lost with the connection.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	var handlers conc.WaitGroup
	defer handlers.Wait()
	defer listener.Close()

	// Unblock Accept and every Receive when the context is cancelled.
	stop := context.AfterFunc(ctx, func() {
		listener.Close()
		s.closeConnections()
	})
	defer stop()

	s.logger.Info("cache server listening", "address", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Info("cache server stopped", "address", listener.Addr().String())
				return nil
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		handler := s.register(conn)
		if ctx.Err() != nil {
			// Raced with shutdown after closeConnections ran.
			handler.conn.Close()
		}
		handlers.Go(func() { s.runConnection(handler) })
	}
}

func (s *Server) register(conn net.Conn) *connection {
	handler := &connection{
		id:     uuid.NewString(),
		conn:   protocol.NewConn(conn, s.options),
		remote: conn.RemoteAddr().String(),
	}
	handler.logger = s.logger.With("connection_id", handler.id, "remote", handler.remote)
	handler.state.Store(int32(StateIdle))

	s.mu.Lock()
	s.connections[handler.id] = handler
	s.mu.Unlock()

	s.metrics.connectionsTotal.Inc()
	s.metrics.connectionsOpen.Inc()
	return handler
}

func (s *Server) unregister(handler *connection) {
	s.mu.Lock()
	delete(s.connections, handler.id)
	s.mu.Unlock()
	s.metrics.connectionsOpen.Dec()
}

func (s *Server) closeConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, handler := range s.connections {
		handler.conn.Close()
	}
}

// ConnectionCount returns the number of open client connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// runConnection serves one connection until it closes. A panic in the
// handler (a delegate bug, say) is recovered and closes only this
// connection.
func (s *Server) runConnection(handler *connection) {
	defer s.unregister(handler)
	defer handler.conn.Close()

	var catcher panics.Catcher
	catcher.Try(func() { s.serveConnection(handler) })
	if recovered := catcher.Recovered(); recovered != nil {
		s.metrics.handlerPanics.Inc()
		handler.logger.Error("connection handler panicked",
			"error", recovered.AsError(),
			"stack", string(recovered.Stack),
		)
	}
	handler.setState(StateClosed)
}

func (s *Server) serveConnection(handler *connection) {
	handler.logger.Debug("connection opened")
	for {
		handler.setState(StateAwaitingRequest)
		request, err := handler.conn.Receive()
		if err != nil {
			s.receiveFailed(handler, err)
			return
		}
		if !request.Kind.IsRequest() {
			s.protocolFailure(handler, "unexpected_kind", fmt.Errorf("%w: client sent %s", protocol.ErrProtocol, request.Kind))
			return
		}

		handler.setState(StateProcessing)
		started := time.Now()
		response := s.process(handler, request)

		handler.setState(StateResponding)
		err = handler.conn.Send(response)
		if errors.Is(err, protocol.ErrTooLarge) && len(response.Files) > 0 {
			// Nothing was written. The client gets a miss instead.
			handler.logger.Warn("entry too large to send", "key", response.Key.String(), "error", err)
			response.Files = nil
			err = handler.conn.Send(response)
		}
		if err != nil {
			handler.logger.Debug("sending response failed", "kind", response.Kind.String(), "error", err)
			return
		}
		s.metrics.requestDuration.WithLabelValues(request.Kind.String()).Observe(time.Since(started).Seconds())
	}
}

func (s *Server) receiveFailed(handler *connection, err error) {
	switch {
	case errors.Is(err, protocol.ErrVersionMismatch):
		s.protocolFailure(handler, "version", err)
	case errors.Is(err, protocol.ErrProtocol):
		s.protocolFailure(handler, "malformed", err)
	case netutil.IsExpectedCloseError(err):
		handler.logger.Debug("client disconnected")
	case netutil.IsTimeout(err):
		handler.logger.Info("closing idle connection")
	default:
		handler.logger.Warn("connection failed", "error", err)
	}
}

// protocolFailure tells the client why it is being disconnected. The
// send is best effort; the connection is closed either way.
func (s *Server) protocolFailure(handler *connection, reason string, err error) {
	s.metrics.protocolFailures.WithLabelValues(reason).Inc()
	handler.logger.Warn("closing connection after protocol failure", "reason", reason, "error", err)
	handler.setState(StateResponding)
	handler.conn.Send(&protocol.Message{Kind: protocol.KindError, Error: err.Error()})
}

// process answers one request. Store failures never escape: they are
// logged and reported to the client as a negative result.
func (s *Server) process(handler *connection, request *protocol.Message) *protocol.Message {
	s.metrics.requests.WithLabelValues(request.Kind.String()).Inc()
	key := request.Key
	response := &protocol.Message{Kind: request.Kind.Response(), Key: key}

	switch request.Kind {
	case protocol.KindIsInCache:
		response.Result = s.store.Contains(key)
		s.metrics.lookup(request.Kind, response.Result)
		s.delegate.OnIsInCache(key)
		handler.logger.Debug("is_in_cache", "key", key.String(), "found", response.Result)

	case protocol.KindAddToCache:
		response.Result = s.add(handler, key, request.Files)

	case protocol.KindGetFromCache:
		s.delegate.OnRequestedFromCache(key)
		files, err := s.store.Fetch(key)
		switch {
		case err == nil:
			response.Files = files
		case errors.Is(err, cachestore.ErrNotFound):
		default:
			handler.logger.Error("fetching entry", "key", key.String(), "error", err)
		}
		s.metrics.lookup(request.Kind, err == nil)
		handler.logger.Debug("get_from_cache", "key", key.String(), "files", len(response.Files))

	case protocol.KindStatus:
		stats := s.store.Stats()
		response.Stats = &protocol.Stats{
			Entries:    stats.Entries,
			TotalBytes: stats.TotalBytes,
			MaxBytes:   stats.MaxBytes,
			Evictions:  stats.Evictions,
		}
	}
	return response
}

func (s *Server) add(handler *connection, key cachekey.Key, files cachekey.Files) bool {
	if s.filter != nil && !s.filter.AllowAdd(key, files) {
		s.metrics.adds.WithLabelValues("rejected").Inc()
		handler.logger.Info("add rejected by filter", "key", key.String())
		return false
	}
	if err := s.store.Insert(key, files); err != nil {
		s.metrics.adds.WithLabelValues("failed").Inc()
		level := slog.LevelError
		if errors.Is(err, cachestore.ErrCapacityExceeded) || errors.Is(err, cachestore.ErrBusy) {
			level = slog.LevelWarn
		}
		handler.logger.Log(context.Background(), level, "storing entry", "key", key.String(), "bytes", files.TotalSize(), "error", err)
		return false
	}
	s.metrics.adds.WithLabelValues("accepted").Inc()
	s.delegate.OnAddedToCache(key, files)
	handler.logger.Debug("add_to_cache", "key", key.String(), "files", len(files), "bytes", files.TotalSize())
	return true
}
