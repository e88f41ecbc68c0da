// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cacheclient

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/bureau-foundation/assetcache/lib/netutil"
	"github.com/bureau-foundation/assetcache/lib/protocol"
)

// session is one connection's worth of client state. A writer
// goroutine drains the outbound queue so request methods never block
// on the network; a reader goroutine matches responses to pending
// requests and runs the delegate callbacks.
//
// The server answers one connection's requests in order, so pending is
// a FIFO. Responses are still matched by kind and key rather than by
// position, so a response can never be delivered to the wrong
// request.
type session struct {
	client *Client
	conn   *protocol.Conn
	logger *slog.Logger

	// wake has capacity one; enqueue signals it after appending to
	// outbound.
	wake chan struct{}

	// done is closed once the reader has reported the end of the
	// session. Nothing is delivered after it closes.
	done chan struct{}

	// callbackMu keeps delegate callbacks one at a time. The reader
	// holds it for results and OnConnectionLost, the writer for
	// requests it could not send.
	callbackMu sync.Mutex

	mu       sync.Mutex
	pending  []*pendingRequest
	outbound []*protocol.Message
	closed   bool
	closeErr error
}

type pendingRequest struct {
	request Request
	message *protocol.Message

	// reply is set for Status requests, which are answered on a
	// channel instead of through the delegate.
	reply chan *protocol.Stats
}

func newSession(client *Client, conn *protocol.Conn, logger *slog.Logger) *session {
	s := &session{
		client: client,
		conn:   conn,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	go s.readLoop()
	return s
}

// enqueue records message as pending and queues it for sending. The
// pending record is appended in the same critical section as the
// outbound message, so pending order always equals wire order.
func (s *session) enqueue(message *protocol.Message, reply chan *protocol.Stats) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.pending = append(s.pending, &pendingRequest{
		request: Request{Kind: message.Kind, Key: message.Key},
		message: message,
		reply:   reply,
	})
	s.outbound = append(s.outbound, message)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// shutdown ends the session with err. The first call wins; the reader
// goroutine reports the end to the delegate.
func (s *session) shutdown(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = err
	s.outbound = nil
	s.mu.Unlock()
	s.conn.Close()
}

func (s *session) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}

		s.mu.Lock()
		batch := s.outbound
		s.outbound = nil
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		for _, message := range batch {
			err := s.conn.Send(message)
			if errors.Is(err, protocol.ErrTooLarge) {
				s.reject(message, err)
				continue
			}
			if err != nil {
				s.shutdown(err)
				return
			}
		}
	}
}

func (s *session) readLoop() {
	for {
		message, err := s.conn.Receive()
		if err != nil {
			s.shutdown(err)
			break
		}
		if message.Kind == protocol.KindError {
			s.shutdown(fmt.Errorf("%w: server closed the connection: %s", protocol.ErrConnectionLost, message.Error))
			break
		}
		matched := s.match(message)
		if matched == nil {
			s.shutdown(fmt.Errorf("%w: unsolicited %s for %s", protocol.ErrProtocol, message.Kind, message.Key.Short()))
			break
		}
		s.callbackMu.Lock()
		s.deliver(matched, message)
		s.callbackMu.Unlock()
	}
	s.finish()
}

// reject fails one request that Send refused before writing anything.
// The connection stays up; only this request gets a negative result.
func (s *session) reject(message *protocol.Message, err error) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()

	s.mu.Lock()
	index := slices.IndexFunc(s.pending, func(candidate *pendingRequest) bool {
		return candidate.message == message
	})
	if index < 0 {
		// Already reported through OnConnectionLost.
		s.mu.Unlock()
		return
	}
	s.pending = slices.Delete(s.pending, index, index+1)
	s.mu.Unlock()

	s.logger.Warn("request not sent", "kind", message.Kind.String(), "key", message.Key.String(), "error", err)
	delegate := s.client.delegate
	switch message.Kind {
	case protocol.KindIsInCache:
		delegate.OnIsInCache(message.Key, false)
	case protocol.KindAddToCache:
		delegate.OnAddedToCache(message.Key, false)
	case protocol.KindGetFromCache:
		delegate.OnReceivedFromCache(message.Key, nil)
	}
}

// match removes and returns the oldest pending request answered by
// message, or nil if none is.
func (s *session) match(message *protocol.Message) *pendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, candidate := range s.pending {
		if candidate.request.Kind.Response() == message.Kind && candidate.request.Key == message.Key {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return candidate
		}
	}
	return nil
}

// deliver runs the result callback for one request. Called on the
// reader goroutine with no lock held.
func (s *session) deliver(matched *pendingRequest, message *protocol.Message) {
	delegate := s.client.delegate
	switch message.Kind {
	case protocol.KindIsInCacheResult:
		delegate.OnIsInCache(message.Key, message.Result)
	case protocol.KindAddToCacheResult:
		delegate.OnAddedToCache(message.Key, message.Result)
	case protocol.KindFilesResult:
		delegate.OnReceivedFromCache(message.Key, message.Files)
	case protocol.KindStatusResult:
		stats := message.Stats
		if stats == nil {
			stats = &protocol.Stats{}
		}
		matched.reply <- stats
	}
}

// finish reports the end of the session: every request still pending
// failed. It runs once, on the reader goroutine, after the last result
// callback.
func (s *session) finish() {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()

	s.mu.Lock()
	outstanding := make([]Request, 0, len(s.pending))
	for _, request := range s.pending {
		if request.reply == nil {
			outstanding = append(outstanding, request.request)
		}
	}
	s.pending = nil
	err := s.closeErr
	s.mu.Unlock()

	s.client.sessionEnded(s)
	close(s.done)

	switch {
	case errors.Is(err, ErrDisconnected):
		s.logger.Info("disconnected from cache server", "outstanding", len(outstanding))
	case netutil.IsExpectedCloseError(err) && len(outstanding) == 0:
		s.logger.Info("cache server closed the connection")
	default:
		s.logger.Warn("connection to cache server lost", "error", err, "outstanding", len(outstanding))
	}
	s.client.delegate.OnConnectionLost(err, outstanding)
}
