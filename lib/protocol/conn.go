// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/assetcache/lib/cachekey"
	"github.com/bureau-foundation/assetcache/lib/codec"
)

const (
	// DefaultMaxHeaderSize bounds the CBOR envelope. The largest
	// envelopes are file lists: 1MiB holds many thousands of paths.
	DefaultMaxHeaderSize = 1 << 20

	// DefaultMaxPayloadSize bounds the total file bytes that may follow
	// one envelope. Payloads are read into memory, so this is also the
	// per-message memory bound.
	DefaultMaxPayloadSize = 1 << 30
)

// Options tunes a Conn. Zero values select the defaults.
type Options struct {
	MaxHeaderSize  int
	MaxPayloadSize int64

	// ReadTimeout, if positive, bounds each Receive from the moment
	// it is called. Servers use it as an idle timeout.
	ReadTimeout time.Duration

	// WriteTimeout, if positive, bounds each Send.
	WriteTimeout time.Duration
}

// Conn sends and receives Messages over a net.Conn. Send is safe for
// concurrent use; Receive must be called from one goroutine at a time.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	options Options

	writeMu sync.Mutex
	writer  *bufio.Writer
}

// NewConn wraps conn. The Conn owns conn from here on.
func NewConn(conn net.Conn, options Options) *Conn {
	if options.MaxHeaderSize <= 0 {
		options.MaxHeaderSize = DefaultMaxHeaderSize
	}
	if options.MaxPayloadSize <= 0 {
		options.MaxPayloadSize = DefaultMaxPayloadSize
	}
	return &Conn{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, 64*1024),
		writer:  bufio.NewWriterSize(conn, 64*1024),
		options: options,
	}
}

// RemoteAddr returns the peer address for logging.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection. A Receive blocked in another
// goroutine returns ErrConnectionLost.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Send writes message and its file payloads and flushes them. A
// message over the connection's limits fails with ErrTooLarge before
// anything is written.
func (c *Conn) Send(message *Message) error {
	data, err := c.encode(message)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.options.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	var lengthPrefix [4]byte
	binary.BigEndian.PutUint32(lengthPrefix[:], uint32(len(data)))
	if _, err := c.writer.Write(lengthPrefix[:]); err != nil {
		return transportError("writing envelope length", err)
	}
	if _, err := c.writer.Write(data); err != nil {
		return transportError("writing envelope", err)
	}
	for _, file := range message.Files {
		if _, err := c.writer.Write(file.Data); err != nil {
			return transportError("writing "+file.Path, err)
		}
	}
	if err := c.writer.Flush(); err != nil {
		return transportError("flushing "+message.Kind.String(), err)
	}
	return nil
}

// Check reports whether Send would accept message, without writing
// anything. Callers use it to reject an oversized request up front.
func (c *Conn) Check(message *Message) error {
	_, err := c.encode(message)
	return err
}

// encode builds and encodes the envelope for message and checks it
// against the connection's limits.
func (c *Conn) encode(message *Message) ([]byte, error) {
	wire := envelope{
		Version: Version,
		Kind:    message.Kind,
		Key:     message.Key,
		Result:  message.Result,
		Stats:   message.Stats,
		Error:   message.Error,
	}
	if len(message.Files) > 0 {
		if !message.Kind.carriesFiles() {
			return nil, fmt.Errorf("%w: %s message cannot carry files", ErrProtocol, message.Kind)
		}
		wire.Files = make([]fileHeader, len(message.Files))
		for i, file := range message.Files {
			wire.Files[i] = fileHeader{Path: file.Path, Size: int64(len(file.Data))}
		}
	}
	if total := message.Files.TotalSize(); total > c.options.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %s payload is %d bytes, maximum %d", ErrTooLarge, message.Kind, total, c.options.MaxPayloadSize)
	}

	data, err := codec.Marshal(&wire)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", message.Kind, err)
	}
	if len(data) > c.options.MaxHeaderSize {
		return nil, fmt.Errorf("%w: %s envelope is %d bytes, maximum %d", ErrTooLarge, message.Kind, len(data), c.options.MaxHeaderSize)
	}
	return data, nil
}

// Receive reads the next message and its file payloads. After an
// ErrProtocol or ErrVersionMismatch the stream position is undefined
// and the connection must be closed.
func (c *Conn) Receive() (*Message, error) {
	if c.options.ReadTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}

	var lengthPrefix [4]byte
	if _, err := io.ReadFull(c.reader, lengthPrefix[:]); err != nil {
		return nil, transportError("reading envelope length", err)
	}
	length := binary.BigEndian.Uint32(lengthPrefix[:])
	if length > uint32(c.options.MaxHeaderSize) {
		return nil, fmt.Errorf("%w: envelope size %d exceeds maximum %d", ErrProtocol, length, c.options.MaxHeaderSize)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(c.reader, data); err != nil {
		return nil, transportError("reading envelope", err)
	}

	var wire envelope
	if err := codec.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: decoding envelope: %w", ErrProtocol, err)
	}
	if wire.Version != Version {
		return nil, fmt.Errorf("%w: peer speaks version %d, this side %d", ErrVersionMismatch, wire.Version, Version)
	}
	if _, known := kindNames[wire.Kind]; !known {
		return nil, fmt.Errorf("%w: unknown message kind %d", ErrProtocol, uint8(wire.Kind))
	}
	if len(wire.Files) > 0 && !wire.Kind.carriesFiles() {
		return nil, fmt.Errorf("%w: %s message carries files", ErrProtocol, wire.Kind)
	}

	var total int64
	for _, header := range wire.Files {
		if err := cachekey.ValidatePath(header.Path); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		if header.Size < 0 {
			return nil, fmt.Errorf("%w: negative size for %s", ErrProtocol, header.Path)
		}
		// Compared against the remaining allowance so that huge sizes
		// cannot overflow the running total.
		if header.Size > c.options.MaxPayloadSize-total {
			return nil, fmt.Errorf("%w: payload exceeds maximum %d bytes", ErrProtocol, c.options.MaxPayloadSize)
		}
		total += header.Size
	}

	message := &Message{
		Kind:   wire.Kind,
		Key:    wire.Key,
		Result: wire.Result,
		Stats:  wire.Stats,
		Error:  wire.Error,
	}
	if len(wire.Files) > 0 {
		message.Files = make(cachekey.Files, len(wire.Files))
		for i, header := range wire.Files {
			content, err := c.readPayload(header.Size)
			if err != nil {
				return nil, transportError("reading "+header.Path, err)
			}
			message.Files[i] = cachekey.File{Path: header.Path, Data: content}
		}
	}
	return message, nil
}

// payloadChunk is the largest payload allocated up front. Larger
// payloads grow as their bytes arrive, so a header claiming a huge
// size costs nothing until the peer actually sends the data.
const payloadChunk = 1 << 20

func (c *Conn) readPayload(size int64) ([]byte, error) {
	if size <= payloadChunk {
		content := make([]byte, size)
		if _, err := io.ReadFull(c.reader, content); err != nil {
			return nil, err
		}
		return content, nil
	}
	var buffer bytes.Buffer
	buffer.Grow(payloadChunk)
	if _, err := io.CopyN(&buffer, c.reader, size); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buffer.Bytes(), nil
}

// transportError classifies a read or write failure on the underlying
// stream. Every such failure ends the connection, whatever its cause.
func transportError(operation string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrConnectionLost, operation, err)
}
