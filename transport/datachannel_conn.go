// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// messageChunkSize bounds each write to a detached data channel.
	// Every write becomes one SCTP message, and browsers reject
	// messages much above 16 KiB.
	messageChunkSize = 16 << 10

	// channelReadSize is the buffer handed to each data channel read.
	// A detached channel returns one SCTP message per read and fails if
	// the buffer is smaller than the message.
	channelReadSize = 64 << 10

	// maxMessageSize caps a single framed peer message.
	maxMessageSize = 64 << 20
)

// DataChannelConn wraps a detached pion data channel as a net.Conn.
// Deadlines are enforced by closing the underlying channel when they
// fire: a blocked Read or Write then fails and the conn stays broken.
type DataChannelConn struct {
	rwc        io.ReadWriteCloser
	localLabel string
	peerLabel  string

	mu             sync.Mutex
	readTimer      *time.Timer
	writeTimer     *time.Timer
	deadlineClosed bool
}

// Compile-time interface check.
var _ net.Conn = (*DataChannelConn)(nil)

// NewDataChannelConn wraps rwc. The labels name the two endpoints in
// LocalAddr and RemoteAddr.
func NewDataChannelConn(rwc io.ReadWriteCloser, localLabel, peerLabel string) *DataChannelConn {
	return &DataChannelConn{rwc: rwc, localLabel: localLabel, peerLabel: peerLabel}
}

func (c *DataChannelConn) Read(buffer []byte) (int, error)  { return c.rwc.Read(buffer) }
func (c *DataChannelConn) Write(buffer []byte) (int, error) { return c.rwc.Write(buffer) }

func (c *DataChannelConn) Close() error {
	c.mu.Lock()
	stopTimer(&c.readTimer)
	stopTimer(&c.writeTimer)
	c.mu.Unlock()
	return c.rwc.Close()
}

func (c *DataChannelConn) LocalAddr() net.Addr  { return dataChannelAddr(c.localLabel) }
func (c *DataChannelConn) RemoteAddr() net.Addr { return dataChannelAddr(c.peerLabel) }

// SetDeadline sets both deadlines. A zero value clears them.
func (c *DataChannelConn) SetDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(&c.readTimer, deadline)
	c.armLocked(&c.writeTimer, deadline)
	return nil
}

func (c *DataChannelConn) SetReadDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(&c.readTimer, deadline)
	return nil
}

func (c *DataChannelConn) SetWriteDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(&c.writeTimer, deadline)
	return nil
}

// armLocked replaces *timer with one that breaks the conn at deadline.
func (c *DataChannelConn) armLocked(timer **time.Timer, deadline time.Time) {
	stopTimer(timer)
	if deadline.IsZero() || c.deadlineClosed {
		return
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		c.breakLocked()
		return
	}
	*timer = time.AfterFunc(remaining, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.breakLocked()
	})
}

func (c *DataChannelConn) breakLocked() {
	if c.deadlineClosed {
		return
	}
	c.deadlineClosed = true
	c.rwc.Close()
}

func stopTimer(timer **time.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}

// dataChannelAddr is a synthetic net.Addr naming a data channel
// endpoint.
type dataChannelAddr string

func (a dataChannelAddr) Network() string { return "webrtc" }
func (a dataChannelAddr) String() string  { return string(a) }

// messageConn carries length-prefixed messages over a data channel.
// Each message is a 4-byte big-endian length followed by the payload,
// written in chunks of at most messageChunkSize. WriteMessage is safe
// for concurrent use; ReadMessage must be called from one goroutine.
type messageConn struct {
	conn         net.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex

	readBuffer []byte
	pending    []byte
}

func newMessageConn(conn net.Conn, writeTimeout time.Duration) *messageConn {
	return &messageConn{
		conn:         conn,
		writeTimeout: writeTimeout,
		readBuffer:   make([]byte, channelReadSize),
	}
}

// WriteMessage sends one message.
func (c *messageConn) WriteMessage(payload []byte) error {
	if len(payload) > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit of %d", len(payload), maxMessageSize)
	}
	framed := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(framed, uint32(len(payload)))
	copy(framed[4:], payload)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	for len(framed) > 0 {
		chunk := framed[:min(len(framed), messageChunkSize)]
		if _, err := c.conn.Write(chunk); err != nil {
			return err
		}
		framed = framed[len(chunk):]
	}
	return nil
}

// ReadMessage blocks until one complete message has arrived.
func (c *messageConn) ReadMessage() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(c, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxMessageSize {
		return nil, fmt.Errorf("peer announced a %d byte message, limit is %d", size, maxMessageSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(c, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Read serves bytes from the last data channel message, reading the
// next one with a full-size buffer when it is used up.
func (c *messageConn) Read(buffer []byte) (int, error) {
	if len(c.pending) == 0 {
		n, err := c.conn.Read(c.readBuffer)
		if n == 0 {
			if err == nil {
				err = io.ErrNoProgress
			}
			return 0, err
		}
		c.pending = c.readBuffer[:n]
	}
	n := copy(buffer, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *messageConn) Close() error { return c.conn.Close() }
