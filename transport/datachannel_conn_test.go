// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"
)

func TestDataChannelConn_ReadWrite(t *testing.T) {
	client, server := newPacketPipe()
	clientConn := NewDataChannelConn(client, "client/quire", "server/quire")
	serverConn := NewDataChannelConn(server, "server/quire", "client/quire")
	defer clientConn.Close()
	defer serverConn.Close()

	if _, err := clientConn.Write([]byte("hello from client")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buffer := make([]byte, 256)
	n, err := serverConn.Read(buffer)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := string(buffer[:n]); got != "hello from client" {
		t.Errorf("read = %q, want %q", got, "hello from client")
	}
}

func TestDataChannelConn_Addresses(t *testing.T) {
	stream, _ := newPacketPipe()
	conn := NewDataChannelConn(stream, "local/quire", "remote/quire")
	defer conn.Close()

	if conn.LocalAddr().Network() != "webrtc" {
		t.Errorf("LocalAddr().Network() = %q, want %q", conn.LocalAddr().Network(), "webrtc")
	}
	if conn.LocalAddr().String() != "local/quire" {
		t.Errorf("LocalAddr().String() = %q, want %q", conn.LocalAddr().String(), "local/quire")
	}
	if conn.RemoteAddr().String() != "remote/quire" {
		t.Errorf("RemoteAddr().String() = %q, want %q", conn.RemoteAddr().String(), "remote/quire")
	}
}

func TestDataChannelConn_DeadlineClosesStream(t *testing.T) {
	stream, _ := newPacketPipe()
	conn := NewDataChannelConn(stream, "local", "remote")

	conn.SetReadDeadline(time.Now().Add(-time.Second))

	if _, err := conn.Read(make([]byte, 10)); err == nil {
		t.Fatal("expected error from Read after expired deadline, got nil")
	}
}

func TestDataChannelConn_ClearDeadline(t *testing.T) {
	client, server := newPacketPipe()
	clientConn := NewDataChannelConn(client, "client", "server")
	serverConn := NewDataChannelConn(server, "server", "client")
	defer clientConn.Close()
	defer serverConn.Close()

	clientConn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	clientConn.SetReadDeadline(time.Time{})
	time.Sleep(100 * time.Millisecond)

	if _, err := serverConn.Write([]byte("still alive")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buffer := make([]byte, 256)
	n, err := clientConn.Read(buffer)
	if err != nil {
		t.Fatalf("Read after clearing deadline: %v", err)
	}
	if got := string(buffer[:n]); got != "still alive" {
		t.Errorf("read = %q, want %q", got, "still alive")
	}
}

func TestMessageConn_RoundTrip(t *testing.T) {
	client, server := newPacketPipe()
	writer := newMessageConn(NewDataChannelConn(client, "a", "b"), time.Second)
	reader := newMessageConn(NewDataChannelConn(server, "b", "a"), time.Second)
	defer writer.Close()
	defer reader.Close()

	large := bytes.Repeat([]byte("quire "), 30000)
	messages := [][]byte{[]byte("small"), {}, large, []byte("after")}
	go func() {
		for _, message := range messages {
			if err := writer.WriteMessage(message); err != nil {
				t.Errorf("WriteMessage: %v", err)
				return
			}
		}
	}()

	for index, want := range messages {
		got, err := reader.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage %d: %v", index, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("message %d: got %d bytes, want %d", index, len(got), len(want))
		}
	}

	for _, size := range client.written() {
		if size > messageChunkSize {
			t.Fatalf("wrote a %d byte packet, limit is %d", size, messageChunkSize)
		}
	}
}

func TestMessageConn_RejectsOversizedHeader(t *testing.T) {
	client, server := newPacketPipe()
	reader := newMessageConn(NewDataChannelConn(server, "b", "a"), 0)
	defer reader.Close()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], maxMessageSize+1)
	if _, err := client.Write(header[:]); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := reader.ReadMessage(); err == nil {
		t.Fatal("ReadMessage accepted a message above the size limit")
	}
}

func TestMessageConn_ReadAfterClose(t *testing.T) {
	client, server := newPacketPipe()
	reader := newMessageConn(NewDataChannelConn(server, "b", "a"), 0)
	client.Close()
	if _, err := reader.ReadMessage(); err != io.EOF {
		t.Fatalf("ReadMessage after peer close = %v, want io.EOF", err)
	}
}

// packetPipe is one end of an in-memory message-oriented stream that
// behaves like a detached data channel: each Write is one packet and
// each Read returns one whole packet, failing with io.ErrShortBuffer
// when the buffer is too small.
type packetPipe struct {
	incoming <-chan []byte
	outgoing chan<- []byte
	shared   *packetPipeState

	mu     sync.Mutex
	sizes  []int
	closed bool
}

type packetPipeState struct {
	once sync.Once
	done chan struct{}
}

func newPacketPipe() (*packetPipe, *packetPipe) {
	forward := make(chan []byte, 1024)
	backward := make(chan []byte, 1024)
	shared := &packetPipeState{done: make(chan struct{})}
	return &packetPipe{incoming: backward, outgoing: forward, shared: shared},
		&packetPipe{incoming: forward, outgoing: backward, shared: shared}
}

func (p *packetPipe) Read(buffer []byte) (int, error) {
	select {
	case packet := <-p.incoming:
		if len(buffer) < len(packet) {
			return 0, io.ErrShortBuffer
		}
		return copy(buffer, packet), nil
	case <-p.shared.done:
		return 0, io.EOF
	}
}

func (p *packetPipe) Write(buffer []byte) (int, error) {
	select {
	case <-p.shared.done:
		return 0, io.ErrClosedPipe
	default:
	}
	p.mu.Lock()
	p.sizes = append(p.sizes, len(buffer))
	p.mu.Unlock()
	p.outgoing <- bytes.Clone(buffer)
	return len(buffer), nil
}

func (p *packetPipe) Close() error {
	p.shared.once.Do(func() { close(p.shared.done) })
	return nil
}

func (p *packetPipe) written() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.sizes...)
}
