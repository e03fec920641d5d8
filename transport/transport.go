/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package transport implements O2's two wire channels (spec §4.5): UDP
// for best-effort sends and discovery broadcast, and length-prefixed TCP
// for reliable, ordered command delivery. Both are read with a
// non-blocking poll primitive so a single goroutine can service every
// socket in its own cooperative loop (spec §5).
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// MaxMessageSize bounds a single TCP-framed message, guarding against a
// corrupt or hostile length prefix from ever making Poll allocate
// unbounded memory (spec §4.5, "malformed TCP frame" edge case).
const MaxMessageSize = 64 << 20

// ErrFrameTooLarge is returned when a TCP length prefix exceeds MaxMessageSize.
var ErrFrameTooLarge = errors.New("transport: frame exceeds MaxMessageSize")

// ErrClosed is returned by calls on a Conn whose peer has hung up.
var ErrClosed = errors.New("transport: connection closed")

// UDP is a non-blocking UDP endpoint used for both O2's unreliable data
// channel and discovery broadcast.
type UDP struct {
	conn *net.UDPConn
}

// ListenUDP binds a UDP socket on addr ("" for any interface), enabling
// SO_BROADCAST and SO_REUSEADDR on it, spec §4.5/§4.6.
func ListenUDP(addr *net.UDPAddr) (*UDP, error) {
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp: %w", err)
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); e != nil {
			sockErr = e
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if sockErr != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: setsockopt: %w", sockErr)
	}
	return &UDP{conn: conn}, nil
}

// LocalAddr returns the bound local address.
func (u *UDP) LocalAddr() *net.UDPAddr { return u.conn.LocalAddr().(*net.UDPAddr) }

// SendTo sends a single unreliable datagram, spec §4.5's best-effort path.
func (u *UDP) SendTo(addr *net.UDPAddr, data []byte) error {
	_, err := u.conn.WriteToUDP(data, addr)
	return err
}

// Poll attempts a single non-blocking read. It returns (nil, nil, nil)
// when nothing was waiting, mirroring a poll()-then-recv() cycle without
// needing raw unix.Poll: SetReadDeadline(time.Now()) makes the pending
// Read return immediately with a timeout error if no datagram is
// already queued (see DESIGN.md for why this was chosen over raw
// readiness polling).
func (u *UDP) Poll(buf []byte) (int, *net.UDPAddr, error) {
	if err := u.conn.SetReadDeadline(time.Now()); err != nil {
		return 0, nil, err
	}
	n, addr, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil, nil
		}
		return 0, nil, err
	}
	return n, addr, nil
}

// Close releases the underlying socket.
func (u *UDP) Close() error { return u.conn.Close() }

// Listener is a non-blocking TCP listener for O2's command channel.
type Listener struct {
	ln *net.TCPListener
}

// ListenTCP binds a TCP listener on addr, enabling SO_REUSEADDR.
func ListenTCP(addr *net.TCPAddr) (*Listener, error) {
	ln, err := net.ListenTCP("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen tcp: %w", err)
	}
	if err := setSockOptListener(ln); err != nil {
		ln.Close()
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

func setSockOptListener(ln *net.TCPListener) error {
	raw, err := ln.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	err = raw.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}

// LocalAddr returns the listener's bound address.
func (l *Listener) LocalAddr() *net.TCPAddr { return l.ln.Addr().(*net.TCPAddr) }

// Accept performs one non-blocking accept attempt, returning (nil, nil)
// when no connection is currently waiting.
func (l *Listener) Accept() (*Conn, error) {
	if err := l.ln.SetDeadline(time.Now()); err != nil {
		return nil, err
	}
	c, err := l.ln.AcceptTCP()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	return newConn(c), nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Conn is a framed TCP connection: every Send/receipt is a 4-byte
// big-endian length prefix followed by exactly that many payload bytes,
// spec §4.5. Partial reads and writes are buffered internally so the
// single poll loop can call Poll repeatedly without blocking.
type Conn struct {
	nc net.Conn

	readBuf  []byte // bytes read so far toward the current frame
	writeBuf []byte // bytes still queued to write (a prior Send stalled)
	closed   bool
}

func newConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// Dial opens a new framed TCP connection, spec §4.6's "initiator
// connects by peer_id ordering" step.
func Dial(addr *net.TCPAddr) (*Conn, error) {
	c, err := net.DialTCP("tcp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	return newConn(c), nil
}

// RemoteAddr returns the peer's address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Send queues data for delivery, framed with its 4-byte length prefix.
// It never blocks the caller: a write that cannot complete immediately
// is buffered, and the remainder is flushed by later FlushWrites calls
// from the poll loop (spec §4.5's "TCP send must not block the single
// thread").
func (c *Conn) Send(data []byte) error {
	if c.closed {
		return ErrClosed
	}
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	c.writeBuf = append(c.writeBuf, frame...)
	return c.FlushWrites()
}

// FlushWrites attempts to drain any buffered, not-yet-sent bytes. It
// must be called from the poll loop whenever the connection is
// writable; a nil error with bytes still buffered means try again later.
func (c *Conn) FlushWrites() error {
	for len(c.writeBuf) > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(0)); err != nil {
			return err
		}
		n, err := c.nc.Write(c.writeBuf)
		c.writeBuf = c.writeBuf[n:]
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil // wrote what fit, rest stays buffered
			}
			return fmt.Errorf("transport: write: %w", err)
		}
	}
	return nil
}

// Poll performs one non-blocking read attempt and, once a full frame has
// arrived, returns its payload. It returns (nil, nil) when no complete
// frame is available yet, and ErrClosed once the peer has hung up
// (spec's TCP_HUP status).
func (c *Conn) Poll() ([]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if err := c.nc.SetReadDeadline(time.Now()); err != nil {
		return nil, err
	}
	chunk := make([]byte, 65536)
	n, err := c.nc.Read(chunk)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			// no new bytes, but a prior read may already have a full frame
			return c.drainFrame()
		}
		c.closed = true
		log.Debugf("transport: connection to %s closed: %v", c.nc.RemoteAddr(), err)
		return nil, ErrClosed
	}
	if n == 0 {
		c.closed = true
		return nil, ErrClosed
	}
	c.readBuf = append(c.readBuf, chunk[:n]...)
	return c.drainFrame()
}

func (c *Conn) drainFrame() ([]byte, error) {
	if len(c.readBuf) < 4 {
		return nil, nil
	}
	length := binary.BigEndian.Uint32(c.readBuf[:4])
	if length > MaxMessageSize {
		c.closed = true
		return nil, fmt.Errorf("%d bytes: %w", length, ErrFrameTooLarge)
	}
	if len(c.readBuf) < 4+int(length) {
		return nil, nil
	}
	payload := make([]byte, length)
	copy(payload, c.readBuf[4:4+length])
	c.readBuf = c.readBuf[4+length:]
	return payload, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	c.closed = true
	return c.nc.Close()
}
