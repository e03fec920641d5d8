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

package transport

import "net"

// Loopback is an in-memory stand-in for a pair of connected UDP/TCP
// endpoints, letting tests exercise the o2 root package's multi-process
// scenarios (spec §8) without opening real sockets. It implements the
// same framing semantics as Conn (each Send delivered as one Poll-sized
// payload) but skips the network entirely.
type Loopback struct {
	peer   *Loopback
	inbox  [][]byte
	addr   net.Addr
	closed bool
}

type loopbackAddr string

func (a loopbackAddr) Network() string { return "loopback" }
func (a loopbackAddr) String() string  { return string(a) }

// NewLoopbackPair returns two Loopback endpoints wired to each other.
func NewLoopbackPair(nameA, nameB string) (a, b *Loopback) {
	a = &Loopback{addr: loopbackAddr(nameA)}
	b = &Loopback{addr: loopbackAddr(nameB)}
	a.peer = b
	b.peer = a
	return a, b
}

// RemoteAddr returns the peer endpoint's synthetic address.
func (l *Loopback) RemoteAddr() net.Addr { return l.peer.addr }

// Send delivers data to the peer endpoint's inbox immediately.
func (l *Loopback) Send(data []byte) error {
	if l.closed || l.peer == nil || l.peer.closed {
		return ErrClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	l.peer.inbox = append(l.peer.inbox, cp)
	return nil
}

// Poll returns the oldest undelivered message, or (nil, nil) if none.
func (l *Loopback) Poll() ([]byte, error) {
	if l.closed {
		return nil, ErrClosed
	}
	if len(l.inbox) == 0 {
		return nil, nil
	}
	msg := l.inbox[0]
	l.inbox = l.inbox[1:]
	return msg, nil
}

// Close marks both ends of the pair as closed.
func (l *Loopback) Close() error {
	l.closed = true
	if l.peer != nil {
		l.peer.closed = true
	}
	return nil
}
