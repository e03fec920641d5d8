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

// Package peer implements the O2 peer table (spec §4.4): one entry per
// remote process in the ensemble, its transport handle, clock
// synchronization state, and a free-form metadata map.
package peer

import (
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// RTTSampleCount is the number of most-recent round-trip samples a
// ClockState keeps, spec §4.4 ("RTT window of 5 samples").
const RTTSampleCount = 5

type rttSample struct {
	rtt    time.Duration
	offset time.Duration
}

// ClockState is a peer's clock-synchronization bookkeeping, spec §4.4.
// Only the master's entry is ever actively probed; for every other peer
// HasSync stays false and Offset stays 0.
type ClockState struct {
	HasSync bool
	Offset  time.Duration // local time + Offset ≈ master's clock

	samples [RTTSampleCount]rttSample
	next    int
	filled  int
}

// NewClockState returns a zeroed ClockState ready for RecordSample.
func NewClockState() *ClockState {
	return &ClockState{}
}

// RecordSample folds a new round-trip probe into the window, spec
// §4.4's "most recent 5 samples kept", pairing each RTT with the offset
// estimate computed from that same probe.
func (c *ClockState) RecordSample(rtt, offset time.Duration) {
	c.samples[c.next] = rttSample{rtt: rtt, offset: offset}
	c.next = (c.next + 1) % RTTSampleCount
	if c.filled < RTTSampleCount {
		c.filled++
	}
}

// RTTMean returns the mean RTT over the samples currently in the
// window (spec §4.4's rtt_samples[5]), or 0 if none.
func (c *ClockState) RTTMean() time.Duration {
	if c.filled == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < c.filled; i++ {
		sum += c.samples[i].rtt
	}
	return sum / time.Duration(c.filled)
}

// RTTMin returns the minimum of the samples currently in the window
// (reported through roundtrip; AdoptedOffset does its own scan to find
// the minimum-RTT sample's offset).
func (c *ClockState) RTTMin() time.Duration {
	if c.filled == 0 {
		return 0
	}
	min := c.samples[0].rtt
	for i := 1; i < c.filled; i++ {
		if c.samples[i].rtt < min {
			min = c.samples[i].rtt
		}
	}
	return min
}

// AdoptedOffset returns the offset paired with the window's minimum-RTT
// sample, spec §4.4: "the offset corresponding to the minimum RTT
// sample is adopted as the authoritative offset."
func (c *ClockState) AdoptedOffset() (time.Duration, bool) {
	if c.filled == 0 {
		return 0, false
	}
	best := c.samples[0]
	for i := 1; i < c.filled; i++ {
		if c.samples[i].rtt < best.rtt {
			best = c.samples[i]
		}
	}
	return best.offset, true
}

// Status mirrors the process-wide status codes of spec §6 from one
// peer's point of view: whether this process has ever heard from it and
// whether its clock is synchronized with ours.
type Status int

// Peer lifecycle states, spec §4.4.
const (
	StatusConnecting Status = iota
	StatusConnected
	StatusClockSynced
	StatusGone
)

// Peer is one remote O2 process known to this one.
type Peer struct {
	ID            string // peer_id, spec §3
	Name          string // ensemble-unique process name
	ProtocolVersion string

	TCPAddr net.Addr
	UDPAddr net.Addr

	IsMaster bool
	Status   Status

	Clock *ClockState

	// Services lists the names this peer has announced it provides;
	// authoritative copies live in the directory, this is bookkeeping
	// for incremental-update diffing on the next discovery message.
	Services []string

	LastSeen time.Time

	// Metadata is a free-form map of what the peer has advertised. The
	// only key this module sets is "master_candidate" ("true"/"false"),
	// taken from the peer's discovery datagram.
	Metadata map[string]string
}

// NewPeer constructs a Peer in the Connecting state.
func NewPeer(id string) *Peer {
	return &Peer{
		ID:     id,
		Status: StatusConnecting,
		Clock:  NewClockState(),
	}
}

// Touch records that a message was just received from this peer.
func (p *Peer) Touch(now time.Time) {
	p.LastSeen = now
	if p.Status == StatusConnecting {
		p.Status = StatusConnected
	}
}

// Table is the process-wide set of known peers, keyed by peer_id.
//
// Like directory.Directory, Table carries no internal lock: it is owned
// exclusively by the single poll thread (spec §5).
type Table struct {
	byID map[string]*Peer
}

// New returns an empty Table.
func New() *Table {
	return &Table{byID: map[string]*Peer{}}
}

// Get returns the peer with the given id, if known.
func (t *Table) Get(id string) (*Peer, bool) {
	p, ok := t.byID[id]
	return p, ok
}

// Put inserts or replaces a peer.
func (t *Table) Put(p *Peer) {
	t.byID[p.ID] = p
}

// Remove deletes a peer, typically after a TCP hangup or a missed
// heartbeat deadline (spec §4.4).
func (t *Table) Remove(id string) {
	if _, ok := t.byID[id]; ok {
		delete(t.byID, id)
		log.Debugf("peer: removed %s", id)
	}
}

// All returns a snapshot of every known peer.
func (t *Table) All() []*Peer {
	out := make([]*Peer, 0, len(t.byID))
	for _, p := range t.byID {
		out = append(out, p)
	}
	return out
}

// Len reports the number of known peers.
func (t *Table) Len() int { return len(t.byID) }

// ExpireStale removes every peer whose LastSeen is older than deadline,
// spec §4.4's "peer presumed gone after missing N heartbeats"; it
// returns the ids removed so the caller (o2.Process.Poll) can also tear
// down their directory entries and transport connections.
func (t *Table) ExpireStale(now time.Time, timeout time.Duration) []string {
	var gone []string
	for id, p := range t.byID {
		if p.Status == StatusGone {
			continue
		}
		if now.Sub(p.LastSeen) > timeout {
			p.Status = StatusGone
			gone = append(gone, id)
			delete(t.byID, id)
		}
	}
	return gone
}
