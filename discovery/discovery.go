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

// Package discovery implements O2's peer discovery protocol (spec §4.6):
// periodic broadcast of a self-description datagram, the lower-peer_id-
// initiates handshake rule, and full-then-incremental service-list
// replication to each newly or previously discovered peer.
package discovery

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-version"

	"github.com/aaronvark/o2/protocol"
)

const (
	backoffInitial = 100 * time.Millisecond
	backoffCap     = 4 * time.Second
)

// Engine tracks when this process is next due to broadcast, applying a
// geometric backoff from backoffInitial up to backoffCap.
type Engine struct {
	Self protocol.Discovery

	interval time.Duration
	lastSent time.Time
}

// NewEngine returns an Engine that broadcasts self's description,
// starting with no broadcast sent yet (DueToSend is true immediately).
func NewEngine(self protocol.Discovery) *Engine {
	return &Engine{Self: self, interval: backoffInitial}
}

// DueToSend reports whether it is time for the next broadcast.
func (e *Engine) DueToSend(now time.Time) bool {
	return e.lastSent.IsZero() || now.Sub(e.lastSent) >= e.interval
}

// MarkSent records that a broadcast was just sent at now, and advances
// the backoff interval, grounded on facebook-time's
// ptp/sptp/client/backoff.go geometric-mode doubling.
func (e *Engine) MarkSent(now time.Time) {
	e.lastSent = now
	e.interval *= 2
	if e.interval > backoffCap {
		e.interval = backoffCap
	}
}

// ShouldInitiateConnection implements spec §4.6's tie-break: only the
// side with the lower peer_id, by plain string ordering, opens the TCP
// connection when two processes discover each other simultaneously.
func ShouldInitiateConnection(selfID, peerID string) bool {
	return selfID < peerID
}

// minProtocolVersion is the oldest wire-compatible release this process
// will peer with; bumped whenever the on-wire message shapes change in
// a way older peers can't decode.
var minProtocolVersion = version.Must(version.NewVersion("1.0.0"))

// Compatible reports whether a peer advertising peerVersion can safely
// exchange messages with this process, spec §3's protocol-version
// compatibility check: two processes are compatible when they share the
// same major version and the peer is not older than minProtocolVersion.
func Compatible(selfVersionStr, peerVersionStr string) (bool, error) {
	self, err := version.NewVersion(selfVersionStr)
	if err != nil {
		return false, fmt.Errorf("discovery: parsing local protocol version %q: %w", selfVersionStr, err)
	}
	peer, err := version.NewVersion(peerVersionStr)
	if err != nil {
		return false, fmt.Errorf("discovery: parsing peer protocol version %q: %w", peerVersionStr, err)
	}
	if peer.LessThan(minProtocolVersion) {
		return false, nil
	}
	return self.Segments()[0] == peer.Segments()[0], nil
}

// Replicator tracks, per peer, which of this process's local services
// have already been announced to it, so the next announcement can be an
// incremental diff instead of the full list (spec §4.6).
type Replicator struct {
	announced map[string]map[string]bool
}

// NewReplicator returns an empty Replicator.
func NewReplicator() *Replicator {
	return &Replicator{announced: map[string]map[string]bool{}}
}

// Diff returns the services that must be announced (added) and retracted
// (removed) to bring peerID's view in line with current, the local
// service-name set. The first call for a given peerID returns the full
// set as added, since the peer's prior view is empty by definition.
func (r *Replicator) Diff(peerID string, current []string) (added, removed []string) {
	known, ok := r.announced[peerID]
	if !ok {
		known = map[string]bool{}
		r.announced[peerID] = known
	}
	seen := make(map[string]bool, len(current))
	for _, name := range current {
		seen[name] = true
		if !known[name] {
			added = append(added, name)
			known[name] = true
		}
	}
	for name := range known {
		if !seen[name] {
			removed = append(removed, name)
			delete(known, name)
		}
	}
	return added, removed
}

// Forget discards replication state for a peer that has gone away, so a
// future reconnect starts over with a full announcement.
func (r *Replicator) Forget(peerID string) {
	delete(r.announced, peerID)
}
