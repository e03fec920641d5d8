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

// Package clock implements O2's master election and clock-sync protocol
// (spec §4.7): a process becomes a master candidate by calling SetCandidate,
// the candidate with the lowest peer_id wins election (package bmc), and
// every non-master process periodically probes the master over UDP to
// maintain a slewed software offset (package servo) on top of its own
// injectable local clock.
package clock

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aaronvark/o2/clock/bmc"
	"github.com/aaronvark/o2/clock/servo"
	"github.com/aaronvark/o2/peer"
	"github.com/aaronvark/o2/protocol"
)

const (
	// fastProbeInterval is used for the first fastProbeCount samples
	// after a master is newly known, spec §4.7 "faster for the first
	// few samples".
	fastProbeInterval = 100 * time.Millisecond
	fastProbeCount    = 8
	// steadyProbeInterval is the steady-state cadence, spec §4.7's "≈0.5Hz".
	steadyProbeInterval = 2 * time.Second
)

// ErrUnexpectedReply is returned by HandleReply for a request id this
// Clock did not issue (already answered, or never sent).
var ErrUnexpectedReply = errors.New("clock: reply does not match a pending probe")

// Clock owns election state, probe scheduling, and the skew servo for
// one O2 process. It holds no socket; IssueProbe/HandleReply operate on
// decoded protocol values, and the caller (package o2) is responsible
// for the actual UDP send/receive.
type Clock struct {
	selfID      string
	isCandidate bool
	isMaster    bool
	masterID    string

	skew *servo.Skew
	sync *peer.ClockState // the master's clock_state; nil until a master is known

	nextRequestID int32
	pending       map[int32]float64 // requestID -> t0 (local time at send)
	probeCount    int
	lastProbe     float64
	haveProbed    bool
}

// New returns a Clock for process selfID, not yet a candidate and with
// no known master.
func New(selfID string) *Clock {
	return &Clock{
		selfID:  selfID,
		skew:    servo.New(servo.DefaultMaxSlewRate),
		pending: map[int32]float64{},
	}
}

// SetCandidate marks or unmarks this process as a master candidate,
// spec §4.7: "if the user installs a clock via set_clock, that process
// becomes a master candidate."
func (c *Clock) SetCandidate(v bool) { c.isCandidate = v }

// IsCandidate reports whether this process is a master candidate.
func (c *Clock) IsCandidate() bool { return c.isCandidate }

// IsMaster reports whether this process won the last election.
func (c *Clock) IsMaster() bool { return c.isMaster }

// MasterID returns the currently elected master's peer_id, "" if none.
func (c *Clock) MasterID() string { return c.masterID }

// Elect runs the election rule over candidates (which must include this
// process's own entry if IsCandidate is true) and updates IsMaster/
// MasterID. It returns the new master id and whether it changed from the
// previous election.
func (c *Clock) Elect(candidates []bmc.Candidate) (masterID string, changed bool) {
	best, ok := bmc.BestMaster(candidates)
	newMaster := ""
	if ok {
		newMaster = best.PeerID
	}
	changed = newMaster != c.masterID
	if changed {
		log.Debugf("clock: master changed from %q to %q", c.masterID, newMaster)
		c.pending = map[int32]float64{}
		c.probeCount = 0
		c.haveProbed = false
	}
	c.masterID = newMaster
	c.isMaster = ok && newMaster == c.selfID
	return newMaster, changed
}

// SetMaster attaches the peer.ClockState this Clock should read/update
// probe results into; o2.Process calls this whenever the peer table
// entry for the current master changes (including becoming known for
// the first time).
func (c *Clock) SetMaster(state *peer.ClockState) { c.sync = state }

func (c *Clock) probeInterval() time.Duration {
	if c.probeCount < fastProbeCount {
		return fastProbeInterval
	}
	return steadyProbeInterval
}

// DueToProbe reports whether it is time to send another clock-get probe
// to the master, given the local time now (seconds).
func (c *Clock) DueToProbe(now float64) bool {
	if c.isMaster || c.masterID == "" {
		return false
	}
	if !c.haveProbed {
		return true
	}
	return now-c.lastProbe >= c.probeInterval().Seconds()
}

// IssueProbe allocates a fresh request id, records the send time, and
// returns the clock-get payload to transmit to the master.
func (c *Clock) IssueProbe(now float64) protocol.ClockGet {
	c.nextRequestID++
	id := c.nextRequestID
	c.pending[id] = now
	c.lastProbe = now
	c.haveProbed = true
	c.probeCount++
	return protocol.ClockGet{RequestID: id}
}

// HandleReply processes a clock-put reply received at local time now
// (seconds): it computes round-trip time and the offset estimate per
// spec §4.7 ("t1 − t0" RTT, "t_reply + rtt/2" master-time-at-midpoint),
// records the sample, adopts the offset of the window's minimum-RTT
// sample, and sets that as the servo's target; Advance then slews
// toward it.
func (c *Clock) HandleReply(reply protocol.ClockPut, now float64) error {
	t0, ok := c.pending[reply.RequestID]
	if !ok {
		return fmt.Errorf("request id %d: %w", reply.RequestID, ErrUnexpectedReply)
	}
	delete(c.pending, reply.RequestID)

	if c.sync == nil {
		return nil
	}
	rtt := now - t0
	masterEstimate := reply.MasterTime + rtt/2
	offset := masterEstimate - (t0 + rtt/2)

	c.sync.RecordSample(secondsToDuration(rtt), secondsToDuration(offset))
	if adopted, ok := c.sync.AdoptedOffset(); ok {
		c.sync.HasSync = true
		c.sync.Offset = adopted
		c.skew.SetTarget(adopted)
	}
	return nil
}

// Advance slews the skew servo toward its current target by the real
// time elapsed since the last call, spec §4.7's bounded slew rate. Call
// once per poll tick.
func (c *Clock) Advance(elapsed time.Duration) {
	c.skew.Advance(elapsed)
}

// GetTime returns the current global time given the local time localNow
// (seconds), spec §4.7: local_time() directly if this process is
// master, -1 (and ok=false) until the first successful sync otherwise,
// and local_time()+skew afterward.
func (c *Clock) GetTime(localNow float64) (t float64, ok bool) {
	if c.isMaster {
		return localNow, true
	}
	if c.sync == nil || !c.sync.HasSync {
		return -1, false
	}
	return localNow + c.skew.Current().Seconds(), true
}

// Offset reports the skew servo's current value (the slewed estimate of
// master_time - local_time), failing if this process is its own master
// or has never synced, for diagnostics (package stats).
func (c *Clock) Offset() (time.Duration, bool) {
	if c.isMaster || c.sync == nil || !c.sync.HasSync {
		return 0, false
	}
	return c.skew.Current(), true
}

// RoundTrip reports the current window's mean and minimum round-trip
// time, failing if this process has no synchronized master yet, spec
// §4.7's roundtrip(*mean,*min).
func (c *Clock) RoundTrip() (mean, min time.Duration, ok bool) {
	if c.sync == nil || !c.sync.HasSync {
		return 0, 0, false
	}
	return c.sync.RTTMean(), c.sync.RTTMin(), true
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
