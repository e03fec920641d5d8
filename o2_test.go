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

package o2

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronvark/o2/directory"
	"github.com/aaronvark/o2/protocol"
	"github.com/aaronvark/o2/transport"
)

// newTestProcess returns a Process whose local clock is driven by the
// returned *float64 rather than the wall clock, so tests can advance
// time deterministically.
func newTestProcess(t *testing.T, ensemble, selfID string, candidate bool) (*Process, *float64) {
	t.Helper()
	clockTime := new(float64)
	p, err := Initialize(Options{
		Ensemble:          ensemble,
		SelfID:            selfID,
		IsMasterCandidate: candidate,
		LocalTime:         func() float64 { return *clockTime },
	})
	require.NoError(t, err)
	t.Cleanup(p.Finish)
	return p, clockTime
}

// pairViaLoopback wires two processes' reliable channel together, the
// minimum needed for HandlePeerPacket to route a peer's packets without
// opening real sockets (spec §8). It does not mark either side
// discovered: tests call HandleDiscovery for that.
func pairViaLoopback(a, b *Process) {
	connA, connB := transport.NewLoopbackPair(a.selfID, b.selfID)
	a.AttachPeerConn(b.selfID, connA)
	b.AttachPeerConn(a.selfID, connB)
}

func TestSendLocalImmediateDispatch(t *testing.T) {
	p, _ := newTestProcess(t, "ens", "p1", false)
	require.NoError(t, p.AddService("synth"))

	var got []protocol.Arg
	calls := 0
	err := p.AddMethod("synth", "/synth/vol", "f", true, true, func(msg *protocol.Message, argv []protocol.Arg, userData any) {
		calls++
		got = argv
	}, nil)
	require.NoError(t, err)

	require.NoError(t, p.Send("/synth/vol", 0, protocol.Float32(0.5)))
	assert.Equal(t, 1, calls)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.5, float64(got[0].F32), 0.0001)
}

func TestSendPatternMatchFansOutToEveryMatchingMethod(t *testing.T) {
	p, _ := newTestProcess(t, "ens", "p1", false)
	require.NoError(t, p.AddService("synth"))

	var order []string
	mk := func(name string) directory.Handler {
		return func(msg *protocol.Message, argv []protocol.Arg, userData any) {
			order = append(order, name)
		}
	}
	require.NoError(t, p.AddMethod("synth", "/synth/a", "", false, false, mk("a"), nil))
	require.NoError(t, p.AddMethod("synth", "/synth/b", "", false, false, mk("b"), nil))

	require.NoError(t, p.Send("/synth/*", 0))
	assert.ElementsMatch(t, []string{"a", "b"}, order)
}

func TestSendSameAddressMultipleMethodsFireInInsertionOrder(t *testing.T) {
	p, _ := newTestProcess(t, "ens", "p1", false)
	require.NoError(t, p.AddService("synth"))

	var order []string
	mk := func(name string) directory.Handler {
		return func(msg *protocol.Message, argv []protocol.Arg, userData any) {
			order = append(order, name)
		}
	}
	require.NoError(t, p.AddMethod("synth", "/synth/vol", "", false, false, mk("first"), nil))
	require.NoError(t, p.AddMethod("synth", "/synth/vol", "", false, false, mk("second"), nil))

	require.NoError(t, p.Send("/synth/vol", 0))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestStatusUnknownServiceIsFail(t *testing.T) {
	p, _ := newTestProcess(t, "ens", "p1", false)
	assert.Equal(t, StatusFail, p.Status("nosuch"))
}

func TestStatusLocalServiceNoTimeUntilClockSet(t *testing.T) {
	p, _ := newTestProcess(t, "ens", "p1", true)
	require.NoError(t, p.AddService("synth"))
	assert.Equal(t, StatusLocalNoTime, p.Status("synth"))

	p.clk.Elect(p.electionCandidates())
	assert.True(t, p.clk.IsMaster())
	assert.Equal(t, StatusLocal, p.Status("synth"))
}

// TestDiscoveryAndClockSyncTransitionsRemoteStatus drives spec §8
// scenario 3: P1's view of a service on P2 moves FAIL -> REMOTE_NOTIME
// -> REMOTE purely as P1 completes its own clock sync, exercising the
// /_o2/cs/get and /_o2/cs/put control messages added to
// HandlePeerPacket.
func TestDiscoveryAndClockSyncTransitionsRemoteStatus(t *testing.T) {
	master, _ := newTestProcess(t, "ens", "master", true)
	master.clk.Elect(master.electionCandidates())
	require.True(t, master.clk.IsMaster())

	follower, followerClock := newTestProcess(t, "ens", "follower", false)

	// before discovery, the service is entirely unknown
	assert.Equal(t, StatusFail, follower.Status("synth"))

	require.NoError(t, master.AddService("synth"))

	pairViaLoopback(follower, master)

	masterUDP := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9000}
	followerUDP := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 9000}
	follower.HandleDiscovery(protocol.Discovery{
		Ensemble: "ens", PeerID: "master", MasterCandidate: true, ProtocolVersion: ProtocolVersion,
	}, masterUDP)
	master.HandleDiscovery(protocol.Discovery{
		Ensemble: "ens", PeerID: "follower", ProtocolVersion: ProtocolVersion,
	}, followerUDP)

	follower.ReplicateServices("master", []string{"synth"}, nil)
	assert.Equal(t, StatusRemoteNoTime, follower.Status("synth"))

	pr, ok := follower.peers.Get("master")
	require.True(t, ok)
	follower.clk.SetMaster(pr.Clock)

	// drive a few clock-sync round trips: tickClock elects the master and
	// issues a probe, each drain delivers one hop of the loopback reply.
	for i := 0; i < 3; i++ {
		*followerClock += 0.2
		follower.tickClock()
		master.drainLoopbackOnce()
		follower.drainLoopbackOnce()
	}

	assert.Equal(t, StatusRemote, follower.Status("synth"))
}

// drainLoopbackOnce makes one pass over the attached connections and
// delivers every packet pending on each, standing in for the
// socket-draining half of Poll in tests
// that drive tickClock directly rather than the full loop.
func (p *Process) drainLoopbackOnce() {
	for id, conn := range p.conns {
		for {
			payload, err := conn.Poll()
			if err != nil || payload == nil {
				break
			}
			p.HandlePeerPacket(id, payload)
		}
	}
}

func TestSendFutureTimestampFailsWithoutClockSync(t *testing.T) {
	p, _ := newTestProcess(t, "ens", "p1", false)
	require.NoError(t, p.AddService("synth"))
	calls := 0
	require.NoError(t, p.AddMethod("synth", "/synth/vol", "", false, false, func(*protocol.Message, []protocol.Arg, any) {
		calls++
	}, nil))

	err := p.Send("/synth/vol", 100.0)
	assert.ErrorIs(t, err, ErrFail)
	assert.Equal(t, 0, calls)
}

func TestSendAfterUsesLocalScheduleEvenWithoutClockSync(t *testing.T) {
	p, _ := newTestProcess(t, "ens", "p1", false)
	require.NoError(t, p.AddService("synth"))
	calls := 0
	require.NoError(t, p.AddMethod("synth", "/synth/vol", "", false, false, func(*protocol.Message, []protocol.Arg, any) {
		calls++
	}, nil))

	require.NoError(t, p.SendAfter("/synth/vol", 1.0))
	assert.Equal(t, 0, calls, "not due yet")

	due := p.ltsched.Sweep(p.localTime() + 2.0)
	require.Len(t, due, 1)
	require.NoError(t, p.routeOrDispatch(due[0]))
	assert.Equal(t, 1, calls)
}

func TestSchedulerSweepDeliversManyMessagesInTimestampOrder(t *testing.T) {
	p, _ := newTestProcess(t, "ens", "p1", true)
	p.clk.Elect(p.electionCandidates())
	require.True(t, p.clk.IsMaster())
	require.NoError(t, p.AddService("synth"))

	var delivered []float64
	require.NoError(t, p.AddMethod("synth", "/synth/t", "", false, false, func(msg *protocol.Message, _ []protocol.Arg, _ any) {
		delivered = append(delivered, msg.Timestamp)
	}, nil))

	const n = 300
	for i := 0; i < n; i++ {
		ts := float64(i) * 10.0 / n
		require.NoError(t, p.Send("/synth/t", ts+0.0001))
	}

	for now := 0.0; now <= 11.0; now += 0.05 {
		gnow, ok := p.clk.GetTime(now)
		require.True(t, ok)
		due := p.gtsched.Sweep(gnow)
		for _, msg := range due {
			require.NoError(t, p.routeOrDispatch(msg))
		}
	}

	require.Len(t, delivered, n)
	for i := 1; i < len(delivered); i++ {
		assert.LessOrEqual(t, delivered[i-1], delivered[i])
	}
}

func TestPeerLossTransitionsStatusToFail(t *testing.T) {
	master, _ := newTestProcess(t, "ens", "master", true)
	master.clk.Elect(master.electionCandidates())
	require.NoError(t, master.AddService("synth"))

	follower, _ := newTestProcess(t, "ens", "follower", false)
	pairViaLoopback(follower, master)

	follower.HandleDiscovery(protocol.Discovery{Ensemble: "ens", PeerID: "master", ProtocolVersion: ProtocolVersion}, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1)})
	follower.ReplicateServices("master", []string{"synth"}, nil)
	assert.Equal(t, StatusRemoteNoTime, follower.Status("synth"))

	follower.RemovePeer("master")
	assert.Equal(t, StatusFail, follower.Status("synth"))

	err := follower.Send("/synth/vol", 0)
	assert.ErrorIs(t, err, ErrFail)
}

func TestPeerExpiresAfterHeartbeatTimeout(t *testing.T) {
	p, _ := newTestProcess(t, "ens", "p1", false)
	p.HandleDiscovery(protocol.Discovery{Ensemble: "ens", PeerID: "peer2", ProtocolVersion: ProtocolVersion}, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2)})
	pr, ok := p.peers.Get("peer2")
	require.True(t, ok)
	pr.LastSeen = time.Now().Add(-2 * p.peerTimeout)

	for _, id := range p.peers.ExpireStale(time.Now(), p.peerTimeout) {
		p.RemovePeer(id)
	}
	_, ok = p.peers.Get("peer2")
	assert.False(t, ok)
}
