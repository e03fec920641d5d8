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

// Package o2 wires the wire codec, message store, service directory,
// peer table, transport, discovery, clock and scheduler packages into
// the single periodic poll loop described in spec.md §4.9: Process is
// the explicit handle the source's file-scope singleton state is
// restated as (spec.md §9, DESIGN.md "o2 (root package)").
package o2

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"

	"github.com/aaronvark/o2/clock"
	"github.com/aaronvark/o2/clock/bmc"
	"github.com/aaronvark/o2/directory"
	"github.com/aaronvark/o2/discovery"
	"github.com/aaronvark/o2/peer"
	"github.com/aaronvark/o2/protocol"
	"github.com/aaronvark/o2/scheduler"
	"github.com/aaronvark/o2/stats"
	"github.com/aaronvark/o2/store"
	"github.com/aaronvark/o2/transport"
)

// ProtocolVersion is this build's wire-compatibility version, advertised
// in discovery datagrams and checked against peers via discovery.Compatible.
const ProtocolVersion = "1.0.0"

// defaultPeerHeartbeatTimeout bounds how long a peer may go unheard from
// before ExpireStale declares it gone, spec.md §4.4, when Options.PeerTimeout
// is left at zero.
const defaultPeerHeartbeatTimeout = 5 * time.Second

// maxUDPPayload is the largest encoded message this process will send
// over the best-effort data channel before promoting it to TCP, spec.md
// §4.5: "sent best-effort via data UDP if it fits a datagram; otherwise
// promoted to TCP." Chosen conservatively under the common LAN MTU of
// 1500 bytes, leaving room for IP/UDP headers.
const maxUDPPayload = 1400

// netConn is the subset of transport.Conn's surface Process needs from
// a peer's reliable connection. transport.Loopback satisfies it too, so
// tests can drive the poll loop's peer-connection logic without opening
// real sockets (spec.md §8 scenarios 3 and 6).
type netConn interface {
	Send([]byte) error
	Poll() ([]byte, error)
	RemoteAddr() net.Addr
	Close() error
}

// Options configures Initialize. Zero-value fields take the documented
// default.
type Options struct {
	// Ensemble is the required application/ensemble name, spec.md §3.
	Ensemble string
	// SelfID overrides the generated peer_id; leave empty in production.
	SelfID string
	// IsMasterCandidate marks this process as eligible for clock-master
	// election, spec.md §4.7 ("if the user installs a clock ... that
	// process becomes a master candidate").
	IsMasterCandidate bool
	// LocalTime is the injectable get_local_time(rock) source, spec.md
	// §4.7; defaults to seconds since Initialize was called.
	LocalTime func() float64
	// DiscoveryAddr binds the discovery UDP broadcast socket. Nil skips
	// opening a real socket, for tests that drive discovery by calling
	// HandleDiscovery directly.
	DiscoveryAddr *net.UDPAddr
	// DataAddr binds the best-effort data UDP socket. Nil disables the
	// best-effort path; all remote sends promote straight to TCP.
	DataAddr *net.UDPAddr
	// TCPAddr binds the reliable command-channel listener. Nil disables
	// accepting inbound peer connections.
	TCPAddr *net.TCPAddr
	// Granularity is the timing-wheel bin width in seconds; 0 takes
	// scheduler.DefaultGranularity.
	Granularity float64
	// PeerTimeout bounds how long a peer may go unheard from before
	// ExpireStale declares it gone, spec.md §4.4; 0 takes
	// defaultPeerHeartbeatTimeout.
	PeerTimeout time.Duration
}

// Process is the per-ensemble-membership handle. Poll and Run must only
// ever be called from one goroutine; Process carries no internal lock by
// design — spec.md §5's "no internal locks exist" — except the stats
// package's own Prometheus collectors, which are safe for concurrent
// reads by their own contract (SPEC_FULL.md §5).
type Process struct {
	ensemble  string
	selfID    string
	startedAt time.Time
	localTime func() float64

	store *store.Store
	dir   *directory.Directory
	peers *peer.Table
	clk   *clock.Clock

	ltsched *scheduler.Wheel
	gtsched *scheduler.Wheel

	discEngine        *discovery.Engine
	replicator        *discovery.Replicator
	isMasterCandidate bool

	udpDisc  *transport.UDP
	udpData  *transport.UDP
	listener *transport.Listener
	conns    map[string]netConn

	peerTimeout time.Duration
	lastPoll    time.Time

	pending []*protocol.Message // pending-dispatch queue, spec.md §4.8

	running  bool
	stopFlag bool
}

// Initialize creates a new Process for the given ensemble, spec.md §3's
// lifecycle. It fails with ErrBadName if Ensemble is empty.
func Initialize(opts Options) (*Process, error) {
	if opts.Ensemble == "" {
		return nil, ErrBadName
	}
	startedAt := time.Now()
	selfID := opts.SelfID
	if selfID == "" {
		selfID = generatePeerID(opts.Ensemble, startedAt)
	}
	localTime := opts.LocalTime
	if localTime == nil {
		localTime = func() float64 { return time.Since(startedAt).Seconds() }
	}
	peerTimeout := opts.PeerTimeout
	if peerTimeout <= 0 {
		peerTimeout = defaultPeerHeartbeatTimeout
	}

	p := &Process{
		ensemble:          opts.Ensemble,
		selfID:            selfID,
		startedAt:         startedAt,
		localTime:         localTime,
		peerTimeout:       peerTimeout,
		lastPoll:          startedAt,
		store:             store.New(nil),
		dir:               directory.New(),
		peers:             peer.New(),
		clk:               clock.New(selfID),
		ltsched:           scheduler.New(opts.Granularity),
		gtsched:           scheduler.New(opts.Granularity),
		replicator:        discovery.NewReplicator(),
		isMasterCandidate: opts.IsMasterCandidate,
		conns:             map[string]netConn{},
	}
	p.discEngine = discovery.NewEngine(protocol.Discovery{
		Ensemble:        opts.Ensemble,
		PeerID:          selfID,
		MasterCandidate: opts.IsMasterCandidate,
		ProtocolVersion: ProtocolVersion,
	})
	p.clk.SetCandidate(opts.IsMasterCandidate)

	var err error
	if opts.DiscoveryAddr != nil {
		if p.udpDisc, err = transport.ListenUDP(opts.DiscoveryAddr); err != nil {
			return nil, fmt.Errorf("o2: discovery socket: %w", err)
		}
	}
	if opts.DataAddr != nil {
		if p.udpData, err = transport.ListenUDP(opts.DataAddr); err != nil {
			p.closeSockets()
			return nil, fmt.Errorf("o2: data socket: %w", err)
		}
	}
	if opts.TCPAddr != nil {
		if p.listener, err = transport.ListenTCP(opts.TCPAddr); err != nil {
			p.closeSockets()
			return nil, fmt.Errorf("o2: tcp listener: %w", err)
		}
		p.discEngine.Self.TCPPort = int32(p.listener.LocalAddr().Port)
	}
	if p.udpData != nil {
		p.discEngine.Self.UDPPort = int32(p.udpData.LocalAddr().Port)
	}

	p.running = true
	log.Infof("o2: initialized ensemble %q as peer %s", opts.Ensemble, selfID)
	return p, nil
}

// generatePeerID derives spec.md §4.4's "deterministic hash of ensemble
// + host + pid + start time", formatted as 16 hex digits.
func generatePeerID(ensemble string, startedAt time.Time) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	key := fmt.Sprintf("%s/%s/%d/%d", ensemble, host, os.Getpid(), startedAt.UnixNano())
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

// SelfID returns this process's peer_id.
func (p *Process) SelfID() string { return p.selfID }

func (p *Process) closeSockets() {
	if p.udpDisc != nil {
		p.udpDisc.Close()
	}
	if p.udpData != nil {
		p.udpData.Close()
	}
	if p.listener != nil {
		p.listener.Close()
	}
	for _, c := range p.conns {
		c.Close()
	}
}

// Finish tears the process down in reverse of Initialize, spec.md §3.
func (p *Process) Finish() {
	p.stopFlag = true
	p.closeSockets()
	p.running = false
	log.Infof("o2: %s finished", p.selfID)
}

// AddService registers a local service, spec.md §4.3/invariant 1.
func (p *Process) AddService(name string) error {
	if err := p.dir.AddService(name, directory.KindLocal, "", nil); err != nil {
		return fmt.Errorf("%w: %v", ErrFail, err)
	}
	return nil
}

// AddMethod installs a handler on a local service's address trie,
// spec.md §4.3.
func (p *Process) AddMethod(service, path, typespec string, coerce, parse bool, handler directory.Handler, userData any) error {
	if err := p.dir.AddMethod(service, path, typespec, coerce, parse, handler, userData); err != nil {
		return fmt.Errorf("%w: %v", ErrFail, err)
	}
	return nil
}

// Status reports a service's locality and this process's clock-sync
// state, spec.md §6.
func (p *Process) Status(service string) Status {
	svc, ok := p.dir.Service(service)
	if !ok {
		return StatusFail
	}
	_, synced := p.clk.GetTime(p.localTime())
	return statusFor(svc.Kind, synced)
}

// Send builds and delivers a message to address. A zero or negative
// timestamp means "as soon as possible" (spec.md §3); a positive one
// schedules it on global time and fails with ErrFail if this process
// has no defined global time yet (spec.md §4.8's gtsched refusal,
// exercised by end-to-end scenario 4). Ownership of the built message
// passes to the process; per invariant 5 the caller never sees it again.
func (p *Process) Send(address string, timestamp float64, args ...protocol.Arg) error {
	msg, err := p.store.New(timestamp, address, args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFail, err)
	}
	if timestamp <= 0 {
		return p.routeOrDispatch(msg)
	}
	if _, ok := p.clk.GetTime(p.localTime()); !ok {
		p.store.Release(msg)
		return ErrFail
	}
	p.gtsched.Schedule(msg)
	return nil
}

// SendAfter schedules a message delay seconds from now on this
// process's own local clock rather than global time, for callers that
// don't need cross-process synchronization (e.g. a local UI debounce).
// Unlike Send, it never fails for lack of clock sync: this is what
// exercises ltsched, spec.md §4.8's other timing wheel.
func (p *Process) SendAfter(address string, delay float64, args ...protocol.Arg) error {
	msg, err := p.store.New(p.localTime()+delay, address, args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFail, err)
	}
	if delay <= 0 {
		return p.routeOrDispatch(msg)
	}
	p.ltsched.Schedule(msg)
	return nil
}

// routeOrDispatch looks the message's service up in the directory: a
// local service has already had its matching handlers invoked by
// Dispatch by the time this returns (spec.md §4.3); a remote one is
// forwarded unchanged over transport, preserving its timestamp.
func (p *Process) routeOrDispatch(msg *protocol.Message) error {
	route, err := p.dir.Dispatch(msg)
	if err != nil {
		p.store.Release(msg)
		return fmt.Errorf("%w: %v", ErrFail, err)
	}
	if route.Service.Kind != directory.KindLocal {
		return p.forward(route.Service, msg)
	}
	stats.MessagesDispatched.WithLabelValues(route.Service.Name).Inc()
	p.store.Release(msg)
	return nil
}

// forward encodes msg and writes it to the owning peer, best-effort UDP
// first if it fits a datagram and a data socket is open, otherwise the
// peer's TCP connection, spec.md §4.5.
func (p *Process) forward(svc directory.Service, msg *protocol.Message) error {
	wire, err := protocol.Encode(msg.Timestamp, msg.Address, msg.Args)
	p.store.Release(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFail, err)
	}
	if err := p.sendRaw(svc.PeerID, wire); err != nil {
		return fmt.Errorf("%w: %v", ErrFail, err)
	}
	return nil
}

// AttachPeerConn registers the reliable connection Process should use to
// reach peerID, used by the TCP dial path and by tests wiring a
// transport.Loopback pair directly (spec.md §8 scenarios 3/6). The
// accept path does not call it: drainSockets stores an accepted
// connection under its remote address string.
func (p *Process) AttachPeerConn(peerID string, conn netConn) {
	p.conns[peerID] = conn
}

// HandlePeerPacket decodes and routes one inbound wire payload from
// peerID, the shared tail of the UDP-data and TCP receive paths.
func (p *Process) HandlePeerPacket(peerID string, wire []byte) {
	msg, err := p.store.Decode(wire)
	if err != nil {
		log.Debugf("o2: dropping malformed packet from %s: %v\n%s", peerID, err, spew.Sdump(wire))
		return
	}
	if pr, ok := p.peers.Get(peerID); ok {
		pr.Touch(time.Now())
	}

	switch msg.Address {
	case protocol.AddrClockGet:
		p.handleClockGet(peerID, msg)
		p.store.Release(msg)
		return
	case protocol.AddrClockPut:
		p.handleClockPut(msg)
		p.store.Release(msg)
		return
	case protocol.AddrServiceAdd:
		if name, ok := firstStringArg(msg); ok {
			p.ReplicateServices(peerID, []string{name}, nil)
		}
		p.store.Release(msg)
		return
	case protocol.AddrServiceRemove:
		if name, ok := firstStringArg(msg); ok {
			p.ReplicateServices(peerID, nil, []string{name})
		}
		p.store.Release(msg)
		return
	}

	if msg.Timestamp > 0 {
		if _, ok := p.clk.GetTime(p.localTime()); ok {
			p.gtsched.Schedule(msg)
			return
		}
		p.store.Release(msg)
		return
	}
	if err := p.routeOrDispatch(msg); err != nil {
		log.Debugf("o2: dispatch of message from %s failed: %v", peerID, err)
	}
}

func firstStringArg(msg *protocol.Message) (string, bool) {
	if len(msg.Args) == 0 || msg.Args[0].Tag != protocol.TagString {
		return "", false
	}
	return msg.Args[0].Str, true
}

// handleClockGet answers a clock-sync probe, spec.md §4.7: only
// meaningful when this process is the elected master, since only the
// master's local_time() defines global time for the ensemble.
func (p *Process) handleClockGet(peerID string, msg *protocol.Message) {
	if !p.clk.IsMaster() {
		return
	}
	g, err := protocol.DecodeClockGet(msg)
	if err != nil {
		return
	}
	reply, err := protocol.EncodeClockPut(protocol.ClockPut{RequestID: g.RequestID, MasterTime: p.localTime()})
	if err != nil {
		return
	}
	wire, err := protocol.Encode(reply.Timestamp, reply.Address, reply.Args)
	if err != nil {
		return
	}
	if err := p.sendRaw(peerID, wire); err != nil {
		log.Debugf("o2: replying to clock-get from %s failed: %v", peerID, err)
	}
}

// handleClockPut processes a master's reply to our own outstanding probe.
func (p *Process) handleClockPut(msg *protocol.Message) {
	reply, err := protocol.DecodeClockPut(msg)
	if err != nil {
		return
	}
	if err := p.clk.HandleReply(reply, p.localTime()); err != nil {
		log.Debugf("o2: clock reply: %v", err)
	}
}

// sendRaw writes an already-encoded wire payload to peerID, preferring
// best-effort UDP when it fits a datagram, spec.md §4.5.
func (p *Process) sendRaw(peerID string, wire []byte) error {
	if pr, ok := p.peers.Get(peerID); ok && p.udpData != nil && len(wire) <= maxUDPPayload {
		if addr, ok := pr.UDPAddr.(*net.UDPAddr); ok {
			if err := p.udpData.SendTo(addr, wire); err == nil {
				return nil
			}
		}
	}
	conn, ok := p.conns[peerID]
	if !ok {
		return ErrFail
	}
	return conn.Send(wire)
}

// HandleDiscovery processes one decoded discovery datagram, spec.md
// §4.6's receipt logic. It returns the peer_id discovered (possibly
// already known) so the caller can wire a TCP connection when this
// process is the initiating side.
func (p *Process) HandleDiscovery(d protocol.Discovery, udpAddr *net.UDPAddr) (peerID string, isNew bool) {
	if d.Ensemble != p.ensemble || d.PeerID == p.selfID {
		return "", false
	}
	if compatible, err := discovery.Compatible(ProtocolVersion, d.ProtocolVersion); err == nil && !compatible {
		log.Debugf("o2: ignoring incompatible peer %s (protocol %s)", d.PeerID, d.ProtocolVersion)
		return "", false
	}
	tcpAddr := &net.TCPAddr{IP: udpAddr.IP, Port: int(d.TCPPort)}
	if pr, ok := p.peers.Get(d.PeerID); ok {
		pr.Touch(time.Now())
		pr.UDPAddr = udpAddr
		pr.TCPAddr = tcpAddr
		pr.IsMaster = d.PeerID == p.clk.MasterID()
		pr.Metadata["master_candidate"] = fmt.Sprint(d.MasterCandidate)
		return d.PeerID, false
	}
	pr := peer.NewPeer(d.PeerID)
	pr.UDPAddr = udpAddr
	pr.TCPAddr = tcpAddr
	pr.ProtocolVersion = d.ProtocolVersion
	pr.Metadata = map[string]string{"master_candidate": fmt.Sprint(d.MasterCandidate)}
	pr.Touch(time.Now())
	p.peers.Put(pr)
	stats.PeerCount.Set(float64(p.peers.Len()))
	log.Infof("o2: discovered peer %s", d.PeerID)
	return d.PeerID, true
}

// ReplicateServices merges a peer's full or incremental service
// announcement into the directory, spec.md §4.4/§4.6.
func (p *Process) ReplicateServices(peerID string, added, removed []string) {
	for _, name := range added {
		if err := p.dir.AddService(name, directory.KindRemoteO2, peerID, nil); err != nil {
			log.Debugf("o2: service %q from %s already known: %v", name, peerID, err)
		}
	}
	for _, name := range removed {
		p.dir.RemoveService(name)
	}
}

// RemovePeer tears a peer down, spec.md §4.4: its services are removed
// from the directory, its connection closed, and replication state
// forgotten so a future reconnect starts with a full announcement.
func (p *Process) RemovePeer(peerID string) {
	p.dir.RemoveServicesForPeer(peerID)
	p.replicator.Forget(peerID)
	if conn, ok := p.conns[peerID]; ok {
		conn.Close()
		delete(p.conns, peerID)
	}
	p.peers.Remove(peerID)
	stats.PeerCount.Set(float64(p.peers.Len()))
}

// electionCandidates builds the bmc.Candidate list from self plus every
// known peer's advertised master-candidate flag.
func (p *Process) electionCandidates() []bmc.Candidate {
	candidates := []bmc.Candidate{{PeerID: p.selfID, IsCandidate: p.isMasterCandidate}}
	for _, pr := range p.peers.All() {
		candidates = append(candidates, bmc.Candidate{PeerID: pr.ID, IsCandidate: pr.Metadata["master_candidate"] == "true"})
	}
	return candidates
}

// Poll runs one iteration of spec.md §4.9's pump: drain sockets, tick
// discovery, tick the clock, sweep both schedulers, drain the
// pending-dispatch queue. The first five phases are each timed into
// stats.PollPhaseDuration (the queue drain is not timed), mirroring the
// teacher's per-phase load reporting (SPEC_FULL.md §4.9).
// Poll must only ever be called from one goroutine (spec.md §5).
func (p *Process) Poll(ctx context.Context) {
	wallNow := time.Now()
	elapsed := wallNow.Sub(p.lastPoll)
	p.lastPoll = wallNow

	func() {
		defer stats.TimePhase("io")()
		p.drainSockets()
	}()
	func() {
		defer stats.TimePhase("discovery")()
		p.tickDiscovery()
	}()
	func() {
		defer stats.TimePhase("clock")()
		p.clk.Advance(elapsed)
		p.tickClock()
	}()

	now := p.localTime()
	var due []*protocol.Message
	func() {
		defer stats.TimePhase("ltsched")()
		due = append(due, p.ltsched.Sweep(now)...)
	}()
	if gnow, ok := p.clk.GetTime(now); ok {
		func() {
			defer stats.TimePhase("gtsched")()
			due = append(due, p.gtsched.Sweep(gnow)...)
		}()
	}
	stats.SchedulerPending.WithLabelValues("lt").Set(float64(p.ltsched.Pending()))
	stats.SchedulerPending.WithLabelValues("gt").Set(float64(p.gtsched.Pending()))

	for _, msg := range due {
		p.pending = append(p.pending, msg)
	}
	p.drainPending()

	for _, id := range p.peers.ExpireStale(time.Now(), p.peerTimeout) {
		log.Infof("o2: peer %s timed out", id)
		p.RemovePeer(id)
	}
}

// drainPending dispatches the pending-dispatch queue, which Poll fills
// with the messages both sweeps found due this tick, in that order.
// Only sweep output goes through this queue: a handler that calls Send
// with a zero or negative timestamp has that message dispatched at once,
// inside the handler's own call, and a positive timestamp goes to
// gtsched.
func (p *Process) drainPending() {
	for len(p.pending) > 0 {
		msg := p.pending[0]
		p.pending = p.pending[1:]
		if err := p.routeOrDispatch(msg); err != nil {
			log.Debugf("o2: dispatch from pending queue failed: %v", err)
		}
	}
}

// drainSockets reads every ready socket once per tick, spec.md §4.9
// step 1: the discovery and data UDP sockets, the TCP listener, and
// every connected peer's buffered reader. Each peer connection that
// buffers writes also gets a FlushWrites call here first.
func (p *Process) drainSockets() {
	if p.udpDisc != nil {
		buf := make([]byte, 65536)
		for {
			n, addr, err := p.udpDisc.Poll(buf)
			if err != nil || n == 0 {
				break
			}
			p.handleDiscoveryPacket(buf[:n], addr)
		}
	}
	if p.udpData != nil {
		buf := make([]byte, 65536)
		for {
			n, addr, err := p.udpData.Poll(buf)
			if err != nil || n == 0 {
				break
			}
			p.HandlePeerPacket(p.peerIDForAddr(addr), buf[:n])
		}
	}
	if p.listener != nil {
		for {
			conn, err := p.listener.Accept()
			if err != nil || conn == nil {
				break
			}
			log.Debugf("o2: accepted connection from %s", conn.RemoteAddr())
			p.conns[conn.RemoteAddr().String()] = conn
		}
	}
	for id, conn := range p.conns {
		if w, ok := conn.(interface{ FlushWrites() error }); ok {
			if err := w.FlushWrites(); err != nil {
				log.Debugf("o2: flushing buffered writes to %s failed: %v", id, err)
			}
		}
		for {
			payload, err := conn.Poll()
			if err != nil {
				log.Infof("o2: connection to %s hung up: %v", id, ErrTCPHup)
				p.RemovePeer(id)
				break
			}
			if payload == nil {
				break
			}
			p.HandlePeerPacket(id, payload)
		}
	}
}

func (p *Process) peerIDForAddr(addr *net.UDPAddr) string {
	for _, pr := range p.peers.All() {
		if u, ok := pr.UDPAddr.(*net.UDPAddr); ok && u.String() == addr.String() {
			return pr.ID
		}
	}
	return addr.String()
}

func (p *Process) handleDiscoveryPacket(wire []byte, addr *net.UDPAddr) {
	msg, err := protocol.Decode(wire)
	if err != nil {
		log.Debugf("o2: malformed discovery datagram from %s: %v", addr, err)
		return
	}
	d, err := protocol.DecodeDiscovery(msg)
	if err != nil {
		log.Debugf("o2: malformed discovery datagram from %s: %v", addr, err)
		return
	}
	peerID, isNew := p.HandleDiscovery(d, addr)
	if peerID == "" {
		return
	}
	if isNew && discovery.ShouldInitiateConnection(p.selfID, peerID) {
		if pr, ok := p.peers.Get(peerID); ok {
			if tcpAddr, ok := pr.TCPAddr.(*net.TCPAddr); ok {
				if conn, err := transport.Dial(tcpAddr); err == nil {
					p.AttachPeerConn(peerID, conn)
				} else {
					log.Debugf("o2: dialing %s failed: %v", peerID, err)
				}
			}
		}
	}
	added, removed := p.replicator.Diff(peerID, serviceNames(p.dir.Services()))
	if conn, ok := p.conns[peerID]; ok && (len(added) > 0 || len(removed) > 0) {
		sendServiceDiff(conn, p.store, added, removed)
	}
}

func serviceNames(services []directory.Service) []string {
	names := make([]string, 0, len(services))
	for _, s := range services {
		if s.Kind == directory.KindLocal {
			names = append(names, s.Name)
		}
	}
	return names
}

// tickDiscovery sends this process's periodic broadcast when the
// backoff schedule says it's due, spec.md §4.6.
func (p *Process) tickDiscovery() {
	if p.udpDisc == nil {
		return
	}
	now := time.Now()
	if !p.discEngine.DueToSend(now) {
		return
	}
	msg, err := protocol.EncodeDiscovery(p.discEngine.Self)
	if err == nil {
		wire, _ := protocol.Encode(msg.Timestamp, msg.Address, msg.Args)
		broadcast := &net.UDPAddr{IP: net.IPv4bcast, Port: p.udpDisc.LocalAddr().Port}
		if err := p.udpDisc.SendTo(broadcast, wire); err != nil {
			log.Debugf("o2: discovery broadcast failed: %v", err)
		}
	}
	p.discEngine.MarkSent(now)
}

// tickClock issues a clock-sync probe when due, and wires a newly
// elected master's peer.ClockState into the Clock for HandleReply to
// update, spec.md §4.7.
func (p *Process) tickClock() {
	if masterID, changed := p.clk.Elect(p.electionCandidates()); changed {
		log.Infof("o2: elected master %s", masterID)
		if pr, ok := p.peers.Get(masterID); ok {
			p.clk.SetMaster(pr.Clock)
		}
	}
	if mean, _, ok := p.clk.RoundTrip(); ok {
		stats.ClockRTTSeconds.Set(mean.Seconds())
	}
	if offset, ok := p.clk.Offset(); ok {
		stats.ClockOffsetSeconds.Set(offset.Seconds())
	}
	now := p.localTime()
	if !p.clk.DueToProbe(now) {
		return
	}
	masterID := p.clk.MasterID()
	if _, ok := p.peers.Get(masterID); !ok {
		return
	}
	probe := p.clk.IssueProbe(now)
	msg, err := protocol.EncodeClockGet(probe)
	if err != nil {
		return
	}
	wire, err := protocol.Encode(msg.Timestamp, msg.Address, msg.Args)
	if err != nil {
		return
	}
	if err := p.sendRaw(masterID, wire); err != nil {
		log.Debugf("o2: sending clock-get probe to %s failed: %v", masterID, err)
	}
}

func sendServiceDiff(conn netConn, s *store.Store, added, removed []string) {
	for _, name := range added {
		if wire, ok := encodeServiceAnnounce(s, protocol.AddrServiceAdd, name); ok {
			conn.Send(wire)
		}
	}
	for _, name := range removed {
		if wire, ok := encodeServiceAnnounce(s, protocol.AddrServiceRemove, name); ok {
			conn.Send(wire)
		}
	}
}

func encodeServiceAnnounce(s *store.Store, address, name string) ([]byte, bool) {
	msg, err := s.New(0, address, []protocol.Arg{protocol.String(name)})
	if err != nil {
		return nil, false
	}
	wire, err := protocol.Encode(msg.Timestamp, msg.Address, msg.Args)
	s.Release(msg)
	return wire, err == nil
}

// Run calls Poll at the requested rate (Hz) until ctx is cancelled or
// Finish is called, spec.md §4.9's recommended 200-1000 Hz.
func (p *Process) Run(ctx context.Context, rate float64) {
	if rate <= 0 {
		rate = 500
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / rate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.stopFlag {
				return
			}
			p.Poll(ctx)
		}
	}
}
