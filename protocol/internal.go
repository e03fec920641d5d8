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

package protocol

import "fmt"

// Internal O2 addresses, spec §6. AddrServiceAdd/AddrServiceRemove are
// SPEC_FULL.md §4.6's incremental service-replication messages, carrying
// a single string argument (the service name).
const (
	AddrDiscovery     = "/_o2/disc"
	AddrClockGet      = "/_o2/cs/get"
	AddrClockPut      = "/_o2/cs/put"
	AddrServiceAdd    = "/_o2/svc/add"
	AddrServiceRemove = "/_o2/svc/remove"
)

// Discovery is the payload of a discovery datagram (spec §6), with the
// protocol-version field added by SPEC_FULL.md §3.
type Discovery struct {
	Ensemble        string
	PeerID          string
	UDPPort         int32
	TCPPort         int32
	MasterCandidate bool
	ProtocolVersion string
}

// EncodeDiscovery builds the wire form of a discovery datagram.
func EncodeDiscovery(d Discovery) (*Message, error) {
	b := NewBuilder().
		AddString(d.Ensemble).
		AddString(d.PeerID).
		AddInt32(d.UDPPort).
		AddInt32(d.TCPPort).
		AddBool(d.MasterCandidate).
		AddString(d.ProtocolVersion)
	return b.Finish(0, AddrDiscovery)
}

// DecodeDiscovery extracts a Discovery payload from a decoded Message.
func DecodeDiscovery(m *Message) (Discovery, error) {
	if m.Address != AddrDiscovery {
		return Discovery{}, fmt.Errorf("%s: unexpected address %q: %w", AddrDiscovery, m.Address, ErrMalformed)
	}
	e := NewExtractor(m)
	var d Discovery
	var ok bool
	if a, o := e.GetNext(TagString); o {
		d.Ensemble = a.Str
		ok = true
	}
	if a, o := e.GetNext(TagString); o {
		d.PeerID = a.Str
	} else {
		ok = false
	}
	if a, o := e.GetNext(TagInt32); o {
		d.UDPPort = a.I32
	} else {
		ok = false
	}
	if a, o := e.GetNext(TagInt32); o {
		d.TCPPort = a.I32
	} else {
		ok = false
	}
	if a, o := e.GetNext(TagBool); o {
		d.MasterCandidate = a.I32 != 0
	} else {
		ok = false
	}
	if a, o := e.GetNext(TagString); o {
		d.ProtocolVersion = a.Str
	}
	if !ok {
		return Discovery{}, malformed("discovery datagram missing required field")
	}
	return d, nil
}

// ClockGet is the payload of a /_o2/cs/get probe (spec §6): the
// requester's sequence id.
type ClockGet struct {
	RequestID int32
}

// EncodeClockGet builds a clock-sync probe, typetag "i".
func EncodeClockGet(g ClockGet) (*Message, error) {
	return NewBuilder().AddInt32(g.RequestID).Finish(0, AddrClockGet)
}

// DecodeClockGet extracts a ClockGet payload.
func DecodeClockGet(m *Message) (ClockGet, error) {
	if m.Address != AddrClockGet {
		return ClockGet{}, fmt.Errorf("%s: unexpected address %q: %w", AddrClockGet, m.Address, ErrMalformed)
	}
	e := NewExtractor(m)
	a, ok := e.GetNext(TagInt32)
	if !ok {
		return ClockGet{}, malformed("clock-get probe missing request id")
	}
	return ClockGet{RequestID: a.I32}, nil
}

// ClockPut is the payload of a /_o2/cs/put reply (spec §6): the echoed
// request id and the master's current global time.
type ClockPut struct {
	RequestID  int32
	MasterTime float64
}

// EncodeClockPut builds a clock-sync reply, typetag "id".
func EncodeClockPut(p ClockPut) (*Message, error) {
	return NewBuilder().AddInt32(p.RequestID).AddDouble(p.MasterTime).Finish(0, AddrClockPut)
}

// DecodeClockPut extracts a ClockPut payload.
func DecodeClockPut(m *Message) (ClockPut, error) {
	if m.Address != AddrClockPut {
		return ClockPut{}, fmt.Errorf("%s: unexpected address %q: %w", AddrClockPut, m.Address, ErrMalformed)
	}
	e := NewExtractor(m)
	id, ok := e.GetNext(TagInt32)
	if !ok {
		return ClockPut{}, malformed("clock-put reply missing request id")
	}
	t, ok := e.GetNext(TagDouble)
	if !ok {
		return ClockPut{}, malformed("clock-put reply missing master time")
	}
	return ClockPut{RequestID: id.I32, MasterTime: t.F64}, nil
}
