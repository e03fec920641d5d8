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

// Package directory implements the O2 service directory (spec §4.3): a
// table of locally and remotely provided services, and an address-path
// trie of handlers for pattern-matched dispatch.
package directory

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/aaronvark/o2/protocol"
)

// Kind identifies what a Service is backed by, spec §3.
type Kind int

// Service kinds, spec §3.
const (
	KindLocal Kind = iota
	KindRemoteO2
	KindBridge
	KindOSCOut
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemoteO2:
		return "remote-o2"
	case KindBridge:
		return "bridge"
	case KindOSCOut:
		return "osc-out"
	default:
		return "unknown"
	}
}

// Service is a named message endpoint, spec §3.
type Service struct {
	Name     string
	Kind     Kind
	PeerID   string // set when Kind != KindLocal
	Provider any    // opaque collaborator reference (e.g. an OSC forwarder)
}

// Handler is invoked once per matching method. argv is nil unless the
// method was installed with Parse true, in which case it is a scratch
// view of the message's (possibly coerced) arguments; the handler must
// not retain argv or msg beyond the call (spec §4.3 step 6).
type Handler func(msg *protocol.Message, argv []protocol.Arg, userData any)

// Method is a handler bound to one trie leaf, spec §3.
type Method struct {
	Typespec string // "" means NULL: no typetag check
	Coerce   bool
	Parse    bool
	Handler  Handler
	UserData any

	seq int // insertion order, the tie-break spec §4.3 requires
}

type node struct {
	children map[string]*node
	methods  []*Method
}

func newNode() *node { return &node{children: map[string]*node{}} }

type entry struct {
	service Service
	root    *node // nil for non-local services
}

var (
	// ErrServiceExists is returned by AddService when name is already
	// registered (invariant 1: exactly one Service entry per name).
	ErrServiceExists = errors.New("directory: service already exists")
	// ErrUnknownService is returned when an address names no service.
	ErrUnknownService = errors.New("directory: unknown service")
	// ErrNotLocal is returned by AddMethod against a non-local service.
	ErrNotLocal = errors.New("directory: service is not local")
)

// Directory is the per-process service table + method trie. It carries
// no internal lock: spec §5 places it squarely inside the single poll
// thread's ownership.
type Directory struct {
	services map[string]*entry
	seq      int
}

// New returns an empty Directory.
func New() *Directory {
	return &Directory{services: map[string]*entry{}}
}

// AddService registers a new service (invariant 1).
func (d *Directory) AddService(name string, kind Kind, peerID string, provider any) error {
	if _, exists := d.services[name]; exists {
		return fmt.Errorf("%q: %w", name, ErrServiceExists)
	}
	e := &entry{service: Service{Name: name, Kind: kind, PeerID: peerID, Provider: provider}}
	if kind == KindLocal {
		e.root = newNode()
	}
	d.services[name] = e
	log.Debugf("directory: added service %q (%s)", name, kind)
	return nil
}

// RemoveService tears down a service and its method trie, if local.
func (d *Directory) RemoveService(name string) {
	delete(d.services, name)
	log.Debugf("directory: removed service %q", name)
}

// Service returns the registered Service by name.
func (d *Directory) Service(name string) (Service, bool) {
	e, ok := d.services[name]
	if !ok {
		return Service{}, false
	}
	return e.service, true
}

// Services returns a snapshot of every registered service name.
func (d *Directory) Services() []Service {
	out := make([]Service, 0, len(d.services))
	for _, e := range d.services {
		out = append(out, e.service)
	}
	return out
}

// RemoveServicesForPeer removes every service the given peer provided,
// used when a peer is torn down (spec §4.4).
func (d *Directory) RemoveServicesForPeer(peerID string) {
	for name, e := range d.services {
		if e.service.Kind != KindLocal && e.service.PeerID == peerID {
			delete(d.services, name)
		}
	}
}

// AddMethod installs a handler at path (e.g. "/synth/vol") on a local
// service. The first path segment must equal name.
func (d *Directory) AddMethod(name, path, typespec string, coerce, parse bool, handler Handler, userData any) error {
	e, ok := d.services[name]
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownService)
	}
	if e.root == nil {
		return fmt.Errorf("%q: %w", name, ErrNotLocal)
	}
	segs := splitAddress(path)
	if len(segs) == 0 || segs[0] != name {
		return fmt.Errorf("directory: path %q does not belong to service %q", path, name)
	}
	n := e.root
	for _, seg := range segs[1:] {
		child, ok := n.children[seg]
		if !ok {
			child = newNode()
			n.children[seg] = child
		}
		n = child
	}
	d.seq++
	n.methods = append(n.methods, &Method{
		Typespec: typespec,
		Coerce:   coerce,
		Parse:    parse,
		Handler:  handler,
		UserData: userData,
		seq:      d.seq,
	})
	return nil
}

func splitAddress(address string) []string {
	address, _ = protocol.NormalizeAddress(address)
	trimmed := strings.TrimPrefix(address, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// Route classifies how msg should be handled: Local (and how many
// methods fired), Remote (the owning peer_id), or unknown.
type Route struct {
	Service Service
	Invoked int
}

// Dispatch routes an incoming message, spec §4.3. For a remote service
// it returns the Service without invoking anything, so the caller (the
// poll loop) can forward the message unchanged, preserving its
// timestamp, via the transport layer.
func (d *Directory) Dispatch(msg *protocol.Message) (Route, error) {
	address, noPattern := protocol.NormalizeAddress(msg.Address)
	segs := splitAddress(address)
	if len(segs) == 0 {
		return Route{}, fmt.Errorf("%q: %w", msg.Address, ErrUnknownService)
	}
	e, ok := d.services[segs[0]]
	if !ok {
		return Route{}, fmt.Errorf("%q: %w", segs[0], ErrUnknownService)
	}
	if e.root == nil {
		return Route{Service: e.service}, nil
	}

	usePattern := !noPattern && protocol.HasPattern(address)
	var matches []*Method
	collect(e.root, segs[1:], usePattern, &matches)
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].seq < matches[j].seq })

	argTypes := ""
	if len(msg.Typetag) > 0 {
		argTypes = msg.Typetag[1:]
	}

	invoked := 0
	for _, m := range matches {
		exact := m.Typespec == "" || protocol.TypetagMatches(argTypes, m.Typespec)
		if !exact && !m.Coerce {
			continue
		}
		var argv []protocol.Arg
		if m.Parse {
			v, ok := coerceArgv(msg, m.Typespec, m.Coerce)
			if !ok {
				continue
			}
			argv = v
		} else if !exact {
			if _, ok := coerceArgv(msg, m.Typespec, true); !ok {
				continue
			}
		}
		m.Handler(msg, argv, m.UserData)
		invoked++
	}
	return Route{Service: e.service, Invoked: invoked}, nil
}

// coerceArgv coerces msg's arguments against typespec, one per
// character, returning ok=false (and no partial result) the moment any
// single argument fails to coerce (spec §4.3 step 4: "if any coercion
// fails, that method is skipped").
func coerceArgv(msg *protocol.Message, typespec string, coerce bool) ([]protocol.Arg, bool) {
	if typespec == "" {
		return append([]protocol.Arg(nil), msg.Args...), true
	}
	if len(typespec) != len(msg.Args) {
		return nil, false
	}
	out := make([]protocol.Arg, len(msg.Args))
	for i, want := range []byte(typespec) {
		if byte(msg.Args[i].Tag) == want {
			out[i] = msg.Args[i]
			continue
		}
		if !coerce {
			return nil, false
		}
		coerced, ok := protocol.Coerce(msg.Args[i], protocol.TypeTag(want))
		if !ok {
			return nil, false
		}
		out[i] = coerced
	}
	return out, true
}

// collect walks n following segs, expanding OSC pattern characters
// against trie children when usePattern is true, and appends every
// leaf's methods it reaches, each trie node's methods always in
// insertion order (the deterministic tie-break spec §4.3 requires).
func collect(n *node, segs []string, usePattern bool, out *[]*Method) {
	if len(segs) == 0 {
		appendSorted(out, n.methods)
		return
	}
	seg := segs[0]
	if usePattern && protocol.HasPattern(seg) {
		for key, child := range n.children {
			if protocol.Match(seg, key) {
				collect(child, segs[1:], usePattern, out)
			}
		}
		return
	}
	if child, ok := n.children[seg]; ok {
		collect(child, segs[1:], usePattern, out)
	}
}

func appendSorted(out *[]*Method, methods []*Method) {
	// methods are already stored in insertion order per node; when a
	// wildcard segment fans out across several children, interleaving
	// would break that order, so each child's run is appended whole.
	*out = append(*out, methods...)
}
