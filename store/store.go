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

package store

import (
	"errors"

	"github.com/aaronvark/o2/protocol"
)

// ErrBuilderInProgress is returned by Begin when the single in-progress
// builder slot (spec §4.2) is already occupied.
var ErrBuilderInProgress = errors.New("store: a message builder is already in progress")

// ErrNoBuilderInProgress is returned by Finish when called without a
// matching Begin, or with a stale Builder from a prior Finish/Abort.
var ErrNoBuilderInProgress = errors.New("store: no message builder in progress")

// Store owns a size-classed Allocator and the single hidden "in
// progress" builder slot spec §4.2 requires: only one streaming build
// may be outstanding per Store at a time, mirroring the source's
// non-reentrant builder.
type Store struct {
	alloc    Allocator
	building *protocol.Builder
}

// New returns a Store backed by alloc, or by DefaultAllocator if alloc
// is nil.
func New(alloc Allocator) *Store {
	if alloc == nil {
		alloc = DefaultAllocator
	}
	return &Store{alloc: alloc}
}

// Begin opens the streaming builder slot. It fails if a prior Begin has
// not yet been matched by Finish or Abort.
func (s *Store) Begin() (*protocol.Builder, error) {
	if s.building != nil {
		return nil, ErrBuilderInProgress
	}
	s.building = protocol.NewBuilder()
	return s.building, nil
}

// Abort discards the in-progress builder without producing a message.
func (s *Store) Abort(b *protocol.Builder) {
	if s.building == b {
		s.building = nil
	}
}

// Finish completes the in-progress builder, encodes the result, and
// records the encoded length as the Message's Allocated capacity (spec
// §4.2's "allocated capacity" bookkeeping); no buffer is taken from the
// Store's allocator.
func (s *Store) Finish(b *protocol.Builder, timestamp float64, address string) (*protocol.Message, error) {
	if s.building != b {
		return nil, ErrNoBuilderInProgress
	}
	s.building = nil
	msg, err := b.Finish(timestamp, address)
	if err != nil {
		return nil, err
	}
	msg.Allocated = msg.Length
	return msg, nil
}

// New allocates and encodes a one-shot message without the streaming
// builder, used by Process.Send, Process.SendAfter and the service
// add/remove announcements, which already have their arguments in hand.
func (s *Store) New(timestamp float64, address string, args []protocol.Arg) (*protocol.Message, error) {
	wire, err := protocol.Encode(timestamp, address, args)
	if err != nil {
		return nil, err
	}
	return s.Decode(wire)
}

// Decode copies wire into a pooled buffer and decodes a Message backed
// by it; Release returns that buffer to the allocator.
func (s *Store) Decode(wire []byte) (*protocol.Message, error) {
	buf := s.alloc.Alloc(len(wire))
	copy(buf, wire)
	msg, err := protocol.Decode(buf)
	if err != nil {
		s.alloc.Free(buf)
		return nil, err
	}
	msg.Buffer = buf
	msg.Allocated = cap(buf)
	return msg, nil
}

// Release returns a Message's backing buffer to the allocator. Per spec
// invariant 5, the caller must not read or otherwise use m afterward;
// Release clears m's fields defensively to turn accidental reuse into an
// observable bug rather than silent corruption.
func (s *Store) Release(m *protocol.Message) {
	if m == nil {
		return
	}
	if m.Buffer != nil {
		s.alloc.Free(m.Buffer)
	}
	m.Next = nil
	m.Buffer = nil
	m.Args = nil
	m.Address = ""
	m.Typetag = ""
}
