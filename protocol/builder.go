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

// Builder accumulates arguments for a single message. Spec §4.1 describes
// the source's builder as a sentinel-terminated variadic call; here it is
// a typed, chainable API, and there is no notion of a termination marker
// to get wrong (see DESIGN.md, "macro-based marker varargs").
type Builder struct {
	args []Arg
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder { return &Builder{} }

// AddInt32 appends an 'i' argument and returns the Builder for chaining.
func (b *Builder) AddInt32(v int32) *Builder { b.args = append(b.args, Int32(v)); return b }

// AddInt64 appends an 'h' argument.
func (b *Builder) AddInt64(v int64) *Builder { b.args = append(b.args, Int64(v)); return b }

// AddFloat32 appends an 'f' argument.
func (b *Builder) AddFloat32(v float32) *Builder { b.args = append(b.args, Float32(v)); return b }

// AddDouble appends a 'd' argument.
func (b *Builder) AddDouble(v float64) *Builder { b.args = append(b.args, Double(v)); return b }

// AddString appends an 's' argument.
func (b *Builder) AddString(v string) *Builder { b.args = append(b.args, String(v)); return b }

// AddSymbol appends an 'S' argument.
func (b *Builder) AddSymbol(v string) *Builder { b.args = append(b.args, Symbol(v)); return b }

// AddBlob appends a 'b' argument.
func (b *Builder) AddBlob(v []byte) *Builder { b.args = append(b.args, Blob(v)); return b }

// AddChar appends a 'c' argument.
func (b *Builder) AddChar(v byte) *Builder { b.args = append(b.args, Char(v)); return b }

// AddMidi appends an 'm' argument.
func (b *Builder) AddMidi(v [4]byte) *Builder { b.args = append(b.args, Midi(v)); return b }

// AddBool appends a 'B' argument.
func (b *Builder) AddBool(v bool) *Builder { b.args = append(b.args, Bool(v)); return b }

// AddTrue appends a payload-less 'T' argument.
func (b *Builder) AddTrue() *Builder { b.args = append(b.args, True()); return b }

// AddFalse appends a payload-less 'F' argument.
func (b *Builder) AddFalse() *Builder { b.args = append(b.args, False()); return b }

// AddNil appends a payload-less 'N' argument.
func (b *Builder) AddNil() *Builder { b.args = append(b.args, Nil()); return b }

// Finish builds the Message and encodes its wire form, returning the
// assembled Message. The Builder must not be reused afterward.
func (b *Builder) Finish(timestamp float64, address string) (*Message, error) {
	typetag := make([]byte, 0, len(b.args)+1)
	typetag = append(typetag, ',')
	for _, a := range b.args {
		typetag = append(typetag, byte(a.Tag))
	}
	wire, err := Encode(timestamp, address, b.args)
	if err != nil {
		return nil, err
	}
	return &Message{
		Timestamp: timestamp,
		Address:   address,
		Typetag:   string(typetag),
		Args:      b.args,
		Length:    len(wire),
	}, nil
}

// Extractor walks a Message's arguments one at a time, coercing on
// request. It mirrors spec §4.1's start/get_next extraction API.
type Extractor struct {
	msg *Message
	pos int
}

// NewExtractor returns an Extractor positioned before msg's first argument.
func NewExtractor(msg *Message) *Extractor { return &Extractor{msg: msg} }

// GetNext returns the next argument coerced to want, advancing the
// cursor only on success. A failed coercion leaves the cursor in place
// so a handler may retry with a different expectation.
func (e *Extractor) GetNext(want TypeTag) (*Arg, bool) {
	if e.pos >= len(e.msg.Args) {
		return nil, false
	}
	coerced, ok := Coerce(e.msg.Args[e.pos], want)
	if !ok {
		return nil, false
	}
	e.pos++
	return &coerced, true
}

// Remaining reports how many arguments have not yet been extracted.
func (e *Extractor) Remaining() int { return len(e.msg.Args) - e.pos }
