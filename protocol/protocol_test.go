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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripAllTypes(t *testing.T) {
	args := []Arg{
		Int32(-7),
		Int64(1 << 40),
		Float32(3.5),
		Double(2.718281828),
		String("hello"),
		Symbol("world"),
		Blob([]byte{1, 2, 3, 4, 5}),
		Char('Q'),
		Midi([4]byte{0x90, 0x40, 0x7f, 0x00}),
		True(),
		False(),
		Nil(),
		Infinitum(),
		Bool(true),
	}
	wire, err := Encode(123.5, "/synth/vol", args)
	require.NoError(t, err)
	assert.Equal(t, 0, len(wire)%4, "every encoded message is 4-byte aligned")

	msg, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, 123.5, msg.Timestamp)
	assert.Equal(t, "/synth/vol", msg.Address)
	assert.Equal(t, len(wire), msg.Length)
	require.Len(t, msg.Args, len(args))
	for i, a := range args {
		assert.Equal(t, a, msg.Args[i], "argument %d round-trips byte-equivalent", i)
	}
}

func TestPaddingIsAlways4ByteAligned(t *testing.T) {
	for _, addr := range []string{"/a", "/ab", "/abc", "/abcd", "/abcde"} {
		wire, err := Encode(0, addr, []Arg{String("x"), String("xy"), String("xyz"), String("xyzw")})
		require.NoError(t, err)
		assert.Zero(t, len(wire)%4)
	}
}

func TestDecodeMalformedTruncated(t *testing.T) {
	wire, err := Encode(0, "/a/b", []Arg{Int32(42)})
	require.NoError(t, err)
	_, err = Decode(wire[:len(wire)-1])
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeMalformedTypetagNotTerminated(t *testing.T) {
	wire, err := Encode(0, "/a", []Arg{Int32(1)})
	require.NoError(t, err)
	// corrupt: flip every NUL after the address to a non-NUL byte within
	// the typetag region to break termination detection.
	for i := 8 + 4; i < len(wire); i++ {
		if wire[i] == 0 {
			wire[i] = 'x'
		}
	}
	_, err = Decode(wire)
	require.Error(t, err)
}

func TestZeroTimestampMeansImmediate(t *testing.T) {
	wire, err := Encode(0.0, "/x", nil)
	require.NoError(t, err)
	msg, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, 0.0, msg.Timestamp)
}

func TestCoerceWidening(t *testing.T) {
	cases := []struct {
		from Arg
		want TypeTag
	}{
		{Int32(5), TagInt64},
		{Int32(5), TagFloat32},
		{Int32(5), TagDouble},
		{Int64(5), TagDouble},
		{Float32(5), TagDouble},
	}
	for _, c := range cases {
		got, ok := Coerce(c.from, c.want)
		require.True(t, ok, "%v -> %c should widen", c.from, c.want)
		assert.Equal(t, c.want, got.Tag)
	}
}

func TestCoerceNarrowingRepresentable(t *testing.T) {
	got, ok := Coerce(Double(3.0), TagInt32)
	require.True(t, ok)
	assert.Equal(t, int32(3), got.I32)

	got, ok = Coerce(Double(-3.9), TagInt32)
	require.True(t, ok)
	assert.Equal(t, int32(-3), got.I32, "rounds toward zero")
}

func TestCoerceNarrowingOverflowFails(t *testing.T) {
	_, ok := Coerce(Double(1e20), TagInt32)
	assert.False(t, ok)
}

func TestCoerceStringSymbolNoOp(t *testing.T) {
	got, ok := Coerce(String("x"), TagSymbol)
	require.True(t, ok)
	assert.Equal(t, "x", got.Str)
	assert.Equal(t, TagSymbol, got.Tag)
}

func TestCoerceBoolFamily(t *testing.T) {
	got, ok := Coerce(Int32(1), TagTrue)
	require.True(t, ok)
	assert.Equal(t, TagTrue, got.Tag)

	_, ok = Coerce(Int32(5), TagTrue)
	assert.False(t, ok, "non 0/1 integer cannot stand in for a boolean")

	got, ok = Coerce(True(), TagInt32)
	require.True(t, ok)
	assert.Equal(t, int32(1), got.I32)
}

func TestCoerceNeverReturnsWrongTaggedValue(t *testing.T) {
	// P8: every pair either converts deterministically or fails outright.
	all := []Arg{Int32(1), Int64(1), Float32(1), Double(1), String("s"), Symbol("s"), Blob([]byte{1}), Char('a'), True(), False(), Bool(true)}
	tags := []TypeTag{TagInt32, TagInt64, TagFloat32, TagDouble, TagString, TagSymbol, TagBlob, TagChar, TagTrue, TagFalse, TagBool}
	for _, a := range all {
		for _, want := range tags {
			got, ok := Coerce(a, want)
			if ok {
				assert.Equal(t, want, got.Tag)
			} else {
				assert.Equal(t, Arg{}, got)
			}
		}
	}
}

func TestBuilderAndExtractor(t *testing.T) {
	msg, err := NewBuilder().AddFloat32(0.5).AddString("hi").Finish(0, "/synth/vol")
	require.NoError(t, err)

	e := NewExtractor(msg)
	f, ok := e.GetNext(TagFloat32)
	require.True(t, ok)
	assert.Equal(t, float32(0.5), f.F32)

	s, ok := e.GetNext(TagString)
	require.True(t, ok)
	assert.Equal(t, "hi", s.Str)

	_, ok = e.GetNext(TagInt32)
	assert.False(t, ok)
	assert.Equal(t, 0, e.Remaining())
}

func TestMatchWildcards(t *testing.T) {
	cases := []struct {
		pattern, literal string
		want             bool
	}{
		{"*", "anything", true},
		{"a*b", "aXXXb", true},
		{"a*b", "ab", true},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{"[abc]", "b", true},
		{"[!abc]", "b", false},
		{"[a-z]", "m", true},
		{"[a-z]", "M", false},
		{"{foo,bar}", "foo", true},
		{"{foo,bar}", "bar", true},
		{"{foo,bar}", "baz", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Match(c.pattern, c.literal), "pattern %q vs %q", c.pattern, c.literal)
	}
}

func TestNormalizeAddressBangHint(t *testing.T) {
	addr, hint := NormalizeAddress("!synth/vol")
	assert.True(t, hint)
	assert.Equal(t, "/synth/vol", addr)

	addr, hint = NormalizeAddress("/synth/vol")
	assert.False(t, hint)
	assert.Equal(t, "/synth/vol", addr)
}

func TestDiscoveryRoundTrip(t *testing.T) {
	d := Discovery{Ensemble: "ens", PeerID: "abc123", UDPPort: 4000, TCPPort: 5000, MasterCandidate: true, ProtocolVersion: "2.0.0"}
	msg, err := EncodeDiscovery(d)
	require.NoError(t, err)
	wire, err := Encode(msg.Timestamp, msg.Address, msg.Args)
	require.NoError(t, err)
	decoded, err := Decode(wire)
	require.NoError(t, err)
	got, err := DecodeDiscovery(decoded)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestClockGetPutRoundTrip(t *testing.T) {
	g := ClockGet{RequestID: 42}
	msg, err := EncodeClockGet(g)
	require.NoError(t, err)
	wire, _ := Encode(msg.Timestamp, msg.Address, msg.Args)
	decoded, err := Decode(wire)
	require.NoError(t, err)
	gotG, err := DecodeClockGet(decoded)
	require.NoError(t, err)
	assert.Equal(t, g, gotG)

	p := ClockPut{RequestID: 42, MasterTime: 123.456}
	msg, err = EncodeClockPut(p)
	require.NoError(t, err)
	wire, _ = Encode(msg.Timestamp, msg.Address, msg.Args)
	decoded, err = Decode(wire)
	require.NoError(t, err)
	gotP, err := DecodeClockPut(decoded)
	require.NoError(t, err)
	assert.Equal(t, p, gotP)
}
