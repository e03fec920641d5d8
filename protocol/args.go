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
	"encoding/binary"
	"math"
)

func appendDouble(buf []byte, v float64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v))
	return append(buf, tmp[:]...)
}

func readDouble(data []byte, off int) (float64, int) {
	bits := binary.BigEndian.Uint64(data[off : off+8])
	return math.Float64frombits(bits), off + 8
}

func appendArg(buf []byte, a Arg) ([]byte, error) {
	switch a.Tag {
	case TagInt32, TagChar, TagBool:
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(a.I32))
		return append(buf, tmp[:]...), nil
	case TagInt64:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(a.I64))
		return append(buf, tmp[:]...), nil
	case TagFloat32:
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], math.Float32bits(a.F32))
		return append(buf, tmp[:]...), nil
	case TagDouble, TagTimeTag:
		return appendDouble(buf, a.F64), nil
	case TagString, TagSymbol:
		return appendPaddedString(buf, a.Str), nil
	case TagBlob:
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(len(a.Blob)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, a.Blob...)
		for len(buf)%4 != 0 {
			buf = append(buf, 0)
		}
		return buf, nil
	case TagMidi:
		return append(buf, a.Midi[:]...), nil
	case TagTrue, TagFalse, TagNil, TagInfinitum:
		return buf, nil
	default:
		return nil, malformed("unknown typetag code")
	}
}

func readArg(data []byte, off int, tag TypeTag) (Arg, int, error) {
	need := func(n int) error {
		if off+n > len(data) {
			return malformed("argument runs past end of buffer")
		}
		return nil
	}
	switch tag {
	case TagInt32, TagChar, TagBool:
		if err := need(4); err != nil {
			return Arg{}, 0, err
		}
		v := int32(binary.BigEndian.Uint32(data[off : off+4]))
		return Arg{Tag: tag, I32: v}, off + 4, nil
	case TagInt64:
		if err := need(8); err != nil {
			return Arg{}, 0, err
		}
		v := int64(binary.BigEndian.Uint64(data[off : off+8]))
		return Arg{Tag: tag, I64: v}, off + 8, nil
	case TagFloat32:
		if err := need(4); err != nil {
			return Arg{}, 0, err
		}
		v := math.Float32frombits(binary.BigEndian.Uint32(data[off : off+4]))
		return Arg{Tag: tag, F32: v}, off + 4, nil
	case TagDouble, TagTimeTag:
		if err := need(8); err != nil {
			return Arg{}, 0, err
		}
		v, next := readDouble(data, off)
		return Arg{Tag: tag, F64: v}, next, nil
	case TagString, TagSymbol:
		s, next, err := readPaddedString(data, off)
		if err != nil {
			return Arg{}, 0, err
		}
		return Arg{Tag: tag, Str: s}, next, nil
	case TagBlob:
		if err := need(4); err != nil {
			return Arg{}, 0, err
		}
		n := int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
		if n < 0 || off+n > len(data) {
			return Arg{}, 0, malformed("blob size runs past end of buffer")
		}
		b := make([]byte, n)
		copy(b, data[off:off+n])
		next := pad4(n) + off
		if next > len(data) {
			return Arg{}, 0, malformed("blob padding runs past end of buffer")
		}
		return Arg{Tag: tag, Blob: b}, next, nil
	case TagMidi:
		if err := need(4); err != nil {
			return Arg{}, 0, err
		}
		var m [4]byte
		copy(m[:], data[off:off+4])
		return Arg{Tag: tag, Midi: m}, off + 4, nil
	case TagTrue, TagFalse, TagNil, TagInfinitum:
		return Arg{Tag: tag}, off, nil
	default:
		return Arg{}, 0, malformed("unknown typetag code")
	}
}
