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

import "math"

func isNumeric(t TypeTag) bool {
	switch t {
	case TagInt32, TagInt64, TagFloat32, TagDouble, TagTimeTag:
		return true
	}
	return false
}

func asFloat64(a Arg) float64 {
	switch a.Tag {
	case TagInt32:
		return float64(a.I32)
	case TagInt64:
		return float64(a.I64)
	case TagFloat32:
		return float64(a.F32)
	case TagDouble, TagTimeTag:
		return a.F64
	}
	return 0
}

// boolValue reports the boolean reading of an argument that can stand in
// for one, per spec §4.1: T/F/B directly, i/h only when exactly 0 or 1.
func boolValue(a Arg) (v bool, ok bool) {
	switch a.Tag {
	case TagTrue:
		return true, true
	case TagFalse:
		return false, true
	case TagBool:
		return a.I32 != 0, true
	case TagInt32:
		if a.I32 == 0 || a.I32 == 1 {
			return a.I32 == 1, true
		}
	case TagInt64:
		if a.I64 == 0 || a.I64 == 1 {
			return a.I64 == 1, true
		}
	}
	return false, false
}

// Coerce converts a into an argument tagged want, per spec §4.1:
// numeric widths widen without loss; narrowing rounds toward zero and
// succeeds only if the truncated value still fits the target width;
// string and symbol interconvert freely; T/F/B interconvert with i/h
// restricted to the values 0 and 1. Any other conversion, or one that
// would lose information, returns (Arg{}, false) leaving the caller's
// cursor untouched (P8).
func Coerce(a Arg, want TypeTag) (Arg, bool) {
	if a.Tag == want {
		return a, true
	}

	switch want {
	case TagInt32:
		if isNumeric(a.Tag) {
			f := asFloat64(a)
			t := math.Trunc(f)
			if t < math.MinInt32 || t > math.MaxInt32 {
				return Arg{}, false
			}
			return Int32(int32(t)), true
		}
		if v, ok := boolValue(a); ok {
			if v {
				return Int32(1), true
			}
			return Int32(0), true
		}
	case TagInt64:
		if isNumeric(a.Tag) {
			f := asFloat64(a)
			t := math.Trunc(f)
			if t < math.MinInt64 || t > math.MaxInt64 {
				return Arg{}, false
			}
			return Int64(int64(t)), true
		}
		if v, ok := boolValue(a); ok {
			if v {
				return Int64(1), true
			}
			return Int64(0), true
		}
	case TagFloat32:
		if isNumeric(a.Tag) {
			f := asFloat64(a)
			f32 := float32(f)
			// narrowing from double/int64: fail only on overflow to +-Inf,
			// precision loss itself is expected of a float32 target.
			if math.IsInf(float64(f32), 0) && !math.IsInf(f, 0) {
				return Arg{}, false
			}
			return Float32(f32), true
		}
	case TagDouble:
		if isNumeric(a.Tag) {
			return Double(asFloat64(a)), true
		}
	case TagTimeTag:
		if isNumeric(a.Tag) {
			return TimeTag(asFloat64(a)), true
		}
	case TagString:
		if a.Tag == TagSymbol {
			return String(a.Str), true
		}
	case TagSymbol:
		if a.Tag == TagString {
			return Symbol(a.Str), true
		}
	case TagTrue:
		if v, ok := boolValue(a); ok && v {
			return True(), true
		}
	case TagFalse:
		if v, ok := boolValue(a); ok && !v {
			return False(), true
		}
	case TagBool:
		if v, ok := boolValue(a); ok {
			return Bool(v), true
		}
	}
	return Arg{}, false
}

// TypetagMatches reports whether typetag (e.g. ",ifs") is byte-identical
// to want (spec §4.3 step 4, exact-match case).
func TypetagMatches(typetag, want string) bool {
	return typetag == want
}
