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

// Package servo implements the skew-slewing controller behind O2's
// global_time() (spec §4.7): adopted offsets are not applied
// instantaneously but slewed toward at a bounded rate, so global time
// stays monotonic and smooth even as the estimated offset jumps between
// probes. This is a direct rewrite of the teacher's PiServo
// (facebook-time's servo package) for a domain with no disciplinable
// hardware oscillator to steer: instead of computing a frequency
// correction (ppb) fed to a PHC, Skew directly slews a software offset
// applied by the caller in its own global_time() (see DESIGN.md).
package servo

import "time"

// DefaultMaxSlewRate is the bound spec §4.7 names explicitly: the skew
// may move at most 10% as fast as real time elapses.
const DefaultMaxSlewRate = 0.10

// Skew slews a software clock offset toward successive targets without
// ever stepping it, bounding the correction rate to MaxSlewRate (a
// fraction of elapsed real time, e.g. 0.10 for "at most 10%").
type Skew struct {
	MaxSlewRate float64

	current time.Duration
	target  time.Duration
}

// New returns a Skew starting at zero offset, sized to maxSlewRate (use
// DefaultMaxSlewRate absent a reason to deviate).
func New(maxSlewRate float64) *Skew {
	return &Skew{MaxSlewRate: maxSlewRate}
}

// SetTarget records a newly adopted offset estimate (spec §4.7's
// minimum-RTT-sample offset) as the value Advance will slew toward.
func (s *Skew) SetTarget(target time.Duration) {
	s.target = target
}

// Advance moves the current skew toward target by at most
// MaxSlewRate*elapsed, and returns the updated skew. Call once per poll
// tick with the real time elapsed since the previous call.
func (s *Skew) Advance(elapsed time.Duration) time.Duration {
	diff := s.target - s.current
	if diff == 0 || elapsed <= 0 {
		return s.current
	}
	maxStep := time.Duration(float64(elapsed) * s.MaxSlewRate)
	if maxStep <= 0 {
		return s.current
	}
	if diff > 0 {
		if diff > maxStep {
			diff = maxStep
		}
	} else {
		if -diff > maxStep {
			diff = -maxStep
		}
	}
	s.current += diff
	return s.current
}

// Current returns the skew as of the last Advance, without moving it.
func (s *Skew) Current() time.Duration { return s.current }
