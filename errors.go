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

import "errors"

// Sentinel errors returned synchronously from the API call that caused
// them, spec §7's propagation policy. Each doc comment records the
// numeric value spec.md §6 assigns the equivalent return code, kept for
// ABI-note purposes even though idiomatic Go callers should use
// errors.Is rather than compare numbers.
var (
	// ErrFail is the catch-all failure: unknown service at send time,
	// a future timestamp with no clock sync, or a downstream transport
	// error. spec.md value: -1.
	ErrFail = errors.New("o2: operation failed")

	// ErrNoMemory is returned when the allocator cannot satisfy a
	// request; any partially built message is freed before it is
	// returned. spec.md value: -4.
	ErrNoMemory = errors.New("o2: allocator out of memory")

	// ErrRunning names the "already initialized" condition. Nothing in
	// this package returns it: every Initialize call creates an
	// independent Process. spec.md value: -5.
	ErrRunning = errors.New("o2: process already initialized")

	// ErrBadName is returned by Initialize for a null or empty ensemble
	// name. spec.md value: -6.
	ErrBadName = errors.New("o2: ensemble name must not be empty")

	// ErrTCPHup is surfaced through Status and a dropped in-flight
	// message once a peer's TCP connection hangs up; it is never
	// returned directly from Send. spec.md value: -7.
	ErrTCPHup = errors.New("o2: tcp connection closed by peer")
)
