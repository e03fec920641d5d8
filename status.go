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

import "github.com/aaronvark/o2/directory"

// Status reports a service's locality and this process's clock-sync
// state, as returned by Process.Status. Its numeric ordering is
// load-bearing (spec.md §9): callers test categories with
// status >= StatusLocal, so these constants must keep spec.md §6's
// exact values.
type Status int

// Service status codes, spec.md §6.
const (
	StatusFail         Status = -1 // unknown service
	StatusLocalNoTime  Status = 0
	StatusRemoteNoTime Status = 1
	StatusBridgeNoTime Status = 2
	StatusToOSCNoTime  Status = 3
	StatusLocal        Status = 4
	StatusRemote       Status = 5
	StatusBridge       Status = 6
	StatusToOSC        Status = 7

	// StatusServiceConflict and StatusNoService are reserved per
	// spec.md §9 ("the source also reserves error codes
	// SERVICE_CONFLICT and NO_SERVICE as 'never returned' — preserve
	// their numeric values for ABI compatibility but do not emit
	// them"). The header excerpt available here does not give their
	// original numeric value, so these are assigned arbitrarily outside
	// the active -1..7 range; Process never returns either.
	StatusServiceConflict Status = -20
	StatusNoService       Status = -21
)

// String renders a Status for logging and o2ctl output.
func (s Status) String() string {
	switch s {
	case StatusFail:
		return "FAIL"
	case StatusLocalNoTime:
		return "LOCAL_NOTIME"
	case StatusRemoteNoTime:
		return "REMOTE_NOTIME"
	case StatusBridgeNoTime:
		return "BRIDGE_NOTIME"
	case StatusToOSCNoTime:
		return "TO_OSC_NOTIME"
	case StatusLocal:
		return "LOCAL"
	case StatusRemote:
		return "REMOTE"
	case StatusBridge:
		return "BRIDGE"
	case StatusToOSC:
		return "TO_OSC"
	case StatusServiceConflict:
		return "SERVICE_CONFLICT"
	case StatusNoService:
		return "NO_SERVICE"
	default:
		return "UNKNOWN"
	}
}

// statusFor derives a service's Status from its kind and whether this
// process currently has a defined global time; spec.md §6's NOTIME vs.
// synced variants track this process's own sync state, not the
// service's owning peer (see scenario 3: P1's view of a service on P2
// moves from REMOTE_NOTIME to REMOTE as P1 itself completes sync, not
// as P2's clock changes).
func statusFor(kind directory.Kind, synced bool) Status {
	switch kind {
	case directory.KindLocal:
		if synced {
			return StatusLocal
		}
		return StatusLocalNoTime
	case directory.KindRemoteO2:
		if synced {
			return StatusRemote
		}
		return StatusRemoteNoTime
	case directory.KindBridge:
		if synced {
			return StatusBridge
		}
		return StatusBridgeNoTime
	case directory.KindOSCOut:
		if synced {
			return StatusToOSC
		}
		return StatusToOSCNoTime
	default:
		return StatusFail
	}
}
