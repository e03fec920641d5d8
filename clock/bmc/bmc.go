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

// Package bmc implements O2's master election rule (spec §4.7): among
// the master candidates visible in the mesh, the one with the lowest
// peer_id wins. It is named after the teacher's "best master clock"
// algorithm, whose candidate-reduction shape it follows, simplified to
// a single comparison field since O2 has no steps-removed/topology
// dataset to compare (spec.md's election is exactly this one rule).
package bmc

// Candidate is one process eligible for election: a process that has
// called set_clock and is therefore a master candidate, spec §4.7.
type Candidate struct {
	PeerID      string
	IsCandidate bool
}

// BestMaster reduces candidates to the one that should be master: the
// lowest peer_id among those with IsCandidate set. It returns ok=false
// if no candidate is present, per spec §4.7's "non-candidate processes
// do not elect themselves."
func BestMaster(candidates []Candidate) (best Candidate, ok bool) {
	for _, c := range candidates {
		if !c.IsCandidate {
			continue
		}
		if !ok || c.PeerID < best.PeerID {
			best = c
			ok = true
		}
	}
	return best, ok
}
