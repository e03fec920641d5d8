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

// Package scheduler implements O2's two timing wheels (spec §4.8): a
// fixed-size array of bins indexed by timestamp modulo the table size,
// each bin a singly linked list of messages kept sorted by
// non-decreasing timestamp. One Wheel instance is driven by local time
// (ltsched) and one by global time (gtsched); package o2 owns both.
package scheduler

import (
	"math"
	"sort"

	"github.com/aaronvark/o2/protocol"
)

// BinCount is the timing wheel's table size, spec §4.8.
const BinCount = 128

// DefaultGranularity is the seconds-per-bin default absent a reason to
// tune it: fine enough for O2's sub-second scheduling jitter budget,
// coarse enough that BinCount bins cover a multi-second horizon (see
// DESIGN.md Open Questions — spec.md names the mechanism but not this
// constant).
const DefaultGranularity = 0.05

// maxBinsPerSweep bounds per-tick work, spec §4.8's "clamped to one full
// table sweep": if the wall clock has jumped ahead by more than one
// full revolution of the wheel since the last sweep, only the most
// recent BinCount bins are visited in a single Sweep call. Those cover
// every bin index once, so every due message is still found.
const maxBinsPerSweep = BinCount

// Wheel is one timing wheel, over either local or global time depending
// on which clock source the caller samples `now` from.
type Wheel struct {
	granularity float64
	bins        [BinCount]*protocol.Message
	lastBin     int64
	initialized bool
}

// New returns an empty Wheel with the given granularity (seconds per bin).
func New(granularity float64) *Wheel {
	if granularity <= 0 {
		granularity = DefaultGranularity
	}
	return &Wheel{granularity: granularity}
}

func floorBin(t, granularity float64) int64 {
	return int64(math.Floor(t / granularity))
}

func binIndex(bin int64) int {
	idx := bin % BinCount
	if idx < 0 {
		idx += BinCount
	}
	return int(idx)
}

// Schedule inserts msg into its bin, keeping the bin's list sorted by
// non-decreasing timestamp with ties broken by arrival order (new
// arrivals with an equal timestamp are appended after existing ones,
// spec §4.8's FIFO-among-ties ordering guarantee).
func (w *Wheel) Schedule(msg *protocol.Message) {
	bin := floorBin(msg.Timestamp, w.granularity)
	idx := binIndex(bin)
	msg.Next = nil

	head := w.bins[idx]
	if head == nil || head.Timestamp > msg.Timestamp {
		msg.Next = head
		w.bins[idx] = msg
		return
	}
	cur := head
	for cur.Next != nil && cur.Next.Timestamp <= msg.Timestamp {
		cur = cur.Next
	}
	msg.Next = cur.Next
	cur.Next = msg
}

// Sweep pops every message whose timestamp is now due (timestamp ≤ now)
// from the bins between the last sweep and now, in timestamp-ascending
// order with ties kept in arrival order. The first call visits one full
// table, so messages scheduled before it are found; every call also
// revisits the bin the previous call ended in, since that bin may hold
// messages that were not yet due then. It returns nil when nothing is
// due.
func (w *Wheel) Sweep(now float64) []*protocol.Message {
	target := floorBin(now, w.granularity)
	if !w.initialized {
		w.lastBin = target - maxBinsPerSweep
		w.initialized = true
	}
	start := w.lastBin + 1
	end := target
	if end < start {
		return nil
	}
	if end-start+1 > maxBinsPerSweep {
		start = end - maxBinsPerSweep + 1
	}

	var due []*protocol.Message
	for b := start; b <= end; b++ {
		idx := binIndex(b)
		var head, prev *protocol.Message
		cur := w.bins[idx]
		for cur != nil {
			next := cur.Next
			if cur.Timestamp <= now {
				cur.Next = nil
				due = append(due, cur)
			} else if prev == nil {
				head = cur
				prev = cur
			} else {
				prev.Next = cur
				prev = cur
			}
			cur = next
		}
		if prev != nil {
			prev.Next = nil
		}
		w.bins[idx] = head
	}
	w.lastBin = end - 1
	sort.SliceStable(due, func(i, j int) bool { return due[i].Timestamp < due[j].Timestamp })
	return due
}

// Pending reports how many messages currently sit in the wheel, for
// diagnostics (package stats).
func (w *Wheel) Pending() int {
	n := 0
	for _, head := range w.bins {
		for cur := head; cur != nil; cur = cur.Next {
			n++
		}
	}
	return n
}
