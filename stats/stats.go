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

// Package stats exposes o2.Process internals as Prometheus collectors
// (SPEC_FULL.md §4.9's "[NEW]" per-phase instrumentation) plus a
// gopsutil-backed process/runtime snapshot, grounded on the teacher's
// sptp/client/sysstats.go. Every collector here is safe for concurrent
// reads by Prometheus's own contract; nothing in this package writes
// back into an o2.Process, so it is the one piece of process state
// touched from outside the poll goroutine (SPEC_FULL.md §5).
package stats

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/process"
)

var (
	// PollPhaseDuration times each named phase of Process.Poll, mirroring
	// the teacher's per-worker/per-phase load reporting (ptp4u's
	// findLeastBusyWorkerID / Stats.Snapshot).
	PollPhaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "o2_poll_phase_duration_seconds",
		Help:    "Duration of each phase of a single Process.Poll call.",
		Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16),
	}, []string{"phase"})

	// PeerCount is the current size of the peer table.
	PeerCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "o2_peer_count",
		Help: "Number of peers currently known to this process.",
	})

	// ClockOffsetSeconds is the clock servo's current slewed offset
	// against the elected master (clock.Clock.Offset), which moves toward
	// the adopted offset a bounded step per tick.
	ClockOffsetSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "o2_clock_offset_seconds",
		Help: "Current slewed clock offset against the master, in seconds.",
	})

	// ClockRTTSeconds is the current round-trip window's mean, spec §4.7
	// roundtrip(*mean,*min).
	ClockRTTSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "o2_clock_rtt_seconds",
		Help: "Mean round-trip time to the clock master over the sample window.",
	})

	// SchedulerPending reports each timing wheel's backlog, labeled by
	// wheel name ("lt" or "gt").
	SchedulerPending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "o2_scheduler_pending_messages",
		Help: "Messages currently sitting in a timing wheel, by wheel.",
	}, []string{"wheel"})

	// MessagesDispatched counts every message Process dispatches to a
	// local service's handlers, labeled by service name.
	MessagesDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "o2_messages_dispatched_total",
		Help: "Messages dispatched to a local service's handlers.",
	}, []string{"service"})
)

func init() {
	prometheus.MustRegister(
		PollPhaseDuration,
		PeerCount,
		ClockOffsetSeconds,
		ClockRTTSeconds,
		SchedulerPending,
		MessagesDispatched,
	)
}

// TimePhase starts a timer for the named Poll phase; call the returned
// func when the phase completes.
func TimePhase(phase string) func() {
	start := time.Now()
	return func() { PollPhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds()) }
}

var processStartedAt = time.Now()

// Snapshot is a point-in-time process/runtime reading, grounded on the
// teacher's SysStats.CollectRuntimeStats. Nothing in this module calls
// Collect: o2ctl reads only the Prometheus metrics, and Peer.Metadata
// does not carry these fields.
type Snapshot struct {
	UptimeSeconds uint64
	RSSBytes      uint64
	NumGoroutines int
	NumFDs        int32
}

// Collect gathers a Snapshot for the running process. It returns a
// partial Snapshot (never an error) when a gopsutil field is
// unavailable on the current platform, matching the teacher's
// best-effort "if val, err := ...; err == nil" style.
func Collect() Snapshot {
	s := Snapshot{
		UptimeSeconds: uint64(time.Since(processStartedAt).Seconds()),
		NumGoroutines: runtime.NumGoroutine(),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return s
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		s.RSSBytes = mem.RSS
	}
	if fds, err := proc.NumFDs(); err == nil {
		s.NumFDs = fds
	}
	return s
}

// String renders a Snapshot as one line of plain text.
func (s Snapshot) String() string {
	return fmt.Sprintf("uptime=%ds rss=%dB goroutines=%d fds=%d",
		s.UptimeSeconds, s.RSSBytes, s.NumGoroutines, s.NumFDs)
}
