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

package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	dto "github.com/prometheus/client_model/go"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// clock offset thresholds for status.go's coloring, loosely matching
// ptpcheck/cmd/diag.go's OK/WARN/FAIL tiers but scaled to O2's
// application-level sync rather than PTP's hardware-timestamp budget.
const (
	offsetWarnThreshold = 50 * time.Millisecond
	offsetFailThreshold = 500 * time.Millisecond
)

var okString = color.GreenString("[ OK ]")
var warnString = color.YellowString("[WARN]")
var failString = color.RedString("[FAIL]")

func offsetStatus(offset time.Duration) string {
	abs := offset
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs <= offsetWarnThreshold:
		return okString
	case abs <= offsetFailThreshold:
		return warnString
	default:
		return failString
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show peer count, clock sync, and scheduler backlog for a running o2d",
	RunE: func(cmd *cobra.Command, args []string) error {
		ConfigureVerbosity()
		families, err := fetcher.Fetch(rootAddrFlag)
		if err != nil {
			return err
		}
		log.Debugf("o2ctl: raw families: %d", len(families))
		renderStatus(os.Stdout, families)
		return nil
	},
}

// statusRow is one line of the status table, split out from renderStatus
// so thresholds and formatting can be tested without a tablewriter sink.
type statusRow struct {
	metric, value, status string
}

func statusRows(families map[string]*dto.MetricFamily) []statusRow {
	peerCount := gaugeValue(families, "o2_peer_count")
	offset := time.Duration(gaugeValue(families, "o2_clock_offset_seconds") * float64(time.Second))
	rtt := time.Duration(gaugeValue(families, "o2_clock_rtt_seconds") * float64(time.Second))
	pending := labeledValues(families, "o2_scheduler_pending_messages")
	dispatched := labeledValues(families, "o2_messages_dispatched_total")

	total := 0.0
	for _, v := range dispatched {
		total += v
	}

	return []statusRow{
		{"peers", fmt.Sprintf("%d", int(peerCount)), ""},
		{"clock offset", offset.String(), offsetStatus(offset)},
		{"clock rtt (mean)", rtt.String(), ""},
		{"ltsched pending", fmt.Sprintf("%d", int(pending["lt"])), ""},
		{"gtsched pending", fmt.Sprintf("%d", int(pending["gt"])), ""},
		{"messages dispatched", fmt.Sprintf("%d", int(total)), ""},
	}
}

func renderStatus(w io.Writer, families map[string]*dto.MetricFamily) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"metric", "value", "status"})
	for _, row := range statusRows(families) {
		table.Append([]string{row.metric, row.value, row.status})
	}
	table.Render()
}

func init() {
	RootCmd.AddCommand(statusCmd)
}
