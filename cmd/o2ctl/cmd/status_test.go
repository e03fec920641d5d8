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
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	dto "github.com/prometheus/client_model/go"
)

func gaugeFamily(value float64) *dto.MetricFamily {
	v := value
	return &dto.MetricFamily{Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: &v}}}}
}

func TestOffsetStatusThresholds(t *testing.T) {
	assert.Equal(t, okString, offsetStatus(0))
	assert.Equal(t, okString, offsetStatus(-10_000_000))    // -10ms, within warn threshold in magnitude
	assert.Equal(t, warnString, offsetStatus(100_000_000))  // 100ms
	assert.Equal(t, failString, offsetStatus(900_000_000))  // 900ms
	assert.Equal(t, failString, offsetStatus(-900_000_000)) // -900ms, sign shouldn't matter
}

func TestStatusRowsReadsGaugesAndVecs(t *testing.T) {
	families := map[string]*dto.MetricFamily{
		"o2_peer_count":             gaugeFamily(3),
		"o2_clock_offset_seconds":   gaugeFamily(0.01),
		"o2_clock_rtt_seconds":      gaugeFamily(0.002),
		"o2_scheduler_pending_messages": {Metric: []*dto.Metric{
			{Label: []*dto.LabelPair{{Name: strPtr("wheel"), Value: strPtr("lt")}}, Gauge: &dto.Gauge{Value: floatPtr(2)}},
			{Label: []*dto.LabelPair{{Name: strPtr("wheel"), Value: strPtr("gt")}}, Gauge: &dto.Gauge{Value: floatPtr(5)}},
		}},
	}

	rows := statusRows(families)
	byMetric := map[string]statusRow{}
	for _, r := range rows {
		byMetric[r.metric] = r
	}

	assert.Equal(t, "3", byMetric["peers"].value)
	assert.Equal(t, "2", byMetric["ltsched pending"].value)
	assert.Equal(t, "5", byMetric["gtsched pending"].value)
	assert.Equal(t, okString, byMetric["clock offset"].status)
}

func TestRenderStatusProducesNonEmptyTable(t *testing.T) {
	var buf bytes.Buffer
	renderStatus(&buf, map[string]*dto.MetricFamily{"o2_peer_count": gaugeFamily(1)})
	assert.Contains(t, buf.String(), "peers")
}

func TestInjectedFetcherFeedsStatusRows(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockMetricsFetcher(ctrl)
	mock.EXPECT().Fetch(gomock.Any()).Return(map[string]*dto.MetricFamily{"o2_peer_count": gaugeFamily(7)}, nil)

	old := fetcher
	fetcher = mock
	t.Cleanup(func() { fetcher = old })

	families, err := fetcher.Fetch("example:9200")
	require.NoError(t, err)
	rows := statusRows(families)
	require.NotEmpty(t, rows)
	assert.Equal(t, "7", rows[0].value)
}

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }
