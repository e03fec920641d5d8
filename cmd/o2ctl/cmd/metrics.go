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
	"net/http"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// metricsFetcher scrapes a running o2d's /metrics endpoint, keyed by
// metric name. Subcommands depend on the interface rather than
// httpFetcher directly so tests can supply MockMetricsFetcher instead of
// standing up a real HTTP server, matching the teacher's Clock/Stats
// mocking convention in ptp/sptp/client.
type metricsFetcher interface {
	Fetch(addr string) (map[string]*dto.MetricFamily, error)
}

// httpFetcher is the production metricsFetcher, grounded on
// cmd/sptp-exporter's http.Get of a peer daemon's monitoring port.
type httpFetcher struct{}

func (httpFetcher) Fetch(addr string) (map[string]*dto.MetricFamily, error) {
	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
	if err != nil {
		return nil, fmt.Errorf("fetching metrics from %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching metrics from %s: status %s", addr, resp.Status)
	}
	var parser expfmt.TextParser
	return parser.TextToMetricFamilies(resp.Body)
}

// fetcher is the metricsFetcher subcommands use; tests swap it out.
var fetcher metricsFetcher = httpFetcher{}

// gaugeValue returns a single-sample gauge/counter family's value, 0 if
// the family is absent (the collector just hasn't observed anything yet).
func gaugeValue(families map[string]*dto.MetricFamily, name string) float64 {
	fam, ok := families[name]
	if !ok || len(fam.Metric) == 0 {
		return 0
	}
	m := fam.Metric[0]
	switch {
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Counter != nil:
		return m.Counter.GetValue()
	default:
		return 0
	}
}

// labeledValues returns every sample of a vec family keyed by its first
// label's value, for o2_scheduler_pending_messages{wheel=...} and
// o2_messages_dispatched_total{service=...}.
func labeledValues(families map[string]*dto.MetricFamily, name string) map[string]float64 {
	out := map[string]float64{}
	fam, ok := families[name]
	if !ok {
		return out
	}
	for _, m := range fam.Metric {
		label := "*"
		if len(m.Label) > 0 {
			label = m.Label[0].GetValue()
		}
		switch {
		case m.Gauge != nil:
			out[label] = m.Gauge.GetValue()
		case m.Counter != nil:
			out[label] = m.Counter.GetValue()
		}
	}
	return out
}
