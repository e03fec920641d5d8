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

// Package config reads cmd/o2d's YAML configuration file, grounded on
// the teacher's sptp/client.ReadConfig (SPEC_FULL.md §6 "[NEW] Config
// file"): spec.md's core takes every one of these as in-memory
// Initialize options, but a standalone daemon binary needs them on disk.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Config is cmd/o2d's on-disk configuration.
type Config struct {
	// Ensemble is the application/ensemble name every peer must share
	// to see one another, spec.md §3.
	Ensemble string `yaml:"ensemble"`

	// DiscoveryPort is the well-known UDP broadcast port, spec.md §4.6.
	DiscoveryPort int `yaml:"discovery_port"`
	// DataPort is the ephemeral best-effort UDP port; 0 picks one.
	DataPort int `yaml:"data_port"`
	// TCPAddr is the listen address for the reliable command channel.
	TCPAddr string `yaml:"tcp_addr"`

	// PollRate is how many times per second Process.Run calls Poll,
	// spec.md §4.9's recommended 200-1000 Hz.
	PollRate int `yaml:"poll_rate"`

	// MasterCandidate marks this process as eligible for clock-master
	// election, spec.md §4.7.
	MasterCandidate bool `yaml:"master_candidate"`

	// StaticPeers optionally lists peer host:discovery-port pairs
	// (SPEC_FULL.md §6). o2d resolves and logs each entry at startup but
	// sends nothing to them; discovery still relies on broadcast alone.
	StaticPeers []string `yaml:"static_peers"`

	// MetricsAddr, if non-empty, serves Prometheus /metrics on this
	// address (SPEC_FULL.md §6 "[NEW] Metrics endpoint").
	MetricsAddr string `yaml:"metrics_addr"`

	// PeerTimeout is how long a peer may go unheard before it is
	// declared gone, spec.md §4.4.
	PeerTimeout time.Duration `yaml:"peer_timeout"`
}

// Default returns a Config with the teacher's convention of sane
// defaults pre-filled, overridable by whatever the file sets.
func Default() *Config {
	return &Config{
		DiscoveryPort:   64546,
		TCPAddr:         ":0",
		PollRate:        500,
		PeerTimeout:     5 * time.Second,
		MasterCandidate: false,
	}
}

// ReadConfig reads and parses a Config from path.
func ReadConfig(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if c.Ensemble == "" {
		return nil, fmt.Errorf("config: %s: ensemble name is required", path)
	}
	return c, nil
}
