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

// Package cmd implements o2ctl, a diagnostic CLI for a running o2d,
// grounded on ptpcheck/cmd's RootCmd/Execute shape: o2ctl has no
// management socket of its own, so every subcommand reads the target
// process's Prometheus /metrics endpoint instead of ptpcheck's
// unix-socket/http hybrid.
package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootCmd is o2ctl's entry point, exported so it can be extended without
// touching core functionality, matching the teacher's convention.
var RootCmd = &cobra.Command{
	Use:   "o2ctl",
	Short: "Diagnostic tool for a running o2d process",
}

var (
	rootVerboseFlag bool
	rootAddrFlag    string
)

const rootAddrFlagDesc = "host:port of the target o2d's metrics endpoint"

func init() {
	RootCmd.PersistentFlags().BoolVarP(&rootVerboseFlag, "verbose", "v", false, "verbose output")
	RootCmd.PersistentFlags().StringVarP(&rootAddrFlag, "addr", "a", "localhost:9200", rootAddrFlagDesc)
}

// ConfigureVerbosity configures log verbosity based on parsed flags. Every
// subcommand's RunE must call this first.
func ConfigureVerbosity() {
	log.SetLevel(log.InfoLevel)
	if rootVerboseFlag {
		log.SetLevel(log.DebugLevel)
	}
}

// Execute is o2ctl's main entry point.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
