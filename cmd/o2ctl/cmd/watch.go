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
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var watchIntervalFlag time.Duration

// clearScreen redraws status in place on an interactive terminal,
// grounded on sa53fw/main.go's progressLine: on a non-tty (piped to a
// log file, CI output) it just prints each sample on its own line.
func clearScreen() {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}
	fmt.Print("\x1b[H\x1b[2J")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Repeatedly poll status until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ConfigureVerbosity()
		ticker := time.NewTicker(watchIntervalFlag)
		defer ticker.Stop()
		for {
			families, err := fetcher.Fetch(rootAddrFlag)
			if err != nil {
				log.Warningf("o2ctl: %v", err)
			} else {
				clearScreen()
				renderStatus(os.Stdout, families)
			}
			<-ticker.C
		}
	},
}

func init() {
	watchCmd.Flags().DurationVarP(&watchIntervalFlag, "interval", "i", time.Second, "poll interval")
	RootCmd.AddCommand(watchCmd)
}
