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

// o2d runs a single O2 ensemble member as a standalone process: it reads
// a config.Config, opens the discovery/data/TCP sockets, and drives
// Process.Run until signaled to stop.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	o2 "github.com/aaronvark/o2"
	"github.com/aaronvark/o2/config"
)

// sdNotifyReady tells systemd (if running under it) that o2d finished
// initializing, grounded on the teacher's ptp/c4u.SdNotify: NOTIFY_SOCKET
// unset just means we're not running under systemd, not an error.
func sdNotifyReady() {
	supported, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if !supported && err != nil {
		log.Warningf("o2d: sd_notify failed: %v", err)
	} else if !supported {
		log.Debug("o2d: sd_notify not supported")
	}
}

// dialStaticPeers resolves and logs each configured static peer. It
// opens no connection and sends no discovery datagram to them.
func dialStaticPeers(p *o2.Process, peers []string) {
	for _, hostPort := range peers {
		host, portStr, err := net.SplitHostPort(hostPort)
		if err != nil {
			log.Warningf("o2d: static peer %q: %v", hostPort, err)
			continue
		}
		ips, err := net.LookupHost(host)
		if err != nil || len(ips) == 0 {
			log.Warningf("o2d: resolving static peer %q: %v", hostPort, err)
			continue
		}
		log.Infof("o2d: static peer resolved to %s:%s (not contacted; discovery uses broadcast only)", ips[0], portStr)
	}
}

func run(configPath string, verbose bool) error {
	log.SetLevel(log.InfoLevel)
	if verbose {
		log.SetLevel(log.DebugLevel)
	}

	if configPath == "" {
		return fmt.Errorf("o2d: --config is required")
	}
	cfg, err := config.ReadConfig(configPath)
	if err != nil {
		return err
	}

	opts := o2.Options{
		Ensemble:          cfg.Ensemble,
		IsMasterCandidate: cfg.MasterCandidate,
		DiscoveryAddr:     &net.UDPAddr{Port: cfg.DiscoveryPort},
		DataAddr:          &net.UDPAddr{Port: cfg.DataPort},
		PeerTimeout:       cfg.PeerTimeout,
	}
	if cfg.TCPAddr != "" {
		tcpAddr, err := net.ResolveTCPAddr("tcp", cfg.TCPAddr)
		if err != nil {
			return fmt.Errorf("o2d: resolving tcp_addr %q: %w", cfg.TCPAddr, err)
		}
		opts.TCPAddr = tcpAddr
	}

	p, err := o2.Initialize(opts)
	if err != nil {
		return fmt.Errorf("o2d: %w", err)
	}
	defer p.Finish()
	log.Infof("o2d: peer %s joined ensemble %q", p.SelfID(), cfg.Ensemble)

	if len(cfg.StaticPeers) > 0 {
		dialStaticPeers(p, cfg.StaticPeers)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, egCtx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		eg.Go(func() error {
			log.Infof("o2d: serving metrics on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-egCtx.Done()
			return srv.Close()
		})
	}

	eg.Go(func() error {
		sdNotifyReady()
		p.Run(egCtx, float64(cfg.PollRate))
		return nil
	})

	if err := eg.Wait(); err != nil && !strings.Contains(err.Error(), "closed") {
		return err
	}
	return nil
}

func main() {
	var (
		configPath string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:           "o2d",
		Short:         "Runs a single O2 ensemble member as a standalone process",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, verbose)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to o2d's YAML config (required)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
