// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ccbt-project/ccbt/core"
	"github.com/ccbt-project/ccbt/internal/log"
	"github.com/ccbt-project/ccbt/metrics"
	"github.com/ccbt-project/ccbt/session"
)

func init() {
	rootCmd.PersistentFlags().StringVarP(
		&peerIP, "peer-ip", "", "", "ip which peer will announce itself as")
	rootCmd.PersistentFlags().IntVarP(
		&peerPort, "peer-port", "", 0, "port which peer will announce itself as")
	rootCmd.PersistentFlags().StringVarP(
		&configFile, "config", "", "", "configuration file path")
	rootCmd.PersistentFlags().StringVarP(
		&env, "env", "", "development", "deployment environment tag reported to the metrics backend")
}

var (
	peerIP     string
	peerPort   int
	configFile string
	env        string

	rootCmd = &cobra.Command{
		Short: "ccbt-agent runs a standalone BitTorrent peer that serves " +
			"AddTorrent/AddMagnet requests for the lifetime of the process.",
		Run: func(rootCmd *cobra.Command, args []string) {
			start()
		},
	}
)

// Execute runs the root command.
func Execute() {
	rootCmd.Execute()
}

func start() {
	if peerPort == 0 {
		panic("must specify non-zero peer port")
	}

	config, err := loadConfig(configFile)
	if err != nil {
		panic(err)
	}

	zapConfig, err := config.Logging.zapConfig()
	if err != nil {
		panic(err)
	}
	logger := log.ConfigureLogger(zapConfig)
	defer logger.Sync()

	stats, closer, err := metrics.New(config.Metrics, env)
	if err != nil {
		logger.Fatalf("init metrics: %s", err)
	}
	defer closer.Close()

	pctx, err := core.NewPeerContext(config.PeerIDFactory, peerIP, peerPort)
	if err != nil {
		logger.Fatalf("create peer context: %s", err)
	}

	mgr, err := session.NewManager(config.Manager, pctx, stats, logger)
	if err != nil {
		logger.Fatalf("create session manager: %s", err)
	}
	if err := mgr.Start(); err != nil {
		logger.Fatalf("start session manager: %s", err)
	}

	logger.Infow("ccbt-agent started", "peer_id", pctx.PeerID, "listen_addr", config.Manager.ListenAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	mgr.Stop()
}
