// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/Attune/services/mediator/server"
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	port     string
	dataDir  string
	logDir   string
	logLevel string
	noTrace  bool

	rootCmd = &cobra.Command{
		Use:   "mediator",
		Short: "Turn-based mediated conversation service",
		Long: `Mediator runs structured, turn-taking conversations between two
				partners (or one person solo) with an AI reflection after every
				completed round.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the mediator HTTP service",
		Run:   runServe,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the mediator version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
)

func init() {
	serveCmd.Flags().StringVar(&port, "port", "", "HTTP listen port (overrides MEDIATOR_PORT)")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", "", "BadgerDB directory (overrides MEDIATOR_DATA_DIR)")
	serveCmd.Flags().StringVar(&logDir, "log-dir", "", "Daily JSON log file directory (overrides MEDIATOR_LOG_DIR)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "", "Minimum log level (overrides MEDIATOR_LOG_LEVEL)")
	serveCmd.Flags().BoolVar(&noTrace, "no-tracing", false, "Disable the OTLP trace exporter")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := server.ConfigFromEnv()
	if port != "" {
		cfg.Port = port
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logDir != "" {
		cfg.LogDir = logDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if noTrace {
		cfg.DisableTracing = true
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "mediator exited with error: %v\n", err)
		os.Exit(1)
	}
}
