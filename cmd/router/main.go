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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianIndex/pkg/logging"
	"github.com/AleutianAI/AleutianIndex/services/router"
	"github.com/AleutianAI/AleutianIndex/services/router/transport"
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string
	logDir     string
	watch      bool
	noInitial  bool

	rootCmd = &cobra.Command{
		Use:   "aleutian-index-router",
		Short: "Shard router for the Aleutian Java workspace index",
		Long: `The index router splits a Java workspace into shards, one per
source root, farms parsing out to shard workers and serves fuzzy
symbol search over the merged index.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the router until interrupted",
		RunE:  runServe,
	}

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Generate a worker auth token",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(transport.GenerateAuthToken())
		},
	}
)

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "router.yaml", "Path to the router config file")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "Minimum log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&logDir, "log-dir", "", "Directory for JSON log files (stderr only when empty)")
	serveCmd.Flags().BoolVar(&watch, "watch", true, "Watch source roots and reindex changed files")
	serveCmd.Flags().BoolVar(&noInitial, "no-initial-index", false, "Skip the index pass at startup")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(logLevel),
		LogDir:  logDir,
		Service: "index-router",
	})
	defer logger.Close()

	cfg, err := router.LoadDistributedConfig(configPath)
	if err != nil {
		return err
	}
	cfg.Logger = logger.Slog()

	r, err := router.NewDistributedRouter(*cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if watch {
		watcher, err := router.NewSourceWatcher(r, cfg.SourceRoots, logger.Slog())
		if err != nil {
			logger.Warn("file watching unavailable", "error", err)
		} else {
			if err := watcher.Start(ctx); err != nil {
				logger.Warn("file watching unavailable", "error", err)
			} else {
				defer watcher.Stop()
			}
		}
	}

	if !noInitial {
		if err := r.IndexWorkspace(ctx); err != nil {
			logger.Error("initial index pass failed", "error", err)
		}
	}

	<-ctx.Done()
	return r.Shutdown(context.Background())
}
