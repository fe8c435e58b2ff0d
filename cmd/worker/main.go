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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianIndex/pkg/logging"
	"github.com/AleutianAI/AleutianIndex/services/router/protocol"
	"github.com/AleutianAI/AleutianIndex/services/router/worker"
)

// --- Global Command Variables ---
var (
	connect       string
	shardID       uint32
	cacheDir      string
	logLevel      string
	logDir        string
	tlsCert       string
	tlsKey        string
	tlsCA         string
	tlsServerName string

	rootCmd = &cobra.Command{
		Use:   "aleutian-index-worker",
		Short: "Shard worker for the Aleutian Java workspace index",
		Long: `A worker parses one shard's Java files into symbol listings on
behalf of the index router. The auth token is read from the
ALEUTIAN_WORKER_TOKEN environment variable, never from flags.`,
		RunE: runWorker,
	}
)

func init() {
	rootCmd.Flags().StringVar(&connect, "connect", "", "Router address, e.g. unix:/tmp/router.sock")
	rootCmd.Flags().Uint32Var(&shardID, "shard-id", 0, "Shard this worker serves")
	rootCmd.Flags().StringVar(&cacheDir, "cache-dir", "", "Directory for the worker's index cache")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Minimum log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logDir, "log-dir", "", "Directory for JSON log files (stderr only when empty)")
	rootCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Client certificate for tcp+tls routers")
	rootCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Client key for tcp+tls routers")
	rootCmd.Flags().StringVar(&tlsCA, "tls-ca", "", "CA bundle for verifying the router")
	rootCmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "Expected router certificate name")
	rootCmd.MarkFlagRequired("connect")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(logLevel),
		LogDir:  logDir,
		Service: "index-worker",
	})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := worker.Options{
		Connect:  connect,
		ShardID:  protocol.ShardID(shardID),
		CacheDir: cacheDir,
		Logger:   logger.Slog(),
	}
	if tlsCert != "" || tlsCA != "" {
		opts.TLS = &worker.TLSClientOptions{
			CertFile:   tlsCert,
			KeyFile:    tlsKey,
			CAFile:     tlsCA,
			ServerName: tlsServerName,
		}
	}

	if err := worker.Run(ctx, opts); err != nil && ctx.Err() == nil {
		logger.Error("worker session failed", "error", err)
		return err
	}
	return nil
}
