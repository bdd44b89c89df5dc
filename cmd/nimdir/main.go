// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command nimdir runs the nimble package directory service.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/nimdir/pkg/logging"
	"github.com/AleutianAI/nimdir/services/directory"
	"github.com/AleutianAI/nimdir/services/directory/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130) // Standard shell convention for SIGINT
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var (
		configPath string
		verbose    bool
	)

	root := &cobra.Command{
		Use:           "nimdir",
		Short:         "Package directory service for the nimble ecosystem",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "nimdir.yaml", "path to the config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the directory: web API, build orchestrator, manifest poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			level := logging.ParseLevel(cfg.LogLevel)
			if verbose {
				level = logging.LevelDebug
			}
			logger := logging.New(logging.Config{
				Level:   level,
				JSON:    cfg.LogJSON,
				LogDir:  cfg.LogDir,
				Service: "nimdir",
			})
			defer logger.Close()

			svc, err := directory.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			return svc.Run(cmd.Context())
		},
	}
	root.AddCommand(serve)

	return root.ExecuteContext(ctx)
}
