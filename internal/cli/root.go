// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the sensorbufd commands.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds flags shared by every command.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
}

// NewRootCommand creates the sensorbufd command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "sensorbufd",
		Short: "Encrypted sensor buffering and delivery daemon",
		Long: `sensorbufd owns the on-device encrypted buffer of sensor readings and
drains it to the configured collector under interval, batch-size, max-age,
lifecycle, and manual triggers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		NewRunCommand(opts),
		NewFlushCommand(opts),
		NewStatsCommand(opts),
		NewMigrateCommand(opts),
		NewRotateKeyCommand(opts),
		NewPurgeCommand(opts),
	)
	return cmd
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
