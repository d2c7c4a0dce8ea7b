// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// maintenanceInterval paces the retention sweep and the key-rotation check.
const maintenanceInterval = time.Hour

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the buffering daemon until interrupted",
		Long: `Run starts the flush scheduler and a maintenance loop (retention sweep
and key-rotation check), then drains the buffer with a manual flush on
SIGINT/SIGTERM before stopping.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), rootOpts)
		},
	}
}

func runDaemon(parent context.Context, opts *RootOptions) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, opts, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	go a.maintenanceLoop(ctx)

	<-ctx.Done()
	a.logger.Info("shutting down, draining pending readings")

	// A fresh context: the signal context is already cancelled.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if ev, err := a.scheduler.Flush(drainCtx); err != nil {
		a.logger.Warn("shutdown drain skipped", "error", err)
	} else if !ev.Success {
		a.logger.Warn("shutdown drain failed, readings remain buffered",
			"count", ev.ReadingCount, "error", ev.Err)
	}
	a.scheduler.Stop()
	return nil
}

func (a *app) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := a.buffer.ClearExpired(ctx); err != nil {
			a.logger.Warn("retention sweep failed", "error", err)
		}
		if a.manager.RotationDue(a.bufCfg.KeyRotationInterval) {
			a.logger.Info("key rotation due")
			if err := a.manager.RotateKey(ctx, a.store); err != nil {
				a.logger.Error("key rotation failed, old key remains active", "error", err)
			}
		}
	}
}
