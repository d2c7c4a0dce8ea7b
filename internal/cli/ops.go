// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewFlushCommand creates the flush command: a one-shot manual drain.
func NewFlushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Deliver all pending readings now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), rootOpts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			ev, err := a.scheduler.Flush(cmd.Context())
			if err != nil {
				return err
			}
			if !ev.Success {
				return fmt.Errorf("flush failed with %d readings pending: %w", ev.ReadingCount, ev.Err)
			}
			fmt.Printf("flushed %d readings\n", ev.ReadingCount)
			return nil
		},
	}
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show buffer statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), rootOpts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.buffer.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("total:   %d\npending: %d\nflushed: %d\n", st.Total, st.Pending, st.Flushed)
			if st.Oldest != nil {
				fmt.Printf("oldest:  %s\nnewest:  %s\n",
					st.Oldest.Format(time.RFC3339), st.Newest.Format(time.RFC3339))
			}
			if keyID, version, ok := a.manager.ActiveKeyInfo(); ok {
				fmt.Printf("key:     %s (v%d)\n", keyID, version)
			}
			return nil
		},
	}
}

// NewMigrateCommand creates the migrate command: one-time encryption of
// legacy plaintext readings. Safe to re-run and to resume.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Encrypt legacy plaintext readings in place",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), rootOpts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.manager.MigratePlaintext(cmd.Context(), a.store)
			if err != nil {
				return err
			}
			fmt.Printf("migrated %d readings (%d errors)\n", st.MigratedRecords, len(st.Errors))
			for _, e := range st.Errors {
				fmt.Printf("  %s\n", e)
			}
			return nil
		},
	}
}

// NewRotateKeyCommand creates the rotate-key command.
func NewRotateKeyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key",
		Short: "Rotate the encryption key and re-encrypt all readings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), rootOpts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.manager.RotateKey(cmd.Context(), a.store); err != nil {
				return err
			}
			keyID, version, _ := a.manager.ActiveKeyInfo()
			fmt.Printf("rotated to key %s (v%d)\n", keyID, version)
			return nil
		},
	}
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	var before string
	var expired bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete flushed, expired, or pre-cutoff readings",
		Long: `Without flags, purge deletes all readings already delivered. With
--before it deletes readings captured before the given RFC3339 time, delivered
or not. With --expired it applies the per-sensor-kind retention windows.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), rootOpts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			var n int64
			switch {
			case expired:
				n, err = a.buffer.ClearExpired(cmd.Context())
			case before != "":
				cutoff, perr := time.Parse(time.RFC3339, before)
				if perr != nil {
					return fmt.Errorf("invalid --before time: %w", perr)
				}
				n, err = a.buffer.Purge(cmd.Context(), cutoff)
			default:
				n, err = a.buffer.Purge(cmd.Context(), time.Time{})
			}
			if err != nil {
				return err
			}
			fmt.Printf("purged %d readings\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "delete readings captured before this RFC3339 time")
	cmd.Flags().BoolVar(&expired, "expired", false, "apply retention windows instead")
	return cmd
}
