package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"medpipe/internal/bus"
	"medpipe/internal/config"
	"medpipe/internal/ledger"
	"medpipe/internal/sweep"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Republish trigger events for stuck studies once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.logger(cmd)
			b, err := bus.Open(cfg, logger)
			if err != nil {
				return fmt.Errorf("open event bus: %w", err)
			}
			defer b.Close()

			return ctx.withStore(func(store *ledger.Store) error {
				report, err := sweep.New(cfg, store, b, logger).Once(cmd.Context())
				out := cmd.OutOrStdout()
				if report.Skipped {
					fmt.Fprintln(out, "Another sweep holds the lock; nothing done")
					return err
				}
				fmt.Fprintf(out, "Stuck: %d  Republished: %d  Failed: %d  Reclaimed: %d\n", report.Stuck, report.Republished, report.Failed, report.Reclaimed)
				if cfg.Bus.Backend == config.BusMemory && report.Republished > 0 {
					fmt.Fprintln(out, "Note: the in-memory bus does not reach a separate daemon process")
				}
				return err
			})
		},
	}
}
