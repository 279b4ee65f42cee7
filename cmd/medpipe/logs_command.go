package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"medpipe/internal/logging"
	"medpipe/internal/logs"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var follow bool
	var lines int
	var studyID string

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Display daemon logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.Paths.LogDir, logging.LogFileName)
			out := cmd.OutOrStdout()
			runCtx := cmd.Context()

			opts := logs.Options{Offset: -1, Limit: lines, Match: logs.ForStudy(studyID)}
			if lines <= 0 {
				opts.Offset = 0
			}
			printed := false
			for {
				res, err := logs.Tail(runCtx, path, opts)
				for _, line := range res.Lines {
					fmt.Fprintln(out, line)
					printed = true
				}
				if err != nil {
					if runCtx.Err() != nil {
						return nil
					}
					return fmt.Errorf("tail logs: %w", err)
				}
				if !follow {
					if !printed {
						fmt.Fprintln(out, "No log entries available")
					}
					return nil
				}
				opts = logs.Options{Offset: res.Offset, Follow: true, Wait: time.Second, Match: opts.Match}
			}
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	cmd.Flags().IntVarP(&lines, "lines", "n", 20, "Number of lines to show (0 for all)")
	cmd.Flags().StringVar(&studyID, "study", "", "Only show entries for this study")
	return cmd
}
