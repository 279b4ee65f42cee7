package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"medpipe/internal/api"
	"medpipe/internal/config"
	"medpipe/internal/daemonrun"
	"medpipe/internal/ledger"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var wait bool
	var timeout time.Duration
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "submit FILE...",
		Short: "Submit DICOM files for processing",
		Long: "Copy each file into scratch storage, record a study, and announce it.\n" +
			"With the in-memory bus the pipeline runs in this process until every study\n" +
			"is terminal. With Redis the running daemon processes the studies; pass\n" +
			"--wait to block until they finish.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := make([]string, 0, len(args))
			for _, arg := range args {
				path, err := config.ExpandPath(arg)
				if err != nil {
					return err
				}
				if abs, err := filepath.Abs(path); err == nil {
					path = abs
				}
				paths = append(paths, path)
			}

			runCtx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(runCtx, timeout)
				defer cancel()
			}

			return ctx.withRuntime(cmd, func(rt *daemonrun.Runtime) error {
				studies, err := submit(runCtx, rt, paths, wait)
				if jsonOut {
					if encErr := writeJSON(cmd, api.StudyListResponse{Studies: api.FromStudies(studies)}); encErr != nil {
						return encErr
					}
					return err
				}
				if len(studies) > 0 {
					fmt.Fprintln(cmd.OutOrStdout(), renderStudyTable(studies))
				}
				return err
			})
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for terminal status when a daemon processes the studies")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up waiting after this long (0 waits indefinitely)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func submit(ctx context.Context, rt *daemonrun.Runtime, paths []string, wait bool) ([]*ledger.Study, error) {
	if rt.Config.Bus.Backend == config.BusMemory {
		return rt.Process(ctx, paths)
	}

	var studies []*ledger.Study
	var errs []error
	for _, path := range paths {
		study, err := rt.Intake.SubmitFile(ctx, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
		if study != nil {
			studies = append(studies, study)
		}
	}
	if wait && len(studies) > 0 {
		ids := make([]string, 0, len(studies))
		for _, study := range studies {
			ids = append(ids, study.StudyID)
		}
		finished, err := rt.WaitTerminal(ctx, ids)
		if err != nil {
			errs = append(errs, err)
		}
		if len(finished) > 0 {
			studies = finished
		}
	}
	return studies, errors.Join(errs...)
}

func renderStudyTable(studies []*ledger.Study) string {
	rows := make([][]string, 0, len(studies))
	for _, study := range studies {
		updated := ""
		if !study.StatusUpdatedAt.IsZero() {
			updated = study.StatusUpdatedAt.Local().Format("2006-01-02 15:04:05")
		}
		rows = append(rows, []string{
			study.StudyID,
			string(study.Status),
			updated,
			strconv.Itoa(study.Attempts),
			studyDetail(study),
		})
	}
	return renderTable(
		[]string{"Study", "Status", "Updated", "Attempts", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

// studyDetail is the one-line explanation shown next to a study's status.
func studyDetail(study *ledger.Study) string {
	switch {
	case study.Status == ledger.StatusArchived:
		return study.ArchiveLocation
	case study.Status == ledger.StatusValidationFailed && study.Validation != nil:
		return "rejected: " + strings.Join(study.Validation.Reasons, ", ")
	case study.Status.IsFailure():
		return study.FailureReason
	case study.LastError != "":
		return "retrying: " + study.LastError
	default:
		return filepath.Base(study.ArtifactLocation)
	}
}
