package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"medpipe/internal/api"
	"medpipe/internal/descriptor"
	"medpipe/internal/ledger"
)

func newShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "show STUDY_ID",
		Short: "Show a study's status, reasons, and metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *ledger.Store) error {
				study, err := store.Get(cmd.Context(), strings.TrimSpace(args[0]))
				if errors.Is(err, ledger.ErrNotFound) {
					return fmt.Errorf("study %s not found", args[0])
				}
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, api.FromStudy(study))
				}
				out := cmd.OutOrStdout()
				for _, line := range renderStudy(study, shouldColorize(out)) {
					fmt.Fprintln(out, line)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func renderStudy(study *ledger.Study, colorize bool) []string {
	lines := renderSectionHeader("Study "+study.StudyID, colorize)
	lines = append(lines,
		renderStatusLine("Status", studyKind(study.Status), string(study.Status), colorize),
		fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Updated:", study.StatusUpdatedAt.Local().Format("2006-01-02 15:04:05")),
		fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Artifact:", study.ArtifactLocation),
		fmt.Sprintf("%s%-*s %d", statusIndent, statusLabelWidth, "Attempts:", study.Attempts),
	)
	if study.Validation != nil && len(study.Validation.Reasons) > 0 {
		lines = append(lines, fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Reasons:", strings.Join(study.Validation.Reasons, ", ")))
	}
	if study.FailureReason != "" {
		lines = append(lines, fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Failure:", study.FailureReason))
	}
	if study.LastError != "" && !study.Status.IsTerminal() {
		lines = append(lines, fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Last error:", study.LastError))
	}
	if study.ArchiveLocation != "" {
		lines = append(lines, fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Archive:", study.ArchiveLocation))
	}

	md, err := descriptor.Decode(study.MetadataJSON)
	if err != nil || md.Empty() {
		return lines
	}
	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Metadata", colorize)...)
	var rows [][]string
	for _, section := range []struct {
		name   string
		values map[string]string
	}{
		{"subject", md.Subject},
		{"acquisition", md.Acquisition},
		{"equipment", md.Equipment},
		{"exposure", md.Exposure},
		{"location", md.Location},
	} {
		names := make([]string, 0, len(section.values))
		for name := range section.values {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			rows = append(rows, []string{section.name, name, section.values[name]})
		}
	}
	lines = append(lines, renderTable([]string{"Category", "Tag", "Value"}, rows, nil))
	return lines
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var statusFlags []string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List studies, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := parseStatusFlags(statusFlags)
			if err != nil {
				return err
			}
			return ctx.withStore(func(store *ledger.Store) error {
				studies, err := store.List(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, api.StudyListResponse{Studies: api.FromStudies(studies)})
				}
				out := cmd.OutOrStdout()
				if len(studies) == 0 {
					fmt.Fprintln(out, "No studies found")
					return nil
				}
				fmt.Fprintln(out, renderStudyTable(studies))
				fmt.Fprintf(out, "%d studies\n", len(studies))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&statusFlags, "status", "s", nil, "Filter by status (repeatable or comma-separated)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func parseStatusFlags(values []string) ([]ledger.Status, error) {
	statuses := make([]ledger.Status, 0, len(values))
	for _, value := range values {
		if strings.TrimSpace(value) == "" {
			continue
		}
		status, err := ledger.ParseStatus(value)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
