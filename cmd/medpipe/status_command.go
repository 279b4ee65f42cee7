package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"medpipe/internal/api"
	"medpipe/internal/config"
	"medpipe/internal/ledger"
)

const statusProbeTimeout = 2 * time.Second

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon health and study counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			health, probeErr := fetchHealth(cmd.Context(), cfg)
			if probeErr != nil {
				// Daemon unreachable; report what the ledger knows.
				var summary ledger.Summary
				if err := ctx.withStore(func(store *ledger.Store) error {
					summary, err = store.Summary(cmd.Context())
					return err
				}); err != nil {
					return err
				}
				counts := api.FromSummary(summary)
				health = api.HealthResponse{
					Status:   "unreachable",
					Ledger:   "ok",
					Workflow: &api.WorkflowStatus{Summary: counts},
				}
			}
			if jsonOut {
				return writeJSON(cmd, health)
			}
			out := cmd.OutOrStdout()
			for _, line := range renderHealth(cfg, health, probeErr, shouldColorize(out)) {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func fetchHealth(ctx context.Context, cfg *config.Config) (api.HealthResponse, error) {
	var health api.HealthResponse
	bind := strings.TrimSpace(cfg.API.Bind)
	if bind == "" {
		return health, fmt.Errorf("status API disabled")
	}
	ctx, cancel := context.WithTimeout(ctx, statusProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+bind+"/healthz", nil)
	if err != nil {
		return health, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return health, err
	}
	defer resp.Body.Close()
	// 503 still carries a health body.
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return health, fmt.Errorf("decode health response: %w", err)
	}
	return health, nil
}

func renderHealth(cfg *config.Config, health api.HealthResponse, probeErr error, colorize bool) []string {
	lines := renderSectionHeader("Daemon", colorize)
	switch {
	case probeErr != nil:
		lines = append(lines, renderStatusLine("Daemon", statusWarn, "not reachable at "+cfg.API.Bind, colorize))
	case health.Status == "ok":
		lines = append(lines, renderStatusLine("Daemon", statusOK, "healthy", colorize))
	default:
		lines = append(lines, renderStatusLine("Daemon", statusError, health.Status, colorize))
	}
	lines = append(lines,
		renderStatusLine("Ledger", statusInfo, cfg.Ledger.Driver, colorize),
		renderStatusLine("Event bus", statusInfo, cfg.Bus.Backend, colorize),
	)

	wf := health.Workflow
	if wf == nil {
		return lines
	}
	if probeErr == nil {
		lines = append(lines, renderStatusLine("Workflow", workflowKind(wf), fmt.Sprintf("running=%s in_flight=%d", yesNo(wf.Running), wf.InFlight), colorize))
		if wf.LastError != "" {
			lines = append(lines, renderStatusLine("Last error", statusWarn, wf.LastError, colorize))
		}
		for _, stg := range wf.StageHealth {
			kind, msg := statusOK, "ready"
			if !stg.Ready {
				kind, msg = statusError, stg.Detail
			}
			lines = append(lines, renderStatusLine("Stage "+stg.Name, kind, msg, colorize))
		}
	}

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Studies", colorize)...)
	rows := make([][]string, 0, len(wf.Summary.Counts))
	for _, status := range ledger.AllStatuses() {
		if n := wf.Summary.Counts[string(status)]; n > 0 {
			rows = append(rows, []string{string(status), fmt.Sprint(n)})
		}
	}
	rows = append(rows, []string{"total", fmt.Sprint(wf.Summary.Total)})
	lines = append(lines, renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
	return lines
}

func workflowKind(wf *api.WorkflowStatus) statusKind {
	switch {
	case !wf.Running:
		return statusError
	case wf.LastError != "":
		return statusWarn
	default:
		return statusOK
	}
}
