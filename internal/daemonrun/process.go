package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"medpipe/internal/ledger"
	"medpipe/internal/logging"
)

const pollInterval = 50 * time.Millisecond

// Process submits files and runs the pipeline in this process until every
// submitted study reaches a terminal status or ctx ends. It is how the CLI
// processes studies without a daemon when the bus is in-memory.
func (r *Runtime) Process(ctx context.Context, paths []string) ([]*ledger.Study, error) {
	for _, dir := range []string{r.Config.Paths.ScratchDir, r.Config.Paths.ArchiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := r.Workflow.Start(ctx); err != nil {
		return nil, err
	}
	defer r.Workflow.Stop()

	ids := make([]string, 0, len(paths))
	var errs []error
	for _, path := range paths {
		study, err := r.Intake.SubmitFile(ctx, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			if study == nil {
				continue
			}
		}
		ids = append(ids, study.StudyID)
	}

	studies, err := r.WaitTerminal(ctx, ids)
	if err != nil {
		errs = append(errs, err)
	}
	return studies, errors.Join(errs...)
}

// WaitTerminal polls the ledger until every id is terminal.
func (r *Runtime) WaitTerminal(ctx context.Context, ids []string) ([]*ledger.Study, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		studies := make([]*ledger.Study, 0, len(ids))
		done := true
		for _, id := range ids {
			study, err := r.Store.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			studies = append(studies, study)
			if !study.Status.IsTerminal() {
				done = false
			}
		}
		if done {
			return studies, nil
		}
		select {
		case <-ctx.Done():
			r.Logger.Warn("stopped waiting for studies", logging.Error(ctx.Err()))
			return studies, ctx.Err()
		case <-ticker.C:
		}
	}
}
