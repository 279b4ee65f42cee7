package preflight

import (
	"context"

	"medpipe/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// Pinger is implemented by the ledger and the bus.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the live backends checked alongside the filesystem.
// Nil entries are skipped.
type Dependencies struct {
	Ledger Pinger
	Bus    Pinger
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config, deps Dependencies) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Scratch directory", cfg.Paths.ScratchDir),
		CheckDirectoryAccess("Archive directory", cfg.Paths.ArchiveDir),
		CheckFreeSpace("Archive free space", cfg.Paths.ArchiveDir, uint64(cfg.Intake.MaxArtifactBytes())),
	}
	if deps.Ledger != nil {
		results = append(results, CheckPing(ctx, "Ledger ("+cfg.Ledger.Driver+")", deps.Ledger))
	}
	if deps.Bus != nil {
		results = append(results, CheckPing(ctx, "Event bus ("+cfg.Bus.Backend+")", deps.Bus))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
