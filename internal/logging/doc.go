// Package logging assembles structured slog loggers and formatting helpers used
// across medpipe services.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so worker code can automatically
// tag log lines with study IDs, stages, topics, and correlation IDs. The
// package also provides a no-op logger for tests and log retention pruning for
// the daemon.
package logging
