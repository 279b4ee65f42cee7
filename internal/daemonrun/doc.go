// Package daemonrun assembles the medpipe runtime from configuration: logger,
// ledger, bus, stage handlers, and workflow manager. The CLI uses it both for
// the long-running daemon and for one-shot in-process processing.
package daemonrun
