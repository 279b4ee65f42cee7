// Package daemon coordinates the long-running medpipe process.
//
// It wires the ledger, event bus, workflow manager, stuck-study sweep, and
// status API into a single lifecycle with flock-based locking so two
// processes never run under the same consumer name on one host. Preflight
// checks gate startup.
//
// Keep orchestration logic here: individual stages live in their own
// packages while the daemon focuses on startup, shutdown, and high level
// coordination.
package daemon
