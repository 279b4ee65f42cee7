// Package logs tails the daemon log file for `medpipe logs`.
//
// Tail reads the last N lines or continues from a byte offset, optionally
// waiting for new lines, and can keep only the lines that belong to one study.
package logs
