// Package scratch reclaims per-study scratch directories.
//
// Intake copies each artifact to <scratch_dir>/<study_id>/. Archival moves
// the artifact out, failed studies keep theirs for inspection, and a crash
// between copy and ledger insert leaves a directory no study owns. Reclaim
// removes what is no longer needed; the stuck sweep runs it after each pass.
package scratch
