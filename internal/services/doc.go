// Package services defines shared utilities consumed by the pipeline workers
// and their external collaborators.
//
// Key responsibilities:
//   - Context helpers that stamp study IDs, stage names, topics, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper that translate failures
//     into the pipeline's failure taxonomy (input-invalid, transient, poison).
//
// Use these helpers when wiring new stage logic so operational behaviour (error
// handling, observability, retries) stays uniform across the pipeline.
package services
