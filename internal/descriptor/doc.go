// Package descriptor implements the second pipeline stage. It re-opens a
// validated artifact, projects its tags into the Metadata schema grouped by
// subject, acquisition, equipment, exposure, and location, and stores the
// result in the ledger as JSON.
package descriptor
