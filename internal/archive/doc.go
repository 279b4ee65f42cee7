// Package archive owns the permanent study layout: one directory per study
// holding the original artifact and a write-once metadata.json sidecar.
//
// Moves are idempotent. A repeated move after success is a no-op, and a move
// interrupted between copy and delete is finished once the copies are proven
// identical. Neither the artifact nor the sidecar is ever overwritten.
package archive
