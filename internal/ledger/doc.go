// Package ledger persists per-study pipeline state in SQLite or Postgres.
//
// The Store is the shared authority every worker consults before acting.
// Status writes are monotonic: a write lands only when the stored status is
// non-terminal and ranks earlier, so duplicate or reordered deliveries are
// harmless no-ops. Claim is a compare-and-set with a lease and is the only
// mutual-exclusion point between concurrent workers; Release and the attempt
// counter back bounded retries.
//
// Every mutation is a single conditional UPDATE so the rules hold per study
// under concurrent writers on either backend. Schema changes bump the
// version in schema.go.
package ledger
