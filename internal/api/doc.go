// Package api exposes the status ledger over HTTP and as transport-friendly
// DTOs for the CLI.
//
// # Endpoints
//
//	GET /studies/{id}         one study; 404 for unknown ids
//	GET /studies?status=a,b   studies filtered by status
//	GET /summary              counts per status
//	GET /healthz              ledger reachability and stage health
//	GET /metrics              Prometheus exposition
//
// # Design Notes
//
// DTOs use snake_case JSON tags. Statuses are exposed as their wire strings.
// Timestamps use RFC3339 with milliseconds. Metadata is passed through as
// json.RawMessage to avoid double-encoding.
//
// Terminal studies never change, so their views are held in an expiring LRU;
// non-terminal studies are always read from the ledger.
package api
