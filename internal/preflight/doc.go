// Package preflight provides readiness checks for the filesystem paths and
// backing services medpipe depends on.
//
// These checks run in two contexts:
//   - The daemon calls RunAll before starting consumers and refuses to start
//     when a check fails.
//   - The CLI "medpipe status" command renders the same results as a table.
package preflight
