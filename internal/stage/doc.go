// Package stage defines the worker contract and the fixed pipeline layout:
// which topic each worker consumes, which statuses it claims from and to, and
// which terminal failure it escalates to.
package stage
