// Package archiver implements the final pipeline stage: it moves a described
// artifact from scratch into its per-study archive directory and writes the
// metadata sidecar next to it.
package archiver
