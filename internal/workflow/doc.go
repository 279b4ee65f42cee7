// Package workflow runs the pipeline stages as bus consumers.
//
// The Manager builds one stageexec.Runner per configured consumer and
// subscribes each to its stage's input topic under a per-stage consumer
// group, so competing consumers (in this process or others) share the work.
// Stages never call one another; the only coupling is the events they publish
// and the ledger they share. Status aggregates ledger counts and stage health
// for the API and CLI.
package workflow
