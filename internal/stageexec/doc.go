// Package stageexec runs one pipeline stage for one delivered event.
//
// The Runner claims the study in the ledger, executes the stage handler under
// a timeout with a lease heartbeat, then records the outcome with a monotonic
// status write and publishes the follow-up event only when that write was
// applied. Transient failures release the claim and request redelivery until
// the attempt ceiling, after which the study is escalated to the stage's
// terminal failure.
package stageexec
