// Package sweep republishes the trigger event for studies that stopped
// moving: their event was lost after the status write, or a worker crashed
// and the bus gave up redelivering. Redundant events are absorbed by the
// stage runners, so republishing is always safe.
//
// Runs are serialized across processes with an advisory file lock and
// scheduled with a cron expression.
package sweep
