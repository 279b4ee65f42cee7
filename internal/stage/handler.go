package stage

import (
	"context"

	"medpipe/internal/events"
	"medpipe/internal/ledger"
)

// Handler describes the contract the stage runner needs from each worker.
//
// Execute runs with the study already claimed. A nil error returns the
// Outcome to record; validation rejections are outcomes, not errors. Errors
// marked permanent (services.ErrValidation) fail the study at once; anything
// else is retried up to the stage ceiling.
type Handler interface {
	Execute(ctx context.Context, study *ledger.Study) (Outcome, error)
	HealthCheck(ctx context.Context) Health
}

// Outcome is the status write and event a successful Execute produces.
type Outcome struct {
	Status  ledger.Status
	Details ledger.Details
	Event   events.Payload
}

// Spec binds a handler to its place in the pipeline.
type Spec struct {
	Name       string
	Input      events.Topic
	Ready      ledger.Status
	Processing ledger.Status
	Failed     ledger.Status
	// FailureEvent builds the event published when retries are exhausted.
	FailureEvent func(studyID, reason string) events.Payload
	// FailureDetails builds the ledger details written with Failed.
	FailureDetails func(reason string) ledger.Details
}

// FailDetails returns the ledger details for escalating with reason.
func (s Spec) FailDetails(reason string) ledger.Details {
	if s.FailureDetails != nil {
		return s.FailureDetails(reason)
	}
	return ledger.Details{FailureReason: reason}
}
