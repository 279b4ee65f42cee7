package stage

import (
	"medpipe/internal/config"
	"medpipe/internal/events"
	"medpipe/internal/ledger"
)

// Validator consumes uploaded studies.
var Validator = Spec{
	Name:       config.StageValidator,
	Input:      events.TopicUploaded,
	Ready:      ledger.StatusUploaded,
	Processing: ledger.StatusValidating,
	Failed:     ledger.StatusValidationFailed,
	FailureEvent: func(studyID, reason string) events.Payload {
		return events.ValidationFailed{StudyID: studyID, Reasons: []string{reason}}
	},
	FailureDetails: func(reason string) ledger.Details {
		return ledger.Details{
			Validation:    &ledger.ValidationResult{Passed: false, Reasons: []string{reason}},
			FailureReason: reason,
		}
	},
}

// Descriptor consumes validated studies.
var Descriptor = Spec{
	Name:       config.StageDescriptor,
	Input:      events.TopicValidated,
	Ready:      ledger.StatusValidated,
	Processing: ledger.StatusDescribing,
	Failed:     ledger.StatusDescriptionFailed,
	FailureEvent: func(studyID, reason string) events.Payload {
		return events.DescriptionFailed{StudyID: studyID, Reason: reason}
	},
}

// Archiver consumes described studies.
var Archiver = Spec{
	Name:       config.StageArchiver,
	Input:      events.TopicDescribed,
	Ready:      ledger.StatusDescribed,
	Processing: ledger.StatusArchiving,
	Failed:     ledger.StatusArchivalFailed,
	FailureEvent: func(studyID, reason string) events.Payload {
		return events.ArchivalFailed{StudyID: studyID, Reason: reason}
	},
}

// All returns the stages in pipeline order.
func All() []Spec {
	return []Spec{Validator, Descriptor, Archiver}
}

// ForReady returns the stage that consumes studies sitting in status.
func ForReady(status ledger.Status) (Spec, bool) {
	for _, spec := range All() {
		if spec.Ready == status || spec.Processing == status {
			return spec, true
		}
	}
	return Spec{}, false
}

// TriggerEvent rebuilds the event that starts spec for study. Used to
// republish work whose original event was lost.
func (s Spec) TriggerEvent(study *ledger.Study) events.Payload {
	switch s.Input {
	case events.TopicUploaded:
		return events.Uploaded{StudyID: study.StudyID, ArtifactLocation: study.ArtifactLocation}
	case events.TopicValidated:
		return events.Validated{StudyID: study.StudyID}
	case events.TopicDescribed:
		return events.Described{StudyID: study.StudyID}
	default:
		return nil
	}
}
