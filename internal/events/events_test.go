package events_test

import (
	"errors"
	"strings"
	"testing"

	"medpipe/internal/events"
)

func TestDecodeDispatchesOnTopic(t *testing.T) {
	cases := []struct {
		name    string
		payload events.Payload
	}{
		{"uploaded", events.Uploaded{StudyID: "s1", ArtifactLocation: "/scratch/s1/a.dcm"}},
		{"validated", events.Validated{StudyID: "s1"}},
		{"validation failed", events.ValidationFailed{StudyID: "s1", Reasons: []string{"subject identifier"}}},
		{"described", events.Described{StudyID: "s1"}},
		{"description failed", events.DescriptionFailed{StudyID: "s1", Reason: "timeout"}},
		{"archived", events.Archived{StudyID: "s1", ArchiveLocation: "/archive/s1/a.dcm"}},
		{"archival failed", events.ArchivalFailed{StudyID: "s1", Reason: "disk full"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evt, err := events.New(tc.payload)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			data, err := evt.Marshal()
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			decoded, err := events.Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if decoded.Topic != tc.payload.Topic() || decoded.StudyID != "s1" || decoded.ID != evt.ID {
				t.Fatalf("unexpected envelope: %+v", decoded)
			}
			if decoded.Payload.Topic() != tc.payload.Topic() {
				t.Fatalf("payload type mismatch: %T", decoded.Payload)
			}
		})
	}
}

func TestValidationFailedKeepsReasons(t *testing.T) {
	evt, err := events.New(events.ValidationFailed{StudyID: "b", Reasons: []string{"subject identifier", "modality"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, _ := evt.Marshal()
	decoded, err := events.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	payload, ok := decoded.Payload.(events.ValidationFailed)
	if !ok {
		t.Fatalf("expected ValidationFailed, got %T", decoded.Payload)
	}
	if strings.Join(payload.Reasons, "|") != "subject identifier|modality" {
		t.Fatalf("unexpected reasons: %v", payload.Reasons)
	}
}

func TestDecodeRejectsUnknownTopic(t *testing.T) {
	_, err := events.Decode([]byte(`{"id":"x","topic":"deleted","payload":{"study_id":"s"}}`))
	if !errors.Is(err, events.ErrUnknownTopic) {
		t.Fatalf("expected ErrUnknownTopic, got %v", err)
	}
}

func TestDecodeRejectsIncompletePayloads(t *testing.T) {
	inputs := []string{
		`{"topic":"uploaded","payload":{"study_id":"s"}}`,
		`{"topic":"validated","payload":{}}`,
		`{"topic":"validation-failed","payload":{"study_id":"s","reasons":[]}}`,
		`{"topic":"archived","payload":{"study_id":"s"}}`,
	}
	for _, input := range inputs {
		if _, err := events.Decode([]byte(input)); !errors.Is(err, events.ErrInvalidPayload) {
			t.Fatalf("expected ErrInvalidPayload for %s, got %v", input, err)
		}
	}
}

func TestNewRejectsInvalidPayload(t *testing.T) {
	if _, err := events.New(events.DescriptionFailed{StudyID: "s"}); !errors.Is(err, events.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if _, err := events.New(nil); err == nil {
		t.Fatal("expected error for nil payload")
	}
}

func TestParseTopicNormalizes(t *testing.T) {
	topic, err := events.ParseTopic("  Validation-Failed ")
	if err != nil || topic != events.TopicValidationFailed {
		t.Fatalf("unexpected parse result %q, %v", topic, err)
	}
	if len(events.Topics()) != 7 {
		t.Fatalf("expected 7 topics, got %d", len(events.Topics()))
	}
}
