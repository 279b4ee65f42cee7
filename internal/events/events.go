package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Topic names an event stream on the bus.
type Topic string

const (
	TopicUploaded          Topic = "uploaded"
	TopicValidated         Topic = "validated"
	TopicValidationFailed  Topic = "validation-failed"
	TopicDescribed         Topic = "described"
	TopicDescriptionFailed Topic = "description-failed"
	TopicArchived          Topic = "archived"
	TopicArchivalFailed    Topic = "archival-failed"
)

var allTopics = []Topic{
	TopicUploaded,
	TopicValidated,
	TopicValidationFailed,
	TopicDescribed,
	TopicDescriptionFailed,
	TopicArchived,
	TopicArchivalFailed,
}

// Topics returns every topic in pipeline order.
func Topics() []Topic {
	out := make([]Topic, len(allTopics))
	copy(out, allTopics)
	return out
}

// ParseTopic converts a wire string into a known topic.
func ParseTopic(value string) (Topic, error) {
	normalized := Topic(strings.ToLower(strings.TrimSpace(value)))
	for _, topic := range allTopics {
		if topic == normalized {
			return topic, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTopic, value)
}

var (
	// ErrUnknownTopic reports a topic outside the closed set.
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrInvalidPayload reports a payload missing a required field.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Payload is implemented by exactly one struct per topic.
type Payload interface {
	Topic() Topic
	Study() string
	validate() error
}

// Uploaded announces a study whose artifact sits in scratch storage.
type Uploaded struct {
	StudyID          string `json:"study_id"`
	ArtifactLocation string `json:"artifact_location"`
}

// Validated announces a study that passed structural validation.
type Validated struct {
	StudyID string `json:"study_id"`
}

// ValidationFailed announces a study rejected by validation. Terminal.
type ValidationFailed struct {
	StudyID string   `json:"study_id"`
	Reasons []string `json:"reasons"`
}

// Described announces a study whose metadata record is stored.
type Described struct {
	StudyID string `json:"study_id"`
}

// DescriptionFailed announces a study whose description retries were exhausted. Terminal.
type DescriptionFailed struct {
	StudyID string `json:"study_id"`
	Reason  string `json:"reason"`
}

// Archived announces a study moved into permanent storage. Terminal.
type Archived struct {
	StudyID         string `json:"study_id"`
	ArchiveLocation string `json:"archive_location"`
}

// ArchivalFailed announces a study whose archival retries were exhausted. Terminal.
type ArchivalFailed struct {
	StudyID string `json:"study_id"`
	Reason  string `json:"reason"`
}

func (Uploaded) Topic() Topic          { return TopicUploaded }
func (Validated) Topic() Topic         { return TopicValidated }
func (ValidationFailed) Topic() Topic  { return TopicValidationFailed }
func (Described) Topic() Topic         { return TopicDescribed }
func (DescriptionFailed) Topic() Topic { return TopicDescriptionFailed }
func (Archived) Topic() Topic          { return TopicArchived }
func (ArchivalFailed) Topic() Topic    { return TopicArchivalFailed }

func (p Uploaded) Study() string          { return p.StudyID }
func (p Validated) Study() string         { return p.StudyID }
func (p ValidationFailed) Study() string  { return p.StudyID }
func (p Described) Study() string         { return p.StudyID }
func (p DescriptionFailed) Study() string { return p.StudyID }
func (p Archived) Study() string          { return p.StudyID }
func (p ArchivalFailed) Study() string    { return p.StudyID }

func requireField(topic Topic, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidPayload, topic, field)
	}
	return nil
}

func (p Uploaded) validate() error {
	if err := requireField(TopicUploaded, "study_id", p.StudyID); err != nil {
		return err
	}
	return requireField(TopicUploaded, "artifact_location", p.ArtifactLocation)
}

func (p Validated) validate() error {
	return requireField(TopicValidated, "study_id", p.StudyID)
}

func (p ValidationFailed) validate() error {
	if err := requireField(TopicValidationFailed, "study_id", p.StudyID); err != nil {
		return err
	}
	if len(p.Reasons) == 0 {
		return fmt.Errorf("%w: %s requires at least one reason", ErrInvalidPayload, TopicValidationFailed)
	}
	return nil
}

func (p Described) validate() error {
	return requireField(TopicDescribed, "study_id", p.StudyID)
}

func (p DescriptionFailed) validate() error {
	if err := requireField(TopicDescriptionFailed, "study_id", p.StudyID); err != nil {
		return err
	}
	return requireField(TopicDescriptionFailed, "reason", p.Reason)
}

func (p Archived) validate() error {
	if err := requireField(TopicArchived, "study_id", p.StudyID); err != nil {
		return err
	}
	return requireField(TopicArchived, "archive_location", p.ArchiveLocation)
}

func (p ArchivalFailed) validate() error {
	if err := requireField(TopicArchivalFailed, "study_id", p.StudyID); err != nil {
		return err
	}
	return requireField(TopicArchivalFailed, "reason", p.Reason)
}

// Event is the envelope carried by the bus. ID is for log correlation only and
// EmittedAt is diagnostic; neither participates in processing decisions.
type Event struct {
	ID        string
	Topic     Topic
	StudyID   string
	EmittedAt time.Time
	Payload   Payload
}

// New wraps a payload in a fresh envelope.
func New(payload Payload) (Event, error) {
	if payload == nil {
		return Event{}, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if err := payload.validate(); err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.NewString(),
		Topic:     payload.Topic(),
		StudyID:   payload.Study(),
		EmittedAt: time.Now().UTC(),
		Payload:   payload,
	}, nil
}

type wireEvent struct {
	ID        string          `json:"id"`
	Topic     Topic           `json:"topic"`
	EmittedAt time.Time       `json:"emitted_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Marshal encodes the envelope as JSON.
func (e Event) Marshal() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if e.Payload.Topic() != e.Topic {
		return nil, fmt.Errorf("%w: envelope topic %s carries %s payload", ErrInvalidPayload, e.Topic, e.Payload.Topic())
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Topic, err)
	}
	return json.Marshal(wireEvent{ID: e.ID, Topic: e.Topic, EmittedAt: e.EmittedAt, Payload: raw})
}

// Decode parses a JSON envelope and its topic-specific payload.
func Decode(data []byte) (Event, error) {
	var wire wireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return Event{}, fmt.Errorf("decode envelope: %w", err)
	}
	topic, err := ParseTopic(string(wire.Topic))
	if err != nil {
		return Event{}, err
	}
	payload, err := DecodePayload(topic, wire.Payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        wire.ID,
		Topic:     topic,
		StudyID:   payload.Study(),
		EmittedAt: wire.EmittedAt,
		Payload:   payload,
	}, nil
}

// DecodePayload parses raw JSON into the payload type registered for topic.
func DecodePayload(topic Topic, raw []byte) (Payload, error) {
	var (
		payload Payload
		err     error
	)
	switch topic {
	case TopicUploaded:
		payload, err = decodeInto[Uploaded](raw)
	case TopicValidated:
		payload, err = decodeInto[Validated](raw)
	case TopicValidationFailed:
		payload, err = decodeInto[ValidationFailed](raw)
	case TopicDescribed:
		payload, err = decodeInto[Described](raw)
	case TopicDescriptionFailed:
		payload, err = decodeInto[DescriptionFailed](raw)
	case TopicArchived:
		payload, err = decodeInto[Archived](raw)
	case TopicArchivalFailed:
		payload, err = decodeInto[ArchivalFailed](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", topic, err)
	}
	if err := payload.validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

func decodeInto[T Payload](raw []byte) (Payload, error) {
	var value T
	if len(raw) == 0 {
		return nil, errors.New("empty payload")
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}
