package descriptor

import (
	"encoding/json"
	"fmt"

	"medpipe/internal/dicomtags"
)

// Metadata is the fixed-schema description of a study. Each category maps
// catalog tag names to values; tags absent from the artifact are omitted.
type Metadata struct {
	Subject     map[string]string `json:"subject,omitempty"`
	Acquisition map[string]string `json:"acquisition,omitempty"`
	Equipment   map[string]string `json:"equipment,omitempty"`
	Exposure    map[string]string `json:"exposure,omitempty"`
	Location    map[string]string `json:"location,omitempty"`
}

// Project maps tags into the metadata schema.
func Project(tags dicomtags.Tags) Metadata {
	var md Metadata
	for _, entry := range dicomtags.Catalog() {
		value, ok := tags.Get(entry.Name)
		if !ok {
			continue
		}
		section := md.section(entry.Category)
		if *section == nil {
			*section = make(map[string]string)
		}
		(*section)[entry.Name] = value
	}
	return md
}

func (m *Metadata) section(category dicomtags.Category) *map[string]string {
	switch category {
	case dicomtags.CategorySubject:
		return &m.Subject
	case dicomtags.CategoryAcquisition:
		return &m.Acquisition
	case dicomtags.CategoryEquipment:
		return &m.Equipment
	case dicomtags.CategoryExposure:
		return &m.Exposure
	default:
		return &m.Location
	}
}

// Empty reports whether no category has any value.
func (m Metadata) Empty() bool {
	return len(m.Subject) == 0 && len(m.Acquisition) == 0 && len(m.Equipment) == 0 &&
		len(m.Exposure) == 0 && len(m.Location) == 0
}

// Encode returns the JSON stored in the ledger.
func (m Metadata) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

// Decode parses metadata JSON stored in the ledger.
func Decode(raw string) (Metadata, error) {
	var md Metadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}
