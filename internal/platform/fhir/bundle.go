package fhir

import (
	"encoding/json"
	"fmt"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Timestamp    string        `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// NewEntry marshals r into a bundle entry. fullUrl is derived from the
// resource's type and id when both are present.
func NewEntry(r interface{}) (BundleEntry, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return BundleEntry{}, fmt.Errorf("fhir: marshal bundle entry: %w", err)
	}
	return BundleEntry{FullURL: extractFullURL(raw), Resource: raw}, nil
}

// Resources decodes every entry into a generic resource map.
func (b *Bundle) Resources() ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, 0, len(b.Entry))
	for i, e := range b.Entry {
		var m map[string]interface{}
		if err := json.Unmarshal(e.Resource, &m); err != nil {
			return nil, fmt.Errorf("fhir: decode entry %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func extractFullURL(raw []byte) string {
	var head struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	if head.ResourceType != "" && head.ID != "" {
		return FormatReference(head.ResourceType, head.ID)
	}
	return ""
}

// ============================================================================
// Care-gap resources
// ============================================================================

// GuidanceResponse describes one unmet data requirement.
type GuidanceResponse struct {
	ResourceType    string            `json:"resourceType"`
	ID              string            `json:"id"`
	ModuleURI       string            `json:"moduleUri"`
	Status          string            `json:"status"`
	DataRequirement []DataRequirement `json:"dataRequirement"`
	ReasonCode      []CodeableConcept `json:"reasonCode,omitempty"`
}

// DetectedIssue is one care gap made of alternative data requirements.
type DetectedIssue struct {
	ResourceType      string             `json:"resourceType"`
	ID                string             `json:"id"`
	ModifierExtension []Extension        `json:"modifierExtension,omitempty"`
	Contained         []GuidanceResponse `json:"contained,omitempty"`
	Status            string             `json:"status"`
	Code              CodeableConcept    `json:"code"`
	Patient           *Reference         `json:"patient,omitempty"`
	Evidence          []Evidence         `json:"evidence,omitempty"`
}

type Evidence struct {
	Detail []Reference `json:"detail"`
}

// Composition is the first entry of a gaps-in-care document.
type Composition struct {
	ResourceType string               `json:"resourceType"`
	ID           string               `json:"id"`
	Meta         *CompositionMeta     `json:"meta,omitempty"`
	Status       string               `json:"status"`
	Type         CodeableConcept      `json:"type"`
	Subject      *Reference           `json:"subject,omitempty"`
	Date         string               `json:"date"`
	Author       []Reference          `json:"author"`
	Title        string               `json:"title"`
	Section      []CompositionSection `json:"section"`
}

type CompositionMeta struct {
	Profile []string `json:"profile,omitempty"`
}

type CompositionSection struct {
	Title string      `json:"title,omitempty"`
	Focus *Reference  `json:"focus,omitempty"`
	Entry []Reference `json:"entry"`
}
