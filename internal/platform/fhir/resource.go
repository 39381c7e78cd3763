package fhir

import (
	"fmt"
	"time"
)

// TimestampLayout renders FHIR instants in UTC with a Z suffix.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatInstant normalizes t to UTC and renders it as a FHIR instant.
func FormatInstant(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding    []Coding    `json:"coding,omitempty"`
	Text      string      `json:"text,omitempty"`
	Extension []Extension `json:"extension,omitempty"`
}

// Concept builds a single-coding CodeableConcept.
func Concept(system, code, display string) CodeableConcept {
	return CodeableConcept{Coding: []Coding{{System: system, Code: code, Display: display}}}
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Period holds already formatted FHIR dateTime bounds.
type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type Quantity struct {
	Value      float64 `json:"value"`
	Comparator string  `json:"comparator,omitempty"`
	Unit       string  `json:"unit,omitempty"`
	System     string  `json:"system,omitempty"`
	Code       string  `json:"code,omitempty"`
}

// Extension is a FHIR extension. Only one value[x] is set; nested
// extensions carry complex values.
type Extension struct {
	URL                  string           `json:"url"`
	Extension            []Extension      `json:"extension,omitempty"`
	ValueString          string           `json:"valueString,omitempty"`
	ValueCode            string           `json:"valueCode,omitempty"`
	ValueBoolean         *bool            `json:"valueBoolean,omitempty"`
	ValueInteger         *int             `json:"valueInteger,omitempty"`
	ValueDecimal         *float64         `json:"valueDecimal,omitempty"`
	ValueQuantity        *Quantity        `json:"valueQuantity,omitempty"`
	ValueReference       *Reference       `json:"valueReference,omitempty"`
	ValueCodeableConcept *CodeableConcept `json:"valueCodeableConcept,omitempty"`
	ValuePeriod          *Period          `json:"valuePeriod,omitempty"`
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}

// ============================================================================
// DataRequirement
// ============================================================================

type DataRequirement struct {
	Type       string       `json:"type"`
	CodeFilter []CodeFilter `json:"codeFilter,omitempty"`
	DateFilter []DateFilter `json:"dateFilter,omitempty"`
	Extension  []Extension  `json:"extension,omitempty"`
}

type CodeFilter struct {
	Path     string   `json:"path,omitempty"`
	ValueSet string   `json:"valueSet,omitempty"`
	Code     []Coding `json:"code,omitempty"`
}

type DateFilter struct {
	Path        string  `json:"path,omitempty"`
	ValuePeriod *Period `json:"valuePeriod,omitempty"`
}

// ============================================================================
// OperationOutcome
// ============================================================================

// OperationOutcome represents a FHIR OperationOutcome for errors and warnings.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "processing", diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome("error", "not-found", resourceType+"/"+id+" not found")
}

// AddWarning appends an informational warning issue.
func (o *OperationOutcome) AddWarning(diagnostics string, expression ...string) {
	o.Issue = append(o.Issue, OperationOutcomeIssue{
		Severity:    "warning",
		Code:        "informational",
		Diagnostics: diagnostics,
		Expression:  expression,
	})
}
