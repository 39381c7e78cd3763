package gapsreport

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// GapsReport maps to the gaps_report table: one calculated gaps-in-care
// document for one patient and measure.
type GapsReport struct {
	ID                  uuid.UUID       `db:"id" json:"id"`
	PatientReference    string          `db:"patient_reference" json:"patient_reference"`
	MeasureURL          string          `db:"measure_url" json:"measure_url,omitempty"`
	ImprovementNotation string          `db:"improvement_notation" json:"improvement_notation"`
	GapCount            int             `db:"gap_count" json:"gap_count"`
	DiagnosticCount     int             `db:"diagnostic_count" json:"diagnostic_count"`
	BundleID            string          `db:"bundle_id" json:"bundle_id"`
	Bundle              json.RawMessage `db:"bundle" json:"bundle,omitempty"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
}

// ListFilter narrows a report listing. Empty fields match everything.
type ListFilter struct {
	Patient string
	Measure string
}

// Period is a measurement period in request form.
type Period struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// CalculateRequest is the body of the $care-gaps operation. Libraries are
// ELM JSON documents; ClauseResults come from the execution engine that
// evaluated them for Patient.
type CalculateRequest struct {
	Libraries           []json.RawMessage      `json:"libraries"`
	MainLibrary         string                 `json:"mainLibrary"`
	NumeratorStatement  string                 `json:"numeratorStatement,omitempty"`
	ImprovementNotation interface{}            `json:"improvementNotation,omitempty"`
	MeasurementPeriod   *Period                `json:"measurementPeriod,omitempty"`
	ClauseResults       []ClauseResultInput    `json:"clauseResults"`
	MeasureReport       map[string]interface{} `json:"measureReport"`
	Patient             map[string]interface{} `json:"patient,omitempty"`
	Persist             bool                   `json:"persist,omitempty"`
}

// ClauseResultInput is one clause result as sent by the execution engine.
type ClauseResultInput struct {
	LibraryName string      `json:"libraryName"`
	LocalID     string      `json:"localId"`
	Final       string      `json:"final"`
	Raw         interface{} `json:"raw,omitempty"`
}
