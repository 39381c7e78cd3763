package gaps

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/caregaps/internal/elm"
	"github.com/ehr/caregaps/internal/platform/fhir"
	"github.com/ehr/caregaps/pkg/fhirmodels"
)

// DefaultAuthor is the Composition author used when the MeasureReport names
// no reporter.
const DefaultAuthor = "caregaps"

// Builder renders gap queries as FHIR resources. Now and NewID are
// injectable for deterministic output.
type Builder struct {
	Now   func() time.Time
	NewID func() string
}

// NewBuilder returns a Builder using the wall clock and random UUIDs.
func NewBuilder() *Builder {
	return &Builder{Now: time.Now, NewID: uuid.NewString}
}

func (b *Builder) now() time.Time {
	if b.Now == nil {
		return time.Now()
	}
	return b.Now()
}

func (b *Builder) newID() string {
	if b.NewID == nil {
		return uuid.NewString()
	}
	return b.NewID()
}

// GenerateDetectedIssueResources builds one DetectedIssue per group of
// alternative gap queries. Queries that are not gaps under notation are
// excluded. Structurally identical GuidanceResponses within one issue are
// emitted once.
func (b *Builder) GenerateDetectedIssueResources(queries []GapsDataTypeQuery, report map[string]interface{}, notation ImprovementNotation) ([]fhir.DetectedIssue, []elm.GracefulError) {
	var (
		gaps []GapsDataTypeQuery
		errs []elm.GracefulError
	)
	for _, q := range queries {
		if IsGap(q, notation) {
			gaps = append(gaps, q)
		}
	}

	measureURL, _ := report["measure"].(string)
	patient := subjectReference(report)

	issues := make([]fhir.DetectedIssue, 0)
	for _, group := range GroupGapQueries(gaps) {
		var (
			contained []fhir.GuidanceResponse
			seen      = map[string]bool{}
		)
		for _, q := range group {
			gr, grErrs := b.GenerateGuidanceResponse(q, measureURL, notation)
			errs = append(errs, grErrs...)
			key, err := json.Marshal(struct {
				DataRequirement []fhir.DataRequirement
				ReasonCode      []fhir.CodeableConcept
			}{gr.DataRequirement, gr.ReasonCode})
			if err == nil {
				if seen[string(key)] {
					continue
				}
				seen[string(key)] = true
			}
			contained = append(contained, gr)
		}

		detail := make([]fhir.Reference, 0, len(contained))
		for _, gr := range contained {
			detail = append(detail, fhir.Reference{Reference: "#" + gr.ID})
		}

		issues = append(issues, fhir.DetectedIssue{
			ResourceType:      "DetectedIssue",
			ID:                b.newID(),
			ModifierExtension: []fhir.Extension{gapStatusExtension(notation)},
			Contained:         contained,
			Status:            fhirmodels.DetectedIssueStatusFinal,
			Code:              fhir.Concept(fhirmodels.ActCodeSystem, fhirmodels.CareGapCode, fhirmodels.CareGapDisplay),
			Patient:           patient,
			Evidence:          []fhir.Evidence{{Detail: detail}},
		})
	}
	return issues, errs
}

func gapStatusExtension(notation ImprovementNotation) fhir.Extension {
	status := fhirmodels.GapStatusOpen
	if notation == Negative {
		status = fhirmodels.GapStatusClosed
	}
	cc := fhir.Concept(fhirmodels.GapStatusSystem, status, "")
	return fhir.Extension{URL: fhirmodels.GapStatusExtensionURL, ValueCodeableConcept: &cc}
}

func subjectReference(report map[string]interface{}) *fhir.Reference {
	return reportReference(report, "subject")
}

func reportReference(report map[string]interface{}, key string) *fhir.Reference {
	m, ok := report[key].(map[string]interface{})
	if !ok {
		return nil
	}
	ref, _ := m["reference"].(string)
	display, _ := m["display"].(string)
	if ref == "" && display == "" {
		return nil
	}
	return &fhir.Reference{Reference: ref, Display: display}
}

// GenerateGapsInCareBundle assembles the gaps document: a Composition, the
// MeasureReport, the Patient and each DetectedIssue, in that order. A nil
// patient is left out.
func (b *Builder) GenerateGapsInCareBundle(issues []fhir.DetectedIssue, report, patient map[string]interface{}) (*fhir.Bundle, error) {
	now := fhir.FormatInstant(b.now())

	author := reportReference(report, "reporter")
	if author == nil {
		author = &fhir.Reference{Display: DefaultAuthor}
	}

	section := fhir.CompositionSection{Entry: make([]fhir.Reference, 0, len(issues))}
	if measure, ok := report["measure"].(string); ok {
		section.Title = measure
	}
	if id, ok := report["id"].(string); ok && id != "" {
		section.Focus = &fhir.Reference{Reference: fhir.FormatReference("MeasureReport", id)}
	}
	for _, issue := range issues {
		section.Entry = append(section.Entry, fhir.Reference{Reference: fhir.FormatReference("DetectedIssue", issue.ID)})
	}

	composition := fhir.Composition{
		ResourceType: "Composition",
		ID:           b.newID(),
		Meta:         &fhir.CompositionMeta{Profile: []string{fhirmodels.GapsCompositionProfile}},
		Status:       fhirmodels.CompositionStatusFinal,
		Type:         fhir.Concept(fhirmodels.LOINCSystem, fhirmodels.GapsReportLOINCCode, fhirmodels.GapsReportLOINCDisplay),
		Subject:      subjectReference(report),
		Date:         now,
		Author:       []fhir.Reference{*author},
		Title:        fhirmodels.GapsCompositionTitle,
		Section:      []fhir.CompositionSection{section},
	}

	resources := []interface{}{composition, report}
	if patient != nil {
		resources = append(resources, patient)
	}
	for _, issue := range issues {
		resources = append(resources, issue)
	}

	bundle := &fhir.Bundle{
		ResourceType: "Bundle",
		ID:           b.newID(),
		Type:         fhirmodels.BundleTypeDocument,
		Timestamp:    now,
		Entry:        make([]fhir.BundleEntry, 0, len(resources)),
	}
	for i, r := range resources {
		entry, err := fhir.NewEntry(r)
		if err != nil {
			return nil, fmt.Errorf("gaps bundle entry %d: %w", i, err)
		}
		bundle.Entry = append(bundle.Entry, entry)
	}
	return bundle, nil
}
