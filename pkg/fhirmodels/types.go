package fhirmodels

// Code systems and fixed codes used in gaps-in-care output. The URLs must
// match exactly for downstream implementation-guide conformance.

const (
	CareGapReasonSystem = "http://hl7.org/fhir/us/davinci-deqm/CodeSystem/care-gap-reason"
	GapStatusSystem     = "http://hl7.org/fhir/us/davinci-deqm/CodeSystem/gaps-status"
	ActCodeSystem       = "http://terminology.hl7.org/CodeSystem/v3-ActCode"
	LOINCSystem         = "http://loinc.org"

	GapStatusExtensionURL    = "http://hl7.org/fhir/us/davinci-deqm/StructureDefinition/extension-gapStatus"
	ReasonDetailExtensionURL = "http://hl7.org/fhir/us/davinci-deqm/StructureDefinition/extension-reasonDetail"
	ValueFilterExtensionURL  = "http://hl7.org/fhir/us/qicore/StructureDefinition/extension-valueFilter"
	GapsCompositionProfile   = "http://hl7.org/fhir/us/davinci-deqm/StructureDefinition/gaps-composition-deqm"

	// DefaultModuleURI is used when a MeasureReport names no measure.
	DefaultModuleURI = "http://ecqi.healthit.gov/ecqms"
)

// DetectedIssue constants.
const (
	DetectedIssueStatusFinal = "final"
	CareGapCode              = "CAREGAP"
	CareGapDisplay           = "Care Gaps"
	GapStatusOpen            = "open-gap"
	GapStatusClosed          = "closed-gap"
)

// GuidanceResponseStatusDataRequired marks an unmet data requirement.
const GuidanceResponseStatusDataRequired = "data-required"

// Composition constants.
const (
	CompositionStatusFinal = "final"
	GapsReportLOINCCode    = "96315-7"
	GapsReportLOINCDisplay = "Gaps in care report"
	GapsCompositionTitle   = "Gaps In Care Report"
	BundleTypeDocument     = "document"
)

// CareGapReason is a code from the care-gap-reason code system.
type CareGapReason string

const (
	ReasonMissing          CareGapReason = "Missing"
	ReasonNotFound         CareGapReason = "NotFound"
	ReasonPresent          CareGapReason = "Present"
	ReasonDateOutOfRange   CareGapReason = "DateOutOfRange"
	ReasonValueOutOfRange  CareGapReason = "ValueOutOfRange"
	ReasonInvalidAttribute CareGapReason = "InvalidAttribute"
)

var reasonDisplays = map[CareGapReason]string{
	ReasonMissing:          "No Data Element found from Value Set",
	ReasonNotFound:         "Data Element not found",
	ReasonPresent:          "Data Element is found",
	ReasonDateOutOfRange:   "Date is out of specified range",
	ReasonValueOutOfRange:  "Value is out of specified range",
	ReasonInvalidAttribute: "Attribute is invalid",
}

// Display returns the code system display string for r.
func (r CareGapReason) Display() string {
	return reasonDisplays[r]
}

// codeLookups maps resource type and attribute to the code system that
// governs the attribute's codes.
var codeLookups = map[string]map[string]string{
	"Encounter": {
		"status": "http://hl7.org/fhir/encounter-status",
	},
	"Observation": {
		"status": "http://hl7.org/fhir/observation-status",
	},
	"Procedure": {
		"status": "http://hl7.org/fhir/event-status",
	},
	"MedicationRequest": {
		"status": "http://hl7.org/fhir/CodeSystem/medicationrequest-status",
		"intent": "http://hl7.org/fhir/CodeSystem/medicationrequest-intent",
	},
	"MedicationAdministration": {
		"status": "http://terminology.hl7.org/CodeSystem/medication-admin-status",
	},
	"MedicationDispense": {
		"status": "http://terminology.hl7.org/CodeSystem/medicationdispense-status",
	},
	"ServiceRequest": {
		"status": "http://hl7.org/fhir/request-status",
		"intent": "http://hl7.org/fhir/request-intent",
	},
	"Immunization": {
		"status": "http://hl7.org/fhir/event-status",
	},
	"DiagnosticReport": {
		"status": "http://hl7.org/fhir/diagnostic-report-status",
	},
	"Condition": {
		"clinicalStatus":     "http://terminology.hl7.org/CodeSystem/condition-clinical",
		"verificationStatus": "http://terminology.hl7.org/CodeSystem/condition-ver-status",
	},
	"AllergyIntolerance": {
		"clinicalStatus":     "http://terminology.hl7.org/CodeSystem/allergyintolerance-clinical",
		"verificationStatus": "http://terminology.hl7.org/CodeSystem/allergyintolerance-verification",
	},
}

// CodeSystemFor returns the code system for dataType.attribute, or "".
func CodeSystemFor(dataType, attribute string) string {
	return codeLookups[dataType][attribute]
}
