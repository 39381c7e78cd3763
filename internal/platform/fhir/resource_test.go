package fhir

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFormatInstant_UTC(t *testing.T) {
	loc := time.FixedZone("EST", -5*60*60)
	ts := time.Date(2024, 3, 1, 7, 30, 0, 0, loc)
	if got := FormatInstant(ts); got != "2024-03-01T12:30:00.000Z" {
		t.Errorf("FormatInstant = %q", got)
	}
}

func TestFormatReference(t *testing.T) {
	if got := FormatReference("Encounter", "e1"); got != "Encounter/e1" {
		t.Errorf("expected Encounter/e1, got %s", got)
	}
}

func TestCoding_OmitsEmptySystem(t *testing.T) {
	data, err := json.Marshal(Coding{Code: "finished"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"code":"finished"}` {
		t.Errorf("unexpected json: %s", data)
	}
}

func TestConcept(t *testing.T) {
	cc := Concept("http://sys", "A", "Alpha")
	if len(cc.Coding) != 1 || cc.Coding[0] != (Coding{System: "http://sys", Code: "A", Display: "Alpha"}) {
		t.Errorf("unexpected concept: %+v", cc)
	}
}

func TestExtension_SingleValue(t *testing.T) {
	yes := true
	ext := Extension{URL: "http://ext", Extension: []Extension{
		{URL: "isNull", ValueBoolean: &yes},
		{URL: "reference", ValueReference: &Reference{Reference: "Observation/o1"}},
	}}
	data, err := json.Marshal(ext)
	if err != nil {
		t.Fatal(err)
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatal(err)
	}
	inner := parsed["extension"].([]interface{})
	first := inner[0].(map[string]interface{})
	if len(first) != 2 || first["valueBoolean"] != true {
		t.Errorf("unexpected nested extension: %v", first)
	}
	if _, ok := parsed["valueString"]; ok {
		t.Error("empty value[x] should be omitted")
	}
}

func TestDataRequirement_JSON(t *testing.T) {
	dr := DataRequirement{
		Type:       "Encounter",
		CodeFilter: []CodeFilter{{Path: "type", ValueSet: "http://vs/office"}},
		DateFilter: []DateFilter{{Path: "period", ValuePeriod: &Period{Start: "2024-01-01T00:00:00.000Z"}}},
	}
	data, err := json.Marshal(dr)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"Encounter","codeFilter":[{"path":"type","valueSet":"http://vs/office"}],` +
		`"dateFilter":[{"path":"period","valuePeriod":{"start":"2024-01-01T00:00:00.000Z"}}]}`
	if string(data) != want {
		t.Errorf("got  %s\nwant %s", data, want)
	}
}

func TestOperationOutcome(t *testing.T) {
	o := ErrorOutcome("boom")
	if o.ResourceType != "OperationOutcome" || o.Issue[0].Severity != "error" || o.Issue[0].Code != "processing" {
		t.Errorf("unexpected outcome: %+v", o)
	}

	nf := NotFoundOutcome("Bundle", "b1")
	if nf.Issue[0].Code != "not-found" || nf.Issue[0].Diagnostics != "Bundle/b1 not found" {
		t.Errorf("unexpected not-found outcome: %+v", nf)
	}

	o.AddWarning("unsupported filter", "localId:7")
	if len(o.Issue) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(o.Issue))
	}
	w := o.Issue[1]
	if w.Severity != "warning" || w.Code != "informational" || len(w.Expression) != 1 || w.Expression[0] != "localId:7" {
		t.Errorf("unexpected warning: %+v", w)
	}
}
