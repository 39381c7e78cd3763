//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/caregaps/internal/domain/gapsreport"
	"github.com/ehr/caregaps/internal/elm/elmtest"
	"github.com/ehr/caregaps/internal/gaps"
	"github.com/ehr/caregaps/internal/platform/cql"
	"github.com/ehr/caregaps/internal/platform/db"
)

func TestMigrations_Idempotent(t *testing.T) {
	ctx := context.Background()
	m := db.NewMigrator(globalPool, db.Migrations())

	n, err := m.Up(ctx)
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no pending migrations, applied %d", n)
	}
	statuses, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	for _, s := range statuses {
		if !s.Applied || s.AppliedAt == nil {
			t.Errorf("migration %d not applied", s.Version)
		}
	}
}

func TestGapsReportRepo_CRUD(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	repo := gapsreport.NewGapsReportRepoPG(globalPool)

	r := &gapsreport.GapsReport{
		PatientReference:    "Patient/p1",
		MeasureURL:          "http://m/1",
		ImprovementNotation: "increase",
		GapCount:            2,
		BundleID:            uuid.NewString(),
		Bundle:              json.RawMessage(`{"resourceType":"Bundle","type":"document"}`),
	}
	if err := repo.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.ID == uuid.Nil || r.CreatedAt.IsZero() {
		t.Fatalf("expected id and created_at, got %+v", r)
	}

	got, err := repo.GetByID(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.GapCount != 2 || got.PatientReference != "Patient/p1" {
		t.Errorf("unexpected report: %+v", got)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(got.Bundle, &doc); err != nil || doc["type"] != "document" {
		t.Errorf("bundle did not round trip: %s", got.Bundle)
	}

	if _, err := repo.GetByBundleID(ctx, r.BundleID); err != nil {
		t.Errorf("GetByBundleID: %v", err)
	}
	if _, err := repo.GetByID(ctx, uuid.New()); !errors.Is(err, gapsreport.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGapsReportRepo_List(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	repo := gapsreport.NewGapsReportRepoPG(globalPool)

	for _, p := range []string{"Patient/a", "Patient/a", "Patient/b"} {
		err := repo.Create(ctx, &gapsreport.GapsReport{
			PatientReference:    p,
			MeasureURL:          "http://m/1",
			ImprovementNotation: "increase",
			BundleID:            uuid.NewString(),
			Bundle:              json.RawMessage(`{}`),
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	items, total, err := repo.List(ctx, gapsreport.ListFilter{Patient: "Patient/a", Measure: "http://m/1"}, 1, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 2 || len(items) != 1 {
		t.Errorf("expected 1 of 2, got %d of %d", len(items), total)
	}
	if len(items) == 1 && items[0].Bundle != nil {
		t.Errorf("listing should not carry the bundle, got %s", items[0].Bundle)
	}

	_, total, err = repo.List(ctx, gapsreport.ListFilter{}, 10, 0)
	if err != nil || total != 3 {
		t.Errorf("expected 3 reports, got %d (%v)", total, err)
	}
}

func TestService_CalculateAndStore(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	svc := gapsreport.NewService(gapsreport.NewGapsReportRepoPG(globalPool),
		gaps.NewCalculator(cql.NewEngine()), "Numerator", zerolog.Nop())

	lib, err := json.Marshal(elmtest.NewLib("Main").
		ValueSet("Office Visit", "http://vs/office").
		Parameter("Measurement Period").
		Define("Numerator", "1", elmtest.Query("2", "E", elmtest.Retrieve("3", "Encounter", "Office Visit"),
			elmtest.Op("IncludedIn", "4", elmtest.Prop("5", "E", "period"), elmtest.MeasurementPeriod("6")))).
		Map())
	if err != nil {
		t.Fatal(err)
	}

	out, err := svc.Calculate(ctx, &gapsreport.CalculateRequest{
		Libraries:         []json.RawMessage{lib},
		MeasurementPeriod: &gapsreport.Period{Start: "2024-01-01T00:00:00Z", End: "2024-12-31T23:59:59Z"},
		ClauseResults: []gapsreport.ClauseResultInput{
			{LibraryName: "Main", LocalID: "3", Final: "TRUE", Raw: []interface{}{
				map[string]interface{}{"resourceType": "Encounter", "id": "e1"},
			}},
			{LibraryName: "Main", LocalID: "2", Final: "FALSE"},
		},
		MeasureReport: map[string]interface{}{"resourceType": "MeasureReport", "id": "mr1", "measure": "http://m/1",
			"subject": map[string]interface{}{"reference": "Patient/p1"}},
		Persist: true,
	})
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if out.Report == nil || out.Report.GapCount != 1 {
		t.Fatalf("unexpected stored report: %+v", out.Report)
	}

	raw, err := svc.GetBundle(ctx, out.Result.Bundle.ID)
	if err != nil {
		t.Fatalf("GetBundle: %v", err)
	}
	var bundle map[string]interface{}
	if err := json.Unmarshal(raw, &bundle); err != nil {
		t.Fatal(err)
	}
	if bundle["id"] != out.Result.Bundle.ID {
		t.Errorf("expected bundle %s, got %v", out.Result.Bundle.ID, bundle["id"])
	}
}
