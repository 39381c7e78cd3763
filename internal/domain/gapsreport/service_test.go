package gapsreport

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/caregaps/internal/elm"
	"github.com/ehr/caregaps/internal/elm/elmtest"
	"github.com/ehr/caregaps/internal/gaps"
	"github.com/ehr/caregaps/internal/platform/cql"
)

// -- Mock Repository --

type mockRepo struct {
	reports map[uuid.UUID]*GapsReport
	err     error
}

func newMockRepo() *mockRepo {
	return &mockRepo{reports: make(map[uuid.UUID]*GapsReport)}
}

func (m *mockRepo) Create(_ context.Context, r *GapsReport) error {
	if m.err != nil {
		return m.err
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = time.Now()
	m.reports[r.ID] = r
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*GapsReport, error) {
	r, ok := m.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *mockRepo) GetByBundleID(_ context.Context, bundleID string) (*GapsReport, error) {
	for _, r := range m.reports {
		if r.BundleID == bundleID {
			return r, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*GapsReport, int, error) {
	var all []*GapsReport
	for _, r := range m.reports {
		if f.Patient != "" && r.PatientReference != f.Patient {
			continue
		}
		if f.Measure != "" && r.MeasureURL != f.Measure {
			continue
		}
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID.String() < all[j].ID.String() })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// -- Fixtures --

func libraryJSON(t *testing.T) json.RawMessage {
	t.Helper()
	lib := elmtest.NewLib("Main").
		ValueSet("Office Visit", "http://vs/office").
		Parameter("Measurement Period").
		Define("Numerator", "1", elmtest.Query("2", "E", elmtest.Retrieve("3", "Encounter", "Office Visit"),
			elmtest.Op("IncludedIn", "4", elmtest.Prop("5", "E", "period"), elmtest.MeasurementPeriod("6"))))
	raw, err := json.Marshal(lib.Map())
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func calculateRequest(t *testing.T, queryFinal string) *CalculateRequest {
	t.Helper()
	encounter := map[string]interface{}{"resourceType": "Encounter", "id": "e1",
		"period": map[string]interface{}{"start": "2023-05-01", "end": "2023-05-02"}}
	return &CalculateRequest{
		Libraries:         []json.RawMessage{libraryJSON(t)},
		MeasurementPeriod: &Period{Start: "2024-01-01T00:00:00Z", End: "2024-12-31T23:59:59Z"},
		ClauseResults: []ClauseResultInput{
			{LibraryName: "Main", LocalID: "3", Final: "TRUE", Raw: []interface{}{encounter}},
			{LibraryName: "Main", LocalID: "2", Final: queryFinal},
		},
		MeasureReport: map[string]interface{}{"resourceType": "MeasureReport", "id": "mr1", "measure": "http://m/1",
			"subject": map[string]interface{}{"reference": "Patient/p1"}},
		Patient: map[string]interface{}{"resourceType": "Patient", "id": "p1"},
	}
}

func newTestService(repo GapsReportRepository) *Service {
	return NewService(repo, gaps.NewCalculator(cql.NewEngine()), "Numerator", zerolog.Nop())
}

// -- Calculate --

func TestService_Calculate_OpenGap(t *testing.T) {
	svc := newTestService(nil)
	out, err := svc.Calculate(context.Background(), calculateRequest(t, "FALSE"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Report != nil {
		t.Error("report should not be stored without persist")
	}
	if len(out.Result.DetectedIssues) != 1 {
		t.Fatalf("expected 1 detected issue, got %d", len(out.Result.DetectedIssues))
	}
	if len(out.Result.Bundle.Entry) != 4 {
		t.Errorf("expected 4 bundle entries, got %d", len(out.Result.Bundle.Entry))
	}
}

func TestService_Calculate_NotationFromMeasureReport(t *testing.T) {
	svc := newTestService(nil)
	req := calculateRequest(t, "TRUE")
	req.MeasureReport["improvementNotation"] = map[string]interface{}{
		"coding": []interface{}{map[string]interface{}{"code": "decrease"}},
	}
	out, err := svc.Calculate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// a true query is a gap when improvement is a decrease
	if len(out.Result.DetectedIssues) != 1 {
		t.Fatalf("expected 1 detected issue, got %d", len(out.Result.DetectedIssues))
	}
	ext := out.Result.DetectedIssues[0].ModifierExtension
	if len(ext) != 1 || ext[0].ValueCodeableConcept == nil || ext[0].ValueCodeableConcept.Coding[0].Code != "closed-gap" {
		t.Errorf("expected closed-gap status, got %+v", ext)
	}
}

func TestService_Calculate_Persist(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	req := calculateRequest(t, "FALSE")
	req.Persist = true

	out, err := svc.Calculate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Report == nil {
		t.Fatal("expected stored report")
	}
	r := out.Report
	if r.PatientReference != "Patient/p1" || r.MeasureURL != "http://m/1" || r.GapCount != 1 {
		t.Errorf("unexpected report: %+v", r)
	}
	if r.ImprovementNotation != "increase" || r.BundleID != out.Result.Bundle.ID {
		t.Errorf("unexpected report: %+v", r)
	}

	raw, err := svc.GetBundle(context.Background(), r.BundleID)
	if err != nil {
		t.Fatalf("GetBundle: %v", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["resourceType"] != "Bundle" || doc["type"] != "document" {
		t.Errorf("unexpected bundle: %v", doc)
	}
}

func TestService_Calculate_PersistDisabled(t *testing.T) {
	svc := newTestService(nil)
	req := calculateRequest(t, "FALSE")
	req.Persist = true
	if _, err := svc.Calculate(context.Background(), req); !errors.Is(err, ErrPersistenceDisabled) {
		t.Errorf("expected ErrPersistenceDisabled, got %v", err)
	}
}

func TestService_Calculate_StoreError(t *testing.T) {
	repo := newMockRepo()
	repo.err = errors.New("disk full")
	svc := newTestService(repo)
	req := calculateRequest(t, "FALSE")
	req.Persist = true
	if _, err := svc.Calculate(context.Background(), req); err == nil {
		t.Error("expected store error")
	}
}

func TestService_Calculate_InvalidRequests(t *testing.T) {
	svc := newTestService(nil)
	tests := []struct {
		name   string
		mutate func(*CalculateRequest)
		want   error
	}{
		{"no libraries", func(r *CalculateRequest) { r.Libraries = nil }, ErrInvalidRequest},
		{"no measure report", func(r *CalculateRequest) { r.MeasureReport = nil }, ErrInvalidRequest},
		{"bad library", func(r *CalculateRequest) { r.Libraries = []json.RawMessage{json.RawMessage(`{"library":{}}`)} }, ErrInvalidRequest},
		{"bad period", func(r *CalculateRequest) { r.MeasurementPeriod = &Period{Start: "2024-12-31", End: "2024-01-01"} }, ErrInvalidRequest},
		{"unparseable period", func(r *CalculateRequest) { r.MeasurementPeriod = &Period{Start: "soon", End: "2024-01-01"} }, ErrInvalidRequest},
		{"unknown library", func(r *CalculateRequest) { r.MainLibrary = "Other" }, gaps.ErrLibraryNotFound},
		{"unknown statement", func(r *CalculateRequest) { r.NumeratorStatement = "Denominator" }, gaps.ErrStatementNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := calculateRequest(t, "FALSE")
			tt.mutate(req)
			if _, err := svc.Calculate(context.Background(), req); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

// -- Storage --

func TestService_ListReports(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	repo.Create(context.Background(), &GapsReport{PatientReference: "Patient/p1", MeasureURL: "http://m/1"})
	repo.Create(context.Background(), &GapsReport{PatientReference: "Patient/p2", MeasureURL: "http://m/1"})

	items, total, err := svc.ListReports(context.Background(), ListFilter{Patient: "Patient/p2"}, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].PatientReference != "Patient/p2" {
		t.Errorf("unexpected listing: total=%d items=%v", total, items)
	}
}

func TestService_StorageDisabled(t *testing.T) {
	svc := newTestService(nil)
	ctx := context.Background()
	if _, err := svc.GetReport(ctx, uuid.New()); !errors.Is(err, ErrPersistenceDisabled) {
		t.Errorf("GetReport: %v", err)
	}
	if _, err := svc.GetBundle(ctx, "b1"); !errors.Is(err, ErrPersistenceDisabled) {
		t.Errorf("GetBundle: %v", err)
	}
	if _, _, err := svc.ListReports(ctx, ListFilter{}, 10, 0); !errors.Is(err, ErrPersistenceDisabled) {
		t.Errorf("ListReports: %v", err)
	}
}

func TestPatientReference(t *testing.T) {
	if got := patientReference(map[string]interface{}{}, map[string]interface{}{"id": "p9"}); got != "Patient/p9" {
		t.Errorf("expected Patient/p9, got %q", got)
	}
	if got := patientReference(nil, nil); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}

func TestDiagnostics(t *testing.T) {
	if Diagnostics(nil) != nil {
		t.Error("expected nil outcome for no errors")
	}
	out := Diagnostics([]elm.GracefulError{
		{Message: "unsupported filter", LocalID: "12"},
		{Message: "no local id"},
	})
	if out == nil || len(out.Issue) != 2 {
		t.Fatalf("expected 2 issues, got %+v", out)
	}
	if out.Issue[0].Severity != "warning" || len(out.Issue[0].Expression) != 1 || out.Issue[0].Expression[0] != "localId:12" {
		t.Errorf("unexpected first issue: %+v", out.Issue[0])
	}
	if len(out.Issue[1].Expression) != 0 {
		t.Errorf("unexpected expression: %v", out.Issue[1].Expression)
	}
}
