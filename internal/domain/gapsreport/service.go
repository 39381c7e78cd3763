package gapsreport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/caregaps/internal/elm"
	"github.com/ehr/caregaps/internal/gaps"
	"github.com/ehr/caregaps/internal/platform/cql"
	"github.com/ehr/caregaps/internal/platform/fhir"
)

var (
	// ErrInvalidRequest wraps problems with the calculation input.
	ErrInvalidRequest = errors.New("invalid care-gaps request")
	// ErrPersistenceDisabled is returned by storage operations when no
	// database is configured.
	ErrPersistenceDisabled = errors.New("gaps report persistence is disabled")
)

// Outcome is a finished calculation. Report is set when it was stored.
type Outcome struct {
	Result *gaps.Result
	Report *GapsReport
}

type Service struct {
	reports   GapsReportRepository
	calc      *gaps.Calculator
	numerator string
	logger    zerolog.Logger
}

// NewService wires the calculator. reports may be nil, which disables
// persistence.
func NewService(reports GapsReportRepository, calc *gaps.Calculator, numerator string, logger zerolog.Logger) *Service {
	return &Service{reports: reports, calc: calc, numerator: numerator, logger: logger}
}

// Calculate runs the gaps pipeline for one patient and, when requested and
// enabled, stores the resulting bundle.
func (s *Service) Calculate(ctx context.Context, req *CalculateRequest) (*Outcome, error) {
	greq, err := s.toGapsRequest(req)
	if err != nil {
		return nil, err
	}

	log := s.logger.With().
		Str("main_library", greq.MainLibrary).
		Str("statement", greq.NumeratorStatement).
		Str("notation", greq.ImprovementNotation.String()).
		Logger()

	res, err := s.calc.Calculate(ctx, greq)
	if err != nil {
		log.Error().Err(err).Msg("gaps calculation failed")
		return nil, err
	}
	for _, ge := range res.Errors {
		log.Warn().Str("local_id", ge.LocalID).Msg(ge.Message)
	}
	log.Info().
		Int("queries", len(res.Queries)).
		Int("detected_issues", len(res.DetectedIssues)).
		Int("diagnostics", len(res.Errors)).
		Msg("gaps calculated")

	out := &Outcome{Result: res}
	if !req.Persist {
		return out, nil
	}
	if s.reports == nil {
		return nil, ErrPersistenceDisabled
	}
	report, err := s.store(ctx, greq, res)
	if err != nil {
		return nil, err
	}
	out.Report = report
	return out, nil
}

func (s *Service) toGapsRequest(req *CalculateRequest) (gaps.Request, error) {
	if len(req.Libraries) == 0 {
		return gaps.Request{}, fmt.Errorf("%w: no libraries", ErrInvalidRequest)
	}
	if req.MeasureReport == nil {
		return gaps.Request{}, fmt.Errorf("%w: measureReport is required", ErrInvalidRequest)
	}

	set := elm.NewLibrarySet()
	for i, raw := range req.Libraries {
		lib, err := elm.ParseLibrary(raw)
		if err != nil {
			return gaps.Request{}, fmt.Errorf("%w: library %d: %v", ErrInvalidRequest, i, err)
		}
		set.Add(lib)
	}

	main := req.MainLibrary
	if main == "" {
		main = set.All()[0].ID
	}
	numerator := req.NumeratorStatement
	if numerator == "" {
		numerator = s.numerator
	}

	params := cql.Parameters{}
	if req.MeasurementPeriod != nil {
		iv, err := parsePeriod(req.MeasurementPeriod)
		if err != nil {
			return gaps.Request{}, fmt.Errorf("%w: measurementPeriod: %v", ErrInvalidRequest, err)
		}
		params[cql.MeasurementPeriod] = iv
	}

	notation := req.ImprovementNotation
	if notation == nil {
		notation = req.MeasureReport["improvementNotation"]
	}

	results := make([]gaps.ClauseResult, 0, len(req.ClauseResults))
	for _, cr := range req.ClauseResults {
		results = append(results, gaps.ClauseResult{
			LibraryName: cr.LibraryName,
			LocalID:     cr.LocalID,
			Final:       gaps.FinalResult(cr.Final),
			Raw:         cr.Raw,
		})
	}

	return gaps.Request{
		Libraries:           set,
		MainLibrary:         main,
		NumeratorStatement:  numerator,
		ImprovementNotation: gaps.ParseImprovementNotation(notation),
		ClauseResults:       gaps.NewClauseResults(results),
		MeasureReport:       req.MeasureReport,
		Patient:             req.Patient,
		Parameters:          params,
	}, nil
}

func parsePeriod(p *Period) (*cql.Interval, error) {
	start, err := cql.ParseDateTime(p.Start)
	if err != nil {
		return nil, err
	}
	end, err := cql.ParseDateTime(p.End)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end %s is before start %s", p.End, p.Start)
	}
	return cql.NewInterval(start, end), nil
}

func (s *Service) store(ctx context.Context, greq gaps.Request, res *gaps.Result) (*GapsReport, error) {
	raw, err := json.Marshal(res.Bundle)
	if err != nil {
		return nil, fmt.Errorf("marshal gaps bundle: %w", err)
	}
	measure, _ := greq.MeasureReport["measure"].(string)
	report := &GapsReport{
		ID:                  uuid.New(),
		PatientReference:    patientReference(greq.MeasureReport, greq.Patient),
		MeasureURL:          measure,
		ImprovementNotation: greq.ImprovementNotation.String(),
		GapCount:            len(res.DetectedIssues),
		DiagnosticCount:     len(res.Errors),
		BundleID:            res.Bundle.ID,
		Bundle:              raw,
	}
	if err := s.reports.Create(ctx, report); err != nil {
		return nil, fmt.Errorf("store gaps report: %w", err)
	}
	s.logger.Info().Str("report_id", report.ID.String()).Str("bundle_id", report.BundleID).Msg("gaps report stored")
	return report, nil
}

// patientReference prefers the MeasureReport subject over the Patient id.
func patientReference(report, patient map[string]interface{}) string {
	if subj, ok := report["subject"].(map[string]interface{}); ok {
		if ref, _ := subj["reference"].(string); ref != "" {
			return ref
		}
	}
	if id, _ := patient["id"].(string); id != "" {
		return fhir.FormatReference("Patient", id)
	}
	return ""
}

func (s *Service) GetReport(ctx context.Context, id uuid.UUID) (*GapsReport, error) {
	if s.reports == nil {
		return nil, ErrPersistenceDisabled
	}
	return s.reports.GetByID(ctx, id)
}

func (s *Service) GetBundle(ctx context.Context, bundleID string) (json.RawMessage, error) {
	if s.reports == nil {
		return nil, ErrPersistenceDisabled
	}
	r, err := s.reports.GetByBundleID(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	return r.Bundle, nil
}

func (s *Service) ListReports(ctx context.Context, filter ListFilter, limit, offset int) ([]*GapsReport, int, error) {
	if s.reports == nil {
		return nil, 0, ErrPersistenceDisabled
	}
	return s.reports.List(ctx, filter, limit, offset)
}

// Diagnostics renders soft errors as OperationOutcome warnings, or nil when
// there are none.
func Diagnostics(errs []elm.GracefulError) *fhir.OperationOutcome {
	if len(errs) == 0 {
		return nil
	}
	out := &fhir.OperationOutcome{ResourceType: "OperationOutcome"}
	for _, e := range errs {
		if e.LocalID != "" {
			out.AddWarning(e.Message, "localId:"+e.LocalID)
			continue
		}
		out.AddWarning(e.Message)
	}
	return out
}
