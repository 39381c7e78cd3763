package gaps

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/caregaps/internal/elm"
	"github.com/ehr/caregaps/internal/platform/cql"
	"github.com/ehr/caregaps/internal/platform/fhir"
	"github.com/ehr/caregaps/internal/queryfilter"
	"github.com/ehr/caregaps/internal/retrieves"
)

var (
	// ErrLibraryNotFound is returned when the main library is not in the set.
	ErrLibraryNotFound = errors.New("gaps: library not found")
	// ErrStatementNotFound is returned when the numerator statement is
	// missing from the main library.
	ErrStatementNotFound = errors.New("gaps: statement not found")
)

// Request is the input for one patient's gaps calculation.
type Request struct {
	Libraries           *elm.LibrarySet
	MainLibrary         string
	NumeratorStatement  string
	ImprovementNotation ImprovementNotation
	ClauseResults       ClauseResults
	MeasureReport       map[string]interface{}
	Patient             map[string]interface{}
	Parameters          cql.Parameters
}

// Result is the gaps document plus the intermediate queries and every soft
// diagnostic collected along the way.
type Result struct {
	Bundle         *fhir.Bundle
	Queries        []GapsDataTypeQuery
	DetectedIssues []fhir.DetectedIssue
	Errors         []elm.GracefulError
}

// Calculator runs the whole gaps pipeline for one patient.
type Calculator struct {
	Builder   *Builder
	Evaluator cql.Evaluator
}

// NewCalculator returns a Calculator that evaluates intervals with ev.
func NewCalculator(ev cql.Evaluator) *Calculator {
	return &Calculator{Builder: NewBuilder(), Evaluator: ev}
}

// Calculate finds the retrieves behind the numerator statement, interprets
// their queries, computes reason detail and assembles the gaps bundle.
func (c *Calculator) Calculate(ctx context.Context, req Request) (*Result, error) {
	main, ok := req.Libraries.Get(req.MainLibrary)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLibraryNotFound, req.MainLibrary)
	}
	found, errs, ok := retrieves.FindInStatement(main, req.Libraries, req.NumeratorStatement)
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrStatementNotFound, req.NumeratorStatement, req.MainLibrary)
	}

	queries := ProcessQueriesForGaps(found, req.ClauseResults)

	interpreter := &queryfilter.Interpreter{
		Libraries:  req.Libraries,
		Parameters: req.Parameters,
		Patient:    req.Patient,
		Evaluator:  c.Evaluator,
	}
	for i := range queries {
		q := &queries[i]
		if q.QueryLocalID == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lib, ok := req.Libraries.Get(q.QueryLibraryName)
		if !ok {
			errs = append(errs, elm.Graceful(q.QueryLocalID, "library %s of query not found", q.QueryLibraryName))
			continue
		}
		valueComp := queryfilter.ClauseRef{LibraryName: q.ValueComparisonLibraryName, LocalID: q.ValueComparisonLocalID}
		info, qErrs, err := interpreter.ParseQueryInfo(ctx, lib, q.QueryLocalID, valueComp)
		if err != nil {
			return nil, fmt.Errorf("parse query %s: %w", q.QueryLocalID, err)
		}
		q.QueryInfo = info
		errs = append(errs, qErrs...)
	}

	queries, err := CalculateReasonDetail(queries, req.ImprovementNotation, req.ClauseResults)
	if err != nil {
		return nil, err
	}

	builder := c.Builder
	if builder == nil {
		builder = NewBuilder()
	}
	issues, issueErrs := builder.GenerateDetectedIssueResources(queries, req.MeasureReport, req.ImprovementNotation)
	errs = append(errs, issueErrs...)

	bundle, err := builder.GenerateGapsInCareBundle(issues, req.MeasureReport, req.Patient)
	if err != nil {
		return nil, err
	}

	return &Result{
		Bundle:         bundle,
		Queries:        queries,
		DetectedIssues: issues,
		Errors:         errs,
	}, nil
}
