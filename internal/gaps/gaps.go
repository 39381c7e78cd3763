// Package gaps combines clause results with interpreted query filters to
// determine care gaps and render them as FHIR resources.
package gaps

import (
	"strings"

	"github.com/ehr/caregaps/internal/queryfilter"
	"github.com/ehr/caregaps/internal/retrieves"
	"github.com/ehr/caregaps/pkg/fhirmodels"
)

// ============================================================================
// Clause results
// ============================================================================

// FinalResult is the final truth value of one evaluated clause.
type FinalResult string

const (
	FinalTrue  FinalResult = "TRUE"
	FinalFalse FinalResult = "FALSE"
	FinalNA    FinalResult = "NA"
	FinalUnhit FinalResult = "UNHIT"
)

// ClauseResult is the outcome of one ELM node for one patient. Raw holds the
// evaluated value; for a Retrieve it is the list of fetched resources.
type ClauseResult struct {
	LibraryName string      `json:"libraryName"`
	LocalID     string      `json:"localId"`
	Final       FinalResult `json:"final"`
	Raw         interface{} `json:"raw,omitempty"`
}

type clauseKey struct {
	library string
	localID string
}

// ClauseResults is a read-only table keyed by library and localId.
type ClauseResults struct {
	byKey map[clauseKey]ClauseResult
}

// NewClauseResults indexes results. A later duplicate replaces an earlier one.
func NewClauseResults(results []ClauseResult) ClauseResults {
	t := ClauseResults{byKey: make(map[clauseKey]ClauseResult, len(results))}
	for _, r := range results {
		t.byKey[clauseKey{r.LibraryName, r.LocalID}] = r
	}
	return t
}

// Lookup returns the result for (library, localID).
func (t ClauseResults) Lookup(library, localID string) (ClauseResult, bool) {
	r, ok := t.byKey[clauseKey{library, localID}]
	return r, ok
}

// IsTrue reports whether the clause evaluated to TRUE. Missing entries are
// false.
func (t ClauseResults) IsTrue(library, localID string) bool {
	r, ok := t.Lookup(library, localID)
	return ok && r.Final == FinalTrue
}

// ============================================================================
// Improvement notation
// ============================================================================

// ImprovementNotation says whether a higher score is better (Positive) or
// worse (Negative).
type ImprovementNotation int

const (
	Positive ImprovementNotation = iota
	Negative
)

func (n ImprovementNotation) String() string {
	if n == Negative {
		return "decrease"
	}
	return "increase"
}

// ParseImprovementNotation reads a plain code or a CodeableConcept map.
// "decrease" is Negative; anything else, including absence, is Positive.
func ParseImprovementNotation(v interface{}) ImprovementNotation {
	switch t := v.(type) {
	case string:
		if strings.EqualFold(t, "decrease") {
			return Negative
		}
	case map[string]interface{}:
		codings, _ := t["coding"].([]interface{})
		for _, c := range codings {
			if m, ok := c.(map[string]interface{}); ok {
				if code, _ := m["code"].(string); strings.EqualFold(code, "decrease") {
					return Negative
				}
			}
		}
	}
	return Positive
}

// ============================================================================
// Gap queries
// ============================================================================

// Reason is one computed gap reason.
type Reason struct {
	Code      fhirmodels.CareGapReason `json:"code"`
	Path      string                   `json:"path,omitempty"`
	Reference string                   `json:"reference,omitempty"`
}

// ReasonDetail is the per-query reason computation.
type ReasonDetail struct {
	HasReasonDetail bool     `json:"hasReasonDetail"`
	Reasons         []Reason `json:"reasons"`
}

// GapsDataTypeQuery is a discovered retrieve annotated with clause truth,
// its interpreted query and, later, its reason detail.
type GapsDataTypeQuery struct {
	retrieves.DataTypeQuery
	ParentQueryHasResult bool                   `json:"parentQueryHasResult"`
	RetrieveHasResult    bool                   `json:"retrieveHasResult"`
	QueryInfo            *queryfilter.QueryInfo `json:"queryInfo,omitempty"`
	ReasonDetail         *ReasonDetail          `json:"reasonDetail,omitempty"`
}

// ProcessQueriesForGaps looks up the parent query and retrieve of each
// query in the clause table. A query with no enclosing Query node uses the
// retrieve's own result as its parent result.
func ProcessQueriesForGaps(queries []retrieves.DataTypeQuery, results ClauseResults) []GapsDataTypeQuery {
	out := make([]GapsDataTypeQuery, 0, len(queries))
	for _, q := range queries {
		g := GapsDataTypeQuery{DataTypeQuery: q}
		g.RetrieveHasResult = results.IsTrue(q.RetrieveLibraryName, q.RetrieveLocalID)
		if q.QueryLocalID != "" {
			g.ParentQueryHasResult = results.IsTrue(q.QueryLibraryName, q.QueryLocalID)
		} else {
			g.ParentQueryHasResult = g.RetrieveHasResult
		}
		out = append(out, g)
	}
	return out
}

// IsGap applies the gap predicate for the given improvement notation.
func IsGap(q GapsDataTypeQuery, notation ImprovementNotation) bool {
	if notation == Negative {
		return q.ParentQueryHasResult
	}
	return !q.ParentQueryHasResult
}

// GroupGapQueries groups queries that are alternatives under the same Or.
// The Or must be the first stack frame, or the second when the first is an
// ExpressionRef. Groups keep the order of first appearance; every other
// query forms a group of its own.
func GroupGapQueries(queries []GapsDataTypeQuery) [][]GapsDataTypeQuery {
	var (
		groups [][]GapsDataTypeQuery
		index  = map[retrieves.StackEntry]int{}
	)
	for _, q := range queries {
		key, ok := orAncestor(q.ExpressionStack)
		if !ok {
			groups = append(groups, []GapsDataTypeQuery{q})
			continue
		}
		if i, seen := index[key]; seen {
			groups[i] = append(groups[i], q)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, []GapsDataTypeQuery{q})
	}
	return groups
}

func orAncestor(stack retrieves.Stack) (retrieves.StackEntry, bool) {
	if len(stack) > 0 && stack[0].Type == "Or" {
		return stack[0], true
	}
	if len(stack) > 1 && stack[0].Type == "ExpressionRef" && stack[1].Type == "Or" {
		return stack[1], true
	}
	return retrieves.StackEntry{}, false
}
