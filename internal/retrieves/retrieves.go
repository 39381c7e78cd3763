// Package retrieves locates the data-fetch (Retrieve) nodes reachable from an
// ELM expression together with the query context that encloses them.
package retrieves

import (
	"github.com/ehr/caregaps/internal/elm"
)

// StackEntry is one frame of the path from a traversal root to a node.
type StackEntry struct {
	LibraryName string `json:"libraryName"`
	LocalID     string `json:"localId"`
	Type        string `json:"type"`
}

// Stack is an append-only ancestor path. Push never mutates the receiver,
// so sibling branches keep independent histories.
type Stack []StackEntry

// Push returns a new stack with e appended.
func (s Stack) Push(e StackEntry) Stack {
	out := make(Stack, len(s), len(s)+1)
	copy(out, s)
	return append(out, e)
}

// Last returns the final n frames, or nil when the stack is shorter.
func (s Stack) Last(n int) Stack {
	if len(s) < n {
		return nil
	}
	return s[len(s)-n:]
}

// DataTypeQuery is one discovered Retrieve occurrence. Exactly one of Code
// and ValueSet is populated when the retrieve is filtered.
type DataTypeQuery struct {
	DataType            string            `json:"dataType"`
	TemplateID          string            `json:"templateId,omitempty"`
	Code                *elm.ResolvedCode `json:"code,omitempty"`
	ValueSet            string            `json:"valueSet,omitempty"`
	RetrieveLocalID     string            `json:"retrieveLocalId"`
	RetrieveLibraryName string            `json:"retrieveLibraryName"`
	QueryLocalID        string            `json:"queryLocalId,omitempty"`
	QueryLibraryName    string            `json:"queryLibraryName,omitempty"`
	// ValueComparisonLocalID is the nearest enclosing comparison (Greater,
	// IsNull, ...) that sits outside the query's own where clause.
	ValueComparisonLocalID     string `json:"valueComparisonLocalId,omitempty"`
	ValueComparisonLibraryName string `json:"valueComparisonLibraryName,omitempty"`
	ExpressionStack            Stack  `json:"expressionStack"`
	Path                       string `json:"path,omitempty"`
}

// valueComparisons mark descendants with their localId so comparisons living
// outside a query's where clause can be located later.
var valueComparisons = map[string]bool{
	"Greater":        true,
	"GreaterOrEqual": true,
	"Less":           true,
	"LessOrEqual":    true,
	"IsNull":         true,
}

// scope is the traversal state handed to each recursive call by value.
type scope struct {
	lib        *elm.Library
	query      string
	queryLib   string
	valueComp  string
	valueCompL string
	stack      Stack
}

type finder struct {
	all *elm.LibrarySet
}

// Find walks expr (owned by lib) and returns every Retrieve reachable from it.
// queryLocalID and valueComparisonLocalID seed the enclosing context; pass ""
// when starting from a statement root. Unresolvable references yield no
// results and are not diagnostics.
func Find(lib *elm.Library, all *elm.LibrarySet, expr elm.Expression, queryLocalID, valueComparisonLocalID string, stack Stack) ([]DataTypeQuery, []elm.GracefulError) {
	f := &finder{all: all}
	sc := scope{lib: lib, query: queryLocalID, valueComp: valueComparisonLocalID, stack: stack}
	if queryLocalID != "" {
		sc.queryLib = lib.ID
	}
	if valueComparisonLocalID != "" {
		sc.valueCompL = lib.ID
	}
	return f.find(expr, sc)
}

// FindInStatement is Find rooted at the named statement of lib.
func FindInStatement(lib *elm.Library, all *elm.LibrarySet, statement string) ([]DataTypeQuery, []elm.GracefulError, bool) {
	st := lib.Statement(statement)
	if st == nil {
		return nil, nil, false
	}
	results, errs := Find(lib, all, st.Expression, "", "", nil)
	return results, errs, true
}

func (f *finder) find(expr elm.Expression, sc scope) ([]DataTypeQuery, []elm.GracefulError) {
	if expr == nil {
		return nil, nil
	}
	sc.stack = sc.stack.Push(StackEntry{LibraryName: sc.lib.ID, LocalID: expr.LocalID(), Type: expr.Type()})

	switch n := expr.(type) {
	case *elm.Retrieve:
		return f.retrieve(n, sc)

	case *elm.Query:
		var (
			results []DataTypeQuery
			errs    []elm.GracefulError
		)
		collect := func(e elm.Expression, s scope) {
			r, ge := f.find(e, s)
			results = append(results, r...)
			errs = append(errs, ge...)
		}
		inner := sc
		inner.query, inner.queryLib = n.LocalID(), sc.lib.ID
		for _, src := range n.Source {
			collect(src.Expression, inner)
		}
		for _, l := range n.Let {
			collect(l.Expression, sc)
		}
		for _, rel := range n.Relationship {
			collect(rel.Expression, sc)
			collect(rel.SuchThat, sc)
		}
		collect(n.Where, sc)
		if n.Return != nil {
			collect(n.Return.Expression, sc)
		}
		if n.Aggregate != nil {
			collect(n.Aggregate.Starting, sc)
			collect(n.Aggregate.Expression, sc)
		}
		for _, by := range n.Sort {
			collect(by.Expression, sc)
		}
		return results, errs

	case *elm.ExpressionRef:
		lib, st, ok := elm.ResolveStatement(sc.lib, f.all, n.Name, n.LibraryName)
		if !ok || st.Expression == nil {
			return nil, nil
		}
		sc.lib = lib
		return f.find(st.Expression, sc)
	}

	if isOperator(expr) && valueComparisons[expr.Type()] {
		sc.valueComp, sc.valueCompL = expr.LocalID(), sc.lib.ID
	}
	return f.each(elm.Children(expr), sc)
}

func isOperator(expr elm.Expression) bool {
	_, ok := expr.(*elm.Operator)
	return ok
}

func (f *finder) each(children []elm.Expression, sc scope) ([]DataTypeQuery, []elm.GracefulError) {
	var (
		results []DataTypeQuery
		errs    []elm.GracefulError
	)
	for _, c := range children {
		r, ge := f.find(c, sc)
		results = append(results, r...)
		errs = append(errs, ge...)
	}
	return results, errs
}

func (f *finder) retrieve(r *elm.Retrieve, sc scope) ([]DataTypeQuery, []elm.GracefulError) {
	q := DataTypeQuery{
		DataType:                   r.ResourceType(),
		TemplateID:                 r.TemplateID,
		RetrieveLocalID:            r.LocalID(),
		RetrieveLibraryName:        sc.lib.ID,
		QueryLocalID:               sc.query,
		QueryLibraryName:           sc.queryLib,
		ValueComparisonLocalID:     sc.valueComp,
		ValueComparisonLibraryName: sc.valueCompL,
		ExpressionStack:            sc.stack,
		Path:                       r.CodeProperty,
	}
	f.resolveCodes(r.Codes, sc.lib, &q)

	var errs []elm.GracefulError
	if last := sc.stack.Last(4); isFilteredTwice(last) {
		if outer, ok := f.outerQuery(last); ok {
			q.QueryLocalID = outer.LocalID()
			q.QueryLibraryName = last[0].LibraryName
		} else {
			errs = append(errs, elm.Graceful(last[0].LocalID,
				"query %s is not sourced solely from %s; keeping attribution to inner query %s",
				last[0].LocalID, last[1].LocalID, last[2].LocalID))
		}
	}
	return []DataTypeQuery{q}, errs
}

// isFilteredTwice matches the frame pattern of a retrieve filtered by a query
// that is itself the source of another query.
func isFilteredTwice(last Stack) bool {
	if len(last) != 4 {
		return false
	}
	return last[0].Type == "Query" && last[1].Type == "ExpressionRef" &&
		last[2].Type == "Query" && last[3].Type == "Retrieve"
}

// outerQuery returns the query named by last[0] when its sole source is the
// ExpressionRef named by last[1].
func (f *finder) outerQuery(last Stack) (*elm.Query, bool) {
	lib, ok := f.all.Get(last[0].LibraryName)
	if !ok {
		return nil, false
	}
	node, ok := elm.FindClauseInLibrary(lib, last[0].LocalID)
	if !ok {
		return nil, false
	}
	q, ok := node.(*elm.Query)
	if !ok || len(q.Source) != 1 {
		return nil, false
	}
	ref, ok := q.Source[0].Expression.(*elm.ExpressionRef)
	if !ok || ref.LocalID() != last[1].LocalID {
		return nil, false
	}
	return q, true
}

// resolveCodes fills the code or value-set filter of a retrieve.
func (f *finder) resolveCodes(codes elm.Expression, lib *elm.Library, q *DataTypeQuery) {
	switch c := codes.(type) {
	case *elm.ValueSetRef:
		if vs, ok := elm.FindValueSetReference(lib, f.all, c); ok {
			q.ValueSet = vs.ID
		}
	case *elm.CodeRef:
		if rc, ok := elm.FindCodeReference(lib, f.all, c); ok {
			q.Code = rc
		}
	case *elm.Operator:
		if c.Kind == "ToList" && len(c.Operand) == 1 {
			f.resolveCodes(c.Operand[0], lib, q)
		}
	case *elm.List:
		if len(c.Element) == 1 {
			f.resolveCodes(c.Element[0], lib, q)
		}
	}
}
