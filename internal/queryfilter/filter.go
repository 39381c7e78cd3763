// Package queryfilter interprets the filtering clauses of an ELM Query into a
// normalized filter tree.
package queryfilter

import (
	"github.com/ehr/caregaps/internal/elm"
	"github.com/ehr/caregaps/internal/platform/cql"
	"github.com/ehr/caregaps/internal/platform/fhir"
)

// Filter type tags.
const (
	TypeAnd     = "and"
	TypeOr      = "or"
	TypeEquals  = "equals"
	TypeIn      = "in"
	TypeDuring  = "during"
	TypeNotNull = "notnull"
	TypeIsNull  = "isnull"
	TypeValue   = "value"
	TypeUnknown = "unknown"
	TypeTruth   = "truth"
)

// Filter is one node of a filter tree. Trees are built once per query parse
// and not modified afterwards.
type Filter interface {
	Type() string
}

// Target identifies the query source (Alias) and the field read from it
// (Attribute, dotted for nested paths).
type Target struct {
	Alias       string `json:"alias"`
	Attribute   string `json:"attribute"`
	LocalID     string `json:"localId,omitempty"`
	LibraryName string `json:"libraryName,omitempty"`
}

func (t *Target) target() *Target { return t }

// targeted is implemented by every non-combinator filter except Truth.
type targeted interface {
	Filter
	target() *Target
	clone() Filter
}

type AndFilter struct {
	LocalID  string   `json:"localId,omitempty"`
	Children []Filter `json:"children"`
}

type OrFilter struct {
	LocalID  string   `json:"localId,omitempty"`
	Children []Filter `json:"children"`
}

// EqualsFilter is attribute = literal.
type EqualsFilter struct {
	Target
	Value string `json:"value"`
}

// InFilter is membership in a literal list, a list of codings, or a value
// set identified by canonical URL.
type InFilter struct {
	Target
	ValueList       []string      `json:"valueList,omitempty"`
	ValueCodingList []fhir.Coding `json:"valueCodingList,omitempty"`
	ValueSet        string        `json:"valueSet,omitempty"`
}

// DuringFilter constrains a date attribute to an interval. Interval holds the
// evaluated bounds; ValuePeriod their UTC renderings.
type DuringFilter struct {
	Target
	ValuePeriod fhir.Period   `json:"valuePeriod"`
	Interval    *cql.Interval `json:"-"`
}

type NotNullFilter struct {
	Target
}

type IsNullFilter struct {
	Target
}

// Ratio is a literal numerator:denominator.
type Ratio struct {
	Numerator   fhir.Quantity `json:"numerator"`
	Denominator fhir.Quantity `json:"denominator"`
}

// ValueFilter compares an attribute against a literal. Exactly one value
// field is set. Comparator is one of gt, ge, lt, le, eq.
type ValueFilter struct {
	Target
	Comparator    string         `json:"comparator"`
	ValueBoolean  *bool          `json:"valueBoolean,omitempty"`
	ValueString   *string        `json:"valueString,omitempty"`
	ValueInteger  *int64         `json:"valueInteger,omitempty"`
	ValueDecimal  *float64       `json:"valueDecimal,omitempty"`
	ValueQuantity *fhir.Quantity `json:"valueQuantity,omitempty"`
	ValueRatio    *Ratio         `json:"valueRatio,omitempty"`
}

// UnknownFilter stands for a clause that could not be interpreted. Target is
// a best-effort guess from the clause's property accesses.
type UnknownFilter struct {
	Target
	Diagnostic elm.GracefulError `json:"diagnostic"`
}

// TruthFilter is a tautology; combinators drop it.
type TruthFilter struct{}

func (*AndFilter) Type() string     { return TypeAnd }
func (*OrFilter) Type() string      { return TypeOr }
func (*EqualsFilter) Type() string  { return TypeEquals }
func (*InFilter) Type() string      { return TypeIn }
func (*DuringFilter) Type() string  { return TypeDuring }
func (*NotNullFilter) Type() string { return TypeNotNull }
func (*IsNullFilter) Type() string  { return TypeIsNull }
func (*ValueFilter) Type() string   { return TypeValue }
func (*UnknownFilter) Type() string { return TypeUnknown }
func (*TruthFilter) Type() string   { return TypeTruth }

func (f *EqualsFilter) clone() Filter  { c := *f; return &c }
func (f *InFilter) clone() Filter      { c := *f; return &c }
func (f *DuringFilter) clone() Filter  { c := *f; return &c }
func (f *NotNullFilter) clone() Filter { c := *f; return &c }
func (f *IsNullFilter) clone() Filter  { c := *f; return &c }
func (f *ValueFilter) clone() Filter   { c := *f; return &c }
func (f *UnknownFilter) clone() Filter { c := *f; return &c }

// TargetOf returns the alias/attribute target of f, or nil for combinators
// and Truth.
func TargetOf(f Filter) *Target {
	if t, ok := f.(targeted); ok {
		return t.target()
	}
	return nil
}

// ============================================================================
// Combinators
// ============================================================================

// And combines children into a flattened conjunction. Truth children are
// dropped and directly nested And nodes are merged. No remaining children
// yields Truth; a single child is returned as is.
func And(localID string, children ...Filter) Filter {
	out := combine(children, TypeAnd)
	switch len(out) {
	case 0:
		return &TruthFilter{}
	case 1:
		return out[0]
	}
	return &AndFilter{LocalID: localID, Children: out}
}

// Or is the disjunctive counterpart of And.
func Or(localID string, children ...Filter) Filter {
	out := combine(children, TypeOr)
	switch len(out) {
	case 0:
		return &TruthFilter{}
	case 1:
		return out[0]
	}
	return &OrFilter{LocalID: localID, Children: out}
}

func combine(children []Filter, kind string) []Filter {
	out := make([]Filter, 0, len(children))
	for _, c := range children {
		if c == nil {
			continue
		}
		switch n := c.(type) {
		case *TruthFilter:
			continue
		case *AndFilter:
			if kind == TypeAnd {
				out = append(out, n.Children...)
				continue
			}
		case *OrFilter:
			if kind == TypeOr {
				out = append(out, n.Children...)
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

// FlattenFilters returns the leaves of the conjunction rooted at f in
// left-to-right depth-first order. A non-And filter is returned alone.
func FlattenFilters(f Filter) []Filter {
	and, ok := f.(*AndFilter)
	if !ok {
		if f == nil {
			return nil
		}
		return []Filter{f}
	}
	var out []Filter
	for _, c := range and.Children {
		out = append(out, FlattenFilters(c)...)
	}
	return out
}

// RewriteAlias returns a copy of f with every target on alias from moved to
// alias to.
func RewriteAlias(f Filter, from, to string) Filter {
	switch n := f.(type) {
	case *AndFilter:
		children := make([]Filter, len(n.Children))
		for i, c := range n.Children {
			children[i] = RewriteAlias(c, from, to)
		}
		return &AndFilter{LocalID: n.LocalID, Children: children}
	case *OrFilter:
		children := make([]Filter, len(n.Children))
		for i, c := range n.Children {
			children[i] = RewriteAlias(c, from, to)
		}
		return &OrFilter{LocalID: n.LocalID, Children: children}
	case targeted:
		if n.target().Alias != from {
			return f
		}
		c := n.clone().(targeted)
		c.target().Alias = to
		return c
	}
	return f
}

// ============================================================================
// QueryInfo
// ============================================================================

// SourceInfo is one aliased source of a query.
type SourceInfo struct {
	Alias               string `json:"alias"`
	ResourceType        string `json:"resourceType"`
	RetrieveLocalID     string `json:"retrieveLocalId,omitempty"`
	RetrieveLibraryName string `json:"retrieveLibraryName,omitempty"`
}

// QueryInfo is the interpreted form of one Query node.
type QueryInfo struct {
	LocalID            string       `json:"localId"`
	LibraryName        string       `json:"libraryName"`
	Sources            []SourceInfo `json:"sources"`
	Filter             Filter       `json:"filter"`
	FromExternalClause bool         `json:"fromExternalClause,omitempty"`
}

// FirstAlias returns the alias of the first source, or "".
func (q *QueryInfo) FirstAlias() string {
	if q == nil || len(q.Sources) == 0 {
		return ""
	}
	return q.Sources[0].Alias
}
