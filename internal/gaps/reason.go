package gaps

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/ehr/caregaps/internal/platform/cql"
	"github.com/ehr/caregaps/internal/platform/fhir"
	"github.com/ehr/caregaps/internal/queryfilter"
	"github.com/ehr/caregaps/pkg/fhirmodels"
)

// ErrUnsupportedComparator is returned when a value filter carries a
// comparator other than gt, ge, lt, le or eq.
var ErrUnsupportedComparator = errors.New("gaps: unsupported value comparator")

// CalculateReasonDetail classifies why each resource returned by the query's
// retrieve fails the query's filters. Only positive improvement notation is
// computed; under negative notation the query is returned unchanged.
func CalculateReasonDetail(queries []GapsDataTypeQuery, notation ImprovementNotation, results ClauseResults) ([]GapsDataTypeQuery, error) {
	if notation == Negative {
		return queries, nil
	}
	out := make([]GapsDataTypeQuery, len(queries))
	for i, q := range queries {
		detail, err := reasonDetail(q, results)
		if err != nil {
			return nil, fmt.Errorf("reason detail for retrieve %s: %w", q.RetrieveLocalID, err)
		}
		q.ReasonDetail = detail
		out[i] = q
	}
	return out, nil
}

func reasonDetail(q GapsDataTypeQuery, results ClauseResults) (*ReasonDetail, error) {
	detail := &ReasonDetail{}
	if q.QueryInfo != nil {
		alias := q.QueryInfo.FirstAlias()
		filters := queryfilter.FlattenFilters(q.QueryInfo.Filter)
		for _, resource := range retrievedResources(q, results) {
			ref := resourceReference(resource, q.DataType)
			for _, f := range filters {
				t := queryfilter.TargetOf(f)
				if t == nil || (t.Alias != "" && t.Alias != alias) {
					continue
				}
				code, err := classify(f, resource, q, results)
				if err != nil {
					return nil, err
				}
				if code == "" {
					continue
				}
				detail.HasReasonDetail = true
				detail.Reasons = append(detail.Reasons, Reason{Code: code, Path: t.Attribute, Reference: ref})
			}
		}
	}
	if !detail.HasReasonDetail {
		detail.Reasons = []Reason{{Code: fhirmodels.ReasonMissing}}
	}
	return detail, nil
}

// classify returns the reason resource fails f for, or "" when it passes or
// the filter kind carries no reason.
func classify(f queryfilter.Filter, resource map[string]interface{}, q GapsDataTypeQuery, results ClauseResults) (fhirmodels.CareGapReason, error) {
	switch n := f.(type) {
	case *queryfilter.DuringFilter:
		v, ok := lookupAttribute(resource, n.Attribute)
		if !ok {
			return fhirmodels.ReasonNotFound, nil
		}
		if !withinInterval(v, n.Interval) {
			return fhirmodels.ReasonDateOutOfRange, nil
		}
	case *queryfilter.NotNullFilter:
		if _, ok := lookupAttribute(resource, n.Attribute); !ok {
			return fhirmodels.ReasonNotFound, nil
		}
	case *queryfilter.IsNullFilter:
		if _, ok := lookupAttribute(resource, n.Attribute); !ok {
			return fhirmodels.ReasonNotFound, nil
		}
	case *queryfilter.ValueFilter:
		if q.QueryInfo.FromExternalClause && n.LocalID != "" && n.LocalID == q.ValueComparisonLocalID {
			lib := q.ValueComparisonLibraryName
			if lib == "" {
				lib = n.LibraryName
			}
			if !results.IsTrue(lib, n.LocalID) {
				return fhirmodels.ReasonValueOutOfRange, nil
			}
			return "", nil
		}
		v, ok := lookupAttribute(resource, n.Attribute)
		if !ok {
			return fhirmodels.ReasonNotFound, nil
		}
		pass, err := compareValue(v, n)
		if err != nil {
			return "", err
		}
		if !pass {
			return fhirmodels.ReasonValueOutOfRange, nil
		}
	case *queryfilter.EqualsFilter:
		v, ok := lookupAttribute(resource, n.Attribute)
		if !ok {
			return fhirmodels.ReasonNotFound, nil
		}
		if !matchesAny(v, []string{n.Value}, nil) {
			return fhirmodels.ReasonInvalidAttribute, nil
		}
	case *queryfilter.InFilter:
		v, ok := lookupAttribute(resource, n.Attribute)
		if !ok {
			return fhirmodels.ReasonNotFound, nil
		}
		// value set membership needs terminology expansion; only literal
		// lists are checked
		if n.ValueSet == "" && !matchesAny(v, n.ValueList, n.ValueCodingList) {
			return fhirmodels.ReasonInvalidAttribute, nil
		}
	}
	return "", nil
}

// ============================================================================
// Resource access
// ============================================================================

// retrievedResources extracts the FHIR resources from the retrieve's raw
// clause result. Entries wrapped as {"_json": {...}} are unwrapped.
func retrievedResources(q GapsDataTypeQuery, results ClauseResults) []map[string]interface{} {
	r, ok := results.Lookup(q.RetrieveLibraryName, q.RetrieveLocalID)
	if !ok {
		return nil
	}
	var items []interface{}
	switch raw := r.Raw.(type) {
	case []interface{}:
		items = raw
	case []map[string]interface{}:
		for _, m := range raw {
			items = append(items, m)
		}
	case map[string]interface{}:
		items = []interface{}{raw}
	}
	out := make([]map[string]interface{}, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]interface{})
		if !ok {
			continue
		}
		if inner, ok := m["_json"].(map[string]interface{}); ok {
			m = inner
		}
		out = append(out, m)
	}
	return out
}

func resourceReference(resource map[string]interface{}, dataType string) string {
	rt, _ := resource["resourceType"].(string)
	if rt == "" {
		rt = dataType
	}
	id, _ := resource["id"].(string)
	if id == "" {
		return ""
	}
	return fhir.FormatReference(rt, id)
}

// lookupAttribute reads a dotted path from resource. A segment that is not
// present verbatim matches a choice-type element (effective matches
// effectiveDateTime). Lists descend into their first element. JSON null and
// empty strings count as absent.
func lookupAttribute(resource map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = resource
	for _, seg := range strings.Split(path, ".") {
		if list, ok := cur.([]interface{}); ok {
			if len(list) == 0 {
				return nil, false
			}
			cur = list[0]
		}
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			v, ok = choiceElement(m, seg)
		}
		if !ok || v == nil {
			return nil, false
		}
		cur = v
	}
	if s, ok := cur.(string); ok && s == "" {
		return nil, false
	}
	return cur, true
}

// choiceElement finds a choice-type element such as effectiveDateTime for
// name "effective". When several keys match, the lexically first wins.
func choiceElement(m map[string]interface{}, name string) (interface{}, bool) {
	var match string
	for k := range m {
		if len(k) > len(name) && strings.HasPrefix(k, name) && unicode.IsUpper(rune(k[len(name)])) {
			if match == "" || k < match {
				match = k
			}
		}
	}
	if match == "" {
		return nil, false
	}
	return m[match], true
}

// withinInterval accepts a date/dateTime string or a Period map. A Period
// must lie entirely inside the interval; an open end is checked on its
// start only.
func withinInterval(v interface{}, iv *cql.Interval) bool {
	if iv == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		ts, err := cql.ParseDateTime(t)
		return err == nil && iv.Contains(ts)
	case map[string]interface{}:
		start, hasStart := periodBound(t, "start")
		end, hasEnd := periodBound(t, "end")
		if !hasStart && !hasEnd {
			return false
		}
		if hasStart && !iv.Contains(start) {
			return false
		}
		if hasEnd && !iv.Contains(end) {
			return false
		}
		return true
	}
	return false
}

func periodBound(p map[string]interface{}, key string) (time.Time, bool) {
	s, _ := p[key].(string)
	if s == "" {
		return time.Time{}, false
	}
	ts, err := cql.ParseDateTime(s)
	return ts, err == nil
}

// matchesAny compares a code-like attribute against literal values or
// codings. Strings compare directly; Coding and CodeableConcept values
// compare by code (and system when the filter coding carries one).
func matchesAny(v interface{}, values []string, codings []fhir.Coding) bool {
	for _, c := range attributeCodings(v) {
		for _, want := range values {
			if c.Code == want {
				return true
			}
		}
		for _, want := range codings {
			if c.Code == want.Code && (want.System == "" || c.System == "" || c.System == want.System) {
				return true
			}
		}
	}
	return false
}

func attributeCodings(v interface{}) []fhir.Coding {
	switch t := v.(type) {
	case string:
		return []fhir.Coding{{Code: t}}
	case []interface{}:
		var out []fhir.Coding
		for _, e := range t {
			out = append(out, attributeCodings(e)...)
		}
		return out
	case map[string]interface{}:
		if list, ok := t["coding"].([]interface{}); ok {
			return attributeCodings(list)
		}
		code, _ := t["code"].(string)
		system, _ := t["system"].(string)
		if code != "" {
			return []fhir.Coding{{System: system, Code: code}}
		}
	}
	return nil
}

// ============================================================================
// Value comparison
// ============================================================================

func compareValue(v interface{}, f *queryfilter.ValueFilter) (bool, error) {
	switch f.Comparator {
	case "gt", "ge", "lt", "le", "eq":
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedComparator, f.Comparator)
	}

	switch {
	case f.ValueBoolean != nil:
		b, ok := v.(bool)
		if !ok {
			return false, nil
		}
		if f.Comparator != "eq" {
			return false, fmt.Errorf("%w: %q on boolean", ErrUnsupportedComparator, f.Comparator)
		}
		return b == *f.ValueBoolean, nil
	case f.ValueString != nil:
		s, ok := v.(string)
		if !ok {
			return false, nil
		}
		return ordered(strings.Compare(s, *f.ValueString), f.Comparator), nil
	case f.ValueInteger != nil:
		return compareNumber(v, float64(*f.ValueInteger), f.Comparator), nil
	case f.ValueDecimal != nil:
		return compareNumber(v, *f.ValueDecimal, f.Comparator), nil
	case f.ValueQuantity != nil:
		m, ok := v.(map[string]interface{})
		if !ok {
			return compareNumber(v, f.ValueQuantity.Value, f.Comparator), nil
		}
		if !sameUnit(m, f.ValueQuantity) {
			return false, nil
		}
		return compareNumber(m["value"], f.ValueQuantity.Value, f.Comparator), nil
	case f.ValueRatio != nil:
		m, ok := v.(map[string]interface{})
		if !ok || f.ValueRatio.Denominator.Value == 0 {
			return false, nil
		}
		num, ok1 := nested(m, "numerator")
		den, ok2 := nested(m, "denominator")
		if !ok1 || !ok2 || den == 0 {
			return false, nil
		}
		want := f.ValueRatio.Numerator.Value / f.ValueRatio.Denominator.Value
		return compareNumber(num/den, want, f.Comparator), nil
	}
	return false, nil
}

func nested(m map[string]interface{}, key string) (float64, bool) {
	q, ok := m[key].(map[string]interface{})
	if !ok {
		return 0, false
	}
	return number(q["value"])
}

func sameUnit(m map[string]interface{}, want *fhir.Quantity) bool {
	if want.Unit == "" {
		return true
	}
	for _, k := range []string{"code", "unit"} {
		if u, _ := m[k].(string); u != "" {
			return u == want.Unit
		}
	}
	return true
}

func compareNumber(v interface{}, want float64, comparator string) bool {
	got, ok := number(v)
	if !ok {
		return false
	}
	switch {
	case got < want:
		return ordered(-1, comparator)
	case got > want:
		return ordered(1, comparator)
	}
	return ordered(0, comparator)
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func ordered(cmp int, comparator string) bool {
	switch comparator {
	case "gt":
		return cmp > 0
	case "ge":
		return cmp >= 0
	case "lt":
		return cmp < 0
	case "le":
		return cmp <= 0
	}
	return cmp == 0
}
