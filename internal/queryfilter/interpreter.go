package queryfilter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/caregaps/internal/elm"
	"github.com/ehr/caregaps/internal/platform/cql"
	"github.com/ehr/caregaps/internal/platform/fhir"
)

var (
	// ErrQueryNotFound is returned when a query localId does not resolve.
	ErrQueryNotFound = errors.New("queryfilter: query not found")
	// ErrNotAQuery is returned when a localId resolves to a non-Query node.
	ErrNotAQuery = errors.New("queryfilter: node is not a query")
)

// Interpreter turns Query nodes into QueryInfo. It is safe for concurrent
// use as long as Evaluator is.
type Interpreter struct {
	Libraries  *elm.LibrarySet
	Parameters cql.Parameters
	// Patient is the FHIR Patient resource, used for birthDate-anchored
	// rewrites and handed to the Evaluator.
	Patient   map[string]interface{}
	Evaluator cql.Evaluator
}

// ClauseRef identifies a clause by library and localId. A localId is only
// unique inside its own library.
type ClauseRef struct {
	LibraryName string
	LocalID     string
}

// ParseQueryInfo interprets the query identified by queryLocalID in lib.
// When valueComparison is set, that clause is interpreted as well and ANDed
// into the filter. An empty valueComparison.LibraryName means lib. Soft
// problems are returned as diagnostics next to a best-effort result.
func (in *Interpreter) ParseQueryInfo(ctx context.Context, lib *elm.Library, queryLocalID string, valueComparison ClauseRef) (*QueryInfo, []elm.GracefulError, error) {
	node, ok := elm.FindClauseInLibrary(lib, queryLocalID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s in %s", ErrQueryNotFound, queryLocalID, libraryID(lib))
	}
	query, ok := node.(*elm.Query)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s in %s is %s", ErrNotAQuery, queryLocalID, libraryID(lib), node.Type())
	}

	p := &parser{in: in, ctx: ctx, lib: lib}
	info := p.query(query)

	if valueComparison.LocalID != "" {
		if clause, clauseLib, ok := in.findClause(lib, valueComparison); ok {
			ext := &parser{in: in, ctx: ctx, lib: clauseLib}
			info.Filter = And("", info.Filter, ext.interpret(clause))
			info.FromExternalClause = true
			p.errs = append(p.errs, ext.errs...)
		} else {
			p.warn(valueComparison.LocalID, "value comparison clause %s not found in library %s",
				valueComparison.LocalID, valueComparison.libraryOr(lib))
		}
	}

	p.mergeNested(query, info)
	return info, p.errs, nil
}

func (r ClauseRef) libraryOr(lib *elm.Library) string {
	if r.LibraryName == "" {
		return libraryID(lib)
	}
	return r.LibraryName
}

// findClause looks only in the library named by ref.
func (in *Interpreter) findClause(lib *elm.Library, ref ClauseRef) (elm.Expression, *elm.Library, bool) {
	target := lib
	if name := ref.libraryOr(lib); lib == nil || name != lib.ID {
		other, ok := in.Libraries.Get(name)
		if !ok {
			return nil, nil, false
		}
		target = other
	}
	node, ok := elm.FindClauseInLibrary(target, ref.LocalID)
	if !ok {
		return nil, nil, false
	}
	return node, target, true
}

func libraryID(lib *elm.Library) string {
	if lib == nil {
		return "<nil>"
	}
	return lib.ID
}

// ============================================================================
// parser
// ============================================================================

type parser struct {
	in   *Interpreter
	ctx  context.Context
	lib  *elm.Library
	errs []elm.GracefulError
}

func (p *parser) warn(localID, format string, args ...interface{}) elm.GracefulError {
	ge := elm.Graceful(localID, format, args...)
	p.errs = append(p.errs, ge)
	return ge
}

func (p *parser) query(q *elm.Query) *QueryInfo {
	info := &QueryInfo{LocalID: q.LocalID(), LibraryName: p.lib.ID}
	for _, src := range q.Source {
		info.Sources = append(info.Sources, p.sourceInfo(src.Alias, src.Expression))
	}
	for _, rel := range q.Relationship {
		info.Sources = append(info.Sources, p.sourceInfo(rel.Alias, rel.Expression))
	}
	info.Filter = p.interpret(q.Where)
	return info
}

func (p *parser) sourceInfo(alias string, expr elm.Expression) SourceInfo {
	si := SourceInfo{Alias: alias}
	if r, ok := expr.(*elm.Retrieve); ok {
		si.ResourceType = r.ResourceType()
		si.RetrieveLocalID = r.LocalID()
		si.RetrieveLibraryName = p.lib.ID
		return si
	}
	if expr != nil {
		si.ResourceType = expr.ResultType()
	}
	return si
}

// mergeNested splices an inner query into info when the query's sole source
// references another Query.
func (p *parser) mergeNested(q *elm.Query, info *QueryInfo) {
	if len(q.Source) != 1 {
		return
	}
	var name, libName string
	switch ref := q.Source[0].Expression.(type) {
	case *elm.ExpressionRef:
		name, libName = ref.Name, ref.LibraryName
	case *elm.FunctionRef:
		name, libName = ref.Name, ref.LibraryName
	default:
		return
	}
	refID := q.Source[0].Expression.LocalID()

	innerLib, st, ok := elm.ResolveStatement(p.lib, p.in.Libraries, name, libName)
	if !ok {
		p.warn(refID, "unable to resolve query source %q", name)
		return
	}
	innerQuery, ok := st.Expression.(*elm.Query)
	if !ok {
		if r, isRetrieve := st.Expression.(*elm.Retrieve); isRetrieve {
			info.Sources[0] = SourceInfo{
				Alias:               q.Source[0].Alias,
				ResourceType:        r.ResourceType(),
				RetrieveLocalID:     r.LocalID(),
				RetrieveLibraryName: innerLib.ID,
			}
		}
		kind := "nothing"
		if st.Expression != nil {
			kind = st.Expression.Type()
		}
		p.warn(refID, "query source %q is %s, not a query", name, kind)
		return
	}

	inner := &parser{in: p.in, ctx: p.ctx, lib: innerLib}
	innerInfo := inner.query(innerQuery)
	inner.mergeNested(innerQuery, innerInfo)
	p.errs = append(p.errs, inner.errs...)
	if len(innerInfo.Sources) == 0 {
		return
	}

	outerAlias := q.Source[0].Alias
	innerAlias := innerInfo.Sources[0].Alias
	info.Sources[0] = innerInfo.Sources[0]

	children := FlattenFilters(innerInfo.Filter)
	for _, f := range FlattenFilters(info.Filter) {
		children = append(children, RewriteAlias(f, outerAlias, innerAlias))
	}
	info.Filter = And("", children...)
}

// ============================================================================
// Clause dispatch
// ============================================================================

var comparators = map[string]string{
	"Greater":        "gt",
	"GreaterOrEqual": "ge",
	"Less":           "lt",
	"LessOrEqual":    "le",
	"Equal":          "eq",
	"Equivalent":     "eq",
}

// inverse flips a comparator when its operands are swapped.
var inverse = map[string]string{"gt": "lt", "ge": "le", "lt": "gt", "le": "ge", "eq": "eq"}

func (p *parser) interpret(expr elm.Expression) Filter {
	if expr == nil {
		return &TruthFilter{}
	}
	switch n := expr.(type) {
	case *elm.Operator:
		switch n.Kind {
		case "And":
			return And(n.LocalID(), p.each(n.Operand)...)
		case "Or":
			return Or(n.LocalID(), p.each(n.Operand)...)
		case "Equal", "Equivalent":
			return p.equal(n)
		case "In":
			return p.membership(n)
		case "IncludedIn":
			return p.includedIn(n)
		case "Not":
			return p.not(n)
		case "IsNull":
			return p.isNull(n)
		case "Greater", "GreaterOrEqual", "Less", "LessOrEqual":
			return p.compare(n)
		}
	case *elm.Literal:
		if n.ValueType == "Boolean" && n.Value == "true" {
			return &TruthFilter{}
		}
	case *elm.Unrecognized:
		if n.Kind == "InValueSet" || n.Kind == "AnyInValueSet" {
			return p.inValueSet(n)
		}
	}
	return p.unknown(expr, "unsupported clause type %s", expr.Type())
}

func (p *parser) each(ops []elm.Expression) []Filter {
	out := make([]Filter, 0, len(ops))
	for _, op := range ops {
		out = append(out, p.interpret(op))
	}
	return out
}

// unknown records a diagnostic and guesses the target from the first
// property access under expr.
func (p *parser) unknown(expr elm.Expression, format string, args ...interface{}) Filter {
	f := &UnknownFilter{Diagnostic: p.warn(expr.LocalID(), format, args...)}
	f.LocalID, f.LibraryName = expr.LocalID(), p.lib.ID
	elm.Walk(expr, func(e elm.Expression) bool {
		if f.Alias != "" {
			return false
		}
		switch n := e.(type) {
		case *elm.Property:
			if alias, attr, ok := p.propertyTarget(n); ok {
				f.Alias, f.Attribute = alias, attr
				return false
			}
		case *elm.AliasRef:
			f.Alias = n.Name
			return false
		}
		return true
	})
	return f
}

func (p *parser) target(expr elm.Expression, localID string) (Target, bool) {
	alias, attr, ok := p.propertyTarget(expr)
	if !ok {
		return Target{}, false
	}
	return Target{Alias: alias, Attribute: attr, LocalID: localID, LibraryName: p.lib.ID}, true
}

// binary returns the property side first and the other side second,
// reporting whether the operands were swapped.
func (p *parser) binary(n *elm.Operator) (Target, elm.Expression, bool, bool) {
	if len(n.Operand) != 2 {
		return Target{}, nil, false, false
	}
	if t, ok := p.target(n.Operand[0], n.LocalID()); ok {
		return t, unwrap(n.Operand[1]), false, true
	}
	if t, ok := p.target(n.Operand[1], n.LocalID()); ok {
		return t, unwrap(n.Operand[0]), true, true
	}
	return Target{}, nil, false, false
}

func (p *parser) equal(n *elm.Operator) Filter {
	t, other, _, ok := p.binary(n)
	if !ok {
		return p.unknown(n, "%s without a property operand", n.Kind)
	}
	switch v := other.(type) {
	case *elm.Literal:
		return &EqualsFilter{Target: t, Value: v.Value}
	case *elm.ConceptRef:
		codes, found := elm.FindConceptReference(p.lib, p.in.Libraries, v)
		if !found {
			return p.unknown(n, "unable to resolve concept %q", v.Name)
		}
		return &InFilter{Target: t, ValueCodingList: codings(codes...)}
	case *elm.CodeRef:
		if rc, found := elm.FindCodeReference(p.lib, p.in.Libraries, v); found {
			return &InFilter{Target: t, ValueCodingList: codings(*rc)}
		}
		return p.unknown(n, "unable to resolve code %q", v.Name)
	case *elm.Quantity:
		return &ValueFilter{Target: t, Comparator: "eq", ValueQuantity: quantity(v)}
	}
	return p.unknown(n, "unsupported %s operand %s", n.Kind, other.Type())
}

func (p *parser) membership(n *elm.Operator) Filter {
	if len(n.Operand) != 2 {
		return p.unknown(n, "In expects two operands")
	}
	t, ok := p.target(n.Operand[0], n.LocalID())
	if !ok {
		return p.unknown(n, "In without a property operand")
	}
	switch v := unwrap(n.Operand[1]).(type) {
	case *elm.List:
		f := &InFilter{Target: t}
		for _, el := range v.Element {
			switch e := unwrap(el).(type) {
			case *elm.Literal:
				f.ValueList = append(f.ValueList, e.Value)
			case *elm.CodeRef:
				if rc, found := elm.FindCodeReference(p.lib, p.in.Libraries, e); found {
					f.ValueCodingList = append(f.ValueCodingList, codings(*rc)...)
				}
			default:
				return p.unknown(n, "unsupported list element %s", el.Type())
			}
		}
		return f
	case *elm.ValueSetRef:
		if vs, found := elm.FindValueSetReference(p.lib, p.in.Libraries, v); found {
			return &InFilter{Target: t, ValueSet: vs.ID}
		}
		return p.unknown(n, "unable to resolve value set %q", v.Name)
	}
	return p.during(n, t, n.Operand[1])
}

func (p *parser) inValueSet(n *elm.Unrecognized) Filter {
	code, _ := n.Raw["code"].(map[string]interface{})
	t, ok := p.target(elm.ParseExpression(code), n.LocalID())
	if !ok {
		return p.unknown(n, "%s without a property operand", n.Kind)
	}
	vsMap, _ := n.Raw["valueset"].(map[string]interface{})
	if vsMap == nil {
		vsMap, _ = n.Raw["valuesetExpression"].(map[string]interface{})
	}
	if vsMap == nil {
		return p.unknown(n, "%s without a value set", n.Kind)
	}
	name, _ := vsMap["name"].(string)
	libName, _ := vsMap["libraryName"].(string)
	if vs, found := elm.FindValueSetReference(p.lib, p.in.Libraries, &elm.ValueSetRef{Name: name, LibraryName: libName}); found {
		return &InFilter{Target: t, ValueSet: vs.ID}
	}
	return p.unknown(n, "unable to resolve value set %q", name)
}

func (p *parser) includedIn(n *elm.Operator) Filter {
	if len(n.Operand) != 2 {
		return p.unknown(n, "IncludedIn expects two operands")
	}
	t, ok := p.target(n.Operand[0], n.LocalID())
	if !ok {
		return p.unknown(n, "IncludedIn without a property operand")
	}
	return p.during(n, t, n.Operand[1])
}

// during resolves the interval side of a temporal membership clause. The
// bound Measurement Period is used directly; any other expression is
// executed through the evaluator.
func (p *parser) during(n elm.Expression, t Target, intervalExpr elm.Expression) Filter {
	if ref, ok := intervalExpr.(*elm.ParameterRef); ok && ref.Name == cql.MeasurementPeriod {
		if mp, bound := p.in.Parameters.MeasurementPeriod(); bound {
			return duringFilter(t, mp)
		}
	}
	if elm.IsQueryScoped(intervalExpr) {
		return p.unknown(n, "interval depends on query-scoped data")
	}
	if p.in.Evaluator == nil {
		return p.unknown(n, "no evaluator available for interval expression %s", intervalExpr.Type())
	}
	iv, err := p.in.Evaluator.EvaluateInterval(p.ctx, cql.Request{
		Library:    p.lib,
		Libraries:  p.in.Libraries,
		Expression: intervalExpr,
		Parameters: p.in.Parameters,
		Patient:    p.in.Patient,
	})
	if err != nil {
		return p.unknown(n, "unable to evaluate interval: %v", err)
	}
	return duringFilter(t, iv)
}

func duringFilter(t Target, iv *cql.Interval) *DuringFilter {
	return &DuringFilter{
		Target:      t,
		ValuePeriod: fhir.Period{Start: iv.Start(), End: iv.End()},
		Interval:    iv,
	}
}

func (p *parser) not(n *elm.Operator) Filter {
	if len(n.Operand) != 1 {
		return p.unknown(n, "Not expects one operand")
	}
	isNull, ok := n.Operand[0].(*elm.Operator)
	if !ok || isNull.Kind != "IsNull" || len(isNull.Operand) != 1 {
		return p.unknown(n, "unsupported negation of %s", n.Operand[0].Type())
	}
	if isMeasurementPeriodBound(isNull.Operand[0]) {
		return &TruthFilter{}
	}
	t, ok := p.target(isNull.Operand[0], n.LocalID())
	if !ok {
		return p.unknown(n, "not null check without a property operand")
	}
	return &NotNullFilter{Target: t}
}

// isMeasurementPeriodBound matches Start/End of the Measurement Period.
func isMeasurementPeriodBound(expr elm.Expression) bool {
	op, ok := unwrap(expr).(*elm.Operator)
	if !ok || (op.Kind != "Start" && op.Kind != "End") || len(op.Operand) != 1 {
		return false
	}
	ref, ok := op.Operand[0].(*elm.ParameterRef)
	return ok && ref.Name == cql.MeasurementPeriod
}

func (p *parser) isNull(n *elm.Operator) Filter {
	if len(n.Operand) != 1 {
		return p.unknown(n, "IsNull expects one operand")
	}
	t, ok := p.target(n.Operand[0], n.LocalID())
	if !ok {
		return p.unknown(n, "null check without a property operand")
	}
	return &IsNullFilter{Target: t}
}

func (p *parser) compare(n *elm.Operator) Filter {
	if n.Kind == "GreaterOrEqual" && len(n.Operand) == 2 {
		if f, ok := p.ageAtLeast(n); ok {
			return f
		}
	}
	t, other, swapped, ok := p.binary(n)
	if !ok {
		return p.unknown(n, "%s without a property operand", n.Kind)
	}
	comp := comparators[n.Kind]
	if swapped {
		comp = inverse[comp]
	}
	f := &ValueFilter{Target: t, Comparator: comp}
	switch v := other.(type) {
	case *elm.Literal:
		switch v.ValueType {
		case "Integer":
			i, err := strconv.ParseInt(v.Value, 10, 64)
			if err != nil {
				return p.unknown(n, "bad integer literal %q", v.Value)
			}
			f.ValueInteger = &i
		case "Decimal":
			d, err := strconv.ParseFloat(v.Value, 64)
			if err != nil {
				return p.unknown(n, "bad decimal literal %q", v.Value)
			}
			f.ValueDecimal = &d
		case "Boolean":
			b := v.Value == "true"
			f.ValueBoolean = &b
		default:
			s := v.Value
			f.ValueString = &s
		}
	case *elm.Quantity:
		f.ValueQuantity = quantity(v)
	case *elm.Ratio:
		if v.Numerator == nil || v.Denominator == nil {
			return p.unknown(n, "incomplete ratio")
		}
		f.ValueRatio = &Ratio{Numerator: *quantity(v.Numerator), Denominator: *quantity(v.Denominator)}
	default:
		return p.unknown(n, "unsupported %s operand %s", n.Kind, other.Type())
	}
	return f
}

// ageAtLeast rewrites `AgeInYearsAt(birthDate, attr) >= N` into attr during
// [birthDate + N years, ).
func (p *parser) ageAtLeast(n *elm.Operator) (Filter, bool) {
	var args []elm.Expression
	switch age := n.Operand[0].(type) {
	case *elm.FunctionRef:
		if age.Name != "CalendarAgeInYearsAt" {
			return nil, false
		}
		args = age.Operand
	case *elm.Operator:
		if age.Kind != "CalculateAgeAt" || age.Precision != "Year" {
			return nil, false
		}
		args = age.Operand
	default:
		return nil, false
	}
	if len(args) != 2 {
		return nil, false
	}
	years, ok := integerValue(n.Operand[1])
	if !ok {
		return nil, false
	}
	t, ok := p.target(args[1], n.LocalID())
	if !ok {
		return nil, false
	}
	birth, ok := p.birthDate()
	if !ok {
		return p.unknown(n, "age comparison needs the patient's birthDate"), true
	}
	low := birth.AddDate(int(years), 0, 0)
	return duringFilter(t, &cql.Interval{Low: &low, LowClosed: true}), true
}

func (p *parser) birthDate() (time.Time, bool) {
	s, ok := p.in.Patient["birthDate"].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := cql.ParseDateTime(s)
	return t, err == nil
}

// ============================================================================
// Helpers
// ============================================================================

// unwrap strips conversion wrappers: single-argument function calls
// (FHIRHelpers.ToString and friends), As and To* operators.
func unwrap(expr elm.Expression) elm.Expression {
	for {
		switch n := expr.(type) {
		case *elm.FunctionRef:
			if len(n.Operand) != 1 {
				return expr
			}
			expr = n.Operand[0]
		case *elm.Operator:
			if len(n.Operand) != 1 || (n.Kind != "As" && !strings.HasPrefix(n.Kind, "To")) || n.Kind == "ToList" {
				return expr
			}
			expr = n.Operand[0]
		default:
			return expr
		}
	}
}

// propertyTarget resolves a (possibly wrapped, possibly nested) property
// access to its query alias and dotted attribute path. The property source
// may be a reference to a statement that selects one element of a query.
func (p *parser) propertyTarget(expr elm.Expression) (string, string, bool) {
	prop, ok := unwrap(expr).(*elm.Property)
	if !ok {
		return "", "", false
	}
	if prop.Scope != "" {
		return prop.Scope, prop.Path, true
	}
	switch src := unwrap(prop.Source).(type) {
	case *elm.AliasRef:
		return src.Name, prop.Path, true
	case *elm.Property:
		alias, attr, ok := p.propertyTarget(src)
		if !ok {
			return "", "", false
		}
		return alias, attr + "." + prop.Path, true
	case *elm.ExpressionRef:
		if _, st, ok := elm.ResolveStatement(p.lib, p.in.Libraries, src.Name, src.LibraryName); ok {
			if alias, ok := singletonAlias(unwrap(st.Expression)); ok {
				return alias, prop.Path, true
			}
		}
	default:
		if alias, ok := singletonAlias(src); ok {
			return alias, prop.Path, true
		}
	}
	return "", "", false
}

// singletonAlias returns the source alias of a query wrapped in First, Last
// or SingletonFrom.
func singletonAlias(expr elm.Expression) (string, bool) {
	switch n := expr.(type) {
	case *elm.SourceOperator:
		if n.Kind == "First" || n.Kind == "Last" {
			return firstAlias(n.Source)
		}
	case *elm.Operator:
		if (n.Kind == "SingletonFrom" || n.Kind == "First" || n.Kind == "Last") && len(n.Operand) == 1 {
			return firstAlias(n.Operand[0])
		}
	}
	return "", false
}

func firstAlias(expr elm.Expression) (string, bool) {
	q, ok := expr.(*elm.Query)
	if !ok || len(q.Source) == 0 {
		return "", false
	}
	return q.Source[0].Alias, true
}

func codings(codes ...elm.ResolvedCode) []fhir.Coding {
	out := make([]fhir.Coding, 0, len(codes))
	for _, c := range codes {
		out = append(out, fhir.Coding{System: c.System, Code: c.Code, Display: c.Display})
	}
	return out
}

func quantity(q *elm.Quantity) *fhir.Quantity {
	return &fhir.Quantity{Value: q.Value, Unit: q.Unit}
}

func integerValue(expr elm.Expression) (int64, bool) {
	switch v := unwrap(expr).(type) {
	case *elm.Literal:
		i, err := strconv.ParseInt(v.Value, 10, 64)
		return i, err == nil
	case *elm.Quantity:
		return int64(v.Value), true
	}
	return 0, false
}
