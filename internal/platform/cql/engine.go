package cql

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/caregaps/internal/elm"
)

var (
	// ErrQueryScoped is returned when an expression reads data bound by an
	// enclosing query and so cannot be evaluated on its own.
	ErrQueryScoped = errors.New("cql: expression depends on query-scoped data")
	// ErrUnsupportedExpression is returned for nodes outside the supported
	// temporal subset.
	ErrUnsupportedExpression = errors.New("cql: unsupported expression")
)

// Request is a single interval-evaluation call.
type Request struct {
	Library    *elm.Library
	Libraries  *elm.LibrarySet
	Expression elm.Expression
	Parameters Parameters
	Patient    map[string]interface{}
}

// Evaluator executes an interval-valued ELM sub-expression. Implementations
// must not hand-interpret query semantics; they run the expression as a CQL
// engine would.
type Evaluator interface {
	EvaluateInterval(ctx context.Context, req Request) (*Interval, error)
}

// ============================================================================
// Engine
// ============================================================================

// Engine evaluates the temporal subset of ELM that interval construction
// uses: DateTime/Date constructors, Interval, parameter and statement
// references, Start/End, calendar arithmetic, Now/Today, conversion
// functions and Patient.birthDate.
type Engine struct {
	// Now is the evaluation clock. Defaults to time.Now.
	Now func() time.Time
}

// NewEngine creates a local interval engine.
func NewEngine() *Engine {
	return &Engine{Now: time.Now}
}

// Quantity is an evaluated quantity value.
type Quantity struct {
	Value float64
	Unit  string
}

// EvaluateInterval implements Evaluator.
func (e *Engine) EvaluateInterval(ctx context.Context, req Request) (*Interval, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Expression == nil {
		return nil, fmt.Errorf("cql: nil expression")
	}
	if elm.IsQueryScoped(req.Expression) {
		return nil, ErrQueryScoped
	}
	ev := &evaluation{engine: e, req: req, lib: req.Library}
	val, err := ev.eval(req.Expression)
	if err != nil {
		return nil, err
	}
	iv, ok := val.(*Interval)
	if !ok {
		return nil, fmt.Errorf("cql: expression %s evaluated to %T, not an interval", req.Expression.Type(), val)
	}
	return iv, nil
}

type evaluation struct {
	engine *Engine
	req    Request
	lib    *elm.Library
	depth  int
}

const maxDepth = 64

func (ev *evaluation) eval(expr elm.Expression) (interface{}, error) {
	if expr == nil {
		return nil, nil
	}
	ev.depth++
	defer func() { ev.depth-- }()
	if ev.depth > maxDepth {
		return nil, fmt.Errorf("cql: expression nesting exceeds %d", maxDepth)
	}

	switch n := expr.(type) {
	case *elm.Literal:
		return literal(n)
	case *elm.Null:
		return nil, nil
	case *elm.Quantity:
		return Quantity{Value: n.Value, Unit: n.Unit}, nil
	case *elm.Interval:
		return ev.interval(n)
	case *elm.DateTime:
		return ev.dateTime(n.Year, n.Month, n.Day, n.Hour, n.Minute, n.Second, n.Millisecond, n.TimezoneOffset)
	case *elm.Date:
		return ev.dateTime(n.Year, n.Month, n.Day, nil, nil, nil, nil, nil)
	case *elm.ParameterRef:
		return ev.parameter(n)
	case *elm.ExpressionRef:
		return ev.expressionRef(n)
	case *elm.FunctionRef:
		// Conversion helpers (FHIRHelpers.ToDateTime, ToDate, ...) pass their
		// single argument through.
		if len(n.Operand) == 1 {
			return ev.eval(n.Operand[0])
		}
		return nil, fmt.Errorf("%w: function %s", ErrUnsupportedExpression, n.Name)
	case *elm.Property:
		return ev.property(n)
	case *elm.Operator:
		return ev.operator(n)
	case *elm.Unrecognized:
		switch n.Kind {
		case "Now":
			return ev.engine.now().UTC(), nil
		case "Today":
			y, m, d := ev.engine.now().UTC().Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedExpression, expr.Type())
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func literal(n *elm.Literal) (interface{}, error) {
	switch n.ValueType {
	case "Integer":
		return strconv.ParseInt(n.Value, 10, 64)
	case "Decimal":
		return strconv.ParseFloat(n.Value, 64)
	case "Boolean":
		return n.Value == "true", nil
	case "DateTime", "Date":
		return ParseDateTime(strings.TrimPrefix(n.Value, "@"))
	default:
		return n.Value, nil
	}
}

func (ev *evaluation) interval(n *elm.Interval) (interface{}, error) {
	low, err := ev.eval(n.Low)
	if err != nil {
		return nil, err
	}
	high, err := ev.eval(n.High)
	if err != nil {
		return nil, err
	}
	iv := &Interval{LowClosed: n.LowClosed, HighClosed: n.HighClosed}
	if low != nil {
		t, err := asTime(low)
		if err != nil {
			return nil, fmt.Errorf("cql: interval low: %w", err)
		}
		iv.Low = &t
	}
	if high != nil {
		t, err := asTime(high)
		if err != nil {
			return nil, fmt.Errorf("cql: interval high: %w", err)
		}
		iv.High = &t
	}
	return iv, nil
}

func (ev *evaluation) dateTime(parts ...elm.Expression) (interface{}, error) {
	vals := make([]int, 7)
	defaults := []int{0, 1, 1, 0, 0, 0, 0}
	for i := 0; i < 7; i++ {
		if parts[i] == nil {
			vals[i] = defaults[i]
			continue
		}
		v, err := ev.eval(parts[i])
		if err != nil {
			return nil, err
		}
		iv, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("cql: date component %d is %T", i, v)
		}
		vals[i] = int(iv)
	}
	loc := time.UTC
	if parts[7] != nil {
		v, err := ev.eval(parts[7])
		if err != nil {
			return nil, err
		}
		var hours float64
		switch off := v.(type) {
		case float64:
			hours = off
		case int64:
			hours = float64(off)
		}
		loc = time.FixedZone("", int(hours*3600))
	}
	t := time.Date(vals[0], time.Month(vals[1]), vals[2], vals[3], vals[4], vals[5], vals[6]*int(time.Millisecond), loc)
	return t.UTC(), nil
}

func (ev *evaluation) parameter(n *elm.ParameterRef) (interface{}, error) {
	if v, ok := ev.req.Parameters[n.Name]; ok {
		return v, nil
	}
	lib := ev.lib
	if n.LibraryName != "" {
		ref, ok := elm.FindLibraryReference(ev.lib, ev.req.Libraries, n.LibraryName)
		if !ok {
			return nil, fmt.Errorf("cql: unknown library %q", n.LibraryName)
		}
		lib = ref
	}
	if lib != nil {
		for _, p := range lib.Parameters {
			if p.Name == n.Name && p.Default != nil {
				return ev.within(lib, p.Default)
			}
		}
	}
	return nil, fmt.Errorf("cql: parameter %q is not bound", n.Name)
}

func (ev *evaluation) expressionRef(n *elm.ExpressionRef) (interface{}, error) {
	if n.Name == "Patient" && n.LibraryName == "" {
		if ev.req.Patient == nil {
			return nil, fmt.Errorf("cql: no patient in context")
		}
		return ev.req.Patient, nil
	}
	lib, st, ok := elm.ResolveStatement(ev.lib, ev.req.Libraries, n.Name, n.LibraryName)
	if !ok {
		return nil, fmt.Errorf("cql: unresolved statement %q", n.Name)
	}
	if elm.IsQueryScoped(st.Expression) {
		return nil, ErrQueryScoped
	}
	return ev.within(lib, st.Expression)
}

// within evaluates expr with lib as the current library.
func (ev *evaluation) within(lib *elm.Library, expr elm.Expression) (interface{}, error) {
	prev := ev.lib
	ev.lib = lib
	defer func() { ev.lib = prev }()
	return ev.eval(expr)
}

func (ev *evaluation) property(n *elm.Property) (interface{}, error) {
	src, err := ev.eval(n.Source)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("cql: property %q has no source", n.Path)
	}
	v := src
	for _, seg := range strings.Split(n.Path, ".") {
		m, ok := v.(map[string]interface{})
		if !ok {
			// FHIR primitives expose their own value as .value
			if seg == "value" {
				continue
			}
			return nil, fmt.Errorf("cql: property %q on %T", n.Path, v)
		}
		if v, ok = m[seg]; !ok {
			return nil, nil
		}
	}
	if s, isStr := v.(string); isStr {
		if t, err := ParseDateTime(s); err == nil {
			return t, nil
		}
	}
	return v, nil
}

func (ev *evaluation) operator(n *elm.Operator) (interface{}, error) {
	args := make([]interface{}, len(n.Operand))
	for i, op := range n.Operand {
		v, err := ev.eval(op)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch n.Kind {
	case "ToDateTime", "ToDate", "As", "SingletonFrom":
		if len(args) == 1 {
			return args[0], nil
		}
	case "Start", "End":
		if len(args) != 1 {
			break
		}
		iv, ok := args[0].(*Interval)
		if !ok {
			return nil, fmt.Errorf("cql: %s of %T", n.Kind, args[0])
		}
		bound := iv.Low
		if n.Kind == "End" {
			bound = iv.High
		}
		if bound == nil {
			return nil, nil
		}
		return *bound, nil
	case "Add", "Subtract":
		if len(args) != 2 {
			break
		}
		t, err := asTime(args[0])
		if err != nil {
			return nil, err
		}
		q, ok := args[1].(Quantity)
		if !ok {
			return nil, fmt.Errorf("cql: %s expects a quantity, got %T", n.Kind, args[1])
		}
		sign := 1
		if n.Kind == "Subtract" {
			sign = -1
		}
		return addQuantity(t, q, sign)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedExpression, n.Kind)
}

func asTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return ParseDateTime(t)
	}
	return time.Time{}, fmt.Errorf("cql: %T is not a date", v)
}

// calendarUnits maps CQL calendar keywords and UCUM time units to the
// duration they add. Years, months, weeks and days are calendar arithmetic
// and take whole values only.
var calendarUnits = map[string]string{
	"year": "year", "years": "year", "a": "year",
	"month": "month", "months": "month", "mo": "month",
	"week": "week", "weeks": "week", "wk": "week",
	"day": "day", "days": "day", "d": "day",
	"hour": "hour", "hours": "hour", "h": "hour",
	"minute": "minute", "minutes": "minute", "min": "minute",
	"second": "second", "seconds": "second", "s": "second",
	"millisecond": "millisecond", "milliseconds": "millisecond", "ms": "millisecond",
}

var fixedDurations = map[string]time.Duration{
	"hour":        time.Hour,
	"minute":      time.Minute,
	"second":      time.Second,
	"millisecond": time.Millisecond,
}

func addQuantity(t time.Time, q Quantity, sign int) (time.Time, error) {
	unit, ok := calendarUnits[strings.Trim(q.Unit, "'")]
	if !ok {
		return time.Time{}, fmt.Errorf("cql: unsupported calendar unit %q", q.Unit)
	}
	if d, ok := fixedDurations[unit]; ok {
		return t.Add(time.Duration(math.Round(q.Value*float64(d))) * time.Duration(sign)), nil
	}

	if q.Value != math.Trunc(q.Value) {
		return time.Time{}, fmt.Errorf("cql: %s quantity must be a whole number, got %v", unit, q.Value)
	}
	n := int(q.Value) * sign
	switch unit {
	case "year":
		return t.AddDate(n, 0, 0), nil
	case "month":
		return t.AddDate(0, n, 0), nil
	case "week":
		return t.AddDate(0, 0, 7*n), nil
	}
	return t.AddDate(0, 0, n), nil
}
