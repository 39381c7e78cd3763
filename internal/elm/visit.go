package elm

import "sort"

// Children returns the direct expression children of expr in field order.
func Children(expr Expression) []Expression {
	var out []Expression
	add := func(es ...Expression) {
		for _, e := range es {
			if e != nil {
				out = append(out, e)
			}
		}
	}

	switch n := expr.(type) {
	case *Retrieve:
		add(n.Codes, n.DateRange)
	case *Query:
		for _, s := range n.Source {
			add(s.Expression)
		}
		for _, l := range n.Let {
			add(l.Expression)
		}
		for _, r := range n.Relationship {
			add(r.Expression, r.SuchThat)
		}
		add(n.Where)
		if n.Return != nil {
			add(n.Return.Expression)
		}
		if n.Aggregate != nil {
			add(n.Aggregate.Starting, n.Aggregate.Expression)
		}
		for _, by := range n.Sort {
			add(by.Expression)
		}
	case *FunctionRef:
		add(n.Operand...)
	case *Property:
		add(n.Source)
	case *Ratio:
		if n.Numerator != nil {
			add(n.Numerator)
		}
		if n.Denominator != nil {
			add(n.Denominator)
		}
	case *Interval:
		add(n.Low, n.High)
	case *List:
		add(n.Element...)
	case *Tuple:
		for _, e := range n.Element {
			add(e.Value)
		}
	case *Instance:
		for _, e := range n.Element {
			add(e.Value)
		}
	case *DateTime:
		add(n.Year, n.Month, n.Day, n.Hour, n.Minute, n.Second, n.Millisecond, n.TimezoneOffset)
	case *Date:
		add(n.Year, n.Month, n.Day)
	case *Operator:
		add(n.Operand...)
		add(n.Extra...)
	case *SourceOperator:
		add(n.Source)
		add(n.Extra...)
	case *Unrecognized:
		add(n.Children...)
	case *ExpressionRef, *ParameterRef, *ValueSetRef, *CodeRef, *ConceptRef,
		*AliasRef, *QueryLetRef, *Literal, *Null, *Quantity, *Code:
		// leaves
	}
	return out
}

// Walk visits expr and its descendants depth-first, pre-order. Returning
// false from fn prunes the subtree below the current node.
func Walk(expr Expression, fn func(Expression) bool) {
	if expr == nil {
		return
	}
	if !fn(expr) {
		return
	}
	for _, c := range Children(expr) {
		Walk(c, fn)
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
