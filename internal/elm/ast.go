package elm

import "strings"

// ============================================================================
// Expression nodes
// ============================================================================

// Expression is a single ELM expression node. Every node carries its type
// tag (the ELM "type" discriminator) and an optional localId that is unique
// within the owning library.
type Expression interface {
	Type() string
	LocalID() string
	// ResultType is the element type name declared by the compiler for the
	// node (resultTypeSpecifier or resultTypeName) with the model namespace
	// stripped. Empty when the compiler emitted none.
	ResultType() string
}

// Base holds the fields shared by every expression node.
type Base struct {
	Kind       string
	ID         string
	resultType string
}

func (b *Base) Type() string       { return b.Kind }
func (b *Base) LocalID() string    { return b.ID }
func (b *Base) ResultType() string { return b.resultType }

// Retrieve fetches resources of DataType, optionally filtered by Codes.
type Retrieve struct {
	Base
	DataType     string
	TemplateID   string
	CodeProperty string
	Codes        Expression
	DateProperty string
	DateRange    Expression
}

// ResourceType returns the data type with its model namespace stripped,
// e.g. "{http://hl7.org/fhir}Condition" -> "Condition".
func (r *Retrieve) ResourceType() string {
	return StripNamespace(r.DataType)
}

// AliasedSource is one entry in a query's source list.
type AliasedSource struct {
	Alias      string
	Expression Expression
}

// LetClause binds an identifier inside a query.
type LetClause struct {
	Identifier string
	Expression Expression
}

// Relationship is a with/without clause of a query.
type Relationship struct {
	Kind       string // With | Without
	ID         string
	Alias      string
	Expression Expression
	SuchThat   Expression
}

// ReturnClause is the optional return projection of a query.
type ReturnClause struct {
	ID         string
	Distinct   bool
	Expression Expression
}

// SortByItem is one entry of a query's sort clause. Expression is nil for
// ByDirection and ByColumn items.
type SortByItem struct {
	Direction  string
	Path       string
	Expression Expression
}

// AggregateClause is the aggregate projection of a query.
type AggregateClause struct {
	ID         string
	Identifier string
	Distinct   bool
	Starting   Expression
	Expression Expression
}

// Query is source + let + relationship + where + return/aggregate + sort.
type Query struct {
	Base
	Source       []AliasedSource
	Let          []LetClause
	Relationship []Relationship
	Where        Expression
	Return       *ReturnClause
	Aggregate    *AggregateClause
	Sort         []SortByItem
}

// ExpressionRef references a named statement, possibly in an included library.
type ExpressionRef struct {
	Base
	Name        string
	LibraryName string
}

// FunctionRef invokes a named function, possibly in an included library.
type FunctionRef struct {
	Base
	Name        string
	LibraryName string
	Operand     []Expression
}

// ParameterRef references a library parameter.
type ParameterRef struct {
	Base
	Name        string
	LibraryName string
}

// ValueSetRef references a value set definition.
type ValueSetRef struct {
	Base
	Name        string
	LibraryName string
}

// CodeRef references a code definition.
type CodeRef struct {
	Base
	Name        string
	LibraryName string
}

// ConceptRef references a concept definition.
type ConceptRef struct {
	Base
	Name        string
	LibraryName string
}

// Property accesses Path on either a scoped alias (Scope) or Source.
type Property struct {
	Base
	Path   string
	Scope  string
	Source Expression
}

// AliasRef references a query source alias.
type AliasRef struct {
	Base
	Name string
}

// QueryLetRef references a let-bound identifier.
type QueryLetRef struct {
	Base
	Name string
}

// Literal is a scalar literal. ValueType is the ELM type name without
// namespace, e.g. "String", "Integer", "Decimal", "Boolean".
type Literal struct {
	Base
	ValueType string
	Value     string
}

// Null is the null literal.
type Null struct {
	Base
}

// Quantity is a numeric value with a UCUM or calendar unit.
type Quantity struct {
	Base
	Value float64
	Unit  string
}

// Ratio is numerator:denominator.
type Ratio struct {
	Base
	Numerator   *Quantity
	Denominator *Quantity
}

// Interval constructs an interval from Low and High.
type Interval struct {
	Base
	Low        Expression
	High       Expression
	LowClosed  bool
	HighClosed bool
}

// List constructs a list from Element.
type List struct {
	Base
	Element []Expression
}

// TupleElement is a named element of a Tuple or Instance.
type TupleElement struct {
	Name  string
	Value Expression
}

// Tuple constructs an anonymous tuple.
type Tuple struct {
	Base
	Element []TupleElement
}

// Instance constructs a typed instance (e.g. a FHIR Coding).
type Instance struct {
	Base
	ClassType string
	Element   []TupleElement
}

// Code is an inline code literal.
type Code struct {
	Base
	Code       string
	Display    string
	SystemName string
}

// DateTime constructs a DateTime from components. Nil components are absent.
type DateTime struct {
	Base
	Year, Month, Day, Hour, Minute, Second, Millisecond Expression
	TimezoneOffset                                      Expression
}

// Date constructs a Date from components.
type Date struct {
	Base
	Year, Month, Day Expression
}

// Operator is any node whose children are an operand list: the boolean
// combinators, comparisons, arithmetic, membership, null tests, conversions
// and similar. Unary operators have a single-element Operand.
type Operator struct {
	Base
	Operand   []Expression
	Precision string
	AsType    string
	// Extra holds expressions found under fields other than operand.
	Extra []Expression
}

// SourceOperator is any node built around its "source" field, such as
// First, Last, Count or Filter over a list.
type SourceOperator struct {
	Base
	Source Expression
	// Extra holds the remaining expression fields, such as the condition
	// of a Filter or the by items of a Sort.
	Extra []Expression
}

// Unrecognized is a node type this package does not model explicitly. Its
// expression-valued children are still discovered so traversal stays
// exhaustive.
type Unrecognized struct {
	Base
	Raw      map[string]interface{}
	Children []Expression
}

// ============================================================================
// Helpers
// ============================================================================

// StripNamespace removes a "{namespace}" prefix from a qualified type name.
func StripNamespace(name string) string {
	if i := strings.Index(name, "}"); strings.HasPrefix(name, "{") && i > 0 {
		return name[i+1:]
	}
	return name
}

// IsQueryScoped reports whether expr, or any descendant, reads data bound
// by an enclosing query (an alias, a let identifier or a scoped property).
func IsQueryScoped(expr Expression) bool {
	scoped := false
	Walk(expr, func(e Expression) bool {
		switch n := e.(type) {
		case *AliasRef, *QueryLetRef:
			scoped = true
		case *Property:
			if n.Scope != "" {
				scoped = true
			}
		}
		return !scoped
	})
	return scoped
}
