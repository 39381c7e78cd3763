package elm

import (
	"encoding/json"
	"fmt"
	"slices"
)

// ============================================================================
// Library definitions
// ============================================================================

// Library is one compiled ELM library.
type Library struct {
	ID          string
	Version     string
	Includes    []IncludeDef
	Parameters  []ParameterDef
	CodeSystems []CodeSystemDef
	ValueSets   []ValueSetDef
	Codes       []CodeDef
	Concepts    []ConceptDef
	Statements  []ExpressionDef

	aliases    map[string]string // include localIdentifier -> library id
	statements map[string]*ExpressionDef
}

// IncludeDef is an `include X called Y` entry.
type IncludeDef struct {
	LocalIdentifier string
	Path            string
	Version         string
}

// ParameterDef declares a library parameter.
type ParameterDef struct {
	Name    string
	Default Expression
}

// CodeSystemDef declares a code system by canonical id.
type CodeSystemDef struct {
	Name    string
	ID      string
	Version string
}

// ValueSetDef declares a value set by canonical id.
type ValueSetDef struct {
	Name    string
	ID      string
	Version string
}

// CodeDef declares a code in a code system.
type CodeDef struct {
	Name              string
	ID                string
	Display           string
	CodeSystemName    string
	CodeSystemLibrary string
}

// ConceptDef groups codes into a concept.
type ConceptDef struct {
	Name    string
	Display string
	Codes   []CodeRef
}

// ExpressionDef is a named statement (define or define function).
type ExpressionDef struct {
	Name       string
	Context    string
	LocalID    string
	Kind       string // ExpressionDef | FunctionDef
	Expression Expression
	Operands   []string
}

// Statement returns the named statement, or nil.
func (l *Library) Statement(name string) *ExpressionDef {
	if l == nil {
		return nil
	}
	return l.statements[name]
}

// IncludedLibraryID resolves an include alias to the included library's id.
func (l *Library) IncludedLibraryID(alias string) (string, bool) {
	if l == nil {
		return "", false
	}
	id, ok := l.aliases[alias]
	return id, ok
}

// ============================================================================
// LibrarySet
// ============================================================================

// LibrarySet is the arena of every library taking part in a calculation,
// indexed by library id.
type LibrarySet struct {
	byID  map[string]*Library
	order []*Library
}

// NewLibrarySet indexes libs by id. A later library with a duplicate id
// replaces the earlier one.
func NewLibrarySet(libs ...*Library) *LibrarySet {
	s := &LibrarySet{byID: make(map[string]*Library, len(libs))}
	for _, l := range libs {
		s.Add(l)
	}
	return s
}

// Add registers a library.
func (s *LibrarySet) Add(l *Library) {
	if l == nil {
		return
	}
	if _, exists := s.byID[l.ID]; !exists {
		s.order = append(s.order, l)
	} else {
		for i, cur := range s.order {
			if cur.ID == l.ID {
				s.order[i] = l
			}
		}
	}
	s.byID[l.ID] = l
}

// Get returns the library with the given id.
func (s *LibrarySet) Get(id string) (*Library, bool) {
	if s == nil {
		return nil, false
	}
	l, ok := s.byID[id]
	return l, ok
}

// All returns every library in insertion order.
func (s *LibrarySet) All() []*Library {
	if s == nil {
		return nil
	}
	return s.order
}

// ============================================================================
// Parsing
// ============================================================================

// ParseLibrary decodes an ELM JSON document ({"library": {...}}).
func ParseLibrary(data []byte) (*Library, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("elm: decode library: %w", err)
	}
	return LibraryFromMap(doc)
}

// LibraryFromMap builds a Library from an already-decoded ELM document.
// Both the wrapped ({"library": {...}}) and bare forms are accepted.
func LibraryFromMap(doc map[string]interface{}) (*Library, error) {
	body := doc
	if inner, ok := doc["library"].(map[string]interface{}); ok {
		body = inner
	}
	ident, _ := body["identifier"].(map[string]interface{})
	if ident == nil {
		return nil, fmt.Errorf("elm: library has no identifier")
	}
	lib := &Library{
		ID:         getString(ident, "id"),
		Version:    getString(ident, "version"),
		aliases:    map[string]string{},
		statements: map[string]*ExpressionDef{},
	}
	if lib.ID == "" {
		return nil, fmt.Errorf("elm: library identifier has no id")
	}

	for _, d := range defs(body, "includes") {
		inc := IncludeDef{
			LocalIdentifier: getString(d, "localIdentifier"),
			Path:            getString(d, "path"),
			Version:         getString(d, "version"),
		}
		lib.Includes = append(lib.Includes, inc)
		lib.aliases[inc.LocalIdentifier] = inc.Path
	}
	for _, d := range defs(body, "parameters") {
		lib.Parameters = append(lib.Parameters, ParameterDef{
			Name:    getString(d, "name"),
			Default: parseChild(d, "default"),
		})
	}
	for _, d := range defs(body, "codeSystems") {
		lib.CodeSystems = append(lib.CodeSystems, CodeSystemDef{
			Name: getString(d, "name"), ID: getString(d, "id"), Version: getString(d, "version"),
		})
	}
	for _, d := range defs(body, "valueSets") {
		lib.ValueSets = append(lib.ValueSets, ValueSetDef{
			Name: getString(d, "name"), ID: getString(d, "id"), Version: getString(d, "version"),
		})
	}
	for _, d := range defs(body, "codes") {
		cd := CodeDef{Name: getString(d, "name"), ID: getString(d, "id"), Display: getString(d, "display")}
		if cs, ok := d["codeSystem"].(map[string]interface{}); ok {
			cd.CodeSystemName = getString(cs, "name")
			cd.CodeSystemLibrary = getString(cs, "libraryName")
		}
		lib.Codes = append(lib.Codes, cd)
	}
	for _, d := range defs(body, "concepts") {
		c := ConceptDef{Name: getString(d, "name"), Display: getString(d, "display")}
		for _, raw := range getList(d, "code") {
			if m, ok := raw.(map[string]interface{}); ok {
				c.Codes = append(c.Codes, CodeRef{
					Base: Base{Kind: "CodeRef", ID: getString(m, "localId")},
					Name: getString(m, "name"), LibraryName: getString(m, "libraryName"),
				})
			}
		}
		lib.Concepts = append(lib.Concepts, c)
	}
	for _, d := range defs(body, "statements") {
		st := ExpressionDef{
			Name:       getString(d, "name"),
			Context:    getString(d, "context"),
			LocalID:    getString(d, "localId"),
			Kind:       getString(d, "type"),
			Expression: parseChild(d, "expression"),
		}
		if st.Kind == "" {
			st.Kind = "ExpressionDef"
		}
		for _, raw := range getList(d, "operand") {
			if m, ok := raw.(map[string]interface{}); ok {
				st.Operands = append(st.Operands, getString(m, "name"))
			}
		}
		lib.Statements = append(lib.Statements, st)
	}
	for i := range lib.Statements {
		// Function overloads share a name; the first definition wins.
		if _, exists := lib.statements[lib.Statements[i].Name]; !exists {
			lib.statements[lib.Statements[i].Name] = &lib.Statements[i]
		}
	}
	return lib, nil
}

// ParseExpression builds the typed node for a decoded ELM expression.
// Returns nil for a nil map.
func ParseExpression(m map[string]interface{}) Expression {
	if m == nil {
		return nil
	}
	base := Base{Kind: getString(m, "type"), ID: getString(m, "localId"), resultType: resultType(m)}

	switch base.Kind {
	case "Retrieve":
		return &Retrieve{
			Base:         base,
			DataType:     getString(m, "dataType"),
			TemplateID:   getString(m, "templateId"),
			CodeProperty: getString(m, "codeProperty"),
			Codes:        parseChild(m, "codes"),
			DateProperty: getString(m, "dateProperty"),
			DateRange:    parseChild(m, "dateRange"),
		}
	case "Query":
		q := &Query{Base: base, Where: parseChild(m, "where")}
		for _, raw := range getList(m, "source") {
			if s, ok := raw.(map[string]interface{}); ok {
				q.Source = append(q.Source, AliasedSource{Alias: getString(s, "alias"), Expression: parseChild(s, "expression")})
			}
		}
		for _, raw := range getList(m, "let") {
			if s, ok := raw.(map[string]interface{}); ok {
				q.Let = append(q.Let, LetClause{Identifier: getString(s, "identifier"), Expression: parseChild(s, "expression")})
			}
		}
		for _, raw := range getList(m, "relationship") {
			if s, ok := raw.(map[string]interface{}); ok {
				q.Relationship = append(q.Relationship, Relationship{
					Kind:       getString(s, "type"),
					ID:         getString(s, "localId"),
					Alias:      getString(s, "alias"),
					Expression: parseChild(s, "expression"),
					SuchThat:   parseChild(s, "suchThat"),
				})
			}
		}
		if r, ok := m["return"].(map[string]interface{}); ok {
			distinct, _ := r["distinct"].(bool)
			q.Return = &ReturnClause{ID: getString(r, "localId"), Distinct: distinct, Expression: parseChild(r, "expression")}
		}
		if a, ok := m["aggregate"].(map[string]interface{}); ok {
			distinct, _ := a["distinct"].(bool)
			q.Aggregate = &AggregateClause{
				ID:         getString(a, "localId"),
				Identifier: getString(a, "identifier"),
				Distinct:   distinct,
				Starting:   parseChild(a, "starting"),
				Expression: parseChild(a, "expression"),
			}
		}
		if s, ok := m["sort"].(map[string]interface{}); ok {
			for _, raw := range getList(s, "by") {
				if by, ok := raw.(map[string]interface{}); ok {
					q.Sort = append(q.Sort, SortByItem{
						Direction:  getString(by, "direction"),
						Path:       getString(by, "path"),
						Expression: parseChild(by, "expression"),
					})
				}
			}
		}
		return q
	case "ExpressionRef":
		return &ExpressionRef{Base: base, Name: getString(m, "name"), LibraryName: getString(m, "libraryName")}
	case "FunctionRef":
		return &FunctionRef{Base: base, Name: getString(m, "name"), LibraryName: getString(m, "libraryName"), Operand: parseOperands(m)}
	case "ParameterRef":
		return &ParameterRef{Base: base, Name: getString(m, "name"), LibraryName: getString(m, "libraryName")}
	case "ValueSetRef":
		return &ValueSetRef{Base: base, Name: getString(m, "name"), LibraryName: getString(m, "libraryName")}
	case "CodeRef":
		return &CodeRef{Base: base, Name: getString(m, "name"), LibraryName: getString(m, "libraryName")}
	case "ConceptRef":
		return &ConceptRef{Base: base, Name: getString(m, "name"), LibraryName: getString(m, "libraryName")}
	case "Property":
		return &Property{Base: base, Path: getString(m, "path"), Scope: getString(m, "scope"), Source: parseChild(m, "source")}
	case "AliasRef":
		return &AliasRef{Base: base, Name: getString(m, "name")}
	case "QueryLetRef":
		return &QueryLetRef{Base: base, Name: getString(m, "name")}
	case "Literal":
		return &Literal{Base: base, ValueType: StripNamespace(getString(m, "valueType")), Value: literalValue(m["value"])}
	case "Null":
		return &Null{Base: base}
	case "Quantity":
		return parseQuantity(m)
	case "Ratio":
		r := &Ratio{Base: base}
		if n, ok := m["numerator"].(map[string]interface{}); ok {
			r.Numerator = parseQuantity(n)
		}
		if d, ok := m["denominator"].(map[string]interface{}); ok {
			r.Denominator = parseQuantity(d)
		}
		return r
	case "Interval":
		lc, _ := m["lowClosed"].(bool)
		hc, _ := m["highClosed"].(bool)
		return &Interval{Base: base, Low: parseChild(m, "low"), High: parseChild(m, "high"), LowClosed: lc, HighClosed: hc}
	case "List":
		l := &List{Base: base}
		for _, raw := range getList(m, "element") {
			if e, ok := raw.(map[string]interface{}); ok {
				l.Element = append(l.Element, ParseExpression(e))
			}
		}
		return l
	case "Tuple":
		return &Tuple{Base: base, Element: parseElements(m)}
	case "Instance":
		return &Instance{Base: base, ClassType: StripNamespace(getString(m, "classType")), Element: parseElements(m)}
	case "Code":
		c := &Code{Base: base, Code: getString(m, "code"), Display: getString(m, "display")}
		if s, ok := m["system"].(map[string]interface{}); ok {
			c.SystemName = getString(s, "name")
		}
		return c
	case "DateTime":
		return &DateTime{
			Base:           base,
			Year:           parseChild(m, "year"),
			Month:          parseChild(m, "month"),
			Day:            parseChild(m, "day"),
			Hour:           parseChild(m, "hour"),
			Minute:         parseChild(m, "minute"),
			Second:         parseChild(m, "second"),
			Millisecond:    parseChild(m, "millisecond"),
			TimezoneOffset: parseChild(m, "timezoneOffset"),
		}
	case "Date":
		return &Date{Base: base, Year: parseChild(m, "year"), Month: parseChild(m, "month"), Day: parseChild(m, "day")}
	}

	if _, ok := m["operand"]; ok {
		return &Operator{
			Base:      base,
			Operand:   parseOperands(m),
			Precision: getString(m, "precision"),
			AsType:    StripNamespace(getString(m, "asType")),
			Extra:     genericChildren(m, "operand"),
		}
	}
	if _, ok := m["source"].(map[string]interface{}); ok {
		return &SourceOperator{Base: base, Source: parseChild(m, "source"), Extra: genericChildren(m, "source")}
	}
	return &Unrecognized{Base: base, Raw: m, Children: genericChildren(m)}
}

// skippedKeys are fields whose object values carry a "type" tag but are not
// expressions.
var skippedKeys = map[string]bool{
	"resultTypeSpecifier": true,
	"signature":           true,
	"annotation":          true,
	"asTypeSpecifier":     true,
	"elementType":         true,
	"pointType":           true,
}

// genericChildren collects the nearest tagged expressions below m, in key
// order. Untagged objects and arrays (Case items, sort clauses) are searched
// through rather than dropped.
func genericChildren(m map[string]interface{}, exclude ...string) []Expression {
	var out []Expression
	for _, k := range sortedKeys(m) {
		if skippedKeys[k] || k == "type" || slices.Contains(exclude, k) {
			continue
		}
		out = collectTagged(m[k], out)
	}
	return out
}

func collectTagged(v interface{}, out []Expression) []Expression {
	switch v := v.(type) {
	case map[string]interface{}:
		if _, tagged := v["type"].(string); tagged {
			return append(out, ParseExpression(v))
		}
		for _, k := range sortedKeys(v) {
			if !skippedKeys[k] {
				out = collectTagged(v[k], out)
			}
		}
	case []interface{}:
		for _, item := range v {
			out = collectTagged(item, out)
		}
	}
	return out
}

func parseQuantity(m map[string]interface{}) *Quantity {
	q := &Quantity{Base: Base{Kind: "Quantity", ID: getString(m, "localId"), resultType: resultType(m)}, Unit: getString(m, "unit")}
	switch v := m["value"].(type) {
	case float64:
		q.Value = v
	case json.Number:
		q.Value, _ = v.Float64()
	}
	return q
}

func parseElements(m map[string]interface{}) []TupleElement {
	var out []TupleElement
	for _, raw := range getList(m, "element") {
		if e, ok := raw.(map[string]interface{}); ok {
			out = append(out, TupleElement{Name: getString(e, "name"), Value: parseChild(e, "value")})
		}
	}
	return out
}

// parseOperands accepts both the scalar and the list form of "operand".
func parseOperands(m map[string]interface{}) []Expression {
	switch v := m["operand"].(type) {
	case map[string]interface{}:
		return []Expression{ParseExpression(v)}
	case []interface{}:
		out := make([]Expression, 0, len(v))
		for _, item := range v {
			if im, ok := item.(map[string]interface{}); ok {
				out = append(out, ParseExpression(im))
			}
		}
		return out
	}
	return nil
}

func parseChild(m map[string]interface{}, key string) Expression {
	child, ok := m[key].(map[string]interface{})
	if !ok {
		return nil
	}
	return ParseExpression(child)
}

func resultType(m map[string]interface{}) string {
	if spec, ok := m["resultTypeSpecifier"].(map[string]interface{}); ok {
		switch getString(spec, "type") {
		case "ListTypeSpecifier":
			if et, ok := spec["elementType"].(map[string]interface{}); ok {
				return StripNamespace(getString(et, "name"))
			}
		case "NamedTypeSpecifier":
			return StripNamespace(getString(spec, "name"))
		}
	}
	return StripNamespace(getString(m, "resultTypeName"))
}

func defs(body map[string]interface{}, key string) []map[string]interface{} {
	section, ok := body[key].(map[string]interface{})
	if !ok {
		return nil
	}
	var out []map[string]interface{}
	for _, raw := range getList(section, "def") {
		if m, ok := raw.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

func getString(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func getList(m map[string]interface{}, key string) []interface{} {
	switch v := m[key].(type) {
	case []interface{}:
		return v
	case map[string]interface{}:
		return []interface{}{v}
	}
	return nil
}

func literalValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
