// Package elmtest builds small ELM documents for tests.
package elmtest

import (
	"github.com/ehr/caregaps/internal/elm"
)

// M is shorthand for a decoded JSON object.
type M = map[string]interface{}

// Lib is a library under construction.
type Lib struct {
	ID         string
	includes   []interface{}
	valueSets  []interface{}
	codes      []interface{}
	codeSys    []interface{}
	concepts   []interface{}
	params     []interface{}
	statements []interface{}
}

// NewLib starts a library with the given id.
func NewLib(id string) *Lib {
	return &Lib{ID: id}
}

// Include adds `include path called alias`.
func (l *Lib) Include(alias, path string) *Lib {
	l.includes = append(l.includes, M{"localIdentifier": alias, "path": path})
	return l
}

// ValueSet adds a value set definition.
func (l *Lib) ValueSet(name, url string) *Lib {
	l.valueSets = append(l.valueSets, M{"name": name, "id": url})
	return l
}

// CodeSystem adds a code system definition.
func (l *Lib) CodeSystem(name, url string) *Lib {
	l.codeSys = append(l.codeSys, M{"name": name, "id": url})
	return l
}

// Code adds a code definition in the named code system.
func (l *Lib) Code(name, code, system, display string) *Lib {
	l.codes = append(l.codes, M{"name": name, "id": code, "display": display, "codeSystem": M{"name": system}})
	return l
}

// Concept adds a concept made of the named codes.
func (l *Lib) Concept(name string, codeNames ...string) *Lib {
	var refs []interface{}
	for _, c := range codeNames {
		refs = append(refs, M{"type": "CodeRef", "name": c})
	}
	l.concepts = append(l.concepts, M{"name": name, "code": refs})
	return l
}

// Parameter adds a parameter definition.
func (l *Lib) Parameter(name string) *Lib {
	l.params = append(l.params, M{"name": name})
	return l
}

// Define adds a statement.
func (l *Lib) Define(name, localID string, expr M) *Lib {
	l.statements = append(l.statements, M{"name": name, "localId": localID, "context": "Patient", "expression": expr})
	return l
}

// Map returns the wrapped ELM document.
func (l *Lib) Map() M {
	return M{"library": M{
		"identifier":  M{"id": l.ID, "version": "1.0.0"},
		"includes":    M{"def": l.includes},
		"valueSets":   M{"def": l.valueSets},
		"codes":       M{"def": l.codes},
		"codeSystems": M{"def": l.codeSys},
		"concepts":    M{"def": l.concepts},
		"parameters":  M{"def": l.params},
		"statements":  M{"def": l.statements},
	}}
}

// Build parses the library, panicking on error.
func (l *Lib) Build() *elm.Library {
	lib, err := elm.LibraryFromMap(l.Map())
	if err != nil {
		panic(err)
	}
	return lib
}

// ---------------------------------------------------------------------------
// Expression builders
// ---------------------------------------------------------------------------

// Retrieve builds [dataType: valueSet] with the valueset referenced by name.
func Retrieve(id, dataType, valueSetName string) M {
	r := M{"type": "Retrieve", "localId": id, "dataType": "{http://hl7.org/fhir}" + dataType, "codeProperty": "code"}
	if valueSetName != "" {
		r["codes"] = M{"type": "ValueSetRef", "name": valueSetName}
	}
	return r
}

// Query builds a single-source query.
func Query(id, alias string, source M, where M) M {
	q := M{"type": "Query", "localId": id, "source": []interface{}{M{"alias": alias, "expression": source}}}
	if where != nil {
		q["where"] = where
	}
	return q
}

// ExprRef references a statement.
func ExprRef(id, name string) M {
	return M{"type": "ExpressionRef", "localId": id, "name": name}
}

// ExprRefIn references a statement in an included library.
func ExprRefIn(id, libAlias, name string) M {
	return M{"type": "ExpressionRef", "localId": id, "name": name, "libraryName": libAlias}
}

// FuncRef invokes a function.
func FuncRef(id, libAlias, name string, operands ...M) M {
	ops := make([]interface{}, len(operands))
	for i, o := range operands {
		ops[i] = o
	}
	return M{"type": "FunctionRef", "localId": id, "name": name, "libraryName": libAlias, "operand": ops}
}

// Prop reads alias.path.
func Prop(id, alias, path string) M {
	return M{"type": "Property", "localId": id, "path": path, "scope": alias}
}

// Op builds an operator with list operands.
func Op(kind, id string, operands ...M) M {
	ops := make([]interface{}, len(operands))
	for i, o := range operands {
		ops[i] = o
	}
	return M{"type": kind, "localId": id, "operand": ops}
}

// Unary builds an operator with a scalar operand.
func Unary(kind, id string, operand M) M {
	return M{"type": kind, "localId": id, "operand": operand}
}

// Str is a String literal.
func Str(id, v string) M {
	return M{"type": "Literal", "localId": id, "valueType": "{urn:hl7-org:elm-types:r1}String", "value": v}
}

// Int is an Integer literal.
func Int(id, v string) M {
	return M{"type": "Literal", "localId": id, "valueType": "{urn:hl7-org:elm-types:r1}Integer", "value": v}
}

// Qty is a Quantity literal.
func Qty(id string, v float64, unit string) M {
	return M{"type": "Quantity", "localId": id, "value": v, "unit": unit}
}

// Param references a parameter.
func Param(id, name string) M {
	return M{"type": "ParameterRef", "localId": id, "name": name}
}

// MeasurementPeriod references the "Measurement Period" parameter.
func MeasurementPeriod(id string) M {
	return Param(id, "Measurement Period")
}
