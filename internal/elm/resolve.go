package elm

// ============================================================================
// Cross-library resolution
// ============================================================================

// FindLibraryReference resolves an include alias declared in owner to the
// included library. Absence is reported with ok == false, not an error.
func FindLibraryReference(owner *Library, all *LibrarySet, alias string) (*Library, bool) {
	id, ok := owner.IncludedLibraryID(alias)
	if !ok {
		return nil, false
	}
	return all.Get(id)
}

// targetLibrary returns owner when libraryName is empty, otherwise the
// included library it names.
func targetLibrary(owner *Library, all *LibrarySet, libraryName string) (*Library, bool) {
	if libraryName == "" {
		return owner, owner != nil
	}
	return FindLibraryReference(owner, all, libraryName)
}

// FindValueSetReference resolves a ValueSetRef, locally or through an
// include alias.
func FindValueSetReference(owner *Library, all *LibrarySet, ref *ValueSetRef) (*ValueSetDef, bool) {
	if ref == nil {
		return nil, false
	}
	lib, ok := targetLibrary(owner, all, ref.LibraryName)
	if !ok {
		return nil, false
	}
	for i := range lib.ValueSets {
		if lib.ValueSets[i].Name == ref.Name {
			return &lib.ValueSets[i], true
		}
	}
	return nil, false
}

// ResolvedCode is a code definition joined with its code system.
type ResolvedCode struct {
	System  string
	Code    string
	Display string
}

// FindCodeReference resolves a CodeRef to its code and code-system url.
func FindCodeReference(owner *Library, all *LibrarySet, ref *CodeRef) (*ResolvedCode, bool) {
	if ref == nil {
		return nil, false
	}
	lib, ok := targetLibrary(owner, all, ref.LibraryName)
	if !ok {
		return nil, false
	}
	for _, cd := range lib.Codes {
		if cd.Name != ref.Name {
			continue
		}
		rc := &ResolvedCode{Code: cd.ID, Display: cd.Display}
		if csLib, ok := targetLibrary(lib, all, cd.CodeSystemLibrary); ok {
			for _, cs := range csLib.CodeSystems {
				if cs.Name == cd.CodeSystemName {
					rc.System = cs.ID
				}
			}
		}
		return rc, true
	}
	return nil, false
}

// FindConceptReference resolves a ConceptRef into its member codes.
func FindConceptReference(owner *Library, all *LibrarySet, ref *ConceptRef) ([]ResolvedCode, bool) {
	if ref == nil {
		return nil, false
	}
	lib, ok := targetLibrary(owner, all, ref.LibraryName)
	if !ok {
		return nil, false
	}
	for _, c := range lib.Concepts {
		if c.Name != ref.Name {
			continue
		}
		var codes []ResolvedCode
		for i := range c.Codes {
			if rc, ok := FindCodeReference(lib, all, &c.Codes[i]); ok {
				codes = append(codes, *rc)
			}
		}
		return codes, true
	}
	return nil, false
}

// ResolveStatement finds the statement named by an ExpressionRef or
// FunctionRef issued from owner, together with the library that defines it.
func ResolveStatement(owner *Library, all *LibrarySet, name, libraryName string) (*Library, *ExpressionDef, bool) {
	lib, ok := targetLibrary(owner, all, libraryName)
	if !ok {
		return nil, nil, false
	}
	st := lib.Statement(name)
	if st == nil {
		return nil, nil, false
	}
	return lib, st, true
}

// ============================================================================
// Statement dependency maps
// ============================================================================

// StatementReference identifies one statement in one library.
type StatementReference struct {
	LibraryName   string `json:"libraryName"`
	StatementName string `json:"statementName"`
}

// StatementDependency lists the statements a statement references.
type StatementDependency struct {
	StatementName string               `json:"statementName"`
	Dependencies  []StatementReference `json:"statementReferences"`
}

// LibraryDependencyInfo holds the dependency list of every statement in a library.
type LibraryDependencyInfo struct {
	LibraryID      string                `json:"libraryId"`
	LibraryVersion string                `json:"libraryVersion,omitempty"`
	Statements     []StatementDependency `json:"statementDependencies"`
}

// BuildStatementDependencyMaps collects, for every statement except the
// implicit "Patient" definition, the de-duplicated set of statements it
// references through ExpressionRef or FunctionRef nodes.
func BuildStatementDependencyMaps(all *LibrarySet) []LibraryDependencyInfo {
	var out []LibraryDependencyInfo
	for _, lib := range all.All() {
		info := LibraryDependencyInfo{LibraryID: lib.ID, LibraryVersion: lib.Version}
		for _, st := range lib.Statements {
			if st.Name == "Patient" {
				continue
			}
			seen := map[StatementReference]bool{}
			dep := StatementDependency{StatementName: st.Name, Dependencies: []StatementReference{}}
			Walk(st.Expression, func(e Expression) bool {
				var name, alias string
				switch n := e.(type) {
				case *ExpressionRef:
					name, alias = n.Name, n.LibraryName
				case *FunctionRef:
					name, alias = n.Name, n.LibraryName
				default:
					return true
				}
				ref := StatementReference{LibraryName: lib.ID, StatementName: name}
				if alias != "" {
					id, ok := lib.IncludedLibraryID(alias)
					if !ok {
						return true
					}
					ref.LibraryName = id
				}
				if !seen[ref] {
					seen[ref] = true
					dep.Dependencies = append(dep.Dependencies, ref)
				}
				return true
			})
			info.Statements = append(info.Statements, dep)
		}
		out = append(out, info)
	}
	return out
}

// ============================================================================
// localId lookup
// ============================================================================

// FindClauseInLibrary returns the first node in any statement of lib whose
// localId matches.
func FindClauseInLibrary(lib *Library, localID string) (Expression, bool) {
	if lib == nil || localID == "" {
		return nil, false
	}
	for _, st := range lib.Statements {
		if found, ok := FindClauseInExpression(st.Expression, localID); ok {
			return found, true
		}
	}
	return nil, false
}

// FindClauseInExpression searches expr and all its descendants for the
// first node whose localId matches.
func FindClauseInExpression(expr Expression, localID string) (Expression, bool) {
	if localID == "" {
		return nil, false
	}
	var found Expression
	Walk(expr, func(e Expression) bool {
		if found != nil {
			return false
		}
		if e.LocalID() == localID {
			found = e
			return false
		}
		return true
	})
	return found, found != nil
}
