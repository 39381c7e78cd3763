package gaps

import (
	"github.com/ehr/caregaps/internal/elm"
	"github.com/ehr/caregaps/internal/platform/fhir"
	"github.com/ehr/caregaps/internal/queryfilter"
	"github.com/ehr/caregaps/pkg/fhirmodels"
)

// GenerateDetailedCodeFilter maps an Equals or In filter to a
// DataRequirement codeFilter. Codes get the code system registered for
// dataType.attribute when one is known. Other filters yield nil.
func GenerateDetailedCodeFilter(f queryfilter.Filter, dataType string) *fhir.CodeFilter {
	switch n := f.(type) {
	case *queryfilter.EqualsFilter:
		return &fhir.CodeFilter{
			Path: n.Attribute,
			Code: []fhir.Coding{{System: fhirmodels.CodeSystemFor(dataType, n.Attribute), Code: n.Value}},
		}
	case *queryfilter.InFilter:
		cf := &fhir.CodeFilter{Path: n.Attribute}
		switch {
		case n.ValueSet != "":
			cf.ValueSet = n.ValueSet
		case len(n.ValueCodingList) > 0:
			cf.Code = append(cf.Code, n.ValueCodingList...)
		default:
			system := fhirmodels.CodeSystemFor(dataType, n.Attribute)
			for _, v := range n.ValueList {
				cf.Code = append(cf.Code, fhir.Coding{System: system, Code: v})
			}
		}
		return cf
	}
	return nil
}

// GenerateDetailedDateFilter maps a During filter to a dateFilter.
func GenerateDetailedDateFilter(f *queryfilter.DuringFilter) fhir.DateFilter {
	period := f.ValuePeriod
	return fhir.DateFilter{Path: f.Attribute, ValuePeriod: &period}
}

// GenerateDetailedValueFilter maps a NotNull, IsNull or Value filter to a
// valueFilter extension. The bool is false for filters it cannot express.
func GenerateDetailedValueFilter(f queryfilter.Filter) (fhir.Extension, bool) {
	ext := fhir.Extension{URL: fhirmodels.ValueFilterExtensionURL}
	switch n := f.(type) {
	case *queryfilter.NotNullFilter:
		ext.Extension = []fhir.Extension{pathExtension(n.Attribute), boolExtension("isNull", false)}
	case *queryfilter.IsNullFilter:
		ext.Extension = []fhir.Extension{pathExtension(n.Attribute), boolExtension("isNull", true)}
	case *queryfilter.ValueFilter:
		value := fhir.Extension{URL: "value"}
		switch {
		case n.ValueBoolean != nil:
			b := *n.ValueBoolean
			value.ValueBoolean = &b
		case n.ValueString != nil:
			value.ValueString = *n.ValueString
		case n.ValueInteger != nil:
			i := int(*n.ValueInteger)
			value.ValueInteger = &i
		case n.ValueDecimal != nil:
			d := *n.ValueDecimal
			value.ValueDecimal = &d
		case n.ValueQuantity != nil:
			q := *n.ValueQuantity
			value.ValueQuantity = &q
		default:
			return fhir.Extension{}, false
		}
		ext.Extension = []fhir.Extension{
			pathExtension(n.Attribute),
			{URL: "comparator", ValueCode: n.Comparator},
			value,
		}
	default:
		return fhir.Extension{}, false
	}
	return ext, true
}

func pathExtension(path string) fhir.Extension {
	return fhir.Extension{URL: "path", ValueString: path}
}

func boolExtension(url string, v bool) fhir.Extension {
	return fhir.Extension{URL: url, ValueBoolean: &v}
}

// GenerateGuidanceResponse renders q as a data-required GuidanceResponse.
// Filters that have no DataRequirement form are reported as diagnostics.
func (b *Builder) GenerateGuidanceResponse(q GapsDataTypeQuery, measureURL string, notation ImprovementNotation) (fhir.GuidanceResponse, []elm.GracefulError) {
	var errs []elm.GracefulError

	dr := fhir.DataRequirement{Type: q.DataType}
	base := fhir.CodeFilter{Path: q.Path}
	if base.Path == "" {
		base.Path = "code"
	}
	switch {
	case q.ValueSet != "":
		base.ValueSet = q.ValueSet
		dr.CodeFilter = append(dr.CodeFilter, base)
	case q.Code != nil:
		base.Code = []fhir.Coding{{System: q.Code.System, Code: q.Code.Code, Display: q.Code.Display}}
		dr.CodeFilter = append(dr.CodeFilter, base)
	}

	if q.QueryInfo != nil {
		alias := q.QueryInfo.FirstAlias()
		for _, f := range queryfilter.FlattenFilters(q.QueryInfo.Filter) {
			t := queryfilter.TargetOf(f)
			if t != nil && t.Alias != "" && t.Alias != alias {
				continue
			}
			switch n := f.(type) {
			case *queryfilter.EqualsFilter, *queryfilter.InFilter:
				dr.CodeFilter = append(dr.CodeFilter, *GenerateDetailedCodeFilter(f, q.DataType))
			case *queryfilter.DuringFilter:
				dr.DateFilter = append(dr.DateFilter, GenerateDetailedDateFilter(n))
			case *queryfilter.NotNullFilter, *queryfilter.IsNullFilter, *queryfilter.ValueFilter:
				if ext, ok := GenerateDetailedValueFilter(f); ok {
					dr.Extension = append(dr.Extension, ext)
				} else {
					errs = append(errs, elm.Graceful(t.LocalID, "value filter on %s cannot be expressed as a data requirement", t.Attribute))
				}
			case *queryfilter.UnknownFilter:
				errs = append(errs, elm.Graceful(n.LocalID, "unsupported filter on %s.%s omitted from data requirement", n.Alias, n.Attribute))
			case *queryfilter.OrFilter:
				errs = append(errs, elm.Graceful(n.LocalID, "disjunctive filter omitted from data requirement"))
			}
		}
	}

	return fhir.GuidanceResponse{
		ResourceType:    "GuidanceResponse",
		ID:              b.newID(),
		ModuleURI:       moduleURI(measureURL),
		Status:          fhirmodels.GuidanceResponseStatusDataRequired,
		DataRequirement: []fhir.DataRequirement{dr},
		ReasonCode:      reasonCodes(q, notation),
	}, errs
}

func moduleURI(measureURL string) string {
	if measureURL == "" {
		return fhirmodels.DefaultModuleURI
	}
	return measureURL
}

// reasonCodes renders computed reasons. Without reason detail the default is
// Missing under positive notation and Present under negative.
func reasonCodes(q GapsDataTypeQuery, notation ImprovementNotation) []fhir.CodeableConcept {
	if q.ReasonDetail == nil || !q.ReasonDetail.HasReasonDetail {
		code := fhirmodels.ReasonMissing
		if notation == Negative {
			code = fhirmodels.ReasonPresent
		}
		return []fhir.CodeableConcept{reasonConcept(code)}
	}
	out := make([]fhir.CodeableConcept, 0, len(q.ReasonDetail.Reasons))
	for _, r := range q.ReasonDetail.Reasons {
		cc := reasonConcept(r.Code)
		if r.Reference != "" || r.Path != "" {
			detail := fhir.Extension{URL: fhirmodels.ReasonDetailExtensionURL}
			if r.Reference != "" {
				detail.Extension = append(detail.Extension, fhir.Extension{
					URL:            "reference",
					ValueReference: &fhir.Reference{Reference: r.Reference},
				})
			}
			if r.Path != "" {
				detail.Extension = append(detail.Extension, fhir.Extension{URL: "path", ValueString: r.Path})
			}
			cc.Extension = []fhir.Extension{detail}
		}
		out = append(out, cc)
	}
	return out
}

func reasonConcept(code fhirmodels.CareGapReason) fhir.CodeableConcept {
	return fhir.Concept(fhirmodels.CareGapReasonSystem, string(code), code.Display())
}
