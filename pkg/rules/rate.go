package rules

import (
	"fmt"
	"slices"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
)

// FlatRateCategories carry a single regulatory rate, RATE_<CATEGORY>.
// Banded and headcount-dependent categories have their own rules; the
// accident rate is notified per employer and is not checked.
var FlatRateCategories = []declaration.Category{
	declaration.CategoryVieillessePlafonnee,
	declaration.CategoryVieillesseDeplafonnee,
	declaration.CategoryCSGDeductible,
	declaration.CategoryCSGNonDeductible,
	declaration.CategoryCRDS,
	declaration.CategoryChomage,
	declaration.CategoryAGS,
	declaration.CategoryCSA,
	declaration.CategoryDialogueSocial,
	declaration.CategoryRetraiteComplementaireT1,
}

// RateParameter is the identifier of the flat rate of cat.
func RateParameter(cat declaration.Category) string {
	return "RATE_" + cat.ParameterSuffix()
}

// RateRule checks the declared rate of flat-rate categories.
type RateRule struct {
	base
	categories []declaration.Category
}

func NewRateRule(categories ...declaration.Category) *RateRule {
	if len(categories) == 0 {
		categories = FlatRateCategories
	}
	return &RateRule{base: newBase("rate.conformity", "1.0.0"), categories: categories}
}

func (r *RateRule) Requires(rec *declaration.Record) []string {
	var ids []string
	for _, c := range rec.Categories() {
		if slices.Contains(r.categories, c) {
			ids = append(ids, RateParameter(c))
		}
	}
	return ids
}

func (r *RateRule) Check(in Input) (*Finding, error) {
	if !slices.Contains(r.categories, in.Line.Category) || in.Line.DeclaredRate == 0 {
		return nil, nil
	}
	p, err := in.Param(RateParameter(in.Line.Category))
	if err != nil {
		return nil, err
	}
	if in.RateMatches(in.Line.DeclaredRate, p.Value) {
		return nil, nil
	}
	return &Finding{
		Severity:   SeverityError,
		Expected:   formatRate(p.Value),
		Declared:   formatRate(in.Line.DeclaredRate),
		Parameters: refs(p),
		Message: fmt.Sprintf("declared %s rate %s differs from the regulatory rate %s (%s)",
			in.Line.Category, formatRate(in.Line.DeclaredRate), formatRate(p.Value), p.Ref()),
	}, nil
}
