package rules

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
)

// AmountTolerance is the tolerance on euro amounts: one cent.
var AmountTolerance = decimal.New(1, -2)

// CeilingSpec caps the base of a category at Multiple × PASS_MONTHLY. An
// empty Multiple means one ceiling.
type CeilingSpec struct {
	Category declaration.Category
	Multiple string
}

// DefaultCeilings are the capped contributions.
func DefaultCeilings() []CeilingSpec {
	return []CeilingSpec{
		{Category: declaration.CategoryVieillessePlafonnee},
		{Category: declaration.CategoryRetraiteComplementaireT1},
		{Category: declaration.CategoryChomage, Multiple: "UNEMPLOYMENT_CEILING_PASS_MULTIPLE"},
		{Category: declaration.CategoryAGS, Multiple: "UNEMPLOYMENT_CEILING_PASS_MULTIPLE"},
	}
}

// CeilingRule checks that capped bases equal min(gross, k × PASS_MONTHLY).
type CeilingRule struct {
	base
	specs map[declaration.Category]CeilingSpec
}

func NewCeilingRule(specs ...CeilingSpec) *CeilingRule {
	if len(specs) == 0 {
		specs = DefaultCeilings()
	}
	r := &CeilingRule{base: newBase("ceiling.pass", "1.0.0"), specs: make(map[declaration.Category]CeilingSpec)}
	for _, s := range specs {
		r.specs[s.Category] = s
	}
	return r
}

func (r *CeilingRule) Requires(rec *declaration.Record) []string {
	var ids []string
	for _, c := range rec.Categories() {
		s, ok := r.specs[c]
		if !ok {
			continue
		}
		ids = append(ids, "PASS_MONTHLY")
		if s.Multiple != "" {
			ids = append(ids, s.Multiple)
		}
	}
	return ids
}

func (r *CeilingRule) Check(in Input) (*Finding, error) {
	spec, ok := r.specs[in.Line.Category]
	if !ok || !in.Line.GrossAmount.IsPositive() || !in.Line.BaseAmount.IsPositive() {
		return nil, nil
	}

	pass, passParam, err := in.Decimal("PASS_MONTHLY")
	if err != nil {
		return nil, err
	}
	ceiling := pass
	cited := refs(passParam)
	label := passParam.Ref()
	if spec.Multiple != "" {
		k, kParam, err := in.Decimal(spec.Multiple)
		if err != nil {
			return nil, err
		}
		ceiling = pass.Mul(k)
		cited = append(cited, kParam.Ref())
		label = fmt.Sprintf("%s × %s", kParam.Ref(), passParam.Ref())
	}

	expected := declaration.RoundCents(decimal.Min(in.Line.GrossAmount, ceiling))
	if in.Line.BaseAmount.Sub(expected).Abs().LessThanOrEqual(AmountTolerance) {
		return nil, nil
	}
	return &Finding{
		Severity:   SeverityError,
		Expected:   formatAmount(expected),
		Declared:   formatAmount(in.Line.BaseAmount),
		Parameters: cited,
		Message: fmt.Sprintf("%s base %s should be min(gross %s, ceiling %s = %s)",
			in.Line.Category, formatAmount(in.Line.BaseAmount), formatAmount(in.Line.GrossAmount),
			formatAmount(ceiling), label),
	}, nil
}

// CSGBaseRule checks the CSG/CRDS base against the abated gross.
type CSGBaseRule struct {
	base
}

func NewCSGBaseRule() *CSGBaseRule {
	return &CSGBaseRule{base: newBase("ceiling.csg_base", "1.0.0")}
}

var csgCategories = []declaration.Category{
	declaration.CategoryCSGDeductible,
	declaration.CategoryCSGNonDeductible,
	declaration.CategoryCRDS,
}

func (r *CSGBaseRule) Requires(rec *declaration.Record) []string {
	if !hasCategory(rec, csgCategories...) {
		return nil
	}
	return []string{"CSG_BASE_RATIO"}
}

func (r *CSGBaseRule) Check(in Input) (*Finding, error) {
	if !slices.Contains(csgCategories, in.Line.Category) ||
		!in.Line.GrossAmount.IsPositive() || !in.Line.BaseAmount.IsPositive() {
		return nil, nil
	}
	ratio, p, err := in.Decimal("CSG_BASE_RATIO")
	if err != nil {
		return nil, err
	}
	expected := declaration.RoundCents(in.Line.GrossAmount.Mul(ratio))
	if in.Line.BaseAmount.Sub(expected).Abs().LessThanOrEqual(AmountTolerance) {
		return nil, nil
	}
	// Employer-funded benefits widen the base: warn only.
	return &Finding{
		Severity:   SeverityWarning,
		Expected:   formatAmount(expected),
		Declared:   formatAmount(in.Line.BaseAmount),
		Parameters: refs(p),
		Message: fmt.Sprintf("%s base %s differs from gross %s × %s = %s",
			in.Line.Category, formatAmount(in.Line.BaseAmount), formatAmount(in.Line.GrossAmount),
			p.Ref(), formatAmount(expected)),
	}, nil
}
