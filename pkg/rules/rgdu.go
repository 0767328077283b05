package rules

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
)

// RGDURule recomputes the general degressive reduction:
//
//	threshold   = RGDU_THRESHOLD_MULTIPLE × SMIC_MONTHLY
//	coefficient = min(Tmax, Tmax/0.6 × (threshold/salary - 1))
//	reduction   = salary × coefficient, rounded to the cent
//
// Pay at or above the threshold gets no reduction.
type RGDURule struct {
	base
}

func NewRGDURule() *RGDURule {
	return &RGDURule{base: newBase("rgdu.coefficient", "1.0.0")}
}

var rgduParameters = []string{"RGDU_THRESHOLD_MULTIPLE", "RGDU_MAX_COEFFICIENT", "SMIC_MONTHLY"}

func (r *RGDURule) Requires(rec *declaration.Record) []string {
	if !hasCategory(rec, declaration.CategoryRGDU) {
		return nil
	}
	return rgduParameters
}

// ExpectedReduction computes the reduction for a monthly salary.
func ExpectedReduction(salary, threshold, maxCoefficient decimal.Decimal) decimal.Decimal {
	if !salary.IsPositive() || salary.GreaterThanOrEqual(threshold) {
		return decimal.Zero
	}
	coeff := maxCoefficient.Div(decimal.NewFromFloat(0.6)).Mul(threshold.Div(salary).Sub(decimal.NewFromInt(1)))
	coeff = decimal.Min(coeff, maxCoefficient)
	return declaration.RoundCents(salary.Mul(coeff))
}

func (r *RGDURule) Check(in Input) (*Finding, error) {
	line := in.Line
	if line.Category != declaration.CategoryRGDU {
		return nil, nil
	}
	salary := line.GrossAmount
	if salary.IsZero() {
		salary = line.BaseAmount
	}
	if !salary.IsPositive() {
		return nil, nil
	}

	mult, multParam, err := in.Decimal("RGDU_THRESHOLD_MULTIPLE")
	if err != nil {
		return nil, err
	}
	smic, smicParam, err := in.Decimal("SMIC_MONTHLY")
	if err != nil {
		return nil, err
	}
	tmax, tmaxParam, err := in.Decimal("RGDU_MAX_COEFFICIENT")
	if err != nil {
		return nil, err
	}
	threshold := mult.Mul(smic)
	expected := ExpectedReduction(salary, threshold, tmax)
	declared := line.DeclaredAmount.Abs()
	if declared.Sub(expected).Abs().LessThanOrEqual(AmountTolerance) {
		return nil, nil
	}

	f := &Finding{
		Severity:   SeverityError,
		Expected:   formatAmount(expected),
		Declared:   formatAmount(declared),
		Parameters: refs(multParam, smicParam, tmaxParam),
	}
	switch {
	case expected.IsZero():
		f.Message = fmt.Sprintf("reduction %s claimed for pay %s at or above the threshold %s (%s × %s)",
			formatAmount(declared), formatAmount(salary), formatAmount(threshold), multParam.Ref(), smicParam.Ref())
	case declared.IsZero():
		f.Severity = SeverityWarning
		f.Message = fmt.Sprintf("no reduction claimed for pay %s below the threshold %s: %s available",
			formatAmount(salary), formatAmount(threshold), formatAmount(expected))
	default:
		f.Message = fmt.Sprintf("reduction %s differs from the computed %s for pay %s (threshold %s, max coefficient %s)",
			formatAmount(declared), formatAmount(expected), formatAmount(salary), formatAmount(threshold), tmaxParam.Ref())
	}
	return f, nil
}
