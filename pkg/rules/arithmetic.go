package rules

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
)

// ArithmeticRule checks declared amount = base × rate, to the cent.
// Reductions are compared by absolute value. Lines covered by an exemption
// the record is eligible for are left to the exemption rule.
type ArithmeticRule struct {
	base
}

func NewArithmeticRule() *ArithmeticRule {
	return &ArithmeticRule{base: newBase("arithmetic.amount", "1.0.0")}
}

func (r *ArithmeticRule) Requires(*declaration.Record) []string { return nil }

func (r *ArithmeticRule) Check(in Input) (*Finding, error) {
	line := in.Line
	if line.Category == declaration.CategoryRGDU || line.DeclaredRate == 0 ||
		line.BaseAmount.IsZero() || line.DeclaredAmount.IsZero() {
		return nil, nil
	}
	if _, eligible := in.Record.EligibleSince(ExemptionACRE); eligible && acreCovers(line.Category) {
		return nil, nil
	}

	expected := declaration.RoundCents(line.BaseAmount.Mul(decimal.NewFromFloat(line.DeclaredRate)))
	declared := line.DeclaredAmount.Abs()
	if declared.Sub(expected).Abs().LessThanOrEqual(AmountTolerance) {
		return nil, nil
	}
	return &Finding{
		Severity: SeverityError,
		Expected: formatAmount(expected),
		Declared: formatAmount(declared),
		Message: fmt.Sprintf("%s amount %s does not equal base %s × rate %s = %s",
			line.Category, formatAmount(declared), formatAmount(line.BaseAmount),
			formatRate(line.DeclaredRate), formatAmount(expected)),
	}, nil
}
