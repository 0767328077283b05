package rules

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
)

// ExemptionACRE is the eligibility code of the start-up relief.
const ExemptionACRE = "acre"

var acreCategories = []declaration.Category{
	declaration.CategoryMaladie,
	declaration.CategoryVieillessePlafonnee,
	declaration.CategoryVieillesseDeplafonnee,
	declaration.CategoryAllocationsFamiliales,
}

func acreCovers(c declaration.Category) bool { return slices.Contains(acreCategories, c) }

// ExemptionRule checks the start-up relief window. It needs the date the
// subject became eligible; records without one are skipped.
//
// Inside [since, since + EXEMPTION_ACRE_DURATION_MONTHS) a covered line
// declaring the full amount misses the relief (warning). Outside it, a
// covered line declaring less than the full amount claims relief it is not
// entitled to (error).
type ExemptionRule struct {
	base
}

func NewExemptionRule() *ExemptionRule {
	return &ExemptionRule{base: newBase("exemption.acre", "1.0.0")}
}

func (r *ExemptionRule) Requires(rec *declaration.Record) []string {
	if _, ok := rec.EligibleSince(ExemptionACRE); !ok || !hasCategory(rec, acreCategories...) {
		return nil
	}
	return []string{"EXEMPTION_ACRE_DURATION_MONTHS"}
}

func (r *ExemptionRule) Check(in Input) (*Finding, error) {
	since, ok := in.Record.EligibleSince(ExemptionACRE)
	line := in.Line
	if !ok || !acreCovers(line.Category) || line.DeclaredRate == 0 || !line.BaseAmount.IsPositive() {
		return nil, nil
	}
	duration, err := in.Param("EXEMPTION_ACRE_DURATION_MONTHS")
	if err != nil {
		return nil, err
	}

	since = time.Date(since.Year(), since.Month(), since.Day(), 0, 0, 0, 0, time.UTC)
	until := since.AddDate(0, int(duration.Value), 0)
	start := in.Record.Period.Start()
	inWindow := !start.Before(since) && start.Before(until)

	full := declaration.RoundCents(line.BaseAmount.Mul(decimal.NewFromFloat(line.DeclaredRate)))
	declared := line.DeclaredAmount.Abs()
	reduced := declared.LessThan(full.Sub(AmountTolerance))
	window := fmt.Sprintf("[%s, %s)", since.Format(time.DateOnly), until.Format(time.DateOnly))

	switch {
	case inWindow && !reduced:
		return &Finding{
			Severity:   SeverityWarning,
			Expected:   "< " + formatAmount(full),
			Declared:   formatAmount(declared),
			Parameters: refs(duration),
			Message: fmt.Sprintf("%s declares the full amount %s during the relief window %s",
				line.Category, formatAmount(declared), window),
		}, nil
	case !inWindow && reduced:
		return &Finding{
			Severity:   SeverityError,
			Expected:   formatAmount(full),
			Declared:   formatAmount(declared),
			Parameters: refs(duration),
			Message: fmt.Sprintf("%s declares %s instead of %s: relief claimed outside the window %s",
				line.Category, formatAmount(declared), formatAmount(full), window),
		}, nil
	}
	return nil, nil
}
