package rules

import (
	"fmt"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
)

// HeadcountSpec selects between two rates by company size: Large applies
// from Threshold employees up.
type HeadcountSpec struct {
	ID        string
	Category  declaration.Category
	Small     string
	Large     string
	Threshold string
}

func DefaultHeadcountBands() []HeadcountSpec {
	return []HeadcountSpec{
		{
			ID:        "headcount.fnal",
			Category:  declaration.CategoryFNAL,
			Small:     "RATE_FNAL_SMALL",
			Large:     "RATE_FNAL_LARGE",
			Threshold: "FNAL_HEADCOUNT_THRESHOLD",
		},
		{
			ID:        "headcount.formation_professionnelle",
			Category:  declaration.CategoryFormationProfessionnelle,
			Small:     "RATE_FORMATION_PROFESSIONNELLE_SMALL",
			Large:     "RATE_FORMATION_PROFESSIONNELLE_LARGE",
			Threshold: "FORMATION_HEADCOUNT_THRESHOLD",
		},
	}
}

// HeadcountRule checks a size-dependent rate. Records without a headcount
// are skipped.
type HeadcountRule struct {
	base
	spec HeadcountSpec
}

func NewHeadcountRule(spec HeadcountSpec) *HeadcountRule {
	return &HeadcountRule{base: newBase(spec.ID, "1.0.0"), spec: spec}
}

func (r *HeadcountRule) Requires(rec *declaration.Record) []string {
	if rec.Headcount == nil || !hasCategory(rec, r.spec.Category) {
		return nil
	}
	return []string{r.spec.Small, r.spec.Large, r.spec.Threshold}
}

func (r *HeadcountRule) Check(in Input) (*Finding, error) {
	if in.Line.Category != r.spec.Category || in.Record.Headcount == nil || in.Line.DeclaredRate == 0 {
		return nil, nil
	}
	threshold, err := in.Param(r.spec.Threshold)
	if err != nil {
		return nil, err
	}
	headcount := *in.Record.Headcount
	expectedID, size := r.spec.Small, "fewer than"
	if float64(headcount) >= threshold.Value {
		expectedID, size = r.spec.Large, "at least"
	}
	expected, err := in.Param(expectedID)
	if err != nil {
		return nil, err
	}
	if in.RateMatches(in.Line.DeclaredRate, expected.Value) {
		return nil, nil
	}
	return &Finding{
		Severity:   SeverityError,
		Expected:   formatRate(expected.Value),
		Declared:   formatRate(in.Line.DeclaredRate),
		Parameters: refs(threshold, expected),
		Message: fmt.Sprintf("%s rate %s declared for %d employees (%s %s): expected %s (%s)",
			in.Line.Category, formatRate(in.Line.DeclaredRate), headcount, size, threshold.Ref(),
			formatRate(expected.Value), expected.Ref()),
	}, nil
}

// DefaultHeadcountRules builds one rule per default headcount band.
func DefaultHeadcountRules() []Rule {
	var out []Rule
	for _, spec := range DefaultHeadcountBands() {
		out = append(out, NewHeadcountRule(spec))
	}
	return out
}
