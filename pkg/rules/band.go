package rules

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
)

// DefaultBandMargin is the relative distance to a threshold inside which a
// rate mismatch is downgraded to a warning.
const DefaultBandMargin = 0.005

// BandSpec describes a category whose rate depends on where the base falls
// relative to Multiplier × Reference: at or below the threshold the reduced
// rate applies, above it the standard rate.
type BandSpec struct {
	ID           string               `yaml:"id"`
	Version      string               `yaml:"version"`
	Category     declaration.Category `yaml:"category"`
	StandardRate string               `yaml:"standard_rate"`
	ReducedRate  string               `yaml:"reduced_rate"`
	Multiplier   string               `yaml:"multiplier"`
	Reference    string               `yaml:"reference"`
	Margin       float64              `yaml:"margin"`
}

// DefaultBands are the reduced health and family allowance rates.
func DefaultBands() []BandSpec {
	return []BandSpec{
		{
			ID:           "band.maladie",
			Category:     declaration.CategoryMaladie,
			StandardRate: "RATE_MALADIE",
			ReducedRate:  "RATE_MALADIE_REDUCED",
			Multiplier:   "MALADIE_REDUCED_THRESHOLD_MULTIPLE",
		},
		{
			ID:           "band.allocations_familiales",
			Category:     declaration.CategoryAllocationsFamiliales,
			StandardRate: "RATE_ALLOCATIONS_FAMILIALES",
			ReducedRate:  "RATE_ALLOCATIONS_FAMILIALES_REDUCED",
			Multiplier:   "AF_REDUCED_THRESHOLD_MULTIPLE",
		},
	}
}

// BandRule checks the declared rate against the band of the base amount.
type BandRule struct {
	base
	spec BandSpec
}

func NewBandRule(spec BandSpec) *BandRule {
	if spec.Version == "" {
		spec.Version = "1.0.0"
	}
	if spec.Reference == "" {
		spec.Reference = "SMIC_MONTHLY"
	}
	if spec.Margin == 0 {
		spec.Margin = DefaultBandMargin
	}
	return &BandRule{base: newBase(spec.ID, spec.Version), spec: spec}
}

func (r *BandRule) Requires(rec *declaration.Record) []string {
	if !hasCategory(rec, r.spec.Category) {
		return nil
	}
	return []string{r.spec.StandardRate, r.spec.ReducedRate, r.spec.Multiplier, r.spec.Reference}
}

func (r *BandRule) Check(in Input) (*Finding, error) {
	line := in.Line
	if line.Category != r.spec.Category || line.DeclaredRate == 0 || !line.BaseAmount.IsPositive() {
		return nil, nil
	}

	mult, multParam, err := in.Decimal(r.spec.Multiplier)
	if err != nil {
		return nil, err
	}
	ref, refParam, err := in.Decimal(r.spec.Reference)
	if err != nil {
		return nil, err
	}
	threshold := mult.Mul(ref)

	reduced := line.BaseAmount.LessThanOrEqual(threshold)
	expectedID, side := r.spec.StandardRate, "above"
	if reduced {
		expectedID, side = r.spec.ReducedRate, "at or below"
	}
	expected, err := in.Param(expectedID)
	if err != nil {
		return nil, err
	}
	if in.RateMatches(line.DeclaredRate, expected.Value) {
		return nil, nil
	}

	sev := SeverityError
	margin := threshold.Mul(decimal.NewFromFloat(r.spec.Margin))
	if line.BaseAmount.Sub(threshold).Abs().LessThanOrEqual(margin) {
		sev = SeverityWarning
	}
	return &Finding{
		Severity:   sev,
		Expected:   formatRate(expected.Value),
		Declared:   formatRate(line.DeclaredRate),
		Parameters: refs(multParam, refParam, expected),
		Message: fmt.Sprintf("base %s is %s the threshold %s (%s × %s): expected rate %s (%s), declared %s",
			formatAmount(line.BaseAmount), side, formatAmount(threshold),
			multParam.Ref(), refParam.Ref(),
			formatRate(expected.Value), expected.Ref(), formatRate(line.DeclaredRate)),
	}, nil
}
