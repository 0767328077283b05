package rules

import "fmt"

// DefaultRegistry registers the built-in rule families and the bundled CEL
// rules.
func DefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	builtin := []Rule{
		NewRateRule(),
		NewCeilingRule(),
		NewCSGBaseRule(),
		NewArithmeticRule(),
		NewRGDURule(),
		NewExemptionRule(),
	}
	for _, spec := range DefaultBands() {
		builtin = append(builtin, NewBandRule(spec))
	}
	builtin = append(builtin, DefaultHeadcountRules()...)
	for _, rule := range builtin {
		if err := r.Register(rule); err != nil {
			return nil, err
		}
	}

	celRules, err := EmbeddedCELRules()
	if err != nil {
		return nil, fmt.Errorf("rules: load bundled CEL rules: %w", err)
	}
	for _, rule := range celRules {
		if err := r.Register(rule); err != nil {
			return nil, err
		}
	}
	return r, nil
}
