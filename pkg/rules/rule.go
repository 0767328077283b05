// Package rules evaluates declaration records against a resolved regulation
// set.
//
// A Rule is a named, versioned predicate over one line item. The Engine runs
// every registered rule against every evaluable line and returns findings in
// declaration order. Rules never touch the catalog: everything they read
// comes from the record and the Set handed to them.
package rules

import (
	"strconv"

	"github.com/Masterminds/semver/v3"
	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
	"github.com/Mindburn-Labs/helm-audit/pkg/regulation"
)

// Severity grades a finding.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Rank orders severities for reports: errors first.
func (s Severity) Rank() int {
	switch s {
	case SeverityError:
		return 0
	case SeverityWarning:
		return 1
	default:
		return 2
	}
}

// ParseSeverity accepts the three severity names.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityError:
		return Severity(s), true
	}
	return "", false
}

// Finding is one conformity observation. Parameters cites the exact
// parameter versions ("ID@vN") the rule read.
type Finding struct {
	RuleID      string               `json:"rule_id"`
	RuleVersion string               `json:"rule_version"`
	Severity    Severity             `json:"severity"`
	Lines       []int                `json:"lines"`
	Category    declaration.Category `json:"category,omitempty"`
	Expected    string               `json:"expected,omitempty"`
	Declared    string               `json:"declared,omitempty"`
	Parameters  []string             `json:"parameters,omitempty"`
	Message     string               `json:"message"`
}

// Rule is a pure predicate producing at most one finding per line.
type Rule interface {
	ID() string
	Version() *semver.Version
	// Requires lists the parameter identifiers the rule reads for rec.
	Requires(rec *declaration.Record) []string
	// Check returns nil when the line conforms or the rule does not apply.
	Check(in Input) (*Finding, error)
}

// Input is what a rule sees for one line.
type Input struct {
	Record        *declaration.Record
	Set           *regulation.Set
	Index         int
	Line          declaration.LineItem
	RateTolerance float64
}

// Param returns the resolved parameter for id.
func (in Input) Param(id string) (regulation.Parameter, error) {
	p, ok := in.Set.Get(id)
	if !ok {
		return regulation.Parameter{}, &regulation.UndefinedParameterError{Date: in.Set.Date(), Missing: []string{id}}
	}
	return p, nil
}

// Decimal returns the resolved parameter value as a decimal.
func (in Input) Decimal(id string) (decimal.Decimal, regulation.Parameter, error) {
	p, err := in.Param(id)
	if err != nil {
		return decimal.Zero, p, err
	}
	return decimal.NewFromFloat(p.Value), p, nil
}

// RateMatches compares two rates within the configured tolerance.
func (in Input) RateMatches(declared, expected float64) bool {
	d := declared - expected
	if d < 0 {
		d = -d
	}
	return d <= in.RateTolerance+1e-12
}

func formatRate(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func formatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func refs(ps ...regulation.Parameter) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Ref())
	}
	return out
}

// base is the shared identity of the built-in rules.
type base struct {
	id      string
	version *semver.Version
}

func newBase(id, version string) base {
	return base{id: id, version: semver.MustParse(version)}
}

func (b base) ID() string               { return b.id }
func (b base) Version() *semver.Version { return b.version }

func hasCategory(rec *declaration.Record, cats ...declaration.Category) bool {
	for _, c := range rec.Categories() {
		for _, want := range cats {
			if c == want {
				return true
			}
		}
	}
	return false
}
