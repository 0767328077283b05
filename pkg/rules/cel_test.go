package rules

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
)

func TestEmbeddedCELRulesCompile(t *testing.T) {
	rules, err := EmbeddedCELRules()
	require.NoError(t, err)
	require.NotEmpty(t, rules)
	for _, r := range rules {
		assert.True(t, strings.HasPrefix(r.ID(), "cel."), r.ID())
	}
}

func TestLoadCELRules_Errors(t *testing.T) {
	_, err := LoadCELRules(strings.NewReader(`rules: [{id: bad, expression: "line.base <="}]`))
	assert.ErrorContains(t, err, "compile bad")

	_, err = LoadCELRules(strings.NewReader(`rules: [{id: bad, severity: fatal, expression: "true"}]`))
	assert.ErrorContains(t, err, "unknown severity")

	_, err = LoadCELRules(strings.NewReader(`rules: [{id: bad, version: "x.y", expression: "true"}]`))
	assert.ErrorContains(t, err, "invalid version")
}

func TestCELRule_ParametersAndMessage(t *testing.T) {
	rules, err := EmbeddedCELRules()
	require.NoError(t, err)
	e := engineWith(celRule(t, rules, "cel.rgdu_coefficient_cap"))

	rec := newRecord(t, []declaration.LineItem{
		line(declaration.CategoryRGDU, "3000.00", 0.4, "-1200.00"),
		line(declaration.CategoryRGDU, "3000.00", 0.3194, "-958.20"),
	})
	assert.Equal(t, []string{"RGDU_MAX_COEFFICIENT"}, e.RequiredParameters(rec))

	findings, err := e.Evaluate(context.Background(), rec, frSet(t, jan2026))
	require.NoError(t, err)
	require.Len(t, findings, 1)

	f := findings[0]
	assert.Equal(t, SeverityWarning, f.Severity)
	assert.Equal(t, []string{"RGDU_MAX_COEFFICIENT@v1"}, f.Parameters)
	assert.Equal(t, "0.3194", f.Expected)
	assert.Equal(t, "0.4", f.Declared)
	assert.Equal(t, "reduction coefficient 0.4 exceeds the maximum 0.3194", f.Message)
}

func TestCELRule_RecordVariables(t *testing.T) {
	rules, err := EmbeddedCELRules()
	require.NoError(t, err)
	e := engineWith(celRule(t, rules, "cel.fnal_headcount_known"))
	lines := []declaration.LineItem{line(declaration.CategoryFNAL, "3000.00", 0.001, "3.00")}

	findings, err := e.Evaluate(context.Background(), newRecord(t, lines), frSet(t, jan2026))
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, SeverityInfo, findings[0].Severity)
	assert.Contains(t, findings[0].Message, "no headcount")

	findings, err = e.Evaluate(context.Background(), newRecord(t, lines, withHeadcount(3)), frSet(t, jan2026))
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestCELRule_NonBoolResultIsAFailure(t *testing.T) {
	rules, err := LoadCELRules(strings.NewReader(`rules: [{id: cel.numeric, expression: "line.base"}]`))
	require.NoError(t, err)
	e := engineWith(rules[0])

	rec := newRecord(t, []declaration.LineItem{line(declaration.CategoryCSA, "100.00", 0.003, "0.30")})
	findings, err := e.Evaluate(context.Background(), rec, frSet(t, jan2026))
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, FailureRuleID, findings[0].RuleID)
}

func celRule(t *testing.T, rules []*CELRule, id string) Rule {
	t.Helper()
	for _, r := range rules {
		if r.ID() == id {
			return r
		}
	}
	t.Fatalf("CEL rule %s not bundled", id)
	return nil
}
