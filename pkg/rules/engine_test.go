package rules

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
	"github.com/Mindburn-Labs/helm-audit/pkg/regulation"
)

type stubRule struct {
	id       string
	version  string
	requires []string
	check    func(Input) (*Finding, error)
}

func (s stubRule) ID() string                            { return s.id }
func (s stubRule) Version() *semver.Version              { return semver.MustParse(s.version) }
func (s stubRule) Requires(*declaration.Record) []string { return s.requires }
func (s stubRule) Check(in Input) (*Finding, error)      { return s.check(in) }

func alwaysWarn(id string) stubRule {
	return stubRule{id: id, version: "1.0.0", check: func(Input) (*Finding, error) {
		return &Finding{Severity: SeverityWarning, Message: id}, nil
	}}
}

func TestEngine_OrdersByLineThenRule(t *testing.T) {
	e := engineWith(alwaysWarn("b.rule"), alwaysWarn("a.rule"))
	rec := newRecord(t, []declaration.LineItem{
		line(declaration.CategoryCSA, "100.00", 0.003, "0.30"),
		line(declaration.CategoryCRDS, "100.00", 0.005, "0.50"),
	})

	findings, err := e.Evaluate(context.Background(), rec, setOf(t, jan2026, nil))
	require.NoError(t, err)
	require.Len(t, findings, 4)

	var got []string
	for _, f := range findings {
		got = append(got, f.RuleID)
	}
	assert.Equal(t, []string{"a.rule", "b.rule", "a.rule", "b.rule"}, got)
	assert.Equal(t, []int{1}, findings[2].Lines)
	assert.Equal(t, declaration.CategoryCRDS, findings[2].Category)
}

func TestEngine_ReviewLinesYieldInfoOnly(t *testing.T) {
	e := engineWith(alwaysWarn("a.rule"))
	held := line(declaration.CategoryMaladie, "100.00", 0.13, "13.00")
	held.NeedsReview = true
	held.Confidence = 0.4
	rec := newRecord(t, []declaration.LineItem{held})

	findings, err := e.Evaluate(context.Background(), rec, setOf(t, jan2026, nil))
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, ReviewRuleID, findings[0].RuleID)
	assert.Equal(t, SeverityInfo, findings[0].Severity)
	assert.Contains(t, findings[0].Message, "0.4")
}

func TestEngine_RuleFailuresBecomeInfo(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	panicky := stubRule{id: "panicky", version: "2.1.0", check: func(Input) (*Finding, error) {
		panic("boom")
	}}
	failing := stubRule{id: "failing", version: "1.0.0", check: func(Input) (*Finding, error) {
		return nil, errors.New("bad input")
	}}
	e := NewEngine(NewRegistry().MustRegister(panicky, failing), WithLogger(logger))
	rec := newRecord(t, []declaration.LineItem{line(declaration.CategoryCSA, "100.00", 0.003, "0.30")})

	findings, err := e.Evaluate(context.Background(), rec, setOf(t, jan2026, nil))
	require.NoError(t, err)
	require.Len(t, findings, 2)
	for _, f := range findings {
		assert.Equal(t, FailureRuleID, f.RuleID)
		assert.Equal(t, SeverityInfo, f.Severity)
		assert.True(t, strings.HasPrefix(f.Message, "rule evaluation failed"))
	}
	assert.Contains(t, findings[1].Message, "panicky")
	assert.Equal(t, "2.1.0", findings[1].RuleVersion)
	assert.Contains(t, logs.String(), `"rule":"panicky"`)
	assert.Contains(t, logs.String(), rec.ID)
}

func TestEngine_MissingParametersAreNamed(t *testing.T) {
	e := engineWith(
		stubRule{id: "needs", version: "1.0.0", requires: []string{"B_PARAM", "A_PARAM", "PRESENT"},
			check: func(Input) (*Finding, error) { return nil, nil }},
	)
	rec := newRecord(t, []declaration.LineItem{line(declaration.CategoryCSA, "100.00", 0.003, "0.30")})
	set := setOf(t, jan2026, map[string]float64{"PRESENT": 1})

	_, err := e.Evaluate(context.Background(), rec, set)
	var undefined *regulation.UndefinedParameterError
	require.ErrorAs(t, err, &undefined)
	assert.Equal(t, []string{"A_PARAM", "B_PARAM"}, undefined.Missing)
	assert.Equal(t, []string{"A_PARAM", "B_PARAM", "PRESENT"}, e.RequiredParameters(rec))
}

func TestEngine_FinishesRecordAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := engineWith(stubRule{id: "a.rule", version: "1.0.0", check: func(in Input) (*Finding, error) {
		if in.Index == 0 {
			cancel()
		}
		return &Finding{RuleID: "a.rule", Severity: SeverityWarning, Lines: []int{in.Index}}, nil
	}})
	rec := newRecord(t, []declaration.LineItem{
		line(declaration.CategoryCSA, "100.00", 0.003, "0.30"),
		line(declaration.CategoryCSA, "200.00", 0.003, "0.60"),
	})

	findings, err := e.Evaluate(ctx, rec, setOf(t, jan2026, nil))
	require.NoError(t, err)
	assert.Len(t, findings, 2)
}

func TestEngine_DeterministicAcrossRuns(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)
	e := NewEngine(reg)
	rec := newRecord(t, []declaration.LineItem{
		line(declaration.CategoryMaladie, "3000.00", 0.13, "390.00"),
		line(declaration.CategoryChomage, "20000.00", 0.05, "1.00"),
	})
	set := frSet(t, jan2026)

	a, err := e.Evaluate(context.Background(), rec, set)
	require.NoError(t, err)
	b, err := e.Evaluate(context.Background(), rec, set)
	require.NoError(t, err)
	assert.NotEmpty(t, a)
	assert.Equal(t, a, b)
}

func TestRegistry_VersionsOnlyMoveForward(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(alwaysWarn("a.rule")))
	before := r.Version()

	assert.Error(t, r.Register(alwaysWarn("a.rule")), "same version")
	older := alwaysWarn("a.rule")
	older.version = "0.9.0"
	assert.Error(t, r.Register(older))
	assert.Equal(t, before, r.Version())

	newer := alwaysWarn("a.rule")
	newer.version = "1.1.0"
	require.NoError(t, r.Register(newer))
	assert.NotEqual(t, before, r.Version())

	got, ok := r.Lookup("a.rule")
	require.True(t, ok)
	assert.Equal(t, "1.1.0", got.Version().String())
}

func TestSeverityRank(t *testing.T) {
	assert.Less(t, SeverityError.Rank(), SeverityWarning.Rank())
	assert.Less(t, SeverityWarning.Rank(), SeverityInfo.Rank())
	_, ok := ParseSeverity("fatal")
	assert.False(t, ok)
}
