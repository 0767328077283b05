package rules

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
	"github.com/Mindburn-Labs/helm-audit/pkg/observability"
	"github.com/Mindburn-Labs/helm-audit/pkg/regulation"
)

const (
	// DefaultRateTolerance is the absolute tolerance on rate comparisons.
	DefaultRateTolerance = 1e-4

	// ReviewRuleID tags the info finding emitted for lines held for review.
	ReviewRuleID = "extraction.needs_review"
	// FailureRuleID tags the info finding emitted when a rule errors or panics.
	FailureRuleID = "engine.rule_failed"
)

// Engine runs a registry against records. It is stateless and safe for
// concurrent use.
type Engine struct {
	registry      *Registry
	rateTolerance float64
	metrics       *observability.Metrics
	logger        *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRateTolerance overrides DefaultRateTolerance.
func WithRateTolerance(tol float64) EngineOption {
	return func(e *Engine) { e.rateTolerance = tol }
}

func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:      registry,
		rateTolerance: DefaultRateTolerance,
		logger:        slog.Default().With("component", "rules"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the rule registry.
func (e *Engine) Registry() *Registry { return e.registry }

// RuleSetVersion identifies the rule versions findings are produced with.
func (e *Engine) RuleSetVersion() string { return e.registry.Version() }

// RequiredParameters lists, sorted and deduplicated, the parameter
// identifiers the registered rules read for rec. Callers resolve exactly
// these at rec's effective date.
func (e *Engine) RequiredParameters(rec *declaration.Record) []string {
	seen := make(map[string]struct{})
	for _, rule := range e.registry.Rules() {
		for _, id := range rule.Requires(rec) {
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Evaluate returns the findings for rec in declaration order. Within one
// line, findings follow rule identifier order. A set missing any required
// parameter is an *regulation.UndefinedParameterError; neither a failing
// rule nor a cancelled ctx aborts the evaluation.
func (e *Engine) Evaluate(ctx context.Context, rec *declaration.Record, set *regulation.Set) ([]Finding, error) {
	if rec == nil || set == nil {
		return nil, fmt.Errorf("rules: evaluate requires a record and a regulation set")
	}

	var missing []string
	for _, id := range e.RequiredParameters(rec) {
		if !set.Has(id) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, &regulation.UndefinedParameterError{Date: set.Date(), Missing: missing}
	}

	rules := e.registry.Rules()
	findings := []Finding{}
	for i, line := range rec.Lines {
		if line.NeedsReview {
			findings = append(findings, reviewFinding(i, line))
			continue
		}
		in := Input{Record: rec, Set: set, Index: i, Line: line, RateTolerance: e.rateTolerance}
		for _, rule := range rules {
			f := e.check(ctx, rule, in)
			if f != nil {
				findings = append(findings, *f)
			}
		}
	}

	counts := make(map[Severity]int)
	for _, f := range findings {
		counts[f.Severity]++
	}
	for _, sev := range []Severity{SeverityError, SeverityWarning, SeverityInfo} {
		e.metrics.FindingsEmitted(ctx, string(sev), counts[sev])
	}
	return findings, nil
}

// check runs one rule on one line, turning errors and panics into an info
// finding.
func (e *Engine) check(ctx context.Context, rule Rule, in Input) (f *Finding) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "rule panicked",
				"rule", rule.ID(),
				"record", in.Record.ID,
				"line", in.Index,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			f = failureFinding(rule, in, fmt.Errorf("panic: %v", r))
		}
	}()

	f, err := rule.Check(in)
	if err != nil {
		e.logger.WarnContext(ctx, "rule evaluation failed",
			"rule", rule.ID(),
			"record", in.Record.ID,
			"line", in.Index,
			"error", err,
		)
		return failureFinding(rule, in, err)
	}
	if f == nil {
		return nil
	}
	f.RuleID = rule.ID()
	f.RuleVersion = rule.Version().String()
	if f.Lines == nil {
		f.Lines = []int{in.Index}
	}
	if f.Category == "" {
		f.Category = in.Line.Category
	}
	return f
}

func reviewFinding(i int, line declaration.LineItem) Finding {
	return Finding{
		RuleID:      ReviewRuleID,
		RuleVersion: "1.0.0",
		Severity:    SeverityInfo,
		Lines:       []int{i},
		Category:    line.Category,
		Message: fmt.Sprintf("line %d (%s) extracted with confidence %s is held for manual review and was not evaluated",
			i, line.Category, formatRate(line.Confidence)),
	}
}

func failureFinding(rule Rule, in Input, err error) *Finding {
	return &Finding{
		RuleID:      FailureRuleID,
		RuleVersion: rule.Version().String(),
		Severity:    SeverityInfo,
		Lines:       []int{in.Index},
		Category:    in.Line.Category,
		Message:     fmt.Sprintf("rule evaluation failed: %s on line %d: %v", rule.ID(), in.Index, err),
	}
}
