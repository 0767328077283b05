package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the domain counters. A nil *Metrics is valid and records
// nothing, so components can take it as an optional dependency.
type Metrics struct {
	documents     metric.Int64Counter
	degraded      metric.Int64Counter
	findings      metric.Int64Counter
	recalcs       metric.Int64Counter
	staleMarkings metric.Int64Counter
}

// NewMetrics registers the domain instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.documents, err = meter.Int64Counter("audit.documents.extracted",
		metric.WithDescription("Documents turned into declaration records"),
		metric.WithUnit("{document}"),
	); err != nil {
		return nil, err
	}
	if m.degraded, err = meter.Int64Counter("audit.documents.degraded",
		metric.WithDescription("Documents whose recognition failed and were routed to review"),
		metric.WithUnit("{document}"),
	); err != nil {
		return nil, err
	}
	if m.findings, err = meter.Int64Counter("audit.findings.emitted",
		metric.WithDescription("Findings produced by rule evaluation"),
		metric.WithUnit("{finding}"),
	); err != nil {
		return nil, err
	}
	if m.recalcs, err = meter.Int64Counter("audit.recalculations.total",
		metric.WithDescription("Recalculation attempts by outcome"),
		metric.WithUnit("{recalculation}"),
	); err != nil {
		return nil, err
	}
	if m.staleMarkings, err = meter.Int64Counter("audit.records.marked_stale",
		metric.WithDescription("Records marked stale by retroactive amendments"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// DocumentExtracted counts one extracted document.
func (m *Metrics) DocumentExtracted(ctx context.Context, format, method string, degraded bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("format", format), attribute.String("method", method))
	m.documents.Add(ctx, 1, attrs)
	if degraded {
		m.degraded.Add(ctx, 1, attrs)
	}
}

// FindingsEmitted counts findings of one severity.
func (m *Metrics) FindingsEmitted(ctx context.Context, severity string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.findings.Add(ctx, int64(n), metric.WithAttributes(attribute.String("severity", severity)))
}

// Recalculation counts one recalculation attempt.
func (m *Metrics) Recalculation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.recalcs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// MarkedStale counts records invalidated by an amendment.
func (m *Metrics) MarkedStale(ctx context.Context, parameterID string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.staleMarkings.Add(ctx, int64(n), metric.WithAttributes(attribute.String("parameter", parameterID)))
}
