package rules

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
	"github.com/Mindburn-Labs/helm-audit/pkg/regulation"
)

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// line builds an evaluable line where gross equals base.
func line(cat declaration.Category, base string, rate float64, declared string) declaration.LineItem {
	return declaration.LineItem{
		Category:       cat,
		GrossAmount:    amount(base),
		BaseAmount:     amount(base),
		DeclaredRate:   rate,
		DeclaredAmount: amount(declared),
		Confidence:     1,
	}
}

type recordOpt func(*declaration.Draft)

func withHeadcount(n int) recordOpt {
	return func(d *declaration.Draft) { d.Headcount = &n }
}

func withPeriod(p declaration.Period) recordOpt {
	return func(d *declaration.Draft) { d.Period = p }
}

func withEligibility(code string, since time.Time) recordOpt {
	return func(d *declaration.Draft) {
		if d.Eligibility == nil {
			d.Eligibility = map[string]time.Time{}
		}
		d.Eligibility[code] = since
	}
}

func newRecord(t *testing.T, lines []declaration.LineItem, opts ...recordOpt) *declaration.Record {
	t.Helper()
	d := declaration.Draft{
		SubjectID: "552100554",
		Period:    declaration.NewPeriod(2026, time.January),
		Lines:     lines,
		Provenance: declaration.Provenance{
			SourceHash: "sha256:test",
			Format:     "csv",
			Method:     declaration.MethodStructured,
			Confidence: 1,
		},
	}
	for _, opt := range opts {
		opt(&d)
	}
	rec, err := declaration.New(d)
	require.NoError(t, err)
	return rec
}

// frSet resolves every parameter of the bundled French table at date.
func frSet(t *testing.T, date time.Time) *regulation.Set {
	t.Helper()
	c := regulation.NewCatalog()
	table, err := regulation.EmbeddedTable("fr")
	require.NoError(t, err)
	_, err = regulation.Import(context.Background(), c, table)
	require.NoError(t, err)
	set, err := c.Snapshot().ResolveAll(date)
	require.NoError(t, err)
	return set
}

// setOf publishes each value open-ended from 2025-01-01 and resolves them.
func setOf(t *testing.T, date time.Time, values map[string]float64) *regulation.Set {
	t.Helper()
	c := regulation.NewCatalog()
	ids := make([]string, 0, len(values))
	for id, v := range values {
		_, err := c.Publish(context.Background(), regulation.PublishRequest{
			ID: id, Value: v, Unit: regulation.UnitRate, From: regulation.Day(2025, 1, 1),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	set, err := c.Resolve(date, ids)
	require.NoError(t, err)
	return set
}

func engineWith(rules ...Rule) *Engine {
	return NewEngine(NewRegistry().MustRegister(rules...))
}

var jan2026 = regulation.Day(2026, 1, 1)
