package recalc

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
	"github.com/Mindburn-Labs/helm-audit/pkg/regulation"
	"github.com/Mindburn-Labs/helm-audit/pkg/report"
	"github.com/Mindburn-Labs/helm-audit/pkg/rules"
	"github.com/Mindburn-Labs/helm-audit/pkg/store"
)

func scenarioLine(cat declaration.Category, gross string, rate float64, declared string) declaration.LineItem {
	return declaration.LineItem{
		Category:       cat,
		GrossAmount:    decimal.RequireFromString(gross),
		BaseAmount:     decimal.RequireFromString(gross),
		DeclaredRate:   rate,
		DeclaredAmount: decimal.RequireFromString(declared),
		Confidence:     1,
	}
}

// A January 2025 declaration is audited, then the 2025 RGDU threshold is
// raised retroactively. The lineage goes stale, one sweep appends exactly one
// report version, and the first version is left byte for byte as it was.
func TestRetroactiveAmendment_January2025(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()

	coord := New(nil)
	catalog := regulation.NewCatalog(regulation.WithObserver(coord))
	table, err := regulation.EmbeddedTable("fr")
	require.NoError(t, err)
	_, err = regulation.Import(ctx, catalog, table)
	require.NoError(t, err)

	reg, err := rules.DefaultRegistry()
	require.NoError(t, err)
	assembler := report.NewAssembler(catalog, rules.NewEngine(reg), mem, mem, report.WithTracker(coord))
	coord.SetRegenerator(assembler)

	// 3000 is above the 2025 threshold of 1.6 × 1801.80, so no reduction is due.
	rec, err := declaration.New(declaration.Draft{
		SubjectID: "552100554",
		Period:    jan2025,
		Lines: []declaration.LineItem{
			scenarioLine(declaration.CategoryMaladie, "3000.00", 0.07, "210.00"),
			scenarioLine(declaration.CategoryRGDU, "3000.00", 0, "0.00"),
		},
		Provenance: declaration.Provenance{
			SourceHash: "sha256:jan2025",
			Format:     "dsn",
			Method:     declaration.MethodStructured,
			Confidence: 1,
		},
	})
	require.NoError(t, err)
	require.NoError(t, mem.SaveRecord(ctx, rec))

	scope := report.Scope{SubjectID: "552100554", From: jan2025, To: jan2025}
	v1, err := assembler.Assemble(ctx, scope)
	require.NoError(t, err)
	assert.Empty(t, v1.Findings())
	before, ok := mem.ReportBytes(v1.ID)
	require.True(t, ok)

	st, ok := coord.State(rec.LineageID)
	require.True(t, ok)
	assert.Equal(t, StateCurrent, st)

	until := regulation.Day(2026, time.January, 1)
	_, err = catalog.Amend(ctx, regulation.AmendRequest{
		ID:          "RGDU_THRESHOLD_MULTIPLE",
		Value:       3.0,
		From:        regulation.Day(2025, time.January, 1),
		Until:       &until,
		Retroactive: true,
	})
	require.NoError(t, err)

	st, _ = coord.State(rec.LineageID)
	assert.Equal(t, StateStale, st)

	res, err := coord.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recalculated)

	assert.Equal(t,
		[]State{StateStale, StateRecalculating, StateCurrent},
		states(coord.Transitions(rec.LineageID)))

	history, err := mem.ReportHistory(ctx, scope.Key())
	require.NoError(t, err)
	require.Len(t, history, 2)
	v2 := history[1]
	assert.Equal(t, v1.ID, v2.Previous)
	assert.Greater(t, v2.CatalogRevision, v1.CatalogRevision)

	// Under the amended threshold the reduction becomes due and was not claimed.
	findings := v2.Findings()
	require.Len(t, findings, 1)
	assert.Equal(t, "rgdu.coefficient", findings[0].RuleID)
	assert.Equal(t, rules.SeverityWarning, findings[0].Severity)
	assert.Equal(t, "958.20", findings[0].Expected)

	after, ok := mem.ReportBytes(v1.ID)
	require.True(t, ok)
	assert.Equal(t, before, after)

	stored, err := mem.GetReport(ctx, v1.ID)
	require.NoError(t, err)
	require.NoError(t, assembler.Verify(ctx, stored))
}
