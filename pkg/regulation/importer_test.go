package regulation

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedTable_ImportsAndResolves(t *testing.T) {
	table, err := EmbeddedTable("fr")
	require.NoError(t, err)
	require.NotEmpty(t, table.Parameters)

	c := newTestCatalog()
	res, err := Import(context.Background(), c, table)
	require.NoError(t, err)
	assert.Equal(t, len(table.Parameters), res.Published)

	set, err := c.Resolve(Day(2026, 1, 15), []string{"SMIC_MONTHLY", "PASS_MONTHLY", "RGDU_THRESHOLD_MULTIPLE", "RATE_MALADIE"})
	require.NoError(t, err)

	smic, _ := set.Value("SMIC_MONTHLY")
	assert.InDelta(t, 1823.03, smic, 1e-9)
	pass, _ := set.Value("PASS_MONTHLY")
	assert.Equal(t, 4005.0, pass)
	mult, _ := set.Value("RGDU_THRESHOLD_MULTIPLE")
	assert.Equal(t, 3.0, mult)

	p, _ := set.Get("SMIC_MONTHLY")
	assert.NotEmpty(t, p.Citation)
}

func TestImport_IsIdempotent(t *testing.T) {
	table, err := EmbeddedTable("fr")
	require.NoError(t, err)

	c := newTestCatalog()
	_, err = Import(context.Background(), c, table)
	require.NoError(t, err)
	rev := c.Revision()

	res, err := Import(context.Background(), c, table)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Published)
	assert.Equal(t, len(table.Parameters), res.Skipped)
	assert.Equal(t, rev, c.Revision())
}

func TestImport_ConflictingRowAborts(t *testing.T) {
	c := newTestCatalog()
	publish(t, c, "RATE_CSA", 0.004, Day(2025, 1, 1), nil)

	table, err := ParseRateTable(strings.NewReader(`
name: local
source: test
parameters:
  - {id: RATE_CSA, value: 0.003, unit: rate, effective_from: 2025-01-01}
`))
	require.NoError(t, err)

	_, err = Import(context.Background(), c, table)
	var overlap *OverlapError
	require.ErrorAs(t, err, &overlap)
}

func TestParseRateTable_RejectsUnknownFieldsAndBadDates(t *testing.T) {
	_, err := ParseRateTable(strings.NewReader("name: x\nbogus: 1\n"))
	require.Error(t, err)

	table, err := ParseRateTable(strings.NewReader(`
name: bad
parameters:
  - {id: X, value: 1, unit: rate, effective_from: "01/01/2025"}
`))
	require.NoError(t, err)
	_, err = table.Requests()
	require.ErrorContains(t, err, "parameters[0].effective_from")
}

func TestEmbeddedTable_Unknown(t *testing.T) {
	_, err := EmbeddedTable("de")
	require.Error(t, err)
}
