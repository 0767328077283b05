package declaration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCategory(t *testing.T) {
	cases := []struct {
		in   string
		want Category
	}{
		{"maladie", CategoryMaladie},
		{"Assurance Maladie", CategoryMaladie},
		{"CSG déductible", CategoryCSGDeductible},
		{"csg_non_deductible", CategoryCSGNonDeductible},
		{"Allocations familiales", CategoryAllocationsFamiliales},
		{"Assurance chômage", CategoryChomage},
		{"Réduction générale", CategoryRGDU},
		{"FNAL", CategoryFNAL},
		{"Contribution Formation Professionnelle", CategoryFormationProfessionnelle},
		{"something else", CategoryUnknown},
		{"", CategoryUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseCategory(tc.in), tc.in)
	}
}

func TestFold(t *testing.T) {
	assert.Equal(t, "vieillesse deplafonnee", Fold("  Vieillesse -- Déplafonnée "))
}

func TestParsePeriod(t *testing.T) {
	for _, in := range []string{"2026-01", "202601", "01/2026", "1/2026", "01012026"} {
		p, err := ParsePeriod(in)
		require.NoError(t, err, in)
		assert.Equal(t, NewPeriod(2026, time.January), p, in)
	}
	_, err := ParsePeriod("2026-13")
	require.Error(t, err)
	_, err = ParsePeriod("janvier")
	require.Error(t, err)
}

func TestPeriodOrdering(t *testing.T) {
	jan := NewPeriod(2026, time.January)
	dec := NewPeriod(2025, time.December)

	assert.Equal(t, 1, jan.Compare(dec))
	assert.Equal(t, dec, jan.AddMonths(-1))
	assert.True(t, jan.Within(dec, jan))
	assert.False(t, dec.Within(jan, jan.AddMonths(3)))
	assert.Equal(t, "2025-12", dec.String())
}
