package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
)

const payslipText = "ACME SAS SIRET : 123 456 789 00012\n" +
	"Période : 01/2026\n" +
	"Effectif : 8\n" +
	"Salaire brut 3 000,00\n" +
	"Maladie 3 000,00 7,00 % 210,00\n" +
	"Assurance vieillesse plafonnée 3 000,00 8,55 % 256,50\n" +
	"Allocations familiales 3 000,00\n" +
	"CSG déductible\n" +
	"Net à payer 2 300,00\n"

func payslipRecognition() *Recognition {
	return &Recognition{
		Text:    payslipText,
		Regions: []Region{{FirstLine: 6, LastLine: 6, Confidence: 0.9}},
	}
}

func TestMatcher_Payslip(t *testing.T) {
	d := NewMatcher().Match(payslipRecognition())

	assert.Equal(t, "123456789", d.SubjectID)
	assert.Equal(t, declaration.NewPeriod(2026, 1), d.Period)
	require.NotNil(t, d.Headcount)
	assert.Equal(t, 8, *d.Headcount)

	require.Len(t, d.Lines, 3)

	maladie := d.Lines[0]
	assert.Equal(t, declaration.CategoryMaladie, maladie.Category)
	assert.Equal(t, "3000", maladie.BaseAmount.String())
	assert.Equal(t, "3000", maladie.GrossAmount.String())
	assert.InDelta(t, 0.07, maladie.DeclaredRate, 1e-12)
	assert.Equal(t, "210", maladie.DeclaredAmount.String())
	assert.Equal(t, 1.0, maladie.Confidence)
	assert.Equal(t, "ocr:line:4", maladie.SourceRef)

	plafonnee := d.Lines[1]
	assert.Equal(t, declaration.CategoryVieillessePlafonnee, plafonnee.Category)
	// unanchored keyword, consistent arithmetic
	assert.InDelta(t, 0.85, plafonnee.Confidence, 1e-9)

	af := d.Lines[2]
	assert.Equal(t, declaration.CategoryAllocationsFamiliales, af.Category)
	// anchored, base only, region at 0.9
	assert.InDelta(t, 0.54, af.Confidence, 1e-9)
	assert.True(t, af.DeclaredAmount.IsZero())
}

func TestMatcher_IsDeterministic(t *testing.T) {
	m := NewMatcher()
	assert.Equal(t, m.Match(payslipRecognition()), m.Match(payslipRecognition()))
}

func TestMatcher_Keywords(t *testing.T) {
	cases := []struct {
		line string
		want declaration.Category
	}{
		{"Vieillesse déplafonnée 3 000,00 2,11 % 63,30", declaration.CategoryVieillesseDeplafonnee},
		{"CSG/CRDS non déductible 2 947,50 2,90 % 85,48", declaration.CategoryCSGNonDeductible},
		{"CRDS 2 947,50 0,50 % 14,74", declaration.CategoryCRDS},
		{"Retraite complémentaire T1 3 000,00 4,72 % 141,60", declaration.CategoryRetraiteComplementaireT1},
		{"AT/MP 3 000,00 1,20 % 36,00", declaration.CategoryAccidentTravail},
		{"AGS 3 000,00 0,15 % 4,50", declaration.CategoryAGS},
		{"Contribution solidarité autonomie 3 000,00 0,30 % 9,00", declaration.CategoryCSA},
	}
	m := NewMatcher()
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			line, ok := m.matchLine(tc.line)
			require.True(t, ok)
			assert.Equal(t, tc.want, line.Category)
			assert.False(t, line.BaseAmount.IsZero())
		})
	}
}

func TestMatcher_TokenConfidenceLowersLine(t *testing.T) {
	rec := &Recognition{
		Text: "Maladie 3 000,00 7,00 % 210,00\n",
		Tokens: []Token{
			{Text: "Maladie", Line: 0, Start: 0, Confidence: 0.99},
			{Text: "210,00", Line: 0, Start: 24, Confidence: 0.5},
		},
	}
	d := NewMatcher().Match(rec)
	require.Len(t, d.Lines, 1)
	// 1.0 * 0.5, then the consistency boost
	assert.InDelta(t, 0.55, d.Lines[0].Confidence, 1e-9)
}

func TestMatcher_EmptyRecognition(t *testing.T) {
	d := NewMatcher().Match(nil)
	assert.Empty(t, d.Lines)
	assert.Equal(t, "", d.SubjectID)
}
