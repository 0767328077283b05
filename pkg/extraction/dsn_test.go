package extraction

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
)

const sampleDSN = `S10.G00.00.001,'HELM PAIE'
S10.G00.01.001,'123456789'
S20.G00.05.002,'202601'
S21.G00.06.001,'12345678900012'
S21.G00.11.001,'12'
S21.G00.51.001,'3000.00'
S21.G00.81.001,'100'
S21.G00.81.003,'3000.00'
S21.G00.81.004,'7.00'
S21.G00.81.005,'210.00'
S21.G00.81.001,'332'
S21.G00.81.003,'3000.00'
S21.G00.81.004,'3.45'
S21.G00.81.005,'103.50'
S21.G00.81.001,'999'
S21.G00.81.003,'3000.00'
S21.G00.81.004,'2.00'
S21.G00.81.005,'60.00'
S89.G00.89.001,'373.50'
`

func TestDSNParser_Parse(t *testing.T) {
	d, err := DSNParser{}.Parse(context.Background(), Document{Name: "janvier.dsn", Data: []byte(sampleDSN)})
	require.NoError(t, err)

	assert.Equal(t, "123456789", d.SubjectID)
	assert.Equal(t, declaration.NewPeriod(2026, 1), d.Period)
	require.NotNil(t, d.Headcount)
	assert.Equal(t, 12, *d.Headcount)

	require.Len(t, d.Lines, 3)
	assert.Equal(t, declaration.CategoryMaladie, d.Lines[0].Category)
	assert.Equal(t, "3000", d.Lines[0].BaseAmount.String())
	assert.Equal(t, "3000", d.Lines[0].GrossAmount.String())
	assert.InDelta(t, 0.07, d.Lines[0].DeclaredRate, 1e-12)
	assert.Equal(t, "210", d.Lines[0].DeclaredAmount.String())
	assert.Equal(t, 1.0, d.Lines[0].Confidence)
	assert.Equal(t, "line:7", d.Lines[0].SourceRef)

	assert.Equal(t, declaration.CategoryAllocationsFamiliales, d.Lines[1].Category)
	assert.InDelta(t, 0.0345, d.Lines[1].DeclaredRate, 1e-12)

	assert.Equal(t, declaration.CategoryUnknown, d.Lines[2].Category)
	assert.Less(t, d.Lines[2].Confidence, 0.6)
}

func TestDSNParser_ThreeDecimalRates(t *testing.T) {
	src := strings.NewReplacer("'7.00'", "'7.000'", "'2.00'", "'2.080'", "'3000.00'", "'3000.000'").Replace(sampleDSN)
	d, err := DSNParser{}.Parse(context.Background(), Document{Data: []byte(src)})
	require.NoError(t, err)
	require.Len(t, d.Lines, 3)
	assert.InDelta(t, 0.07, d.Lines[0].DeclaredRate, 1e-12)
	assert.Equal(t, "3000", d.Lines[0].BaseAmount.String())
	assert.InDelta(t, 0.0208, d.Lines[2].DeclaredRate, 1e-12)

	_, err = DSNParser{}.Parse(context.Background(), Document{Data: []byte(strings.Replace(sampleDSN, "'210.00'", "'210,00'", 1))})
	var merr *declaration.MalformedDeclarationError
	require.True(t, errors.As(err, &merr), "got %v", err)
	assert.Equal(t, "S21.G00.81.005[line 10]", merr.FieldPath)
}

func TestDSNParser_FallsBackToBases(t *testing.T) {
	src := `S10.G00.01.001,'123456789'
S21.G00.06.003,'01022026'
S21.G00.78.001,'260'
S21.G00.78.004,'3925.00'
`
	d, err := DSNParser{}.Parse(context.Background(), Document{Data: []byte(src)})
	require.NoError(t, err)
	assert.Equal(t, declaration.NewPeriod(2026, 2), d.Period)
	require.Len(t, d.Lines, 1)
	assert.Equal(t, declaration.CategoryVieillessePlafonnee, d.Lines[0].Category)
	assert.Equal(t, "3925", d.Lines[0].BaseAmount.String())
	assert.True(t, d.Lines[0].DeclaredAmount.IsZero())
}

func TestDSNParser_Malformed(t *testing.T) {
	cases := []struct {
		name string
		src  string
		path string
	}{
		{"bad rate", strings.Replace(sampleDSN, "'7.00'", "'sept'", 1), "S21.G00.81.004[line 9]"},
		{"bad amount", strings.Replace(sampleDSN, "'210.00'", "'n/a'", 1), "S21.G00.81.005[line 10]"},
		{"bad period", strings.Replace(sampleDSN, "'202601'", "'202613'", 1), "S20.G00.05.002"},
		{"bad headcount", strings.Replace(sampleDSN, "S21.G00.11.001,'12'", "S21.G00.11.001,'douze'", 1), "S21.G00.11.001"},
		{"no rubrics", "hello\nworld\n", "document"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DSNParser{}.Parse(context.Background(), Document{Data: []byte(tc.src)})
			var merr *declaration.MalformedDeclarationError
			require.True(t, errors.As(err, &merr), "got %v", err)
			assert.Equal(t, tc.path, merr.FieldPath)
		})
	}
}
