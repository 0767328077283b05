package declaration

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDraft() Draft {
	return Draft{
		SubjectID: "552100554",
		Period:    NewPeriod(2026, time.January),
		Lines: []LineItem{
			{
				Category:       CategoryMaladie,
				GrossAmount:    decimal.RequireFromString("3000.00"),
				BaseAmount:     decimal.RequireFromString("3000.00"),
				DeclaredRate:   0.13,
				DeclaredAmount: decimal.RequireFromString("390.00"),
				Confidence:     1,
			},
			{
				Category:    CategoryCRDS,
				Confidence:  0.4,
				NeedsReview: true,
			},
		},
		Provenance: Provenance{
			SourceHash:  "sha256:abc",
			Format:      "csv",
			Method:      MethodStructured,
			Confidence:  1,
			ExtractedAt: time.Date(2026, 2, 5, 10, 0, 0, 0, time.UTC),
		},
	}
}

func TestNew_AssignsIdentityAndHash(t *testing.T) {
	r, err := New(sampleDraft())
	require.NoError(t, err)

	assert.Contains(t, r.ID, "decl-")
	assert.Equal(t, r.ID, r.LineageID)
	assert.Equal(t, 1, r.Version)
	assert.Empty(t, r.Previous)
	assert.NoError(t, r.VerifyContentHash())
	assert.Equal(t, 1, r.Evaluable())
	assert.Equal(t, []Category{CategoryMaladie}, r.Categories())
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), r.EffectiveDate())
}

func TestNew_HashIgnoresExtractionTimestamp(t *testing.T) {
	a, err := New(sampleDraft())
	require.NoError(t, err)

	d := sampleDraft()
	d.Provenance.ExtractedAt = d.Provenance.ExtractedAt.Add(time.Hour)
	b, err := New(d)
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, a.ContentHash, b.ContentHash)

	d.Lines[0].DeclaredRate = 0.07
	c, err := New(d)
	require.NoError(t, err)
	assert.NotEqual(t, a.ContentHash, c.ContentHash)
}

func TestSupersede_BuildsChain(t *testing.T) {
	v1, err := New(sampleDraft())
	require.NoError(t, err)

	d := v1.Draft()
	d.Lines[0].DeclaredAmount = decimal.RequireFromString("391.00")
	d.Provenance.SourceHash = "sha256:def"
	v2, err := Supersede(v1, d)
	require.NoError(t, err)

	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, v1.ID, v2.Previous)
	assert.Equal(t, v1.LineageID, v2.LineageID)
	assert.NotEqual(t, v1.ID, v2.ID)
	assert.True(t, v1.Lines[0].DeclaredAmount.Equal(decimal.RequireFromString("390.00")), "previous version untouched")

	d.Period = NewPeriod(2026, time.February)
	_, err = Supersede(v1, d)
	var malformed *MalformedDeclarationError
	require.ErrorAs(t, err, &malformed)
}

func TestValidate_ReportsJSONFieldPath(t *testing.T) {
	d := sampleDraft()
	d.Lines[0].DeclaredRate = 13
	_, err := New(d)

	var malformed *MalformedDeclarationError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "lines[0].declared_rate", malformed.FieldPath)

	d = sampleDraft()
	d.Period = Period{}
	_, err = New(d)
	require.ErrorAs(t, err, &malformed)
	assert.Contains(t, malformed.FieldPath, "period")

	d = sampleDraft()
	d.SubjectID = ""
	_, err = New(d)
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "subject_id", malformed.FieldPath)
}

func TestRecord_JSONRoundTripKeepsHash(t *testing.T) {
	r, err := New(sampleDraft())
	require.NoError(t, err)

	raw, err := json.Marshal(r)
	require.NoError(t, err)
	var back Record
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.NoError(t, back.VerifyContentHash())
}
