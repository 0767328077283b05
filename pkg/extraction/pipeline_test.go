package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
	"github.com/Mindburn-Labs/helm-audit/pkg/documents"
)

type fakeRecognizer struct {
	mu    sync.Mutex
	calls int
	rec   *Recognition
	err   error
}

func (f *fakeRecognizer) Recognize(ctx context.Context, _ []byte) (*Recognition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.rec, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func newTestPipeline(opts ...Option) *Pipeline {
	base := []Option{WithSleeper(noSleep), WithClock(fixedClock(time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)))}
	return NewPipeline(DefaultConfig(), append(base, opts...)...)
}

func TestPipeline_StructuredIsIdempotent(t *testing.T) {
	doc := Document{Name: "janvier.csv", Data: []byte(sampleCSV)}

	a, err := newTestPipeline().Extract(context.Background(), doc)
	require.NoError(t, err)
	later := newTestPipeline(WithClock(fixedClock(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))))
	b, err := later.Extract(context.Background(), doc)
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, a.ContentHash, b.ContentHash)
	assert.NotEqual(t, a.Provenance.ExtractedAt, b.Provenance.ExtractedAt)

	b.Provenance.ExtractedAt = a.Provenance.ExtractedAt
	ja, err := json.Marshal(a)
	require.NoError(t, err)
	jb, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, string(ja), string(jb))

	assert.Equal(t, declaration.MethodStructured, a.Provenance.Method)
	assert.Equal(t, "csv", a.Provenance.Format)
	assert.Equal(t, documents.Hash(doc.Data), a.Provenance.SourceHash)
}

func TestPipeline_DSNRateWithThreeDecimals(t *testing.T) {
	src := strings.Replace(sampleDSN, "'7.00'", "'7.000'", 1)
	rec, err := newTestPipeline().Extract(context.Background(), Document{Name: "janvier.dsn", Data: []byte(src)})
	require.NoError(t, err)
	assert.InDelta(t, 0.07, rec.Lines[0].DeclaredRate, 1e-12)
}

func TestPipeline_UnknownCategoryNeedsReview(t *testing.T) {
	rec, err := newTestPipeline().Extract(context.Background(), Document{Name: "janvier.csv", Data: []byte(sampleCSV)})
	require.NoError(t, err)

	require.Len(t, rec.Lines, 3)
	assert.False(t, rec.Lines[0].NeedsReview)
	assert.False(t, rec.Lines[1].NeedsReview)
	assert.True(t, rec.Lines[2].NeedsReview)
	assert.Equal(t, 2, rec.Evaluable())
	assert.Equal(t, unknownCategoryConfidence, rec.Provenance.Confidence)
}

func TestPipeline_OCRBelowFloorNeedsReview(t *testing.T) {
	recognizer := &fakeRecognizer{rec: payslipRecognition()}
	p := newTestPipeline(WithRecognizer(recognizer))

	rec, err := p.Extract(context.Background(), Document{Name: "bulletin.pdf", Data: []byte("%PDF-1.7 payslip")})
	require.NoError(t, err)

	assert.Equal(t, declaration.MethodOCR, rec.Provenance.Method)
	assert.Equal(t, "pdf", rec.Provenance.Format)
	assert.Equal(t, "123456789", rec.SubjectID)
	require.Len(t, rec.Lines, 3)
	assert.False(t, rec.Lines[0].NeedsReview)
	assert.False(t, rec.Lines[1].NeedsReview)
	assert.True(t, rec.Lines[2].NeedsReview)
	assert.InDelta(t, 0.54, rec.Provenance.Confidence, 1e-9)
	assert.Equal(t, 1, recognizer.calls)
}

func TestPipeline_FloorIsConfigurable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfidenceFloor = 0.9
	p := NewPipeline(cfg, WithRecognizer(&fakeRecognizer{rec: payslipRecognition()}), WithSleeper(noSleep))

	rec, err := p.Extract(context.Background(), Document{Name: "bulletin.pdf", Data: []byte("%PDF-1.7 payslip")})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Evaluable())
}

func TestPipeline_RecognitionUnavailableDegrades(t *testing.T) {
	recognizer := &fakeRecognizer{err: &RecognitionUnavailableError{Reason: "timeout"}}
	p := newTestPipeline(WithRecognizer(recognizer))

	rec, err := p.Extract(context.Background(), Document{
		Name:      "scan.png",
		Data:      []byte("\x89PNG\r\n\x1a\nimage"),
		SubjectID: "123456789",
		Period:    declaration.NewPeriod(2026, 1),
	})
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig().Retry.MaxAttempts, recognizer.calls)
	assert.True(t, rec.Provenance.Degraded)
	assert.Contains(t, rec.Provenance.DegradedReason, "timeout")
	assert.Empty(t, rec.Lines)
	assert.Equal(t, 0, rec.Evaluable())
	assert.Equal(t, 0.0, rec.Provenance.Confidence)
}

func TestPipeline_DegradedUsesFileNameHints(t *testing.T) {
	p := newTestPipeline()

	rec, err := p.Extract(context.Background(), Document{Name: "bulletin_12345678900012_03-2026.jpg", Data: []byte("\xff\xd8\xff\xe0")})
	require.NoError(t, err)
	assert.Equal(t, "123456789", rec.SubjectID)
	assert.Equal(t, declaration.NewPeriod(2026, 3), rec.Period)
	assert.True(t, rec.Provenance.Degraded)
}

func TestPipeline_DegradedWithoutSubjectIsMalformed(t *testing.T) {
	_, err := newTestPipeline().Extract(context.Background(), Document{Name: "scan.pdf", Data: []byte("%PDF")})
	var merr *declaration.MalformedDeclarationError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, "subject_id", merr.FieldPath)
}

func TestPipeline_UnsupportedBecomesMalformed(t *testing.T) {
	recognizer := &fakeRecognizer{err: &UnsupportedFormatError{Format: FormatUnknown, Detail: "encrypted"}}
	_, err := newTestPipeline(WithRecognizer(recognizer)).Extract(context.Background(), Document{Name: "locked.pdf", Data: []byte("%PDF")})

	var merr *declaration.MalformedDeclarationError
	require.True(t, errors.As(err, &merr))
	var unsupported *UnsupportedFormatError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "locked.pdf", unsupported.Name)
	assert.Equal(t, 1, recognizer.calls)
}

func TestPipeline_UnknownFormat(t *testing.T) {
	_, err := newTestPipeline().Extract(context.Background(), Document{Name: "notes", Data: []byte("hello")})
	var unsupported *UnsupportedFormatError
	require.True(t, errors.As(err, &unsupported))
}

func TestPipeline_StoresSourceInVault(t *testing.T) {
	vault := documents.NewMemoryVault()
	rec, err := newTestPipeline(WithVault(vault)).Extract(context.Background(), Document{Name: "janvier.dsn", Data: []byte(sampleDSN)})
	require.NoError(t, err)

	data, err := vault.Get(context.Background(), rec.Provenance.SourceHash)
	require.NoError(t, err)
	assert.Equal(t, sampleDSN, string(data))
}

func TestPipeline_Supersedes(t *testing.T) {
	p := newTestPipeline()
	first, err := p.Extract(context.Background(), Document{Name: "janvier.dsn", Data: []byte(sampleDSN)})
	require.NoError(t, err)

	corrected := []byte(sampleDSN + "S21.G00.81.001,'236'\nS21.G00.81.003,'3000.00'\nS21.G00.81.004,'0.10'\nS21.G00.81.005,'3.00'\n")
	second, err := p.Extract(context.Background(), Document{Name: "janvier-v2.dsn", Data: corrected, Supersedes: first})
	require.NoError(t, err)

	assert.Equal(t, 2, second.Version)
	assert.Equal(t, first.ID, second.Previous)
	assert.Equal(t, first.LineageID, second.LineageID)
	assert.Len(t, second.Lines, 4)
}

func TestPipeline_ExtractBatch(t *testing.T) {
	docs := []Document{
		{Name: "a.dsn", Data: []byte(sampleDSN)},
		{Name: "b.csv", Data: []byte("type_cotisation;base;montant\nmaladie;3000;abc\n")},
		{Name: "c.csv", Data: []byte(sampleCSV)},
	}
	results, err := newTestPipeline().ExtractBatch(context.Background(), docs)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.NotNil(t, results[0].Record)
	var merr *declaration.MalformedDeclarationError
	assert.True(t, errors.As(results[1].Err, &merr))
	assert.Equal(t, "c.csv", results[2].Name)
	assert.NotNil(t, results[2].Record)
}

func TestPipeline_ExtractBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := newTestPipeline().ExtractBatch(ctx, []Document{
		{Name: "a.dsn", Data: []byte(sampleDSN)},
		{Name: "c.csv", Data: []byte(sampleCSV)},
	})
	assert.ErrorIs(t, err, context.Canceled)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
		assert.Nil(t, r.Record)
	}
}
