package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-audit/pkg/retry"
)

func newTestRecognizer(t *testing.T, handler http.HandlerFunc, threshold int) *HTTPRecognizer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := DefaultHTTPRecognizerConfig(srv.URL)
	cfg.RequestsPerSec = 1000
	cfg.Burst = 100
	cfg.FailureThreshold = threshold
	return NewHTTPRecognizer(cfg, srv.Client())
}

func TestHTTPRecognizer_Success(t *testing.T) {
	r := newTestRecognizer(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodPost, req.Method)
		_ = json.NewEncoder(w).Encode(Recognition{
			Text:   "Maladie 3 000,00 7,00 % 210,00",
			Tokens: []Token{{Text: "Maladie", Line: 0, Confidence: 0.97}},
		})
	}, 3)

	rec, err := r.Recognize(context.Background(), []byte("%PDF-1.7"))
	require.NoError(t, err)
	assert.Equal(t, "Maladie 3 000,00 7,00 % 210,00", rec.Text)
	require.Len(t, rec.Tokens, 1)
	assert.Equal(t, 0.97, rec.Tokens[0].Confidence)
}

func TestHTTPRecognizer_UnsupportedMedia(t *testing.T) {
	r := newTestRecognizer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "encrypted pdf", http.StatusUnsupportedMediaType)
	}, 3)

	_, err := r.Recognize(context.Background(), []byte("%PDF"))
	var unsupported *UnsupportedFormatError
	require.True(t, errors.As(err, &unsupported))
	assert.Contains(t, unsupported.Detail, "encrypted pdf")
	assert.Equal(t, retry.BreakerClosed, r.Breaker().State())
}

func TestHTTPRecognizer_BreakerOpensOnServerErrors(t *testing.T) {
	calls := 0
	r := newTestRecognizer(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 2)

	for range 2 {
		_, err := r.Recognize(context.Background(), []byte("%PDF"))
		var unavailable *RecognitionUnavailableError
		require.True(t, errors.As(err, &unavailable))
	}
	assert.Equal(t, retry.BreakerOpen, r.Breaker().State())

	_, err := r.Recognize(context.Background(), []byte("%PDF"))
	var unavailable *RecognitionUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, "circuit breaker open", unavailable.Reason)
	assert.Equal(t, 2, calls)
}
