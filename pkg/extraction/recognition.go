package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm-audit/pkg/retry"
)

// Token is one recognized word with its position.
type Token struct {
	Text       string  `json:"text"`
	Line       int     `json:"line"`
	Start      int     `json:"start"`
	Confidence float64 `json:"confidence"`
}

// Region is a block of lines sharing one recognition confidence.
type Region struct {
	FirstLine  int     `json:"first_line"`
	LastLine   int     `json:"last_line"`
	Confidence float64 `json:"confidence"`
}

// Recognition is the raw output of the text-recognition service. Line
// numbers are zero-based indexes into the newline-split Text.
type Recognition struct {
	Text    string   `json:"text"`
	Tokens  []Token  `json:"tokens"`
	Regions []Region `json:"regions"`
}

// Recognizer turns a scanned document into text. Implementations return
// *RecognitionUnavailableError for transient failures and
// *UnsupportedFormatError for documents they cannot read.
type Recognizer interface {
	Recognize(ctx context.Context, data []byte) (*Recognition, error)
}

// HTTPRecognizerConfig configures HTTPRecognizer.
type HTTPRecognizerConfig struct {
	Endpoint         string        `yaml:"endpoint" validate:"required,url"`
	RequestsPerSec   float64       `yaml:"requests_per_sec" validate:"gt=0"`
	Burst            int           `yaml:"burst" validate:"gte=1"`
	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=1"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// DefaultHTTPRecognizerConfig returns conservative limits for a shared
// recognition service.
func DefaultHTTPRecognizerConfig(endpoint string) HTTPRecognizerConfig {
	return HTTPRecognizerConfig{
		Endpoint:         endpoint,
		RequestsPerSec:   5,
		Burst:            2,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// HTTPRecognizer posts documents to a recognition service. Calls are rate
// limited and pass through a circuit breaker. Retrying is left to the
// pipeline.
type HTTPRecognizer struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	breaker  *retry.CircuitBreaker
}

func NewHTTPRecognizer(cfg HTTPRecognizerConfig, client *http.Client) *HTTPRecognizer {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 5
	}
	return &HTTPRecognizer{
		endpoint: cfg.Endpoint,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), max(cfg.Burst, 1)),
		breaker:  retry.NewCircuitBreaker("recognition", cfg.FailureThreshold, cfg.ResetTimeout),
	}
}

// Breaker exposes the circuit breaker state for health reporting.
func (r *HTTPRecognizer) Breaker() *retry.CircuitBreaker { return r.breaker }

func (r *HTTPRecognizer) Recognize(ctx context.Context, data []byte) (*Recognition, error) {
	if !r.breaker.Allow() {
		return nil, &RecognitionUnavailableError{Reason: "circuit breaker open"}
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, &RecognitionUnavailableError{Reason: "rate limit wait", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("recognition request: %w", err)
	}
	req.Header.Set("Content-Type", http.DetectContentType(data))
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.breaker.Failure()
		return nil, &RecognitionUnavailableError{Reason: "request failed", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		r.breaker.Failure()
		return nil, &RecognitionUnavailableError{Reason: "reading response", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnsupportedMediaType || resp.StatusCode == http.StatusUnprocessableEntity:
		// the service is healthy, the document is not
		r.breaker.Success()
		return nil, &UnsupportedFormatError{Format: FormatUnknown, Detail: string(bytes.TrimSpace(body))}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		r.breaker.Failure()
		return nil, &RecognitionUnavailableError{Reason: fmt.Sprintf("service returned %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		r.breaker.Success()
		return nil, fmt.Errorf("recognition service returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out Recognition
	if err := json.Unmarshal(body, &out); err != nil {
		r.breaker.Failure()
		return nil, &RecognitionUnavailableError{Reason: "invalid response", Err: err}
	}
	r.breaker.Success()
	return &out, nil
}

// isUnavailable reports whether err should be retried.
func isUnavailable(err error) bool {
	var u *RecognitionUnavailableError
	return errors.As(err, &u) || errors.Is(err, context.DeadlineExceeded)
}
