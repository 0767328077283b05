// Package extraction turns raw documents into declaration records.
//
// Structured formats (DSN, CSV, XLSX, JSON) are parsed directly. Scanned
// documents go through a Recognizer and the keyword Matcher; every line gets
// a confidence and lines under the floor are kept for review instead of
// being evaluated.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
	"github.com/Mindburn-Labs/helm-audit/pkg/documents"
	"github.com/Mindburn-Labs/helm-audit/pkg/observability"
	"github.com/Mindburn-Labs/helm-audit/pkg/retry"
)

// Document is one submitted file. SubjectID and Period are hints used when
// the content does not carry them. Supersedes, when set, makes the result a
// correction of that record.
type Document struct {
	Name       string
	Data       []byte
	Format     Format
	SubjectID  string
	Period     declaration.Period
	Supersedes *declaration.Record
}

// Config tunes the pipeline.
type Config struct {
	ConfidenceFloor    float64       `yaml:"confidence_floor" validate:"gte=0,lte=1"`
	RecognitionTimeout time.Duration `yaml:"recognition_timeout"`
	Retry              retry.Policy  `yaml:"retry"`
	Workers            int           `yaml:"workers" validate:"gte=0"`
}

// DefaultConfig returns the default floor of 0.6 and a three-attempt
// recognition budget.
func DefaultConfig() Config {
	return Config{
		ConfidenceFloor:    0.6,
		RecognitionTimeout: 30 * time.Second,
		Retry:              retry.DefaultPolicy(),
		Workers:            4,
	}
}

// Pipeline extracts records. It holds no per-document state and is safe for
// concurrent use.
type Pipeline struct {
	cfg        Config
	parsers    map[Format]Parser
	recognizer Recognizer
	matcher    *Matcher
	vault      documents.Vault
	metrics    *observability.Metrics
	clock      func() time.Time
	sleep      retry.Sleeper
	logger     *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithRecognizer(r Recognizer) Option { return func(p *Pipeline) { p.recognizer = r } }

// WithVault stores every source document before it is parsed.
func WithVault(v documents.Vault) Option { return func(p *Pipeline) { p.vault = v } }

func WithMetrics(m *observability.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

func WithClock(clock func() time.Time) Option { return func(p *Pipeline) { p.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithSleeper replaces the retry sleep, for tests.
func WithSleeper(s retry.Sleeper) Option { return func(p *Pipeline) { p.sleep = s } }

// WithParser registers or replaces the parser for its format.
func WithParser(parser Parser) Option {
	return func(p *Pipeline) { p.parsers[parser.Format()] = parser }
}

func NewPipeline(cfg Config, opts ...Option) *Pipeline {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	p := &Pipeline{
		cfg:     cfg,
		parsers: make(map[Format]Parser),
		matcher: NewMatcher(),
		clock:   time.Now,
		sleep:   retry.Sleep,
		logger:  slog.Default().With("component", "extraction"),
	}
	for _, parser := range DefaultParsers() {
		p.parsers[parser.Format()] = parser
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Extract turns one document into a record. Malformed input returns a
// *declaration.MalformedDeclarationError; an unreachable recognition service
// degrades the record to review instead of failing.
func (p *Pipeline) Extract(ctx context.Context, doc Document) (*declaration.Record, error) {
	format := doc.Format
	if format == "" {
		format = Detect(doc.Name, doc.Data)
	}
	if format == FormatUnknown {
		return nil, declaration.Malformed("document", "cannot determine format", &UnsupportedFormatError{Name: doc.Name, Format: format})
	}

	hash := documents.Hash(doc.Data)
	if p.vault != nil {
		if _, err := p.vault.Put(ctx, doc.Data); err != nil {
			return nil, fmt.Errorf("storing %s: %w", doc.Name, err)
		}
	}

	var (
		draft declaration.Draft
		prov  = declaration.Provenance{
			SourceHash: hash,
			SourceName: doc.Name,
			Format:     string(format),
			Method:     declaration.MethodStructured,
		}
		err error
	)
	if format.Structured() {
		parser, ok := p.parsers[format]
		if !ok {
			return nil, declaration.Malformed("document", "no parser registered", &UnsupportedFormatError{Name: doc.Name, Format: format})
		}
		draft, err = parser.Parse(ctx, doc)
	} else {
		prov.Method = declaration.MethodOCR
		draft, err = p.recognize(ctx, doc, hash, &prov)
	}
	if err != nil {
		return nil, err
	}

	if err := p.applyHints(&draft, doc); err != nil {
		return nil, err
	}
	p.applyFloor(&draft)
	prov.Confidence = overallConfidence(draft, prov)
	prov.ExtractedAt = p.clock().UTC()
	draft.Provenance = prov

	var rec *declaration.Record
	if doc.Supersedes != nil {
		rec, err = declaration.Supersede(doc.Supersedes, draft)
	} else {
		rec, err = declaration.New(draft)
	}
	if err != nil {
		return nil, err
	}

	p.metrics.DocumentExtracted(ctx, string(format), string(prov.Method), prov.Degraded)
	p.logger.InfoContext(ctx, "document extracted",
		"document", doc.Name,
		"record", rec.ID,
		"format", format,
		"lines", len(rec.Lines),
		"evaluable", rec.Evaluable(),
		"degraded", prov.Degraded,
	)
	return rec, nil
}

// recognize calls the recognizer within the retry budget. When the budget
// runs out the draft is returned empty and marked degraded.
func (p *Pipeline) recognize(ctx context.Context, doc Document, hash string, prov *declaration.Provenance) (declaration.Draft, error) {
	var rec *Recognition
	var lastErr error = &RecognitionUnavailableError{Reason: "no recognizer configured"}

	if p.recognizer != nil {
		lastErr = retry.Do(ctx, p.cfg.Retry, hash, p.sleep, func(ctx context.Context, attempt int) error {
			callCtx := ctx
			if p.cfg.RecognitionTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, p.cfg.RecognitionTimeout)
				defer cancel()
			}
			r, err := p.recognizer.Recognize(callCtx, doc.Data)
			if err == nil {
				rec = r
				return nil
			}
			if ctx.Err() != nil {
				return &retry.Permanent{Err: ctx.Err()}
			}
			if !isUnavailable(err) {
				return &retry.Permanent{Err: err}
			}
			p.logger.WarnContext(ctx, "recognition attempt failed", "document", doc.Name, "attempt", attempt, "error", err)
			return err
		})
	}

	if lastErr == nil {
		return p.matcher.Match(rec), nil
	}
	if ctx.Err() != nil {
		return declaration.Draft{}, ctx.Err()
	}
	var unsupported *UnsupportedFormatError
	if errors.As(lastErr, &unsupported) {
		unsupported.Name = doc.Name
		return declaration.Draft{}, declaration.Malformed("document", "recognition rejected the document", unsupported)
	}
	if !isUnavailable(lastErr) {
		return declaration.Draft{}, fmt.Errorf("recognizing %s: %w", doc.Name, lastErr)
	}

	p.logger.WarnContext(ctx, "recognition unavailable, routing document to review", "document", doc.Name, "error", lastErr)
	prov.Degraded = true
	prov.DegradedReason = lastErr.Error()
	return declaration.Draft{Lines: []declaration.LineItem{}}, nil
}

func (p *Pipeline) applyHints(d *declaration.Draft, doc Document) error {
	if d.SubjectID == "" {
		d.SubjectID = NormalizeSubject(doc.SubjectID)
	}
	if d.SubjectID == "" {
		d.SubjectID = subjectFromName(doc.Name)
	}
	if d.Period.IsZero() {
		d.Period = doc.Period
	}
	if d.Period.IsZero() {
		if period, ok := periodFromName(doc.Name); ok {
			d.Period = period
		}
	}
	if d.SubjectID == "" {
		return declaration.Malformed("subject_id", "no subject identifier in document, hints or file name", nil)
	}
	if d.Period.IsZero() {
		return declaration.Malformed("period", "no declaration period in document, hints or file name", nil)
	}
	return nil
}

// applyFloor flags every line under the confidence floor for review.
func (p *Pipeline) applyFloor(d *declaration.Draft) {
	for i := range d.Lines {
		if d.Lines[i].Confidence < p.cfg.ConfidenceFloor {
			d.Lines[i].NeedsReview = true
		}
	}
}

func overallConfidence(d declaration.Draft, prov declaration.Provenance) float64 {
	if prov.Degraded {
		return 0
	}
	if len(d.Lines) == 0 {
		if prov.Method == declaration.MethodStructured {
			return 1
		}
		return 0
	}
	c := math.Inf(1)
	for _, l := range d.Lines {
		c = math.Min(c, l.Confidence)
	}
	return c
}

// BatchResult is the outcome of one document in a batch.
type BatchResult struct {
	Name   string
	Record *declaration.Record
	Err    error
}

// ExtractBatch extracts documents in parallel. Per-document failures are
// reported in the results. Cancellation stops new documents from starting;
// documents already running finish. Documents never started carry the
// context error.
func (p *Pipeline) ExtractBatch(ctx context.Context, docs []Document) ([]BatchResult, error) {
	results := make([]BatchResult, len(docs))
	for i, d := range docs {
		results[i].Name = d.Name
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for i, doc := range docs {
		if ctx.Err() != nil {
			results[i].Err = ctx.Err()
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			// a record is never abandoned midway
			rec, err := p.Extract(context.WithoutCancel(ctx), doc)
			results[i].Record = rec
			results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()
	return results, ctx.Err()
}
