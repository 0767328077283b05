// Package declaration defines the canonical declaration record produced by
// extraction and consumed by rule evaluation.
package declaration

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/helm-audit/pkg/canonicalize"
)

// Method records how a document was turned into a record.
type Method string

const (
	MethodStructured Method = "structured"
	MethodOCR        Method = "ocr"
)

// LineItem is one contribution line, in source document order.
type LineItem struct {
	Category       Category        `json:"category" validate:"required"`
	Label          string          `json:"label,omitempty"`
	GrossAmount    decimal.Decimal `json:"gross_amount"`
	BaseAmount     decimal.Decimal `json:"base_amount"`
	DeclaredRate   float64         `json:"declared_rate" validate:"gte=0,lte=1"`
	DeclaredAmount decimal.Decimal `json:"declared_amount"`
	Confidence     float64         `json:"confidence" validate:"gte=0,lte=1"`
	NeedsReview    bool            `json:"needs_review,omitempty"`
	SourceRef      string          `json:"source_ref,omitempty"`
}

// Provenance describes the document a record was extracted from.
type Provenance struct {
	SourceHash     string    `json:"source_hash" validate:"required"`
	SourceName     string    `json:"source_name,omitempty"`
	Format         string    `json:"format" validate:"required"`
	Method         Method    `json:"method" validate:"oneof=structured ocr"`
	Confidence     float64   `json:"confidence" validate:"gte=0,lte=1"`
	Degraded       bool      `json:"degraded,omitempty"`
	DegradedReason string    `json:"degraded_reason,omitempty"`
	ExtractedAt    time.Time `json:"extracted_at"`
}

// Draft is the extracted content of a record before it receives an identity.
type Draft struct {
	SubjectID   string               `json:"subject_id" validate:"required"`
	Period      Period               `json:"period"`
	Headcount   *int                 `json:"headcount,omitempty" validate:"omitempty,gte=0"`
	Eligibility map[string]time.Time `json:"eligibility,omitempty"`
	Lines       []LineItem           `json:"lines" validate:"dive"`
	Provenance  Provenance           `json:"provenance"`
}

// Record is an immutable declaration version. A correction is a new Record
// whose Previous points at the version it replaces; LineageID is shared by
// every version of the same declaration.
type Record struct {
	ID          string               `json:"id"`
	LineageID   string               `json:"lineage_id"`
	Version     int                  `json:"version"`
	Previous    string               `json:"previous,omitempty"`
	SubjectID   string               `json:"subject_id"`
	Period      Period               `json:"period"`
	Headcount   *int                 `json:"headcount,omitempty"`
	Eligibility map[string]time.Time `json:"eligibility,omitempty"`
	Lines       []LineItem           `json:"lines"`
	Provenance  Provenance           `json:"provenance"`
	ContentHash string               `json:"content_hash"`
}

// New creates the first version of a declaration.
func New(d Draft) (*Record, error) {
	return build(d, nil)
}

// Supersede creates the next version of prev from a corrected draft.
func Supersede(prev *Record, d Draft) (*Record, error) {
	if prev == nil {
		return nil, fmt.Errorf("declaration: supersede requires a previous record")
	}
	if d.SubjectID != prev.SubjectID || d.Period != prev.Period {
		return nil, Malformed("subject_id", fmt.Sprintf("correction of %s must keep subject %s and period %s", prev.ID, prev.SubjectID, prev.Period), nil)
	}
	return build(d, prev)
}

func build(d Draft, prev *Record) (*Record, error) {
	if err := Validate(d); err != nil {
		return nil, err
	}

	r := &Record{
		Version:     1,
		SubjectID:   d.SubjectID,
		Period:      d.Period,
		Eligibility: maps.Clone(d.Eligibility),
		Lines:       slices.Clone(d.Lines),
		Provenance:  d.Provenance,
	}
	if d.Headcount != nil {
		h := *d.Headcount
		r.Headcount = &h
	}
	if r.Lines == nil {
		r.Lines = []LineItem{}
	}
	if prev != nil {
		r.Version = prev.Version + 1
		r.Previous = prev.ID
		r.LineageID = prev.LineageID
	}

	idHash, err := canonicalize.CanonicalHash([]string{d.Provenance.SourceHash, r.Previous, d.SubjectID, d.Period.String()})
	if err != nil {
		return nil, err
	}
	r.ID = "decl-" + canonicalize.ShortHash(idHash, 20)
	if r.LineageID == "" {
		r.LineageID = r.ID
	}

	r.ContentHash, err = r.computeContentHash()
	if err != nil {
		return nil, err
	}
	return r, nil
}

// computeContentHash covers everything except the extraction timestamp, so
// re-extracting the same bytes yields the same hash.
func (r *Record) computeContentHash() (string, error) {
	view := *r
	view.ContentHash = ""
	view.Provenance.ExtractedAt = time.Time{}
	return canonicalize.CanonicalHash(view)
}

// VerifyContentHash recomputes the hash of a stored record.
func (r *Record) VerifyContentHash() error {
	h, err := r.computeContentHash()
	if err != nil {
		return err
	}
	if h != r.ContentHash {
		return fmt.Errorf("declaration %s: content hash mismatch: stored %s, computed %s", r.ID, r.ContentHash, h)
	}
	return nil
}

// EffectiveDate is the date regulation parameters are resolved at.
func (r *Record) EffectiveDate() time.Time {
	return r.Period.Start()
}

// Evaluable counts the lines that take part in automatic evaluation.
func (r *Record) Evaluable() int {
	n := 0
	for _, l := range r.Lines {
		if !l.NeedsReview {
			n++
		}
	}
	return n
}

// Categories returns the distinct categories of evaluable lines in first
// appearance order.
func (r *Record) Categories() []Category {
	var out []Category
	for _, l := range r.Lines {
		if l.NeedsReview || slices.Contains(out, l.Category) {
			continue
		}
		out = append(out, l.Category)
	}
	return out
}

// EligibleSince returns the eligibility start date for an exemption code.
func (r *Record) EligibleSince(code string) (time.Time, bool) {
	t, ok := r.Eligibility[code]
	return t, ok
}

// Draft returns the record content, for building a correction.
func (r *Record) Draft() Draft {
	return Draft{
		SubjectID:   r.SubjectID,
		Period:      r.Period,
		Headcount:   r.Headcount,
		Eligibility: maps.Clone(r.Eligibility),
		Lines:       slices.Clone(r.Lines),
		Provenance:  r.Provenance,
	}
}
