// Package report assembles scored audit reports from evaluated declaration
// records. Reports are immutable; re-evaluating a scope appends a new
// version that points back at the one it replaces.
package report

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Mindburn-Labs/helm-audit/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
	"github.com/Mindburn-Labs/helm-audit/pkg/rules"
)

var (
	// ErrNotFound is returned by report stores for unknown ids and scopes.
	ErrNotFound = errors.New("report: not found")
	// ErrVersionConflict rejects an append whose version is not head+1.
	ErrVersionConflict = errors.New("report: version conflict")
)

// Score weights.
const (
	ErrorWeight   = 1.0
	WarningWeight = 0.3
)

// Scope selects the records of one subject over an inclusive period range.
type Scope struct {
	SubjectID string             `json:"subject_id"`
	From      declaration.Period `json:"from"`
	To        declaration.Period `json:"to"`
}

// Key identifies the scope; every report version of a scope shares it as
// its LineageID.
func (s Scope) Key() string {
	return fmt.Sprintf("%s:%s..%s", s.SubjectID, s.From, s.To)
}

// Contains reports whether a record of subject for period p falls in scope.
func (s Scope) Contains(subject string, p declaration.Period) bool {
	return subject == s.SubjectID && p.Within(s.From, s.To)
}

// EmptyScopeError is returned when no record matches a scope.
type EmptyScopeError struct {
	Scope Scope
}

func (e *EmptyScopeError) Error() string {
	return fmt.Sprintf("report: no declaration for subject %s between %s and %s", e.Scope.SubjectID, e.Scope.From, e.Scope.To)
}

// Section holds the findings of one record version under one regulation set.
type Section struct {
	RecordID             string             `json:"record_id"`
	RecordVersion        int                `json:"record_version"`
	LineageID            string             `json:"lineage_id"`
	Period               declaration.Period `json:"period"`
	RegulationSetVersion string             `json:"regulation_set_version"`
	Evaluable            int                `json:"evaluable"`
	Findings             []rules.Finding    `json:"findings"`
}

// Counts tallies findings by severity.
type Counts struct {
	Errors   int `json:"errors"`
	Warnings int `json:"warnings"`
	Info     int `json:"info"`
}

// Report is one immutable version of the audit of a scope.
type Report struct {
	ID                    string    `json:"id"`
	LineageID             string    `json:"lineage_id"`
	Version               int       `json:"version"`
	Previous              string    `json:"previous,omitempty"`
	Scope                 Scope     `json:"scope"`
	Sections              []Section `json:"sections"`
	Counts                Counts    `json:"counts"`
	Evaluable             int       `json:"evaluable"`
	Score                 *float64  `json:"score"`
	RegulationSetVersions []string  `json:"regulation_set_versions"`
	RuleSetVersion        string    `json:"rule_set_version"`
	CatalogRevision       uint64    `json:"catalog_revision"`
	GeneratedAt           time.Time `json:"generated_at"`
	ContentHash           string    `json:"content_hash"`
}

// Score computes 100 × (1 − (errors + 0.3 × warnings) / evaluable), floored
// at zero and rounded to two decimals. No evaluable line gives nil.
func Score(errs, warnings, evaluable int) *float64 {
	if evaluable <= 0 {
		return nil
	}
	s := 100 * (1 - (float64(errs)*ErrorWeight+float64(warnings)*WarningWeight)/float64(evaluable))
	s = math.Max(0, math.Round(s*100)/100)
	return &s
}

// SortFindings orders findings by severity, then by first implicated line.
// The sort is stable so rule order survives within a line.
func SortFindings(fs []rules.Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		ri, rj := fs[i].Severity.Rank(), fs[j].Severity.Rank()
		if ri != rj {
			return ri < rj
		}
		return firstLine(fs[i]) < firstLine(fs[j])
	})
}

func firstLine(f rules.Finding) int {
	if len(f.Lines) == 0 {
		return math.MaxInt
	}
	return f.Lines[0]
}

// Findings flattens the sections in report order.
func (r *Report) Findings() []rules.Finding {
	var out []rules.Finding
	for _, s := range r.Sections {
		out = append(out, s.Findings...)
	}
	return out
}

// Section returns the section of a record lineage.
func (r *Report) Section(lineageID string) (Section, bool) {
	for _, s := range r.Sections {
		if s.LineageID == lineageID {
			return s, true
		}
	}
	return Section{}, false
}

// computeContentHash covers the audited content and the version chain but
// not the report id or generation time.
func (r *Report) computeContentHash() (string, error) {
	view := *r
	view.ID = ""
	view.GeneratedAt = time.Time{}
	view.ContentHash = ""
	return canonicalize.CanonicalHash(view)
}

// VerifyContentHash recomputes the hash of a stored report.
func (r *Report) VerifyContentHash() error {
	h, err := r.computeContentHash()
	if err != nil {
		return err
	}
	if h != r.ContentHash {
		return fmt.Errorf("report %s: content hash mismatch: stored %s, computed %s", r.ID, r.ContentHash, h)
	}
	return nil
}
