// Package regulation holds the effective-dated catalog of regulatory
// parameters (rates, thresholds, ceilings) and resolves the immutable
// parameter set that applied at a given date.
package regulation

import (
	"fmt"
	"time"
)

// Unit qualifies a parameter value.
type Unit string

const (
	UnitRate     Unit = "rate"     // fraction, 0.13 == 13%
	UnitEUR      Unit = "EUR"      // monetary amount
	UnitMultiple Unit = "multiple" // multiplier of another parameter
	UnitCount    Unit = "count"    // headcount, months
)

// Parameter is one version of a regulatory value over the half-open
// interval [EffectiveFrom, EffectiveUntil). A nil EffectiveUntil means the
// version is open-ended.
type Parameter struct {
	ID             string     `json:"id"`
	Version        int        `json:"version"`
	Value          float64    `json:"value"`
	Unit           Unit       `json:"unit"`
	EffectiveFrom  time.Time  `json:"effective_from"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`
	Citation       string     `json:"citation,omitempty"`
	Revision       uint64     `json:"revision"`
	PublishedAt    time.Time  `json:"published_at"`
}

// Contains reports whether t falls inside the parameter's interval.
func (p Parameter) Contains(t time.Time) bool {
	if t.Before(p.EffectiveFrom) {
		return false
	}
	return p.EffectiveUntil == nil || t.Before(*p.EffectiveUntil)
}

// Overlaps reports whether [from, until) intersects the parameter's interval.
func (p Parameter) Overlaps(from time.Time, until *time.Time) bool {
	return intervalsOverlap(p.EffectiveFrom, p.EffectiveUntil, from, until)
}

// Ref is the citation handle of this exact version, e.g. "SMIC_MONTHLY@v2".
func (p Parameter) Ref() string {
	return fmt.Sprintf("%s@v%d", p.ID, p.Version)
}

func (p Parameter) String() string {
	until := "open"
	if p.EffectiveUntil != nil {
		until = p.EffectiveUntil.Format(time.DateOnly)
	}
	return fmt.Sprintf("%s=%g%s [%s, %s)", p.Ref(), p.Value, p.Unit, p.EffectiveFrom.Format(time.DateOnly), until)
}

func intervalsOverlap(aFrom time.Time, aUntil *time.Time, bFrom time.Time, bUntil *time.Time) bool {
	// [aFrom, aUntil) and [bFrom, bUntil) intersect iff each starts before the other ends.
	aStartsBeforeBEnds := bUntil == nil || aFrom.Before(*bUntil)
	bStartsBeforeAEnds := aUntil == nil || bFrom.Before(*aUntil)
	return aStartsBeforeBEnds && bStartsBeforeAEnds
}

// Date normalizes t to midnight UTC of its calendar day.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Day builds a UTC calendar date.
func Day(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func datePtr(t time.Time) *time.Time {
	return &t
}
