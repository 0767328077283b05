package regulation

import (
	"sort"
	"time"
)

// timeline is the sorted, non-overlapping list of versions in force for one
// identifier. A timeline value is never mutated once it is reachable from a
// committed catalog state; writers build a new slice.
type timeline []Parameter

// find returns the version whose interval contains t.
func (tl timeline) find(t time.Time) (Parameter, bool) {
	// first version starting strictly after t; the candidate sits just before it.
	i := sort.Search(len(tl), func(i int) bool { return tl[i].EffectiveFrom.After(t) })
	if i == 0 {
		return Parameter{}, false
	}
	p := tl[i-1]
	if !p.Contains(t) {
		return Parameter{}, false
	}
	return p, true
}

// conflict returns the first version intersecting [from, until), if any.
func (tl timeline) conflict(from time.Time, until *time.Time) (Parameter, bool) {
	i := sort.Search(len(tl), func(i int) bool { return !tl[i].EffectiveFrom.Before(from) })
	// Only the predecessor and the successors starting before until can intersect.
	if i > 0 && tl[i-1].Overlaps(from, until) {
		return tl[i-1], true
	}
	if i < len(tl) && tl[i].Overlaps(from, until) {
		return tl[i], true
	}
	return Parameter{}, false
}

// insert returns a new timeline with p placed in order.
func (tl timeline) insert(p Parameter) timeline {
	i := sort.Search(len(tl), func(i int) bool { return tl[i].EffectiveFrom.After(p.EffectiveFrom) })
	out := make(timeline, 0, len(tl)+1)
	out = append(out, tl[:i]...)
	out = append(out, p)
	out = append(out, tl[i:]...)
	return out
}

// carve removes [from, until) from every version it touches. Surviving
// fragments are returned separately so the caller can re-version them.
func (tl timeline) carve(from time.Time, until *time.Time) (kept timeline, fragments []Parameter) {
	kept = make(timeline, 0, len(tl))
	for _, p := range tl {
		if !p.Overlaps(from, until) {
			kept = append(kept, p)
			continue
		}
		if p.EffectiveFrom.Before(from) {
			left := p
			left.EffectiveUntil = datePtr(from)
			fragments = append(fragments, left)
		}
		if until != nil && (p.EffectiveUntil == nil || p.EffectiveUntil.After(*until)) {
			right := p
			right.EffectiveFrom = *until
			fragments = append(fragments, right)
		}
	}
	return kept, fragments
}

// gaps lists the holes between consecutive versions.
func (tl timeline) gaps() [][2]time.Time {
	var out [][2]time.Time
	for i := 1; i < len(tl); i++ {
		prev := tl[i-1]
		if prev.EffectiveUntil != nil && prev.EffectiveUntil.Before(tl[i].EffectiveFrom) {
			out = append(out, [2]time.Time{*prev.EffectiveUntil, tl[i].EffectiveFrom})
		}
	}
	return out
}
