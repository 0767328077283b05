package regulation

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/Mindburn-Labs/helm-audit/pkg/canonicalize"
)

// Set is an immutable snapshot of the parameters in force at Date. Its
// Version depends only on the date and the exact parameter versions it
// holds, so resolving the same inputs twice yields the same Version.
type Set struct {
	version  string
	date     time.Time
	revision uint64
	params   map[string]Parameter
}

type setDigest struct {
	Date   string         `json:"date"`
	Params []setDigestRow `json:"params"`
}

type setDigestRow struct {
	Ref   string  `json:"ref"`
	Value float64 `json:"value"`
	Unit  Unit    `json:"unit"`
}

func newSet(date time.Time, revision uint64, params map[string]Parameter) (*Set, error) {
	s := &Set{date: date, revision: revision, params: params}
	digest := setDigest{Date: date.Format(time.DateOnly)}
	for _, p := range s.Parameters() {
		digest.Params = append(digest.Params, setDigestRow{Ref: p.Ref(), Value: p.Value, Unit: p.Unit})
	}
	h, err := canonicalize.CanonicalHash(digest)
	if err != nil {
		return nil, err
	}
	s.version = "rs-" + canonicalize.ShortHash(h, 16)
	return s, nil
}

// Version identifies the snapshot content.
func (s *Set) Version() string { return s.version }

// Date is the resolution date.
func (s *Set) Date() time.Time { return s.date }

// Revision is the catalog revision the snapshot was resolved against.
func (s *Set) Revision() uint64 { return s.revision }

// Get returns the parameter in force for id.
func (s *Set) Get(id string) (Parameter, bool) {
	p, ok := s.params[id]
	return p, ok
}

// Value returns the numeric value for id or an UndefinedParameterError.
func (s *Set) Value(id string) (float64, error) {
	p, ok := s.params[id]
	if !ok {
		return 0, &UndefinedParameterError{Date: s.date, Missing: []string{id}}
	}
	return p.Value, nil
}

// Has reports whether every id is present.
func (s *Set) Has(ids ...string) bool {
	for _, id := range ids {
		if _, ok := s.params[id]; !ok {
			return false
		}
	}
	return true
}

// IDs returns the identifiers in the set, sorted.
func (s *Set) IDs() []string {
	ids := make([]string, 0, len(s.params))
	for id := range s.params {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Parameters returns the resolved versions ordered by identifier.
func (s *Set) Parameters() []Parameter {
	out := make([]Parameter, 0, len(s.params))
	for _, id := range s.IDs() {
		out = append(out, s.params[id])
	}
	return out
}

// MarshalJSON exposes the snapshot for audit trails.
func (s *Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Version    string      `json:"version"`
		Date       time.Time   `json:"date"`
		Revision   uint64      `json:"revision"`
		Parameters []Parameter `json:"parameters"`
	}{s.version, s.date, s.revision, s.Parameters()})
}
