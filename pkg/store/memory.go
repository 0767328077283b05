package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
	"github.com/Mindburn-Labs/helm-audit/pkg/regulation"
	"github.com/Mindburn-Labs/helm-audit/pkg/report"
)

// MemoryStore keeps everything in process. Values are stored as JSON and
// decoded on read, so callers never share memory with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string][]byte   // id -> record
	lineages map[string][]string // lineage -> record ids by version
	reports  map[string][]byte   // id -> report
	heads    map[string][]string // lineage -> report ids by version
	journal  []regulation.JournalEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string][]byte),
		lineages: make(map[string][]string),
		reports:  make(map[string][]byte),
		heads:    make(map[string][]string),
	}
}

func (s *MemoryStore) SaveRecord(_ context.Context, rec *declaration.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return nil
	}
	ids := s.lineages[rec.LineageID]
	if len(ids) >= rec.Version {
		return fmt.Errorf("%w: %s v%d", ErrRecordConflict, rec.LineageID, rec.Version)
	}
	if len(ids) != rec.Version-1 {
		return fmt.Errorf("%w: %s v%d saved before v%d", ErrRecordConflict, rec.LineageID, rec.Version, len(ids)+1)
	}
	s.records[rec.ID] = data
	s.lineages[rec.LineageID] = append(ids, rec.ID)
	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, id string) (*declaration.Record, error) {
	s.mu.RLock()
	data, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", declaration.ErrNotFound, id)
	}
	return decodeRecord(data)
}

func (s *MemoryStore) ListRecords(_ context.Context, subjectID string, from, to declaration.Period) ([]*declaration.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*declaration.Record
	for _, ids := range s.lineages {
		rec, err := decodeRecord(s.records[ids[len(ids)-1]])
		if err != nil {
			return nil, err
		}
		if rec.SubjectID == subjectID && rec.Period.Within(from, to) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) RecordHistory(_ context.Context, lineageID string) ([]*declaration.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, ok := s.lineages[lineageID]
	if !ok {
		return nil, fmt.Errorf("%w: lineage %s", declaration.ErrNotFound, lineageID)
	}
	out := make([]*declaration.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := decodeRecord(s.records[id])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) AppendReport(_ context.Context, r *report.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: encode report: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.heads[r.LineageID]
	if r.Version != len(ids)+1 {
		return fmt.Errorf("%w: %s has %d versions, got v%d", report.ErrVersionConflict, r.LineageID, len(ids), r.Version)
	}
	if _, ok := s.reports[r.ID]; ok {
		return fmt.Errorf("store: report id %s already used", r.ID)
	}
	s.reports[r.ID] = data
	s.heads[r.LineageID] = append(ids, r.ID)
	return nil
}

func (s *MemoryStore) HeadReport(_ context.Context, lineageID string) (*report.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.heads[lineageID]
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: lineage %s", report.ErrNotFound, lineageID)
	}
	return decodeReport(s.reports[ids[len(ids)-1]])
}

func (s *MemoryStore) GetReport(_ context.Context, id string) (*report.Report, error) {
	s.mu.RLock()
	data, ok := s.reports[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", report.ErrNotFound, id)
	}
	return decodeReport(data)
}

func (s *MemoryStore) ReportHistory(_ context.Context, lineageID string) ([]*report.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.heads[lineageID]
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: lineage %s", report.ErrNotFound, lineageID)
	}
	out := make([]*report.Report, 0, len(ids))
	for _, id := range ids {
		r, err := decodeReport(s.reports[id])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryStore) ReportHeads(_ context.Context) ([]*report.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lineages := make([]string, 0, len(s.heads))
	for id := range s.heads {
		lineages = append(lineages, id)
	}
	sort.Strings(lineages)
	out := make([]*report.Report, 0, len(lineages))
	for _, id := range lineages {
		ids := s.heads[id]
		r, err := decodeReport(s.reports[ids[len(ids)-1]])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ReportBytes returns the stored encoding of a report, for byte-level
// comparisons.
func (s *MemoryStore) ReportBytes(id string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.reports[id]
	return append([]byte(nil), data...), ok
}

func (s *MemoryStore) AppendJournal(_ context.Context, e regulation.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.journal); n > 0 && e.Revision <= s.journal[n-1].Revision {
		return fmt.Errorf("store: journal revision %d not after %d", e.Revision, s.journal[n-1].Revision)
	}
	s.journal = append(s.journal, e)
	return nil
}

func (s *MemoryStore) LoadJournal(context.Context) ([]regulation.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]regulation.JournalEntry(nil), s.journal...), nil
}

func (s *MemoryStore) Close() error { return nil }

func decodeRecord(data []byte) (*declaration.Record, error) {
	var rec declaration.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("store: decode record: %w", err)
	}
	return &rec, nil
}

func decodeReport(data []byte) (*report.Report, error) {
	var r report.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("store: decode report: %w", err)
	}
	return &r, nil
}

func sortRecords(recs []*declaration.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if c := recs[i].Period.Compare(recs[j].Period); c != 0 {
			return c < 0
		}
		return recs[i].LineageID < recs[j].LineageID
	})
}
