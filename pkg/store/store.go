// Package store persists declaration records, audit report versions and the
// regulation catalog journal. All values are stored as plain JSON so any
// backend can hold them; the SQL backend indexes the fields queries need.
package store

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
	"github.com/Mindburn-Labs/helm-audit/pkg/regulation"
	"github.com/Mindburn-Labs/helm-audit/pkg/report"
)

// ErrRecordConflict rejects a record whose lineage already has a different
// record at the same version.
var ErrRecordConflict = errors.New("store: record version already taken")

// Records persists declaration record versions.
type Records interface {
	// SaveRecord stores rec. Saving a record that already exists is a no-op.
	SaveRecord(ctx context.Context, rec *declaration.Record) error
	GetRecord(ctx context.Context, id string) (*declaration.Record, error)
	// ListRecords returns the latest version of each lineage of subject
	// with a period in [from, to], ordered by period then lineage.
	ListRecords(ctx context.Context, subjectID string, from, to declaration.Period) ([]*declaration.Record, error)
	// RecordHistory returns every version of a lineage, oldest first.
	RecordHistory(ctx context.Context, lineageID string) ([]*declaration.Record, error)
}

// Journal persists catalog writes.
type Journal interface {
	regulation.JournalSink
	LoadJournal(ctx context.Context) ([]regulation.JournalEntry, error)
}

// Store is the full persistence surface of the engine.
type Store interface {
	Records
	Journal
	report.Store
	// ReportHeads returns the latest version of every report lineage,
	// ordered by lineage.
	ReportHeads(ctx context.Context) ([]*report.Report, error)
	Close() error
}

// RestoreCatalog rebuilds a catalog from the persisted journal. The journal
// is also the catalog's sink, so later writes are persisted before they
// become visible.
func RestoreCatalog(ctx context.Context, j Journal, opts ...regulation.Option) (*regulation.Catalog, error) {
	entries, err := j.LoadJournal(ctx)
	if err != nil {
		return nil, err
	}
	cat := regulation.NewCatalog(append(opts, regulation.WithJournalSink(j))...)
	if err := cat.Replay(ctx, entries); err != nil {
		return nil, err
	}
	return cat, nil
}
