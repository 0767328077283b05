package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/helm-audit/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
	"github.com/Mindburn-Labs/helm-audit/pkg/observability"
	"github.com/Mindburn-Labs/helm-audit/pkg/regulation"
	"github.com/Mindburn-Labs/helm-audit/pkg/rules"
)

// Catalog is the read side of the regulation catalog.
type Catalog interface {
	Snapshot() *regulation.Snapshot
	SnapshotAt(revision uint64) (*regulation.Snapshot, error)
}

// RecordSource reads declaration records. ListRecords returns the latest
// version of every lineage of subject within [from, to].
type RecordSource interface {
	ListRecords(ctx context.Context, subjectID string, from, to declaration.Period) ([]*declaration.Record, error)
	GetRecord(ctx context.Context, id string) (*declaration.Record, error)
}

// Store persists report versions. AppendReport must fail with
// ErrVersionConflict unless r.Version is exactly one past the current head
// of r.LineageID (1 when there is none).
type Store interface {
	AppendReport(ctx context.Context, r *Report) error
	HeadReport(ctx context.Context, lineageID string) (*Report, error)
	GetReport(ctx context.Context, id string) (*Report, error)
	ReportHistory(ctx context.Context, lineageID string) ([]*Report, error)
}

// Evaluated describes a record version that a stored report was built from.
type Evaluated struct {
	LineageID       string
	RecordID        string
	Period          declaration.Period
	ScopeKey        string
	CatalogRevision uint64
}

// Tracker is told about every record a stored report covers, so amendments
// can later find the reports to regenerate.
type Tracker interface {
	Track(ctx context.Context, e Evaluated)
}

// Assembler evaluates the records of a scope and stores the scored report.
type Assembler struct {
	catalog Catalog
	engine  *rules.Engine
	records RecordSource
	store   Store
	tracker Tracker
	obs     *observability.Provider
	workers int
	clock   func() time.Time
	newID   func() string
	logger  *slog.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

func WithTracker(t Tracker) Option { return func(a *Assembler) { a.tracker = t } }

func WithObservability(p *observability.Provider) Option { return func(a *Assembler) { a.obs = p } }

// WithWorkers bounds how many records are evaluated in parallel.
func WithWorkers(n int) Option { return func(a *Assembler) { a.workers = n } }

func WithClock(clock func() time.Time) Option { return func(a *Assembler) { a.clock = clock } }

// WithIDGenerator replaces the uuid report ids, for tests.
func WithIDGenerator(f func() string) Option { return func(a *Assembler) { a.newID = f } }

func WithLogger(l *slog.Logger) Option { return func(a *Assembler) { a.logger = l } }

func NewAssembler(catalog Catalog, engine *rules.Engine, records RecordSource, store Store, opts ...Option) *Assembler {
	a := &Assembler{
		catalog: catalog,
		engine:  engine,
		records: records,
		store:   store,
		workers: 4,
		clock:   time.Now,
		newID:   uuid.NewString,
		logger:  slog.Default().With("component", "report"),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.workers <= 0 {
		a.workers = 1
	}
	return a
}

// Assemble evaluates every record of scope against the current catalog and
// appends the result as the next report version of the scope.
func (a *Assembler) Assemble(ctx context.Context, scope Scope) (*Report, error) {
	head, err := a.store.HeadReport(ctx, scope.Key())
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("report: read head of %s: %w", scope.Key(), err)
	}
	return a.assemble(ctx, scope, head)
}

// Regenerate re-evaluates the scope of an existing report lineage and
// appends the next version. A concurrent append for the same lineage makes
// it fail with ErrVersionConflict.
func (a *Assembler) Regenerate(ctx context.Context, lineageID string) (*Report, error) {
	head, err := a.store.HeadReport(ctx, lineageID)
	if err != nil {
		return nil, fmt.Errorf("report: read head of %s: %w", lineageID, err)
	}
	return a.assemble(ctx, head.Scope, head)
}

func (a *Assembler) assemble(ctx context.Context, scope Scope, head *Report) (_ *Report, err error) {
	if a.obs != nil {
		var done func(error)
		ctx, done = a.obs.TrackOperation(ctx, "report.assemble", attribute.String("scope", scope.Key()))
		defer func() { done(err) }()
	}

	recs, err := a.records.ListRecords(ctx, scope.SubjectID, scope.From, scope.To)
	if err != nil {
		return nil, fmt.Errorf("report: list records: %w", err)
	}
	if len(recs) == 0 {
		return nil, &EmptyScopeError{Scope: scope}
	}

	snap := a.catalog.Snapshot()
	sections := make([]Section, len(recs))
	// Cancellation stops the scope between records; a record already being
	// evaluated runs to the end.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, rec := range recs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			s, err := a.evaluate(context.WithoutCancel(gctx), rec, snap)
			if err != nil {
				return fmt.Errorf("record %s: %w", rec.ID, err)
			}
			sections[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(sections, func(i, j int) bool {
		if c := sections[i].Period.Compare(sections[j].Period); c != 0 {
			return c < 0
		}
		return sections[i].LineageID < sections[j].LineageID
	})

	r := &Report{
		ID:              a.newID(),
		LineageID:       scope.Key(),
		Version:         1,
		Scope:           scope,
		Sections:        sections,
		RuleSetVersion:  a.engine.RuleSetVersion(),
		CatalogRevision: snap.Revision(),
		GeneratedAt:     a.clock().UTC(),
	}
	if head != nil {
		r.Version = head.Version + 1
		r.Previous = head.ID
	}
	r.summarize()
	if r.ContentHash, err = r.computeContentHash(); err != nil {
		return nil, err
	}

	if err := a.store.AppendReport(ctx, r); err != nil {
		return nil, fmt.Errorf("report: append %s v%d: %w", r.LineageID, r.Version, err)
	}
	if a.tracker != nil {
		for _, s := range r.Sections {
			a.tracker.Track(ctx, Evaluated{
				LineageID:       s.LineageID,
				RecordID:        s.RecordID,
				Period:          s.Period,
				ScopeKey:        r.LineageID,
				CatalogRevision: r.CatalogRevision,
			})
		}
	}

	a.logger.InfoContext(ctx, "report assembled",
		"report", r.ID,
		"scope", r.LineageID,
		"version", r.Version,
		"records", len(r.Sections),
		"errors", r.Counts.Errors,
		"warnings", r.Counts.Warnings,
		"catalog_revision", r.CatalogRevision,
	)
	return r, nil
}

// evaluate resolves exactly the parameters the rules need at the record's
// effective date and runs the engine.
func (a *Assembler) evaluate(ctx context.Context, rec *declaration.Record, snap *regulation.Snapshot) (Section, error) {
	set, err := snap.Resolve(rec.EffectiveDate(), a.engine.RequiredParameters(rec))
	if err != nil {
		return Section{}, err
	}
	findings, err := a.engine.Evaluate(ctx, rec, set)
	if err != nil {
		return Section{}, err
	}
	SortFindings(findings)
	return Section{
		RecordID:             rec.ID,
		RecordVersion:        rec.Version,
		LineageID:            rec.LineageID,
		Period:               rec.Period,
		RegulationSetVersion: set.Version(),
		Evaluable:            rec.Evaluable(),
		Findings:             findings,
	}, nil
}

func (r *Report) summarize() {
	seen := make(map[string]bool)
	r.Counts = Counts{}
	r.Evaluable = 0
	r.RegulationSetVersions = []string{}
	for _, s := range r.Sections {
		r.Evaluable += s.Evaluable
		for _, f := range s.Findings {
			switch f.Severity {
			case rules.SeverityError:
				r.Counts.Errors++
			case rules.SeverityWarning:
				r.Counts.Warnings++
			default:
				r.Counts.Info++
			}
		}
		if !seen[s.RegulationSetVersion] {
			seen[s.RegulationSetVersion] = true
			r.RegulationSetVersions = append(r.RegulationSetVersions, s.RegulationSetVersion)
		}
	}
	sort.Strings(r.RegulationSetVersions)
	r.Score = Score(r.Counts.Errors, r.Counts.Warnings, r.Evaluable)
}

// Verify re-derives every section of a stored report from the record
// versions and the catalog revision it names, and fails if any finding
// differs.
func (a *Assembler) Verify(ctx context.Context, r *Report) error {
	if err := r.VerifyContentHash(); err != nil {
		return err
	}
	if v := a.engine.RuleSetVersion(); v != r.RuleSetVersion {
		return fmt.Errorf("report %s: produced by rule set %s, engine runs %s", r.ID, r.RuleSetVersion, v)
	}
	snap, err := a.catalog.SnapshotAt(r.CatalogRevision)
	if err != nil {
		return fmt.Errorf("report %s: %w", r.ID, err)
	}
	for _, want := range r.Sections {
		rec, err := a.records.GetRecord(ctx, want.RecordID)
		if err != nil {
			return fmt.Errorf("report %s: record %s: %w", r.ID, want.RecordID, err)
		}
		got, err := a.evaluate(ctx, rec, snap)
		if err != nil {
			return fmt.Errorf("report %s: record %s: %w", r.ID, want.RecordID, err)
		}
		wantHash, err := canonicalize.CanonicalHash(want)
		if err != nil {
			return err
		}
		gotHash, err := canonicalize.CanonicalHash(got)
		if err != nil {
			return err
		}
		if wantHash != gotHash {
			return fmt.Errorf("report %s: section for record %s does not re-derive", r.ID, want.RecordID)
		}
	}
	return nil
}
