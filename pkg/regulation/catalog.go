package regulation

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Observer is notified after a retroactive amendment has been committed.
type Observer interface {
	OnAmendment(ctx context.Context, a Amendment)
}

// Amendment describes a committed retroactive change.
type Amendment struct {
	ParameterID string     `json:"parameter_id"`
	From        time.Time  `json:"from"`
	Until       *time.Time `json:"until,omitempty"`
	Revision    uint64     `json:"revision"`
	Parameter   Parameter  `json:"parameter"`
}

// Covers reports whether date falls inside the amended interval.
func (a Amendment) Covers(date time.Time) bool {
	d := Date(date)
	return !d.Before(a.From) && (a.Until == nil || d.Before(*a.Until))
}

// JournalSink persists catalog writes before they become visible.
type JournalSink interface {
	AppendJournal(ctx context.Context, e JournalEntry) error
}

// PublishRequest adds a new version over an interval that must be free.
type PublishRequest struct {
	ID       string
	Value    float64
	Unit     Unit
	From     time.Time
	Until    *time.Time
	Citation string
}

// AmendRequest replaces whatever is in force over [From, Until).
type AmendRequest struct {
	ID          string
	Value       float64
	Unit        Unit // inherited from the latest version when empty
	From        time.Time
	Until       *time.Time
	Citation    string
	Retroactive bool
}

// state is one committed catalog revision. It is immutable after commit.
type state struct {
	revision  uint64
	timelines map[string]timeline
	history   map[string][]Parameter
	// journal shares its backing array with earlier states; the writer only
	// appends past the length of the current one.
	journal  []JournalEntry
	previous *state
}

// Catalog is the single-writer, lock-free-reader store of regulation
// parameters. Every write produces a new state; readers load the current
// pointer and never observe a partial write.
type Catalog struct {
	mu      sync.Mutex
	current atomic.Pointer[state]

	obsMu     sync.RWMutex
	observers []Observer

	sink   JournalSink
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithClock overrides the publication timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(c *Catalog) { c.clock = clock }
}

// WithLogger sets the catalog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) { c.logger = l.With("component", "regulation") }
}

// WithJournalSink persists every write before commit.
func WithJournalSink(s JournalSink) Option {
	return func(c *Catalog) { c.sink = s }
}

// WithObserver registers an amendment observer at construction.
func WithObserver(o Observer) Option {
	return func(c *Catalog) { c.observers = append(c.observers, o) }
}

// NewCatalog creates an empty catalog at revision 0.
func NewCatalog(opts ...Option) *Catalog {
	c := &Catalog{
		clock:  time.Now,
		logger: slog.Default().With("component", "regulation"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.current.Store(&state{
		timelines: map[string]timeline{},
		history:   map[string][]Parameter{},
	})
	return c
}

// Subscribe registers an observer for retroactive amendments.
func (c *Catalog) Subscribe(o Observer) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, o)
}

// Publish adds a version over a free interval.
func (c *Catalog) Publish(ctx context.Context, req PublishRequest) (Parameter, error) {
	entry := JournalEntry{
		Op:          OpPublish,
		ParameterID: req.ID,
		Value:       req.Value,
		Unit:        req.Unit,
		From:        req.From,
		Until:       req.Until,
		Citation:    req.Citation,
	}
	p, _, err := c.apply(ctx, entry, true)
	return p, err
}

// Amend publishes a new version over [From, Until), splitting the versions
// it overlaps. Fragments outside the interval keep their value under a new
// version number. A retroactive amendment notifies observers once committed.
func (c *Catalog) Amend(ctx context.Context, req AmendRequest) (Parameter, error) {
	entry := JournalEntry{
		Op:          OpAmend,
		ParameterID: req.ID,
		Value:       req.Value,
		Unit:        req.Unit,
		From:        req.From,
		Until:       req.Until,
		Citation:    req.Citation,
		Retroactive: req.Retroactive,
	}
	p, st, err := c.apply(ctx, entry, true)
	if err != nil {
		return Parameter{}, err
	}

	c.logger.InfoContext(ctx, "parameter amended",
		"parameter", p.Ref(),
		"value", p.Value,
		"from", p.EffectiveFrom.Format(time.DateOnly),
		"retroactive", req.Retroactive,
		"revision", st.revision,
	)

	if req.Retroactive {
		c.notify(ctx, Amendment{
			ParameterID: p.ID,
			From:        p.EffectiveFrom,
			Until:       p.EffectiveUntil,
			Revision:    st.revision,
			Parameter:   p,
		})
	}
	return p, nil
}

func (c *Catalog) notify(ctx context.Context, a Amendment) {
	c.obsMu.RLock()
	observers := slices.Clone(c.observers)
	c.obsMu.RUnlock()
	for _, o := range observers {
		o.OnAmendment(ctx, a)
	}
}

// apply validates and commits one journal entry under the writer lock.
func (c *Catalog) apply(ctx context.Context, e JournalEntry, persist bool) (Parameter, *state, error) {
	e.ParameterID = strings.TrimSpace(e.ParameterID)
	e.From = Date(e.From)
	if e.Until != nil {
		e.Until = datePtr(Date(*e.Until))
	}
	if err := validateEntry(e); err != nil {
		return Parameter{}, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.current.Load()
	tl := cur.timelines[e.ParameterID]
	hist := cur.history[e.ParameterID]
	next := &state{
		revision:  cur.revision + 1,
		timelines: maps.Clone(cur.timelines),
		history:   maps.Clone(cur.history),
		previous:  cur,
	}
	now := c.clock().UTC()
	version := len(hist)
	stamp := func(p Parameter) Parameter {
		version++
		p.Version = version
		p.Revision = next.revision
		p.PublishedAt = now
		return p
	}

	var newTL timeline
	var created []Parameter

	switch e.Op {
	case OpPublish:
		if existing, ok := tl.conflict(e.From, e.Until); ok {
			return Parameter{}, nil, &OverlapError{ParameterID: e.ParameterID, From: e.From, Until: e.Until, Existing: existing}
		}
		if e.Unit == "" {
			return Parameter{}, nil, fmt.Errorf("%w: %s: unit is required", ErrInvalidParameter, e.ParameterID)
		}
		newTL = tl
	case OpAmend:
		if len(hist) == 0 {
			return Parameter{}, nil, &UndefinedParameterError{Date: e.From, Missing: []string{e.ParameterID}}
		}
		if e.Unit == "" {
			e.Unit = hist[len(hist)-1].Unit
		}
		kept, fragments := tl.carve(e.From, e.Until)
		newTL = kept
		for _, f := range fragments {
			f = stamp(f)
			created = append(created, f)
			newTL = newTL.insert(f)
		}
	default:
		return Parameter{}, nil, fmt.Errorf("%w: unknown journal op %q", ErrInvalidParameter, e.Op)
	}

	p := stamp(Parameter{
		ID:             e.ParameterID,
		Value:          e.Value,
		Unit:           e.Unit,
		EffectiveFrom:  e.From,
		EffectiveUntil: e.Until,
		Citation:       e.Citation,
	})
	created = append(created, p)
	newTL = newTL.insert(p)

	// History is ordered by version so the slice can be shared between states.
	next.timelines[e.ParameterID] = newTL
	next.history[e.ParameterID] = append(slices.Clip(hist), sortByVersion(created)...)

	e.Revision = next.revision
	e.RecordedAt = now
	next.journal = append(cur.journal, e)

	if persist && c.sink != nil {
		if err := c.sink.AppendJournal(ctx, e); err != nil {
			return Parameter{}, nil, fmt.Errorf("regulation: persist journal entry: %w", err)
		}
	}

	c.current.Store(next)
	return p, next, nil
}

func validateEntry(e JournalEntry) error {
	if e.ParameterID == "" {
		return fmt.Errorf("%w: empty identifier", ErrInvalidParameter)
	}
	if math.IsNaN(e.Value) || math.IsInf(e.Value, 0) {
		return fmt.Errorf("%w: %s: value must be finite", ErrInvalidParameter, e.ParameterID)
	}
	if e.From.IsZero() {
		return fmt.Errorf("%w: %s: effective_from is required", ErrInvalidParameter, e.ParameterID)
	}
	if e.Until != nil && !e.Until.After(e.From) {
		return &InvalidIntervalError{ParameterID: e.ParameterID, From: e.From, Until: *e.Until}
	}
	return nil
}

func sortByVersion(ps []Parameter) []Parameter {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Version < ps[j].Version })
	return ps
}

// Snapshot is a read-only view of one committed revision.
type Snapshot struct {
	st *state
}

// Snapshot returns the latest committed revision.
func (c *Catalog) Snapshot() *Snapshot {
	return &Snapshot{st: c.current.Load()}
}

// SnapshotAt returns an earlier committed revision.
func (c *Catalog) SnapshotAt(revision uint64) (*Snapshot, error) {
	for st := c.current.Load(); st != nil; st = st.previous {
		if st.revision == revision {
			return &Snapshot{st: st}, nil
		}
		if st.revision < revision {
			break
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownRevision, revision)
}

// Revision returns the latest committed revision.
func (c *Catalog) Revision() uint64 {
	return c.current.Load().revision
}

// Resolve resolves ids at date against the latest revision.
func (c *Catalog) Resolve(date time.Time, ids []string) (*Set, error) {
	return c.Snapshot().Resolve(date, ids)
}

// ResolveAt resolves ids at date against an earlier revision.
func (c *Catalog) ResolveAt(revision uint64, date time.Time, ids []string) (*Set, error) {
	snap, err := c.SnapshotAt(revision)
	if err != nil {
		return nil, err
	}
	return snap.Resolve(date, ids)
}

// History returns every version ever published for id, superseded ones
// included, in version order.
func (c *Catalog) History(id string) []Parameter {
	return slices.Clone(c.current.Load().history[id])
}

// Journal returns the append-only write log.
func (c *Catalog) Journal() []JournalEntry {
	return slices.Clone(c.current.Load().journal)
}

// Replay re-applies persisted journal entries onto an empty catalog. The
// sink is not written to and observers are not notified. Replay must finish
// before the catalog is shared.
func (c *Catalog) Replay(ctx context.Context, entries []JournalEntry) error {
	if c.Revision() != 0 {
		return fmt.Errorf("regulation: replay requires an empty catalog, at revision %d", c.Revision())
	}
	saved := c.clock
	defer func() { c.clock = saved }()
	for _, e := range entries {
		recordedAt := e.RecordedAt
		c.clock = func() time.Time { return recordedAt }
		if _, st, err := c.apply(ctx, e, false); err != nil {
			return fmt.Errorf("regulation: replay revision %d: %w", e.Revision, err)
		} else if e.Revision != 0 && st.revision != e.Revision {
			return fmt.Errorf("regulation: replay out of order: got revision %d, journal says %d", st.revision, e.Revision)
		}
	}
	return nil
}

// Revision returns the snapshot's catalog revision.
func (s *Snapshot) Revision() uint64 { return s.st.revision }

// Resolve returns the versions in force at date for ids. Every missing id
// is reported in a single UndefinedParameterError.
func (s *Snapshot) Resolve(date time.Time, ids []string) (*Set, error) {
	date = Date(date)
	params := make(map[string]Parameter, len(ids))
	var missing []string
	for _, id := range ids {
		if _, seen := params[id]; seen {
			continue
		}
		p, ok := s.st.timelines[id].find(date)
		if !ok {
			if !slices.Contains(missing, id) {
				missing = append(missing, id)
			}
			continue
		}
		params[id] = p
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &UndefinedParameterError{Date: date, Missing: missing}
	}
	return newSet(date, s.st.revision, params)
}

// ResolveAll returns every identifier that has a version in force at date.
func (s *Snapshot) ResolveAll(date time.Time) (*Set, error) {
	date = Date(date)
	params := make(map[string]Parameter)
	for id, tl := range s.st.timelines {
		if p, ok := tl.find(date); ok {
			params[id] = p
		}
	}
	return newSet(date, s.st.revision, params)
}

// Versions returns the versions currently in force over time for id.
func (s *Snapshot) Versions(id string) []Parameter {
	return slices.Clone(s.st.timelines[id])
}

// IDs returns every identifier ever published.
func (s *Snapshot) IDs() []string {
	ids := slices.Collect(maps.Keys(s.st.timelines))
	sort.Strings(ids)
	return ids
}

// Gaps lists undefined stretches between versions of id.
func (s *Snapshot) Gaps(id string) [][2]time.Time {
	return s.st.timelines[id].gaps()
}
