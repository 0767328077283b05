// Package recalc keeps stored audit reports in step with the regulation
// catalog. It learns which record lineages each report covers, marks them
// stale when a retroactive amendment touches their period, and regenerates
// the affected reports on the next sweep.
package recalc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
	"github.com/Mindburn-Labs/helm-audit/pkg/observability"
	"github.com/Mindburn-Labs/helm-audit/pkg/regulation"
	"github.com/Mindburn-Labs/helm-audit/pkg/report"
)

// State is the recalculation state of a record lineage.
type State string

const (
	StateCurrent       State = "CURRENT"
	StateStale         State = "STALE"
	StateRecalculating State = "RECALCULATING"
	StateFailed        State = "FAILED"
)

// Transition is one recorded state change.
type Transition struct {
	LineageID string    `json:"lineage_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// Regenerator appends the next report version of a scope.
type Regenerator interface {
	Regenerate(ctx context.Context, lineageID string) (*report.Report, error)
}

// Leaser grants exclusive, expiring ownership of a key across processes.
type Leaser interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error)
}

// Lease is held until released or expired.
type Lease interface {
	Release(ctx context.Context) error
}

type lineage struct {
	id       string
	recordID string
	period   declaration.Period
	// scopes maps each covering report lineage to the catalog revision its
	// head was evaluated at.
	scopes  map[string]uint64
	state   State
	marked  uint64
	lastErr error
	lock    sync.Mutex
}

// Coordinator implements regulation.Observer and report.Tracker.
type Coordinator struct {
	regen    Regenerator
	leaser   Leaser
	leaseTTL time.Duration
	workers  int
	metrics  *observability.Metrics
	clock    func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	lineages map[string]*lineage
	history  []Transition
	wake     chan struct{}

	// markers counts amendment markers; a scope run only settles the
	// lineages marked before it started.
	markers uint64
}

var (
	_ regulation.Observer = (*Coordinator)(nil)
	_ report.Tracker      = (*Coordinator)(nil)
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWorkers bounds how many lineages are recalculated in parallel.
func WithWorkers(n int) Option { return func(c *Coordinator) { c.workers = n } }

// WithLeaser adds a cross-process lease around each lineage pass.
func WithLeaser(l Leaser, ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.leaser = l
		c.leaseTTL = ttl
	}
}

func WithMetrics(m *observability.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

func WithClock(clock func() time.Time) Option { return func(c *Coordinator) { c.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

func New(regen Regenerator, opts ...Option) *Coordinator {
	c := &Coordinator{
		regen:    regen,
		workers:  4,
		leaseTTL: time.Minute,
		clock:    time.Now,
		logger:   slog.Default().With("component", "recalc"),
		lineages: make(map[string]*lineage),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.workers <= 0 {
		c.workers = 1
	}
	return c
}

// SetRegenerator wires the regenerator after construction, for when the
// assembler itself needs the coordinator as its tracker.
func (c *Coordinator) SetRegenerator(r Regenerator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regen = r
}

// Track registers a record lineage covered by a stored report. A lineage
// seen for the first time is CURRENT.
func (c *Coordinator) Track(_ context.Context, e report.Evaluated) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.lineages[e.LineageID]
	if !ok {
		l = &lineage{id: e.LineageID, scopes: map[string]uint64{}, state: StateCurrent}
		c.lineages[e.LineageID] = l
	}
	l.recordID = e.RecordID
	l.period = e.Period
	l.scopes[e.ScopeKey] = max(l.scopes[e.ScopeKey], e.CatalogRevision)
}

// mark must be called with c.mu held.
func (c *Coordinator) mark(l *lineage) {
	c.markers++
	l.marked = c.markers
}

// evaluatedBefore reports whether any scope head of l predates revision.
func (l *lineage) evaluatedBefore(revision uint64) bool {
	for _, rev := range l.scopes {
		if rev < revision {
			return true
		}
	}
	return false
}

// Restore rebuilds tracking after a restart from the stored report heads,
// then replays the retroactive amendments of the journal that landed after
// any of a lineage's report heads was evaluated. It returns the number of
// lineages left STALE.
func (c *Coordinator) Restore(ctx context.Context, heads []*report.Report, journal []regulation.JournalEntry) int {
	for _, h := range heads {
		for _, s := range h.Sections {
			c.Track(ctx, report.Evaluated{
				LineageID:       s.LineageID,
				RecordID:        s.RecordID,
				Period:          s.Period,
				ScopeKey:        h.LineageID,
				CatalogRevision: h.CatalogRevision,
			})
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range journal {
		if e.Op != regulation.OpAmend || !e.Retroactive {
			continue
		}
		a := regulation.Amendment{ParameterID: e.ParameterID, From: regulation.Date(e.From), Until: e.Until, Revision: e.Revision}
		for _, l := range c.lineages {
			if l.state != StateCurrent || !l.evaluatedBefore(e.Revision) || !a.Covers(l.period.Start()) {
				continue
			}
			c.mark(l)
			c.transition(l, StateStale, fmt.Sprintf("%s amended at revision %d", e.ParameterID, e.Revision))
		}
	}
	return len(c.pendingLocked())
}

// OnAmendment marks every tracked lineage whose effective date the amended
// interval covers as STALE. A lineage being recalculated goes back to STALE
// once its pass ends.
func (c *Coordinator) OnAmendment(ctx context.Context, a regulation.Amendment) {
	reason := fmt.Sprintf("%s amended at revision %d", a.Parameter.Ref(), a.Revision)
	marked := 0

	c.mu.Lock()
	for _, l := range c.lineages {
		if !a.Covers(l.period.Start()) {
			continue
		}
		c.mark(l)
		if l.state != StateRecalculating && l.state != StateStale {
			c.transition(l, StateStale, reason)
		}
		marked++
	}
	c.mu.Unlock()

	if marked == 0 {
		return
	}
	c.metrics.MarkedStale(ctx, a.ParameterID, marked)
	c.logger.InfoContext(ctx, "lineages marked stale",
		"parameter", a.ParameterID,
		"revision", a.Revision,
		"count", marked,
	)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// transition must be called with c.mu held.
func (c *Coordinator) transition(l *lineage, to State, reason string) {
	c.history = append(c.history, Transition{
		LineageID: l.id,
		From:      l.state,
		To:        to,
		Reason:    reason,
		At:        c.clock().UTC(),
	})
	l.state = to
}

// State returns the state of a tracked lineage.
func (c *Coordinator) State(lineageID string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.lineages[lineageID]
	if !ok {
		return "", false
	}
	return l.state, true
}

// LastError returns the error of the last failed pass of a lineage.
func (c *Coordinator) LastError(lineageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.lineages[lineageID]; ok {
		return l.lastErr
	}
	return nil
}

// Transitions returns the recorded state changes of a lineage in order.
func (c *Coordinator) Transitions(lineageID string) []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Transition
	for _, t := range c.history {
		if t.LineageID == lineageID {
			out = append(out, t)
		}
	}
	return out
}

// Pending lists the lineages a sweep would pick up, sorted.
func (c *Coordinator) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *Coordinator) pendingLocked() []string {
	var ids []string
	for id, l := range c.lineages {
		if l.state == StateStale || l.state == StateFailed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Recalculated int      `json:"recalculated"`
	Failed       int      `json:"failed"`
	Requeued     int      `json:"requeued"`
	Skipped      int      `json:"skipped"`
	Reports      []string `json:"reports"`
}

// scopeRun regenerates a scope at most once per sweep, however many
// pending lineages it covers. A lineage marked after the run started cannot
// settle on its report.
type scopeRun struct {
	once    sync.Once
	markers uint64
	report  *report.Report
	err     error
}

// Sweep recalculates every STALE or FAILED lineage once. Lineages run in
// parallel up to the worker bound; a lineage already being recalculated by
// another sweep or process is skipped and stays pending.
func (c *Coordinator) Sweep(ctx context.Context) (SweepResult, error) {
	c.mu.Lock()
	pending := c.pendingLocked()
	regen := c.regen
	c.mu.Unlock()

	var res SweepResult
	if len(pending) == 0 {
		return res, nil
	}
	if regen == nil {
		return res, errors.New("recalc: no regenerator configured")
	}

	var (
		resMu  sync.Mutex
		runsMu sync.Mutex
		runs   = make(map[string]*scopeRun)
	)
	regenerate := func(ctx context.Context, scope string) *scopeRun {
		runsMu.Lock()
		run, ok := runs[scope]
		if !ok {
			run = &scopeRun{}
			runs[scope] = run
		}
		runsMu.Unlock()
		run.once.Do(func() {
			c.mu.Lock()
			run.markers = c.markers
			c.mu.Unlock()
			run.report, run.err = regen.Regenerate(ctx, scope)
		})
		return run
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, id := range pending {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcome, reports := c.recalculate(gctx, id, regenerate)
			resMu.Lock()
			defer resMu.Unlock()
			switch outcome {
			case outcomeCurrent:
				res.Recalculated++
			case outcomeFailed:
				res.Failed++
			case outcomeRequeued:
				res.Requeued++
			case outcomeSkipped:
				res.Skipped++
			}
			res.Reports = append(res.Reports, reports...)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(res.Reports)
	res.Reports = slices.Compact(res.Reports)

	c.logger.InfoContext(ctx, "sweep finished",
		"pending", len(pending),
		"recalculated", res.Recalculated,
		"failed", res.Failed,
		"requeued", res.Requeued,
		"skipped", res.Skipped,
	)
	return res, ctx.Err()
}

type outcome string

const (
	outcomeCurrent  outcome = "current"
	outcomeFailed   outcome = "failed"
	outcomeRequeued outcome = "requeued"
	outcomeSkipped  outcome = "skipped"
)

func (c *Coordinator) recalculate(ctx context.Context, id string, regenerate func(context.Context, string) *scopeRun) (outcome, []string) {
	c.mu.Lock()
	l := c.lineages[id]
	c.mu.Unlock()

	if !l.lock.TryLock() {
		return outcomeSkipped, nil
	}
	defer l.lock.Unlock()

	if c.leaser != nil {
		lease, ok, err := c.leaser.Acquire(ctx, "recalc:"+id, c.leaseTTL)
		if err != nil {
			c.logger.WarnContext(ctx, "lease unavailable", "lineage", id, "error", err)
			return outcomeSkipped, nil
		}
		if !ok {
			return outcomeSkipped, nil
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				c.logger.WarnContext(ctx, "lease release failed", "lineage", id, "error", err)
			}
		}()
	}

	c.mu.Lock()
	if l.state != StateStale && l.state != StateFailed {
		c.mu.Unlock()
		return outcomeSkipped, nil
	}
	c.transition(l, StateRecalculating, "sweep")
	scopes := make([]string, 0, len(l.scopes))
	for s := range l.scopes {
		scopes = append(scopes, s)
	}
	c.mu.Unlock()
	sort.Strings(scopes)

	var (
		reports []string
		failure error
		settled = ^uint64(0)
	)
	for _, scope := range scopes {
		run := regenerate(ctx, scope)
		settled = min(settled, run.markers)
		if run.err != nil {
			failure = errors.Join(failure, fmt.Errorf("scope %s: %w", scope, run.err))
			continue
		}
		reports = append(reports, run.report.ID)
	}

	c.mu.Lock()
	var out outcome
	switch {
	case failure != nil && ctx.Err() != nil:
		c.transition(l, StateStale, "sweep interrupted")
		out = outcomeRequeued
	case failure != nil:
		l.lastErr = failure
		c.transition(l, StateFailed, failure.Error())
		out = outcomeFailed
	case l.marked > settled:
		l.lastErr = nil
		c.transition(l, StateStale, "amended after its scopes were regenerated")
		out = outcomeRequeued
	default:
		l.lastErr = nil
		c.transition(l, StateCurrent, "recalculated")
		out = outcomeCurrent
	}
	c.mu.Unlock()

	c.metrics.Recalculation(ctx, string(out))
	if failure != nil {
		c.logger.WarnContext(ctx, "recalculation failed", "lineage", id, "error", failure)
	}
	return out, reports
}

// Run sweeps every interval, and promptly after an amendment marks a
// lineage stale, until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-c.wake:
		}
		if _, err := c.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.ErrorContext(ctx, "sweep failed", "error", err)
		}
	}
}
