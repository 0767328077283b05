package recalc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
	"github.com/Mindburn-Labs/helm-audit/pkg/regulation"
	"github.com/Mindburn-Labs/helm-audit/pkg/report"
)

var jan2025 = declaration.NewPeriod(2025, time.January)

type fakeRegen struct {
	mu     sync.Mutex
	calls  map[string]int
	err    error
	during func()
}

func newFakeRegen() *fakeRegen { return &fakeRegen{calls: map[string]int{}} }

func (f *fakeRegen) Regenerate(_ context.Context, scope string) (*report.Report, error) {
	f.mu.Lock()
	f.calls[scope]++
	n := f.calls[scope]
	err := f.err
	during := f.during
	f.mu.Unlock()
	if during != nil {
		during()
	}
	if err != nil {
		return nil, err
	}
	return &report.Report{ID: fmt.Sprintf("%s#%d", scope, n), LineageID: scope}, nil
}

func (f *fakeRegen) count(scope string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[scope]
}

func track(c *Coordinator, lineageID string, p declaration.Period, scope string) {
	c.Track(context.Background(), report.Evaluated{
		LineageID: lineageID,
		RecordID:  lineageID,
		Period:    p,
		ScopeKey:  scope,
	})
}

func amendment2025(revision uint64) regulation.Amendment {
	until := regulation.Day(2026, time.January, 1)
	return regulation.Amendment{
		ParameterID: "RGDU_THRESHOLD_MULTIPLE",
		From:        regulation.Day(2025, time.January, 1),
		Until:       &until,
		Revision:    revision,
		Parameter:   regulation.Parameter{ID: "RGDU_THRESHOLD_MULTIPLE", Version: 3},
	}
}

func states(ts []Transition) []State {
	out := make([]State, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.To)
	}
	return out
}

func TestOnAmendment_MarksCoveredLineagesOnly(t *testing.T) {
	c := New(newFakeRegen())
	track(c, "decl-2025", jan2025, "s1")
	track(c, "decl-2026", declaration.NewPeriod(2026, time.January), "s2")

	c.OnAmendment(context.Background(), amendment2025(10))

	st, ok := c.State("decl-2025")
	require.True(t, ok)
	assert.Equal(t, StateStale, st)
	st, _ = c.State("decl-2026")
	assert.Equal(t, StateCurrent, st)
	assert.Equal(t, []string{"decl-2025"}, c.Pending())

	tr := c.Transitions("decl-2025")
	require.Len(t, tr, 1)
	assert.Equal(t, StateCurrent, tr[0].From)
	assert.Contains(t, tr[0].Reason, "RGDU_THRESHOLD_MULTIPLE@v3")
}

func TestSweep_CollapsesMarkersAndScopes(t *testing.T) {
	regen := newFakeRegen()
	c := New(regen)
	track(c, "decl-a", jan2025, "shared")
	track(c, "decl-b", declaration.NewPeriod(2025, time.February), "shared")
	track(c, "decl-b", declaration.NewPeriod(2025, time.February), "feb-only")

	c.OnAmendment(context.Background(), amendment2025(10))
	c.OnAmendment(context.Background(), amendment2025(11))

	res, err := c.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Recalculated)
	assert.Equal(t, 1, regen.count("shared"))
	assert.Equal(t, 1, regen.count("feb-only"))
	assert.Equal(t, []string{"feb-only#1", "shared#1"}, res.Reports)

	assert.Equal(t, []State{StateStale, StateRecalculating, StateCurrent}, states(c.Transitions("decl-a")))
	assert.Empty(t, c.Pending())

	res, err = c.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

func TestSweep_FailedIsRetried(t *testing.T) {
	regen := newFakeRegen()
	regen.err = errors.New("store unavailable")
	c := New(regen)
	track(c, "decl-a", jan2025, "s1")
	c.OnAmendment(context.Background(), amendment2025(10))

	res, err := c.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	st, _ := c.State("decl-a")
	assert.Equal(t, StateFailed, st)
	assert.ErrorContains(t, c.LastError("decl-a"), "store unavailable")
	assert.Equal(t, []string{"decl-a"}, c.Pending())

	regen.mu.Lock()
	regen.err = nil
	regen.mu.Unlock()

	res, err = c.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recalculated)
	st, _ = c.State("decl-a")
	assert.Equal(t, StateCurrent, st)
	assert.NoError(t, c.LastError("decl-a"))
	assert.Equal(t,
		[]State{StateStale, StateRecalculating, StateFailed, StateRecalculating, StateCurrent},
		states(c.Transitions("decl-a")))
}

func TestSweep_AmendmentDuringPassRequeues(t *testing.T) {
	regen := newFakeRegen()
	c := New(regen)
	track(c, "decl-a", jan2025, "s1")
	c.OnAmendment(context.Background(), amendment2025(10))

	regen.during = func() {
		st, _ := c.State("decl-a")
		assert.Equal(t, StateRecalculating, st)
		c.OnAmendment(context.Background(), amendment2025(11))
	}
	res, err := c.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)
	st, _ := c.State("decl-a")
	assert.Equal(t, StateStale, st)

	regen.during = nil
	res, err = c.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recalculated)
	assert.Equal(t, 2, regen.count("s1"))
}

func TestSweep_SharedScopeDoesNotSettleLaterMarker(t *testing.T) {
	regen := newFakeRegen()
	c := New(regen, WithWorkers(1))
	track(c, "decl-a", jan2025, "shared")
	track(c, "decl-b", declaration.NewPeriod(2025, time.February), "shared")
	c.OnAmendment(context.Background(), amendment2025(10))

	from, until := regulation.Day(2025, time.February, 1), regulation.Day(2025, time.March, 1)
	var fired bool
	regen.during = func() {
		if fired {
			return
		}
		fired = true
		c.OnAmendment(context.Background(), regulation.Amendment{
			ParameterID: "SMIC_MONTHLY",
			From:        from,
			Until:       &until,
			Revision:    11,
			Parameter:   regulation.Parameter{ID: "SMIC_MONTHLY", Version: 4},
		})
	}

	res, err := c.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recalculated)
	assert.Equal(t, 1, res.Requeued)
	assert.Equal(t, 1, regen.count("shared"))
	st, _ := c.State("decl-a")
	assert.Equal(t, StateCurrent, st)
	st, _ = c.State("decl-b")
	assert.Equal(t, StateStale, st)
	assert.Equal(t, []string{"decl-b"}, c.Pending())

	res, err = c.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recalculated)
	assert.Equal(t, []string{"shared#2"}, res.Reports)
	st, _ = c.State("decl-b")
	assert.Equal(t, StateCurrent, st)
}

func TestSweep_InterruptedPassStaysStale(t *testing.T) {
	regen := newFakeRegen()
	c := New(regen)
	track(c, "decl-a", jan2025, "s1")
	c.OnAmendment(context.Background(), amendment2025(10))

	ctx, cancel := context.WithCancel(context.Background())
	regen.err = context.Canceled
	regen.during = cancel

	res, err := c.Sweep(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Requeued)
	st, _ := c.State("decl-a")
	assert.Equal(t, StateStale, st)
	assert.NoError(t, c.LastError("decl-a"))
}

type denyLeaser struct{ asked int }

func (d *denyLeaser) Acquire(context.Context, string, time.Duration) (Lease, bool, error) {
	d.asked++
	return nil, false, nil
}

func TestSweep_LeaseHeldElsewhereSkips(t *testing.T) {
	regen := newFakeRegen()
	leaser := &denyLeaser{}
	c := New(regen, WithLeaser(leaser, time.Second))
	track(c, "decl-a", jan2025, "s1")
	c.OnAmendment(context.Background(), amendment2025(10))

	res, err := c.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, leaser.asked)
	assert.Equal(t, 0, regen.count("s1"))
	st, _ := c.State("decl-a")
	assert.Equal(t, StateStale, st)
}

func TestSweep_NoRegenerator(t *testing.T) {
	c := New(nil)
	track(c, "decl-a", jan2025, "s1")
	c.OnAmendment(context.Background(), amendment2025(10))
	_, err := c.Sweep(context.Background())
	require.Error(t, err)
}

func TestRun_SweepsAfterAmendment(t *testing.T) {
	regen := newFakeRegen()
	c := New(regen)
	track(c, "decl-a", jan2025, "s1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, time.Hour) }()

	c.OnAmendment(context.Background(), amendment2025(10))
	require.Eventually(t, func() bool {
		st, _ := c.State("decl-a")
		return st == StateCurrent && regen.count("s1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRestore_ReplaysLaterRetroactiveAmendments(t *testing.T) {
	c := New(newFakeRegen())
	until := regulation.Day(2026, time.January, 1)
	heads := []*report.Report{
		{
			LineageID:       "s-old",
			CatalogRevision: 40,
			Sections:        []report.Section{{LineageID: "decl-old", RecordID: "r1", Period: jan2025}},
		},
		{
			LineageID:       "s-new",
			CatalogRevision: 60,
			Sections:        []report.Section{{LineageID: "decl-new", RecordID: "r2", Period: jan2025}},
		},
		{
			LineageID:       "s-2026",
			CatalogRevision: 40,
			Sections:        []report.Section{{LineageID: "decl-2026", RecordID: "r3", Period: declaration.NewPeriod(2026, time.March)}},
		},
	}
	journal := []regulation.JournalEntry{
		{Revision: 30, Op: regulation.OpAmend, ParameterID: "RGDU_THRESHOLD_MULTIPLE", From: regulation.Day(2025, time.January, 1), Until: &until, Retroactive: true},
		{Revision: 50, Op: regulation.OpAmend, ParameterID: "RGDU_THRESHOLD_MULTIPLE", From: regulation.Day(2025, time.January, 1), Until: &until, Retroactive: true},
		{Revision: 55, Op: regulation.OpAmend, ParameterID: "SMIC_MONTHLY", From: regulation.Day(2025, time.January, 1), Until: &until},
		{Revision: 56, Op: regulation.OpPublish, ParameterID: "SMIC_MONTHLY", From: regulation.Day(2026, time.January, 1)},
	}

	assert.Equal(t, 1, c.Restore(context.Background(), heads, journal))
	assert.Equal(t, []string{"decl-old"}, c.Pending())
	st, ok := c.State("decl-new")
	require.True(t, ok)
	assert.Equal(t, StateCurrent, st)
	st, _ = c.State("decl-2026")
	assert.Equal(t, StateCurrent, st)
}

func TestRestore_OlderHeadOfSameLineageGoesStale(t *testing.T) {
	c := New(newFakeRegen())
	until := regulation.Day(2026, time.January, 1)
	section := report.Section{LineageID: "decl-a", RecordID: "r1", Period: jan2025}
	heads := []*report.Report{
		{LineageID: "jan-only", CatalogRevision: 5, Sections: []report.Section{section}},
		{LineageID: "q1", CatalogRevision: 9, Sections: []report.Section{section}},
	}
	journal := []regulation.JournalEntry{
		{Revision: 7, Op: regulation.OpAmend, ParameterID: "RGDU_THRESHOLD_MULTIPLE", From: regulation.Day(2025, time.January, 1), Until: &until, Retroactive: true},
	}

	assert.Equal(t, 1, c.Restore(context.Background(), heads, journal))
	assert.Equal(t, []string{"decl-a"}, c.Pending())
}
