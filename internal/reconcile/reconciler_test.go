package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/account-aggregator/internal/aggregate"
	"github.com/rickgao/account-aggregator/internal/model"
	"github.com/rickgao/account-aggregator/internal/normalize"
	"github.com/rickgao/account-aggregator/internal/schedule"
	"github.com/rickgao/account-aggregator/internal/store"
)

const eps = 1e-4

var start = time.Unix(1700000000, 0)

type fakeSource struct {
	mu       sync.Mutex
	accounts []model.RawAccount
	err      error
	calls    int
	forced   int
}

func (f *fakeSource) FetchAccounts(ctx context.Context, force bool) ([]model.RawAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if force {
		f.forced++
	}
	return f.accounts, f.err
}

type harness struct {
	st    *store.Store
	agg   *aggregate.Aggregator
	clock *schedule.Manual
	src   *fakeSource
	rec   *Reconciler
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clock := schedule.NewManual(start)
	h := &harness{
		st:    store.New(),
		agg:   aggregate.New(aggregate.DefaultConfig(), clock, nil),
		clock: clock,
		src:   &fakeSource{},
	}
	h.rec = New(cfg, h.st, h.agg, normalize.MustDefault(), h.src, nil, clock, nil)

	h.st.UpsertMany([]model.Account{
		{Login: "1", Currency: "USD", UpdatedAt: 1, Values: map[string]float64{"balance": 100, "equity": 90}},
		{Login: "2", Currency: "USD", UpdatedAt: 1, Values: map[string]float64{"balance": 50, "equity": 40}},
	}, 0)
	h.agg.Reset(aggregate.Recompute(h.st.Accounts()))
	return h
}

func (h *harness) desync() {
	bogus := h.agg.Stats()
	bogus.Sums[model.FieldBalance] += 12.5
	bogus.Count++
	h.agg.Reset(bogus)
}

func TestCheckConsistentDoesNotRecord(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	report := h.rec.Check()
	assert.False(t, report.Drifted)
	assert.False(t, report.Applied)

	_, ok := h.rec.Latest()
	assert.False(t, ok)
}

func TestCheckConverges(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.desync()

	report := h.rec.Check()
	require.True(t, report.Drifted)
	assert.True(t, report.Applied)
	assert.Equal(t, model.DriftPeriodic, report.Source)
	assert.InDelta(t, -12.5, report.Deltas["balance"], eps)
	assert.Equal(t, -1, report.CountDelta)
	assert.Equal(t, 2, report.EntityCount)
	assert.NotEmpty(t, report.ID)

	want := aggregate.Recompute(h.st.Accounts())
	assert.True(t, h.agg.Stats().Equal(want, eps))

	latest, ok := h.rec.Latest()
	require.True(t, ok)
	assert.Equal(t, report.ID, latest.ID)
}

func TestCheckIncludesPendingDeltas(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	old, _ := h.st.Get("1")
	_, updated := h.st.Upsert("1", "USD", map[string]float64{"balance": 130}, 2)
	h.agg.Apply([]model.Change{{Old: &old, New: &updated}})

	report := h.rec.Check()
	assert.False(t, report.Drifted, "pending deltas are flushed before comparing")
}

func TestPeriodicLoop(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Minute, Epsilon: eps})

	var reports []model.DriftReport
	h.rec.OnReport(func(r model.DriftReport) { reports = append(reports, r) })

	h.rec.Start()
	h.rec.Start()
	assert.Equal(t, 1, h.clock.Pending())

	h.desync()
	h.clock.Advance(30 * time.Second)
	assert.Empty(t, reports)

	h.clock.Advance(30 * time.Second)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Applied)
	assert.True(t, h.agg.Stats().Equal(aggregate.Recompute(h.st.Accounts()), eps))

	h.desync()
	h.clock.Advance(time.Minute)
	assert.Len(t, reports, 2)

	h.rec.Stop()
	assert.Zero(t, h.clock.Pending())
	h.desync()
	h.clock.Advance(5 * time.Minute)
	assert.Len(t, reports, 2)
}

func TestPeriodicLoopDisabled(t *testing.T) {
	h := newHarness(t, Config{Interval: 0, Epsilon: eps})
	h.rec.Start()
	assert.Zero(t, h.clock.Pending())
}

func TestVerifyReportOnly(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.src.accounts = []model.RawAccount{
		{Login: "1", Currency: "USD", UpdatedAt: 5, Values: map[string]float64{"balance": 100, "equity": 90}},
		{Login: "2", Currency: "USD", UpdatedAt: 5, Values: map[string]float64{"balance": 75, "equity": 40}},
		{Login: "3", Currency: "USC", UpdatedAt: 5, Values: map[string]float64{"balance": 1000}},
	}
	before := h.agg.Stats()

	report, err := h.rec.Verify(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, model.DriftOnDemand, report.Source)
	assert.True(t, report.Drifted)
	assert.False(t, report.Applied)
	assert.InDelta(t, 35, report.Deltas["balance"], eps) // 25 + 1000 cents
	assert.Equal(t, 1, report.CountDelta)
	assert.Equal(t, 3, report.EntityCount)
	assert.Equal(t, 1, h.src.forced)

	assert.True(t, h.agg.Stats().Equal(before, eps), "report-only leaves totals alone")
	assert.Equal(t, 2, h.st.Len())
}

func TestVerifyApply(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.src.accounts = []model.RawAccount{
		{Login: "2", Currency: "USD", UpdatedAt: 5, Values: map[string]float64{"balance": 75}},
		{Login: "3", Currency: "USC", UpdatedAt: 5, Values: map[string]float64{"balance": 1000}},
	}

	var got []model.DriftReport
	unsubscribe := h.rec.OnReport(func(r model.DriftReport) { got = append(got, r) })

	report, err := h.rec.Verify(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, report.Applied)
	require.Len(t, got, 1)

	assert.Equal(t, 2, h.st.Len())
	acc, ok := h.st.Get("3")
	require.True(t, ok)
	assert.InDelta(t, 10, acc.Values["balance"], eps)

	stats := h.agg.Stats()
	assert.InDelta(t, 85, stats.Sum(model.FieldBalance), eps)
	assert.Equal(t, 2, stats.Count)

	// A second verify against the same snapshot shows no drift.
	unsubscribe()
	report, err = h.rec.Verify(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, report.Drifted)
	assert.Len(t, got, 1)
}

func TestVerifyKeepsNewerStreamState(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.clock.Advance(time.Second)
	now := h.clock.Now().UnixMilli()

	old, _ := h.st.Get("1")
	_, updated := h.st.Upsert("1", "USD", map[string]float64{"balance": 500}, now+10)
	h.agg.Apply([]model.Change{{Old: &old, New: &updated}})

	h.src.accounts = []model.RawAccount{
		{Login: "1", Currency: "USD", UpdatedAt: now - 1000, Values: map[string]float64{"balance": 100}},
		{Login: "2", Currency: "USD", UpdatedAt: now - 1000, Values: map[string]float64{"balance": 50}},
	}

	_, err := h.rec.Verify(context.Background(), true)
	require.NoError(t, err)

	acc, _ := h.st.Get("1")
	assert.InDelta(t, 500, acc.Values["balance"], eps)
	assert.InDelta(t, 550, h.agg.Stats().Sum(model.FieldBalance), eps)
}

func TestVerifyErrors(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.src.err = errors.New("unavailable")

	_, err := h.rec.Verify(context.Background(), true)
	assert.ErrorContains(t, err, "fetch authoritative snapshot: unavailable")
	_, ok := h.rec.Latest()
	assert.False(t, ok)

	noSource := New(DefaultConfig(), h.st, h.agg, normalize.MustDefault(), nil, nil, h.clock, nil)
	_, err = noSource.Verify(context.Background(), false)
	assert.ErrorIs(t, err, ErrNoSource)
}
