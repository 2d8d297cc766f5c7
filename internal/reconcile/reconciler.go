package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rickgao/account-aggregator/internal/aggregate"
	"github.com/rickgao/account-aggregator/internal/model"
	"github.com/rickgao/account-aggregator/internal/normalize"
	"github.com/rickgao/account-aggregator/internal/schedule"
	"github.com/rickgao/account-aggregator/internal/store"
)

// ErrNoSource is returned by Verify when no authoritative source is set.
var ErrNoSource = errors.New("reconcile: no authoritative source")

// Source returns the full authoritative account collection.
type Source interface {
	FetchAccounts(ctx context.Context, force bool) ([]model.RawAccount, error)
}

// Config holds reconciliation settings.
type Config struct {
	Interval time.Duration // Periodic check interval; 0 disables it
	Epsilon  float64       // Per-field tolerance
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 60 * time.Second,
		Epsilon:  1e-4,
	}
}

// Reconciler runs periodic checks and on-demand verification.
type Reconciler struct {
	cfg    Config
	store  *store.Store
	agg    *aggregate.Aggregator
	norm   *normalize.Normalizer
	source Source
	apply  sync.Locker // Serializes mutation with batch application
	clock  schedule.Clock
	logger *slog.Logger

	mu       sync.Mutex
	latest   *model.DriftReport
	hooks    map[int]func(model.DriftReport)
	nextHook int
	task     schedule.Task
	running  bool
}

// New creates a Reconciler. lock must be held by every other writer of st
// and agg while they mutate; a nil lock is allowed when there are none.
func New(
	cfg Config,
	st *store.Store,
	agg *aggregate.Aggregator,
	norm *normalize.Normalizer,
	source Source,
	lock sync.Locker,
	clock schedule.Clock,
	logger *slog.Logger,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = schedule.Real{}
	}
	if lock == nil {
		lock = &sync.Mutex{}
	}
	if cfg.Epsilon < 0 {
		cfg.Epsilon = 0
	}
	return &Reconciler{
		cfg:    cfg,
		store:  st,
		agg:    agg,
		norm:   norm,
		source: source,
		apply:  lock,
		clock:  clock,
		logger: logger.With("component", "reconciler"),
		hooks:  make(map[int]func(model.DriftReport)),
	}
}

// Start schedules the periodic check. It is a no-op when Interval is 0 or
// the loop is already running.
func (r *Reconciler) Start() {
	if r.cfg.Interval <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.scheduleLocked()
}

// Stop cancels the periodic check.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	if r.task != nil {
		r.task.Cancel()
		r.task = nil
	}
}

func (r *Reconciler) scheduleLocked() {
	r.task = r.clock.AfterFunc(r.cfg.Interval, func() {
		r.Check()

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.running {
			r.scheduleLocked()
		}
	})
}

// Check recomputes the totals over the Store. When they differ from the
// incremental totals beyond epsilon, the totals are replaced and a periodic
// report is recorded. The returned report is recorded only if Drifted.
func (r *Reconciler) Check() model.DriftReport {
	r.apply.Lock()
	r.agg.Flush()
	accounts := r.store.Accounts()
	ref := aggregate.Recompute(accounts)
	local := r.agg.Stats()

	report := r.newReport(model.DriftPeriodic, local, ref, len(accounts))
	if report.Drifted {
		r.agg.Reset(ref)
		report.Applied = true
	}
	r.apply.Unlock()

	if report.Drifted {
		r.logger.Warn("drift corrected",
			"count_delta", report.CountDelta,
			"balance_delta", report.Deltas[model.FieldBalance.Name()],
			"equity_delta", report.Deltas[model.FieldEquity.Name()],
		)
		r.record(report)
	} else {
		r.logger.Debug("totals consistent", "entities", len(accounts))
	}
	return report
}

// Verify fetches a forced snapshot from the source and diffs its totals
// against the local ones. With apply, the Store and totals are replaced by
// the snapshot and duplicate-signature tracking is reset.
func (r *Reconciler) Verify(ctx context.Context, apply bool) (model.DriftReport, error) {
	if r.source == nil {
		return model.DriftReport{}, ErrNoSource
	}

	asOf := r.clock.Now().UnixMilli()
	raw, err := r.source.FetchAccounts(ctx, true)
	if err != nil {
		return model.DriftReport{}, fmt.Errorf("fetch authoritative snapshot: %w", err)
	}
	accounts := r.norm.Accounts(raw)
	ref := aggregate.Recompute(accounts)

	r.apply.Lock()
	r.agg.Flush()
	local := r.agg.Stats()
	report := r.newReport(model.DriftOnDemand, local, ref, len(accounts))
	if apply {
		r.store.UpsertMany(accounts, asOf)
		r.agg.Reset(aggregate.Recompute(r.store.Accounts()))
		r.agg.ResetSignatures()
		report.Applied = true
	}
	r.apply.Unlock()

	r.logger.Info("verified against source",
		"entities", report.EntityCount,
		"drifted", report.Drifted,
		"applied", report.Applied,
	)
	r.record(report)
	return report, nil
}

// Latest returns the most recent report.
func (r *Reconciler) Latest() (model.DriftReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest == nil {
		return model.DriftReport{}, false
	}
	return cloneReport(*r.latest), true
}

// OnReport registers fn to receive every recorded report. The returned
// function unregisters it.
func (r *Reconciler) OnReport(fn func(model.DriftReport)) func() {
	r.mu.Lock()
	id := r.nextHook
	r.nextHook++
	r.hooks[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.hooks, id)
		r.mu.Unlock()
	}
}

func (r *Reconciler) newReport(source model.DriftSource, local, ref model.Stats, entities int) model.DriftReport {
	now := r.clock.Now()
	deltas, countDelta := local.Diff(ref)

	byName := make(map[string]float64, model.NumFields)
	for i, d := range deltas {
		byName[model.Field(i).Name()] = d
	}

	return model.DriftReport{
		ID:          ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Timestamp:   now,
		Source:      source,
		Deltas:      byName,
		CountDelta:  countDelta,
		EntityCount: entities,
		Drifted:     !local.Equal(ref, r.cfg.Epsilon),
	}
}

func (r *Reconciler) record(report model.DriftReport) {
	r.mu.Lock()
	stored := cloneReport(report)
	r.latest = &stored
	hooks := make([]func(model.DriftReport), 0, len(r.hooks))
	for _, fn := range r.hooks {
		hooks = append(hooks, fn)
	}
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(cloneReport(report))
	}
}

func cloneReport(r model.DriftReport) model.DriftReport {
	deltas := make(map[string]float64, len(r.Deltas))
	for k, v := range r.Deltas {
		deltas[k] = v
	}
	r.Deltas = deltas
	return r
}
