package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/account-aggregator/internal/aggregate"
	"github.com/rickgao/account-aggregator/internal/cache"
	"github.com/rickgao/account-aggregator/internal/connection"
	"github.com/rickgao/account-aggregator/internal/ingest"
	"github.com/rickgao/account-aggregator/internal/model"
	"github.com/rickgao/account-aggregator/internal/normalize"
	"github.com/rickgao/account-aggregator/internal/reconcile"
	"github.com/rickgao/account-aggregator/internal/router"
	"github.com/rickgao/account-aggregator/internal/schedule"
	"github.com/rickgao/account-aggregator/internal/store"
)

// Session errors.
var (
	ErrNotStarted     = errors.New("session not started")
	ErrAlreadyStarted = errors.New("session already started")
)

// consumeBatch bounds how many routed updates are handled per wakeup.
const consumeBatch = 256

// Status is a point-in-time view of every component's counters.
type Status struct {
	State         connection.State     `json:"state"`
	Ready         bool                 `json:"ready"`
	Entities      int                  `json:"entities"`
	LastRefresh   time.Time            `json:"last_refresh"`
	RefreshErrors int64                `json:"refresh_errors"`
	Connection    connection.Stats     `json:"connection"`
	Router        router.Stats         `json:"router"`
	Ingest        ingest.Stats         `json:"ingest"`
	Aggregator    aggregate.Metrics    `json:"aggregator"`
	Cache         *cache.WriterMetrics `json:"cache,omitempty"`
}

// Session owns one aggregation scope: a feed connection, the Store, the
// totals and their reconciliation.
type Session struct {
	cfg    Config
	logger *slog.Logger
	clock  schedule.Clock

	norm     *normalize.Normalizer
	store    *store.Store
	agg      *aggregate.Aggregator
	pipeline *ingest.Pipeline
	rec      *reconcile.Reconciler
	router   router.Router
	conn     *connection.Manager
	connOpts []connection.Option
	source   reconcile.Source

	cacheBackend cache.Backend
	cacheWriter  *cache.Writer

	// applyMu serializes batch application, bulk replace and reconciliation.
	applyMu sync.Mutex
	refresh singleflight.Group

	mu            sync.Mutex
	started       bool
	stopped       bool
	cancel        context.CancelFunc
	group         *errgroup.Group
	ctx           context.Context
	connectedOnce bool
	unsubscribe   []func()

	ready         atomic.Bool
	lastRefresh   atomic.Int64 // ms
	refreshErrors atomic.Int64
}

// New creates a Session. source may be nil, in which case the Store is
// populated from the stream alone and verification is unavailable.
func New(cfg Config, source reconcile.Source, opts ...Option) (*Session, error) {
	norm, err := normalize.New(cfg.Subunits)
	if err != nil {
		return nil, fmt.Errorf("build normalizer: %w", err)
	}

	s := &Session{
		cfg:    cfg,
		logger: slog.Default(),
		clock:  schedule.Real{},
		norm:   norm,
		store:  store.New(store.WithRescale(norm.Values)),
		source: source,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "session")

	s.agg = aggregate.New(cfg.Aggregate, s.clock, s.logger)
	s.pipeline = ingest.New(cfg.Ingest, norm, s.store, ingest.ApplierFunc(s.applyBatch), s.agg, s.clock, s.logger)
	s.rec = reconcile.New(cfg.Reconcile, s.store, s.agg, norm, source, &s.applyMu, s.clock, s.logger)
	s.router = router.NewRouter(cfg.Router, s.logger)

	connOpts := append([]connection.Option{
		connection.WithLogger(s.logger),
		connection.WithClock(s.clock),
	}, s.connOpts...)
	s.conn = connection.NewManager(cfg.Connection, connOpts...)

	if s.cacheBackend != nil {
		s.cacheWriter = cache.NewWriter(cfg.CacheWriter, s.cacheBackend, s.logger)
	}

	s.rec.OnReport(func(r model.DriftReport) {
		s.logger.Info("drift report",
			"id", r.ID,
			"source", r.Source,
			"drifted", r.Drifted,
			"applied", r.Applied,
			"count_delta", r.CountDelta,
			"entities", r.EntityCount,
		)
	})

	return s, nil
}

// Start loads the initial snapshot, connects to the feed and starts the
// background loops. It returns once the first dial has been attempted; a
// failed dial is retried in the background and is not an error here.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.ctx = runCtx
	s.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	s.group = g

	s.unsubscribe = append(s.unsubscribe,
		s.conn.Subscribe(connection.Wildcard, s.router.Route),
		s.conn.OnStateChange(s.onStateChange),
	)
	s.mu.Unlock()

	if s.cacheWriter != nil {
		s.cacheWriter.Start(gctx)
	}

	g.Go(func() error {
		s.pipeline.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.consume()
		return nil
	})
	g.Go(func() error {
		s.initialLoad(gctx)
		return nil
	})
	s.rec.Start()

	if err := s.conn.Connect(runCtx); err != nil {
		s.logger.Warn("initial connect failed, retrying in background", "error", err)
	}
	return nil
}

// Stop disconnects, drains everything routed so far, runs a final flush and
// stops the background loops.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if err := s.conn.Disconnect(); err != nil && !errors.Is(err, connection.ErrNotConnected) {
		s.logger.Warn("disconnect", "error", err)
	}
	for _, fn := range unsubscribe {
		fn()
	}
	s.rec.Stop()

	// Closing the router lets consume drain and exit.
	s.router.Close()
	s.cancel()
	err := s.group.Wait()

	s.pipeline.Close()
	if s.cacheWriter != nil {
		s.cacheWriter.Stop(ctx)
	}

	s.logger.Info("session stopped", "entities", s.store.Len())
	return err
}

// Accounts returns a copy of the current collection.
func (s *Session) Accounts() []model.Account {
	return s.store.Accounts()
}

// Stats returns the last published totals.
func (s *Session) Stats() model.Stats {
	return s.agg.Stats()
}

// State returns the feed connection state.
func (s *Session) State() connection.State {
	return s.conn.State()
}

// OnStateChange registers fn for connection state changes. fn is called
// once with the current state.
func (s *Session) OnStateChange(fn connection.StateHandler) func() {
	return s.conn.OnStateChange(fn)
}

// OnStats registers fn for every published totals update.
func (s *Session) OnStats(fn func(model.Stats)) func() {
	return s.agg.Subscribe(fn)
}

// LatestDrift returns the most recent drift report.
func (s *Session) LatestDrift() (model.DriftReport, bool) {
	return s.rec.Latest()
}

// VerifyAgainstSource diffs the totals against a fresh authoritative
// snapshot and, with apply, adopts it.
func (s *Session) VerifyAgainstSource(ctx context.Context, apply bool) (model.DriftReport, error) {
	s.pipeline.Flush()
	report, err := s.rec.Verify(ctx, apply)
	if err != nil {
		return report, err
	}
	if apply {
		s.lastRefresh.Store(s.clock.Now().UnixMilli())
	}
	return report, nil
}

// ForceRefresh fetches a fresh snapshot, bypassing the source's cache, and
// replaces the Store with it. Concurrent calls share one fetch.
func (s *Session) ForceRefresh(ctx context.Context) error {
	if s.source == nil {
		return reconcile.ErrNoSource
	}
	_, err, shared := s.refresh.Do("refresh", func() (any, error) {
		return nil, s.loadSnapshot(ctx, true)
	})
	if shared {
		s.logger.Debug("refresh coalesced")
	}
	return err
}

// Ready reports whether the Store has been populated, by a snapshot or by
// a live connection.
func (s *Session) Ready() bool {
	return s.ready.Load()
}

// Status returns component counters.
func (s *Session) Status() Status {
	st := Status{
		State:         s.conn.State(),
		Ready:         s.ready.Load(),
		Entities:      s.store.Len(),
		RefreshErrors: s.refreshErrors.Load(),
		Connection:    s.conn.Stats(),
		Router:        s.router.Stats(),
		Ingest:        s.pipeline.Stats(),
		Aggregator:    s.agg.Metrics(),
	}
	if ms := s.lastRefresh.Load(); ms > 0 {
		st.LastRefresh = time.UnixMilli(ms)
	}
	if s.cacheWriter != nil {
		m := s.cacheWriter.Stats()
		st.Cache = &m
	}
	return st
}

// applyBatch is the pipeline's flush target.
func (s *Session) applyBatch(b *model.Batch) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	s.agg.Apply(s.store.ApplyBatch(b))
}

// replace adopts a snapshot taken at asOf (ms).
func (s *Session) replace(raw []model.RawAccount, asOf int64) bool {
	accounts := s.norm.Accounts(raw)

	// Events still pending were routed before the snapshot.
	s.pipeline.Flush()

	s.applyMu.Lock()
	changed := s.store.UpsertMany(accounts, asOf)
	if changed {
		s.agg.Reset(aggregate.Recompute(s.store.Accounts()))
		s.agg.ResetSignatures()
	}
	s.applyMu.Unlock()

	s.ready.Store(true)
	return changed
}

func (s *Session) loadSnapshot(ctx context.Context, force bool) error {
	asOf := s.clock.Now().UnixMilli()
	raw, err := s.source.FetchAccounts(ctx, force)
	if err != nil {
		s.refreshErrors.Add(1)
		return fmt.Errorf("fetch snapshot: %w", err)
	}

	changed := s.replace(raw, asOf)
	s.lastRefresh.Store(s.clock.Now().UnixMilli())
	s.logger.Info("snapshot loaded", "accounts", len(raw), "changed", changed, "forced", force)
	return nil
}

// initialLoad populates the Store from the bulk source, then replays cached
// events the snapshot does not reflect.
func (s *Session) initialLoad(ctx context.Context) {
	if s.source == nil {
		return
	}
	if err := s.loadSnapshot(ctx, false); err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("initial snapshot unavailable, continuing on stream only", "error", err)
		}
		return
	}
	s.replayCache(ctx)
}

func (s *Session) replayCache(ctx context.Context) {
	if s.cacheBackend == nil {
		return
	}

	bulk := make(map[string]int64, s.store.Len())
	for _, a := range s.store.Accounts() {
		bulk[a.Login] = a.UpdatedAt
	}

	events, err := cache.Restore(ctx, s.cacheBackend, bulk, s.clock.Now(), s.cfg.CacheWindow, s.cfg.CacheCapacity)
	if err != nil {
		s.logger.Warn("cache replay skipped", "error", err)
		return
	}
	for _, ev := range events {
		if err := s.pipeline.Submit(ev); err != nil {
			s.logger.Debug("cached event rejected", "login", ev.Login, "error", err)
		}
	}
	if len(events) > 0 {
		s.logger.Info("replayed cached events", "events", len(events))
	}
}

// consume moves routed updates into the pipeline in arrival order.
func (s *Session) consume() {
	buf := s.router.Buffer()
	for {
		updates, ok := buf.WaitDrain(consumeBatch)
		if !ok {
			return
		}
		for _, u := range updates {
			switch {
			case u.Event != nil:
				if s.cacheWriter != nil {
					s.cacheWriter.Record(*u.Event)
				}
				if err := s.pipeline.Submit(*u.Event); err != nil && !errors.Is(err, ingest.ErrClosed) {
					s.logger.Debug("event rejected", "login", u.Event.Login, "error", err)
				}
			case u.Snapshot != nil:
				changed := s.replace(u.Snapshot.Accounts, u.Snapshot.AsOf)
				s.logger.Info("feed snapshot applied", "accounts", len(u.Snapshot.Accounts), "changed", changed)
			}
		}
	}
}

func (s *Session) onStateChange(state connection.State) {
	if state != connection.StateConnected {
		return
	}

	s.mu.Lock()
	reconnect := s.connectedOnce
	s.connectedOnce = true
	ctx := s.ctx
	g := s.group
	stopped := s.stopped
	s.mu.Unlock()

	if !reconnect {
		if s.source == nil {
			s.ready.Store(true)
		}
		return
	}
	if s.source == nil || stopped {
		return
	}

	// Updates missed while disconnected are recovered from a fresh snapshot.
	g.Go(func() error {
		if err := s.ForceRefresh(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("reconnect refresh failed", "error", err)
		}
		return nil
	})
}
