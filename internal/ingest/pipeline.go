package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/account-aggregator/internal/model"
	"github.com/rickgao/account-aggregator/internal/normalize"
	"github.com/rickgao/account-aggregator/internal/schedule"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("pipeline closed")

// ErrNoIdentity is returned for events without a login.
var ErrNoIdentity = errors.New("event has no login")

// Applier receives flushed batches. Implementations apply the batch to the
// Store and the Aggregator as one atomic step.
type Applier interface {
	ApplyBatch(batch *model.Batch)
}

// ApplierFunc is a function adapter for Applier.
type ApplierFunc func(*model.Batch)

func (f ApplierFunc) ApplyBatch(b *model.Batch) { f(b) }

// CurrencyLookup resolves the stored currency for partial updates.
type CurrencyLookup interface {
	Currency(login string) string
}

// Debouncer is the part of the Aggregator the pipeline drives.
type Debouncer interface {
	SetDebounce(d time.Duration)
	DebounceBounds() (min, max time.Duration)
	Tick(now time.Time) bool
	Flush()
}

// Config holds batching thresholds.
type Config struct {
	HighWater     int           // Flush immediately at this many pending logins
	TargetLatency time.Duration // Max age of the oldest pending event
	MaxInterval   time.Duration // Max time between flushes while events are pending
	TickInterval  time.Duration // Scheduler loop period
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HighWater:     200,
		TargetLatency: 50 * time.Millisecond,
		MaxInterval:   250 * time.Millisecond,
		TickInterval:  10 * time.Millisecond,
	}
}

// Stats contains pipeline counters.
type Stats struct {
	Submitted     int64
	Coalesced     int64
	Dropped       int64
	Flushes       int64
	Pending       int
	LastBatchSize int
	LastBatchAge  time.Duration // Age of the oldest event at flush
	LastFlushTook time.Duration
}

// Pipeline buffers update events and flushes them in coalesced batches.
type Pipeline struct {
	cfg     Config
	clock   schedule.Clock
	logger  *slog.Logger
	norm    *normalize.Normalizer
	lookup  CurrencyLookup
	applier Applier
	agg     Debouncer

	// flushMu keeps batches applied in the order they were taken.
	flushMu sync.Mutex

	mu        sync.Mutex
	batch     *model.Batch
	lastFlush time.Time
	closed    bool
	stats     Stats
}

// New creates a Pipeline. agg may be nil when no debounce tuning is wanted.
func New(
	cfg Config,
	norm *normalize.Normalizer,
	lookup CurrencyLookup,
	applier Applier,
	agg Debouncer,
	clock schedule.Clock,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = schedule.Real{}
	}
	if cfg.HighWater < 1 {
		cfg.HighWater = 1
	}
	return &Pipeline{
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		norm:      norm,
		lookup:    lookup,
		applier:   applier,
		agg:       agg,
		batch:     model.NewBatch(),
		lastFlush: clock.Now(),
	}
}

// Submit normalizes a raw event and adds it to the pending batch. Reaching
// the high-water mark flushes synchronously.
func (p *Pipeline) Submit(raw model.RawEvent) error {
	if raw.Login == "" {
		p.drop("event without login", raw)
		return ErrNoIdentity
	}
	switch raw.Kind {
	case model.EventAdded, model.EventUpdated, model.EventDeleted:
	default:
		p.drop("unknown event kind", raw)
		return errors.New("unknown event kind: " + string(raw.Kind))
	}

	now := p.clock.Now()
	if raw.ReceivedAt.IsZero() {
		raw.ReceivedAt = now
	}

	p.mu.Lock()
	if p.closed {
		p.stats.Dropped++
		p.mu.Unlock()
		return ErrClosed
	}

	currency := raw.Currency
	if currency == "" {
		if pending, ok := p.batch.Get(raw.Login); ok {
			currency = pending.Currency
		}
	}
	if currency == "" && p.lookup != nil {
		currency = p.lookup.Currency(raw.Login)
	}

	ev := p.norm.Event(raw, currency)
	if p.batch.Put(ev, now) {
		p.stats.Coalesced++
	}
	p.stats.Submitted++
	full := p.batch.Len() >= p.cfg.HighWater
	p.mu.Unlock()

	if full {
		p.Flush()
	}
	return nil
}

// Tick checks the flush deadlines and drives the aggregator debounce. It is
// called by one scheduler loop; tests call it directly with a Manual clock.
func (p *Pipeline) Tick() {
	now := p.clock.Now()

	p.mu.Lock()
	due := p.batch.Len() > 0 &&
		(now.Sub(p.batch.FirstSeen()) >= p.cfg.TargetLatency ||
			now.Sub(p.lastFlush) >= p.cfg.MaxInterval)
	p.mu.Unlock()

	if due {
		p.Flush()
	}
	if p.agg != nil {
		p.agg.Tick(now)
	}
}

// Flush hands the pending batch to the Applier. A flush that finds the
// batch empty is a no-op.
func (p *Pipeline) Flush() {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	if p.batch.Len() == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.batch
	p.batch = model.NewBatch()
	now := p.clock.Now()
	p.lastFlush = now
	p.mu.Unlock()

	start := time.Now()
	p.applier.ApplyBatch(batch)
	took := time.Since(start)

	age := now.Sub(batch.FirstSeen())
	p.mu.Lock()
	p.stats.Flushes++
	p.stats.LastBatchSize = batch.Len()
	p.stats.LastBatchAge = age
	p.stats.LastFlushTook = took
	p.mu.Unlock()

	p.adapt(batch.Len(), age)

	p.logger.Debug("batch flushed",
		"size", batch.Len(),
		"age", age,
		"took", took,
	)
}

// adapt narrows the aggregator debounce under burst and widens it under
// light load, linearly in the batch fill ratio.
func (p *Pipeline) adapt(size int, age time.Duration) {
	if p.agg == nil {
		return
	}
	lo, hi := p.agg.DebounceBounds()

	load := float64(size) / float64(p.cfg.HighWater)
	if p.cfg.TargetLatency > 0 && age > p.cfg.TargetLatency {
		// A batch that waited past its target is treated as full load.
		load = 1
	}
	if load > 1 {
		load = 1
	}

	d := hi - time.Duration(float64(hi-lo)*load)
	p.agg.SetDebounce(d)
}

// Run polls Tick every TickInterval until ctx is done.
func (p *Pipeline) Run(ctx context.Context) {
	interval := p.cfg.TickInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick()
		}
	}
}

// Close stops accepting events and runs one final synchronous flush.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.Flush()
	if p.agg != nil {
		p.agg.Flush()
	}
}

// Stats returns current counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Pending = p.batch.Len()
	return s
}

func (p *Pipeline) drop(reason string, raw model.RawEvent) {
	p.mu.Lock()
	p.stats.Dropped++
	p.mu.Unlock()

	p.logger.Warn("dropping stream event",
		"reason", reason,
		"login", raw.Login,
		"kind", raw.Kind,
	)
}
