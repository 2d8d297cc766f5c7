package aggregate

import (
	"encoding/binary"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/account-aggregator/internal/model"
	"github.com/rickgao/account-aggregator/internal/schedule"
)

// Config holds Aggregator configuration.
type Config struct {
	MinDebounce time.Duration // Debounce under burst load
	MaxDebounce time.Duration // Debounce under light load
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinDebounce: 10 * time.Millisecond,
		MaxDebounce: 250 * time.Millisecond,
	}
}

// Metrics counts aggregator activity.
type Metrics struct {
	Changes    int64
	Duplicates int64
	Publishes  int64
	Resets     int64
}

// Aggregator maintains running totals from account deltas.
type Aggregator struct {
	cfg    Config
	clock  schedule.Clock
	logger *slog.Logger

	published atomic.Pointer[model.Stats]

	mu           sync.Mutex
	pending      [model.NumFields]float64
	pendingCount int
	hasPending   bool
	deadline     time.Time
	debounce     time.Duration
	signatures   map[string]uint64
	metrics      Metrics

	subsMu sync.Mutex
	subs   map[int]func(model.Stats)
	nextID int
}

// New creates an Aggregator with zero totals.
func New(cfg Config, clock schedule.Clock, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = schedule.Real{}
	}
	if cfg.MaxDebounce < cfg.MinDebounce {
		cfg.MaxDebounce = cfg.MinDebounce
	}

	a := &Aggregator{
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
		debounce:   cfg.MaxDebounce,
		signatures: make(map[string]uint64),
		subs:       make(map[int]func(model.Stats)),
	}
	a.published.Store(&model.Stats{})
	return a
}

// Stats returns the last published totals.
func (a *Aggregator) Stats() model.Stats {
	return *a.published.Load()
}

// Pending reports whether unpublished deltas exist.
func (a *Aggregator) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasPending
}

// Metrics returns a copy of the activity counters.
func (a *Aggregator) Metrics() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

// Apply accumulates the deltas of a flushed batch.
func (a *Aggregator) Apply(changes []model.Change) {
	if len(changes) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, c := range changes {
		switch {
		case c.New != nil:
			sig := Signature(c.New)
			if prev, ok := a.signatures[c.New.Login]; ok && prev == sig {
				a.metrics.Duplicates++
				continue
			}
			a.signatures[c.New.Login] = sig
		case c.Old != nil:
			delete(a.signatures, c.Old.Login)
		default:
			continue
		}

		for i := 0; i < model.NumFields; i++ {
			f := model.Field(i)
			a.pending[i] += c.New.Value(f) - c.Old.Value(f)
		}

		// Count moves only on insert/delete.
		if c.Old == nil {
			a.pendingCount++
		} else if c.New == nil {
			a.pendingCount--
		}

		a.metrics.Changes++
		if !a.hasPending {
			a.hasPending = true
			a.deadline = a.clock.Now().Add(a.debounce)
		}
	}
}

// Tick publishes pending deltas once the debounce deadline has passed.
func (a *Aggregator) Tick(now time.Time) bool {
	a.mu.Lock()
	if !a.hasPending || now.Before(a.deadline) {
		a.mu.Unlock()
		return false
	}
	stats := a.publishLocked(now)
	a.mu.Unlock()

	a.notify(stats)
	return true
}

// Flush publishes pending deltas immediately.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	if !a.hasPending {
		a.mu.Unlock()
		return
	}
	stats := a.publishLocked(a.clock.Now())
	a.mu.Unlock()

	a.notify(stats)
}

// Reset replaces the totals, discarding pending deltas.
func (a *Aggregator) Reset(stats model.Stats) {
	a.mu.Lock()
	a.pending = [model.NumFields]float64{}
	a.pendingCount = 0
	a.hasPending = false
	stats.UpdatedAt = a.clock.Now()
	a.published.Store(&stats)
	a.metrics.Resets++
	a.mu.Unlock()

	a.notify(stats)
}

// ResetSignatures forgets every recorded signature.
func (a *Aggregator) ResetSignatures() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signatures = make(map[string]uint64)
}

// SetDebounce sets the notification delay, clamped to the configured bounds.
func (a *Aggregator) SetDebounce(d time.Duration) {
	if d < a.cfg.MinDebounce {
		d = a.cfg.MinDebounce
	}
	if d > a.cfg.MaxDebounce {
		d = a.cfg.MaxDebounce
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.debounce = d
}

// Debounce returns the current notification delay.
func (a *Aggregator) Debounce() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.debounce
}

// DebounceBounds returns the configured min and max debounce.
func (a *Aggregator) DebounceBounds() (time.Duration, time.Duration) {
	return a.cfg.MinDebounce, a.cfg.MaxDebounce
}

// Subscribe registers fn for every publish. Returns an unsubscribe func.
func (a *Aggregator) Subscribe(fn func(model.Stats)) func() {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()

	id := a.nextID
	a.nextID++
	a.subs[id] = fn

	return func() {
		a.subsMu.Lock()
		defer a.subsMu.Unlock()
		delete(a.subs, id)
	}
}

// publishLocked folds pending sums and count into one new snapshot.
func (a *Aggregator) publishLocked(now time.Time) model.Stats {
	stats := *a.published.Load()
	for i := range a.pending {
		stats.Sums[i] += a.pending[i]
	}
	stats.Count += a.pendingCount
	stats.UpdatedAt = now

	a.published.Store(&stats)
	a.pending = [model.NumFields]float64{}
	a.pendingCount = 0
	a.hasPending = false
	a.metrics.Publishes++

	return stats
}

func (a *Aggregator) notify(stats model.Stats) {
	a.subsMu.Lock()
	fns := make([]func(model.Stats), 0, len(a.subs))
	for id := 0; id < a.nextID; id++ {
		if fn, ok := a.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	a.subsMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error("stats subscriber panicked", "panic", r)
				}
			}()
			fn(stats)
		}()
	}
}

// Signature fingerprints an account's monitored fields and update time.
func Signature(acc *model.Account) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for i := 0; i < model.NumFields; i++ {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(acc.Value(model.Field(i))))
		h.Write(buf[:])
	}
	binary.LittleEndian.PutUint64(buf[:], uint64(acc.UpdatedAt))
	h.Write(buf[:])
	return h.Sum64()
}

// Recompute sums every monitored field over accounts from scratch.
func Recompute(accounts []model.Account) model.Stats {
	var s model.Stats
	for i := range accounts {
		s.AddAccount(&accounts[i])
	}
	return s
}
