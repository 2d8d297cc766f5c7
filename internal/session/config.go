package session

import (
	"log/slog"
	"time"

	"github.com/rickgao/account-aggregator/internal/aggregate"
	"github.com/rickgao/account-aggregator/internal/cache"
	"github.com/rickgao/account-aggregator/internal/config"
	"github.com/rickgao/account-aggregator/internal/connection"
	"github.com/rickgao/account-aggregator/internal/ingest"
	"github.com/rickgao/account-aggregator/internal/normalize"
	"github.com/rickgao/account-aggregator/internal/reconcile"
	"github.com/rickgao/account-aggregator/internal/router"
	"github.com/rickgao/account-aggregator/internal/schedule"
)

// Config holds the settings of every component in a session.
type Config struct {
	Connection connection.ManagerConfig
	Router     router.Config
	Ingest     ingest.Config
	Aggregate  aggregate.Config
	Reconcile  reconcile.Config
	Subunits   []normalize.Subunit

	CacheWriter   cache.WriterConfig
	CacheWindow   time.Duration // Replay only events received within this window
	CacheCapacity int           // Replay at most this many events
}

// DefaultConfig returns sensible defaults. The feed URL must still be set.
func DefaultConfig() Config {
	return Config{
		Connection: connection.DefaultManagerConfig(),
		Router:     router.DefaultConfig(),
		Ingest:     ingest.DefaultConfig(),
		Aggregate:  aggregate.DefaultConfig(),
		Reconcile:  reconcile.DefaultConfig(),
		Subunits:   normalize.DefaultSubunits(),
		CacheWriter: cache.WriterConfig{
			BatchSize:     config.DefaultCacheCapacity,
			FlushInterval: config.DefaultCacheFlushInterval,
		},
		CacheWindow:   config.DefaultCacheWindow,
		CacheCapacity: config.DefaultCacheCapacity,
	}
}

// FromConfig maps the file configuration onto a session Config. token is
// the resolved feed token and clientID the instance identifier.
func FromConfig(cfg *config.Config, token, clientID string) Config {
	out := DefaultConfig()

	out.Connection = connection.ManagerConfig{
		URL:                cfg.Feed.WSURL,
		Token:              token,
		ClientID:           clientID,
		LivenessInterval:   cfg.Feed.LivenessInterval,
		WriteTimeout:       cfg.Feed.WriteTimeout,
		HandshakeTimeout:   cfg.Feed.HandshakeTimeout,
		BufferSize:         cfg.Feed.BufferSize,
		ReconnectBaseDelay: cfg.Feed.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.Feed.ReconnectMaxDelay,
		MaxAttempts:        cfg.Feed.ReconnectMaxAttempts,
	}
	out.Ingest = ingest.Config{
		HighWater:     cfg.Batching.HighWater,
		TargetLatency: cfg.Batching.TargetLatency,
		MaxInterval:   cfg.Batching.MaxInterval,
		TickInterval:  cfg.Batching.TickInterval,
	}
	out.Aggregate = aggregate.Config{
		MinDebounce: cfg.Batching.MinDebounce,
		MaxDebounce: cfg.Batching.MaxDebounce,
	}
	out.Reconcile = reconcile.Config{
		Interval: cfg.Reconcile.Interval,
		Epsilon:  cfg.Reconcile.Epsilon,
	}
	out.Subunits = cfg.Normalize.Subunits
	out.CacheWriter = cache.WriterConfig{
		BatchSize:     cfg.Cache.Capacity,
		FlushInterval: cfg.Cache.FlushInterval,
	}
	out.CacheWindow = cfg.Cache.Window
	out.CacheCapacity = cfg.Cache.Capacity
	return out
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the clock used for timestamps, debounce and reconciliation.
func WithClock(clock schedule.Clock) Option {
	return func(s *Session) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithCache records stream events to b and replays them after the initial
// snapshot load.
func WithCache(b cache.Backend) Option {
	return func(s *Session) {
		s.cacheBackend = b
	}
}

// WithConnectionOptions passes options through to the connection manager.
func WithConnectionOptions(opts ...connection.Option) Option {
	return func(s *Session) {
		s.connOpts = append(s.connOpts, opts...)
	}
}
