package config

import (
	"time"

	"github.com/rickgao/account-aggregator/internal/normalize"
)

// Default values for optional configuration fields.
const (
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultLivenessInterval     = 30 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultFeedBufferSize       = 4096
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultReconnectMaxAttempts = 10
	DefaultBulkTimeout          = 30 * time.Second
	DefaultMaxRetries           = 2
	DefaultRetryBaseDelay       = 500 * time.Millisecond
	DefaultRetryMaxDelay        = 10 * time.Second
	DefaultBulkCacheTTL         = 5 * time.Second
	DefaultPageSize             = 1000
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 10
	DefaultMinConns             = 2
	DefaultDBTable              = "accounts"
	DefaultHighWater            = 200
	DefaultTargetLatency        = 50 * time.Millisecond
	DefaultMaxInterval          = 250 * time.Millisecond
	DefaultTickInterval         = 10 * time.Millisecond
	DefaultMinDebounce          = 10 * time.Millisecond
	DefaultMaxDebounce          = 250 * time.Millisecond
	DefaultReconcileInterval    = 60 * time.Second
	DefaultEpsilon              = 1e-4
	DefaultCacheBackend         = CacheMemory
	DefaultCacheCapacity        = 200
	DefaultCacheWindow          = 10 * time.Minute
	DefaultCacheFlushInterval   = 100 * time.Millisecond
	DefaultRedisKey             = "aggregator:recent"
	DefaultSQLitePath           = "recent.db"
	DefaultHTTPPort             = 8080
	DefaultShutdownTimeout      = 10 * time.Second
)

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	// Logging
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	// Feed
	if c.Feed.LivenessInterval == 0 {
		c.Feed.LivenessInterval = DefaultLivenessInterval
	}
	if c.Feed.WriteTimeout == 0 {
		c.Feed.WriteTimeout = DefaultWriteTimeout
	}
	if c.Feed.HandshakeTimeout == 0 {
		c.Feed.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Feed.BufferSize == 0 {
		c.Feed.BufferSize = DefaultFeedBufferSize
	}
	if c.Feed.ReconnectBaseDelay == 0 {
		c.Feed.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Feed.ReconnectMaxDelay == 0 {
		c.Feed.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Feed.ReconnectMaxAttempts == 0 {
		c.Feed.ReconnectMaxAttempts = DefaultReconnectMaxAttempts
	}

	// Bulk source
	if c.Bulk.Kind == "" {
		c.Bulk.Kind = BulkREST
	}
	if c.Bulk.Timeout == 0 {
		c.Bulk.Timeout = DefaultBulkTimeout
	}
	if c.Bulk.MaxRetries == 0 {
		c.Bulk.MaxRetries = DefaultMaxRetries
	}
	if c.Bulk.RetryBaseDelay == 0 {
		c.Bulk.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.Bulk.RetryMaxDelay == 0 {
		c.Bulk.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.Bulk.CacheTTL == 0 {
		c.Bulk.CacheTTL = DefaultBulkCacheTTL
	}
	if c.Bulk.PageSize == 0 {
		c.Bulk.PageSize = DefaultPageSize
	}
	applyDBDefaults(&c.Bulk.Postgres)

	// Batching
	if c.Batching.HighWater == 0 {
		c.Batching.HighWater = DefaultHighWater
	}
	if c.Batching.TargetLatency == 0 {
		c.Batching.TargetLatency = DefaultTargetLatency
	}
	if c.Batching.MaxInterval == 0 {
		c.Batching.MaxInterval = DefaultMaxInterval
	}
	if c.Batching.TickInterval == 0 {
		c.Batching.TickInterval = DefaultTickInterval
	}
	if c.Batching.MinDebounce == 0 {
		c.Batching.MinDebounce = DefaultMinDebounce
	}
	if c.Batching.MaxDebounce == 0 {
		c.Batching.MaxDebounce = DefaultMaxDebounce
	}

	// Reconcile: a zero interval is meaningful, only epsilon defaults.
	if c.Reconcile.Epsilon == 0 {
		c.Reconcile.Epsilon = DefaultEpsilon
	}

	if c.Normalize.Subunits == nil {
		c.Normalize.Subunits = normalize.DefaultSubunits()
	}

	// Cache
	if c.Cache.Backend == "" {
		c.Cache.Backend = DefaultCacheBackend
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = DefaultCacheCapacity
	}
	if c.Cache.Window == 0 {
		c.Cache.Window = DefaultCacheWindow
	}
	if c.Cache.FlushInterval == 0 {
		c.Cache.FlushInterval = DefaultCacheFlushInterval
	}
	if c.Cache.RedisKey == "" {
		c.Cache.RedisKey = DefaultRedisKey
	}
	if c.Cache.SQLitePath == "" {
		c.Cache.SQLitePath = DefaultSQLitePath
	}

	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = DefaultShutdownTimeout
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
	if db.Table == "" {
		db.Table = DefaultDBTable
	}
}
