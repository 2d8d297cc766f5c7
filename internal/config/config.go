package config

import (
	"time"

	"github.com/rickgao/account-aggregator/internal/normalize"
)

// Config is the root configuration for an aggregator instance.
type Config struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Log       LogConfig       `yaml:"log"`
	Feed      FeedConfig      `yaml:"feed"`
	Bulk      BulkConfig      `yaml:"bulk"`
	Batching  BatchingConfig  `yaml:"batching"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Normalize NormalizeConfig `yaml:"normalize"`
	Cache     CacheConfig     `yaml:"cache"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// InstanceConfig identifies this aggregator. An empty ID is replaced by a
// random UUID at startup.
type InstanceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// FeedConfig holds stream connection settings. The token is read from
// token, token_env or token_file, in that order.
type FeedConfig struct {
	WSURL                string        `yaml:"ws_url"`
	Token                string        `yaml:"token"`
	TokenEnv             string        `yaml:"token_env"`
	TokenFile            string        `yaml:"token_file"`
	LivenessInterval     time.Duration `yaml:"liveness_interval"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	BufferSize           int           `yaml:"buffer_size"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
}

// Bulk source kinds.
const (
	BulkREST     = "rest"
	BulkPostgres = "postgres"
)

// BulkConfig holds the authoritative snapshot source settings.
type BulkConfig struct {
	Kind           string        `yaml:"kind"` // rest or postgres
	RestURL        string        `yaml:"rest_url"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"` // Retries after the first attempt
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	PageSize       int           `yaml:"page_size"`
	Postgres       DBConfig      `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
	Table    string `yaml:"table"`
}

// BatchingConfig holds ingestion and debounce thresholds.
type BatchingConfig struct {
	HighWater     int           `yaml:"high_water"`
	TargetLatency time.Duration `yaml:"target_latency"`
	MaxInterval   time.Duration `yaml:"max_interval"`
	TickInterval  time.Duration `yaml:"tick_interval"`
	MinDebounce   time.Duration `yaml:"min_debounce"`
	MaxDebounce   time.Duration `yaml:"max_debounce"`
}

// ReconcileConfig holds drift detection settings. Interval 0 disables the
// periodic loop.
type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"`
	Epsilon  float64       `yaml:"epsilon"`
}

// NormalizeConfig lists subunit currencies.
type NormalizeConfig struct {
	Subunits []normalize.Subunit `yaml:"subunits"`
}

// Cache backends.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheSQLite = "sqlite"
)

// CacheConfig holds the recent-events cache settings.
type CacheConfig struct {
	Backend       string        `yaml:"backend"`
	Capacity      int           `yaml:"capacity"`
	Window        time.Duration `yaml:"window"` // Entries older than this are not replayed
	FlushInterval time.Duration `yaml:"flush_interval"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisKey      string        `yaml:"redis_key"`
	SQLitePath    string        `yaml:"sqlite_path"`
}

// HTTPConfig holds the status server settings. Port 0 disables it.
type HTTPConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}
