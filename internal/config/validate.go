package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.Feed.WSURL == "" {
		return errors.New("feed.ws_url is required")
	}
	if !strings.HasPrefix(c.Feed.WSURL, "ws://") && !strings.HasPrefix(c.Feed.WSURL, "wss://") {
		return fmt.Errorf("feed.ws_url must use ws:// or wss://, got %q", c.Feed.WSURL)
	}
	if c.Feed.ReconnectMaxDelay < c.Feed.ReconnectBaseDelay {
		return errors.New("feed.reconnect_max_delay cannot be less than reconnect_base_delay")
	}
	if c.Feed.ReconnectMaxAttempts < 1 {
		return errors.New("feed.reconnect_max_attempts must be >= 1")
	}

	switch c.Bulk.Kind {
	case BulkREST:
		if c.Bulk.RestURL == "" {
			return errors.New("bulk.rest_url is required for kind rest")
		}
	case BulkPostgres:
		if err := c.Bulk.Postgres.validate("bulk.postgres"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("bulk.kind must be rest or postgres, got %q", c.Bulk.Kind)
	}
	if c.Bulk.MaxRetries < 0 {
		return errors.New("bulk.max_retries must be >= 0")
	}
	if c.Bulk.PageSize < 1 {
		return errors.New("bulk.page_size must be >= 1")
	}

	if c.Batching.HighWater < 1 {
		return errors.New("batching.high_water must be >= 1")
	}
	if c.Batching.MinDebounce > c.Batching.MaxDebounce {
		return fmt.Errorf("batching.min_debounce (%s) cannot exceed max_debounce (%s)",
			c.Batching.MinDebounce, c.Batching.MaxDebounce)
	}

	if c.Reconcile.Interval < 0 {
		return errors.New("reconcile.interval must be >= 0")
	}
	if c.Reconcile.Epsilon < 0 {
		return errors.New("reconcile.epsilon must be >= 0")
	}

	seen := make(map[string]bool, len(c.Normalize.Subunits))
	for i, s := range c.Normalize.Subunits {
		if s.Code == "" || s.Parent == "" {
			return fmt.Errorf("normalize.subunits[%d] needs code and parent", i)
		}
		if s.Factor < 0 {
			return fmt.Errorf("normalize.subunits[%d].factor must be >= 0", i)
		}
		if seen[s.Code] {
			return fmt.Errorf("normalize.subunits: duplicate code %q", s.Code)
		}
		seen[s.Code] = true
	}

	switch c.Cache.Backend {
	case CacheNone, CacheMemory, CacheSQLite:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			return errors.New("cache.redis_addr is required for backend redis")
		}
	default:
		return fmt.Errorf("cache.backend must be none, memory, redis or sqlite, got %q", c.Cache.Backend)
	}
	if c.Cache.Capacity < 1 {
		return errors.New("cache.capacity must be >= 1")
	}

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 0 and 65535, got %d", c.HTTP.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	if !tableName.MatchString(db.Table) {
		return fmt.Errorf("%s.table %q is not a valid identifier", prefix, db.Table)
	}
	return nil
}
