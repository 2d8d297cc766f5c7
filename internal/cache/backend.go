package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/account-aggregator/internal/config"
	"github.com/rickgao/account-aggregator/internal/model"
)

// Backend stores the newest events, oldest first.
type Backend interface {
	// Append adds events and trims the log to its capacity.
	Append(ctx context.Context, events []model.RawEvent) error
	// Load returns every stored event, oldest first.
	Load(ctx context.Context) ([]model.RawEvent, error)
	Clear(ctx context.Context) error
	Close() error
}

// Open creates the backend selected by cfg. It returns nil, nil for the
// "none" backend.
func Open(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case config.CacheNone:
		return nil, nil
	case config.CacheMemory, "":
		return NewMemory(cfg.Capacity), nil
	case config.CacheRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Info("recent-events cache on redis", "addr", cfg.RedisAddr, "key", cfg.RedisKey)
		return NewRedis(client, cfg.RedisKey, cfg.Capacity, logger), nil
	case config.CacheSQLite:
		b, err := NewSQLite(cfg.SQLitePath, cfg.Capacity, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("recent-events cache on sqlite", "path", cfg.SQLitePath)
		return b, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
