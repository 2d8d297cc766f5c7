package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rickgao/account-aggregator/internal/api"
	"github.com/rickgao/account-aggregator/internal/auth"
	"github.com/rickgao/account-aggregator/internal/config"
	"github.com/rickgao/account-aggregator/internal/database"
	"github.com/rickgao/account-aggregator/internal/reconcile"
)

// newLogger builds the slog logger described by cfg.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// loadConfig loads and validates the config, filling in an instance ID.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadAndValidate(path)
	if err != nil {
		return nil, err
	}
	if cfg.Instance.ID == "" {
		cfg.Instance.ID = uuid.NewString()
	}
	return cfg, nil
}

func feedToken(cfg *config.Config) auth.TokenSource {
	return auth.TokenSource{
		Token: cfg.Feed.Token,
		Env:   cfg.Feed.TokenEnv,
		File:  cfg.Feed.TokenFile,
	}
}

// bulkSource is an authoritative source plus whatever must be released.
type bulkSource struct {
	reconcile.Source
	close func()
}

// openSource builds the bulk source selected by cfg.Bulk.Kind.
func openSource(ctx context.Context, cfg *config.Config, token string, logger *slog.Logger) (*bulkSource, error) {
	switch cfg.Bulk.Kind {
	case config.BulkPostgres:
		logger.Info("connecting to database",
			"host", cfg.Bulk.Postgres.Host,
			"port", cfg.Bulk.Postgres.Port,
			"database", cfg.Bulk.Postgres.Name,
		)
		pool, err := database.Connect(ctx, cfg.Bulk.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connect bulk database: %w", err)
		}
		src := database.NewAccountSource(pool, cfg.Bulk.Postgres.Table, logger,
			database.WithRetry(cfg.Bulk.MaxRetries, cfg.Bulk.RetryBaseDelay, cfg.Bulk.RetryMaxDelay),
		)
		return &bulkSource{Source: src, close: pool.Close}, nil

	default:
		client := api.NewClient(cfg.Bulk.RestURL, token,
			api.WithLogger(logger),
			api.WithTimeout(cfg.Bulk.Timeout),
			api.WithRetries(cfg.Bulk.MaxRetries, cfg.Bulk.RetryBaseDelay, cfg.Bulk.RetryMaxDelay),
			api.WithPageSize(cfg.Bulk.PageSize),
			api.WithCacheTTL(cfg.Bulk.CacheTTL),
			api.WithClientID(cfg.Instance.ID),
		)
		return &bulkSource{Source: client, close: func() {}}, nil
	}
}
