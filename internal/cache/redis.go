package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/account-aggregator/internal/model"
)

// Redis stores events as JSON in a capped list.
type Redis struct {
	client   *redis.Client
	key      string
	capacity int
	logger   *slog.Logger
}

var _ Backend = (*Redis)(nil)

// NewRedis creates a Backend on key. The client is closed by Close.
func NewRedis(client *redis.Client, key string, capacity int, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client:   client,
		key:      key,
		capacity: capacity,
		logger:   logger.With("component", "cache_redis"),
	}
}

// Append pushes events to the tail and trims the head in one transaction.
func (r *Redis) Append(ctx context.Context, events []model.RawEvent) error {
	if len(events) == 0 {
		return nil
	}

	values := make([]any, 0, len(events))
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		values = append(values, b)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, r.key, values...)
		pipe.LTrim(ctx, r.key, int64(-r.capacity), -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	return nil
}

// Load returns the stored events. Entries that fail to decode are skipped.
func (r *Redis) Load(ctx context.Context) ([]model.RawEvent, error) {
	raw, err := r.client.LRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	out := make([]model.RawEvent, 0, len(raw))
	for _, s := range raw {
		var ev model.RawEvent
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			r.logger.Warn("skipping undecodable cache entry", "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (r *Redis) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
