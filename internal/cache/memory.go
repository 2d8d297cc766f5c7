package cache

import (
	"context"
	"sync"

	"github.com/rickgao/account-aggregator/internal/config"
	"github.com/rickgao/account-aggregator/internal/model"
)

// Memory is an in-process Backend. Its contents do not survive a restart.
type Memory struct {
	mu       sync.Mutex
	capacity int
	events   []model.RawEvent
}

var _ Backend = (*Memory)(nil)

// NewMemory creates an empty in-process log.
func NewMemory(capacity int) *Memory {
	if capacity < 1 {
		capacity = config.DefaultCacheCapacity
	}
	return &Memory{capacity: capacity}
}

func (m *Memory) Append(ctx context.Context, events []model.RawEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, events...)
	if over := len(m.events) - m.capacity; over > 0 {
		m.events = append([]model.RawEvent(nil), m.events[over:]...)
	}
	return nil
}

func (m *Memory) Load(ctx context.Context) ([]model.RawEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.RawEvent(nil), m.events...), nil
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.events = nil
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
