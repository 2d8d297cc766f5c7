package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/rickgao/account-aggregator/internal/model"
)

// Restore loads the cached events worth replaying on top of a fresh bulk
// snapshot. bulk maps each snapshot login to its UpdatedAt (ms).
//
// An event is kept when it was received inside window of now and the
// snapshot does not already reflect it (the login is absent from the
// snapshot, or the event is newer than the snapshot row). The result keeps
// at most capacity of the newest events, oldest first.
func Restore(ctx context.Context, b Backend, bulk map[string]int64, now time.Time, window time.Duration, capacity int) ([]model.RawEvent, error) {
	events, err := b.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore cache: %w", err)
	}
	return Filter(events, bulk, now, window, capacity), nil
}

// Filter applies Restore's window, snapshot and capacity rules to events.
func Filter(events []model.RawEvent, bulk map[string]int64, now time.Time, window time.Duration, capacity int) []model.RawEvent {
	cutoff := now.Add(-window)

	out := make([]model.RawEvent, 0, len(events))
	for _, ev := range events {
		if window > 0 && eventTime(ev).Before(cutoff) {
			continue
		}
		if at, ok := bulk[ev.Login]; ok && ev.Timestamp <= at {
			continue
		}
		out = append(out, ev)
	}

	if capacity > 0 && len(out) > capacity {
		out = out[len(out)-capacity:]
	}
	return out
}

func eventTime(ev model.RawEvent) time.Time {
	if !ev.ReceivedAt.IsZero() {
		return ev.ReceivedAt
	}
	return time.UnixMilli(ev.Timestamp)
}
