package model

import "time"

// Batch is the set of not-yet-applied events coalesced by login since the
// last flush. Iteration order is first-seen order.
type Batch struct {
	order     []string
	events    map[string]UpdateEvent
	firstSeen time.Time
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{events: make(map[string]UpdateEvent)}
}

// Len returns the number of distinct logins pending.
func (b *Batch) Len() int { return len(b.order) }

// FirstSeen returns when the oldest pending event was added.
func (b *Batch) FirstSeen() time.Time { return b.firstSeen }

// Get returns the pending event for login.
func (b *Batch) Get(login string) (UpdateEvent, bool) {
	ev, ok := b.events[login]
	return ev, ok
}

// Events returns pending events in first-seen order.
func (b *Batch) Events() []UpdateEvent {
	out := make([]UpdateEvent, len(b.order))
	for i, login := range b.order {
		out[i] = b.events[login]
	}
	return out
}

// Put adds ev, coalescing with any pending event for the same login.
// Returns true when an existing pending event was coalesced.
//
// Coalescing rules:
//   - a delete replaces whatever is pending
//   - an add or update after a pending delete becomes an add carrying only its own values
//   - otherwise values merge with the later event winning per field
func (b *Batch) Put(ev UpdateEvent, now time.Time) bool {
	prev, ok := b.events[ev.Login]
	if !ok {
		if len(b.order) == 0 {
			b.firstSeen = now
		}
		b.order = append(b.order, ev.Login)
		b.events[ev.Login] = copyEvent(ev)
		return false
	}

	switch {
	case ev.Kind == EventDeleted:
		b.events[ev.Login] = UpdateEvent{
			Login:      ev.Login,
			Kind:       EventDeleted,
			Timestamp:  ev.Timestamp,
			ReceivedAt: ev.ReceivedAt,
		}

	case prev.Kind == EventDeleted:
		next := copyEvent(ev)
		next.Kind = EventAdded
		b.events[ev.Login] = next

	default:
		merged := copyEvent(prev)
		if merged.Values == nil {
			merged.Values = make(map[string]float64, len(ev.Values))
		}
		for k, v := range ev.Values {
			merged.Values[k] = v
		}
		if prev.Kind != EventAdded {
			merged.Kind = ev.Kind
		}
		if ev.Currency != "" {
			merged.Currency = ev.Currency
		}
		if ev.Timestamp > merged.Timestamp {
			merged.Timestamp = ev.Timestamp
		}
		merged.ReceivedAt = ev.ReceivedAt
		b.events[ev.Login] = merged
	}
	return true
}

func copyEvent(ev UpdateEvent) UpdateEvent {
	if ev.Values == nil {
		return ev
	}
	values := make(map[string]float64, len(ev.Values))
	for k, v := range ev.Values {
		values[k] = v
	}
	ev.Values = values
	return ev
}
