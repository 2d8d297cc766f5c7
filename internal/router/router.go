package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rickgao/account-aggregator/internal/connection"
	"github.com/rickgao/account-aggregator/internal/model"
)

// ErrNoLogin is returned when an account payload carries no identity.
var ErrNoLogin = errors.New("account has no login")

// Router decodes feed messages into raw events and snapshots, preserving
// arrival order in a single output buffer.
type Router interface {
	// Route decodes one message. It is registered as a wildcard handler on
	// the Connection Manager and never blocks.
	Route(msg connection.Message)

	// Buffer returns the output buffer for the consumer.
	Buffer() *GrowableBuffer[Update]

	// Close closes the output buffer; the consumer drains what remains.
	Close()

	// Stats returns current router statistics.
	Stats() Stats
}

// router is the internal implementation.
type router struct {
	cfg    Config
	logger *slog.Logger

	out *GrowableBuffer[Update]

	mu              sync.RWMutex
	received        int64
	routed          int64
	parseErrors     int64
	unknownMessages int64
	invalidAccounts int64
	heartbeats      int64
	lastHeartbeat   time.Time
}

// NewRouter creates a new Message Router.
func NewRouter(cfg Config, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}

	return &router{
		cfg:    cfg,
		logger: logger,
		out:    NewGrowableBuffer[Update](cfg.BufferSize),
	}
}

func (r *router) Buffer() *GrowableBuffer[Update] { return r.out }

func (r *router) Close() { r.out.Close() }

// Stats returns current statistics.
func (r *router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		MessagesReceived: r.received,
		MessagesRouted:   r.routed,
		ParseErrors:      r.parseErrors,
		UnknownMessages:  r.unknownMessages,
		InvalidAccounts:  r.invalidAccounts,
		Heartbeats:       r.heartbeats,
		LastHeartbeat:    r.lastHeartbeat,
		Buffer:           r.out.Stats(),
	}
}

// Route parses and routes a single message.
func (r *router) Route(msg connection.Message) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	var update Update

	switch msg.Type {
	case TypeAccountAdded, TypeAccountUpdated:
		ev, err := ParseAccountEvent(msg.Type, msg.Data, msg.ReceivedAt)
		if err != nil {
			r.parseError(msg.Type, err)
			return
		}
		update.Event = &ev

	case TypeAccountDeleted:
		ev, err := ParseDelete(msg.Data, msg.ReceivedAt)
		if err != nil {
			r.parseError(msg.Type, err)
			return
		}
		update.Event = &ev

	case TypeAccountSnapshot:
		snap, skipped, err := ParseSnapshot(msg.Data, msg.ReceivedAt)
		if err != nil {
			r.parseError(msg.Type, err)
			return
		}
		if skipped > 0 {
			r.logger.Warn("snapshot entries without login skipped", "count", skipped)
			r.mu.Lock()
			r.invalidAccounts += int64(skipped)
			r.mu.Unlock()
		}
		update.Snapshot = &snap

	case TypePing, TypeHeartbeat, TypeConnected:
		r.mu.Lock()
		r.heartbeats++
		r.lastHeartbeat = msg.ReceivedAt
		r.mu.Unlock()
		return

	default:
		// Skip control messages like "subscribed" or "error"
		if msg.Type != "subscribed" && msg.Type != "error" {
			r.logger.Debug("skipping message type", "type", msg.Type)
			r.mu.Lock()
			r.unknownMessages++
			r.mu.Unlock()
		}
		return
	}

	if r.out.Send(update) {
		r.mu.Lock()
		r.routed++
		r.mu.Unlock()
	}
}

func (r *router) parseError(msgType string, err error) {
	r.logger.Warn("failed to parse message", "type", msgType, "error", err)
	r.mu.Lock()
	r.parseErrors++
	r.mu.Unlock()
}

// ParseAccountEvent decodes an account_added or account_updated payload.
func ParseAccountEvent(msgType string, data json.RawMessage, receivedAt time.Time) (model.RawEvent, error) {
	acc, err := ParseAccount(data)
	if err != nil {
		return model.RawEvent{}, err
	}

	kind := model.EventUpdated
	if msgType == TypeAccountAdded {
		kind = model.EventAdded
	}
	ts := acc.UpdatedAt
	if ts == 0 {
		ts = receivedAt.UnixMilli()
	}

	return model.RawEvent{
		Login:      acc.Login,
		Kind:       kind,
		Currency:   acc.Currency,
		Values:     acc.Values,
		Timestamp:  ts,
		ReceivedAt: receivedAt,
	}, nil
}

// ParseDelete decodes an account_deleted payload.
func ParseDelete(data json.RawMessage, receivedAt time.Time) (model.RawEvent, error) {
	var wire deleteWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return model.RawEvent{}, err
	}

	login := rawString(wire.Login)
	if login == "" {
		login = rawString(wire.ID)
	}
	if login == "" {
		return model.RawEvent{}, ErrNoLogin
	}

	ts, ok := parseTimestamp(rawString(wire.Timestamp))
	if !ok {
		ts = receivedAt.UnixMilli()
	}

	return model.RawEvent{
		Login:      login,
		Kind:       model.EventDeleted,
		Timestamp:  ts,
		ReceivedAt: receivedAt,
	}, nil
}

// ParseSnapshot decodes an accounts_snapshot payload. Entries without a
// login are skipped and counted.
func ParseSnapshot(data json.RawMessage, receivedAt time.Time) (Snapshot, int, error) {
	var wire snapshotWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return Snapshot{}, 0, err
	}
	if wire.Accounts == nil {
		return Snapshot{}, 0, errors.New("snapshot has no accounts array")
	}

	snap := Snapshot{
		Accounts:   make([]model.RawAccount, 0, len(wire.Accounts)),
		ReceivedAt: receivedAt,
	}
	skipped := 0
	for _, raw := range wire.Accounts {
		acc, err := ParseAccount(raw)
		if err != nil {
			skipped++
			continue
		}
		snap.Accounts = append(snap.Accounts, acc)
	}

	asOf, ok := parseTimestamp(rawString(wire.Timestamp))
	if !ok {
		asOf = receivedAt.UnixMilli()
	}
	snap.AsOf = asOf

	return snap, skipped, nil
}

// ParseAccount decodes one account object. Numeric attributes may be JSON
// numbers or numeric strings; other values are ignored.
func ParseAccount(data []byte) (model.RawAccount, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return model.RawAccount{}, err
	}
	if obj == nil {
		return model.RawAccount{}, ErrNoLogin
	}

	acc := model.RawAccount{Values: make(map[string]float64, len(obj))}

	for _, k := range loginKeys {
		if s := scalarString(obj[k]); s != "" {
			acc.Login = s
			break
		}
	}
	if acc.Login == "" {
		return model.RawAccount{}, ErrNoLogin
	}
	if s, ok := obj["currency"].(string); ok {
		acc.Currency = strings.ToUpper(strings.TrimSpace(s))
	}
	for _, k := range timestampKeys {
		if ts, ok := parseTimestamp(scalarString(obj[k])); ok {
			acc.UpdatedAt = ts
			break
		}
	}

	for k, v := range obj {
		if isReserved(k) {
			continue
		}
		if f, ok := toFloat(v); ok {
			acc.Values[k] = f
		}
	}

	return acc, nil
}

// NormalizeTimestamp converts a seconds-or-milliseconds value to ms.
// Values below 1e12 are seconds.
func NormalizeTimestamp(v float64) int64 {
	if v < 1e12 {
		return int64(v * 1000)
	}
	return int64(v)
}

func parseTimestamp(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if t, terr := time.Parse(time.RFC3339Nano, s); terr == nil {
			return t.UnixMilli(), true
		}
		return 0, false
	}
	if f <= 0 {
		return 0, false
	}
	return NormalizeTimestamp(f), true
}

func isReserved(key string) bool {
	switch key {
	case "login", "id", "currency", "timestamp", "updated_at", "ts":
		return true
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

// scalarString renders a string or number as a string.
func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	}
	return ""
}

// rawString unwraps a JSON string or number literal.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}
