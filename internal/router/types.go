package router

import (
	"encoding/json"
	"time"

	"github.com/rickgao/account-aggregator/internal/model"
)

// Feed message types.
const (
	TypeAccountAdded    = "account_added"
	TypeAccountUpdated  = "account_updated"
	TypeAccountDeleted  = "account_deleted"
	TypeAccountSnapshot = "accounts_snapshot"

	TypePing      = "ping"
	TypeHeartbeat = "heartbeat"
	TypeConnected = "connected"
)

// Config holds configuration for the Message Router.
type Config struct {
	BufferSize int // Initial capacity of the output buffer. Default: 1024
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{BufferSize: 1024}
}

// Update is one routed item: either a single-account event or a full
// snapshot. Exactly one field is set.
type Update struct {
	Event    *model.RawEvent
	Snapshot *Snapshot
}

// Snapshot is a full-collection message from the feed.
type Snapshot struct {
	Accounts   []model.RawAccount
	AsOf       int64 // Source timestamp (ms); ReceivedAt when the feed omits it
	ReceivedAt time.Time
}

// Stats contains runtime statistics.
type Stats struct {
	MessagesReceived int64
	MessagesRouted   int64
	ParseErrors      int64
	UnknownMessages  int64
	InvalidAccounts  int64 // Snapshot entries skipped for missing identity
	Heartbeats       int64
	LastHeartbeat    time.Time
	Buffer           BufferStats
}

// Wire types for JSON parsing

// deleteWire is the data payload of account_deleted.
type deleteWire struct {
	Login     json.RawMessage `json:"login"`
	ID        json.RawMessage `json:"id"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// snapshotWire is the data payload of accounts_snapshot.
type snapshotWire struct {
	Accounts  []json.RawMessage `json:"accounts"`
	Timestamp json.RawMessage   `json:"timestamp"`
}

// Keys with special meaning inside an account object.
var (
	loginKeys     = []string{"login", "id"}
	timestampKeys = []string{"timestamp", "updated_at", "ts"}
)
