package connection

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrClosedRemote  = errors.New("connection no longer open")
	ErrAlreadyClosed = errors.New("already closed")
	ErrDisposed      = errors.New("manager disposed")
)

// Wildcard subscribes a handler to every parsed message.
const Wildcard = "*"

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"  // Transient, set before a retry is scheduled
	StateFailed       State = "failed" // Retry budget exhausted; needs an explicit Connect
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Message is a parsed feed frame delivered to handlers.
type Message struct {
	Type       string          // Value of the "type" (or "event") discriminator
	Data       json.RawMessage // The "data" payload, may be empty
	Raw        []byte          // Full frame
	ReceivedAt time.Time
}

// Handler receives messages on the manager's read goroutine.
type Handler func(Message)

// StateHandler receives state transitions.
type StateHandler func(State)

// envelope is the frame discriminator. Feeds use either "type" or "event".
type envelope struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., wss://feed.example.com/ws)
	Token            string        // Bearer token, sent as ?token= and Authorization header
	ClientID         string        // Sent as X-Client-ID
	HandshakeTimeout time.Duration // Dial handshake deadline
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       4096,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	URL                string
	Token              string
	ClientID           string
	LivenessInterval   time.Duration // How often to check the client is still open
	WriteTimeout       time.Duration
	HandshakeTimeout   time.Duration
	BufferSize         int
	ReconnectBaseDelay time.Duration // delay(1)
	ReconnectMaxDelay  time.Duration // Cap on delay(k)
	MaxAttempts        int           // Consecutive failed attempts before failed (0 = unbounded)
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		LivenessInterval:   30 * time.Second,
		WriteTimeout:       5 * time.Second,
		HandshakeTimeout:   10 * time.Second,
		BufferSize:         4096,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
		MaxAttempts:        10,
	}
}

// clientConfig derives the per-connection client config.
func (c ManagerConfig) clientConfig() ClientConfig {
	return ClientConfig{
		URL:              c.URL,
		Token:            c.Token,
		ClientID:         c.ClientID,
		HandshakeTimeout: c.HandshakeTimeout,
		WriteTimeout:     c.WriteTimeout,
		BufferSize:       c.BufferSize,
	}
}

// Stats provides statistics about the connection manager.
type Stats struct {
	State            State
	Attempt          int // Consecutive failed attempts since the last open
	MessagesReceived int64
	Malformed        int64
	HandlerPanics    int64
	Reconnects       int64 // Successful opens after the first
	LastMessageAt    time.Time
	ConnectedSince   time.Time
}
