package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/account-aggregator/internal/schedule"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock sets the clock used for retries and liveness checks.
func WithClock(clock schedule.Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithClientFactory replaces the WebSocket client constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(m *Manager) {
		if f != nil {
			m.newClient = f
		}
	}
}

type handlerEntry struct {
	id      int
	msgType string
	fn      Handler
}

type stateEntry struct {
	id int
	fn StateHandler
}

type stateEvent struct {
	state State
	only  int // Deliver to this handler id only (0 = all)
}

// Manager owns one feed connection and its reconnection policy.
type Manager struct {
	cfg       ManagerConfig
	logger    *slog.Logger
	clock     schedule.Clock
	newClient ClientFactory
	backoff   schedule.Backoff

	mu         sync.Mutex
	ctx        context.Context
	state      State
	client     Client
	stop       chan struct{} // Closed when the current read loop must exit
	gen        uint64        // Bumped per dial and per Disconnect; stale callbacks compare it
	attempt    int
	opened     int64
	retry      schedule.Task
	liveness   schedule.Task
	disposed   bool
	since      time.Time
	stateSubs  []stateEntry
	stateQueue []stateEvent
	draining   bool

	handlersMu sync.RWMutex
	handlers   []handlerEntry
	nextID     int

	received      atomic.Int64
	malformed     atomic.Int64
	panics        atomic.Int64
	reconnects    atomic.Int64
	lastMessageAt atomic.Int64 // UnixNano
}

// NewManager creates a Connection Manager in the disconnected state.
func NewManager(cfg ManagerConfig, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		logger:    slog.Default(),
		clock:     schedule.Real{},
		newClient: NewClient,
		backoff:   schedule.Backoff{Base: cfg.ReconnectBaseDelay, Max: cfg.ReconnectMaxDelay},
		state:     StateDisconnected,
		nextID:    1,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect dials the feed. It is a no-op while connecting or connected, and
// cancels any pending scheduled retry. A failed dial is returned and a retry
// is scheduled per the backoff policy.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrDisposed
	}
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.ctx = ctx
	m.cancelTimersLocked()
	m.attempt = 0
	m.mu.Unlock()

	return m.dial()
}

// Disconnect closes the connection with a normal-closure frame and
// suppresses any further reconnection.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.cancelTimersLocked()
	m.gen++
	client := m.client
	m.client = nil
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.attempt = 0
	if m.state != StateDisconnected {
		m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()
	m.drainStates()

	if client != nil {
		m.logger.Info("disconnecting from feed")
		return client.Close()
	}
	return nil
}

// Dispose disconnects and drops every handler. The manager cannot be
// reconnected afterwards.
func (m *Manager) Dispose() error {
	err := m.Disconnect()

	m.mu.Lock()
	m.disposed = true
	m.stateSubs = nil
	m.mu.Unlock()

	m.handlersMu.Lock()
	m.handlers = nil
	m.handlersMu.Unlock()

	return err
}

// Subscribe registers fn for messages of msgType (or Wildcard). Handlers run
// synchronously on the read goroutine in subscription order.
func (m *Manager) Subscribe(msgType string, fn Handler) func() {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()

	id := m.nextID
	m.nextID++
	m.handlers = append(m.handlers, handlerEntry{id: id, msgType: msgType, fn: fn})

	return func() {
		m.handlersMu.Lock()
		defer m.handlersMu.Unlock()
		for i, h := range m.handlers {
			if h.id == id {
				m.handlers = append(m.handlers[:i:i], m.handlers[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange registers fn for state transitions. fn is invoked first with
// the current state.
func (m *Manager) OnStateChange(fn StateHandler) func() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return func() {}
	}
	m.handlersMu.Lock()
	id := m.nextID
	m.nextID++
	m.handlersMu.Unlock()

	m.stateSubs = append(m.stateSubs, stateEntry{id: id, fn: fn})
	m.stateQueue = append(m.stateQueue, stateEvent{state: m.state, only: id})
	m.mu.Unlock()
	m.drainStates()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.stateSubs {
			if s.id == id {
				m.stateSubs = append(m.stateSubs[:i:i], m.stateSubs[i+1:]...)
				return
			}
		}
	}
}

// Send writes payload to the live connection. It never queues.
func (m *Manager) Send(payload []byte) error {
	m.mu.Lock()
	client := m.client
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || client == nil {
		return ErrNotConnected
	}
	return client.Send(payload)
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		State:          m.state,
		Attempt:        m.attempt,
		ConnectedSince: m.since,
	}
	m.mu.Unlock()

	s.MessagesReceived = m.received.Load()
	s.Malformed = m.malformed.Load()
	s.HandlerPanics = m.panics.Load()
	s.Reconnects = m.reconnects.Load()
	if ns := m.lastMessageAt.Load(); ns != 0 {
		s.LastMessageAt = time.Unix(0, ns)
	}
	return s
}

// dial runs one connection attempt.
func (m *Manager) dial() error {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	ctx := m.ctx
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.drainStates()

	client := m.newClient(m.cfg.clientConfig(), m.logger.With("component", "ws_client"))
	err := client.Connect(ctx)

	m.mu.Lock()
	if gen != m.gen {
		// Disconnect ran while dialing.
		m.mu.Unlock()
		client.Close()
		return nil
	}
	if err != nil {
		m.setStateLocked(StateError)
		m.scheduleRetryLocked()
		attempt := m.attempt
		m.mu.Unlock()
		m.drainStates()

		m.logger.Warn("feed connection failed",
			"attempt", attempt,
			"error", err,
		)
		return fmt.Errorf("dial feed: %w", err)
	}

	m.client = client
	m.stop = make(chan struct{})
	stop := m.stop
	m.attempt = 0
	m.since = m.clock.Now()
	m.opened++
	if m.opened > 1 {
		m.reconnects.Add(1)
	}
	m.setStateLocked(StateConnected)
	m.scheduleLivenessLocked(gen)
	m.mu.Unlock()
	m.drainStates()

	m.logger.Info("connected to feed", "url", m.cfg.URL)

	go m.readLoop(gen, client, stop)
	return nil
}

// readLoop forwards frames from one client until it fails or is replaced.
func (m *Manager) readLoop(gen uint64, client Client, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return

		case err := <-client.Errors():
			// Deliver frames read before the error.
			for {
				select {
				case msg := <-client.Messages():
					m.dispatch(msg)
					continue
				default:
				}
				break
			}
			m.handleClose(gen, err)
			return

		case msg, ok := <-client.Messages():
			if !ok {
				m.handleClose(gen, ErrClosedRemote)
				return
			}
			m.dispatch(msg)
		}
	}
}

// handleClose reacts to the end of connection gen. A clean close settles in
// disconnected; anything else goes through error and a scheduled retry.
func (m *Manager) handleClose(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	client := m.client
	m.client = nil
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	if m.liveness != nil {
		m.liveness.Cancel()
		m.liveness = nil
	}

	clean := IsCleanClose(err)
	if clean {
		m.setStateLocked(StateDisconnected)
	} else {
		m.setStateLocked(StateError)
		m.scheduleRetryLocked()
	}
	m.mu.Unlock()
	m.drainStates()

	if client != nil {
		client.Close()
	}

	if clean {
		m.logger.Info("feed closed connection normally")
	} else {
		m.logger.Warn("feed connection lost", "error", err)
	}
}

// scheduleRetryLocked schedules the next attempt, or enters failed when the
// budget is spent.
func (m *Manager) scheduleRetryLocked() {
	if m.ctx != nil && m.ctx.Err() != nil {
		m.setStateLocked(StateDisconnected)
		return
	}

	m.attempt++
	if m.cfg.MaxAttempts > 0 && m.attempt > m.cfg.MaxAttempts {
		m.setStateLocked(StateFailed)
		m.logger.Error("reconnect budget exhausted", "attempts", m.cfg.MaxAttempts)
		return
	}

	delay := m.backoff.Delay(m.attempt)
	gen := m.gen
	m.retry = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		if gen != m.gen || m.state != StateError {
			m.mu.Unlock()
			return
		}
		m.retry = nil
		m.mu.Unlock()

		m.dial()
	})

	m.logger.Info("reconnect scheduled",
		"attempt", m.attempt,
		"delay", delay,
	)
}

// scheduleLivenessLocked arms the periodic open-check for connection gen.
func (m *Manager) scheduleLivenessLocked(gen uint64) {
	if m.cfg.LivenessInterval <= 0 {
		return
	}
	m.liveness = m.clock.AfterFunc(m.cfg.LivenessInterval, func() {
		m.mu.Lock()
		if gen != m.gen || m.state != StateConnected || m.client == nil {
			m.mu.Unlock()
			return
		}
		open := m.client.IsConnected()
		if open {
			m.scheduleLivenessLocked(gen)
		}
		m.mu.Unlock()

		if !open {
			m.handleClose(gen, ErrClosedRemote)
		}
	})
}

func (m *Manager) cancelTimersLocked() {
	if m.retry != nil {
		m.retry.Cancel()
		m.retry = nil
	}
	if m.liveness != nil {
		m.liveness.Cancel()
		m.liveness = nil
	}
}

// dispatch parses one frame and delivers it to matching handlers.
func (m *Manager) dispatch(raw TimestampedMessage) {
	m.received.Add(1)
	m.lastMessageAt.Store(raw.ReceivedAt.UnixNano())

	var env envelope
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		m.malformed.Add(1)
		m.logger.Debug("dropping malformed frame", "error", err)
		return
	}
	msgType := env.Type
	if msgType == "" {
		msgType = env.Event
	}
	if msgType == "" {
		m.malformed.Add(1)
		m.logger.Debug("dropping frame without type")
		return
	}

	msg := Message{
		Type:       msgType,
		Data:       env.Data,
		Raw:        raw.Data,
		ReceivedAt: raw.ReceivedAt,
	}

	m.handlersMu.RLock()
	var fns []Handler
	for _, h := range m.handlers {
		if h.msgType == msgType || h.msgType == Wildcard {
			fns = append(fns, h.fn)
		}
	}
	m.handlersMu.RUnlock()

	for _, fn := range fns {
		m.invoke(fn, msg)
	}
}

func (m *Manager) invoke(fn Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			m.panics.Add(1)
			m.logger.Error("message handler panicked",
				"type", msg.Type,
				"panic", r,
			)
		}
	}()
	fn(msg)
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.stateQueue = append(m.stateQueue, stateEvent{state: s})
}

// drainStates delivers queued transitions in order. Only one goroutine
// drains at a time; others enqueue and return.
func (m *Manager) drainStates() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true

	for len(m.stateQueue) > 0 {
		ev := m.stateQueue[0]
		m.stateQueue = m.stateQueue[1:]

		var fns []StateHandler
		for _, s := range m.stateSubs {
			if ev.only == 0 || ev.only == s.id {
				fns = append(fns, s.fn)
			}
		}
		m.mu.Unlock()

		for _, fn := range fns {
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.logger.Error("state handler panicked", "panic", r)
					}
				}()
				fn(ev.state)
			}()
		}

		m.mu.Lock()
	}

	m.draining = false
	m.mu.Unlock()
}
