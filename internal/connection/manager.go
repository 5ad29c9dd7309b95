package connection

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxBackoff caps the reconnect delay once doubling would overflow.
const maxBackoff = time.Duration(math.MaxInt64)

// Handler consumes one inbound envelope. A returned error is logged and
// never reaches other handlers.
type Handler func(Envelope) error

// StatusHandler observes a status transition.
type StatusHandler func(Status)

// Subscription is the token returned by On and OnStatusChange.
type Subscription struct {
	id        uint64
	eventType string
	status    bool
	owner     *Manager
	once      sync.Once
}

// Unsubscribe removes exactly the registration that produced s. Safe to
// call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.owner == nil {
		return
	}
	s.once.Do(func() { s.owner.remove(s) })
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type statusEntry struct {
	id uint64
	fn StatusHandler
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dial = d
	}
}

// Manager owns the realtime connection.
type Manager struct {
	cfg    Config
	dial   Dialer
	logger *slog.Logger

	mu       sync.Mutex
	status   Status
	token    string
	gen      uint64 // bumped by Disconnect; fences stale timers and dials
	dialing  bool
	stopDial context.CancelFunc // cancels the in-flight dial
	attempts int
	tr       *transport
	stopBeat chan struct{}
	retry    *time.Timer

	nextID         uint64
	handlers       map[string][]handlerEntry
	statusHandlers []statusEntry

	// Status notifications are queued and drained by a single caller so
	// that subscribers see transitions in order, outside the lock.
	pending   []Status
	notifying bool

	stats Stats
}

// NewManager creates a new Connection Manager in the disconnected state.
func NewManager(cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	defaults := DefaultConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaults.ReconnectDelay
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}

	m := &Manager{
		cfg:      cfg,
		dial:     DefaultDialer(),
		logger:   logger.With("component", "connection"),
		status:   StatusDisconnected,
		handlers: make(map[string][]handlerEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect opens the connection with the given session token. It returns
// once the connection is open or the attempt failed; a failed attempt still
// schedules automatic reconnects. Calling Connect while connected is a no-op.
// An explicit Connect cancels any pending reconnect and resets the attempt
// counter.
func (m *Manager) Connect(ctx context.Context, token string) error {
	if token == "" {
		return ErrEmptyToken
	}

	m.mu.Lock()
	if m.tr != nil && m.status == StatusConnected {
		m.mu.Unlock()
		return nil
	}
	if m.dialing {
		m.mu.Unlock()
		return ErrConnectInProgress
	}
	m.stopRetryLocked()
	m.attempts = 0
	m.token = token
	m.mu.Unlock()

	return m.open(ctx)
}

// Disconnect closes the connection and cancels every pending timer. It is
// idempotent and never triggers a reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopRetryLocked()
	if m.stopDial != nil {
		m.stopDial()
		m.stopDial = nil
	}
	// The cancelled dial is fenced by gen and no longer blocks Connect.
	m.dialing = false
	m.token = ""
	m.attempts = 0
	tr := m.tr
	m.tr = nil
	if tr != nil {
		m.stats.LastDisconnected = time.Now()
	}
	m.transitionLocked(StatusDisconnected)
	m.mu.Unlock()

	if tr != nil {
		tr.closeClean()
		m.logger.Info("disconnected")
	}
	m.drainStatus()
}

// Send writes {"type": msgType, ...fields}. It returns false without
// sending when not connected or when the write fails.
func (m *Manager) Send(msgType string, fields Fields) bool {
	m.mu.Lock()
	tr := m.tr
	status := m.status
	m.mu.Unlock()

	if tr == nil || status != StatusConnected {
		m.logger.Warn("cannot send, not connected", "type", msgType, "status", status)
		return false
	}

	data, err := EncodeEnvelope(msgType, fields)
	if err != nil {
		m.logger.Error("encode envelope", "type", msgType, "error", err)
		return false
	}

	if err := tr.write(data); err != nil {
		m.logger.Warn("send failed", "type", msgType, "error", err)
		// Unblocks the read loop, which reports the loss and reconnects.
		tr.close()
		return false
	}

	m.mu.Lock()
	m.stats.FramesSent++
	m.mu.Unlock()
	return true
}

// JoinChannel asks the server to add this session to a channel's room.
func (m *Manager) JoinChannel(channelID string) bool {
	return m.Send(TypeJoinChannel, Fields{"channel_id": channelID})
}

// LeaveChannel asks the server to remove this session from a channel's room.
func (m *Manager) LeaveChannel(channelID string) bool {
	return m.Send(TypeLeaveChannel, Fields{"channel_id": channelID})
}

// SendTypingIndicator reports whether the local user is typing in a channel.
func (m *Manager) SendTypingIndicator(channelID string, isTyping bool) bool {
	return m.Send(TypeTypingIndicator, Fields{"channel_id": channelID, "is_typing": isTyping})
}

// GetOnlineUsers requests the online_users snapshot for a channel.
func (m *Manager) GetOnlineUsers(channelID string) bool {
	return m.Send(TypeGetOnlineUsers, Fields{"channel_id": channelID})
}

// Ping sends a heartbeat ping.
func (m *Manager) Ping() bool {
	return m.Send(TypePing, nil)
}

// On registers h for eventType. Handlers for a type run in registration
// order.
func (m *Manager) On(eventType string, h Handler) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	sub := &Subscription{id: m.nextID, eventType: eventType, owner: m}
	m.handlers[eventType] = append(m.handlers[eventType], handlerEntry{id: sub.id, fn: h})
	return sub
}

// Off removes a subscription. Equivalent to sub.Unsubscribe().
func (m *Manager) Off(sub *Subscription) {
	sub.Unsubscribe()
}

// OnStatusChange registers h for status transitions.
func (m *Manager) OnStatusChange(h StatusHandler) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	sub := &Subscription{id: m.nextID, status: true, owner: m}
	m.statusHandlers = append(m.statusHandlers, statusEntry{id: sub.id, fn: h})
	return sub
}

// HandlerCount returns the number of handlers registered for eventType.
func (m *Manager) HandlerCount(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers[eventType])
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsConnected reports whether the status is connected.
func (m *Manager) IsConnected() bool {
	return m.Status() == StatusConnected
}

// Stats returns a snapshot of connection statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	s.Status = m.status
	s.ReconnectAttempts = m.attempts
	return s
}

func (m *Manager) remove(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub.status {
		for i, e := range m.statusHandlers {
			if e.id == sub.id {
				m.statusHandlers = append(m.statusHandlers[:i:i], m.statusHandlers[i+1:]...)
				return
			}
		}
		return
	}

	entries := m.handlers[sub.eventType]
	for i, e := range entries {
		if e.id == sub.id {
			entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(m.handlers, sub.eventType)
		return
	}
	m.handlers[sub.eventType] = entries
}

// open performs one dial. On failure it moves to error and schedules the
// next attempt.
func (m *Manager) open(ctx context.Context) error {
	m.mu.Lock()
	if m.tr != nil {
		m.mu.Unlock()
		return nil
	}
	if m.dialing {
		m.mu.Unlock()
		return ErrConnectInProgress
	}
	token := m.token
	if token == "" {
		m.mu.Unlock()
		return ErrEmptyToken
	}
	gen := m.gen
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	m.dialing = true
	m.stopDial = cancel
	m.transitionLocked(StatusConnecting)
	m.mu.Unlock()
	m.drainStatus()

	var conn *websocket.Conn
	endpoint, err := Endpoint(m.cfg.URL, token)
	if err == nil {
		conn, err = m.dial(dialCtx, endpoint)
	}
	cancel()

	m.mu.Lock()
	if gen != m.gen {
		// Disconnect cleared dialing; a newer dial may own it now.
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrDisconnected
	}
	m.dialing = false
	m.stopDial = nil

	if err != nil {
		m.stats.ErrorCount++
		m.stats.LastError = err.Error()
		m.transitionLocked(StatusError)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.drainStatus()

		m.logger.Warn("connect failed", "url", redact(endpoint), "error", err)
		return err
	}

	tr := newTransport(conn, m.cfg.WriteTimeout)
	stop := make(chan struct{})
	m.tr = tr
	m.attempts = 0
	m.stats.LastConnected = time.Now()
	m.transitionLocked(StatusConnected)
	m.stopBeat = stop
	m.mu.Unlock()

	m.logger.Info("connected", "url", redact(endpoint))

	go m.readLoop(tr)
	go m.heartbeat(stop)
	m.drainStatus()
	return nil
}

// readLoop delivers frames until the transport fails.
func (m *Manager) readLoop(tr *transport) {
	for {
		data, err := tr.read()
		if err != nil {
			m.handleLoss(tr, err)
			return
		}
		m.dispatch(data, time.Now())
	}
}

// handleLoss reacts to a transport that stopped on its own.
func (m *Manager) handleLoss(tr *transport, err error) {
	m.mu.Lock()
	if m.tr != tr {
		// Already detached by Disconnect.
		m.mu.Unlock()
		return
	}
	m.tr = nil
	m.stats.LastDisconnected = time.Now()

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
		m.transitionLocked(StatusDisconnected)
	} else {
		m.stats.ErrorCount++
		m.stats.LastError = err.Error()
		m.transitionLocked(StatusError)
	}
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	tr.close()
	m.logger.Warn("connection lost", "error", err)
	m.drainStatus()
}

// scheduleReconnectLocked arms the next attempt or gives up.
func (m *Manager) scheduleReconnectLocked() {
	if m.token == "" {
		m.transitionLocked(StatusDisconnected)
		return
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.logger.Error("max reconnect attempts reached", "attempts", m.attempts)
		m.transitionLocked(StatusDisconnected)
		return
	}

	m.attempts++
	m.stats.TotalReconnects++
	delay := backoffDelay(m.cfg.ReconnectDelay, m.attempts)
	gen := m.gen

	m.logger.Info("scheduling reconnect", "attempt", m.attempts, "delay", delay)
	m.retry = time.AfterFunc(delay, func() { m.reconnect(gen) })
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.token == "" {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.mu.Unlock()

	if err := m.open(context.Background()); err != nil {
		m.logger.Debug("reconnect attempt failed", "error", err)
	}
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// backoffDelay returns base * 2^(attempt-1), saturating at maxBackoff.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > maxBackoff/2 {
			return maxBackoff
		}
		delay *= 2
	}
	return delay
}

// heartbeat pings until stop is closed.
func (m *Manager) heartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.Ping() {
				m.logger.Debug("heartbeat ping not sent")
			}
		}
	}
}

// dispatch decodes one frame and fans it out.
func (m *Manager) dispatch(data []byte, receivedAt time.Time) {
	env, err := DecodeEnvelope(data, receivedAt)
	if err != nil {
		m.mu.Lock()
		m.stats.MalformedFrames++
		m.mu.Unlock()
		m.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
		return
	}

	m.mu.Lock()
	m.stats.FramesReceived++
	if env.Type == TypePong {
		m.stats.LastPong = receivedAt
		m.mu.Unlock()
		return
	}
	entries := append([]handlerEntry(nil), m.handlers[env.Type]...)
	m.mu.Unlock()

	if len(entries) == 0 {
		m.logger.Debug("no handlers", "type", env.Type)
		return
	}
	for _, e := range entries {
		m.invoke(e.fn, env)
	}
}

func (m *Manager) invoke(h Handler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			m.countHandlerError()
			m.logger.Error("handler panicked", "type", env.Type, "panic", r)
		}
	}()

	if err := h(env); err != nil {
		m.countHandlerError()
		m.logger.Error("handler failed", "type", env.Type, "error", err)
	}
}

func (m *Manager) countHandlerError() {
	m.mu.Lock()
	m.stats.HandlerErrors++
	m.mu.Unlock()
}

// transitionLocked records a status change and queues the notification.
// Repeated statuses are not re-announced.
func (m *Manager) transitionLocked(s Status) {
	if m.status == s {
		return
	}
	if m.status == StatusConnected && m.stopBeat != nil {
		close(m.stopBeat)
		m.stopBeat = nil
	}
	m.status = s
	m.pending = append(m.pending, s)
}

// drainStatus delivers queued status notifications. Only one goroutine
// drains at a time; handlers may call back into the Manager.
func (m *Manager) drainStatus() {
	m.mu.Lock()
	if m.notifying {
		m.mu.Unlock()
		return
	}
	m.notifying = true

	for len(m.pending) > 0 {
		s := m.pending[0]
		m.pending = m.pending[1:]
		handlers := append([]statusEntry(nil), m.statusHandlers...)
		m.mu.Unlock()

		for _, h := range handlers {
			m.notifyStatus(h.fn, s)
		}

		m.mu.Lock()
	}

	m.notifying = false
	m.mu.Unlock()
}

func (m *Manager) notifyStatus(h StatusHandler, s Status) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("status handler panicked", "status", s, "panic", r)
		}
	}()
	h(s)
}
