// Package session ties the realtime connection to the signed-in user: it
// owns the reconciler registration for the lifetime of one connection and
// keeps the active channel joined across reconnects.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/teamchat/internal/connection"
	"github.com/rickgao/teamchat/internal/reconciler"
)

// DefaultReconnectPause is the wait between teardown and restart in Reconnect.
const DefaultReconnectPause = time.Second

// ChannelState is the part of the store the session drives.
type ChannelState interface {
	SetActiveChannel(id string)
	ActiveChannelID() string
}

// Config configures a Session.
type Config struct {
	ReconnectPause time.Duration
}

// Session manages one user's realtime lifecycle.
type Session struct {
	cfg    Config
	conn   *connection.Manager
	rec    *reconciler.Reconciler
	state  ChannelState
	logger *slog.Logger

	mu        sync.Mutex
	token     string
	reg       *reconciler.Registration
	statusSub *connection.Subscription
	observers []func(connection.Status)
}

// New creates a Session.
func New(cfg Config, conn *connection.Manager, rec *reconciler.Reconciler, state ChannelState, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectPause <= 0 {
		cfg.ReconnectPause = DefaultReconnectPause
	}

	return &Session{
		cfg:    cfg,
		conn:   conn,
		rec:    rec,
		state:  state,
		logger: logger.With("component", "session"),
	}
}

// OnStatus registers fn to receive every connection status change while
// the session is started.
func (s *Session) OnStatus(fn func(connection.Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Start registers the reconciler and connects with token. Any previous
// registration is closed first so handlers are never registered twice.
func (s *Session) Start(ctx context.Context, token string) error {
	if token == "" {
		s.logger.Warn("cannot start session: no token")
		return connection.ErrEmptyToken
	}

	s.mu.Lock()
	if s.reg != nil {
		s.reg.Close()
	}
	s.reg = s.rec.Register(s.conn)
	if s.statusSub == nil {
		s.statusSub = s.conn.OnStatusChange(s.handleStatus)
	}
	s.token = token
	s.mu.Unlock()

	if err := s.conn.Connect(ctx, token); err != nil {
		s.logger.Error("failed to connect", "error", err)
		return err
	}
	return nil
}

// Stop disconnects and removes every registration.
func (s *Session) Stop() {
	s.conn.Disconnect()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reg != nil {
		s.reg.Close()
		s.reg = nil
	}
	if s.statusSub != nil {
		s.statusSub.Unsubscribe()
		s.statusSub = nil
	}
	s.token = ""
}

// Reconnect stops the session, waits ReconnectPause and starts it again
// with the same token.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	if token == "" {
		s.logger.Warn("cannot reconnect: no token")
		return connection.ErrEmptyToken
	}

	s.Stop()

	timer := time.NewTimer(s.cfg.ReconnectPause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	return s.Start(ctx, token)
}

// SetActiveChannel records the channel being viewed and joins it when
// connected.
func (s *Session) SetActiveChannel(channelID string) {
	s.state.SetActiveChannel(channelID)
	if channelID != "" && s.conn.IsConnected() {
		s.conn.JoinChannel(channelID)
	}
}

// JoinChannel joins a channel's room.
func (s *Session) JoinChannel(channelID string) bool {
	if !s.conn.IsConnected() {
		s.logger.Warn("cannot join channel: not connected", "channel_id", channelID)
		return false
	}
	return s.conn.JoinChannel(channelID)
}

// LeaveChannel leaves a channel's room.
func (s *Session) LeaveChannel(channelID string) bool {
	if !s.conn.IsConnected() {
		s.logger.Warn("cannot leave channel: not connected", "channel_id", channelID)
		return false
	}
	return s.conn.LeaveChannel(channelID)
}

// SendTypingIndicator reports the local user's typing state.
func (s *Session) SendTypingIndicator(channelID string, isTyping bool) bool {
	if !s.conn.IsConnected() {
		return false
	}
	return s.conn.SendTypingIndicator(channelID, isTyping)
}

// GetOnlineUsers requests the online user list for a channel.
func (s *Session) GetOnlineUsers(channelID string) bool {
	if !s.conn.IsConnected() {
		return false
	}
	return s.conn.GetOnlineUsers(channelID)
}

// Status returns the connection status.
func (s *Session) Status() connection.Status {
	return s.conn.Status()
}

func (s *Session) handleStatus(status connection.Status) {
	s.mu.Lock()
	observers := append([]func(connection.Status){}, s.observers...)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(status)
	}

	if status != connection.StatusConnected {
		return
	}
	if id := s.state.ActiveChannelID(); id != "" {
		if !s.conn.JoinChannel(id) {
			s.logger.Warn("failed to rejoin active channel", "channel_id", id)
		}
	}
}
