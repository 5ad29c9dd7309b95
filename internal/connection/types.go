package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrEmptyToken        = errors.New("empty session token")
	ErrNotConnected      = errors.New("not connected")
	ErrConnectInProgress = errors.New("connect already in progress")
	ErrDisconnected      = errors.New("disconnected while connecting")
	ErrMissingType       = errors.New("envelope has no type")
)

// Status is the observable connection state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Outbound envelope types (client → server).
const (
	TypeJoinChannel    = "join_channel"
	TypeLeaveChannel   = "leave_channel"
	TypeGetOnlineUsers = "get_online_users"
	TypePing           = "ping"
)

// Inbound envelope types (server → client). TypeTypingIndicator is used in
// both directions.
const (
	TypeConnectionEstablished = "connection_established"
	TypeNewMessage            = "new_message"
	TypeMessageEdited         = "message_edited"
	TypeMessageDeleted        = "message_deleted"
	TypeMessageReaction       = "message_reaction"
	TypeTypingIndicator       = "typing_indicator"
	TypeUserStatus            = "user_status"
	TypeUserJoined            = "user_joined"
	TypeUserLeft              = "user_left"
	TypeMentionNotification   = "mention_notification"
	TypeOnlineUsers           = "online_users"
	TypeChannelCreated        = "channel_created"
	TypeError                 = "error"
	TypePong                  = "pong"
)

// InboundTypes lists every inbound type that is dispatched to handlers.
// Pong is consumed by the heartbeat and never dispatched.
var InboundTypes = []string{
	TypeConnectionEstablished,
	TypeNewMessage,
	TypeMessageEdited,
	TypeMessageDeleted,
	TypeMessageReaction,
	TypeTypingIndicator,
	TypeUserStatus,
	TypeUserJoined,
	TypeUserLeft,
	TypeMentionNotification,
	TypeOnlineUsers,
	TypeChannelCreated,
	TypeError,
}

// Envelope is one inbound frame. Raw keeps the full frame so handlers can
// decode the top-level fields that sit next to type/timestamp/data.
type Envelope struct {
	Type       string          `json:"type"`
	Timestamp  string          `json:"timestamp,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Raw        json.RawMessage `json:"-"`
	ReceivedAt time.Time       `json:"-"`
}

// Decode unmarshals the whole frame into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Raw, v)
}

// DecodeData unmarshals the data member into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: no data", e.Type)
	}
	return json.Unmarshal(e.Data, v)
}

// DecodeEnvelope parses a single transport frame. Frames that are not JSON
// objects or carry no type are rejected.
func DecodeEnvelope(frame []byte, receivedAt time.Time) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	env.Raw = append(json.RawMessage(nil), frame...)
	env.ReceivedAt = receivedAt
	return env, nil
}

// Fields is the payload of an outbound envelope. Keys are flattened next to
// "type" on the wire.
type Fields map[string]any

// EncodeEnvelope builds {"type": msgType, ...fields}. The type argument
// always wins over a "type" key in fields.
func EncodeEnvelope(msgType string, fields Fields) ([]byte, error) {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["type"] = msgType
	return json.Marshal(out)
}

// Config configures the Connection Manager.
type Config struct {
	URL                  string        // Base address, e.g. wss://chat.example.com
	MaxReconnectAttempts int           // Automatic attempts before giving up
	ReconnectDelay       time.Duration // Base delay, doubled per attempt
	HeartbeatInterval    time.Duration // Ping period while connected
	ConnectTimeout       time.Duration // Bound on one dial + handshake
	WriteTimeout         time.Duration // Write deadline for sends
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		ReconnectDelay:       1 * time.Second,
		HeartbeatInterval:    15 * time.Second,
		ConnectTimeout:       10 * time.Second,
		WriteTimeout:         5 * time.Second,
	}
}

// Stats provides statistics about the connection manager.
type Stats struct {
	Status            Status
	ReconnectAttempts int   // Current consecutive attempt counter
	TotalReconnects   int64 // Reconnects scheduled since start
	FramesSent        int64
	FramesReceived    int64
	MalformedFrames   int64
	HandlerErrors     int64
	ErrorCount        int64
	LastError         string
	LastConnected     time.Time
	LastDisconnected  time.Time
	LastPong          time.Time
}

// Uptime returns how long the current connection has been up, or zero when
// not connected.
func (s Stats) Uptime(now time.Time) time.Duration {
	if s.Status != StatusConnected || s.LastConnected.IsZero() {
		return 0
	}
	return now.Sub(s.LastConnected)
}
