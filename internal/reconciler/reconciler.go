package reconciler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rickgao/teamchat/internal/bus"
	"github.com/rickgao/teamchat/internal/connection"
	"github.com/rickgao/teamchat/internal/model"
)

const (
	reactionAdd    = "add"
	reactionRemove = "remove"

	previewLength    = 50
	mentionDuration  = 10 * time.Second
	unknownChannel   = "Unknown Channel"
	unknownUser      = "Someone"
	genericErrorText = "Connection error occurred"
)

// errorMessages maps server error codes to user-facing text.
var errorMessages = map[string]string{
	"access_denied":        "Access denied to channel",
	"invalid_json":         "Invalid message format",
	"unknown_message_type": "Unknown message type",
	"missing_channel_id":   "Channel ID is required",
}

// ResolveErrorMessage returns the display text for a server error. Known
// codes use a fixed string; otherwise the raw message, else a generic one.
func ResolveErrorMessage(code, message string) string {
	if text, ok := errorMessages[code]; ok {
		return text
	}
	if message != "" {
		return message
	}
	return genericErrorText
}

// Store is the chat state the reconciler mutates.
type Store interface {
	AddMessage(channelID string, msg model.Message)
	UpdateMessage(channelID, messageID string, patch model.MessagePatch)
	RemoveMessage(channelID, messageID string)
	AddReaction(channelID, messageID string, r model.Reaction)
	RemoveReaction(channelID, messageID, reactionID string)
	AddTypingUser(channelID, userID, username string)
	RemoveTypingUser(channelID, userID string)
	ChannelMessages(channelID string) []model.Message
	Channels() []model.Channel
	ActiveChannelID() string
	SetOnlineUsers(channelID string, users []model.User)
	SetUserStatus(userID, status string)
}

// Identity is the signed-in user. Events about this user are treated as
// self-originated.
type Identity struct {
	UserID   string
	Username string
}

// Source is anything envelopes can be subscribed on.
type Source interface {
	On(eventType string, h connection.Handler) *connection.Subscription
}

// Stats contains runtime statistics.
type Stats struct {
	EventsHandled    int64
	MessagesReceived int64
	Dropped          int64 // missing required fields or unknown target
	DecodeErrors     int64
}

// Reconciler applies envelopes to a Store.
type Reconciler struct {
	store   Store
	signals bus.Publisher
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	identity Identity
	stats    Stats
}

// New creates a Reconciler.
func New(store Store, identity Identity, signals bus.Publisher, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		store:    store,
		signals:  signals,
		logger:   logger.With("component", "reconciler"),
		now:      time.Now,
		identity: identity,
	}
}

// SetIdentity replaces the signed-in user. connection_established fills in
// any field that is still empty.
func (r *Reconciler) SetIdentity(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identity = id
}

func (r *Reconciler) self() Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identity
}

// Stats returns current statistics.
func (r *Reconciler) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// Registration is a set of handler subscriptions.
type Registration struct {
	subs []*connection.Subscription
	once sync.Once
}

// Close unsubscribes every handler. Safe to call more than once.
func (reg *Registration) Close() {
	if reg == nil {
		return
	}
	reg.once.Do(func() {
		for _, sub := range reg.subs {
			sub.Unsubscribe()
		}
	})
}

// Register subscribes Handle for every inbound type on src.
func (r *Reconciler) Register(src Source) *Registration {
	reg := &Registration{subs: make([]*connection.Subscription, 0, len(connection.InboundTypes))}
	for _, t := range connection.InboundTypes {
		reg.subs = append(reg.subs, src.On(t, r.Handle))
	}
	return reg
}

// Handle applies one envelope. Envelopes with missing required fields are
// logged and dropped without error; a payload that does not decode returns
// an error.
func (r *Reconciler) Handle(env connection.Envelope) error {
	r.count(func(s *Stats) { s.EventsHandled++ })

	var err error
	switch env.Type {
	case connection.TypeConnectionEstablished:
		err = r.onConnectionEstablished(env)
	case connection.TypeNewMessage:
		err = r.onNewMessage(env)
	case connection.TypeMessageEdited:
		err = r.onMessageEdited(env)
	case connection.TypeMessageDeleted:
		err = r.onMessageDeleted(env)
	case connection.TypeMessageReaction:
		err = r.onMessageReaction(env)
	case connection.TypeTypingIndicator:
		err = r.onTypingIndicator(env)
	case connection.TypeUserStatus:
		err = r.onUserStatus(env)
	case connection.TypeUserJoined:
		err = r.onMembership(env, true)
	case connection.TypeUserLeft:
		err = r.onMembership(env, false)
	case connection.TypeMentionNotification:
		err = r.onMention(env)
	case connection.TypeOnlineUsers:
		err = r.onOnlineUsers(env)
	case connection.TypeChannelCreated:
		err = r.onChannelCreated(env)
	case connection.TypeError:
		r.onError(env)
	default:
		r.logger.Debug("skipping message type", "type", env.Type)
		return nil
	}

	if err != nil {
		r.count(func(s *Stats) { s.DecodeErrors++ })
		return fmt.Errorf("%s: %w", env.Type, err)
	}
	return nil
}

func (r *Reconciler) onConnectionEstablished(env connection.Envelope) error {
	var wire connectionEstablishedWire
	if err := env.Decode(&wire); err != nil {
		return err
	}

	r.logger.Info("realtime session established", "user_id", wire.UserID, "username", wire.Username)

	// The server is authoritative for fields the caller left unset.
	if id := r.self(); wire.UserID != "" && (id.UserID == "" || id.Username == "") {
		if id.UserID == "" {
			id.UserID = wire.UserID
		}
		if id.Username == "" && id.UserID == wire.UserID {
			id.Username = wire.Username
		}
		r.SetIdentity(id)
	}
	r.notify(bus.Notification("Connected", "Real-time chat connected successfully"))
	return nil
}

func (r *Reconciler) onNewMessage(env connection.Envelope) error {
	var wire messageWire
	if err := env.Decode(&wire); err != nil {
		return err
	}
	msg := wire.Data
	if msg == nil || msg.ChannelID == "" || msg.ID == "" {
		r.drop(env, "message without channel_id or id")
		return nil
	}

	r.count(func(s *Stats) { s.MessagesReceived++ })
	r.store.AddMessage(msg.ChannelID, *msg)

	if msg.UserID != r.self().UserID && msg.ChannelID != r.store.ActiveChannelID() {
		r.notify(bus.Notification(
			"New message in #"+r.channelName(msg.ChannelID),
			msg.User.Username+": "+truncate(msg.Content, previewLength),
		))
	}
	return nil
}

func (r *Reconciler) onMessageEdited(env connection.Envelope) error {
	var wire messageWire
	if err := env.Decode(&wire); err != nil {
		return err
	}
	msg := wire.Data
	if msg == nil || msg.ChannelID == "" || msg.ID == "" {
		r.drop(env, "edited message without channel_id or id")
		return nil
	}

	r.store.UpdateMessage(msg.ChannelID, msg.ID, model.EditPatch(*msg))
	return nil
}

func (r *Reconciler) onMessageDeleted(env connection.Envelope) error {
	var wire messageDeletedWire
	if err := env.Decode(&wire); err != nil {
		return err
	}
	if wire.MessageID == "" || wire.ChannelID == "" {
		r.drop(env, "delete without message_id or channel_id")
		return nil
	}

	r.store.RemoveMessage(wire.ChannelID, wire.MessageID)

	if wire.DeletedBy != r.self().Username {
		r.notify(bus.Signal{
			Kind:    bus.KindNotification,
			Title:   "Message deleted",
			Body:    "A message was deleted by " + wire.DeletedBy,
			Variant: bus.VariantDestructive,
		})
	}
	return nil
}

func (r *Reconciler) onMessageReaction(env connection.Envelope) error {
	var wire messageReactionWire
	if err := env.Decode(&wire); err != nil {
		return err
	}
	p := wire.payload()
	if wire.MessageID == "" || p.UserID == "" || p.Emoji == "" {
		r.drop(env, "reaction without message_id, user_id or emoji")
		return nil
	}
	if p.Action != reactionAdd && p.Action != reactionRemove {
		r.drop(env, "unknown reaction action "+p.Action)
		return nil
	}

	// Reaction events carry no channel_id, so every known channel is scanned.
	channelID, msg, ok := r.findMessage(wire.MessageID)
	if !ok {
		r.drop(env, "reaction target not found")
		return nil
	}

	switch p.Action {
	case reactionAdd:
		if msg.HasReaction(p.UserID, p.Emoji) {
			break
		}
		r.store.AddReaction(channelID, wire.MessageID,
			model.NewProvisionalReaction(wire.MessageID, p.Emoji, p.UserID, p.Username, r.now()))
	case reactionRemove:
		if existing, found := msg.FindReaction(p.UserID, p.Emoji); found {
			r.store.RemoveReaction(channelID, wire.MessageID, existing.ID)
		}
	}

	if p.UserID != r.self().UserID {
		verb := "added"
		if p.Action == reactionRemove {
			verb = "removed"
		}
		r.notify(bus.Notification(p.Username+" reacted", p.Emoji+" "+verb))
	}
	return nil
}

// findMessage scans every known channel for messageID.
func (r *Reconciler) findMessage(messageID string) (string, model.Message, bool) {
	for _, ch := range r.store.Channels() {
		for _, m := range r.store.ChannelMessages(ch.ID) {
			if m.ID == messageID {
				return ch.ID, m, true
			}
		}
	}
	return "", model.Message{}, false
}

func (r *Reconciler) onTypingIndicator(env connection.Envelope) error {
	var wire typingWire
	if err := env.Decode(&wire); err != nil {
		return err
	}
	if wire.UserID == "" || wire.Username == "" || wire.ChannelID == "" {
		r.drop(env, "typing indicator without user_id, username or channel_id")
		return nil
	}

	if wire.UserID == r.self().UserID {
		return nil
	}

	if wire.IsTyping {
		r.store.AddTypingUser(wire.ChannelID, wire.UserID, wire.Username)
	} else {
		r.store.RemoveTypingUser(wire.ChannelID, wire.UserID)
	}
	return nil
}

func (r *Reconciler) onUserStatus(env connection.Envelope) error {
	var wire userStatusWire
	if err := env.Decode(&wire); err != nil {
		return err
	}
	if wire.UserID == "" || wire.Status == "" {
		r.drop(env, "user status without user_id or status")
		return nil
	}

	r.store.SetUserStatus(wire.UserID, wire.Status)
	return nil
}

// onMembership handles user_joined and user_left.
func (r *Reconciler) onMembership(env connection.Envelope, joined bool) error {
	var wire membershipWire
	if err := env.Decode(&wire); err != nil {
		return err
	}
	if wire.UserID == "" || wire.ChannelID == "" {
		r.drop(env, "membership event without user_id or channel_id")
		return nil
	}

	if !joined {
		r.store.RemoveTypingUser(wire.ChannelID, wire.UserID)
	}

	if wire.UserID == r.self().UserID {
		r.logger.Debug("own membership changed", "type", env.Type, "channel_id", wire.ChannelID)
		r.notify(bus.ChannelsChanged())
		return nil
	}

	name := wire.Username
	if name == "" {
		name = unknownUser
	}
	title, verb := "User joined", "joined"
	if !joined {
		title, verb = "User left", "left"
	}

	r.notify(bus.Notification(title, fmt.Sprintf("%s %s #%s", name, verb, r.channelName(wire.ChannelID))))
	r.notify(bus.ChannelMembersChanged(wire.ChannelID))
	return nil
}

func (r *Reconciler) onMention(env connection.Envelope) error {
	var wire mentionWire
	if err := env.Decode(&wire); err != nil {
		return err
	}
	if wire.Data == nil {
		r.drop(env, "mention without data")
		return nil
	}

	r.notify(bus.Signal{
		Kind:      bus.KindNotification,
		ChannelID: wire.Data.ChannelID,
		Title:     wire.Data.FromUsername + " mentioned you",
		Body:      truncate(wire.Data.Content, previewLength),
		Variant:   bus.VariantDefault,
		Duration:  mentionDuration,
	})
	return nil
}

func (r *Reconciler) onOnlineUsers(env connection.Envelope) error {
	var wire onlineUsersWire
	if err := env.Decode(&wire); err != nil {
		return err
	}
	if wire.ChannelID == "" || wire.Users == nil {
		r.drop(env, "online users without channel_id or users")
		return nil
	}

	r.store.SetOnlineUsers(wire.ChannelID, wire.Users)
	return nil
}

func (r *Reconciler) onChannelCreated(env connection.Envelope) error {
	var wire channelCreatedWire
	if err := env.Decode(&wire); err != nil {
		return err
	}
	if wire.Data == nil {
		r.drop(env, "channel created without data")
		return nil
	}

	r.notify(bus.ChannelsChanged())
	r.notify(bus.Notification("New channel created", "#"+wire.Data.Name+" is now available"))
	return nil
}

// onError never fails: an undecodable error envelope still produces a
// displayable message.
func (r *Reconciler) onError(env connection.Envelope) {
	var wire errorWire
	if err := env.Decode(&wire); err != nil {
		r.logger.Warn("undecodable error envelope", "error", err)
	}

	r.logger.Error("server error", "error_code", wire.ErrorCode, "message", wire.Message, "details", wire.Details)
	r.notify(bus.Signal{
		Kind:    bus.KindNotification,
		Title:   "Connection Error",
		Body:    ResolveErrorMessage(wire.ErrorCode, wire.Message),
		Variant: bus.VariantDestructive,
	})
}

func (r *Reconciler) channelName(channelID string) string {
	for _, ch := range r.store.Channels() {
		if ch.ID == channelID && ch.Name != "" {
			return ch.Name
		}
	}
	return unknownChannel
}

func (r *Reconciler) notify(s bus.Signal) {
	if r.signals == nil {
		return
	}
	r.signals.Publish(s)
}

func (r *Reconciler) drop(env connection.Envelope, reason string) {
	r.count(func(s *Stats) { s.Dropped++ })
	r.logger.Warn("dropping envelope", "type", env.Type, "reason", reason)
}

func (r *Reconciler) count(f func(*Stats)) {
	r.mu.Lock()
	f(&r.stats)
	r.mu.Unlock()
}

// truncate shortens s to n runes, adding an ellipsis when cut.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
