// Package store holds the client's in-memory view of chat state.
package store

import (
	"sync"

	"github.com/rickgao/teamchat/internal/model"
)

// Store is a thread-safe chat state container. All getters return copies.
type Store struct {
	mu sync.RWMutex

	channels        []model.Channel
	activeChannelID string

	messages   map[string][]model.Message    // channel ID → messages, oldest first
	members    map[string][]model.User       // channel ID → members
	typing     map[string][]model.TypingUser // channel ID → typing users
	online     map[string][]model.User       // channel ID → online users
	userStatus map[string]string             // user ID → status
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		messages:   make(map[string][]model.Message),
		members:    make(map[string][]model.User),
		typing:     make(map[string][]model.TypingUser),
		online:     make(map[string][]model.User),
		userStatus: make(map[string]string),
	}
}

// Snapshot is a point-in-time copy of the whole store.
type Snapshot struct {
	Channels        []model.Channel
	ActiveChannelID string
	Messages        map[string][]model.Message
	Members         map[string][]model.User
	Typing          map[string][]model.TypingUser
	Online          map[string][]model.User
	UserStatus      map[string]string
}

// -----------------------------------------------------------------------------
// Channels
// -----------------------------------------------------------------------------

// SetChannels replaces the channel list.
func (s *Store) SetChannels(channels []model.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = append([]model.Channel(nil), channels...)
}

// Channels returns the channel list.
func (s *Store) Channels() []model.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Channel(nil), s.channels...)
}

// Channel looks up one channel by ID.
func (s *Store) Channel(id string) (model.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.channels {
		if c.ID == id {
			return c, true
		}
	}
	return model.Channel{}, false
}

// SetActiveChannel records the channel the user is viewing.
func (s *Store) SetActiveChannel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeChannelID = id
}

// ActiveChannelID returns the channel the user is viewing, or "".
func (s *Store) ActiveChannelID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeChannelID
}

// SetChannelMembers replaces a channel's member list.
func (s *Store) SetChannelMembers(channelID string, users []model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[channelID] = append([]model.User(nil), users...)
}

// ChannelMembers returns a channel's member list.
func (s *Store) ChannelMembers(channelID string) []model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.User(nil), s.members[channelID]...)
}

// -----------------------------------------------------------------------------
// Messages
// -----------------------------------------------------------------------------

// SetMessages replaces a channel's message list.
func (s *Store) SetMessages(channelID string, msgs []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[channelID] = cloneMessages(msgs)
}

// ChannelMessages returns a channel's messages, oldest first.
func (s *Store) ChannelMessages(channelID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.messages[channelID])
}

// AddMessage appends msg unless a message with the same ID is already
// present in the channel.
func (s *Store) AddMessage(channelID string, msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexLocked(channelID, msg.ID) >= 0 {
		return
	}
	s.messages[channelID] = append(s.messages[channelID], msg.Clone())
}

// UpdateMessage applies patch to the message. Absent messages are ignored.
func (s *Store) UpdateMessage(channelID, messageID string, patch model.MessagePatch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(channelID, messageID)
	if i < 0 {
		return
	}
	patch.Apply(&s.messages[channelID][i])
}

// RemoveMessage deletes the message. Absent messages are ignored.
func (s *Store) RemoveMessage(channelID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(channelID, messageID)
	if i < 0 {
		return
	}
	msgs := s.messages[channelID]
	s.messages[channelID] = append(msgs[:i:i], msgs[i+1:]...)
}

// AddReaction attaches r to the message unless the same user already
// reacted with the same emoji.
func (s *Store) AddReaction(channelID, messageID string, r model.Reaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(channelID, messageID)
	if i < 0 {
		return
	}
	msg := &s.messages[channelID][i]
	if msg.HasReaction(r.UserID, r.Emoji) {
		return
	}
	reactions := make([]model.Reaction, len(msg.Reactions), len(msg.Reactions)+1)
	copy(reactions, msg.Reactions)
	msg.Reactions = append(reactions, r)
}

// RemoveReaction detaches the reaction with reactionID. Absent reactions
// are ignored.
func (s *Store) RemoveReaction(channelID, messageID, reactionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(channelID, messageID)
	if i < 0 {
		return
	}
	msg := &s.messages[channelID][i]
	kept := make([]model.Reaction, 0, len(msg.Reactions))
	for _, r := range msg.Reactions {
		if r.ID != reactionID {
			kept = append(kept, r)
		}
	}
	msg.Reactions = kept
}

func (s *Store) indexLocked(channelID, messageID string) int {
	for i, m := range s.messages[channelID] {
		if m.ID == messageID {
			return i
		}
	}
	return -1
}

// -----------------------------------------------------------------------------
// Presence
// -----------------------------------------------------------------------------

// AddTypingUser marks a user as typing in a channel. Repeated adds are
// ignored.
func (s *Store) AddTypingUser(channelID, userID, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.typing[channelID] {
		if u.UserID == userID {
			return
		}
	}
	s.typing[channelID] = append(s.typing[channelID], model.TypingUser{UserID: userID, Username: username})
}

// RemoveTypingUser clears a user's typing state in a channel.
func (s *Store) RemoveTypingUser(channelID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.typing[channelID]
	for i, u := range users {
		if u.UserID == userID {
			s.typing[channelID] = append(users[:i:i], users[i+1:]...)
			break
		}
	}
	if len(s.typing[channelID]) == 0 {
		delete(s.typing, channelID)
	}
}

// TypingUsers returns the users typing in a channel.
func (s *Store) TypingUsers(channelID string) []model.TypingUser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.TypingUser(nil), s.typing[channelID]...)
}

// SetOnlineUsers replaces a channel's online user list.
func (s *Store) SetOnlineUsers(channelID string, users []model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[channelID] = append([]model.User(nil), users...)
}

// OnlineUsers returns a channel's online user list.
func (s *Store) OnlineUsers(channelID string) []model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.User(nil), s.online[channelID]...)
}

// SetUserStatus records a user's presence status.
func (s *Store) SetUserStatus(userID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userStatus[userID] = status
}

// UserStatus returns a user's last known status.
func (s *Store) UserStatus(userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.userStatus[userID]
	return status, ok
}

// Snapshot returns a deep copy of the store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Channels:        append([]model.Channel(nil), s.channels...),
		ActiveChannelID: s.activeChannelID,
		Messages:        make(map[string][]model.Message, len(s.messages)),
		Members:         make(map[string][]model.User, len(s.members)),
		Typing:          make(map[string][]model.TypingUser, len(s.typing)),
		Online:          make(map[string][]model.User, len(s.online)),
		UserStatus:      make(map[string]string, len(s.userStatus)),
	}
	for id, msgs := range s.messages {
		snap.Messages[id] = cloneMessages(msgs)
	}
	for id, users := range s.members {
		snap.Members[id] = append([]model.User(nil), users...)
	}
	for id, users := range s.typing {
		snap.Typing[id] = append([]model.TypingUser(nil), users...)
	}
	for id, users := range s.online {
		snap.Online[id] = append([]model.User(nil), users...)
	}
	for id, status := range s.userStatus {
		snap.UserStatus[id] = status
	}
	return snap
}

func cloneMessages(msgs []model.Message) []model.Message {
	if msgs == nil {
		return nil
	}
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
