package model

import (
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Directory Types
// -----------------------------------------------------------------------------

// User is a chat account as embedded in messages, reactions and member lists.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	Status    string `json:"status,omitempty"` // ACTIVE, online, offline
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// Channel is a conversation space that messages are scoped to.
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MemberCount int    `json:"member_count,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// TypingUser is one entry in a channel's typing set.
type TypingUser struct {
	UserID   string
	Username string
}

// -----------------------------------------------------------------------------
// Message Types
// -----------------------------------------------------------------------------

// Reaction is a single emoji reaction by one user on one message.
// At most one reaction per (MessageID, UserID, Emoji) is ever materialized.
type Reaction struct {
	ID        string `json:"id"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
	CreatedAt string `json:"created_at"`
	User      User   `json:"user"`
}

// Message is a chat message with author and reaction details.
type Message struct {
	ID           string     `json:"id"`
	Content      string     `json:"content"`
	UserID       string     `json:"user_id"`
	ChannelID    string     `json:"channel_id"`
	CreatedAt    string     `json:"created_at"`
	UpdatedAt    string     `json:"updated_at"`
	IsEdited     bool       `json:"is_edited"`
	User         User       `json:"user"`
	Reactions    []Reaction `json:"reactions"`
	MentionCount int        `json:"mention_count"`
}

// HasReaction reports whether the message already carries a reaction by
// userID with emoji.
func (m Message) HasReaction(userID, emoji string) bool {
	_, ok := m.FindReaction(userID, emoji)
	return ok
}

// FindReaction returns the reaction by userID with emoji, if any.
func (m Message) FindReaction(userID, emoji string) (Reaction, bool) {
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return r, true
		}
	}
	return Reaction{}, false
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	c := m
	if m.Reactions != nil {
		c.Reactions = make([]Reaction, len(m.Reactions))
		copy(c.Reactions, m.Reactions)
	}
	return c
}

// MessagePatch lists the mutable fields of a message. Nil fields are left
// untouched when the patch is applied.
type MessagePatch struct {
	Content      *string
	UpdatedAt    *string
	IsEdited     *bool
	Reactions    []Reaction // nil keeps the current reactions
	MentionCount *int
}

// Apply writes the non-nil fields of p into m.
func (p MessagePatch) Apply(m *Message) {
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.UpdatedAt != nil {
		m.UpdatedAt = *p.UpdatedAt
	}
	if p.IsEdited != nil {
		m.IsEdited = *p.IsEdited
	}
	if p.Reactions != nil {
		m.Reactions = make([]Reaction, len(p.Reactions))
		copy(m.Reactions, p.Reactions)
	}
	if p.MentionCount != nil {
		m.MentionCount = *p.MentionCount
	}
}

// EditPatch builds the patch for a server-side edit of m: every mutable field
// is replaced wholesale and the edited flag is set.
func EditPatch(m Message) MessagePatch {
	edited := true
	content := m.Content
	updatedAt := m.UpdatedAt
	mentions := m.MentionCount
	return MessagePatch{
		Content:      &content,
		UpdatedAt:    &updatedAt,
		IsEdited:     &edited,
		Reactions:    m.Reactions,
		MentionCount: &mentions,
	}
}

// ProvisionalReactionID returns a client-side reaction ID. The server never
// sends reaction IDs over the realtime channel, so these live until the next
// REST reload of the message.
func ProvisionalReactionID() string {
	return "temp_" + uuid.NewString()
}

// NewProvisionalReaction builds a reaction record for a realtime "add" event.
func NewProvisionalReaction(messageID, emoji, userID, username string, now time.Time) Reaction {
	return Reaction{
		ID:        ProvisionalReactionID(),
		Emoji:     emoji,
		UserID:    userID,
		MessageID: messageID,
		CreatedAt: now.UTC().Format(time.RFC3339Nano),
		User: User{
			ID:       userID,
			Username: username,
			Status:   "ACTIVE",
		},
	}
}
