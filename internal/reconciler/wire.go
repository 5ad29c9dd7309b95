package reconciler

import "github.com/rickgao/teamchat/internal/model"

// Wire formats for inbound envelopes. Field placement follows the server:
// some types nest their payload under "data", others put it at the top level.

type messageWire struct {
	Data *model.Message `json:"data"`
}

type messageDeletedWire struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	DeletedBy string `json:"deleted_by"`
}

type reactionPayload struct {
	Action   string `json:"action"` // "add" or "remove"
	Emoji    string `json:"emoji"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// messageReactionWire carries the reaction under "data"; older servers put
// the same fields at the top level.
type messageReactionWire struct {
	MessageID string           `json:"message_id"`
	Data      *reactionPayload `json:"data"`
	reactionPayload
}

func (w messageReactionWire) payload() reactionPayload {
	if w.Data != nil {
		return *w.Data
	}
	return w.reactionPayload
}

type typingWire struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	ChannelID string `json:"channel_id"`
	IsTyping  bool   `json:"is_typing"`
}

type userStatusWire struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

type membershipWire struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	Username  string `json:"username"`
}

type mentionWire struct {
	Data *struct {
		MessageID    string `json:"message_id"`
		ChannelID    string `json:"channel_id"`
		Content      string `json:"content"`
		FromUserID   string `json:"from_user_id"`
		FromUsername string `json:"from_username"`
	} `json:"data"`
}

type onlineUsersWire struct {
	ChannelID string       `json:"channel_id"`
	Users     []model.User `json:"users"`
}

type channelCreatedWire struct {
	Data *model.Channel `json:"data"`
}

type connectionEstablishedWire struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type errorWire struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
}
