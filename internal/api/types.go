package api

import "github.com/rickgao/teamchat/internal/model"

// ChannelMember from GET /channels/{id}
type ChannelMember struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	ChannelID string      `json:"channel_id"`
	JoinedAt  string      `json:"joined_at"`
	User      *model.User `json:"user,omitempty"`
}

// ChannelWithMembers from GET /channels/my and GET /channels/{id}
type ChannelWithMembers struct {
	model.Channel
	IsPublic bool            `json:"is_public,omitempty"`
	Members  []ChannelMember `json:"members"`
}

// Users returns the member users, skipping entries without an embedded user.
func (c ChannelWithMembers) Users() []model.User {
	users := make([]model.User, 0, len(c.Members))
	for _, m := range c.Members {
		if m.User != nil {
			users = append(users, *m.User)
		}
	}
	return users
}
