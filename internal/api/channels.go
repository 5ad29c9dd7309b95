package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rickgao/teamchat/internal/model"
)

// DefaultMessageLimit is the page size used when none is given.
const DefaultMessageLimit = 50

// ListChannels returns the channels the signed-in user belongs to.
func (c *Client) ListChannels(ctx context.Context) ([]model.Channel, error) {
	var resp []ChannelWithMembers
	if err := c.get(ctx, "/channels/my", nil, &resp); err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}

	channels := make([]model.Channel, len(resp))
	for i, ch := range resp {
		channels[i] = ch.Channel
		if channels[i].MemberCount == 0 {
			channels[i].MemberCount = len(ch.Members)
		}
	}
	return channels, nil
}

// GetChannel returns one channel with its members.
func (c *Client) GetChannel(ctx context.Context, channelID string) (*ChannelWithMembers, error) {
	var resp ChannelWithMembers
	if err := c.get(ctx, "/channels/"+url.PathEscape(channelID), nil, &resp); err != nil {
		return nil, fmt.Errorf("get channel %s: %w", channelID, err)
	}
	return &resp, nil
}

// ChannelMembers returns the users in a channel.
func (c *Client) ChannelMembers(ctx context.Context, channelID string) ([]model.User, error) {
	ch, err := c.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return ch.Users(), nil
}

// ChannelMessages returns one page of a channel's history. page starts at 1.
func (c *Client) ChannelMessages(ctx context.Context, channelID string, page, limit int) ([]model.Message, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultMessageLimit
	}

	query := url.Values{}
	query.Set("offset", strconv.Itoa((page-1)*limit))
	query.Set("limit", strconv.Itoa(limit))

	var resp []model.Message
	if err := c.get(ctx, "/messages/channel/"+url.PathEscape(channelID), query, &resp); err != nil {
		return nil, fmt.Errorf("channel messages %s: %w", channelID, err)
	}
	return resp, nil
}
