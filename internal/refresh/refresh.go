// Package refresh reloads REST-backed state when the realtime stream says
// it changed. Concurrent reloads of the same resource are coalesced.
package refresh

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/teamchat/internal/bus"
	"github.com/rickgao/teamchat/internal/model"
)

// ChannelAPI loads channel state.
type ChannelAPI interface {
	ListChannels(ctx context.Context) ([]model.Channel, error)
	ChannelMembers(ctx context.Context, channelID string) ([]model.User, error)
}

// ChannelStore receives reloaded state.
type ChannelStore interface {
	SetChannels(channels []model.Channel)
	SetChannelMembers(channelID string, users []model.User)
}

// Stats contains runtime statistics.
type Stats struct {
	ChannelRefreshes int64
	MemberRefreshes  int64
	Coalesced        int64
	Errors           int64
}

// Refresher consumes channels_changed and channel_members_changed signals.
type Refresher struct {
	api    ChannelAPI
	store  ChannelStore
	sub    *bus.Subscriber
	logger *slog.Logger

	group singleflight.Group
	wg    sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// New creates a Refresher. It subscribes immediately so signals published
// before Run are not lost.
func New(api ChannelAPI, store ChannelStore, b *bus.Bus, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Refresher{
		api:    api,
		store:  store,
		sub:    b.Subscribe(bus.KindChannelsChanged, bus.KindChannelMembersChanged),
		logger: logger.With("component", "refresh"),
	}
}

// Run handles signals until ctx is done. In-flight reloads finish before
// Run returns.
func (r *Refresher) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, r.sub.Close)
	defer stop()

	for {
		s, ok := r.sub.Receive()
		if !ok {
			break
		}
		if ctx.Err() != nil {
			break
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handle(ctx, s)
		}()
	}

	r.wg.Wait()
	return ctx.Err()
}

func (r *Refresher) handle(ctx context.Context, s bus.Signal) {
	switch s.Kind {
	case bus.KindChannelsChanged:
		if err := r.RefreshChannels(ctx); err != nil {
			r.logger.Warn("channel refresh failed", "error", err)
		}
	case bus.KindChannelMembersChanged:
		if s.ChannelID == "" {
			return
		}
		if err := r.RefreshMembers(ctx, s.ChannelID); err != nil {
			r.logger.Warn("member refresh failed", "channel_id", s.ChannelID, "error", err)
		}
	}
}

// RefreshChannels reloads the channel list.
func (r *Refresher) RefreshChannels(ctx context.Context) error {
	_, err, shared := r.group.Do("channels", func() (any, error) {
		channels, err := r.api.ListChannels(ctx)
		if err != nil {
			return nil, err
		}
		r.store.SetChannels(channels)
		r.count(func(s *Stats) { s.ChannelRefreshes++ })
		r.logger.Debug("channels refreshed", "count", len(channels))
		return nil, nil
	})
	r.record(err, shared)
	return err
}

// RefreshMembers reloads one channel's member list.
func (r *Refresher) RefreshMembers(ctx context.Context, channelID string) error {
	_, err, shared := r.group.Do("members:"+channelID, func() (any, error) {
		users, err := r.api.ChannelMembers(ctx, channelID)
		if err != nil {
			return nil, err
		}
		r.store.SetChannelMembers(channelID, users)
		r.count(func(s *Stats) { s.MemberRefreshes++ })
		r.logger.Debug("members refreshed", "channel_id", channelID, "count", len(users))
		return nil, nil
	})
	r.record(err, shared)
	return err
}

// Stats returns current statistics.
func (r *Refresher) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Refresher) record(err error, shared bool) {
	r.count(func(s *Stats) {
		if shared {
			s.Coalesced++
		}
		if err != nil {
			s.Errors++
		}
	})
}

func (r *Refresher) count(f func(*Stats)) {
	r.mu.Lock()
	f(&r.stats)
	r.mu.Unlock()
}
