package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies a signal.
type Kind string

const (
	// KindChannelsChanged asks listeners to reload the channel list.
	KindChannelsChanged Kind = "channels_changed"
	// KindChannelMembersChanged asks listeners to reload one channel's members.
	KindChannelMembersChanged Kind = "channel_members_changed"
	// KindNotification is a user-facing toast.
	KindNotification Kind = "notification"
)

// Variant styles a notification.
type Variant string

const (
	VariantDefault     Variant = "default"
	VariantDestructive Variant = "destructive"
)

// Signal is one broadcast.
type Signal struct {
	Kind      Kind
	ChannelID string        // channel_members_changed
	Title     string        // notification
	Body      string        // notification
	Variant   Variant       // notification
	Duration  time.Duration // notification; zero means the renderer default
	At        time.Time
}

// ChannelsChanged builds a channels_changed signal.
func ChannelsChanged() Signal {
	return Signal{Kind: KindChannelsChanged}
}

// ChannelMembersChanged builds a channel_members_changed signal.
func ChannelMembersChanged(channelID string) Signal {
	return Signal{Kind: KindChannelMembersChanged, ChannelID: channelID}
}

// Notification builds a default-variant notification.
func Notification(title, body string) Signal {
	return Signal{Kind: KindNotification, Title: title, Body: body, Variant: VariantDefault}
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(Signal)
}

const initialQueueCapacity = 16

// Bus fans signals out to subscribers.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscriber
	nextID uint64
	closed bool

	published atomic.Int64
}

// Stats summarizes the bus and its live subscribers.
type Stats struct {
	Subscribers int
	Published   int64 // Signals accepted by Publish
	Backlog     int   // Signals queued but not yet received, over all subscribers
	Resizes     int   // Queue growths, over all subscribers
}

// SubscriberStats describes one subscriber's queue.
type SubscriberStats struct {
	Pending   int
	Capacity  int
	Received  int64
	Delivered int64
	Resizes   int
}

// New creates a Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "bus"),
		subs:   make(map[uint64]*Subscriber),
	}
}

// Publish delivers s to every matching subscriber. It never blocks.
func (b *Bus) Publish(s Signal) {
	if s.At.IsZero() {
		s.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Debug("publish after close", "kind", s.Kind)
		return
	}
	b.published.Add(1)
	for _, sub := range b.subs {
		if sub.accepts(s.Kind) {
			sub.q.push(s)
		}
	}
}

// Subscribe returns a subscriber for the given kinds, or for every kind
// when none are given.
func (b *Bus) Subscribe(kinds ...Kind) *Subscriber {
	sub := &Subscriber{
		bus: b,
		q:   newQueue[Signal](initialQueueCapacity),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.q.close()
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Stats returns aggregate queue statistics.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{Subscribers: len(b.subs), Published: b.published.Load()}
	for _, sub := range b.subs {
		qs := sub.q.stats()
		st.Backlog += qs.count
		st.Resizes += qs.resizes
	}
	return st
}

// Close closes every subscriber. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscriber)
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.q.close()
	}
}

// Subscriber receives signals in publish order.
type Subscriber struct {
	id    uint64
	bus   *Bus
	kinds map[Kind]struct{}
	q     *queue[Signal]
	once  sync.Once
}

func (s *Subscriber) accepts(k Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Receive blocks for the next signal. It returns false after Close once
// the queue is drained.
func (s *Subscriber) Receive() (Signal, bool) {
	return s.q.pop()
}

// TryReceive returns the next signal without blocking.
func (s *Subscriber) TryReceive() (Signal, bool) {
	return s.q.tryPop()
}

// Pending returns the number of queued signals.
func (s *Subscriber) Pending() int {
	return s.q.len()
}

// Stats returns the subscriber's queue statistics.
func (s *Subscriber) Stats() SubscriberStats {
	qs := s.q.stats()
	return SubscriberStats{
		Pending:   qs.count,
		Capacity:  qs.capacity,
		Received:  qs.received,
		Delivered: qs.delivered,
		Resizes:   qs.resizes,
	}
}

// Close detaches the subscriber and wakes a blocked Receive.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		s.q.close()
	})
}
