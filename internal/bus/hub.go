package bus

import (
	"context"
	"errors"
	"sync"
)

// AllChannels subscribes to events of every run.
const AllChannels = ""

var ErrClosed = errors.New("subscription closed")

// Hub is an in-process Publisher with per-channel subscribers.
// Each subscriber owns an unbounded FIFO queue, so every event published on a
// channel is delivered exactly once and in publish order to every subscription
// which existed at publish time.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe joins a channel. Use AllChannels to receive everything.
func (h *Hub) Subscribe(channel string) *Subscription {
	s := &Subscription{
		hub:     h,
		channel: channel,
		ready:   make(chan struct{}, 1),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*Subscription]struct{})
	}
	h.subs[channel][s] = struct{}{}
	return s
}

// Subscribers returns the number of subscriptions joined to channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

func (h *Hub) Publish(_ context.Context, event string, payload any, channel string) error {
	ev := Event{Name: event, Channel: channel, Payload: payload}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[channel] {
		s.push(ev)
	}
	if channel != AllChannels {
		for s := range h.subs[AllChannels] {
			s.push(ev)
		}
	}
	return nil
}

func (h *Hub) leave(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[s.channel]
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.subs, s.channel)
	}
}

type Subscription struct {
	hub     *Hub
	channel string

	mu     sync.Mutex
	queue  []Event
	closed bool
	ready  chan struct{}
}

func (s *Subscription) Channel() string {
	return s.channel
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, ctx is done or the subscription is
// closed. Events queued before Close are still returned.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.ready:
		}
	}
}

// Close leaves the channel. It is safe to call Close more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.leave(s)
	select {
	case s.ready <- struct{}{}:
	default:
	}
}
