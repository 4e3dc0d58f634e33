package replica

import (
	"context"
	"sync"
)

// Hub fans snapshots out to in-process subscribers. Each subscriber owns a
// goroutine draining an unbounded queue, so a slow reader never blocks a
// writer and never misses a revision.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	mu     sync.Mutex
	queue  []Update
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe registers a subscriber for key, queues initial as its first
// update and returns the delivery channel.
func (h *Hub) Subscribe(ctx context.Context, key string, initial Update) <-chan Update {
	s := &subscriber{signal: make(chan struct{}, 1), done: make(chan struct{})}
	s.push(initial)

	h.mu.Lock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[*subscriber]struct{})
	}
	h.subs[key][s] = struct{}{}
	h.mu.Unlock()

	out := make(chan Update)
	go func() {
		defer close(out)
		defer h.remove(key, s)
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				select {
				case <-s.signal:
					continue
				case <-s.done:
					return
				case <-ctx.Done():
					return
				}
			}
			u := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
			if u.Err != nil {
				return
			}
		}
	}()
	return out
}

// Publish queues snap for every subscriber of key.
func (h *Hub) Publish(key string, snap Snapshot) {
	h.broadcast(key, Update{Snapshot: snap})
}

// Fail delivers err to every subscriber of key and ends their subscriptions.
func (h *Hub) Fail(key string, err error) {
	h.broadcast(key, Update{Err: err})
	h.mu.Lock()
	delete(h.subs, key)
	h.mu.Unlock()
}

// Subscribers returns the number of live subscriptions on key.
func (h *Hub) Subscribers(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key])
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, subs := range h.subs {
		for s := range subs {
			s.stop()
		}
		delete(h.subs, key)
	}
}

func (h *Hub) broadcast(key string, u Update) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs[key]))
	for s := range h.subs[key] {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.push(u)
	}
}

func (h *Hub) remove(key string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subs[key]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.subs, key)
		}
	}
}

func (s *subscriber) push(u Update) {
	s.mu.Lock()
	s.queue = append(s.queue, u)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}
