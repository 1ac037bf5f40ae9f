// Package hub provides in-process publish/subscribe registries keyed by
// device id, used to push trigger and capture events to live listeners.
package hub

import "sync"

// BroadcastKey is the reserved key whose subscribers see every event on hubs
// configured with broadcast fan-out.
const BroadcastKey = "all"

// DefaultQueueSize bounds each subscriber's queue. A slow subscriber loses
// its oldest pending events rather than stalling publishers.
const DefaultQueueSize = 16

// Hub is a concurrent pub/sub registry. The trigger hub and the capture hub
// are two instances of this one structure; the capture hub additionally fans
// every publish out to the broadcast key's subscribers.
//
// Closed subscriber channels are the shutdown sentinel: after Close every
// queue is closed, and new subscriptions return an already-closed channel.
type Hub[T any] struct {
	queueSize int
	fanOutAll bool

	mu     sync.RWMutex
	closed bool
	subs   map[string]map[chan T]struct{}
}

// New builds a hub. fanOutAll enables the broadcast-key fan-out on every
// publish (capture hub behaviour).
func New[T any](queueSize int, fanOutAll bool) *Hub[T] {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub[T]{
		queueSize: queueSize,
		fanOutAll: fanOutAll,
		subs:      make(map[string]map[chan T]struct{}),
	}
}

// Subscribe registers a new queue under key. On a closed hub the returned
// channel is already closed.
func (h *Hub[T]) Subscribe(key string) chan T {
	ch := make(chan T, h.queueSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	set := h.subs[key]
	if set == nil {
		set = make(map[chan T]struct{})
		h.subs[key] = set
	}
	set[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a queue and closes it so any pending reader wakes up.
func (h *Hub[T]) Unsubscribe(key string, ch chan T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[key]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(h.subs, key)
	}
	close(ch)
}

// Publish fans msg out to every queue under key (and, when broadcast
// fan-out is enabled, to the broadcast key's queues). Publishers never
// block: a full queue drops its oldest event first.
func (h *Hub[T]) Publish(key string, msg T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for ch := range h.subs[key] {
		deliver(ch, msg)
	}
	if h.fanOutAll && key != BroadcastKey {
		for ch := range h.subs[BroadcastKey] {
			deliver(ch, msg)
		}
	}
}

func deliver[T any](ch chan T, msg T) {
	select {
	case ch <- msg:
		return
	default:
	}
	// Queue full: drop the oldest pending event and retry once. If another
	// reader raced us the retry may still fail; the event is then dropped.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- msg:
	default:
	}
}

// Close shuts the hub down: every subscriber queue is closed (waking blocked
// readers) and further subscriptions immediately yield closed channels.
// Close is idempotent.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.subs {
		for ch := range set {
			close(ch)
		}
	}
	h.subs = make(map[string]map[chan T]struct{})
}
