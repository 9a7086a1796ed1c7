// Package notify wakes readers blocked on the event log when new entries land.
package notify

import (
	"sync"
	"sync/atomic"
)

// defaultSignalBufferSize is the buffer size for append signal channels.
// Subscribers that can't keep up will have signals dropped (non-blocking send).
const defaultSignalBufferSize = 16

// Signal announces one appended notification.
type Signal struct {
	Sequence uint64
	SourceID string
	Kind     string
}

// Filter restricts which signals a subscriber receives. Empty fields match everything.
type Filter struct {
	SourceIDs []string
	Kinds     []string
}

type subscription struct {
	id     uint64
	filter Filter
	ch     chan Signal
	closed atomic.Bool
}

func (s *subscription) matches(sig Signal) bool {
	return matchAny(s.filter.SourceIDs, sig.SourceID) && matchAny(s.filter.Kinds, sig.Kind)
}

func matchAny(allowed []string, v string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == v {
			return true
		}
	}
	return false
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub fans append signals out to subscribers. Safe for concurrent use.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal sends to all matching subscribers without blocking.
func (h *Hub) Signal(sig Signal) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(sig) {
			continue
		}

		select {
		case sub.ch <- sig:
		default:
			// Buffer full; the subscriber re-reads the log anyway
		}
	}
}

// Subscribe registers a subscriber and returns its buffered channel and an idempotent cancel.
// Signals are hints: a slow subscriber may miss some and must re-read the log to catch up.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Signal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(sub.id) }
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
