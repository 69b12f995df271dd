// Package updater fans node connectivity changes out to subscribers such as
// UI sessions. It implements link.Broadcaster.
package updater

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind names the resource an update refers to.
type Kind string

const KindNodes Kind = "Nodes"

// Update tells subscribers that a node's connectivity changed.
type Update struct {
	Kind      Kind      `json:"type"`
	Node      uuid.UUID `json:"node"`
	Connected bool      `json:"connected"`
}

const DefaultBuffer = 64

type Hub struct {
	log *zap.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan Update
	closed bool
}

func New(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{log: log, subs: make(map[uint64]chan Update)}
}

// Subscribe returns a channel of updates and a func that cancels the
// subscription and closes the channel. Updates are dropped for subscribers
// whose buffer is full.
func (h *Hub) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Update, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.unsubscribe(id) })
	}
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Broadcast delivers u to every subscriber without blocking.
func (h *Hub) Broadcast(u Update) {
	// Sends happen under the lock so a concurrent unsubscribe cannot close
	// a channel mid-send. They never block.
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- u:
		default:
			h.log.Debug("Dropped update for slow subscriber", zap.Uint64("subscriber", id), zap.Stringer("node", u.Node))
		}
	}
}

// ConnectivityChanged implements link.Broadcaster.
func (h *Hub) ConnectivityChanged(id uuid.UUID, connected bool) {
	h.Broadcast(Update{Kind: KindNodes, Node: id, Connected: connected})
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription. Later subscribers get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
