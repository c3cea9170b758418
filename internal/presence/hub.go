// ABOUTME: In-memory best-effort broadcast of typing indicators
// ABOUTME: Fire-and-forget per conversation key, never persisted, drops under load

package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// Presence is advisory: small buffers, silent drops.
	subscriberBufferSize = 8
)

// TypingEvent is an ephemeral signal that a participant is typing. It carries
// no ordering guarantee relative to messages or to other typing events; a
// stale event may arrive after the typed message itself.
type TypingEvent struct {
	ConversationKey string
	SenderID        string
	At              time.Time
}

// Publisher is the send side of the typing channel. Implementations never
// block and never surface failures to the user; presence degrades silently.
type Publisher interface {
	PublishTyping(ctx context.Context, conversationKey, senderID string)
}

// Hub is the in-process presence transport. Subscribers register for a
// conversation key and receive typing events while subscribed.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *TypingEvent
	logger      *slog.Logger
}

// NewHub creates a presence hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[string]chan *TypingEvent),
		logger:      logger.With("component", "presence"),
	}
}

// Subscribe registers a listener for typing events on the given conversation
// key. The subscription is released when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, conversationKey string) (<-chan *TypingEvent, string) {
	subID := uuid.New().String()
	ch := make(chan *TypingEvent, subscriberBufferSize)

	h.mu.Lock()
	if _, ok := h.subscribers[conversationKey]; !ok {
		h.subscribers[conversationKey] = make(map[string]chan *TypingEvent)
	}
	h.subscribers[conversationKey][subID] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.Unsubscribe(conversationKey, subID)
	}()

	return ch, subID
}

// PublishTyping broadcasts a typing event to all listeners of the key.
// Never blocks; events for full subscriber channels are dropped without
// correctness impact.
func (h *Hub) PublishTyping(_ context.Context, conversationKey, senderID string) {
	event := &TypingEvent{
		ConversationKey: conversationKey,
		SenderID:        senderID,
		At:              time.Now(),
	}

	// Sends stay under the read lock so they cannot race the close in
	// Unsubscribe, which holds the write lock.
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers[conversationKey] {
		select {
		case ch <- event:
		default:
			// Advisory signal; drop for slow listeners
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(conversationKey, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[conversationKey]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(h.subscribers, conversationKey)
	}
}

// Close shuts down the hub and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for key, subs := range h.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(h.subscribers, key)
	}
}

var _ Publisher = (*Hub)(nil)
