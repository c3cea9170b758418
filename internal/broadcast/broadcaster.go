// ABOUTME: In-memory fan-out broadcaster for persisted messages and status changes
// ABOUTME: Publishes events to all subscribers of a participant key

package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jordanzfar/supportchat/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// StatusChange describes a conversation lifecycle transition.
type StatusChange struct {
	Conversation *store.Conversation
	OldStatus    string
	NewStatus    string
}

// Event is a single item delivered to subscribers. Exactly one of Message or
// Status is set.
type Event struct {
	Message *store.Message
	Status  *StatusChange
}

// Broadcaster provides in-memory pub/sub for persisted messages and status
// notifications. Subscribers register for a participant key (client or agent
// ID) and receive events as they are persisted. Delivery is at-least-once
// overall: subscribers replay history on connect and de-duplicate by message
// ID, so dropped events for slow subscribers do not break correctness.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // participantKey -> subID -> ch
	logger      *slog.Logger
}

// New creates a broadcaster. Pass nil logger for default.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcast"),
	}
}

// Subscribe registers a subscriber for events on the given participant key.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, participantKey string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[participantKey]; !ok {
		b.subscribers[participantKey] = make(map[string]chan *Event)
	}
	b.subscribers[participantKey][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"participant_key", participantKey,
		"sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(participantKey, subID)
	}()

	return ch, subID
}

// PublishMessage sends a persisted message to all subscribers of the key.
func (b *Broadcaster) PublishMessage(participantKey string, msg *store.Message) {
	b.publish(participantKey, &Event{Message: msg})
}

// PublishStatus sends a status-change notification to all subscribers of the key.
func (b *Broadcaster) PublishStatus(participantKey string, change *StatusChange) {
	b.publish(participantKey, &Event{Status: change})
}

// publish sends an event to all subscribers of the given participant key.
// Non-blocking: events are dropped for subscribers whose channels are full.
// Sends happen under the read lock: Unsubscribe and Close only close channels
// under the write lock, so a send can never race a close. The sends are
// non-blocking, so holding the lock across them is cheap.
func (b *Broadcaster) publish(participantKey string, event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[participantKey] {
		select {
		case ch <- event:
			// Sent
		default:
			// Subscriber channel full — drop event for this subscriber
			b.logger.Debug("dropped event for slow subscriber",
				"participant_key", participantKey)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(participantKey, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[participantKey]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty participant key entries
	if len(subs) == 0 {
		delete(b.subscribers, participantKey)
	}

	b.logger.Debug("subscriber removed",
		"participant_key", participantKey,
		"sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}

	b.logger.Debug("broadcaster closed")
}
