// ABOUTME: Event envelope for mirrored conversation messages
// ABOUTME: Versioned type, correlation metadata, routing key derivation

package relay

import (
	"time"

	"github.com/google/uuid"
)

// Event type published for every appended message.
const EventMessageAppended = "support.message.appended.v1"

// Producer identifies this service in emitted events.
const Producer = "supportchat"

// Meta carries event identity and tracing fields.
type Meta struct {
	// Trace / request correlation ID
	CorrelationID *string `json:"correlation_id,omitempty"`
	// Unique event ID; reused across redeliveries of the same message
	ID string `json:"id"`
	// Emitting service
	Producer *string `json:"producer,omitempty"`
	// Timestamp when the event was emitted
	Time time.Time `json:"time"`
	// Event name and version
	Type string `json:"type"`
}

// Envelope is the wire form of a mirrored event.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// MessageAppended is the payload mirrored for every stored message.
type MessageAppended struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	ReceiverID     string    `json:"receiver_id,omitempty"`
	Content        *string   `json:"content,omitempty"`
	AttachmentPath string    `json:"attachment_path,omitempty"`
	Seq            int64     `json:"seq"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewEnvelope wraps a payload with fresh metadata. The message ID doubles as
// the event ID so downstream consumers can dedupe redeliveries.
func NewEnvelope(eventType, eventID string, data any) Envelope {
	if eventID == "" {
		eventID = uuid.NewString()
	}
	producer := Producer
	return Envelope{
		Meta: Meta{
			ID:       eventID,
			Producer: &producer,
			Time:     time.Now(),
			Type:     eventType,
		},
		Data: data,
	}
}

// RoutingKey returns the topic key for a conversation's events. Consumers
// bind "support.*" for the full stream or "support.<id>" for one
// conversation.
func RoutingKey(conversationID string) string {
	return "support." + conversationID
}
