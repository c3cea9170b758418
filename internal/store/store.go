// ABOUTME: Store interface and data types for support-chat persistence
// ABOUTME: Defines Conversation, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrActiveConversationExists is returned when trying to create a second
// non-closed conversation for the same client
var ErrActiveConversationExists = errors.New("active conversation already exists")

// ErrEmptyMessage is returned when a message carries neither text nor an attachment
var ErrEmptyMessage = errors.New("message has no content and no attachment")

// ErrStatusConflict is returned when a conditional status update finds the
// conversation no longer in the expected status. Callers re-read the row and
// re-validate against the current status.
var ErrStatusConflict = errors.New("conversation status changed concurrently")

// Status values for a conversation. A client has at most one conversation
// whose status is not StatusClosed.
const (
	StatusPending  = "pending"
	StatusInReview = "in_review"
	StatusRead     = "read"
	StatusResolved = "resolved"
	StatusClosed   = "closed"
)

// Conversation is the unit of lifecycle state between one client and one agent.
// AgentID is nil until assignment completes. Once Status is StatusClosed the row
// is read-only history; a new client contact starts a fresh conversation.
type Conversation struct {
	ID        string
	ClientID  string
	AgentID   *string
	Status    string
	CreatedAt time.Time
	ClosedAt  *time.Time
	ClosedBy  *string
}

// Closed reports whether the conversation has been closed.
func (c *Conversation) Closed() bool {
	return c.Status == StatusClosed
}

// Attachment references a stored binary object. Bytes are never inlined here;
// the path resolves through the attachment store at render time.
type Attachment struct {
	Path     string
	MimeType string
}

// Message is a single ordered, immutable unit of content within a conversation.
// Seq is assigned at append time and is the ordering key; IsRead is the only
// field mutated after insert.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        *string
	Attachment     *Attachment
	Seq            int64
	IsRead         bool
	CreatedAt      time.Time
}

// Text returns the message content, or "" for attachment-only messages.
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetActiveConversation(ctx context.Context, clientID string) (*Conversation, error)
	UpdateConversationStatus(ctx context.Context, id, fromStatus, toStatus string, closedAt *time.Time, closedBy *string) error
	UpdateConversationAgent(ctx context.Context, id, agentID string) error
	ListClosedConversations(ctx context.Context, clientID string) ([]*Conversation, error)
	CountActiveConversations(ctx context.Context, agentID string) (int, error)

	// Messages (append-only ordered log)
	AppendMessage(ctx context.Context, msg *Message) error
	ConversationMessages(ctx context.Context, conversationID string) ([]*Message, error)
	MarkMessageRead(ctx context.Context, messageID string) error

	// Close releases any resources held by the store
	Close() error
}
