// ABOUTME: Conversation lifecycle state machine for the support-chat core
// ABOUTME: All status and agent mutations flow through here - never written directly

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jordanzfar/supportchat/internal/broadcast"
	"github.com/jordanzfar/supportchat/internal/store"
)

// ErrInvalidTransition is returned when a status change is not allowed by the
// state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrConversationClosed is returned when a transition is attempted on a closed
// conversation. Closed conversations are immutable history; the only way
// forward is a reopen, which starts a new conversation.
var ErrConversationClosed = errors.New("conversation is closed")

// ErrAgentRequired is returned when a transition that records an acting agent
// (resolve, close) is attempted without one.
var ErrAgentRequired = errors.New("acting agent required")

// transitions is the allowed status transition matrix. closed has no outgoing
// transitions at the API level: reopening materializes as a new conversation.
var transitions = map[string][]string{
	store.StatusPending:  {store.StatusInReview, store.StatusRead, store.StatusResolved, store.StatusClosed},
	store.StatusInReview: {store.StatusRead, store.StatusResolved, store.StatusClosed},
	store.StatusRead:     {store.StatusInReview, store.StatusResolved, store.StatusClosed},
	store.StatusResolved: {store.StatusClosed},
	store.StatusClosed:   {},
}

// CanTransition reports whether the status change is allowed by the matrix.
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ConversationStore defines what the lifecycle needs from storage
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetActiveConversation(ctx context.Context, clientID string) (*store.Conversation, error)
	UpdateConversationStatus(ctx context.Context, id, fromStatus, toStatus string, closedAt *time.Time, closedBy *string) error
}

// Notifier receives status-change notifications for both participants.
// Sessions use these to update their local view without a full reload.
type Notifier interface {
	PublishStatus(participantKey string, change *broadcast.StatusChange)
}

// Service is the single entry point for conversation lifecycle mutations.
// Conversation.status and agentId are the only fields touched by more than
// one actor; routing every mutation through here preserves the
// single-active-conversation-per-client invariant under concurrent activity.
type Service struct {
	store    ConversationStore
	notifier Notifier
	logger   *slog.Logger
}

// New creates a lifecycle service. Pass nil logger for default.
func New(st ConversationStore, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		notifier: notifier,
		logger:   logger.With("component", "lifecycle"),
	}
}

// GetOrCreateActive returns the single non-closed conversation for a client,
// creating one (status pending, no agent) if none exists. Two concurrent
// calls for the same client never create two active conversations: the
// store's uniqueness constraint rejects the loser, which then re-reads the
// winner's row.
func (s *Service) GetOrCreateActive(ctx context.Context, clientID string) (*store.Conversation, error) {
	conv, err := s.store.GetActiveConversation(ctx, clientID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up active conversation: %w", err)
	}

	conv = &store.Conversation{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		Status:    store.StatusPending,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		// Handle race condition: another request may have created the
		// conversation between our lookup and insert attempt
		if errors.Is(err, store.ErrActiveConversationExists) {
			existing, lookupErr := s.store.GetActiveConversation(ctx, clientID)
			if lookupErr == nil {
				s.logger.Debug("found existing conversation after race",
					"conversation_id", existing.ID,
					"client_id", clientID)
				return existing, nil
			}
			s.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
		}
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"client_id", clientID)
	return conv, nil
}

// transitionAttempts bounds the re-validation loop when concurrent
// transitions keep moving the status between read and write.
const transitionAttempts = 3

// Transition moves a conversation to a new status. Transitions out of closed
// are rejected with ErrConversationClosed; transitions not in the matrix with
// ErrInvalidTransition. Setting resolved or closed requires actingAgentID;
// closing records closedAt and closedBy. Every successful transition emits a
// status-changed notification to both participants.
//
// The status write is a compare-and-swap against the status read here. If a
// concurrent transition wins the race, the conversation is re-read and the
// change re-validated against its current status, so a closed conversation
// can never be moved back to an open status.
func (s *Service) Transition(ctx context.Context, conversationID, newStatus, actingAgentID string) (*store.Conversation, error) {
	if (newStatus == store.StatusResolved || newStatus == store.StatusClosed) && actingAgentID == "" {
		return nil, ErrAgentRequired
	}

	var lastErr error
	for attempt := 0; attempt < transitionAttempts; attempt++ {
		conv, err := s.store.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("loading conversation: %w", err)
		}

		if conv.Closed() {
			return nil, ErrConversationClosed
		}
		if !CanTransition(conv.Status, newStatus) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, conv.Status, newStatus)
		}

		var closedAt *time.Time
		var closedBy *string
		if newStatus == store.StatusClosed {
			now := time.Now()
			closedAt = &now
			closedBy = &actingAgentID
		}

		err = s.store.UpdateConversationStatus(ctx, conversationID, conv.Status, newStatus, closedAt, closedBy)
		if errors.Is(err, store.ErrStatusConflict) {
			s.logger.Debug("status moved during transition, re-validating",
				"conversation_id", conversationID,
				"expected", conv.Status,
				"to", newStatus)
			lastErr = err
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("updating status: %w", err)
		}

		oldStatus := conv.Status
		conv.Status = newStatus
		conv.ClosedAt = closedAt
		conv.ClosedBy = closedBy

		s.logger.Info("conversation transitioned",
			"conversation_id", conv.ID,
			"from", oldStatus,
			"to", newStatus,
			"acting_agent", actingAgentID)

		s.notifyStatus(conv, oldStatus, newStatus)
		return conv, nil
	}

	return nil, fmt.Errorf("updating status: %w", lastErr)
}

// ReopenOnClientActivity revives a client's thread after closure. Called
// internally whenever a client sends while their conversation is in a closed
// view; never reachable as a direct status transition.
//
// The closed conversation stays immutable: if the active conversation is
// resolved it is closed first (closedBy set to its assigned agent), then a
// fresh pending conversation is created. If the client has an active,
// unresolved conversation there is nothing to reopen and it is returned
// unchanged.
func (s *Service) ReopenOnClientActivity(ctx context.Context, clientID string) (*store.Conversation, error) {
	conv, err := s.store.GetActiveConversation(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Prior conversation already closed; start a new thread
			return s.GetOrCreateActive(ctx, clientID)
		}
		return nil, fmt.Errorf("looking up active conversation: %w", err)
	}

	if conv.Status != store.StatusResolved {
		return conv, nil
	}

	// Seal the resolved thread before opening a new one
	now := time.Now()
	closedBy := ""
	if conv.AgentID != nil {
		closedBy = *conv.AgentID
	}
	err = s.store.UpdateConversationStatus(ctx, conv.ID, store.StatusResolved, store.StatusClosed, &now, &closedBy)
	if errors.Is(err, store.ErrStatusConflict) {
		// Someone else sealed the resolved thread first. The only
		// transition out of resolved is closed, so fall through to the
		// fresh-thread path.
		return s.GetOrCreateActive(ctx, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("closing resolved conversation: %w", err)
	}

	oldStatus := conv.Status
	conv.Status = store.StatusClosed
	conv.ClosedAt = &now
	conv.ClosedBy = &closedBy
	s.notifyStatus(conv, oldStatus, store.StatusClosed)

	s.logger.Info("conversation reopened as new thread",
		"closed_conversation_id", conv.ID,
		"client_id", clientID)

	return s.GetOrCreateActive(ctx, clientID)
}

// notifyStatus publishes a status change to both participant keys.
func (s *Service) notifyStatus(conv *store.Conversation, oldStatus, newStatus string) {
	if s.notifier == nil {
		return
	}
	change := &broadcast.StatusChange{
		Conversation: conv,
		OldStatus:    oldStatus,
		NewStatus:    newStatus,
	}
	s.notifier.PublishStatus(conv.ClientID, change)
	if conv.AgentID != nil {
		s.notifier.PublishStatus(*conv.AgentID, change)
	}
}
