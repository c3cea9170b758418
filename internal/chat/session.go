// ABOUTME: ChatSession orchestrator tying storage, lifecycle, roster, and transports together
// ABOUTME: One session per connected participant; owns subscriptions, typing state, and the event stream

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordanzfar/supportchat/internal/attach"
	"github.com/jordanzfar/supportchat/internal/broadcast"
	"github.com/jordanzfar/supportchat/internal/dedupe"
	"github.com/jordanzfar/supportchat/internal/identity"
	"github.com/jordanzfar/supportchat/internal/lifecycle"
	"github.com/jordanzfar/supportchat/internal/presence"
	"github.com/jordanzfar/supportchat/internal/relay"
	"github.com/jordanzfar/supportchat/internal/roster"
	"github.com/jordanzfar/supportchat/internal/store"
)

// Session errors
var (
	ErrSessionClosed     = errors.New("session closed")
	ErrNoAttachment      = errors.New("message has no attachment")
	ErrConversationID    = errors.New("agent sessions require a conversation id")
	ErrWrongConversation = errors.New("pair does not match this session's conversation")
)

// DeliveryError is returned when an append exhausts its retries. Draft holds
// the message exactly as it would have been stored so the caller can re-offer
// it; the content is never silently dropped.
type DeliveryError struct {
	Draft *store.Message
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("message delivery failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// State is the connection phase of a session.
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
)

// View is how the session currently renders its conversation. Resolved and
// closed conversations show as ViewClosed; a client sending from that view
// starts a fresh thread.
type View string

const (
	ViewActive View = "active"
	ViewClosed View = "closed"
)

// TypingNotice reports a change of a participant's typing flag.
type TypingNotice struct {
	UserID string
	Active bool
}

// Event is one item on the session's ordered event stream. Exactly one field
// is non-nil.
type Event struct {
	Message *store.Message
	Status  *broadcast.StatusChange
	Typing  *TypingNotice
}

// ClosedConversation is a sealed conversation annotated for history views.
type ClosedConversation struct {
	*store.Conversation
	ClosedByName string
}

// Deps bundles the collaborators a session needs. Store, Lifecycle, Roster,
// and Broadcast are required; Presence, Attachments, and Relay are optional
// and their features degrade to no-ops when absent.
type Deps struct {
	Store       store.Store
	Lifecycle   *lifecycle.Service
	Roster      *roster.Manager
	Broadcast   *broadcast.Broadcaster
	PresenceHub *presence.Hub
	Presence    presence.Publisher
	Attachments attach.Store
	Relay       relay.Publisher
	Logger      *slog.Logger

	DebounceWindow time.Duration
	TypingTTL      time.Duration
	URLTTL         time.Duration
}

const (
	appendAttempts     = 3
	appendBackoff      = 100 * time.Millisecond
	eventBufferSize    = 64
	typingChangeBuffer = 16
	seenTTL            = 10 * time.Minute
	seenMax            = 4096
)

// Session is one participant's live attachment to their conversation. It
// exposes a single ordered event stream and routes every mutation through
// the lifecycle service so invariants hold across concurrent sessions.
type Session struct {
	deps Deps
	id   identity.Identity
	log  *slog.Logger

	mu     sync.Mutex
	conv   *store.Conversation
	state  State
	view   View
	closed bool

	events        chan *Event
	typingChanges chan TypingNotice

	limiter *presence.Limiter
	tracker *presence.Tracker
	seen    *dedupe.SeenSet

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open attaches a participant to a conversation and starts the event stream.
// Clients pass an empty conversationID: their single active conversation is
// found or created, and assignment is attempted (a missing agent is logged,
// not fatal; see EnsureAssigned). Agents address an explicit conversation;
// opening a pending one claims it and moves it to in_review.
func Open(ctx context.Context, deps Deps, id identity.Identity, conversationID string) (*Session, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		deps:          deps,
		id:            id,
		log:           logger.With("component", "chat", "user_id", id.UserID, "role", string(id.Role)),
		state:         StateConnecting,
		view:          ViewActive,
		events:        make(chan *Event, eventBufferSize),
		typingChanges: make(chan TypingNotice, typingChangeBuffer),
		limiter:       presence.NewLimiter(deps.DebounceWindow),
		seen:          dedupe.New(seenTTL, seenMax),
	}
	s.tracker = presence.NewTracker(deps.TypingTTL, s.onTypingChange)

	conv, err := s.resolveConversation(ctx, conversationID)
	if err != nil {
		s.tracker.Stop()
		s.seen.Close()
		return nil, err
	}
	s.conv = conv
	if conv.Status == store.StatusResolved || conv.Closed() {
		s.view = ViewClosed
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	msgCh, _ := deps.Broadcast.Subscribe(loopCtx, id.UserID)
	var typingCh <-chan *presence.TypingEvent
	if deps.PresenceHub != nil {
		typingCh, _ = deps.PresenceHub.Subscribe(loopCtx, s.threadKey())
	}

	s.wg.Add(1)
	go s.loop(loopCtx, msgCh, typingCh)

	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()

	s.log.Info("session opened", "conversation_id", conv.ID, "status", conv.Status)
	return s, nil
}

func (s *Session) resolveConversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	if s.id.Role == identity.RoleAgent {
		if conversationID == "" {
			return nil, ErrConversationID
		}
		conv, err := s.deps.Store.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("loading conversation: %w", err)
		}
		if conv.AgentID == nil && !conv.Closed() {
			if err := s.deps.Store.UpdateConversationAgent(ctx, conv.ID, s.id.UserID); err != nil {
				return nil, fmt.Errorf("claiming conversation: %w", err)
			}
			agentID := s.id.UserID
			conv.AgentID = &agentID
		}
		if conv.Status == store.StatusPending {
			updated, err := s.deps.Lifecycle.Transition(ctx, conv.ID, store.StatusInReview, s.id.UserID)
			if err != nil {
				return nil, fmt.Errorf("marking in review: %w", err)
			}
			conv = updated
		}
		return conv, nil
	}

	conv, err := s.deps.Lifecycle.GetOrCreateActive(ctx, s.id.UserID)
	if err != nil {
		return nil, err
	}
	if _, err := s.assign(ctx, conv); err != nil {
		if errors.Is(err, roster.ErrNoAgentAvailable) {
			// Not fatal: the pending conversation waits, EnsureAssigned retries
			s.log.Info("no agent available yet", "conversation_id", conv.ID)
		} else {
			return nil, err
		}
	}
	return conv, nil
}

// assign binds an agent to the conversation if none is bound, persisting the
// binding. Idempotent.
func (s *Session) assign(ctx context.Context, conv *store.Conversation) (*roster.Agent, error) {
	agent, err := s.deps.Roster.Assign(ctx, conv)
	if err != nil {
		return nil, err
	}
	if conv.AgentID == nil {
		if err := s.deps.Store.UpdateConversationAgent(ctx, conv.ID, agent.ID); err != nil {
			return nil, fmt.Errorf("persisting assignment: %w", err)
		}
		agentID := agent.ID
		conv.AgentID = &agentID
		s.log.Info("agent assigned", "conversation_id", conv.ID, "agent_id", agent.ID)
	}
	return agent, nil
}

// EnsureAssigned makes sure the session's conversation has an agent bound,
// assigning one if possible. Returns roster.ErrNoAgentAvailable (retryable)
// when the roster has nobody free; the conversation is kept and reused, so
// retrying never creates a second thread.
func (s *Session) EnsureAssigned(ctx context.Context) (*roster.Agent, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	conv := s.conv
	s.mu.Unlock()

	return s.assign(ctx, conv)
}

// Send appends a message to the conversation and fans it out. An empty
// payload fails with store.ErrEmptyMessage before any side effect. A client
// sending from the closed view starts a fresh thread first. The append is
// retried with backoff; on exhaustion the returned *DeliveryError carries
// the draft.
func (s *Session) Send(ctx context.Context, content string, attachment *store.Attachment) (*store.Message, error) {
	if content == "" && attachment == nil {
		return nil, store.ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	conv := s.conv
	view := s.view
	s.mu.Unlock()

	if s.id.Role == identity.RoleClient && view == ViewClosed {
		fresh, err := s.deps.Lifecycle.ReopenOnClientActivity(ctx, s.id.UserID)
		if err != nil {
			return nil, fmt.Errorf("reopening conversation: %w", err)
		}
		if _, err := s.assign(ctx, fresh); err != nil && !errors.Is(err, roster.ErrNoAgentAvailable) {
			return nil, err
		}
		s.mu.Lock()
		s.conv = fresh
		s.view = ViewActive
		s.mu.Unlock()
		conv = fresh
		s.log.Info("thread reopened by client send", "conversation_id", fresh.ID)
	}

	var contentPtr *string
	if content != "" {
		contentPtr = &content
	}
	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       s.id.UserID,
		ReceiverID:     s.counterpart(conv),
		Content:        contentPtr,
		Attachment:     attachment,
	}

	if err := s.appendWithRetry(ctx, msg); err != nil {
		return nil, &DeliveryError{Draft: msg, Err: err}
	}

	// Our own broadcast echo must not re-emit on the event stream
	s.seen.Observe(msg.ID)

	s.deps.Broadcast.PublishMessage(conv.ClientID, msg)
	if conv.AgentID != nil {
		s.deps.Broadcast.PublishMessage(*conv.AgentID, msg)
	}

	s.mirror(ctx, msg)
	return msg, nil
}

// SendDirect is the legacy pair-addressed entry point. The (sender, receiver)
// pair is translated to the session's conversation at this boundary;
// everything past it is keyed by conversation ID.
func (s *Session) SendDirect(ctx context.Context, senderID, receiverID, content string, attachment *store.Attachment) (*store.Message, error) {
	if senderID != s.id.UserID {
		return nil, fmt.Errorf("%w: sender %q is not the session user", ErrWrongConversation, senderID)
	}

	clientID := senderID
	if s.id.Role == identity.RoleAgent {
		clientID = receiverID
	}

	s.mu.Lock()
	conv := s.conv
	s.mu.Unlock()
	if conv.ClientID != clientID {
		return nil, fmt.Errorf("%w: client %q", ErrWrongConversation, clientID)
	}

	return s.Send(ctx, content, attachment)
}

// appendWithRetry persists the message, retrying transient failures with
// exponential backoff. Validation failures are permanent and not retried.
func (s *Session) appendWithRetry(ctx context.Context, msg *store.Message) error {
	backoff := appendBackoff
	var lastErr error

	for attempt := 1; attempt <= appendAttempts; attempt++ {
		err := s.deps.Store.AppendMessage(ctx, msg)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrEmptyMessage) || errors.Is(err, store.ErrNotFound) {
			return err
		}
		lastErr = err
		s.log.Warn("append failed",
			"conversation_id", msg.ConversationID,
			"attempt", attempt,
			"error", err)

		if attempt == appendAttempts {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return lastErr
}

// mirror publishes the stored message to the external relay. Best effort:
// the store already holds the truth, so failures are logged and swallowed.
func (s *Session) mirror(ctx context.Context, msg *store.Message) {
	if s.deps.Relay == nil {
		return
	}
	payload := relay.MessageAppended{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Content:        msg.Content,
		Seq:            msg.Seq,
		CreatedAt:      msg.CreatedAt,
	}
	if msg.Attachment != nil {
		payload.AttachmentPath = msg.Attachment.Path
	}
	env := relay.NewEnvelope(relay.EventMessageAppended, msg.ID, payload)
	if err := s.deps.Relay.Publish(ctx, relay.RoutingKey(msg.ConversationID), env); err != nil {
		s.log.Warn("relay publish failed", "conversation_id", msg.ConversationID, "error", err)
	}
}

// Typing signals that this participant is composing. Leading-edge limited:
// the first call in a burst publishes immediately, repeats inside the
// debounce window are dropped. Fire and forget.
func (s *Session) Typing(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	key := s.threadKey()
	s.mu.Unlock()

	if !s.limiter.Allow(key + "|" + s.id.UserID) {
		return
	}
	if s.deps.Presence != nil {
		s.deps.Presence.PublishTyping(ctx, key, s.id.UserID)
	} else if s.deps.PresenceHub != nil {
		s.deps.PresenceHub.PublishTyping(ctx, key, s.id.UserID)
	}
}

// Events returns the session's ordered event stream. Messages are
// de-duplicated by ID, so redelivered broadcasts surface once. The channel
// closes when the session does.
func (s *Session) Events() <-chan *Event {
	return s.events
}

// IsTyping reports whether the given participant's typing flag is currently
// set on this session.
func (s *Session) IsTyping(userID string) bool {
	return s.tracker.IsTyping(userID)
}

// History replays the conversation's full ordered message log from storage.
func (s *Session) History(ctx context.Context) ([]*store.Message, error) {
	s.mu.Lock()
	conv := s.conv
	s.mu.Unlock()
	return s.deps.Store.ConversationMessages(ctx, conv.ID)
}

// ClosedConversations lists the thread's sealed conversations, newest first,
// annotated with the closing agent's display name.
func (s *Session) ClosedConversations(ctx context.Context) ([]*ClosedConversation, error) {
	s.mu.Lock()
	clientID := s.conv.ClientID
	s.mu.Unlock()

	convs, err := s.deps.Store.ListClosedConversations(ctx, clientID)
	if err != nil {
		return nil, err
	}

	out := make([]*ClosedConversation, 0, len(convs))
	for _, c := range convs {
		annotated := &ClosedConversation{Conversation: c}
		if c.ClosedBy != nil && *c.ClosedBy != "" {
			annotated.ClosedByName = s.deps.Roster.DisplayName(*c.ClosedBy)
		}
		out = append(out, annotated)
	}
	return out, nil
}

// AttachmentURL mints a fresh signed URL for the message's attachment.
// Called per render, so an expired URL heals on the next call.
func (s *Session) AttachmentURL(msg *store.Message) (string, error) {
	if msg.Attachment == nil {
		return "", ErrNoAttachment
	}
	if s.deps.Attachments == nil {
		return "", errors.New("attachment store not configured")
	}
	return s.deps.Attachments.SignedURL(msg.Attachment.Path, s.deps.URLTTL)
}

// MarkRead flags a message as read. The sole mutation messages admit.
func (s *Session) MarkRead(ctx context.Context, messageID string) error {
	return s.deps.Store.MarkMessageRead(ctx, messageID)
}

// SetStatus moves the conversation to the given status. Agent-only; clients
// get identity.ErrForbidden. The matrix in the lifecycle service decides
// validity.
func (s *Session) SetStatus(ctx context.Context, status string) error {
	if err := identity.RequireAgent(s.id); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	convID := s.conv.ID
	s.mu.Unlock()

	updated, err := s.deps.Lifecycle.Transition(ctx, convID, status, s.id.UserID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conv = updated
	if status == store.StatusResolved || status == store.StatusClosed {
		s.view = ViewClosed
	}
	s.mu.Unlock()
	return nil
}

// Resolve marks the conversation resolved. Agent-only.
func (s *Session) Resolve(ctx context.Context) error {
	return s.SetStatus(ctx, store.StatusResolved)
}

// CloseConversation seals the conversation permanently. Agent-only.
func (s *Session) CloseConversation(ctx context.Context) error {
	return s.SetStatus(ctx, store.StatusClosed)
}

// Conversation returns a copy of the session's current conversation.
func (s *Session) Conversation() store.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.conv
}

// State returns the session's connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// View returns how the conversation currently renders.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Close releases subscriptions and typing state and closes the event
// stream. In-flight Sends complete against the store; only the live stream
// stops. Safe to call once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.tracker.Stop()
	s.seen.Close()
	close(s.events)
	s.log.Info("session closed")
}

// threadKey is the stable presence key for the conversation thread. Keyed by
// client so it survives reopen (which swaps conversation IDs).
func (s *Session) threadKey() string {
	return "thread:" + s.conv.ClientID
}

// counterpart returns the other participant's ID, or "" when no agent is
// bound yet.
func (s *Session) counterpart(conv *store.Conversation) string {
	if s.id.Role == identity.RoleAgent {
		return conv.ClientID
	}
	if conv.AgentID != nil {
		return *conv.AgentID
	}
	return ""
}

// onTypingChange feeds tracker flag flips into the event loop. Fires from
// timer goroutines; never blocks.
func (s *Session) onTypingChange(key string, typing bool) {
	select {
	case s.typingChanges <- TypingNotice{UserID: key, Active: typing}:
	default:
	}
}

// loop merges broadcast events, typing events, and tracker flips into the
// single ordered session stream.
func (s *Session) loop(ctx context.Context, msgCh <-chan *broadcast.Event, typingCh <-chan *presence.TypingEvent) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-msgCh:
			if !ok {
				return
			}
			s.handleBroadcast(ev)

		case ev, ok := <-typingCh:
			if !ok {
				typingCh = nil
				continue
			}
			if ev.SenderID == s.id.UserID {
				continue
			}
			s.tracker.Observe(ev.SenderID)

		case notice := <-s.typingChanges:
			s.emit(&Event{Typing: &notice})
		}
	}
}

func (s *Session) handleBroadcast(ev *broadcast.Event) {
	switch {
	case ev.Message != nil:
		// At-least-once transport: drop redeliveries and our own echo
		if s.seen.Observe(ev.Message.ID) {
			return
		}
		s.tracker.Clear(ev.Message.SenderID)
		s.emit(&Event{Message: ev.Message})

	case ev.Status != nil:
		s.applyStatus(ev.Status)
		s.emit(&Event{Status: ev.Status})
	}
}

// applyStatus flips the session view when its conversation resolves or
// closes. No history reload: ClosedBy/ClosedAt ride on the notification.
func (s *Session) applyStatus(change *broadcast.StatusChange) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if change.Conversation == nil || change.Conversation.ID != s.conv.ID {
		return
	}
	s.conv = change.Conversation
	switch change.NewStatus {
	case store.StatusResolved, store.StatusClosed:
		s.view = ViewClosed
	default:
		s.view = ViewActive
	}
}

func (s *Session) emit(ev *Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event dropped, consumer too slow")
	}
}
