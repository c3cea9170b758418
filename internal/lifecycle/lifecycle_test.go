// ABOUTME: Tests for the conversation lifecycle state machine
// ABOUTME: Verifies transitions, reopen semantics, and the single-active invariant

package lifecycle

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanzfar/supportchat/internal/broadcast"
	"github.com/jordanzfar/supportchat/internal/store"
)

// recordingNotifier captures status notifications per participant key
type recordingNotifier struct {
	mu      sync.Mutex
	changes map[string][]*broadcast.StatusChange
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{changes: make(map[string][]*broadcast.StatusChange)}
}

func (n *recordingNotifier) PublishStatus(key string, change *broadcast.StatusChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes[key] = append(n.changes[key], change)
}

func (n *recordingNotifier) forKey(key string) []*broadcast.StatusChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.changes[key]
}

func createTestStore(t *testing.T) *store.SQLiteStore {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newService(t *testing.T) (*Service, *store.SQLiteStore, *recordingNotifier) {
	st := createTestStore(t)
	notifier := newRecordingNotifier()
	return New(st, notifier, nil), st, notifier
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{store.StatusPending, store.StatusInReview, true},
		{store.StatusPending, store.StatusClosed, true}, // abandoned
		{store.StatusInReview, store.StatusRead, true},
		{store.StatusRead, store.StatusInReview, true},
		{store.StatusRead, store.StatusResolved, true},
		{store.StatusResolved, store.StatusClosed, true},
		{store.StatusClosed, store.StatusResolved, false},
		{store.StatusClosed, store.StatusPending, false}, // reopen is not a direct transition
		{store.StatusResolved, store.StatusInReview, false},
		{store.StatusInReview, store.StatusPending, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestGetOrCreateActive_CreatesPending(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	conv, err := svc.GetOrCreateActive(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, conv.Status)
	assert.Equal(t, "client-1", conv.ClientID)
	assert.Nil(t, conv.AgentID)
}

func TestGetOrCreateActive_ReturnsExisting(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	first, err := svc.GetOrCreateActive(ctx, "client-1")
	require.NoError(t, err)

	second, err := svc.GetOrCreateActive(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestGetOrCreateActive_ConcurrentCallsYieldOneConversation(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	const goroutines = 10
	var wg sync.WaitGroup
	type result struct {
		id  string
		err error
	}
	results := make(chan result, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv, err := svc.GetOrCreateActive(ctx, "client-1")
			if err != nil {
				results <- result{err: err}
				return
			}
			results <- result{id: conv.ID}
		}()
	}
	wg.Wait()
	close(results)

	unique := make(map[string]bool)
	for r := range results {
		require.NoError(t, r.err)
		unique[r.id] = true
	}
	assert.Len(t, unique, 1, "all callers must observe the same conversation")

	_, err := st.GetActiveConversation(ctx, "client-1")
	require.NoError(t, err)
}

func TestTransition_HappyPath(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	conv, err := svc.GetOrCreateActive(ctx, "client-1")
	require.NoError(t, err)

	conv, err = svc.Transition(ctx, conv.ID, store.StatusInReview, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusInReview, conv.Status)

	conv, err = svc.Transition(ctx, conv.ID, store.StatusRead, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRead, conv.Status)

	conv, err = svc.Transition(ctx, conv.ID, store.StatusResolved, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusResolved, conv.Status)
	assert.Nil(t, conv.ClosedAt, "resolved is not closed")
}

func TestTransition_CloseRecordsMetadata(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	conv, err := svc.GetOrCreateActive(ctx, "client-1")
	require.NoError(t, err)

	conv, err = svc.Transition(ctx, conv.ID, store.StatusClosed, "agent-9")
	require.NoError(t, err)
	require.NotNil(t, conv.ClosedAt)
	require.NotNil(t, conv.ClosedBy)
	assert.Equal(t, "agent-9", *conv.ClosedBy)

	stored, err := st.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, stored.Status)
	require.NotNil(t, stored.ClosedBy)
	assert.Equal(t, "agent-9", *stored.ClosedBy)
}

func TestTransition_ClosedIsImmutable(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	conv, err := svc.GetOrCreateActive(ctx, "client-1")
	require.NoError(t, err)
	_, err = svc.Transition(ctx, conv.ID, store.StatusClosed, "agent-1")
	require.NoError(t, err)

	for _, status := range []string{store.StatusPending, store.StatusInReview, store.StatusResolved} {
		_, err = svc.Transition(ctx, conv.ID, status, "agent-1")
		assert.ErrorIs(t, err, ErrConversationClosed, "closed -> %s must be rejected", status)
	}
}

func TestTransition_InvalidTransitionRejected(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	conv, err := svc.GetOrCreateActive(ctx, "client-1")
	require.NoError(t, err)
	_, err = svc.Transition(ctx, conv.ID, store.StatusResolved, "agent-1")
	require.NoError(t, err)

	_, err = svc.Transition(ctx, conv.ID, store.StatusInReview, "agent-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// staleReadStore serves one stale conversation snapshot before delegating to
// the real store, simulating a transition racing a concurrent close.
type staleReadStore struct {
	ConversationStore
	stale *store.Conversation
}

func (s *staleReadStore) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	if s.stale != nil {
		conv := s.stale
		s.stale = nil
		return conv, nil
	}
	return s.ConversationStore.GetConversation(ctx, id)
}

func TestTransition_StaleReadCannotResurrectClosedConversation(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	wrapped := &staleReadStore{ConversationStore: st}
	svc := New(wrapped, nil, nil)

	conv, err := svc.GetOrCreateActive(ctx, "client-1")
	require.NoError(t, err)

	// Snapshot the pending row, then let another actor close it
	stale, err := st.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	_, err = svc.Transition(ctx, conv.ID, store.StatusClosed, "agent-1")
	require.NoError(t, err)

	// A transition validated against the stale pending snapshot loses the
	// conditional write, re-reads, and sees the close
	wrapped.stale = stale
	_, err = svc.Transition(ctx, conv.ID, store.StatusInReview, "agent-2")
	assert.ErrorIs(t, err, ErrConversationClosed)

	got, err := st.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, got.Status)
}

func TestTransition_ResolveAndCloseRequireAgent(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	conv, err := svc.GetOrCreateActive(ctx, "client-1")
	require.NoError(t, err)

	_, err = svc.Transition(ctx, conv.ID, store.StatusResolved, "")
	assert.ErrorIs(t, err, ErrAgentRequired)

	_, err = svc.Transition(ctx, conv.ID, store.StatusClosed, "")
	assert.ErrorIs(t, err, ErrAgentRequired)
}

func TestTransition_UnknownConversation(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.Transition(context.Background(), "missing", store.StatusInReview, "agent-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTransition_NotifiesBothParticipants(t *testing.T) {
	svc, st, notifier := newService(t)
	ctx := context.Background()

	conv, err := svc.GetOrCreateActive(ctx, "client-1")
	require.NoError(t, err)
	require.NoError(t, st.UpdateConversationAgent(ctx, conv.ID, "agent-1"))

	_, err = svc.Transition(ctx, conv.ID, store.StatusInReview, "agent-1")
	require.NoError(t, err)

	clientChanges := notifier.forKey("client-1")
	require.Len(t, clientChanges, 1)
	assert.Equal(t, store.StatusPending, clientChanges[0].OldStatus)
	assert.Equal(t, store.StatusInReview, clientChanges[0].NewStatus)

	agentChanges := notifier.forKey("agent-1")
	require.Len(t, agentChanges, 1)
}

func TestReopen_AfterClose_CreatesNewThread(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	first, err := svc.GetOrCreateActive(ctx, "client-1")
	require.NoError(t, err)
	_, err = svc.Transition(ctx, first.ID, store.StatusClosed, "agent-1")
	require.NoError(t, err)

	reopened, err := svc.ReopenOnClientActivity(ctx, "client-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, reopened.ID, "reopened thread is a new conversation")
	assert.Equal(t, store.StatusPending, reopened.Status)
	assert.Nil(t, reopened.AgentID)

	// The prior thread remains retrievable and unchanged
	closed, err := st.ListClosedConversations(ctx, "client-1")
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, first.ID, closed[0].ID)
}

func TestReopen_FromResolved_SealsOldThread(t *testing.T) {
	svc, st, notifier := newService(t)
	ctx := context.Background()

	first, err := svc.GetOrCreateActive(ctx, "client-1")
	require.NoError(t, err)
	require.NoError(t, st.UpdateConversationAgent(ctx, first.ID, "agent-1"))
	_, err = svc.Transition(ctx, first.ID, store.StatusResolved, "agent-1")
	require.NoError(t, err)

	reopened, err := svc.ReopenOnClientActivity(ctx, "client-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, reopened.ID)
	assert.Equal(t, store.StatusPending, reopened.Status)

	// The resolved thread was closed with its assigned agent recorded
	sealed, err := st.GetConversation(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, sealed.Status)
	require.NotNil(t, sealed.ClosedBy)
	assert.Equal(t, "agent-1", *sealed.ClosedBy)
	require.NotNil(t, sealed.ClosedAt)

	// resolved -> closed was announced
	var sawClose bool
	for _, change := range notifier.forKey("client-1") {
		if change.OldStatus == store.StatusResolved && change.NewStatus == store.StatusClosed {
			sawClose = true
		}
	}
	assert.True(t, sawClose, "expected a resolved -> closed notification")
}

func TestReopen_ActiveUnresolvedConversationUnchanged(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	conv, err := svc.GetOrCreateActive(ctx, "client-1")
	require.NoError(t, err)
	_, err = svc.Transition(ctx, conv.ID, store.StatusInReview, "agent-1")
	require.NoError(t, err)

	same, err := svc.ReopenOnClientActivity(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, same.ID)
	assert.Equal(t, store.StatusInReview, same.Status)
}

func TestReopen_InvariantHoldsAcrossManyCycles(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		conv, err := svc.GetOrCreateActive(ctx, "client-1")
		require.NoError(t, err)
		_, err = svc.Transition(ctx, conv.ID, store.StatusClosed, "agent-1")
		require.NoError(t, err)
		_, err = svc.ReopenOnClientActivity(ctx, "client-1")
		require.NoError(t, err)
	}

	closed, err := st.ListClosedConversations(ctx, "client-1")
	require.NoError(t, err)
	assert.Len(t, closed, 4)

	_, err = st.GetActiveConversation(ctx, "client-1")
	require.NoError(t, err, "exactly one active conversation must remain")
}
