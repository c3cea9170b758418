// ABOUTME: Tests for the SQLite conversation store
// ABOUTME: Verifies the single-active-conversation invariant and status updates

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *SQLiteStore {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newPendingConversation(clientID string) *Conversation {
	return &Conversation{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
}

func TestSQLiteStore_CreateAndGetConversation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv := newPendingConversation("client-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, "client-1", got.ClientID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Nil(t, got.AgentID)
	assert.Nil(t, got.ClosedAt)
	assert.Nil(t, got.ClosedBy)
}

func TestSQLiteStore_GetConversation_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_SecondActiveConversationRejected(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateConversation(ctx, newPendingConversation("client-1")))

	err := s.CreateConversation(ctx, newPendingConversation("client-1"))
	assert.ErrorIs(t, err, ErrActiveConversationExists)

	// A different client is unaffected
	require.NoError(t, s.CreateConversation(ctx, newPendingConversation("client-2")))
}

func TestSQLiteStore_ActiveConversationAllowedAfterClose(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first := newPendingConversation("client-1")
	require.NoError(t, s.CreateConversation(ctx, first))

	closedAt := time.Now()
	closedBy := "agent-1"
	require.NoError(t, s.UpdateConversationStatus(ctx, first.ID, StatusPending, StatusClosed, &closedAt, &closedBy))

	// The unique index only covers non-closed rows
	require.NoError(t, s.CreateConversation(ctx, newPendingConversation("client-1")))
}

func TestSQLiteStore_ConcurrentCreate_OneWinner(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	const goroutines = 10
	var wg sync.WaitGroup
	results := make(chan error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.CreateConversation(ctx, newPendingConversation("client-1"))
		}()
	}
	wg.Wait()
	close(results)

	var created, rejected int
	for err := range results {
		switch {
		case err == nil:
			created++
		default:
			require.ErrorIs(t, err, ErrActiveConversationExists)
			rejected++
		}
	}

	assert.Equal(t, 1, created)
	assert.Equal(t, goroutines-1, rejected)

	// Exactly one active conversation survives
	_, err := s.GetActiveConversation(ctx, "client-1")
	require.NoError(t, err)
}

func TestSQLiteStore_GetActiveConversation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.GetActiveConversation(ctx, "client-1")
	assert.ErrorIs(t, err, ErrNotFound)

	conv := newPendingConversation("client-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	got, err := s.GetActiveConversation(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	closedAt := time.Now()
	closedBy := "agent-1"
	require.NoError(t, s.UpdateConversationStatus(ctx, conv.ID, StatusPending, StatusClosed, &closedAt, &closedBy))

	_, err = s.GetActiveConversation(ctx, "client-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_UpdateConversationStatus_RecordsCloseMetadata(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv := newPendingConversation("client-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	closedAt := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	closedBy := "agent-7"
	require.NoError(t, s.UpdateConversationStatus(ctx, conv.ID, StatusPending, StatusClosed, &closedAt, &closedBy))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
	require.NotNil(t, got.ClosedAt)
	assert.True(t, got.ClosedAt.Equal(closedAt))
	require.NotNil(t, got.ClosedBy)
	assert.Equal(t, "agent-7", *got.ClosedBy)
}

func TestSQLiteStore_UpdateConversationStatus_StaleStatusRejected(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv := newPendingConversation("client-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	// The caller thinks the conversation is resolved but it is still pending
	closedAt := time.Now()
	closedBy := "agent-1"
	err := s.UpdateConversationStatus(ctx, conv.ID, StatusResolved, StatusClosed, &closedAt, &closedBy)
	assert.ErrorIs(t, err, ErrStatusConflict)

	// The row is untouched
	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Nil(t, got.ClosedAt)
	assert.Nil(t, got.ClosedBy)
}

func TestSQLiteStore_ConcurrentClose_OneWinner(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv := newPendingConversation("client-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	const goroutines = 8
	var wg sync.WaitGroup
	results := make(chan error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			closedAt := time.Now()
			closedBy := fmt.Sprintf("agent-%d", n)
			results <- s.UpdateConversationStatus(ctx, conv.ID, StatusPending, StatusClosed, &closedAt, &closedBy)
		}(i)
	}
	wg.Wait()
	close(results)

	var won, conflicted int
	for err := range results {
		switch {
		case err == nil:
			won++
		default:
			require.ErrorIs(t, err, ErrStatusConflict)
			conflicted++
		}
	}

	assert.Equal(t, 1, won)
	assert.Equal(t, goroutines-1, conflicted)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
}

func TestSQLiteStore_CreateConversation_CheckViolationNotDuplicate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv := newPendingConversation("client-1")
	conv.Status = "archived" // not in the status CHECK list

	err := s.CreateConversation(ctx, conv)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrActiveConversationExists)
}

func TestSQLiteStore_UpdateConversationStatus_NotFound(t *testing.T) {
	s := createTestStore(t)

	err := s.UpdateConversationStatus(context.Background(), "missing", StatusPending, StatusInReview, nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_UpdateConversationAgent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv := newPendingConversation("client-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	require.NoError(t, s.UpdateConversationAgent(ctx, conv.ID, "agent-3"))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AgentID)
	assert.Equal(t, "agent-3", *got.AgentID)

	err = s.UpdateConversationAgent(ctx, "missing", "agent-3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ListClosedConversations_NewestFirst(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	closedBy := "agent-1"
	var ids []string
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		conv := newPendingConversation("client-1")
		require.NoError(t, s.CreateConversation(ctx, conv))
		closedAt := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.UpdateConversationStatus(ctx, conv.ID, StatusPending, StatusClosed, &closedAt, &closedBy))
		ids = append(ids, conv.ID)
	}

	// An open conversation must not show up in history
	require.NoError(t, s.CreateConversation(ctx, newPendingConversation("client-1")))

	closed, err := s.ListClosedConversations(ctx, "client-1")
	require.NoError(t, err)
	require.Len(t, closed, 3)

	// Newest-closed-first
	assert.Equal(t, ids[2], closed[0].ID)
	assert.Equal(t, ids[1], closed[1].ID)
	assert.Equal(t, ids[0], closed[2].ID)
	for _, c := range closed {
		require.NotNil(t, c.ClosedAt)
		require.NotNil(t, c.ClosedBy)
	}
}

func TestSQLiteStore_ListClosedConversations_Empty(t *testing.T) {
	s := createTestStore(t)

	closed, err := s.ListClosedConversations(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Empty(t, closed)
}

func TestSQLiteStore_ClosedHistoryUnboundedPerClient(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	closedBy := "agent-1"
	for i := 0; i < 5; i++ {
		conv := newPendingConversation("client-1")
		require.NoError(t, s.CreateConversation(ctx, conv), fmt.Sprintf("iteration %d", i))
		closedAt := time.Now()
		require.NoError(t, s.UpdateConversationStatus(ctx, conv.ID, StatusPending, StatusClosed, &closedAt, &closedBy))
	}

	closed, err := s.ListClosedConversations(ctx, "client-1")
	require.NoError(t, err)
	assert.Len(t, closed, 5)
}
