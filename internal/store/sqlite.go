// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite permits a single writer at a time. Funnel every statement
	// through one pooled connection so concurrent writers queue instead of
	// surfacing SQLITE_BUSY, which would mask the unique-index conflict
	// CreateConversation relies on.
	db.SetMaxOpenConns(1)

	// Wait out short lock contention rather than failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// The partial unique index on conversations enforces the core invariant:
// at most one non-closed conversation per client.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			client_id  TEXT NOT NULL,
			agent_id   TEXT,
			status     TEXT NOT NULL,
			created_at TEXT NOT NULL,
			closed_at  TEXT,
			closed_by  TEXT,

			CHECK (status IN ('pending', 'in_review', 'read', 'resolved', 'closed'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active
			ON conversations(client_id) WHERE status != 'closed';

		CREATE INDEX IF NOT EXISTS idx_conversations_client
			ON conversations(client_id, status);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			receiver_id     TEXT NOT NULL,
			content         TEXT,
			attachment_path TEXT,
			attachment_mime TEXT,
			seq             INTEGER NOT NULL,
			is_read         INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			UNIQUE (conversation_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, seq);

		CREATE INDEX IF NOT EXISTS idx_messages_receiver
			ON messages(receiver_id, is_read);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateConversation creates a new conversation.
// If the client already has a non-closed conversation, the partial unique
// index rejects the insert and ErrActiveConversationExists is returned.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, client_id, agent_id, status, created_at, closed_at, closed_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.ClientID,
		conv.AgentID,
		conv.Status,
		conv.CreatedAt.UTC().Format(time.RFC3339Nano),
		formatTimePtr(conv.ClosedAt),
		conv.ClosedBy,
	)
	if err != nil {
		if isDuplicateActiveError(err) {
			return ErrActiveConversationExists
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "client_id", conv.ClientID, "status", conv.Status)
	return nil
}

// isDuplicateActiveError checks if the error is a unique constraint violation
// on the one-active-conversation-per-client index. CHECK and foreign key
// violations must not match: those are caller bugs, not duplicate threads.
func isDuplicateActiveError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") &&
		(strings.Contains(errStr, "idx_conversations_active") ||
			strings.Contains(errStr, "conversations.client_id"))
}

// formatTimePtr returns nil for nil times, otherwise the RFC3339 string
func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, client_id, agent_id, status, created_at, closed_at, closed_by
		FROM conversations
		WHERE id = ?
	`
	return s.scanConversation(s.db.QueryRowContext(ctx, query, id))
}

// GetActiveConversation retrieves the single non-closed conversation for a client.
// Returns ErrNotFound if the client has no active conversation.
func (s *SQLiteStore) GetActiveConversation(ctx context.Context, clientID string) (*Conversation, error) {
	query := `
		SELECT id, client_id, agent_id, status, created_at, closed_at, closed_by
		FROM conversations
		WHERE client_id = ? AND status != 'closed'
	`
	return s.scanConversation(s.db.QueryRowContext(ctx, query, clientID))
}

func (s *SQLiteStore) scanConversation(row *sql.Row) (*Conversation, error) {
	var conv Conversation
	var createdAtStr string
	var closedAtStr sql.NullString

	err := row.Scan(
		&conv.ID,
		&conv.ClientID,
		&conv.AgentID,
		&conv.Status,
		&createdAtStr,
		&closedAtStr,
		&conv.ClosedBy,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	if closedAtStr.Valid {
		t, err := time.Parse(time.RFC3339, closedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing closed_at: %w", err)
		}
		conv.ClosedAt = &t
	}

	return &conv, nil
}

// UpdateConversationStatus moves a conversation from fromStatus to toStatus
// as a compare-and-swap: the row is only written if its status still matches
// fromStatus. When the new status is StatusClosed, closedAt and closedBy are
// recorded alongside it. Returns ErrNotFound if the conversation doesn't
// exist and ErrStatusConflict if its status moved since the caller read it.
func (s *SQLiteStore) UpdateConversationStatus(ctx context.Context, id, fromStatus, toStatus string, closedAt *time.Time, closedBy *string) error {
	query := `
		UPDATE conversations
		SET status = ?, closed_at = ?, closed_by = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		toStatus,
		formatTimePtr(closedAt),
		closedBy,
		id,
		fromStatus,
	)
	if err != nil {
		return fmt.Errorf("updating conversation status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking conversation after failed status update: %w", err)
		}
		return ErrStatusConflict
	}

	s.logger.Debug("updated conversation status", "id", id, "from", fromStatus, "to", toStatus)
	return nil
}

// UpdateConversationAgent binds a conversation to an agent.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) UpdateConversationAgent(ctx context.Context, id, agentID string) error {
	query := `UPDATE conversations SET agent_id = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, agentID, id)
	if err != nil {
		return fmt.Errorf("updating conversation agent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated conversation agent", "id", id, "agent_id", agentID)
	return nil
}

// ListClosedConversations retrieves a client's closed conversations,
// newest-closed-first. Used to populate the history picker without loading
// any messages.
func (s *SQLiteStore) ListClosedConversations(ctx context.Context, clientID string) ([]*Conversation, error) {
	query := `
		SELECT id, client_id, agent_id, status, created_at, closed_at, closed_by
		FROM conversations
		WHERE client_id = ? AND status = 'closed'
		ORDER BY closed_at DESC, created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, clientID)
	if err != nil {
		return nil, fmt.Errorf("querying closed conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		var createdAtStr string
		var closedAtStr sql.NullString

		if err := rows.Scan(
			&conv.ID,
			&conv.ClientID,
			&conv.AgentID,
			&conv.Status,
			&createdAtStr,
			&closedAtStr,
			&conv.ClosedBy,
		); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}

		conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		if closedAtStr.Valid {
			t, err := time.Parse(time.RFC3339, closedAtStr.String)
			if err != nil {
				return nil, fmt.Errorf("parsing closed_at: %w", err)
			}
			conv.ClosedAt = &t
		}

		convs = append(convs, &conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return convs, nil
}

// CountActiveConversations returns how many non-closed conversations are
// bound to the given agent. Used by the assignment policy for load-based
// selection.
func (s *SQLiteStore) CountActiveConversations(ctx context.Context, agentID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM conversations
		WHERE agent_id = ? AND status != 'closed'
	`

	var count int
	if err := s.db.QueryRowContext(ctx, query, agentID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting active conversations: %w", err)
	}
	return count, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
