// ABOUTME: Message log operations for the SQLite store
// ABOUTME: Append assigns per-conversation sequence numbers inside a transaction

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendMessage validates and persists a message, assigning the next sequence
// number for its conversation. The seq assignment and insert run in one
// transaction, so every consumer observes messages in the same total order for
// a given conversation.
//
// Returns ErrEmptyMessage when the message has neither content nor an
// attachment, and ErrNotFound when the conversation doesn't exist.
// On success msg.Seq and msg.CreatedAt are populated.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if (msg.Content == nil || *msg.Content == "") && msg.Attachment == nil {
		return ErrEmptyMessage
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM conversations WHERE id = ?`, msg.ConversationID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking conversation: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
		msg.ConversationID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("computing sequence: %w", err)
	}

	createdAt := time.Now().UTC()

	var attachmentPath, attachmentMime any
	if msg.Attachment != nil {
		attachmentPath = msg.Attachment.Path
		attachmentMime = msg.Attachment.MimeType
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content,
			attachment_path, attachment_mime, seq, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		msg.ReceiverID,
		msg.Content,
		attachmentPath,
		attachmentMime,
		seq,
		createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing append: %w", err)
	}

	msg.Seq = seq
	msg.IsRead = false
	msg.CreatedAt = createdAt

	s.logger.Debug("appended message",
		"id", msg.ID,
		"conversation_id", msg.ConversationID,
		"seq", seq,
	)
	return nil
}

// ConversationMessages returns the full message log of a conversation in
// ascending sequence order. Used for the active view and for closed-history
// browsing alike.
func (s *SQLiteStore) ConversationMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, receiver_id, content,
		       attachment_path, attachment_mime, seq, is_read, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var createdAtStr string
		var isRead int
		var attachmentPath, attachmentMime sql.NullString

		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.SenderID,
			&msg.ReceiverID,
			&msg.Content,
			&attachmentPath,
			&attachmentMime,
			&msg.Seq,
			&isRead,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.IsRead = isRead != 0
		if attachmentPath.Valid {
			msg.Attachment = &Attachment{
				Path:     attachmentPath.String,
				MimeType: attachmentMime.String,
			}
		}

		msg.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// MarkMessageRead flips the is_read flag on a message. This is the only
// mutation a message accepts after insert.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) MarkMessageRead(ctx context.Context, messageID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_read = 1 WHERE id = ?`, messageID,
	)
	if err != nil {
		return fmt.Errorf("marking message read: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
