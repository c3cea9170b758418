// Package store provides persistence for conversations and their message logs.
//
// # Data model
//
// A Conversation binds one client to one support agent and carries the
// lifecycle status. A partial unique index guarantees that a client has at
// most one non-closed conversation at any time; closed conversations are
// retained as read-only history.
//
// Messages form an append-only log per conversation. AppendMessage assigns a
// monotonically increasing sequence number inside a transaction, so all
// consumers observe the same total order within a conversation. No ordering
// is defined across conversations.
//
// # Errors
//
// Lookups return ErrNotFound for missing rows. CreateConversation returns
// ErrActiveConversationExists when the single-active-conversation invariant
// would be violated; callers treat that as "lost the race, re-read".
// AppendMessage returns ErrEmptyMessage for payloads with neither text nor
// attachment.
//
// # Implementation
//
// SQLiteStore is the only implementation, using modernc.org/sqlite with WAL
// mode. Timestamps are stored as RFC 3339 strings in UTC.
package store
