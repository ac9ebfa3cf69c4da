// Package store provides persistent storage for localhands messaging using SQLite.
//
// # Architecture
//
// The store package splits persistence into focused interfaces:
//
//   - ConversationDirectory: one conversation per unordered pair of users
//   - MessageStore: the append-only message log of each conversation
//   - ReadStateTracker: unread to read transitions and derived unread counts
//   - UserDirectory: display identities for participants
//
// SQLiteStore implements all of them in a single struct, and Store composes
// them for callers that need everything.
//
// # Data Models
//
//   - Conversation: two participants, created lazily on first contact
//   - Message: sender, content, server-stamped SentAt and read state
//   - User: display name and optional avatar
//
// Messages in a conversation are ordered by (SentAt, ID). IDs are UUIDv7 so
// they follow insertion order when two messages share a timestamp.
//
// Unread counts are never stored. They are computed from the read flags so
// they cannot drift from the messages themselves.
//
// # SQLite Configuration
//
// Pragmas are passed in the DSN so every pooled connection gets them:
//
//	busy_timeout(5000)
//	journal_mode(WAL)
//	foreign_keys(1)
//	_txlock=immediate
//
// Writes that still find the database locked are retried with exponential
// backoff and then reported as ErrUnavailable.
//
// # Error Handling
//
// Every error the store returns for a caller mistake wraps one of the
// categories ErrNotFound, ErrForbidden, ErrInvalid or ErrConflict, so callers
// can branch with errors.Is.
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	s := store.NewMockStore()
//
// Use NewSQLiteStore(":memory:") or a file under t.TempDir() for integration
// tests with real SQLite.
package store
