// ABOUTME: ReadStateTracker implementation for SQLiteStore
// ABOUTME: Flips received messages from unread to read and derives unread counts with SQL

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// MarkConversationRead marks every message in the conversation that the reader
// received and has not yet read. Messages the reader sent are never touched.
// Repeating the call is harmless: the second call marks nothing.
func (s *SQLiteStore) MarkConversationRead(ctx context.Context, conversationID, readerID string) (*ReadResult, error) {
	var result *ReadResult

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		conv, err := participantsTx(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(readerID) {
			return ErrNotParticipant
		}

		readAt := s.now()
		query := `
			UPDATE messages
			SET is_read = 1, read_at = ?
			WHERE conversation_id = ? AND sender_id <> ? AND is_read = 0
		`
		res, err := tx.ExecContext(ctx, query, toNanos(readAt), conversationID, readerID)
		if err != nil {
			return fmt.Errorf("marking conversation read: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("counting marked messages: %w", err)
		}

		result = &ReadResult{ConversationID: conversationID, ReadAt: readAt, Marked: n}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// MarkMessageRead marks a single received message as read. Marking one's own
// message or an already-read message is a no-op with Marked == 0.
func (s *SQLiteStore) MarkMessageRead(ctx context.Context, messageID, readerID string) (*ReadResult, error) {
	var result *ReadResult

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var conversationID string
		err := tx.QueryRowContext(ctx, `SELECT conversation_id FROM messages WHERE id = ?`, messageID).Scan(&conversationID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("loading message: %w", err)
		}

		conv, err := participantsTx(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(readerID) {
			return ErrNotParticipant
		}

		readAt := s.now()
		query := `
			UPDATE messages
			SET is_read = 1, read_at = ?
			WHERE id = ? AND sender_id <> ? AND is_read = 0
		`
		res, err := tx.ExecContext(ctx, query, toNanos(readAt), messageID, readerID)
		if err != nil {
			return fmt.Errorf("marking message read: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("counting marked messages: %w", err)
		}

		result = &ReadResult{ConversationID: conversationID, ReadAt: readAt, Marked: n}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// UnreadCount returns how many messages in the conversation the user received
// and has not read.
func (s *SQLiteStore) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM messages
		WHERE conversation_id = ? AND sender_id <> ? AND is_read = 0
	`

	var n int
	if err := s.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting unread messages: %w", err)
	}
	return n, nil
}

// TotalUnreadForUser returns the unread count summed over every conversation
// the user participates in.
func (s *SQLiteStore) TotalUnreadForUser(ctx context.Context, userID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE (c.participant_a = ? OR c.participant_b = ?)
		  AND m.sender_id <> ?
		  AND m.is_read = 0
	`

	var n int
	if err := s.db.QueryRowContext(ctx, query, userID, userID, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting total unread messages: %w", err)
	}
	return n, nil
}
