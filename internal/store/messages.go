// ABOUTME: MessageStore implementation for SQLiteStore
// ABOUTME: Appends to the per-conversation log and reads it back in (sent_at, id) order with cursor paging

package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// AppendMessage validates and persists a message in one transaction. The
// conversation must exist, the sender must be one of its participants and the
// content must be non-empty. The server stamps SentAt and assigns the ID; the
// message starts unread.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID, senderID, content string) (*Message, error) {
	var msg *Message

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		conv, err := participantsTx(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		msg, err = s.insertMessageTx(ctx, tx, conv, senderID, content)
		return err
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// SendToPair resolves the sender and receiver's conversation, creating it on
// first contact, and appends the message in the same transaction. When the
// append fails the new conversation is rolled back with it.
func (s *SQLiteStore) SendToPair(ctx context.Context, senderID, receiverID, content string) (*Message, error) {
	if err := validatePair(senderID, receiverID); err != nil {
		return nil, err
	}
	key := PairKey(senderID, receiverID)

	var msg *Message
	var created bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		conv, err := conversationByPairTx(ctx, tx, key)
		created = false
		if errors.Is(err, ErrNotFound) {
			conv = &Conversation{
				ID:           uuid.New().String(),
				ParticipantA: senderID,
				ParticipantB: receiverID,
				CreatedAt:    s.now(),
			}
			err = insertConversationTx(ctx, tx, conv)
			created = err == nil
			if errors.Is(err, ErrDuplicateConversation) {
				conv, err = conversationByPairTx(ctx, tx, key)
			}
		}
		if err != nil {
			return err
		}

		msg, err = s.insertMessageTx(ctx, tx, conv, senderID, content)
		return err
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.logger.Debug("created conversation", "conversation_id", msg.ConversationID)
	}
	return msg, nil
}

// insertMessageTx checks the sender and content against conv and inserts the
// message unread.
func (s *SQLiteStore) insertMessageTx(ctx context.Context, tx *sql.Tx, conv *Conversation, senderID, content string) (*Message, error) {
	if !conv.HasParticipant(senderID) {
		return nil, ErrNotParticipant
	}
	if content == "" {
		return nil, ErrEmptyContent
	}

	// v7 ids are time-ordered, so the (sent_at, id) tie-break follows insertion
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating message id: %w", err)
	}

	m := &Message{
		ID:             id.String(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        content,
		SentAt:         s.now(),
	}

	query := `
		INSERT INTO messages (id, conversation_id, sender_id, content, sent_at, is_read, read_at)
		VALUES (?, ?, ?, ?, ?, 0, NULL)
	`
	if _, err := tx.ExecContext(ctx, query, m.ID, m.ConversationID, m.SenderID, m.Content, toNanos(m.SentAt)); err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	return m, nil
}

// GetMessage retrieves a message by ID
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, content, sent_at, is_read, read_at
		FROM messages
		WHERE id = ?
	`
	return scanMessage(s.db.QueryRowContext(ctx, query, id))
}

// ListMessages returns the full history of a conversation, oldest first.
// An unknown conversation yields an empty list.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, content, sent_at, is_read, read_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// ListMessagesPage returns up to params.Limit messages older than the cursor,
// in ascending order. The returned NextCursor continues further back in time.
func (s *SQLiteStore) ListMessagesPage(ctx context.Context, conversationID string, params PageParams) (*MessagePage, error) {
	if params.Limit <= 0 {
		msgs, err := s.ListMessages(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		return &MessagePage{Messages: msgs}, nil
	}

	query := `
		SELECT id, conversation_id, sender_id, content, sent_at, is_read, read_at
		FROM messages
		WHERE conversation_id = ?
	`
	args := []any{conversationID}

	if params.Before != "" {
		sentAt, id, err := DecodeCursor(params.Before)
		if err != nil {
			return nil, err
		}
		query += ` AND (sent_at < ? OR (sent_at = ? AND id < ?))`
		args = append(args, sentAt, sentAt, id)
	}

	// Fetch one extra row to learn whether older messages remain
	query += ` ORDER BY sent_at DESC, id DESC LIMIT ?`
	args = append(args, params.Limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying message page: %w", err)
	}
	defer rows.Close()

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	page := &MessagePage{}
	if len(msgs) > params.Limit {
		msgs = msgs[:params.Limit]
		oldest := msgs[len(msgs)-1]
		page.NextCursor = EncodeCursor(toNanos(oldest.SentAt), oldest.ID)
	}

	// Reverse to ascending order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	page.Messages = msgs

	return page, nil
}

// LastMessage returns the newest message in a conversation, or nil when the
// conversation has no messages.
func (s *SQLiteStore) LastMessage(ctx context.Context, conversationID string) (*Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, content, sent_at, is_read, read_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at DESC, id DESC
		LIMIT 1
	`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, conversationID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return msg, err
}

// EncodeCursor creates an opaque paging cursor from a sent_at (unix nanos)
// and message ID. Format is base64url(nanos|id).
func EncodeCursor(sentAtNanos int64, id string) string {
	data := strconv.FormatInt(sentAtNanos, 10) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(data))
}

// DecodeCursor parses a cursor produced by EncodeCursor.
func DecodeCursor(cursor string) (int64, string, error) {
	decoded, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", fmt.Errorf("%w: invalid cursor encoding", ErrInvalid)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return 0, "", fmt.Errorf("%w: invalid cursor format", ErrInvalid)
	}

	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: invalid cursor timestamp", ErrInvalid)
	}

	return nanos, parts[1], nil
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return msgs, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var sentAt int64
	var isRead int
	var readAt sql.NullInt64

	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &sentAt, &isRead, &readAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	msg.SentAt = fromNanos(sentAt)
	msg.IsRead = isRead == 1
	if readAt.Valid {
		t := fromNanos(readAt.Int64)
		msg.ReadAt = &t
	}

	return &msg, nil
}
