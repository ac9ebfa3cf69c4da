// ABOUTME: ConversationDirectory implementation for SQLiteStore
// ABOUTME: Resolves the single conversation per unordered participant pair, creating it on first contact

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// PairKey returns the canonical key for an unordered pair of user ids.
// Each id is length-prefixed so that no choice of ids can collide.
func PairKey(userA, userB string) string {
	lo, hi := userA, userB
	if hi < lo {
		lo, hi = hi, lo
	}
	return strconv.Itoa(len(lo)) + ":" + lo + "|" + hi
}

func validatePair(userA, userB string) error {
	if userA == "" || userB == "" {
		return fmt.Errorf("%w: participant id is required", ErrInvalid)
	}
	if userA == userB {
		return ErrSelfConversation
	}
	return nil
}

// GetOrCreateConversation returns the conversation for the unordered pair,
// creating it with userA as the initiator when none exists. Concurrent first
// contact from both sides resolves to one row: the loser of the insert race
// re-reads the winner's conversation.
func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	if err := validatePair(userA, userB); err != nil {
		return nil, err
	}
	key := PairKey(userA, userB)

	conv, err := s.conversationByPair(ctx, key)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	conv = &Conversation{
		ID:           uuid.New().String(),
		ParticipantA: userA,
		ParticipantB: userB,
		CreatedAt:    s.now(),
	}
	err = s.createConversation(ctx, conv)
	if errors.Is(err, ErrDuplicateConversation) {
		s.logger.Debug("conversation created concurrently, using existing", "pair", key)
		return s.conversationByPair(ctx, key)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Debug("created conversation", "conversation_id", conv.ID)
	return conv, nil
}

// createConversation inserts a conversation, failing with
// ErrDuplicateConversation when its pair already exists.
func (s *SQLiteStore) createConversation(ctx context.Context, conv *Conversation) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertConversationTx(ctx, tx, conv)
	})
}

func insertConversationTx(ctx context.Context, tx *sql.Tx, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, participant_a, participant_b, pair_key, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := tx.ExecContext(ctx, query,
		conv.ID,
		conv.ParticipantA,
		conv.ParticipantB,
		PairKey(conv.ParticipantA, conv.ParticipantB),
		toNanos(conv.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, participant_a, participant_b, created_at
		FROM conversations
		WHERE id = ?
	`
	return scanConversation(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStore) conversationByPair(ctx context.Context, key string) (*Conversation, error) {
	query := `
		SELECT id, participant_a, participant_b, created_at
		FROM conversations
		WHERE pair_key = ?
	`
	return scanConversation(s.db.QueryRowContext(ctx, query, key))
}

// ListConversationsForUser returns every conversation the user participates in,
// oldest first. Ordering for display is the aggregator's concern.
func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	query := `
		SELECT id, participant_a, participant_b, created_at
		FROM conversations
		WHERE participant_a = ? OR participant_b = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}

	return convs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var createdAt int64

	err := row.Scan(&conv.ID, &conv.ParticipantA, &conv.ParticipantB, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.CreatedAt = fromNanos(createdAt)
	return &conv, nil
}

func conversationByPairTx(ctx context.Context, tx *sql.Tx, key string) (*Conversation, error) {
	query := `
		SELECT id, participant_a, participant_b, created_at
		FROM conversations
		WHERE pair_key = ?
	`
	return scanConversation(tx.QueryRowContext(ctx, query, key))
}

// participantsTx loads a conversation's participants inside a transaction.
func participantsTx(ctx context.Context, tx *sql.Tx, conversationID string) (*Conversation, error) {
	query := `
		SELECT id, participant_a, participant_b, created_at
		FROM conversations
		WHERE id = ?
	`
	return scanConversation(tx.QueryRowContext(ctx, query, conversationID))
}
