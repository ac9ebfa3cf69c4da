// ABOUTME: ConversationAggregator builds the per-user conversation list view
// ABOUTME: Composes the directory, message log and read state with no caching

package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/2389/localhands/internal/store"
)

// Summary is one row of a user's conversation list. It is computed on every
// request and never stored.
type Summary struct {
	ConversationID             string
	OtherParticipantID         string
	OtherParticipant           *store.User // nil when the user directory has no record
	LastMessage                *store.Message
	UnreadCount                int
	IsLastMessageFromRequester bool
	CreatedAt                  time.Time
}

// activity is the timestamp the list is ordered by.
func (s *Summary) activity() time.Time {
	if s.LastMessage != nil {
		return s.LastMessage.SentAt
	}
	return s.CreatedAt
}

// Aggregator composes conversation summaries. Every count is read straight
// from the store, so a committed read mark is visible on the next call.
type Aggregator struct {
	store  Store
	logger *slog.Logger
}

// NewAggregator creates an Aggregator. Pass nil logger for default.
func NewAggregator(st Store, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		store:  st,
		logger: logger.With("component", "aggregator"),
	}
}

// ListForUser returns the user's conversations, most recent activity first.
// Conversations without messages fall back to their creation time.
func (a *Aggregator) ListForUser(ctx context.Context, userID string) ([]*Summary, error) {
	convs, err := a.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	summaries := make([]*Summary, 0, len(convs))
	for _, conv := range convs {
		sum, err := a.summarize(ctx, conv, userID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		ai, aj := summaries[i].activity(), summaries[j].activity()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return summaries[i].ConversationID > summaries[j].ConversationID
	})

	return summaries, nil
}

func (a *Aggregator) summarize(ctx context.Context, conv *store.Conversation, userID string) (*Summary, error) {
	sum := &Summary{
		ConversationID:     conv.ID,
		OtherParticipantID: conv.OtherParticipant(userID),
		CreatedAt:          conv.CreatedAt,
	}

	last, err := a.store.LastMessage(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("loading last message for %s: %w", conv.ID, err)
	}
	sum.LastMessage = last
	sum.IsLastMessageFromRequester = last != nil && last.SenderID == userID

	sum.UnreadCount, err = a.store.UnreadCount(ctx, conv.ID, userID)
	if err != nil {
		return nil, fmt.Errorf("counting unread for %s: %w", conv.ID, err)
	}

	other, err := a.store.ResolveUser(ctx, sum.OtherParticipantID)
	switch {
	case err == nil:
		sum.OtherParticipant = other
	case errors.Is(err, store.ErrNotFound):
		a.logger.Debug("no directory entry for participant", "user_id", sum.OtherParticipantID)
	default:
		return nil, fmt.Errorf("resolving participant %s: %w", sum.OtherParticipantID, err)
	}

	return sum, nil
}
