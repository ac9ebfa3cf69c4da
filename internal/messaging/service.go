// ABOUTME: Messaging service exposing send, history, read marks and unread counts to the caller
// ABOUTME: Persists first, then fans out to the realtime hub without waiting on delivery

package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/2389/localhands/internal/auth"
	"github.com/2389/localhands/internal/dedupe"
	"github.com/2389/localhands/internal/realtime"
	"github.com/2389/localhands/internal/store"
)

// Defaults applied when Options leaves a field at zero.
const (
	DefaultMaxContentLength = 4000
	DefaultPageLimit        = 50
	DefaultMaxPageLimit     = 500
)

// Store defines what the service needs from storage
type Store interface {
	store.ConversationDirectory
	store.MessageStore
	store.ReadStateTracker
	store.UserDirectory
}

// Options tunes the service.
type Options struct {
	MaxContentLength int // in runes
	DefaultPageLimit int // used when a cursor is given without a limit
	MaxPageLimit     int

	// RequireKnownReceiver rejects sends to ids the user directory does not know.
	RequireKnownReceiver bool

	// Idempotency, when set, remembers idempotency keys for retried sends.
	Idempotency *dedupe.Cache
}

// Service implements the caller-facing messaging operations. The caller is
// always the user on the context; the service trusts it and uses it only for
// participant checks.
type Service struct {
	store      Store
	hub        *realtime.Hub
	aggregator *Aggregator
	opts       Options
	logger     *slog.Logger
}

// New creates a messaging service. hub may be nil, in which case nothing is
// fanned out.
func New(st Store, hub *realtime.Hub, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = DefaultMaxContentLength
	}
	if opts.MaxPageLimit <= 0 {
		opts.MaxPageLimit = DefaultMaxPageLimit
	}
	if opts.DefaultPageLimit <= 0 {
		opts.DefaultPageLimit = min(DefaultPageLimit, opts.MaxPageLimit)
	}
	return &Service{
		store:      st,
		hub:        hub,
		aggregator: NewAggregator(st, logger),
		opts:       opts,
		logger:     logger.With("component", "messaging"),
	}
}

// SendRequest is a message from the caller to ReceiverID.
type SendRequest struct {
	ReceiverID     string
	Content        string
	IdempotencyKey string // optional; scoped to the sender
}

// SendMessage delivers content from the caller to the receiver, creating
// their conversation on first contact. A failed send persists nothing. A
// successful send is announced to the conversation's live subscribers; a
// fan-out problem never fails the send.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (*store.Message, error) {
	sender, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if req.ReceiverID == "" || req.ReceiverID == sender {
		return nil, ErrMalformedReceiver
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, store.ErrEmptyContent
	}
	if utf8.RuneCountInString(req.Content) > s.opts.MaxContentLength {
		return nil, ErrContentTooLong
	}
	if len(req.IdempotencyKey) > MaxIdempotencyKeyLength {
		return nil, ErrIdempotencyKeyTooLong
	}

	if s.opts.RequireKnownReceiver {
		if _, err := s.store.ResolveUser(ctx, req.ReceiverID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrUnknownReceiver
			}
			return nil, fmt.Errorf("resolving receiver: %w", err)
		}
	}

	var idemKey string
	if req.IdempotencyKey != "" && s.opts.Idempotency != nil {
		idemKey = sender + "\x00" + req.IdempotencyKey
		prior, reserved := s.opts.Idempotency.Reserve(idemKey)
		if !reserved {
			if prior == "" {
				return nil, ErrRequestInFlight
			}
			s.logger.Debug("duplicate send collapsed", "sender_id", sender, "message_id", prior)
			return s.store.GetMessage(ctx, prior)
		}
	}

	msg, err := s.send(ctx, sender, req)
	if idemKey != "" {
		if err != nil {
			s.opts.Idempotency.Release(idemKey)
		} else {
			s.opts.Idempotency.Commit(idemKey, msg.ID)
		}
	}
	if err != nil {
		return nil, err
	}

	// Subscribers share a copy separate from the message returned to the caller.
	published := *msg
	s.publish(realtime.MessageReceived{Message: &published}, "")
	return msg, nil
}

func (s *Service) send(ctx context.Context, sender string, req SendRequest) (*store.Message, error) {
	msg, err := s.store.SendToPair(ctx, sender, req.ReceiverID, req.Content)
	if err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	s.logger.Debug("message sent",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"sender_id", sender)
	return msg, nil
}

// GetConversation returns a conversation the caller participates in.
func (s *Service) GetConversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.participantConversation(ctx, conversationID, userID)
}

// GetConversationHistory returns the conversation's messages in (SentAt, ID)
// order. With a zero limit and no cursor the whole history is returned;
// otherwise a page of at most MaxPageLimit messages older than the cursor.
func (s *Service) GetConversationHistory(ctx context.Context, conversationID string, params store.PageParams) (*store.MessagePage, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.participantConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	if params.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", store.ErrInvalid)
	}
	if params.Limit == 0 && params.Before != "" {
		params.Limit = s.opts.DefaultPageLimit
	}
	params.Limit = min(params.Limit, s.opts.MaxPageLimit)

	return s.store.ListMessagesPage(ctx, conversationID, params)
}

// MarkConversationRead marks everything the caller received in the
// conversation as read. Subscribers hear about it only when something changed.
func (s *Service) MarkConversationRead(ctx context.Context, conversationID string) (*store.ReadResult, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}

	res, err := s.store.MarkConversationRead(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	if res.Marked > 0 {
		s.logger.Debug("conversation read",
			"conversation_id", conversationID,
			"reader_id", userID,
			"marked", res.Marked)
		s.publish(realtime.MessagesRead{
			ConversationID: conversationID,
			ReaderID:       userID,
			At:             res.ReadAt,
			Marked:         res.Marked,
		}, "")
	}
	return res, nil
}

// MarkMessageRead acknowledges a single message. Acknowledging one's own
// message or an already read message changes nothing.
func (s *Service) MarkMessageRead(ctx context.Context, messageID string) (*store.ReadResult, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}

	res, err := s.store.MarkMessageRead(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}

	if res.Marked > 0 {
		s.publish(realtime.MessagesRead{
			ConversationID: res.ConversationID,
			ReaderID:       userID,
			MessageID:      messageID,
			At:             res.ReadAt,
			Marked:         res.Marked,
		}, "")
	}
	return res, nil
}

// GetUnreadCount returns the caller's unread total across all conversations.
func (s *Service) GetUnreadCount(ctx context.Context) (int, error) {
	userID, err := caller(ctx)
	if err != nil {
		return 0, err
	}
	return s.store.TotalUnreadForUser(ctx, userID)
}

// GetConversationUnread returns the caller's unread count in one conversation.
func (s *Service) GetConversationUnread(ctx context.Context, conversationID string) (int, error) {
	userID, err := caller(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := s.participantConversation(ctx, conversationID, userID); err != nil {
		return 0, err
	}
	return s.store.UnreadCount(ctx, conversationID, userID)
}

// ListConversations returns the caller's conversation summaries.
func (s *Service) ListConversations(ctx context.Context) ([]*Summary, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.aggregator.ListForUser(ctx, userID)
}

func (s *Service) participantConversation(ctx context.Context, conversationID, userID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, store.ErrNotParticipant
	}
	return conv, nil
}

// publish hands ev to the hub. Delivery is best effort and never reported
// back to the caller.
func (s *Service) publish(ev realtime.Event, excludeConnID string) {
	if s.hub == nil {
		return
	}
	n := s.hub.Publish(ev, excludeConnID)
	s.logger.Debug("event published",
		"kind", ev.Kind(),
		"conversation_id", ev.Conversation(),
		"delivered", n)
}

func caller(ctx context.Context) (string, error) {
	userID := auth.UserID(ctx)
	if userID == "" {
		return "", ErrUnauthenticated
	}
	return userID, nil
}
