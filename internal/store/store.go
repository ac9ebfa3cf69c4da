// ABOUTME: Store interfaces and data types for localhands messaging persistence
// ABOUTME: Defines Conversation, Message, User and the error categories shared by all stores

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error categories. Specific errors wrap one of these so callers can branch
// with errors.Is without knowing every individual failure.
var (
	ErrNotFound    = errors.New("not found")
	ErrForbidden   = errors.New("forbidden")
	ErrInvalid     = errors.New("invalid")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("storage unavailable")
)

var (
	// ErrNotParticipant is returned when the acting user is not one of the
	// conversation's two participants.
	ErrNotParticipant = fmt.Errorf("%w: user is not a participant of this conversation", ErrForbidden)

	// ErrEmptyContent is returned when appending a message with no content.
	ErrEmptyContent = fmt.Errorf("%w: message content is empty", ErrInvalid)

	// ErrSelfConversation is returned when both sides of a pair are the same user.
	ErrSelfConversation = fmt.Errorf("%w: a conversation needs two distinct participants", ErrInvalid)

	// ErrDuplicateConversation is returned by CreateConversation when the
	// canonical pair already has a conversation.
	ErrDuplicateConversation = fmt.Errorf("%w: conversation already exists for this pair", ErrConflict)

	// ErrDuplicateUser is returned when creating a user whose ID is taken.
	ErrDuplicateUser = fmt.Errorf("%w: user already exists", ErrConflict)
)

// Conversation pairs exactly two participants. It is created lazily on first
// contact and never mutated or deleted afterwards.
type Conversation struct {
	ID           string
	ParticipantA string // the user who initiated first contact
	ParticipantB string
	CreatedAt    time.Time
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// OtherParticipant returns the participant that is not userID. The result is
// empty when userID is not a participant.
func (c *Conversation) OtherParticipant(userID string) string {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	default:
		return ""
	}
}

// Message is a single entry in a conversation's append-only log.
// Ordering within a conversation is (SentAt, ID) ascending.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	SentAt         time.Time
	IsRead         bool
	ReadAt         *time.Time
}

// Before reports whether m sorts strictly before o in conversation order.
func (m *Message) Before(o *Message) bool {
	if !m.SentAt.Equal(o.SentAt) {
		return m.SentAt.Before(o.SentAt)
	}
	return m.ID < o.ID
}

// User is the minimal identity record the messaging core needs to render a
// participant. Authentication lives elsewhere.
type User struct {
	ID          string
	DisplayName string
	AvatarURL   string
	CreatedAt   time.Time
}

// MessagePage is a window of a conversation's history.
type MessagePage struct {
	Messages   []*Message // ascending (SentAt, ID)
	NextCursor string     // pass as Before to fetch older messages; empty when exhausted
}

// PageParams selects a window of history. A zero Limit means the full history.
type PageParams struct {
	Before string // opaque cursor from a previous MessagePage
	Limit  int
}

// ReadResult describes the outcome of a read-state mutation.
type ReadResult struct {
	ConversationID string
	ReadAt         time.Time
	Marked         int64 // messages flipped from unread to read by this call
}

// ConversationDirectory resolves the single conversation for an unordered pair.
type ConversationDirectory interface {
	GetOrCreateConversation(ctx context.Context, userA, userB string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error)
}

// MessageStore is the durable per-conversation message log.
type MessageStore interface {
	AppendMessage(ctx context.Context, conversationID, senderID, content string) (*Message, error)
	// SendToPair creates the pair's conversation if needed and appends in one
	// atomic step: a failed append leaves no new conversation behind.
	SendToPair(ctx context.Context, senderID, receiverID, content string) (*Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
	ListMessagesPage(ctx context.Context, conversationID string, params PageParams) (*MessagePage, error)
	LastMessage(ctx context.Context, conversationID string) (*Message, error)
}

// ReadStateTracker owns the unread→read transition and the derived counts.
type ReadStateTracker interface {
	MarkConversationRead(ctx context.Context, conversationID, readerID string) (*ReadResult, error)
	MarkMessageRead(ctx context.Context, messageID, readerID string) (*ReadResult, error)
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)
	TotalUnreadForUser(ctx context.Context, userID string) (int, error)
}

// UserDirectory resolves opaque user ids to display identities.
type UserDirectory interface {
	CreateUser(ctx context.Context, user *User) error
	ResolveUser(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context, limit int) ([]*User, error)
}

// Store is everything the messaging core persists.
type Store interface {
	ConversationDirectory
	MessageStore
	ReadStateTracker
	UserDirectory

	Ping(ctx context.Context) error
	Close() error
}
