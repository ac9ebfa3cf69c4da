// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same messaging semantics

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	pairs         map[string]string        // keyed by PairKey -> conversation ID
	messages      map[string][]*Message    // keyed by conversation ID, append order
	messageIndex  map[string]*Message      // keyed by message ID
	users         map[string]*User         // keyed by user ID

	// Now stamps sentAt, readAt and createdAt. Tests may replace it.
	Now func() time.Time

	// PingErr, when set, is returned by Ping.
	PingErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		pairs:         make(map[string]string),
		messages:      make(map[string][]*Message),
		messageIndex:  make(map[string]*Message),
		users:         make(map[string]*User),
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

func (m *MockStore) now() time.Time {
	return m.Now().UTC()
}

// GetOrCreateConversation returns the pair's conversation, creating it on first contact.
func (m *MockStore) GetOrCreateConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	if err := validatePair(userA, userB); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv, found := m.pairLocked(userA, userB)
	if !found {
		m.storeConversationLocked(conv)
	}
	c := *conv
	return &c, nil
}

// pairLocked returns the pair's conversation, or an unsaved new one.
func (m *MockStore) pairLocked(userA, userB string) (*Conversation, bool) {
	if id, ok := m.pairs[PairKey(userA, userB)]; ok {
		return m.conversations[id], true
	}
	return &Conversation{
		ID:           uuid.New().String(),
		ParticipantA: userA,
		ParticipantB: userB,
		CreatedAt:    m.now(),
	}, false
}

func (m *MockStore) storeConversationLocked(conv *Conversation) {
	m.conversations[conv.ID] = conv
	m.pairs[PairKey(conv.ParticipantA, conv.ParticipantB)] = conv.ID
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conv
	return &c, nil
}

// ListConversationsForUser returns the user's conversations, oldest first.
func (m *MockStore) ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, conv := range m.conversations {
		if conv.HasParticipant(userID) {
			c := *conv
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AppendMessage validates and stores a message.
func (m *MockStore) AppendMessage(ctx context.Context, conversationID, senderID, content string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.appendLocked(conv, senderID, content)
}

// SendToPair saves a new conversation only once its first message is
// stored, so a rejected send creates nothing.
func (m *MockStore) SendToPair(ctx context.Context, senderID, receiverID, content string) (*Message, error) {
	if err := validatePair(senderID, receiverID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv, found := m.pairLocked(senderID, receiverID)
	msg, err := m.appendLocked(conv, senderID, content)
	if err != nil {
		return nil, err
	}
	if !found {
		m.storeConversationLocked(conv)
	}
	return msg, nil
}

func (m *MockStore) appendLocked(conv *Conversation, senderID, content string) (*Message, error) {
	if !conv.HasParticipant(senderID) {
		return nil, ErrNotParticipant
	}
	if content == "" {
		return nil, ErrEmptyContent
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating message id: %w", err)
	}
	msg := &Message{
		ID:             id.String(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        content,
		SentAt:         m.now(),
	}
	m.messages[conv.ID] = append(m.messages[conv.ID], msg)
	m.messageIndex[msg.ID] = msg

	return copyMessage(msg), nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messageIndex[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(msg), nil
}

// ListMessages returns the conversation's history in (SentAt, ID) order.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sortedLocked(conversationID), nil
}

// ListMessagesPage returns a window of history older than the cursor.
func (m *MockStore) ListMessagesPage(ctx context.Context, conversationID string, params PageParams) (*MessagePage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.sortedLocked(conversationID)
	if params.Limit <= 0 {
		return &MessagePage{Messages: all}, nil
	}

	end := len(all)
	if params.Before != "" {
		nanos, id, err := DecodeCursor(params.Before)
		if err != nil {
			return nil, err
		}
		end = sort.Search(len(all), func(i int) bool {
			n := toNanos(all[i].SentAt)
			return n > nanos || (n == nanos && all[i].ID >= id)
		})
	}

	start := max(end-params.Limit, 0)
	page := &MessagePage{Messages: all[start:end]}
	if start > 0 {
		oldest := all[start]
		page.NextCursor = EncodeCursor(toNanos(oldest.SentAt), oldest.ID)
	}
	return page, nil
}

// LastMessage returns the newest message, or nil when there are none.
func (m *MockStore) LastMessage(ctx context.Context, conversationID string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.sortedLocked(conversationID)
	if len(all) == 0 {
		return nil, nil
	}
	return all[len(all)-1], nil
}

// MarkConversationRead marks the reader's received messages as read.
func (m *MockStore) MarkConversationRead(ctx context.Context, conversationID, readerID string) (*ReadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if !conv.HasParticipant(readerID) {
		return nil, ErrNotParticipant
	}

	readAt := m.now()
	var n int64
	for _, msg := range m.messages[conversationID] {
		if markLocked(msg, readerID, readAt) {
			n++
		}
	}
	return &ReadResult{ConversationID: conversationID, ReadAt: readAt, Marked: n}, nil
}

// MarkMessageRead marks a single received message as read.
func (m *MockStore) MarkMessageRead(ctx context.Context, messageID, readerID string) (*ReadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messageIndex[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	if !m.conversations[msg.ConversationID].HasParticipant(readerID) {
		return nil, ErrNotParticipant
	}

	readAt := m.now()
	var n int64
	if markLocked(msg, readerID, readAt) {
		n = 1
	}
	return &ReadResult{ConversationID: msg.ConversationID, ReadAt: readAt, Marked: n}, nil
}

// UnreadCount counts the user's received, unread messages in a conversation.
func (m *MockStore) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.unreadLocked(conversationID, userID), nil
}

// TotalUnreadForUser sums UnreadCount over the user's conversations.
func (m *MockStore) TotalUnreadForUser(ctx context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for id, conv := range m.conversations {
		if conv.HasParticipant(userID) {
			total += m.unreadLocked(id, userID)
		}
	}
	return total, nil
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" || user.DisplayName == "" {
		return fmt.Errorf("%w: user id and display name are required", ErrInvalid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[user.ID]; exists {
		return ErrDuplicateUser
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = m.now()
	}
	u := *user
	m.users[u.ID] = &u
	return nil
}

// ResolveUser retrieves a user by ID.
func (m *MockStore) ResolveUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

// ListUsers returns users ordered by creation time.
func (m *MockStore) ListUsers(ctx context.Context, limit int) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = defaultUserListLimit
	}
	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		c := *u
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping reports PingErr.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.PingErr
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

func (m *MockStore) sortedLocked(conversationID string) []*Message {
	src := m.messages[conversationID]
	out := make([]*Message, len(src))
	for i, msg := range src {
		out[i] = copyMessage(msg)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (m *MockStore) unreadLocked(conversationID, userID string) int {
	n := 0
	for _, msg := range m.messages[conversationID] {
		if msg.SenderID != userID && !msg.IsRead {
			n++
		}
	}
	return n
}

// markLocked flips msg to read for readerID. It reports whether anything changed.
func markLocked(msg *Message, readerID string, readAt time.Time) bool {
	if msg.SenderID == readerID || msg.IsRead {
		return false
	}
	msg.IsRead = true
	t := readAt
	msg.ReadAt = &t
	return true
}

func copyMessage(msg *Message) *Message {
	c := *msg
	if msg.ReadAt != nil {
		t := *msg.ReadAt
		c.ReadAt = &t
	}
	return &c
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
