// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers schema setup, pair resolution, message ordering, paging, read state and users

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore creates a new SQLite store in a temporary directory for testing
func newTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

// fixedClock returns a clock that advances by step on every call.
func fixedClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := now
		now = now.Add(step)
		return t
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist in nested directory")
}

func TestNewSQLiteStore_Memory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	conv, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, conv.ID, "alice", "hi")
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestNewSQLiteStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	conv, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, conv.ID, "alice", "persisted")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	msgs, err := s2.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "persisted", msgs[0].Content)
}

func TestPairKey(t *testing.T) {
	assert.Equal(t, PairKey("alice", "bob"), PairKey("bob", "alice"))
	assert.NotEqual(t, PairKey("a|b", "c"), PairKey("a", "b|c"))
	assert.NotEqual(t, PairKey("alice", "bob"), PairKey("alice", "carol"))
}

func TestGetOrCreateConversation_Symmetric(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", first.ParticipantA)
	assert.Equal(t, "bob", first.ParticipantB)

	second, err := s.GetOrCreateConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "alice", second.ParticipantA, "initiator is preserved")

	convs, err := s.ListConversationsForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestGetOrCreateConversation_Invalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetOrCreateConversation(ctx, "alice", "alice")
	assert.ErrorIs(t, err, ErrSelfConversation)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = s.GetOrCreateConversation(ctx, "", "bob")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestGetOrCreateConversation_ConcurrentFirstContact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 16
	ids := make([]string, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, err := s.GetOrCreateConversation(ctx, a, b)
			errs[i] = err
			if conv != nil {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range workers {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	var rows int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestCreateConversation_DuplicatePair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	existing, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	dup := &Conversation{ID: "other", ParticipantA: "bob", ParticipantB: "alice", CreatedAt: time.Now()}
	err = s.createConversation(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateConversation)
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.GetConversation(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, got.ID)
}

func TestGetConversation_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendMessage_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, "missing", "alice", "hi")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.AppendMessage(ctx, conv.ID, "mallory", "hi")
	assert.ErrorIs(t, err, ErrNotParticipant)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = s.AppendMessage(ctx, conv.ID, "alice", "")
	assert.ErrorIs(t, err, ErrEmptyContent)

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs, "failed appends leave no trace")
}

func TestAppendMessage_StampsAndStartsUnread(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(fixedClock(start, time.Second)))
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	msg, err := s.AppendMessage(ctx, conv.ID, "alice", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, conv.ID, msg.ConversationID)
	assert.Equal(t, start.Add(time.Second), msg.SentAt)
	assert.False(t, msg.IsRead)
	assert.Nil(t, msg.ReadAt)

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestListMessages_OrderedWithTieBreak(t *testing.T) {
	same := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return same }))
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	var sent []string
	for i, sender := range []string{"alice", "bob", "alice", "bob", "alice"} {
		msg, err := s.AppendMessage(ctx, conv.ID, sender, string(rune('a'+i)))
		require.NoError(t, err)
		sent = append(sent, msg.ID)
	}

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, len(sent))
	for i, m := range msgs {
		assert.Equal(t, sent[i], m.ID, "position %d", i)
	}
}

func TestListMessages_UnknownConversationIsEmpty(t *testing.T) {
	s := newTestStore(t)

	msgs, err := s.ListMessages(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestListMessagesPage_WalksBackwards(t *testing.T) {
	s := newTestStore(t, WithClock(fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), time.Millisecond)))
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	var all []string
	for i := range 7 {
		msg, err := s.AppendMessage(ctx, conv.ID, "alice", string(rune('0'+i)))
		require.NoError(t, err)
		all = append(all, msg.ID)
	}

	page, err := s.ListMessagesPage(ctx, conv.ID, PageParams{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, all[4:], ids(page.Messages))
	require.NotEmpty(t, page.NextCursor)

	page, err = s.ListMessagesPage(ctx, conv.ID, PageParams{Limit: 3, Before: page.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, all[1:4], ids(page.Messages))
	require.NotEmpty(t, page.NextCursor)

	page, err = s.ListMessagesPage(ctx, conv.ID, PageParams{Limit: 3, Before: page.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, all[:1], ids(page.Messages))
	assert.Empty(t, page.NextCursor)
}

func TestListMessagesPage_BadCursor(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ListMessagesPage(context.Background(), "conv", PageParams{Limit: 10, Before: "not base64!"})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestCursorRoundTrip(t *testing.T) {
	c := EncodeCursor(1234567890123, "msg-1")
	nanos, id, err := DecodeCursor(c)
	require.NoError(t, err)
	assert.Equal(t, int64(1234567890123), nanos)
	assert.Equal(t, "msg-1", id)
}

func TestLastMessage(t *testing.T) {
	s := newTestStore(t, WithClock(fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), time.Second)))
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	last, err := s.LastMessage(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, last)

	_, err = s.AppendMessage(ctx, conv.ID, "alice", "first")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, conv.ID, "bob", "second")
	require.NoError(t, err)

	last, err = s.LastMessage(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "second", last.Content)
}

func TestMarkConversationRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	for _, sender := range []string{"alice", "alice", "bob", "alice"} {
		_, err := s.AppendMessage(ctx, conv.ID, sender, "x")
		require.NoError(t, err)
	}

	n, err := s.UnreadCount(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = s.UnreadCount(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := s.MarkConversationRead(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Marked)
	assert.Equal(t, conv.ID, res.ConversationID)

	n, err = s.UnreadCount(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// bob's own message is untouched by bob reading
	n, err = s.UnreadCount(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.SenderID == "alice" {
			assert.True(t, m.IsRead)
			require.NotNil(t, m.ReadAt)
		} else {
			assert.False(t, m.IsRead)
			assert.Nil(t, m.ReadAt)
		}
	}
}

func TestMarkConversationRead_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, conv.ID, "alice", "hi")
	require.NoError(t, err)

	first, err := s.MarkConversationRead(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Marked)

	before, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)

	second, err := s.MarkConversationRead(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(0), second.Marked)

	after, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after, "readAt is not overwritten")
}

func TestMarkConversationRead_Errors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = s.MarkConversationRead(ctx, "missing", "bob")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.MarkConversationRead(ctx, conv.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestMarkMessageRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	m1, err := s.AppendMessage(ctx, conv.ID, "alice", "one")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, conv.ID, "alice", "two")
	require.NoError(t, err)

	// the sender reading their own message changes nothing
	res, err := s.MarkMessageRead(ctx, m1.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Marked)

	res, err = s.MarkMessageRead(ctx, m1.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Marked)
	assert.Equal(t, conv.ID, res.ConversationID)

	n, err := s.UnreadCount(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.MarkMessageRead(ctx, m1.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = s.MarkMessageRead(ctx, "missing", "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTotalUnreadForUser_SumsConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	withBob, err := s.GetOrCreateConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	withCarol, err := s.GetOrCreateConversation(ctx, "carol", "alice")
	require.NoError(t, err)
	unrelated, err := s.GetOrCreateConversation(ctx, "bob", "carol")
	require.NoError(t, err)

	for range 2 {
		_, err = s.AppendMessage(ctx, withBob.ID, "bob", "x")
		require.NoError(t, err)
	}
	for range 3 {
		_, err = s.AppendMessage(ctx, withCarol.ID, "carol", "x")
		require.NoError(t, err)
	}
	_, err = s.AppendMessage(ctx, withCarol.ID, "alice", "mine")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, unrelated.ID, "bob", "not for alice")
	require.NoError(t, err)

	total, err := s.TotalUnreadForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	sum := 0
	convs, err := s.ListConversationsForUser(ctx, "alice")
	require.NoError(t, err)
	for _, c := range convs {
		n, err := s.UnreadCount(ctx, c.ID, "alice")
		require.NoError(t, err)
		sum += n
	}
	assert.Equal(t, sum, total)

	_, err = s.MarkConversationRead(ctx, withCarol.ID, "alice")
	require.NoError(t, err)
	total, err = s.TotalUnreadForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestConcurrentAppendAndRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	const sends = 20
	var wg sync.WaitGroup
	for range sends {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.AppendMessage(ctx, conv.ID, "alice", "x")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := s.MarkConversationRead(ctx, conv.ID, "bob")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, err = s.MarkConversationRead(ctx, conv.ID, "bob")
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, sends)
	for _, m := range msgs {
		assert.True(t, m.IsRead)
	}
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.CreateUser(ctx, &User{ID: "alice", DisplayName: "Alice", AvatarURL: "https://example.com/a.png"})
	require.NoError(t, err)
	err = s.CreateUser(ctx, &User{ID: "bob", DisplayName: "Bob"})
	require.NoError(t, err)

	err = s.CreateUser(ctx, &User{ID: "alice", DisplayName: "Again"})
	assert.ErrorIs(t, err, ErrDuplicateUser)

	err = s.CreateUser(ctx, &User{ID: "carol"})
	assert.ErrorIs(t, err, ErrInvalid)

	alice, err := s.ResolveUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", alice.DisplayName)
	assert.Equal(t, "https://example.com/a.png", alice.AvatarURL)

	bob, err := s.ResolveUser(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, bob.AvatarURL)

	_, err = s.ResolveUser(ctx, "nobody")
	assert.True(t, errors.Is(err, ErrNotFound))

	users, err := s.ListUsers(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func ids(msgs []*Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestSendToPair_FirstContactAndReply(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.SendToPair(ctx, "alice", "bob", "hi bob")
	require.NoError(t, err)
	reply, err := s.SendToPair(ctx, "bob", "alice", "hi alice")
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, reply.ConversationID)

	conv, err := s.GetConversation(ctx, first.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "alice", conv.ParticipantA, "the first sender initiates")

	msgs, err := s.ListMessages(ctx, first.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.False(t, msgs[1].IsRead)
}

func TestSendToPair_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.SendToPair(ctx, "alice", "alice", "hi")
	assert.ErrorIs(t, err, ErrSelfConversation)

	_, err = s.SendToPair(ctx, "alice", "", "hi")
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = s.SendToPair(ctx, "alice", "bob", "")
	assert.ErrorIs(t, err, ErrEmptyContent)

	convs, err := s.ListConversationsForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, convs, "a rejected first message creates no conversation")
}

func TestSendToPair_FailedInsertRollsBackConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `
		CREATE TRIGGER reject_messages BEFORE INSERT ON messages
		BEGIN SELECT RAISE(ABORT, 'messages rejected'); END
	`)
	require.NoError(t, err)

	_, err = s.SendToPair(ctx, "alice", "bob", "hello")
	require.Error(t, err)

	for _, user := range []string{"alice", "bob"} {
		convs, err := s.ListConversationsForUser(ctx, user)
		require.NoError(t, err)
		assert.Empty(t, convs, "conversation for %s survived a failed send", user)
	}

	_, err = s.db.ExecContext(ctx, `DROP TRIGGER reject_messages`)
	require.NoError(t, err)

	msg, err := s.SendToPair(ctx, "alice", "bob", "hello")
	require.NoError(t, err)
	convs, err := s.ListConversationsForUser(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, msg.ConversationID, convs[0].ID)
}

func TestSendToPair_ConcurrentFirstContact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const senders = 16
	ids := make([]string, senders)
	var wg sync.WaitGroup
	for i := range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			from, to := "alice", "bob"
			if i%2 == 1 {
				from, to = to, from
			}
			msg, err := s.SendToPair(ctx, from, to, "ping")
			if assert.NoError(t, err) {
				ids[i] = msg.ConversationID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	convs, err := s.ListConversationsForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, convs, 1)

	msgs, err := s.ListMessages(ctx, ids[0])
	require.NoError(t, err)
	assert.Len(t, msgs, senders)
}
