// ABOUTME: Realtime subscription operations of the messaging service
// ABOUTME: Connect, Subscribe, Unsubscribe and Typing on top of the realtime hub

package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/localhands/internal/realtime"
	"github.com/2389/localhands/internal/store"
)

// ErrRealtimeDisabled is returned by live operations when the service has no hub.
var ErrRealtimeDisabled = errors.New("realtime is not enabled")

// Connect registers a live connection for the caller. The connection is
// dropped from every conversation when ctx ends or Disconnect is called.
func (s *Service) Connect(ctx context.Context) (*realtime.Conn, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if s.hub == nil {
		return nil, ErrRealtimeDisabled
	}
	return s.hub.Connect(ctx, userID), nil
}

// Disconnect removes the connection from all conversations.
func (s *Service) Disconnect(conn *realtime.Conn) {
	if s.hub != nil {
		s.hub.Disconnect(conn.ID())
	}
}

// Subscribe joins the connection to a conversation the caller participates
// in. Nothing sent before the call is replayed; clients fetch history instead.
func (s *Service) Subscribe(ctx context.Context, conn *realtime.Conn, conversationID string) error {
	userID, err := s.ownConn(ctx, conn)
	if err != nil {
		return err
	}
	if _, err := s.participantConversation(ctx, conversationID, userID); err != nil {
		return err
	}
	if err := s.hub.Join(conversationID, conn.ID()); err != nil {
		return fmt.Errorf("joining conversation: %w", err)
	}
	return nil
}

// Unsubscribe leaves a conversation. Leaving one that was never joined is a no-op.
func (s *Service) Unsubscribe(ctx context.Context, conn *realtime.Conn, conversationID string) error {
	if _, err := s.ownConn(ctx, conn); err != nil {
		return err
	}
	s.hub.Leave(conversationID, conn.ID())
	return nil
}

// Typing announces that the caller started or stopped typing. It reaches the
// other participant's connections only, and only those currently subscribed.
func (s *Service) Typing(ctx context.Context, conn *realtime.Conn, conversationID string, started bool) error {
	userID, err := s.ownConn(ctx, conn)
	if err != nil {
		return err
	}
	if !s.hub.IsMember(conversationID, conn.ID()) {
		return ErrNotSubscribed
	}

	var ev realtime.Event = realtime.TypingStopped{ConversationID: conversationID, UserID: userID}
	if started {
		ev = realtime.TypingStarted{ConversationID: conversationID, UserID: userID}
	}
	s.hub.PublishToOthers(ev, userID)
	return nil
}

// ownConn checks that the caller owns the connection.
func (s *Service) ownConn(ctx context.Context, conn *realtime.Conn) (string, error) {
	userID, err := caller(ctx)
	if err != nil {
		return "", err
	}
	if s.hub == nil {
		return "", ErrRealtimeDisabled
	}
	if conn == nil || conn.UserID() != userID {
		return "", fmt.Errorf("%w: connection belongs to another user", store.ErrForbidden)
	}
	return userID, nil
}
