// ABOUTME: JSON payloads for realtime events shared by the WebSocket and SSE transports
// ABOUTME: One payload shape per event kind, keyed by the kind string

package gateway

import (
	"github.com/2389/localhands/internal/realtime"
)

// MessageReceivedPayload is the data of a message_received event.
type MessageReceivedPayload struct {
	Message MessageResponse `json:"message"`
}

// MessagesReadPayload is the data of a messages_read event.
type MessagesReadPayload struct {
	ConversationID string `json:"conversation_id"`
	ReaderID       string `json:"reader_id"`
	MessageID      string `json:"message_id,omitempty"`
	ReadAt         string `json:"read_at"`
	Marked         int64  `json:"marked"`
}

// TypingPayload is the data of typing_started and typing_stopped events.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// eventPayload converts a realtime event into its wire form.
func (g *Gateway) eventPayload(ev realtime.Event) any {
	switch e := ev.(type) {
	case realtime.MessageReceived:
		return MessageReceivedPayload{Message: g.toMessageResponse(e.Message)}
	case realtime.MessagesRead:
		return MessagesReadPayload{
			ConversationID: e.ConversationID,
			ReaderID:       e.ReaderID,
			MessageID:      e.MessageID,
			ReadAt:         formatTime(e.At),
			Marked:         e.Marked,
		}
	case realtime.TypingStarted:
		return TypingPayload{ConversationID: e.ConversationID, UserID: e.UserID}
	case realtime.TypingStopped:
		return TypingPayload{ConversationID: e.ConversationID, UserID: e.UserID}
	default:
		g.logger.Error("unhandled realtime event", "kind", ev.Kind())
		return nil
	}
}
