// ABOUTME: Closed set of live events fanned out to conversation subscribers
// ABOUTME: MessageReceived, MessagesRead, TypingStarted and TypingStopped implement Event

package realtime

import (
	"time"

	"github.com/2389/localhands/internal/store"
)

// Kind names an event on the wire.
type Kind string

const (
	KindMessageReceived Kind = "message_received"
	KindMessagesRead    Kind = "messages_read"
	KindTypingStarted   Kind = "typing_started"
	KindTypingStopped   Kind = "typing_stopped"
)

// Event is a live notification for one conversation. The set of
// implementations is closed: only the types in this file satisfy it.
type Event interface {
	Kind() Kind
	Conversation() string
	isEvent()
}

// MessageReceived announces a message that has been durably appended.
type MessageReceived struct {
	Message *store.Message
}

func (e MessageReceived) Kind() Kind           { return KindMessageReceived }
func (e MessageReceived) Conversation() string { return e.Message.ConversationID }
func (MessageReceived) isEvent()               {}

// MessagesRead announces that ReaderID read messages in the conversation.
// MessageID is set when a single message was acknowledged.
type MessagesRead struct {
	ConversationID string
	ReaderID       string
	MessageID      string
	At             time.Time
	Marked         int64
}

func (e MessagesRead) Kind() Kind           { return KindMessagesRead }
func (e MessagesRead) Conversation() string { return e.ConversationID }
func (MessagesRead) isEvent()               {}

// TypingStarted is ephemeral and never persisted.
type TypingStarted struct {
	ConversationID string
	UserID         string
}

func (e TypingStarted) Kind() Kind           { return KindTypingStarted }
func (e TypingStarted) Conversation() string { return e.ConversationID }
func (TypingStarted) isEvent()               {}

// TypingStopped is ephemeral and never persisted.
type TypingStopped struct {
	ConversationID string
	UserID         string
}

func (e TypingStopped) Kind() Kind           { return KindTypingStopped }
func (e TypingStopped) Conversation() string { return e.ConversationID }
func (TypingStopped) isEvent()               {}
