// Package realtime fans out live conversation events to connected clients.
//
// A Hub groups connections by conversation id. Connections join and leave
// groups explicitly, and Disconnect drops every membership at once. Events are
// a closed set (MessageReceived, MessagesRead, TypingStarted, TypingStopped).
//
// Delivery is at most once and best effort. Publishing never blocks: a
// connection whose buffer is full loses the event, and nothing is replayed
// when a connection rejoins. Clients treat events as a signal to re-sync from
// the store.
package realtime
