// ABOUTME: In-memory fan-out hub grouping live connections by conversation id
// ABOUTME: Delivers events at most once to currently joined connections, never replays

package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultBufferSize is the per-connection event buffer.
const DefaultBufferSize = 64

// ErrUnknownConnection is returned when joining with a connection id that is
// not registered (never connected, or already disconnected).
var ErrUnknownConnection = errors.New("unknown connection")

// Conn is one live client connection. Its membership is ephemeral: it is
// built up by Join calls and discarded entirely on Disconnect.
type Conn struct {
	id      string
	userID  string
	events  chan Event
	groups  map[string]struct{} // guarded by Hub.mu
	dropped atomic.Int64
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// UserID returns the user that owns the connection.
func (c *Conn) UserID() string { return c.userID }

// Events returns the channel events are delivered on. It is closed when the
// connection is disconnected or the hub is closed.
func (c *Conn) Events() <-chan Event { return c.events }

// Dropped returns how many events were discarded because the buffer was full.
func (c *Conn) Dropped() int64 { return c.dropped.Load() }

// Hub provides in-memory pub/sub keyed by conversation id. It is a side
// channel only: nothing here is a source of truth, and a client that misses
// events recovers by fetching history from the store.
type Hub struct {
	mu         sync.RWMutex
	conns      map[string]*Conn            // connID -> conn
	groups     map[string]map[string]*Conn // conversationID -> connID -> conn
	bufferSize int
	closed     bool
	logger     *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:      make(map[string]*Conn),
		groups:     make(map[string]map[string]*Conn),
		bufferSize: bufferSize,
		logger:     logger.With("component", "realtime"),
	}
}

// Connect registers a new connection for userID. The connection is
// automatically disconnected when ctx is cancelled.
func (h *Hub) Connect(ctx context.Context, userID string) *Conn {
	c := &Conn{
		id:     uuid.New().String(),
		userID: userID,
		events: make(chan Event, h.bufferSize),
		groups: make(map[string]struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(c.events)
		return c
	}
	h.conns[c.id] = c
	h.mu.Unlock()

	h.logger.Debug("connection registered", "conn_id", c.id, "user_id", userID)

	go func() {
		<-ctx.Done()
		h.Disconnect(c.id)
	}()

	return c
}

// Join adds the connection to the conversation's group. Joining twice is a no-op.
func (h *Hub) Join(conversationID, connID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}

	members, ok := h.groups[conversationID]
	if !ok {
		members = make(map[string]*Conn)
		h.groups[conversationID] = members
	}
	members[connID] = c
	c.groups[conversationID] = struct{}{}

	h.logger.Debug("joined group", "conversation_id", conversationID, "conn_id", connID)
	return nil
}

// Leave removes the connection from the conversation's group.
func (h *Hub) Leave(conversationID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveLocked(conversationID, connID)
}

func (h *Hub) leaveLocked(conversationID, connID string) {
	members, ok := h.groups[conversationID]
	if !ok {
		return
	}
	c, ok := members[connID]
	if !ok {
		return
	}

	delete(members, connID)
	delete(c.groups, conversationID)

	// Clean up empty groups
	if len(members) == 0 {
		delete(h.groups, conversationID)
	}
}

// Disconnect removes the connection from every group and closes its channel.
// It is safe to call more than once.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return
	}

	for conversationID := range c.groups {
		h.leaveLocked(conversationID, connID)
	}
	delete(h.conns, connID)
	close(c.events)

	h.logger.Debug("connection removed", "conn_id", connID, "user_id", c.userID)
}

// IsMember reports whether the connection is joined to the conversation.
func (h *Hub) IsMember(conversationID, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.groups[conversationID][connID]
	return ok
}

// Groups returns the conversations the connection is joined to.
func (h *Hub) Groups(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.conns[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.groups))
	for id := range c.groups {
		out = append(out, id)
	}
	return out
}

// Members returns the connection ids joined to the conversation.
func (h *Hub) Members(conversationID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := h.groups[conversationID]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// Publish delivers ev to every connection joined to the event's conversation.
// If excludeConnID is non-empty, that connection is skipped.
// Non-blocking: events are dropped for connections whose buffers are full.
// Returns the number of connections the event was handed to.
func (h *Hub) Publish(ev Event, excludeConnID string) int {
	return h.publish(ev, func(c *Conn) bool { return c.id == excludeConnID })
}

// PublishToOthers delivers ev to every joined connection that does not
// belong to userID.
func (h *Hub) PublishToOthers(ev Event, userID string) int {
	return h.publish(ev, func(c *Conn) bool { return c.userID == userID })
}

func (h *Hub) publish(ev Event, skip func(*Conn) bool) int {
	conversationID := ev.Conversation()

	// Sends never block, so holding the read lock keeps Disconnect from
	// closing a channel mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, c := range h.groups[conversationID] {
		if skip(c) {
			continue
		}
		select {
		case c.events <- ev:
			delivered++
		default:
			c.dropped.Add(1)
			h.logger.Warn("dropped event for slow connection",
				"conversation_id", conversationID,
				"conn_id", c.id,
				"kind", ev.Kind())
		}
	}
	return delivered
}

// Close shuts down the hub and closes all connection channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for connID, c := range h.conns {
		close(c.events)
		delete(h.conns, connID)
	}
	clear(h.groups)

	h.logger.Debug("hub closed")
}
