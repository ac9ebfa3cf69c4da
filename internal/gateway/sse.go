// ABOUTME: Server-Sent Events stream of realtime events for a single conversation
// ABOUTME: GET /api/conversations/{id}/events subscribes on connect and streams until the client leaves

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleConversationEvents handles GET /api/conversations/{id}/events.
// Errors before the stream starts are returned as JSON, like any other API call.
func (g *Gateway) handleConversationEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	conn, err := g.service.Connect(ctx)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	defer g.service.Disconnect(conn)

	if err := g.service.Subscribe(ctx, conn, conversationID); err != nil {
		g.writeServiceError(w, err)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	g.writeSSEEvent(w, "subscribed", map[string]string{"conversation_id": conversationID})
	flusher.Flush()

	keepalive := time.NewTicker(g.config.Realtime.PingInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-conn.Events():
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(ev.Kind()), g.eventPayload(ev))
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
