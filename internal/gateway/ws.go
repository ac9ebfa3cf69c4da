// ABOUTME: WebSocket transport for realtime events, subscriptions and typing indicators
// ABOUTME: One session per socket runs read, write and keepalive loops under an errgroup

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/2389/localhands/internal/realtime"
)

// Client frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameTypingStart = "typing_start"
	FrameTypingStop  = "typing_stop"
)

// Server frame types besides the realtime event kinds.
const (
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FrameError        = "error"
)

// maxClientFrame bounds a single client frame; client frames carry ids only.
const maxClientFrame = 8 << 10

var errStreamClosed = errors.New("event stream closed")

// ClientFrame is a frame sent by the client.
type ClientFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ServerFrame is a frame sent to the client. Realtime events use their kind
// as Type and carry the event payload in Data.
type ServerFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Data           any    `json:"data,omitempty"`
	Error          string `json:"error,omitempty"`
	Code           int    `json:"code,omitempty"`
}

// wsSession is one client's socket bound to one hub connection.
type wsSession struct {
	gw     *Gateway
	ws     *websocket.Conn
	conn   *realtime.Conn
	typing *rate.Limiter
}

// handleWebSocket handles GET /ws. The caller is registered with the hub
// before the upgrade so auth problems are reported as plain HTTP errors.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conn, err := g.service.Connect(ctx)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	defer g.service.Disconnect(conn)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.config.Realtime.AllowedOrigins,
	})
	if err != nil {
		// Accept has already written the response
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(maxClientFrame)

	typingRate := g.config.Realtime.TypingRate
	sess := &wsSession{
		gw:     g,
		ws:     ws,
		conn:   conn,
		typing: rate.NewLimiter(rate.Limit(typingRate), 1+int(typingRate)),
	}

	g.logger.Debug("websocket connected", "conn_id", conn.ID(), "user_id", conn.UserID())
	err = sess.run(ctx)

	switch {
	case errors.Is(err, errStreamClosed):
		_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
	case websocket.CloseStatus(err) != -1:
		// the client closed the socket
	default:
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}
	g.logger.Debug("websocket disconnected",
		"conn_id", conn.ID(),
		"user_id", conn.UserID(),
		"dropped_events", conn.Dropped(),
		"reason", err)
}

// run blocks until the client goes away, a write fails or the hub closes.
// Cancelling a read context makes the library fail the socket with a policy
// violation, so the read loop keeps the request context and is ended by the
// caller's Close instead.
func (s *wsSession) run(ctx context.Context) error {
	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(ctx) }()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.writeLoop(egCtx) })
	eg.Go(func() error { return s.pingLoop(egCtx) })
	eg.Go(func() error {
		select {
		case err := <-readErr:
			return err
		case <-egCtx.Done():
			return nil
		}
	})
	return eg.Wait()
}

func (s *wsSession) readLoop(ctx context.Context) error {
	for {
		typ, data, err := s.ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			s.sendError(ctx, "", http.StatusBadRequest, "frames must be JSON text")
			continue
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendError(ctx, "", http.StatusBadRequest, "invalid JSON frame")
			continue
		}
		s.handleFrame(ctx, frame)
	}
}

func (s *wsSession) handleFrame(ctx context.Context, frame ClientFrame) {
	svc := s.gw.service

	var err error
	switch frame.Type {
	case FrameSubscribe:
		if err = svc.Subscribe(ctx, s.conn, frame.ConversationID); err == nil {
			s.send(ctx, ServerFrame{Type: FrameSubscribed, ConversationID: frame.ConversationID})
		}
	case FrameUnsubscribe:
		if err = svc.Unsubscribe(ctx, s.conn, frame.ConversationID); err == nil {
			s.send(ctx, ServerFrame{Type: FrameUnsubscribed, ConversationID: frame.ConversationID})
		}
	case FrameTypingStart:
		// Over the limit the indicator is dropped silently; the next one refreshes it.
		if !s.typing.Allow() {
			return
		}
		err = svc.Typing(ctx, s.conn, frame.ConversationID, true)
	case FrameTypingStop:
		err = svc.Typing(ctx, s.conn, frame.ConversationID, false)
	default:
		s.sendError(ctx, frame.ConversationID, http.StatusBadRequest, "unknown frame type "+frame.Type)
		return
	}

	if err != nil {
		status := errorStatus(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			s.gw.logger.Error("websocket frame failed", "type", frame.Type, "error", err)
			msg = "internal server error"
		}
		s.sendError(ctx, frame.ConversationID, status, msg)
	}
}

func (s *wsSession) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.conn.Events():
			if !ok {
				return errStreamClosed
			}
			frame := ServerFrame{
				Type:           string(ev.Kind()),
				ConversationID: ev.Conversation(),
				Data:           s.gw.eventPayload(ev),
			}
			if err := s.write(ctx, frame); err != nil {
				return err
			}
		}
	}
}

// pingLoop keeps idle sockets alive through proxies and detects dead peers.
func (s *wsSession) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.gw.config.Realtime.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.gw.config.Realtime.WriteTimeout)
			err := s.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (s *wsSession) write(ctx context.Context, frame ServerFrame) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.gw.config.Realtime.WriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, s.ws, frame)
}

// send writes a reply frame. A failed reply ends the session through the
// read or write loop, so the error is only logged.
func (s *wsSession) send(ctx context.Context, frame ServerFrame) {
	if err := s.write(ctx, frame); err != nil {
		s.gw.logger.Debug("websocket reply failed", "type", frame.Type, "error", err)
	}
}

func (s *wsSession) sendError(ctx context.Context, conversationID string, code int, msg string) {
	s.send(ctx, ServerFrame{Type: FrameError, ConversationID: conversationID, Error: msg, Code: code})
}
