// ABOUTME: HTTP JSON API handlers for sending messages, reading history and managing read state
// ABOUTME: Maps messaging and store error categories onto HTTP status codes

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/localhands/internal/messaging"
	"github.com/2389/localhands/internal/store"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// IdempotencyHeader may carry the idempotency key instead of the JSON body.
const IdempotencyHeader = "Idempotency-Key"

// SendMessageRequest is the JSON request body for POST /api/messages.
type SendMessageRequest struct {
	ReceiverID     string `json:"receiver_id"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// MessageResponse is the JSON form of a message.
type MessageResponse struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id"`
	SenderID       string  `json:"sender_id"`
	Content        string  `json:"content"`
	ContentHTML    string  `json:"content_html,omitempty"`
	SentAt         string  `json:"sent_at"`
	IsRead         bool    `json:"is_read"`
	ReadAt         *string `json:"read_at"`
}

// ConversationResponse is the JSON form of a conversation.
type ConversationResponse struct {
	ID           string `json:"id"`
	ParticipantA string `json:"participant_a"`
	ParticipantB string `json:"participant_b"`
	CreatedAt    string `json:"created_at"`
}

// UserResponse is the public part of a user directory entry.
type UserResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// SummaryResponse is one row of GET /api/conversations.
type SummaryResponse struct {
	ConversationID             string           `json:"conversation_id"`
	OtherParticipantID         string           `json:"other_participant_id"`
	OtherParticipant           *UserResponse    `json:"other_participant,omitempty"`
	LastMessage                *MessageResponse `json:"last_message"`
	UnreadCount                int              `json:"unread_count"`
	IsLastMessageFromRequester bool             `json:"is_last_message_from_requester"`
	CreatedAt                  string           `json:"created_at"`
}

// ListConversationsResponse is the JSON response for GET /api/conversations.
type ListConversationsResponse struct {
	Conversations []SummaryResponse `json:"conversations"`
}

// HistoryResponse is the JSON response for GET /api/conversations/{id}/messages.
type HistoryResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []MessageResponse `json:"messages"`
	NextCursor     string            `json:"next_cursor,omitempty"`
}

// ConversationReadResponse is the JSON response for POST /api/conversations/{id}/read.
type ConversationReadResponse struct {
	ConversationID string `json:"conversation_id"`
	Marked         int64  `json:"marked"`
	ReadAt         string `json:"read_at"`
}

// MessageReadResponse is the JSON response for POST /api/messages/{id}/read.
type MessageReadResponse struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Marked         int64  `json:"marked"`
}

// CountResponse carries an unread count.
type CountResponse struct {
	Count int `json:"count"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (g *Gateway) toMessageResponse(m *store.Message) MessageResponse {
	resp := MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		ContentHTML:    g.renderer.render(m.Content),
		SentAt:         formatTime(m.SentAt),
		IsRead:         m.IsRead,
	}
	if m.ReadAt != nil {
		at := formatTime(*m.ReadAt)
		resp.ReadAt = &at
	}
	return resp
}

func toConversationResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:           c.ID,
		ParticipantA: c.ParticipantA,
		ParticipantB: c.ParticipantB,
		CreatedAt:    formatTime(c.CreatedAt),
	}
}

func (g *Gateway) toSummaryResponse(s *messaging.Summary) SummaryResponse {
	resp := SummaryResponse{
		ConversationID:             s.ConversationID,
		OtherParticipantID:         s.OtherParticipantID,
		UnreadCount:                s.UnreadCount,
		IsLastMessageFromRequester: s.IsLastMessageFromRequester,
		CreatedAt:                  formatTime(s.CreatedAt),
	}
	if s.OtherParticipant != nil {
		resp.OtherParticipant = &UserResponse{
			ID:          s.OtherParticipant.ID,
			DisplayName: s.OtherParticipant.DisplayName,
			AvatarURL:   s.OtherParticipant.AvatarURL,
		}
	}
	if s.LastMessage != nil {
		last := g.toMessageResponse(s.LastMessage)
		resp.LastMessage = &last
	}
	return resp
}

// handleSendMessage handles POST /api/messages.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	req, err := parseSendRequest(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get(IdempotencyHeader)
	}

	msg, err := g.service.SendMessage(r.Context(), messaging.SendRequest{
		ReceiverID:     req.ReceiverID,
		Content:        req.Content,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	g.writeJSON(w, http.StatusCreated, g.toMessageResponse(msg))
}

// parseSendRequest decodes a SendMessageRequest. Field validation is left to
// the messaging service so every transport reports the same errors.
func parseSendRequest(r io.Reader) (*SendMessageRequest, error) {
	var req SendMessageRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	return &req, nil
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	summaries, err := g.service.ListConversations(r.Context())
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	resp := ListConversationsResponse{Conversations: make([]SummaryResponse, len(summaries))}
	for i, s := range summaries {
		resp.Conversations[i] = g.toSummaryResponse(s)
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.service.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

// handleConversationHistory handles GET /api/conversations/{id}/messages?limit=&before=.
func (g *Gateway) handleConversationHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	params := store.PageParams{Before: r.URL.Query().Get("before")}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		params.Limit = limit
	}

	page, err := g.service.GetConversationHistory(r.Context(), conversationID, params)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	resp := HistoryResponse{
		ConversationID: conversationID,
		Messages:       make([]MessageResponse, len(page.Messages)),
		NextCursor:     page.NextCursor,
	}
	for i, m := range page.Messages {
		resp.Messages[i] = g.toMessageResponse(m)
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleMarkConversationRead handles POST /api/conversations/{id}/read.
func (g *Gateway) handleMarkConversationRead(w http.ResponseWriter, r *http.Request) {
	res, err := g.service.MarkConversationRead(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, ConversationReadResponse{
		ConversationID: res.ConversationID,
		Marked:         res.Marked,
		ReadAt:         formatTime(res.ReadAt),
	})
}

// handleMarkMessageRead handles POST /api/messages/{id}/read.
func (g *Gateway) handleMarkMessageRead(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("id")
	res, err := g.service.MarkMessageRead(r.Context(), messageID)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, MessageReadResponse{
		MessageID:      messageID,
		ConversationID: res.ConversationID,
		Marked:         res.Marked,
	})
}

// handleConversationUnread handles GET /api/conversations/{id}/unread.
func (g *Gateway) handleConversationUnread(w http.ResponseWriter, r *http.Request) {
	n, err := g.service.GetConversationUnread(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

// handleUnreadCount handles GET /api/unread.
func (g *Gateway) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := g.service.GetUnreadCount(r.Context())
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

// errorStatus maps an error to its HTTP status by category.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, messaging.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, messaging.ErrRealtimeDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError reports err with its category status. Internal errors
// are logged and hidden from the client.
func (g *Gateway) writeServiceError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, status, "internal server error")
		return
	}
	g.sendJSONError(w, status, err.Error())
}

// writeJSON writes v as a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
