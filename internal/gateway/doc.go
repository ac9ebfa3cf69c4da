// Package gateway orchestrates the localhands-gateway server components.
//
// # Overview
//
// The gateway owns the store, the realtime hub, the idempotency cache and the
// messaging service, and exposes them over HTTP, WebSocket, SSE and a gRPC
// health service. Listeners are plain TCP, or tailnet listeners via tsnet
// when tailscale is enabled.
//
// # HTTP API
//
// All /api routes and /ws require a bearer token (header or ?token=). With
// no jwt_secret configured the gateway runs in dev mode and trusts the
// X-User-ID header or ?user_id= instead.
//
//   - POST /api/messages - Send a message, creating the conversation on first contact
//   - GET /api/conversations - Conversation list ordered by last activity
//   - GET /api/conversations/{id} - One conversation
//   - GET /api/conversations/{id}/messages - History, optionally paged with limit and before
//   - POST /api/conversations/{id}/read - Mark everything received as read
//   - GET /api/conversations/{id}/unread - Unread count for one conversation
//   - GET /api/conversations/{id}/events - SSE stream of live events
//   - POST /api/messages/{id}/read - Acknowledge one message
//   - GET /api/unread - Unread total
//   - GET /ws - WebSocket realtime channel
//   - GET /health, GET /health/ready - Liveness and store readiness
//
// Errors are JSON bodies of the form {"error": "..."}. Store and messaging
// error categories map to 400, 401, 403, 404, 409 and 503.
//
// # WebSocket Frames
//
// Clients send {"type": "subscribe" | "unsubscribe" | "typing_start" |
// "typing_stop", "conversation_id": "..."}. The server answers with
// subscribed, unsubscribed or error frames and pushes message_received,
// messages_read, typing_started and typing_stopped events for subscribed
// conversations:
//
//	{"type": "message_received", "conversation_id": "...", "data": {"message": {...}}}
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // returns after ctx is cancelled and shutdown completes
//
// Shutdown closes the hub first, which ends every live stream, then stops the
// servers and closes the store.
package gateway
