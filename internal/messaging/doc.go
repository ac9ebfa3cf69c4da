// Package messaging implements the two-party messaging operations exposed to
// clients: send, history, read marks, unread counts, the conversation list
// and live subscriptions.
//
// The calling user always comes from the request context (see package auth).
// Every mutation commits to the store first and is then handed to the
// realtime hub. Fan-out is best effort and its outcome never changes the
// result of the operation that triggered it.
//
// The Aggregator builds conversation summaries straight from the store on
// each call, so unread counts are never stale after a committed read mark.
package messaging
