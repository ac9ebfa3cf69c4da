// Package dedupe provides idempotency for message sends using a time-based
// cache that remembers which message a request key produced within a
// configurable window.
package dedupe
