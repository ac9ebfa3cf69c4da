// ABOUTME: Errors returned by the messaging service on top of the store categories
// ABOUTME: Each wraps a store category so transports map them with errors.Is

package messaging

import (
	"errors"
	"fmt"

	"github.com/2389/localhands/internal/store"
)

// MaxIdempotencyKeyLength bounds client supplied idempotency keys.
const MaxIdempotencyKeyLength = 100

var (
	// ErrUnauthenticated is returned when the context carries no user.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrMalformedReceiver is returned when the receiver id is empty or is the sender.
	ErrMalformedReceiver = fmt.Errorf("%w: receiver must be another user", store.ErrInvalid)

	// ErrUnknownReceiver is returned when receiver checks are on and the receiver does not exist.
	ErrUnknownReceiver = fmt.Errorf("%w: receiver does not exist", store.ErrNotFound)

	// ErrContentTooLong is returned when content exceeds the configured limit.
	ErrContentTooLong = fmt.Errorf("%w: message content is too long", store.ErrInvalid)

	// ErrIdempotencyKeyTooLong is returned for keys over MaxIdempotencyKeyLength.
	ErrIdempotencyKeyTooLong = fmt.Errorf("%w: idempotency key is too long", store.ErrInvalid)

	// ErrRequestInFlight is returned when a send with the same idempotency key
	// has not finished yet.
	ErrRequestInFlight = fmt.Errorf("%w: a send with this idempotency key is in progress", store.ErrConflict)

	// ErrNotSubscribed is returned for typing events on a conversation the
	// connection has not joined.
	ErrNotSubscribed = fmt.Errorf("%w: connection is not subscribed to this conversation", store.ErrForbidden)
)
