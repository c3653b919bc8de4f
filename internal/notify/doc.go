// Package notify delivers "new activity" signals to clients that are not
// looking at a room: long-lived event streams per room, a poll endpoint that
// returns messages past a shared per-room watermark, and Web Push messages
// addressed to a single user.
//
// Every channel is best-effort. A failed write or push is logged for that
// recipient only and never reaches the chat path that triggered it.
package notify

import "errors"

var (
	// ErrDelivery wraps a per-recipient push failure.
	ErrDelivery = errors.New("notification delivery failed")
	// ErrSubscriptionGone means the push service no longer knows the
	// subscription; the record should be dropped.
	ErrSubscriptionGone = errors.New("push subscription gone")
)
