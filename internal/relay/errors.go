package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation needs a live session.
	ErrNotConnected = errors.New("relay: not connected")

	// ErrTerminated is returned after Disconnect; the relay will not
	// reconnect until Connect is called again.
	ErrTerminated = errors.New("relay: terminated")

	// ErrBanned is returned once a relay has been banned. Terminal.
	ErrBanned = errors.New("relay: banned")

	// ErrTimeout is returned when an acknowledged operation does not hear
	// back within its deadline.
	ErrTimeout = errors.New("relay: operation timed out")

	// ErrSendQueueFull is returned by non-blocking sends when the outbound
	// queue is saturated.
	ErrSendQueueFull = errors.New("relay: send queue full")

	// ErrUnsupported is returned when the relay does not speak an optional
	// sub-protocol (COUNT, set reconciliation).
	ErrUnsupported = errors.New("relay: unsupported by relay")
)

// EventRejectedError carries the relay's OK=false message for a publish.
type EventRejectedError struct {
	EventID string
	Message string
}

func (e *EventRejectedError) Error() string {
	return fmt.Sprintf("relay rejected event %s: %s", e.EventID, e.Message)
}

// SubscriptionClosedError carries the CLOSED reason when the relay
// terminates a subscription on its side.
type SubscriptionClosedError struct {
	SubscriptionID string
	Reason         string
}

func (e *SubscriptionClosedError) Error() string {
	return fmt.Sprintf("subscription %s closed by relay: %s", e.SubscriptionID, e.Reason)
}

// NegSessionError carries a NEG-ERR reason from the relay.
type NegSessionError struct {
	Reason string
}

func (e *NegSessionError) Error() string {
	return fmt.Sprintf("reconciliation aborted by relay: %s", e.Reason)
}
