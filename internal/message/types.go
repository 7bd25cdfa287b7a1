package message

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Incoming is a frame received from a relay.
type Incoming interface {
	// Label returns the wire label ("EVENT", "OK", ...).
	Label() string
}

// Outgoing is a frame sent to a relay.
type Outgoing interface {
	Label() string
	// Encode serializes the frame as a JSON array.
	Encode() ([]byte, error)
}

// ProtocolError reports a frame that violates the wire protocol.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Detail)
}

// EventMessage is ["EVENT", <sub id>, <event>] from a relay.
type EventMessage struct {
	SubscriptionID string
	Event          *nostr.Event
}

func (EventMessage) Label() string { return "EVENT" }

// OkMessage is ["OK", <event id>, <bool>, <message>].
type OkMessage struct {
	EventID  string
	Accepted bool
	Message  string
}

func (OkMessage) Label() string { return "OK" }

// EoseMessage is ["EOSE", <sub id>]: end of stored events.
type EoseMessage struct {
	SubscriptionID string
}

func (EoseMessage) Label() string { return "EOSE" }

// ClosedMessage is ["CLOSED", <sub id>, <reason>]: the relay terminated a
// subscription. The reason is carried verbatim.
type ClosedMessage struct {
	SubscriptionID string
	Reason         string
}

func (ClosedMessage) Label() string { return "CLOSED" }

// NoticeMessage is ["NOTICE", <message>].
type NoticeMessage struct {
	Message string
}

func (NoticeMessage) Label() string { return "NOTICE" }

// AuthChallenge is ["AUTH", <challenge>] from a relay (NIP-42).
type AuthChallenge struct {
	Challenge string
}

func (AuthChallenge) Label() string { return "AUTH" }

// CountResponse is ["COUNT", <sub id>, {"count": <n>}] (NIP-45).
type CountResponse struct {
	SubscriptionID string
	Count          int64
}

func (CountResponse) Label() string { return "COUNT" }

// NegMessage is ["NEG-MSG", <sub id>, <hex payload>]: one round of the set
// reconciliation sub-protocol (NIP-77). The payload is decoded from hex.
type NegMessage struct {
	SubscriptionID string
	Payload        []byte
}

func (NegMessage) Label() string { return "NEG-MSG" }

// NegError is ["NEG-ERR", <sub id>, <reason>]: the relay aborted a
// reconciliation session.
type NegError struct {
	SubscriptionID string
	Reason         string
}

func (NegError) Label() string { return "NEG-ERR" }
