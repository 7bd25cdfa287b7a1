package relay

import (
	"github.com/nbd-wtf/go-nostr"

	"github.com/rickgao/nostr-pool/internal/message"
)

// Notification is an item surfaced to consumers of a relay or pool stream.
type Notification interface {
	notification()
}

// EventNotification delivers an event accepted by the dedup and admission
// layers.
type EventNotification struct {
	RelayURL       string
	SubscriptionID string
	Event          *nostr.Event
}

// MessageNotification delivers a raw protocol frame (OK, NOTICE, CLOSED,
// AUTH and anything else a consumer may want to observe).
type MessageNotification struct {
	RelayURL string
	Message  message.Incoming
}

// StatusNotification reports a relay status transition.
type StatusNotification struct {
	RelayURL string
	Status   Status
}

// LaggedNotification reports that a consumer's buffer overflowed and
// notifications were dropped.
type LaggedNotification struct {
	Dropped uint64
}

// ShutdownNotification is the final item on a pool stream.
type ShutdownNotification struct{}

func (EventNotification) notification()    {}
func (MessageNotification) notification()  {}
func (StatusNotification) notification()   {}
func (LaggedNotification) notification()   {}
func (ShutdownNotification) notification() {}
