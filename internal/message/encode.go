package message

import (
	"encoding/hex"
	"encoding/json"

	"github.com/nbd-wtf/go-nostr"
)

// ReqMessage is ["REQ", <sub id>, <filter>, ...].
type ReqMessage struct {
	SubscriptionID string
	Filters        []nostr.Filter
}

func (ReqMessage) Label() string { return "REQ" }

func (m *ReqMessage) Encode() ([]byte, error) {
	arr := make([]any, 0, 2+len(m.Filters))
	arr = append(arr, "REQ", m.SubscriptionID)
	for _, f := range m.Filters {
		arr = append(arr, f)
	}
	return json.Marshal(arr)
}

// EventSubmission is ["EVENT", <event>] from the client.
type EventSubmission struct {
	Event *nostr.Event
}

func (EventSubmission) Label() string { return "EVENT" }

func (m *EventSubmission) Encode() ([]byte, error) {
	return json.Marshal([]any{"EVENT", m.Event})
}

// CloseMessage is ["CLOSE", <sub id>].
type CloseMessage struct {
	SubscriptionID string
}

func (CloseMessage) Label() string { return "CLOSE" }

func (m *CloseMessage) Encode() ([]byte, error) {
	return json.Marshal([]any{"CLOSE", m.SubscriptionID})
}

// AuthResponse is ["AUTH", <signed event>] answering a challenge.
type AuthResponse struct {
	Event *nostr.Event
}

func (AuthResponse) Label() string { return "AUTH" }

func (m *AuthResponse) Encode() ([]byte, error) {
	return json.Marshal([]any{"AUTH", m.Event})
}

// CountRequest is ["COUNT", <sub id>, <filter>, ...].
type CountRequest struct {
	SubscriptionID string
	Filters        []nostr.Filter
}

func (CountRequest) Label() string { return "COUNT" }

func (m *CountRequest) Encode() ([]byte, error) {
	arr := make([]any, 0, 2+len(m.Filters))
	arr = append(arr, "COUNT", m.SubscriptionID)
	for _, f := range m.Filters {
		arr = append(arr, f)
	}
	return json.Marshal(arr)
}

// NegOpen is ["NEG-OPEN", <sub id>, <filter>, <hex payload>]: opens a
// reconciliation session for the event set selected by the filter.
type NegOpen struct {
	SubscriptionID string
	Filter         nostr.Filter
	Payload        []byte
}

func (NegOpen) Label() string { return "NEG-OPEN" }

func (m *NegOpen) Encode() ([]byte, error) {
	return json.Marshal([]any{"NEG-OPEN", m.SubscriptionID, m.Filter, hex.EncodeToString(m.Payload)})
}

// NegMessageOut is an outgoing ["NEG-MSG", <sub id>, <hex payload>].
type NegMessageOut struct {
	SubscriptionID string
	Payload        []byte
}

func (NegMessageOut) Label() string { return "NEG-MSG" }

func (m *NegMessageOut) Encode() ([]byte, error) {
	return json.Marshal([]any{"NEG-MSG", m.SubscriptionID, hex.EncodeToString(m.Payload)})
}

// NegClose is ["NEG-CLOSE", <sub id>].
type NegClose struct {
	SubscriptionID string
}

func (NegClose) Label() string { return "NEG-CLOSE" }

func (m *NegClose) Encode() ([]byte, error) {
	return json.Marshal([]any{"NEG-CLOSE", m.SubscriptionID})
}
