package message

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Parse decodes a single relay frame into its typed envelope. Unknown labels
// and malformed frames return a *ProtocolError.
func Parse(data []byte) (Incoming, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, &ProtocolError{Detail: fmt.Sprintf("frame is not a JSON array: %v", err)}
	}
	if len(arr) < 2 {
		return nil, &ProtocolError{Detail: fmt.Sprintf("frame has %d elements, need at least 2", len(arr))}
	}

	var label string
	if err := json.Unmarshal(arr[0], &label); err != nil {
		return nil, &ProtocolError{Detail: "frame label is not a string"}
	}

	switch label {
	case "EVENT":
		if len(arr) < 3 {
			return nil, &ProtocolError{Detail: "EVENT frame missing event payload"}
		}
		subID, err := decodeString(arr[1], "EVENT subscription id")
		if err != nil {
			return nil, err
		}
		var ev nostr.Event
		if err := json.Unmarshal(arr[2], &ev); err != nil {
			return nil, &ProtocolError{Detail: fmt.Sprintf("EVENT payload: %v", err)}
		}
		return &EventMessage{SubscriptionID: subID, Event: &ev}, nil

	case "OK":
		if len(arr) < 4 {
			return nil, &ProtocolError{Detail: "OK frame needs 4 elements"}
		}
		eventID, err := decodeString(arr[1], "OK event id")
		if err != nil {
			return nil, err
		}
		var accepted bool
		if err := json.Unmarshal(arr[2], &accepted); err != nil {
			return nil, &ProtocolError{Detail: "OK status is not a boolean"}
		}
		msg, err := decodeString(arr[3], "OK message")
		if err != nil {
			return nil, err
		}
		return &OkMessage{EventID: eventID, Accepted: accepted, Message: msg}, nil

	case "EOSE":
		subID, err := decodeString(arr[1], "EOSE subscription id")
		if err != nil {
			return nil, err
		}
		return &EoseMessage{SubscriptionID: subID}, nil

	case "CLOSED":
		if len(arr) < 3 {
			return nil, &ProtocolError{Detail: "CLOSED frame needs 3 elements"}
		}
		subID, err := decodeString(arr[1], "CLOSED subscription id")
		if err != nil {
			return nil, err
		}
		reason, err := decodeString(arr[2], "CLOSED reason")
		if err != nil {
			return nil, err
		}
		return &ClosedMessage{SubscriptionID: subID, Reason: reason}, nil

	case "NOTICE":
		msg, err := decodeString(arr[1], "NOTICE message")
		if err != nil {
			return nil, err
		}
		return &NoticeMessage{Message: msg}, nil

	case "AUTH":
		challenge, err := decodeString(arr[1], "AUTH challenge")
		if err != nil {
			return nil, err
		}
		return &AuthChallenge{Challenge: challenge}, nil

	case "COUNT":
		if len(arr) < 3 {
			return nil, &ProtocolError{Detail: "COUNT frame needs 3 elements"}
		}
		subID, err := decodeString(arr[1], "COUNT subscription id")
		if err != nil {
			return nil, err
		}
		var payload struct {
			Count int64 `json:"count"`
		}
		if err := json.Unmarshal(arr[2], &payload); err != nil {
			return nil, &ProtocolError{Detail: fmt.Sprintf("COUNT payload: %v", err)}
		}
		return &CountResponse{SubscriptionID: subID, Count: payload.Count}, nil

	case "NEG-MSG":
		if len(arr) < 3 {
			return nil, &ProtocolError{Detail: "NEG-MSG frame needs 3 elements"}
		}
		subID, err := decodeString(arr[1], "NEG-MSG subscription id")
		if err != nil {
			return nil, err
		}
		payloadHex, err := decodeString(arr[2], "NEG-MSG payload")
		if err != nil {
			return nil, err
		}
		payload, err := hex.DecodeString(payloadHex)
		if err != nil {
			return nil, &ProtocolError{Detail: "NEG-MSG payload is not hex"}
		}
		return &NegMessage{SubscriptionID: subID, Payload: payload}, nil

	case "NEG-ERR":
		if len(arr) < 3 {
			return nil, &ProtocolError{Detail: "NEG-ERR frame needs 3 elements"}
		}
		subID, err := decodeString(arr[1], "NEG-ERR subscription id")
		if err != nil {
			return nil, err
		}
		reason, err := decodeString(arr[2], "NEG-ERR reason")
		if err != nil {
			return nil, err
		}
		return &NegError{SubscriptionID: subID, Reason: reason}, nil
	}

	return nil, &ProtocolError{Detail: fmt.Sprintf("unknown frame label %q", label)}
}

func decodeString(raw json.RawMessage, what string) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &ProtocolError{Detail: fmt.Sprintf("%s is not a string", what)}
	}
	return s, nil
}
