package message

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, in Incoming)
	}{
		{
			name:  "event",
			frame: `["EVENT","sub1",{"id":"abc","pubkey":"def","created_at":100,"kind":1,"tags":[],"content":"hello","sig":"00"}]`,
			check: func(t *testing.T, in Incoming) {
				m, ok := in.(*EventMessage)
				if !ok {
					t.Fatalf("got %T, want *EventMessage", in)
				}
				if m.SubscriptionID != "sub1" {
					t.Errorf("SubscriptionID = %q, want sub1", m.SubscriptionID)
				}
				if m.Event.Content != "hello" {
					t.Errorf("Content = %q, want hello", m.Event.Content)
				}
			},
		},
		{
			name:  "ok accepted",
			frame: `["OK","ev1",true,""]`,
			check: func(t *testing.T, in Incoming) {
				m := in.(*OkMessage)
				if !m.Accepted || m.EventID != "ev1" {
					t.Errorf("got %+v, want accepted ev1", m)
				}
			},
		},
		{
			name:  "ok rejected with reason",
			frame: `["OK","ev2",false,"pow: difficulty too low"]`,
			check: func(t *testing.T, in Incoming) {
				m := in.(*OkMessage)
				if m.Accepted {
					t.Error("expected rejection")
				}
				if m.Message != "pow: difficulty too low" {
					t.Errorf("Message = %q", m.Message)
				}
			},
		},
		{
			name:  "eose",
			frame: `["EOSE","sub1"]`,
			check: func(t *testing.T, in Incoming) {
				if in.(*EoseMessage).SubscriptionID != "sub1" {
					t.Errorf("got %+v", in)
				}
			},
		},
		{
			name:  "closed",
			frame: `["CLOSED","sub1","auth-required: we only serve members"]`,
			check: func(t *testing.T, in Incoming) {
				m := in.(*ClosedMessage)
				if m.Reason != "auth-required: we only serve members" {
					t.Errorf("Reason = %q", m.Reason)
				}
			},
		},
		{
			name:  "notice",
			frame: `["NOTICE","slow down"]`,
			check: func(t *testing.T, in Incoming) {
				if in.(*NoticeMessage).Message != "slow down" {
					t.Errorf("got %+v", in)
				}
			},
		},
		{
			name:  "auth challenge",
			frame: `["AUTH","challenge-string"]`,
			check: func(t *testing.T, in Incoming) {
				if in.(*AuthChallenge).Challenge != "challenge-string" {
					t.Errorf("got %+v", in)
				}
			},
		},
		{
			name:  "count",
			frame: `["COUNT","sub1",{"count":42}]`,
			check: func(t *testing.T, in Incoming) {
				if in.(*CountResponse).Count != 42 {
					t.Errorf("got %+v", in)
				}
			},
		},
		{
			name:  "neg-msg decodes hex",
			frame: `["NEG-MSG","sub1","6100"]`,
			check: func(t *testing.T, in Incoming) {
				m := in.(*NegMessage)
				if len(m.Payload) != 2 || m.Payload[0] != 0x61 || m.Payload[1] != 0x00 {
					t.Errorf("Payload = %x", m.Payload)
				}
			},
		},
		{
			name:  "neg-err",
			frame: `["NEG-ERR","sub1","blocked: filter too wide"]`,
			check: func(t *testing.T, in Incoming) {
				if in.(*NegError).Reason != "blocked: filter too wide" {
					t.Errorf("got %+v", in)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := Parse([]byte(tt.frame))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			tt.check(t, in)
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `{{{`},
		{"not an array", `{"type":"EVENT"}`},
		{"too short", `["EVENT"]`},
		{"label not a string", `[1,2,3]`},
		{"unknown label", `["WHAT","sub1"]`},
		{"ok missing elements", `["OK","ev1",true]`},
		{"ok status not bool", `["OK","ev1","yes",""]`},
		{"event bad payload", `["EVENT","sub1","not an object"]`},
		{"closed missing reason", `["CLOSED","sub1"]`},
		{"neg-msg payload not hex", `["NEG-MSG","sub1","zzzz"]`},
		{"count bad payload", `["COUNT","sub1","nope"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.frame))
			if err == nil {
				t.Fatal("expected error")
			}
			var perr *ProtocolError
			if !errors.As(err, &perr) {
				t.Errorf("got %T, want *ProtocolError", err)
			}
		})
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		msg  Outgoing
		want string
	}{
		{
			name: "close",
			msg:  &CloseMessage{SubscriptionID: "sub1"},
			want: `["CLOSE","sub1"]`,
		},
		{
			name: "neg-close",
			msg:  &NegClose{SubscriptionID: "sub1"},
			want: `["NEG-CLOSE","sub1"]`,
		},
		{
			name: "neg-msg hex encodes payload",
			msg:  &NegMessageOut{SubscriptionID: "sub1", Payload: []byte{0x61, 0x00}},
			want: `["NEG-MSG","sub1","6100"]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.msg.Encode()
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("Encode() = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestEncodeReq(t *testing.T) {
	req := &ReqMessage{SubscriptionID: "sub1"}
	data, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		t.Fatalf("output is not a JSON array: %v", err)
	}
	if len(arr) != 2 {
		t.Errorf("REQ without filters has %d elements, want 2", len(arr))
	}
	if string(arr[0]) != `"REQ"` {
		t.Errorf("label = %s", arr[0])
	}
}
