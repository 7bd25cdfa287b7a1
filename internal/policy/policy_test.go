package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

type scriptedPolicy struct {
	AllowAll
	connection Decision
	event      Decision
	calls      int
}

func (s *scriptedPolicy) AdmitConnection(context.Context, string) Decision {
	s.calls++
	return s.connection
}

func (s *scriptedPolicy) AdmitEvent(context.Context, string, *nostr.Event) Decision {
	s.calls++
	return s.event
}

func TestChainFirstRejectWins(t *testing.T) {
	first := &scriptedPolicy{connection: Reject("first says no"), event: Allow()}
	second := &scriptedPolicy{connection: Allow(), event: Allow()}
	chain := Chain{first, second}

	d := chain.AdmitConnection(context.Background(), "wss://r.example.com")
	if d.Allow {
		t.Error("chain admitted despite rejection")
	}
	if d.Reason != "first says no" {
		t.Errorf("Reason = %q, want the first rejection", d.Reason)
	}
	if second.calls != 0 {
		t.Error("later policy consulted after a rejection")
	}
}

func TestChainAllAllow(t *testing.T) {
	chain := Chain{&scriptedPolicy{connection: Allow(), event: Allow()}, AllowAll{}}
	if d := chain.AdmitEvent(context.Background(), "wss://r.example.com", &nostr.Event{}); !d.Allow {
		t.Errorf("got %+v, want allow", d)
	}
}

func TestEmptyChainAllows(t *testing.T) {
	var chain Chain
	if d := chain.AdmitConnection(context.Background(), "wss://r.example.com"); !d.Allow {
		t.Error("empty chain rejected")
	}
}

func TestNilLimiterAdmitsEverything(t *testing.T) {
	var l *Limiter
	if err := l.AllowReq(); err != nil {
		t.Errorf("AllowReq on nil limiter = %v", err)
	}
	if err := l.WaitEvent(context.Background()); err != nil {
		t.Errorf("WaitEvent on nil limiter = %v", err)
	}
}

func TestLimiterBurstThenReject(t *testing.T) {
	l := NewLimiter(LimiterConfig{ReqPerSecond: 1, ReqBurst: 3})

	for i := 0; i < 3; i++ {
		if err := l.AllowReq(); err != nil {
			t.Fatalf("request %d within burst rejected: %v", i, err)
		}
	}
	if err := l.AllowReq(); !errors.Is(err, ErrRateLimited) {
		t.Errorf("got %v, want ErrRateLimited", err)
	}
}

func TestLimiterDisabledBucket(t *testing.T) {
	l := NewLimiter(LimiterConfig{EventsPerMinute: 60, EventBurst: 1})

	// Request bucket disabled: unlimited.
	for i := 0; i < 100; i++ {
		if err := l.AllowReq(); err != nil {
			t.Fatalf("disabled bucket rejected request %d", i)
		}
	}

	if err := l.AllowEvent(); err != nil {
		t.Fatalf("first event rejected: %v", err)
	}
	if err := l.AllowEvent(); !errors.Is(err, ErrRateLimited) {
		t.Errorf("got %v, want ErrRateLimited", err)
	}
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	l := NewLimiter(LimiterConfig{EventsPerMinute: 1, EventBurst: 1})
	l.AllowEvent() // drain the bucket

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := l.WaitEvent(ctx); err == nil {
		t.Error("WaitEvent returned before a token was possible")
	}
}

func TestRejectedError(t *testing.T) {
	err := &RejectedError{Reason: "too many connections"}
	if err.Error() != "rejected by policy: too many connections" {
		t.Errorf("Error() = %q", err.Error())
	}
}
