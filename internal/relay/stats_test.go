package relay

import (
	"testing"
	"time"
)

func TestStatsSuccessRate(t *testing.T) {
	s := NewStats()
	if rate := s.SuccessRate(); rate != 0 {
		t.Errorf("SuccessRate with no attempts = %v, want 0", rate)
	}

	now := time.Now()
	s.newAttempt()
	s.newSuccess(now)
	s.newAttempt()
	s.newAttempt()
	s.newSuccess(now)

	if got := s.SuccessRate(); got < 0.66 || got > 0.67 {
		t.Errorf("SuccessRate = %v, want ~2/3", got)
	}
	if s.FirstConnection().IsZero() {
		t.Error("FirstConnection not recorded")
	}
}

func TestStatsLastSeen(t *testing.T) {
	s := NewStats()
	if !s.LastSeen().IsZero() {
		t.Error("LastSeen before any traffic should be zero")
	}

	before := time.Now()
	s.addReceived(42)
	seen := s.LastSeen()
	if seen.Before(before) || seen.After(time.Now()) {
		t.Errorf("LastSeen = %v, outside observation window", seen)
	}
	if s.BytesReceived() != 42 {
		t.Errorf("BytesReceived = %d, want 42", s.BytesReceived())
	}
}

func TestStatsLatencyWindow(t *testing.T) {
	s := NewStats()

	s.recordLatency(10 * time.Millisecond)
	s.recordLatency(20 * time.Millisecond)
	if got := s.Latency(); got != 0 {
		t.Errorf("Latency with 2 samples = %v, want 0", got)
	}

	s.recordLatency(30 * time.Millisecond)
	if got := s.Latency(); got != 20*time.Millisecond {
		t.Errorf("Latency = %v, want 20ms", got)
	}

	// The ring holds the most recent window only.
	for i := 0; i < latencySamples*2; i++ {
		s.recordLatency(50 * time.Millisecond)
	}
	if got := s.Latency(); got != 50*time.Millisecond {
		t.Errorf("Latency after overwrite = %v, want 50ms", got)
	}
}

func TestStatsPingNonces(t *testing.T) {
	s := NewStats()
	now := time.Now()

	nonce, misses := s.pingSent(now)
	if nonce == 0 {
		t.Fatal("nonce should never be zero")
	}
	if misses != 0 {
		t.Errorf("first ping misses = %d, want 0", misses)
	}

	if s.pongReceived(nonce+1, now) {
		t.Error("wrong nonce accepted")
	}
	if !s.pongReceived(nonce, now.Add(15*time.Millisecond)) {
		t.Error("matching nonce rejected")
	}
	if s.pongReceived(nonce, now) {
		t.Error("duplicate pong accepted")
	}

	// An unanswered probe counts as a miss on the next send.
	s.pingSent(now)
	_, misses = s.pingSent(now)
	if misses != 1 {
		t.Errorf("misses = %d, want 1", misses)
	}

	s.pingReset()
	_, misses = s.pingSent(now)
	if misses != 0 {
		t.Errorf("misses after reset = %d, want 0", misses)
	}
}

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	want := []time.Duration{
		time.Second, time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 8 * time.Second, 8 * time.Second,
	}
	for attempt := 0; attempt < len(want); attempt++ {
		if got := backoffDelay(base, max, attempt); got != want[attempt] {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", attempt, got, want[attempt])
		}
	}

	// Monotonic until the cap.
	prev := time.Duration(0)
	for attempt := 1; attempt < 20; attempt++ {
		d := backoffDelay(base, max, attempt)
		if d < prev {
			t.Errorf("backoff not monotonic at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > max {
			t.Errorf("backoff exceeds cap at attempt %d: %v", attempt, d)
		}
		prev = d
	}
}

func TestJitterBounds(t *testing.T) {
	d := 4 * time.Second
	for i := 0; i < 100; i++ {
		j := jitter(d)
		if j < d || j > d+d/4 {
			t.Fatalf("jitter(%v) = %v, outside [d, 1.25d]", d, j)
		}
	}
}
