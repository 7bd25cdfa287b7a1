package relay

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// latencySamples caps the ping latency ring buffer.
	latencySamples = 50
	// latencyMinReads is the minimum sample count before an average is
	// reported.
	latencyMinReads = 3
)

// Stats tracks connection health for one relay. All methods are safe for
// concurrent use.
type Stats struct {
	attempts  atomic.Uint64
	success   atomic.Uint64
	bytesSent atomic.Uint64
	bytesRecv atomic.Uint64

	connectedAt  atomic.Int64 // unix nanos, 0 when never connected
	firstConnect atomic.Int64
	lastSeen     atomic.Int64

	latencyMu sync.Mutex
	latencies []time.Duration
	latencyAt int

	ping pingTracker
}

// pingTracker matches sent ping nonces to pongs.
type pingTracker struct {
	mu      sync.Mutex
	nonce   uint64
	sentAt  time.Time
	replied bool
	misses  int
}

// NewStats returns zeroed stats.
func NewStats() *Stats {
	return &Stats{}
}

// Attempts is the number of connection attempts made.
func (s *Stats) Attempts() uint64 { return s.attempts.Load() }

// Success is the number of attempts that produced a session.
func (s *Stats) Success() uint64 { return s.success.Load() }

// SuccessRate is successes over attempts, 0 when never attempted.
func (s *Stats) SuccessRate() float64 {
	attempts := s.attempts.Load()
	if attempts == 0 {
		return 0
	}
	return float64(s.success.Load()) / float64(attempts)
}

// BytesSent is the total payload bytes written to the relay.
func (s *Stats) BytesSent() uint64 { return s.bytesSent.Load() }

// BytesReceived is the total payload bytes read from the relay.
func (s *Stats) BytesReceived() uint64 { return s.bytesRecv.Load() }

// ConnectedAt is when the current session was established; zero time when
// not connected.
func (s *Stats) ConnectedAt() time.Time {
	ns := s.connectedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// FirstConnection is when the relay first came up; zero time when never
// connected.
func (s *Stats) FirstConnection() time.Time {
	ns := s.firstConnect.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// LastSeen is when the relay last sent us anything; zero time when it
// never has.
func (s *Stats) LastSeen() time.Time {
	ns := s.lastSeen.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Latency is the average ping round-trip over the recent window. Zero until
// enough samples exist.
func (s *Stats) Latency() time.Duration {
	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()

	if len(s.latencies) < latencyMinReads {
		return 0
	}
	var sum time.Duration
	for _, d := range s.latencies {
		sum += d
	}
	return sum / time.Duration(len(s.latencies))
}

func (s *Stats) newAttempt() {
	s.attempts.Add(1)
}

func (s *Stats) newSuccess(now time.Time) {
	s.success.Add(1)
	s.connectedAt.Store(now.UnixNano())
	s.firstConnect.CompareAndSwap(0, now.UnixNano())
}

func (s *Stats) disconnected() {
	s.connectedAt.Store(0)
}

func (s *Stats) addSent(n int) {
	s.bytesSent.Add(uint64(n))
}

func (s *Stats) addReceived(n int) {
	s.bytesRecv.Add(uint64(n))
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *Stats) recordLatency(d time.Duration) {
	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()

	if len(s.latencies) < latencySamples {
		s.latencies = append(s.latencies, d)
		return
	}
	s.latencies[s.latencyAt] = d
	s.latencyAt = (s.latencyAt + 1) % latencySamples
}

// pingSent records an outgoing probe and returns its nonce. A probe that was
// never answered counts as a miss.
func (s *Stats) pingSent(now time.Time) (nonce uint64, misses int) {
	s.ping.mu.Lock()
	defer s.ping.mu.Unlock()

	if s.ping.nonce != 0 && !s.ping.replied {
		s.ping.misses++
	} else {
		s.ping.misses = 0
	}
	s.ping.nonce = rand.Uint64()
	if s.ping.nonce == 0 {
		s.ping.nonce = 1
	}
	s.ping.sentAt = now
	s.ping.replied = false
	return s.ping.nonce, s.ping.misses
}

// pongReceived matches a pong nonce against the outstanding probe and, on a
// match, records the round-trip latency.
func (s *Stats) pongReceived(nonce uint64, now time.Time) bool {
	s.ping.mu.Lock()
	if s.ping.nonce == 0 || s.ping.replied || nonce != s.ping.nonce {
		s.ping.mu.Unlock()
		return false
	}
	s.ping.replied = true
	rtt := now.Sub(s.ping.sentAt)
	s.ping.mu.Unlock()

	s.recordLatency(rtt)
	return true
}

// pingReset clears the outstanding probe when a session ends.
func (s *Stats) pingReset() {
	s.ping.mu.Lock()
	defer s.ping.mu.Unlock()
	s.ping.nonce = 0
	s.ping.replied = false
	s.ping.misses = 0
}
