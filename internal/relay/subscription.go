package relay

import (
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

type exitKind int

const (
	exitNever exitKind = iota
	exitOnEose
	exitAfterEvents
	exitAfterDuration
)

// ExitPolicy decides when a subscription closes itself.
type ExitPolicy struct {
	kind  exitKind
	count int
	wait  time.Duration
}

// ExitNever keeps the subscription open until Unsubscribe.
func ExitNever() ExitPolicy { return ExitPolicy{kind: exitNever} }

// ExitOnEose closes as soon as the relay signals end of stored events.
func ExitOnEose() ExitPolicy { return ExitPolicy{kind: exitOnEose} }

// ExitAfterEvents closes after n further events arrive past EOSE, or
// immediately at EOSE when n is 0.
func ExitAfterEvents(n int) ExitPolicy {
	return ExitPolicy{kind: exitAfterEvents, count: n}
}

// ExitAfterDuration closes d after EOSE regardless of traffic.
func ExitAfterDuration(d time.Duration) ExitPolicy {
	return ExitPolicy{kind: exitAfterDuration, wait: d}
}

// Subscription is one REQ registered on a relay. It survives reconnects:
// the relay re-issues the REQ and the per-session duplicate set is reset.
type Subscription struct {
	ID      string
	Filters []nostr.Filter

	policy ExitPolicy

	mu         sync.Mutex
	seen       map[string]struct{}
	afterEose  bool
	postEvents int
	closed     bool
}

// NewSubscription builds a subscription with the given exit policy.
func NewSubscription(id string, filters []nostr.Filter, policy ExitPolicy) *Subscription {
	return &Subscription{
		ID:      id,
		Filters: filters,
		policy:  policy,
		seen:    make(map[string]struct{}),
	}
}

// resetSession clears per-session state before a REQ is re-issued on a
// fresh connection.
func (s *Subscription) resetSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = make(map[string]struct{})
	s.afterEose = false
	s.postEvents = 0
}

// onEvent records an inbound event ID. duplicate reports whether the relay
// already delivered this ID on the current session; closeNow reports whether
// the exit policy is satisfied.
func (s *Subscription) onEvent(eventID string) (duplicate, closeNow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true, false
	}
	if _, ok := s.seen[eventID]; ok {
		return true, false
	}
	s.seen[eventID] = struct{}{}

	if s.afterEose && s.policy.kind == exitAfterEvents {
		s.postEvents++
		if s.postEvents >= s.policy.count {
			s.closed = true
			return false, true
		}
	}
	return false, false
}

// onEose records end of stored events. closeNow asks for an immediate
// CLOSE; closeAfter > 0 schedules one.
func (s *Subscription) onEose() (closeNow bool, closeAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.afterEose {
		return false, 0
	}
	s.afterEose = true

	switch s.policy.kind {
	case exitOnEose:
		s.closed = true
		return true, 0
	case exitAfterEvents:
		if s.policy.count <= 0 {
			s.closed = true
			return true, 0
		}
	case exitAfterDuration:
		return false, s.policy.wait
	}
	return false, 0
}

// markClosed flags the subscription as done; returns false when it already
// was.
func (s *Subscription) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// Received is the number of distinct events delivered on the current
// session.
func (s *Subscription) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Closed reports whether the subscription has ended.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
