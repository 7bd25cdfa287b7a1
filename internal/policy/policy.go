// Package policy holds the pluggable admission hooks and the per-connection
// rate limiter gating outbound requests.
package policy

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allow  bool
	Reason string
}

// Allow admits unconditionally.
func Allow() Decision { return Decision{Allow: true} }

// Reject declines with a reason surfaced to the caller.
func Reject(reason string) Decision { return Decision{Reason: reason} }

// AdmitPolicy gates connections, inbound auth challenges and inbound events.
// Implementations must be safe for concurrent use.
type AdmitPolicy interface {
	// AdmitConnection runs before a relay is added to the pool.
	AdmitConnection(ctx context.Context, relayURL string) Decision

	// AdmitAuth runs when a relay issues an AUTH challenge; rejecting
	// leaves the challenge unanswered.
	AdmitAuth(ctx context.Context, relayURL, challenge string) Decision

	// AdmitEvent runs for every inbound event before delivery.
	AdmitEvent(ctx context.Context, relayURL string, event *nostr.Event) Decision
}

// RejectedError carries a policy rejection reason.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected by policy: %s", e.Reason)
}

// AllowAll is the default policy: everything is admitted.
type AllowAll struct{}

func (AllowAll) AdmitConnection(context.Context, string) Decision { return Allow() }

func (AllowAll) AdmitAuth(context.Context, string, string) Decision { return Allow() }

func (AllowAll) AdmitEvent(context.Context, string, *nostr.Event) Decision { return Allow() }

// Chain composes policies; the first Reject is authoritative and later
// policies are not consulted.
type Chain []AdmitPolicy

func (c Chain) AdmitConnection(ctx context.Context, relayURL string) Decision {
	for _, p := range c {
		if d := p.AdmitConnection(ctx, relayURL); !d.Allow {
			return d
		}
	}
	return Allow()
}

func (c Chain) AdmitAuth(ctx context.Context, relayURL, challenge string) Decision {
	for _, p := range c {
		if d := p.AdmitAuth(ctx, relayURL, challenge); !d.Allow {
			return d
		}
	}
	return Allow()
}

func (c Chain) AdmitEvent(ctx context.Context, relayURL string, event *nostr.Event) Decision {
	for _, p := range c {
		if d := p.AdmitEvent(ctx, relayURL, event); !d.Allow {
			return d
		}
	}
	return Allow()
}
