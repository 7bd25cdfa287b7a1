package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/rickgao/nostr-pool/internal/policy"
	"github.com/rickgao/nostr-pool/internal/transport"
)

// AuthSigner produces signed NIP-42 auth events in response to relay
// challenges. The implementation fills in and signs an event of kind 22242
// with the relay URL and challenge tags.
type AuthSigner interface {
	SignAuth(ctx context.Context, relayURL, challenge string) (*nostr.Event, error)
}

// Options configures a single relay connection. The zero value is usable;
// defaults are applied by normalize.
type Options struct {
	// ConnectTimeout bounds each dial attempt. Default 10s.
	ConnectTimeout time.Duration

	// ReconnectBase is the first reconnection delay. Default 10s.
	ReconnectBase time.Duration

	// ReconnectMax caps the exponential backoff. Default 300s.
	ReconnectMax time.Duration

	// StabilityThreshold is how long a session must survive for the
	// attempt counter to reset. Default 60s.
	StabilityThreshold time.Duration

	// PingInterval spaces liveness probes; requires FlagPing on the relay.
	// Default 55s.
	PingInterval time.Duration

	// PingMaxMisses forces a reconnect after this many unanswered probes.
	// Default 3.
	PingMaxMisses int

	// SendTimeout bounds acknowledged operations (publish, count).
	// Default 20s.
	SendTimeout time.Duration

	// SendQueueSize is the outbound frame queue depth. Default 256.
	SendQueueSize int

	// MaxProtocolViolations bans the relay after this many malformed
	// frames in one session. Zero disables banning.
	MaxProtocolViolations int

	// VerifyEvents enables signature verification on inbound events.
	VerifyEvents bool

	// Transport opens the underlying socket. Default transport.WebSocket.
	Transport transport.Transport

	// Admit gates auth challenges and inbound events. Default policy.AllowAll.
	Admit policy.AdmitPolicy

	// Limiter throttles outbound requests and publishes. Nil disables.
	Limiter *policy.Limiter

	// Signer answers NIP-42 challenges. Nil leaves challenges unanswered.
	Signer AuthSigner

	// Logger receives connection lifecycle logs. Default slog.Default.
	Logger *slog.Logger

	// OnNotification receives every notification emitted by the relay.
	// Called from the relay's own goroutines; must not block.
	OnNotification func(Notification)
}

func (o Options) normalize() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 10 * time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 300 * time.Second
	}
	if o.StabilityThreshold <= 0 {
		o.StabilityThreshold = 60 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 55 * time.Second
	}
	if o.PingMaxMisses <= 0 {
		o.PingMaxMisses = 3
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 20 * time.Second
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 256
	}
	if o.Transport == nil {
		o.Transport = &transport.WebSocket{HandshakeTimeout: o.ConnectTimeout}
	}
	if o.Admit == nil {
		o.Admit = policy.AllowAll{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
