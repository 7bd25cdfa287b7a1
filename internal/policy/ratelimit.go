package policy

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned by non-blocking sends when a bucket is empty.
var ErrRateLimited = errors.New("rate limited")

// LimiterConfig sizes the two token buckets of a connection.
type LimiterConfig struct {
	// ReqPerSecond refills the subscription-request bucket. Zero disables it.
	ReqPerSecond float64
	ReqBurst     int

	// EventsPerMinute refills the published-events bucket. Zero disables it.
	EventsPerMinute float64
	EventBurst      int
}

// DefaultLimiterConfig matches the defaults of the upstream protocol
// clients: generous enough for interactive use, tight enough to keep a
// misbehaving caller from hammering a relay.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		ReqPerSecond:    10,
		ReqBurst:        20,
		EventsPerMinute: 120,
		EventBurst:      30,
	}
}

// Limiter holds two independent token buckets per connection: one for
// subscription requests, one for published events. A nil *Limiter admits
// everything.
type Limiter struct {
	req    *rate.Limiter
	events *rate.Limiter
}

// NewLimiter builds a limiter from cfg. Disabled buckets are unlimited.
func NewLimiter(cfg LimiterConfig) *Limiter {
	l := &Limiter{}
	if cfg.ReqPerSecond > 0 {
		burst := cfg.ReqBurst
		if burst <= 0 {
			burst = 1
		}
		l.req = rate.NewLimiter(rate.Limit(cfg.ReqPerSecond), burst)
	}
	if cfg.EventsPerMinute > 0 {
		burst := cfg.EventBurst
		if burst <= 0 {
			burst = 1
		}
		l.events = rate.NewLimiter(rate.Limit(cfg.EventsPerMinute/60.0), burst)
	}
	return l
}

// WaitReq delays until a subscription-request token is available.
func (l *Limiter) WaitReq(ctx context.Context) error {
	if l == nil || l.req == nil {
		return nil
	}
	return l.req.Wait(ctx)
}

// AllowReq reports whether a subscription request may proceed right now,
// consuming a token if so.
func (l *Limiter) AllowReq() error {
	if l == nil || l.req == nil {
		return nil
	}
	if !l.req.Allow() {
		return ErrRateLimited
	}
	return nil
}

// WaitEvent delays until a publish token is available.
func (l *Limiter) WaitEvent(ctx context.Context) error {
	if l == nil || l.events == nil {
		return nil
	}
	return l.events.Wait(ctx)
}

// AllowEvent reports whether a publish may proceed right now, consuming a
// token if so.
func (l *Limiter) AllowEvent() error {
	if l == nil || l.events == nil {
		return nil
	}
	if !l.events.Allow() {
		return ErrRateLimited
	}
	return nil
}

// ReqDelay reports how long the next request would have to wait. Used for
// telemetry only.
func (l *Limiter) ReqDelay() time.Duration {
	if l == nil || l.req == nil {
		return 0
	}
	r := l.req.Reserve()
	d := r.Delay()
	r.Cancel()
	return d
}
