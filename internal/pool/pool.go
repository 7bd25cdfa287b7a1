package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/nostr-pool/internal/policy"
	"github.com/rickgao/nostr-pool/internal/relay"
	"github.com/rickgao/nostr-pool/internal/store"
)

// Options configures a Pool.
type Options struct {
	// Relay is the option template applied to every relay added to the
	// pool. Its OnNotification is overridden by the pool.
	Relay relay.Options

	// Admit gates relay URLs, auth challenges and inbound events.
	// Default policy.AllowAll.
	Admit policy.AdmitPolicy

	// Limits sizes a fresh rate limiter for every relay, so one relay's
	// backlog never consumes another's tokens. Nil disables limiting
	// unless the relay template carries its own limiter.
	Limits *policy.LimiterConfig

	// Store persists inbound events and seeds reconciliation. Optional.
	Store store.EventStore

	// Seen deduplicates events across relays. Default in-memory tracker.
	Seen store.SeenTracker

	// NotificationBuffer sizes each consumer's channel. Default 1024.
	NotificationBuffer int

	// Logger receives pool lifecycle logs. Default slog.Default.
	Logger *slog.Logger
}

// subscriptionSpec is a logical pool subscription, replicated onto every
// read relay present now or added later.
type subscriptionSpec struct {
	filters []nostr.Filter
	policy  relay.ExitPolicy
}

// Pool is a set of relays driven as one.
type Pool struct {
	opts  Options
	log   *slog.Logger
	admit policy.AdmitPolicy
	seen  store.SeenTracker
	store store.EventStore

	broadcast *broadcaster

	persistMu     sync.RWMutex
	persistCh     chan relay.EventNotification
	persistDone   chan struct{}
	persistClosed bool

	mu       sync.RWMutex
	relays   map[string]*relay.Relay
	subs     map[string]subscriptionSpec
	shutdown bool
}

// persistQueueSize bounds the events waiting on the persist loop; beyond it
// events are dropped rather than stalling relay read loops.
const persistQueueSize = 4096

// New builds an empty pool.
func New(opts Options) *Pool {
	if opts.Admit == nil {
		opts.Admit = policy.AllowAll{}
	}
	if opts.Seen == nil {
		opts.Seen = store.NewMemorySeen(0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &Pool{
		opts:        opts,
		log:         opts.Logger.With("component", "pool"),
		admit:       opts.Admit,
		seen:        opts.Seen,
		store:       opts.Store,
		broadcast:   newBroadcaster(opts.NotificationBuffer),
		persistCh:   make(chan relay.EventNotification, persistQueueSize),
		persistDone: make(chan struct{}),
		relays:      make(map[string]*relay.Relay),
		subs:        make(map[string]subscriptionSpec),
	}
	go p.persistLoop()
	return p
}

// AddRelay registers a relay under its normalized URL. Returns false when
// the URL is already present. The relay is not connected; call Connect or
// ConnectRelay. Existing pool subscriptions are replicated onto it when it
// serves reads.
func (p *Pool) AddRelay(ctx context.Context, url string, flags relay.ServiceFlags) (bool, error) {
	norm := nostr.NormalizeURL(url)
	if norm == "" {
		return false, fmt.Errorf("invalid relay URL %q", url)
	}

	if d := p.admit.AdmitConnection(ctx, norm); !d.Allow {
		return false, &policy.RejectedError{Reason: d.Reason}
	}

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return false, ErrShutdown
	}
	if _, exists := p.relays[norm]; exists {
		p.mu.Unlock()
		return false, nil
	}

	opts := p.opts.Relay
	opts.Admit = p.admit
	opts.OnNotification = p.handleNotification
	if p.opts.Limits != nil {
		opts.Limiter = policy.NewLimiter(*p.opts.Limits)
	}

	r := relay.New(norm, flags, opts)
	p.relays[norm] = r

	// Snapshot under the lock; the limiter may delay the REQs, so they go
	// out after it is released.
	var replicate []*relay.Subscription
	if flags.Has(relay.FlagRead, relay.FlagCheckAny) {
		for id, spec := range p.subs {
			replicate = append(replicate, relay.NewSubscription(id, spec.filters, spec.policy))
		}
	}
	p.mu.Unlock()

	for _, sub := range replicate {
		if err := r.Subscribe(ctx, sub); err != nil {
			p.log.Warn("replicating subscription failed", "relay", norm, "subscription", sub.ID, "error", err)
		}
	}

	p.log.Info("relay added", "relay", norm, "flags", flags.String())
	return true, nil
}

// RemoveRelay disconnects and forgets a relay. Returns false when the URL
// was not present.
func (p *Pool) RemoveRelay(url string) bool {
	norm := nostr.NormalizeURL(url)

	p.mu.Lock()
	r, ok := p.relays[norm]
	delete(p.relays, norm)
	p.mu.Unlock()

	if !ok {
		return false
	}
	r.Disconnect()
	p.log.Info("relay removed", "relay", norm)
	return true
}

// Relay looks up a relay by URL.
func (p *Pool) Relay(url string) (*relay.Relay, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.relays[nostr.NormalizeURL(url)]
	if !ok {
		return nil, ErrRelayNotFound
	}
	return r, nil
}

// Relays returns a snapshot of all relays.
func (p *Pool) Relays() []*relay.Relay {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*relay.Relay, 0, len(p.relays))
	for _, r := range p.relays {
		out = append(out, r)
	}
	return out
}

// targets returns relays matching the flag query.
func (p *Pool) targets(flags relay.ServiceFlags, check relay.FlagCheck) []*relay.Relay {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*relay.Relay
	for _, r := range p.relays {
		if r.Flags().Has(flags, check) {
			out = append(out, r)
		}
	}
	return out
}

// Connect starts the connection task of every relay. The context bounds
// the relays' lifetime.
func (p *Pool) Connect(ctx context.Context) error {
	p.mu.RLock()
	if p.shutdown {
		p.mu.RUnlock()
		return ErrShutdown
	}
	relays := make([]*relay.Relay, 0, len(p.relays))
	for _, r := range p.relays {
		relays = append(relays, r)
	}
	p.mu.RUnlock()

	for _, r := range relays {
		if err := r.Connect(ctx); err != nil {
			p.log.Warn("connect failed", "relay", r.URL(), "error", err)
		}
	}
	return nil
}

// ConnectRelay starts one relay's connection task.
func (p *Pool) ConnectRelay(ctx context.Context, url string) error {
	r, err := p.Relay(url)
	if err != nil {
		return err
	}
	return r.Connect(ctx)
}

// Disconnect stops every relay without removing it.
func (p *Pool) Disconnect() {
	for _, r := range p.Relays() {
		r.Disconnect()
	}
}

// SendEvent publishes one event to every write relay and reports the
// per-relay outcome.
func (p *Pool) SendEvent(ctx context.Context, event *nostr.Event) (*Output, error) {
	p.mu.RLock()
	down := p.shutdown
	p.mu.RUnlock()
	if down {
		return nil, ErrShutdown
	}

	targets := p.targets(relay.FlagWrite, relay.FlagCheckAny)
	out := newOutput()
	if len(targets) == 0 {
		return out, ErrNoRelays
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range targets {
		r := r
		g.Go(func() error {
			if err := r.Publish(gctx, event); err != nil {
				out.fail(r.URL(), err)
			} else {
				out.ok(r.URL())
			}
			return nil
		})
	}
	g.Wait()
	return out, out.Err()
}

// SendEventTo publishes one event to the named relays only, regardless of
// their flags.
func (p *Pool) SendEventTo(ctx context.Context, urls []string, event *nostr.Event) (*Output, error) {
	p.mu.RLock()
	down := p.shutdown
	var targets []*relay.Relay
	for _, url := range urls {
		if r, ok := p.relays[nostr.NormalizeURL(url)]; ok {
			targets = append(targets, r)
		}
	}
	p.mu.RUnlock()
	if down {
		return nil, ErrShutdown
	}

	out := newOutput()
	if len(targets) == 0 {
		return out, ErrNoRelays
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range targets {
		r := r
		g.Go(func() error {
			if err := r.Publish(gctx, event); err != nil {
				out.fail(r.URL(), err)
			} else {
				out.ok(r.URL())
			}
			return nil
		})
	}
	g.Wait()
	return out, out.Err()
}

// BatchEvent publishes several events to every write relay. A relay counts
// as failed when any event fails on it.
func (p *Pool) BatchEvent(ctx context.Context, events []*nostr.Event) (*Output, error) {
	p.mu.RLock()
	down := p.shutdown
	p.mu.RUnlock()
	if down {
		return nil, ErrShutdown
	}

	targets := p.targets(relay.FlagWrite, relay.FlagCheckAny)
	out := newOutput()
	if len(targets) == 0 {
		return out, ErrNoRelays
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range targets {
		r := r
		g.Go(func() error {
			for _, ev := range events {
				if err := r.Publish(gctx, ev); err != nil {
					out.fail(r.URL(), fmt.Errorf("event %s: %w", ev.ID, err))
					return nil
				}
			}
			out.ok(r.URL())
			return nil
		})
	}
	g.Wait()
	return out, out.Err()
}

// Subscribe opens a logical subscription on every read relay and returns
// its ID. Events from all relays are merged and deduplicated on the
// notification stream.
func (p *Pool) Subscribe(ctx context.Context, filters []nostr.Filter, exit relay.ExitPolicy) (string, error) {
	id := uuid.NewString()

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return "", ErrShutdown
	}
	p.subs[id] = subscriptionSpec{filters: filters, policy: exit}
	p.mu.Unlock()

	targets := p.targets(relay.FlagRead, relay.FlagCheckAny)
	if len(targets) == 0 {
		return id, ErrNoRelays
	}

	for _, r := range targets {
		sub := relay.NewSubscription(id, filters, exit)
		if err := r.Subscribe(ctx, sub); err != nil {
			p.log.Warn("subscribe failed", "relay", r.URL(), "subscription", id, "error", err)
		}
	}
	return id, nil
}

// Unsubscribe closes a logical subscription everywhere.
func (p *Pool) Unsubscribe(ctx context.Context, id string) {
	p.mu.Lock()
	delete(p.subs, id)
	p.mu.Unlock()

	for _, r := range p.targets(relay.FlagRead, relay.FlagCheckAny) {
		if err := r.Unsubscribe(ctx, id); err != nil {
			p.log.Warn("unsubscribe failed", "relay", r.URL(), "subscription", id, "error", err)
		}
	}
}

// Count queries every read relay and returns the largest answer, a cheap
// upper bound that ignores relays missing events the others hold.
func (p *Pool) Count(ctx context.Context, filters []nostr.Filter) (int64, error) {
	targets := p.targets(relay.FlagRead, relay.FlagCheckAny)
	if len(targets) == 0 {
		return 0, ErrNoRelays
	}

	var (
		mu   sync.Mutex
		best int64 = -1
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range targets {
		r := r
		g.Go(func() error {
			n, err := r.Count(gctx, filters)
			if err != nil {
				p.log.Debug("count failed", "relay", r.URL(), "error", err)
				return nil
			}
			mu.Lock()
			if n > best {
				best = n
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if best < 0 {
		return 0, fmt.Errorf("count: no relay answered")
	}
	return best, nil
}

// Notifications returns a merged notification stream and its cancel
// function. Slow consumers lose items and receive a LaggedNotification.
func (p *Pool) Notifications() (<-chan relay.Notification, func()) {
	return p.broadcast.subscribe()
}

// Shutdown disconnects every relay, drains the persist queue, ends all
// notification streams and rejects further operations. Repeated calls are
// no-ops.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	relays := make([]*relay.Relay, 0, len(p.relays))
	for _, r := range p.relays {
		relays = append(relays, r)
	}
	p.mu.Unlock()

	for _, r := range relays {
		r.Disconnect()
	}

	// No relay read loop is left, so the queue can only drain.
	p.persistMu.Lock()
	p.persistClosed = true
	close(p.persistCh)
	p.persistMu.Unlock()
	<-p.persistDone

	p.broadcast.close()
	p.log.Info("pool shut down")
	return nil
}

// handleNotification is installed as every relay's notification callback
// and must not block: events are queued for the persist loop, which runs
// the dedup and store work off the relays' goroutines.
func (p *Pool) handleNotification(n relay.Notification) {
	ev, ok := n.(relay.EventNotification)
	if !ok {
		p.broadcast.publish(n)
		return
	}

	p.persistMu.RLock()
	defer p.persistMu.RUnlock()
	if p.persistClosed {
		return
	}
	select {
	case p.persistCh <- ev:
	default:
		p.log.Warn("persist queue full, dropping event", "relay", ev.RelayURL, "event", ev.Event.ID)
	}
}

// persistLoop drains queued events: cross-relay dedup, optional store
// write, then broadcast.
func (p *Pool) persistLoop() {
	defer close(p.persistDone)
	ctx := context.Background()

	for ev := range p.persistCh {
		dup, err := p.seen.Seen(ctx, ev.Event.ID)
		if err != nil {
			p.log.Warn("seen tracker failed", "error", err)
		} else if dup {
			continue
		}

		if p.store != nil {
			if _, err := p.store.Save(ctx, ev.Event); err != nil {
				p.log.Warn("store save failed", "event", ev.Event.ID, "error", err)
			}
		}
		p.broadcast.publish(ev)
	}
}
