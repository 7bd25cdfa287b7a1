package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/nostr-pool/internal/negentropy"
	"github.com/rickgao/nostr-pool/internal/relay"
)

// SyncDirection selects which way events move after reconciliation.
type SyncDirection int

const (
	// SyncDown fetches events the relays hold and the store lacks.
	SyncDown SyncDirection = iota
	// SyncUp publishes events the store holds and the relays lack.
	SyncUp
	// SyncBoth transfers in both directions.
	SyncBoth
)

// idChunkSize caps the IDs packed into one filter during transfer.
const idChunkSize = 256

// SyncOptions tunes a pool-wide reconciliation pass.
type SyncOptions struct {
	Direction SyncDirection

	// DryRun reconciles and reports differences without moving events.
	DryRun bool

	// Relay tunes the per-relay exchange.
	Relay relay.SyncOptions
}

// RelaySync is the per-relay outcome of a sync pass.
type RelaySync struct {
	// LocalOnly and RemoteOnly count the IDs each side was missing.
	LocalOnly  int
	RemoteOnly int

	// Sent and Received count events actually transferred.
	Sent     int
	Received int

	Err error
}

// SyncReport maps relay URL to its outcome.
type SyncReport struct {
	Relays map[string]*RelaySync
}

// Err returns nil when any relay reconciled, an aggregate error otherwise.
func (r *SyncReport) Err() error {
	var firstErr error
	for _, rs := range r.Relays {
		if rs.Err == nil {
			return nil
		}
		if firstErr == nil {
			firstErr = rs.Err
		}
	}
	if firstErr == nil {
		return ErrNoRelays
	}
	return fmt.Errorf("sync failed on all relays: %w", firstErr)
}

// Sync reconciles the event store against every eligible relay for the
// events matching filter, then transfers the differences per Direction.
// Requires a configured store.
func (p *Pool) Sync(ctx context.Context, filter nostr.Filter, opts SyncOptions) (*SyncReport, error) {
	if p.store == nil {
		return nil, errors.New("sync requires an event store")
	}

	p.mu.RLock()
	down := p.shutdown
	p.mu.RUnlock()
	if down {
		return nil, ErrShutdown
	}

	items, err := p.store.NegentropyItems(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("load local items: %w", err)
	}

	flags := relay.FlagRead | relay.FlagWrite
	switch opts.Direction {
	case SyncDown:
		flags = relay.FlagRead
	case SyncUp:
		flags = relay.FlagWrite
	}

	targets := p.targets(flags, relay.FlagCheckAny)
	if len(targets) == 0 {
		return nil, ErrNoRelays
	}

	report := &SyncReport{Relays: make(map[string]*RelaySync, len(targets))}
	results := make([]*RelaySync, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range targets {
		i, r := i, r
		g.Go(func() error {
			results[i] = p.syncRelay(gctx, r, filter, items, opts)
			return nil
		})
	}
	g.Wait()

	for i, r := range targets {
		report.Relays[r.URL()] = results[i]
	}
	return report, report.Err()
}

func (p *Pool) syncRelay(ctx context.Context, r *relay.Relay, filter nostr.Filter, items []negentropy.Item, opts SyncOptions) *RelaySync {
	res, err := r.Sync(ctx, filter, items, opts.Relay)
	if err != nil {
		return &RelaySync{Err: err}
	}

	rs := &RelaySync{
		LocalOnly:  len(res.LocalOnly),
		RemoteOnly: len(res.RemoteOnly),
	}
	if opts.DryRun {
		return rs
	}

	canUp := opts.Direction != SyncDown && r.Flags().Has(relay.FlagWrite, relay.FlagCheckAny)
	canDown := opts.Direction != SyncUp && r.Flags().Has(relay.FlagRead, relay.FlagCheckAny)

	if canUp && len(res.LocalOnly) > 0 {
		n, err := p.transferUp(ctx, r, res.LocalOnly)
		rs.Sent = n
		if err != nil {
			rs.Err = err
			return rs
		}
	}
	if canDown && len(res.RemoteOnly) > 0 {
		n, err := p.transferDown(ctx, r, res.RemoteOnly, opts.Relay.RoundTimeout)
		rs.Received = n
		if err != nil {
			rs.Err = err
		}
	}
	return rs
}

// transferUp publishes locally stored events the relay is missing.
func (p *Pool) transferUp(ctx context.Context, r *relay.Relay, ids []string) (int, error) {
	sent := 0
	for _, chunk := range chunkIDs(ids) {
		events, err := p.store.Query(ctx, nostr.Filter{IDs: chunk})
		if err != nil {
			return sent, fmt.Errorf("load events for upload: %w", err)
		}
		for _, ev := range events {
			if err := r.Publish(ctx, ev); err != nil {
				return sent, fmt.Errorf("upload event %s: %w", ev.ID, err)
			}
			sent++
		}
	}
	return sent, nil
}

// transferDown requests the missing events by ID; the notification path
// persists them as they arrive.
func (p *Pool) transferDown(ctx context.Context, r *relay.Relay, ids []string, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	received := 0
	for _, chunk := range chunkIDs(ids) {
		sub := relay.NewSubscription(
			uuid.NewString(),
			[]nostr.Filter{{IDs: chunk}},
			relay.ExitOnEose(),
		)
		if err := r.Subscribe(ctx, sub); err != nil {
			return received, fmt.Errorf("request missing events: %w", err)
		}

		if err := waitClosed(ctx, sub, timeout); err != nil {
			r.Unsubscribe(ctx, sub.ID)
			return received + sub.Received(), err
		}
		received += sub.Received()
	}
	return received, nil
}

func waitClosed(ctx context.Context, sub *relay.Subscription, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if sub.Closed() {
			return nil
		}
		if time.Now().After(deadline) {
			return relay.ErrTimeout
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func chunkIDs(ids []string) [][]string {
	var out [][]string
	for len(ids) > idChunkSize {
		out = append(out, ids[:idChunkSize])
		ids = ids[idChunkSize:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
