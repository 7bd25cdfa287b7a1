package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/rickgao/nostr-pool/internal/message"
	"github.com/rickgao/nostr-pool/internal/negentropy"
)

// SyncOptions tunes one reconciliation exchange.
type SyncOptions struct {
	// FrameSizeLimit caps each frame; 0 uses the protocol default.
	FrameSizeLimit uint64

	// RoundTimeout bounds the wait for each relay response. Default 30s.
	RoundTimeout time.Duration
}

// SyncResult is the outcome of a reconciliation exchange: event IDs only
// present locally, IDs only present on the relay, and the number of
// message rounds it took.
type SyncResult struct {
	LocalOnly  []string
	RemoteOnly []string
	Rounds     int
}

// Sync reconciles the local item set against the relay's events matching
// filter (NIP-77). A relay that aborts the session or never answers the
// opening frame yields an error wrapping ErrUnsupported.
func (r *Relay) Sync(ctx context.Context, filter nostr.Filter, items []negentropy.Item, opts SyncOptions) (*SyncResult, error) {
	if r.Status() != StatusConnected {
		return nil, ErrNotConnected
	}
	if opts.RoundTimeout <= 0 {
		opts.RoundTimeout = 30 * time.Second
	}

	storage := &negentropy.Storage{}
	for _, it := range items {
		if err := storage.InsertItem(it); err != nil {
			return nil, err
		}
	}
	if err := storage.Seal(); err != nil {
		return nil, err
	}

	limit := opts.FrameSizeLimit
	if limit == 0 {
		limit = negentropy.DefaultFrameSizeLimit
	}
	neg, err := negentropy.New(storage, limit)
	if err != nil {
		return nil, err
	}

	payload, err := neg.Initiate()
	if err != nil {
		return nil, err
	}

	subID := uuid.NewString()
	inCh := r.registerNeg(subID)
	defer r.unregisterNeg(subID)
	defer r.trySend(&message.NegClose{SubscriptionID: subID})

	if err := r.Send(ctx, &message.NegOpen{SubscriptionID: subID, Filter: filter, Payload: payload}); err != nil {
		return nil, err
	}

	rounds := 0
	timer := time.NewTimer(opts.RoundTimeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(opts.RoundTimeout)

		var in message.Incoming
		select {
		case m, ok := <-inCh:
			if !ok {
				return nil, ErrNotConnected
			}
			in = m
		case <-timer.C:
			if rounds == 0 {
				// No reply to NEG-OPEN at all: the relay does not speak
				// the sub-protocol.
				return nil, fmt.Errorf("no reconciliation response: %w", ErrUnsupported)
			}
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		switch m := in.(type) {
		case *message.NegError:
			return nil, fmt.Errorf("%w: %s", ErrUnsupported, &NegSessionError{Reason: m.Reason})

		case *message.NegMessage:
			rounds++
			out, err := neg.Reconcile(m.Payload)
			if err != nil {
				if errors.Is(err, negentropy.ErrUnsupportedVersion) {
					return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
				}
				return nil, err
			}
			if out == nil {
				return &SyncResult{
					LocalOnly:  neg.Haves(),
					RemoteOnly: neg.Needs(),
					Rounds:     rounds,
				}, nil
			}
			if err := r.Send(ctx, &message.NegMessageOut{SubscriptionID: subID, Payload: out}); err != nil {
				return nil, err
			}
		}
	}
}
