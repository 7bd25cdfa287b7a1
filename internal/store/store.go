// Package store defines the event-store collaborator used to deduplicate
// inbound events and to seed reconciliation's local ID set, plus the
// seen-ID trackers used for cross-relay dedup at the pool boundary.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/rickgao/nostr-pool/internal/negentropy"
)

// SaveStatus reports the outcome of persisting one event.
type SaveStatus int

const (
	// Saved: the event was stored.
	Saved SaveStatus = iota
	// Duplicate: the event was already present.
	Duplicate
	// Rejected: the store refused the event.
	Rejected
)

func (s SaveStatus) String() string {
	switch s {
	case Saved:
		return "saved"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// SaveResult is the status plus a reason for rejections.
type SaveResult struct {
	Status SaveStatus
	Reason string
}

// EventStore is the narrow persistence interface the pool depends on.
type EventStore interface {
	Save(ctx context.Context, event *nostr.Event) (SaveResult, error)
	Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)

	// NegentropyItems returns the (created-at, id) pairs matching the
	// filter, for seeding a reconciliation session.
	NegentropyItems(ctx context.Context, filter nostr.Filter) ([]negentropy.Item, error)
}

// Memory is an in-process EventStore.
type Memory struct {
	mu     sync.RWMutex
	events map[string]*nostr.Event
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{events: make(map[string]*nostr.Event)}
}

func (m *Memory) Save(_ context.Context, event *nostr.Event) (SaveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[event.ID]; ok {
		return SaveResult{Status: Duplicate}, nil
	}
	m.events[event.ID] = event
	return SaveResult{Status: Saved}, nil
}

func (m *Memory) Query(_ context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*nostr.Event
	for _, ev := range m.events {
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) NegentropyItems(_ context.Context, filter nostr.Filter) ([]negentropy.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var items []negentropy.Item
	for _, ev := range m.events {
		if !filter.Matches(ev) {
			continue
		}
		it, err := negentropy.NewItem(uint64(ev.CreatedAt), ev.ID)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

// Len reports the number of stored events.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
