package pool

import (
	"sync"

	"github.com/rickgao/nostr-pool/internal/relay"
)

// broadcaster fans notifications out to every subscriber over bounded
// buffers. A subscriber that falls behind loses items and is told so with a
// LaggedNotification once its buffer drains enough to accept one.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	buffer int
	closed bool
}

type subscriber struct {
	ch      chan relay.Notification
	dropped uint64
}

func newBroadcaster(buffer int) *broadcaster {
	if buffer <= 0 {
		buffer = 1024
	}
	return &broadcaster{
		subs:   make(map[int]*subscriber),
		buffer: buffer,
	}
}

// subscribe returns a notification channel and its cancel function. The
// channel is closed on cancel or broadcaster close.
func (b *broadcaster) subscribe() (<-chan relay.Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan relay.Notification)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan relay.Notification, b.buffer)}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// publish delivers n to every subscriber without blocking.
func (b *broadcaster) publish(n relay.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		// Owed lag report goes out first so drops stay visible in order.
		if sub.dropped > 0 {
			select {
			case sub.ch <- relay.LaggedNotification{Dropped: sub.dropped}:
				sub.dropped = 0
			default:
				sub.dropped++
				continue
			}
		}
		select {
		case sub.ch <- n:
		default:
			sub.dropped++
		}
	}
}

// close delivers a final ShutdownNotification and closes every channel.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subs {
		select {
		case sub.ch <- relay.ShutdownNotification{}:
		default:
		}
		close(sub.ch)
		delete(b.subs, id)
	}
}
