package pool

import (
	"testing"

	"github.com/rickgao/nostr-pool/internal/relay"
)

func TestBroadcasterDelivery(t *testing.T) {
	b := newBroadcaster(8)
	ch1, cancel1 := b.subscribe()
	ch2, cancel2 := b.subscribe()
	defer cancel1()
	defer cancel2()

	b.publish(relay.StatusNotification{RelayURL: "wss://a", Status: relay.StatusConnected})

	for i, ch := range []<-chan relay.Notification{ch1, ch2} {
		select {
		case n := <-ch:
			if sn, ok := n.(relay.StatusNotification); !ok || sn.RelayURL != "wss://a" {
				t.Errorf("subscriber %d got %+v", i, n)
			}
		default:
			t.Errorf("subscriber %d got nothing", i)
		}
	}
}

func TestBroadcasterLaggedConsumer(t *testing.T) {
	b := newBroadcaster(2)
	ch, cancel := b.subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		b.publish(relay.StatusNotification{RelayURL: "wss://a", Status: relay.StatusConnected})
	}

	// Buffer held 2; 3 were dropped.
	<-ch
	<-ch

	b.publish(relay.StatusNotification{RelayURL: "wss://a", Status: relay.StatusDisconnected})

	n := <-ch
	lag, ok := n.(relay.LaggedNotification)
	if !ok {
		t.Fatalf("got %T, want LaggedNotification", n)
	}
	if lag.Dropped != 3 {
		t.Errorf("Dropped = %d, want 3", lag.Dropped)
	}

	// The triggering notification follows the lag report.
	n = <-ch
	if sn, ok := n.(relay.StatusNotification); !ok || sn.Status != relay.StatusDisconnected {
		t.Errorf("got %+v after lag report", n)
	}
}

func TestBroadcasterCancelStopsDelivery(t *testing.T) {
	b := newBroadcaster(8)
	ch, cancel := b.subscribe()
	cancel()

	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}

	// Publishing after cancel must not panic.
	b.publish(relay.ShutdownNotification{})
}

func TestBroadcasterClose(t *testing.T) {
	b := newBroadcaster(8)
	ch, _ := b.subscribe()

	b.close()

	n, open := <-ch
	if !open {
		t.Fatal("expected final notification before close")
	}
	if _, ok := n.(relay.ShutdownNotification); !ok {
		t.Errorf("got %T, want ShutdownNotification", n)
	}
	if _, open := <-ch; open {
		t.Error("channel still open after close")
	}

	// Subscribing after close yields a closed channel.
	ch2, _ := b.subscribe()
	if _, open := <-ch2; open {
		t.Error("post-close subscription not closed")
	}
}
