package relay

import (
	"testing"
	"time"
)

func TestSubscriptionDuplicates(t *testing.T) {
	sub := NewSubscription("s1", nil, ExitNever())

	if dup, _ := sub.onEvent("a"); dup {
		t.Error("first delivery marked duplicate")
	}
	if dup, _ := sub.onEvent("a"); !dup {
		t.Error("repeat delivery not marked duplicate")
	}
	if dup, _ := sub.onEvent("b"); dup {
		t.Error("distinct event marked duplicate")
	}

	// Reconnect resets the per-session set.
	sub.resetSession()
	if dup, _ := sub.onEvent("a"); dup {
		t.Error("duplicate state survived session reset")
	}
}

func TestSubscriptionExitOnEose(t *testing.T) {
	sub := NewSubscription("s1", nil, ExitOnEose())

	sub.onEvent("stored1")
	sub.onEvent("stored2")
	closeNow, closeAfter := sub.onEose()
	if !closeNow {
		t.Error("ExitOnEose did not close at EOSE")
	}
	if closeAfter != 0 {
		t.Errorf("closeAfter = %v, want 0", closeAfter)
	}
	if !sub.Closed() {
		t.Error("subscription not closed")
	}
}

func TestSubscriptionExitAfterEvents(t *testing.T) {
	sub := NewSubscription("s1", nil, ExitAfterEvents(2))

	// Stored events before EOSE do not count toward the threshold.
	for _, id := range []string{"a", "b", "c"} {
		if _, closeNow := sub.onEvent(id); closeNow {
			t.Fatalf("closed before EOSE on %s", id)
		}
	}

	if closeNow, _ := sub.onEose(); closeNow {
		t.Fatal("ExitAfterEvents(2) closed at EOSE")
	}

	if _, closeNow := sub.onEvent("live1"); closeNow {
		t.Fatal("closed after 1 of 2 live events")
	}
	// Duplicates do not count either.
	if _, closeNow := sub.onEvent("live1"); closeNow {
		t.Fatal("duplicate counted toward threshold")
	}
	if _, closeNow := sub.onEvent("live2"); !closeNow {
		t.Fatal("did not close after 2 live events")
	}
	if !sub.Closed() {
		t.Error("subscription not closed")
	}
}

func TestSubscriptionExitAfterEventsZero(t *testing.T) {
	sub := NewSubscription("s1", nil, ExitAfterEvents(0))
	if closeNow, _ := sub.onEose(); !closeNow {
		t.Error("ExitAfterEvents(0) should close at EOSE")
	}
}

func TestSubscriptionExitAfterDuration(t *testing.T) {
	wait := 250 * time.Millisecond
	sub := NewSubscription("s1", nil, ExitAfterDuration(wait))

	closeNow, closeAfter := sub.onEose()
	if closeNow {
		t.Error("ExitAfterDuration closed immediately")
	}
	if closeAfter != wait {
		t.Errorf("closeAfter = %v, want %v", closeAfter, wait)
	}

	// A second EOSE on the same session is not rescheduled.
	if _, again := sub.onEose(); again != 0 {
		t.Errorf("repeat EOSE rescheduled close: %v", again)
	}
}

func TestSubscriptionMarkClosed(t *testing.T) {
	sub := NewSubscription("s1", nil, ExitNever())
	if !sub.markClosed() {
		t.Error("first markClosed returned false")
	}
	if sub.markClosed() {
		t.Error("second markClosed returned true")
	}
}
