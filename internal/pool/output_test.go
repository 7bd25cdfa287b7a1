package pool

import (
	"errors"
	"strings"
	"testing"
)

func TestOutputErr(t *testing.T) {
	t.Run("nothing attempted", func(t *testing.T) {
		out := newOutput()
		if err := out.Err(); !errors.Is(err, ErrNoRelays) {
			t.Errorf("got %v, want ErrNoRelays", err)
		}
	})

	t.Run("partial success is success", func(t *testing.T) {
		out := newOutput()
		out.ok("wss://a.example.com")
		out.fail("wss://b.example.com", errors.New("timeout"))
		if err := out.Err(); err != nil {
			t.Errorf("got %v, want nil", err)
		}
	})

	t.Run("all failed", func(t *testing.T) {
		out := newOutput()
		out.fail("wss://b.example.com", errors.New("timeout"))
		out.fail("wss://a.example.com", errors.New("rejected"))

		err := out.Err()
		if err == nil {
			t.Fatal("expected error")
		}
		// Relay order in the message is deterministic.
		msg := err.Error()
		if strings.Index(msg, "a.example.com") > strings.Index(msg, "b.example.com") {
			t.Errorf("relays not sorted in %q", msg)
		}
	})
}

func TestChunkIDs(t *testing.T) {
	ids := make([]string, idChunkSize*2+10)
	for i := range ids {
		ids[i] = "id"
	}

	chunks := chunkIDs(ids)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if len(chunks[0]) != idChunkSize || len(chunks[2]) != 10 {
		t.Errorf("chunk sizes = %d/%d/%d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}

	if got := chunkIDs(nil); got != nil {
		t.Errorf("chunkIDs(nil) = %v, want nil", got)
	}
}
