package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/rickgao/nostr-pool/internal/policy"
	"github.com/rickgao/nostr-pool/internal/relay"
	"github.com/rickgao/nostr-pool/internal/store"
)

// mockRelayServer creates a test WebSocket server.
func mockRelayServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func readFrame(conn *websocket.Conn) (string, []json.RawMessage, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return "", nil, err
	}
	var label string
	if err := json.Unmarshal(arr[0], &label); err != nil {
		return "", nil, err
	}
	return label, arr, nil
}

func writeFrame(conn *websocket.Conn, elems ...any) error {
	data, err := json.Marshal(elems)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// ackServer accepts or rejects every published event.
func ackServer(t *testing.T, accept bool, reason string) *httptest.Server {
	return mockRelayServer(t, func(conn *websocket.Conn) {
		for {
			label, arr, err := readFrame(conn)
			if err != nil {
				return
			}
			if label != "EVENT" {
				continue
			}
			var ev nostr.Event
			if err := json.Unmarshal(arr[1], &ev); err != nil {
				return
			}
			writeFrame(conn, "OK", ev.ID, accept, reason)
		}
	})
}

func testEventID(n int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("pool-event-%d", n)))
	return hex.EncodeToString(sum[:])
}

func testEvent(n int) *nostr.Event {
	return &nostr.Event{
		ID:        testEventID(n),
		PubKey:    testEventID(1000 + n),
		CreatedAt: nostr.Timestamp(1_700_000_000 + n),
		Kind:      1,
		Content:   fmt.Sprintf("event %d", n),
	}
}

func testPool(extra Options) *Pool {
	opts := extra
	opts.Relay = relay.Options{
		ConnectTimeout: 2 * time.Second,
		ReconnectBase:  20 * time.Millisecond,
		ReconnectMax:   100 * time.Millisecond,
		SendTimeout:    2 * time.Second,
	}
	return New(opts)
}

func addAndConnect(t *testing.T, p *Pool, url string, flags relay.ServiceFlags) {
	t.Helper()
	ctx := context.Background()

	added, err := p.AddRelay(ctx, url, flags)
	if err != nil {
		t.Fatalf("AddRelay(%s) failed: %v", url, err)
	}
	if !added {
		t.Fatalf("AddRelay(%s) reported already present", url)
	}
	if err := p.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	r, err := p.Relay(url)
	if err != nil {
		t.Fatalf("Relay lookup failed: %v", err)
	}
	if err := r.WaitForConnection(ctx, 2*time.Second); err != nil {
		t.Fatalf("relay %s not ready: %v", url, err)
	}
}

func TestPoolAddRemoveIdempotent(t *testing.T) {
	p := testPool(Options{})
	defer p.Shutdown()
	ctx := context.Background()

	added, err := p.AddRelay(ctx, "wss://relay.example.com", relay.FlagRead)
	if err != nil || !added {
		t.Fatalf("first AddRelay = (%v, %v)", added, err)
	}

	// Same relay under a normalization variant of the URL.
	added, err = p.AddRelay(ctx, "wss://relay.example.com/", relay.FlagRead)
	if err != nil {
		t.Fatalf("second AddRelay failed: %v", err)
	}
	if added {
		t.Error("second AddRelay reported a new relay")
	}

	if !p.RemoveRelay("wss://relay.example.com") {
		t.Error("RemoveRelay missed existing relay")
	}
	if p.RemoveRelay("wss://relay.example.com") {
		t.Error("second RemoveRelay reported success")
	}
}

type denyPolicy struct {
	policy.AllowAll
	blocked string
}

func (d denyPolicy) AdmitConnection(_ context.Context, url string) policy.Decision {
	if strings.Contains(url, d.blocked) {
		return policy.Reject("relay is blocklisted")
	}
	return policy.Allow()
}

func TestPoolAdmitConnectionGate(t *testing.T) {
	p := testPool(Options{Admit: denyPolicy{blocked: "evil"}})
	defer p.Shutdown()

	_, err := p.AddRelay(context.Background(), "wss://evil.example.com", relay.FlagRead)
	var rejected *policy.RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("got %v, want *policy.RejectedError", err)
	}

	if _, err := p.Relay("wss://evil.example.com"); !errors.Is(err, ErrRelayNotFound) {
		t.Error("rejected relay was added anyway")
	}
}

func TestPoolSendEventPartition(t *testing.T) {
	good := ackServer(t, true, "")
	defer good.Close()
	bad := ackServer(t, false, "blocked: no spam")
	defer bad.Close()

	p := testPool(Options{})
	defer p.Shutdown()

	addAndConnect(t, p, wsURL(good), relay.FlagWrite)
	addAndConnect(t, p, wsURL(bad), relay.FlagWrite)

	out, err := p.SendEvent(context.Background(), testEvent(1))
	if err != nil {
		t.Fatalf("SendEvent failed: %v", err)
	}

	if len(out.Success) != 1 || out.Success[0] != nostr.NormalizeURL(wsURL(good)) {
		t.Errorf("Success = %v", out.Success)
	}
	if len(out.Failed) != 1 {
		t.Fatalf("Failed = %v", out.Failed)
	}

	var rejected *relay.EventRejectedError
	for _, ferr := range out.Failed {
		if !errors.As(ferr, &rejected) {
			t.Errorf("failure = %v, want *relay.EventRejectedError", ferr)
		}
	}
}

func TestPoolSendEventTo(t *testing.T) {
	server := ackServer(t, true, "")
	defer server.Close()

	p := testPool(Options{})
	defer p.Shutdown()

	// Flags do not gate explicit targeting.
	addAndConnect(t, p, wsURL(server), relay.FlagRead)

	out, err := p.SendEventTo(context.Background(), []string{wsURL(server)}, testEvent(2))
	if err != nil {
		t.Fatalf("SendEventTo failed: %v", err)
	}
	if len(out.Success) != 1 {
		t.Errorf("Success = %v", out.Success)
	}

	if _, err := p.SendEventTo(context.Background(), []string{"wss://unknown.example.com"}, testEvent(2)); !errors.Is(err, ErrNoRelays) {
		t.Errorf("unknown target = %v, want ErrNoRelays", err)
	}
}

// silentServer reads frames and never acknowledges anything.
func silentServer(t *testing.T) *httptest.Server {
	return mockRelayServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
}

func TestPoolSendEventTimeoutPartition(t *testing.T) {
	good := ackServer(t, true, "")
	defer good.Close()
	silent := silentServer(t)
	defer silent.Close()

	p := New(Options{Relay: relay.Options{
		ConnectTimeout: 2 * time.Second,
		ReconnectBase:  20 * time.Millisecond,
		ReconnectMax:   100 * time.Millisecond,
		SendTimeout:    300 * time.Millisecond,
	}})
	defer p.Shutdown()

	addAndConnect(t, p, wsURL(good), relay.FlagWrite)
	addAndConnect(t, p, wsURL(silent), relay.FlagWrite)

	out, err := p.SendEvent(context.Background(), testEvent(3))
	if err != nil {
		t.Fatalf("SendEvent failed: %v", err)
	}

	if len(out.Success) != 1 || out.Success[0] != nostr.NormalizeURL(wsURL(good)) {
		t.Errorf("Success = %v", out.Success)
	}
	if ferr := out.Failed[nostr.NormalizeURL(wsURL(silent))]; !errors.Is(ferr, relay.ErrTimeout) {
		t.Errorf("silent relay failure = %v, want ErrTimeout", ferr)
	}
}

func TestPoolSendEventNoTargets(t *testing.T) {
	p := testPool(Options{})
	defer p.Shutdown()

	// A read-only relay is not a publish target.
	if _, err := p.AddRelay(context.Background(), "wss://r.example.com", relay.FlagRead); err != nil {
		t.Fatalf("AddRelay failed: %v", err)
	}

	if _, err := p.SendEvent(context.Background(), testEvent(1)); !errors.Is(err, ErrNoRelays) {
		t.Errorf("got %v, want ErrNoRelays", err)
	}
}

// streamServer serves one event to every REQ, then EOSE.
func streamServer(t *testing.T, eventNum int) *httptest.Server {
	return mockRelayServer(t, func(conn *websocket.Conn) {
		for {
			label, arr, err := readFrame(conn)
			if err != nil {
				return
			}
			if label != "REQ" {
				continue
			}
			var subID string
			json.Unmarshal(arr[1], &subID)
			writeFrame(conn, "EVENT", subID, testEvent(eventNum))
			writeFrame(conn, "EOSE", subID)
		}
	})
}

func TestPoolCrossRelayDedup(t *testing.T) {
	// Both relays serve the same event; consumers must see it once.
	a := streamServer(t, 7)
	defer a.Close()
	b := streamServer(t, 7)
	defer b.Close()

	mem := store.NewMemory()
	p := testPool(Options{Store: mem})
	defer p.Shutdown()

	notifications, cancel := p.Notifications()
	defer cancel()

	addAndConnect(t, p, wsURL(a), relay.FlagRead)
	addAndConnect(t, p, wsURL(b), relay.FlagRead)

	if _, err := p.Subscribe(context.Background(), []nostr.Filter{{Kinds: []int{1}}}, relay.ExitNever()); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	var events int
	timeout := time.After(2 * time.Second)
loop:
	for {
		select {
		case n := <-notifications:
			if _, ok := n.(relay.EventNotification); ok {
				events++
			}
		case <-timeout:
			break loop
		}
	}

	if events != 1 {
		t.Errorf("consumer saw %d events, want 1", events)
	}
	if mem.Len() != 1 {
		t.Errorf("store holds %d events, want 1", mem.Len())
	}
}

func TestPoolShutdown(t *testing.T) {
	p := testPool(Options{})

	notifications, cancel := p.Notifications()
	defer cancel()

	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := p.Shutdown(); err != nil {
		t.Errorf("second Shutdown = %v, want nil", err)
	}

	n, open := <-notifications
	if !open {
		t.Fatal("stream closed without shutdown notification")
	}
	if _, ok := n.(relay.ShutdownNotification); !ok {
		t.Errorf("got %T, want ShutdownNotification", n)
	}
	if _, open := <-notifications; open {
		t.Error("stream still open after shutdown")
	}

	if _, err := p.AddRelay(context.Background(), "wss://late.example.com", relay.FlagRead); !errors.Is(err, ErrShutdown) {
		t.Errorf("AddRelay after shutdown = %v, want ErrShutdown", err)
	}
	if _, err := p.SendEvent(context.Background(), testEvent(1)); !errors.Is(err, ErrShutdown) {
		t.Errorf("SendEvent after shutdown = %v, want ErrShutdown", err)
	}
}

// stalledStore blocks every Save until released.
type stalledStore struct {
	*store.Memory
	release chan struct{}
}

func (s *stalledStore) Save(ctx context.Context, ev *nostr.Event) (store.SaveResult, error) {
	<-s.release
	return s.Memory.Save(ctx, ev)
}

func TestPoolNotificationCallbackNeverBlocks(t *testing.T) {
	stalled := &stalledStore{Memory: store.NewMemory(), release: make(chan struct{})}
	var once sync.Once
	unblock := func() { once.Do(func() { close(stalled.release) }) }

	p := testPool(Options{Store: stalled})
	defer p.Shutdown()
	defer unblock() // shutdown drains the queue, so unblock the store first

	notifications, cancel := p.Notifications()
	defer cancel()

	// The callback runs on relay read loops; a stalled store must not
	// stall it.
	start := time.Now()
	for i := 0; i < 3; i++ {
		p.handleNotification(relay.EventNotification{
			RelayURL:       "wss://a.example.com",
			SubscriptionID: "sub",
			Event:          testEvent(40 + i),
		})
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("callback stalled for %v", elapsed)
	}

	unblock()

	got := 0
	timeout := time.After(2 * time.Second)
	for got < 3 {
		select {
		case n := <-notifications:
			if _, ok := n.(relay.EventNotification); ok {
				got++
			}
		case <-timeout:
			t.Fatalf("delivered %d events, want 3", got)
		}
	}
	if stalled.Len() != 3 {
		t.Errorf("store holds %d events, want 3", stalled.Len())
	}
}

func TestPoolAddRelayReplicatesOutsideLock(t *testing.T) {
	p := testPool(Options{Limits: &policy.LimiterConfig{ReqPerSecond: 1, ReqBurst: 1}})
	defer p.Shutdown()
	ctx := context.Background()

	// Two logical subscriptions cost more request tokens than the new
	// relay's bucket holds, so replication stalls in the limiter.
	if _, err := p.Subscribe(ctx, []nostr.Filter{{Kinds: []int{1}}}, relay.ExitNever()); !errors.Is(err, ErrNoRelays) {
		t.Fatalf("Subscribe on empty pool = %v, want ErrNoRelays", err)
	}
	if _, err := p.Subscribe(ctx, []nostr.Filter{{Kinds: []int{2}}}, relay.ExitNever()); !errors.Is(err, ErrNoRelays) {
		t.Fatalf("Subscribe on empty pool = %v, want ErrNoRelays", err)
	}

	added := make(chan struct{})
	go func() {
		defer close(added)
		if _, err := p.AddRelay(ctx, "wss://slow.example.com", relay.FlagRead); err != nil {
			t.Errorf("AddRelay failed: %v", err)
		}
	}()
	time.Sleep(50 * time.Millisecond)

	// Lookups must not wait for the replication REQs.
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Relays()
	}()
	select {
	case <-done:
	case <-time.After(300 * time.Millisecond):
		t.Fatal("Relays() blocked while AddRelay replicated subscriptions")
	}

	<-added
}

func TestPoolCount(t *testing.T) {
	counts := []int64{5, 12}
	var servers []*httptest.Server
	for _, c := range counts {
		c := c
		server := mockRelayServer(t, func(conn *websocket.Conn) {
			for {
				label, arr, err := readFrame(conn)
				if err != nil {
					return
				}
				if label == "COUNT" {
					var subID string
					json.Unmarshal(arr[1], &subID)
					writeFrame(conn, "COUNT", subID, map[string]int64{"count": c})
				}
			}
		})
		servers = append(servers, server)
		defer server.Close()
	}

	p := testPool(Options{})
	defer p.Shutdown()
	for _, s := range servers {
		addAndConnect(t, p, wsURL(s), relay.FlagRead)
	}

	n, err := p.Count(context.Background(), []nostr.Filter{{Kinds: []int{1}}})
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 12 {
		t.Errorf("Count = %d, want 12 (the largest answer)", n)
	}
}
