package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/rickgao/nostr-pool/internal/message"
	"github.com/rickgao/nostr-pool/internal/transport"
)

// Relay manages one relay connection: dialing, the session loops,
// reconnection with backoff, subscription routing and acknowledged sends.
type Relay struct {
	url   string
	opts  Options
	log   *slog.Logger
	stats *Stats

	flagsMu sync.RWMutex
	flags   ServiceFlags

	status atomic.Int32

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	runDone chan struct{}

	connMu sync.RWMutex
	conn   transport.Conn
	sendCh chan []byte

	subsMu sync.Mutex
	subs   map[string]*Subscription

	okMu      sync.Mutex
	pendingOK map[string]chan message.OkMessage

	countMu      sync.Mutex
	pendingCount map[string]chan int64

	negMu       sync.Mutex
	negSessions map[string]chan message.Incoming

	waitMu  sync.Mutex
	waiters []chan struct{}
}

// New builds a relay for url. The URL is used verbatim; normalization is the
// caller's concern.
func New(url string, flags ServiceFlags, opts Options) *Relay {
	if flags == 0 {
		flags = FlagDefault
	}
	opts = opts.normalize()
	return &Relay{
		url:          url,
		opts:         opts,
		log:          opts.Logger.With("relay", url),
		stats:        NewStats(),
		flags:        flags,
		subs:         make(map[string]*Subscription),
		pendingOK:    make(map[string]chan message.OkMessage),
		pendingCount: make(map[string]chan int64),
		negSessions:  make(map[string]chan message.Incoming),
	}
}

// URL returns the relay URL.
func (r *Relay) URL() string { return r.url }

// Stats returns the relay's health counters.
func (r *Relay) Stats() *Stats { return r.stats }

// Flags returns the current service flags.
func (r *Relay) Flags() ServiceFlags {
	r.flagsMu.RLock()
	defer r.flagsMu.RUnlock()
	return r.flags
}

// AddFlags sets the given flag bits.
func (r *Relay) AddFlags(f ServiceFlags) {
	r.flagsMu.Lock()
	defer r.flagsMu.Unlock()
	r.flags = r.flags.Add(f)
}

// RemoveFlags clears the given flag bits.
func (r *Relay) RemoveFlags(f ServiceFlags) {
	r.flagsMu.Lock()
	defer r.flagsMu.Unlock()
	r.flags = r.flags.Remove(f)
}

// Status returns the current connection status.
func (r *Relay) Status() Status {
	return Status(r.status.Load())
}

func (r *Relay) setStatus(s Status) {
	if Status(r.status.Swap(int32(s))) == s {
		return
	}
	if s == StatusConnected {
		r.waitMu.Lock()
		for _, ch := range r.waiters {
			close(ch)
		}
		r.waiters = nil
		r.waitMu.Unlock()
	}
	r.notify(StatusNotification{RelayURL: r.url, Status: s})
}

func (r *Relay) notify(n Notification) {
	if r.opts.OnNotification != nil {
		r.opts.OnNotification(n)
	}
}

// Connect starts the connection task. Idempotent while running; returns
// ErrBanned on a banned relay. The context bounds the lifetime of the whole
// task, not just the first dial.
func (r *Relay) Connect(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.Status() == StatusBanned {
		return ErrBanned
	}
	if r.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.running = true
	r.cancel = cancel
	r.runDone = make(chan struct{})
	r.setStatus(StatusPending)

	go r.run(runCtx)
	return nil
}

// Disconnect stops the connection task and marks the relay terminated.
// Connect may be called again afterwards.
func (r *Relay) Disconnect() {
	r.stop(StatusTerminated)
}

// Ban terminates the relay permanently; subsequent Connect calls fail.
func (r *Relay) Ban(reason string) {
	r.log.Warn("banning relay", "reason", reason)
	r.stop(StatusBanned)
}

func (r *Relay) stop(final Status) {
	r.runMu.Lock()
	cancel := r.cancel
	done := r.runDone
	running := r.running
	r.runMu.Unlock()

	if running && cancel != nil {
		cancel()
		<-done
	}

	// Banned is sticky.
	if r.Status() != StatusBanned || final == StatusBanned {
		r.setStatus(final)
	}
}

// WaitForConnection blocks until the relay is connected, the timeout
// expires or ctx is done.
func (r *Relay) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	if r.Status() == StatusConnected {
		return nil
	}

	ch := make(chan struct{})
	r.waitMu.Lock()
	if r.Status() == StatusConnected {
		r.waitMu.Unlock()
		return nil
	}
	r.waiters = append(r.waiters, ch)
	r.waitMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		r.dropWaiter(ch)
		return ErrTimeout
	case <-ctx.Done():
		r.dropWaiter(ch)
		return ctx.Err()
	}
}

// dropWaiter removes a wait channel whose caller gave up before the relay
// came up.
func (r *Relay) dropWaiter(ch chan struct{}) {
	r.waitMu.Lock()
	defer r.waitMu.Unlock()
	for i, w := range r.waiters {
		if w == ch {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			return
		}
	}
}

// run is the connection task: dial, serve a session, back off, repeat.
func (r *Relay) run(ctx context.Context) {
	defer func() {
		r.runMu.Lock()
		r.running = false
		close(r.runDone)
		r.runMu.Unlock()
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		attempt++
		r.stats.newAttempt()
		r.setStatus(StatusConnecting)

		dialCtx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
		conn, err := r.opts.Transport.Open(dialCtx, r.url)
		cancel()

		if err != nil {
			r.log.Warn("dial failed", "attempt", attempt, "error", err)
			r.setStatus(StatusDisconnected)
			if !r.sleep(ctx, jitter(backoffDelay(r.opts.ReconnectBase, r.opts.ReconnectMax, attempt))) {
				return
			}
			continue
		}

		start := time.Now()
		r.stats.newSuccess(start)
		r.session(ctx, conn)
		r.stats.disconnected()
		r.stats.pingReset()

		if ctx.Err() != nil {
			return
		}
		r.setStatus(StatusDisconnected)

		// A session that held long enough resets the backoff.
		if time.Since(start) >= r.opts.StabilityThreshold {
			attempt = 0
		}
		if !r.sleep(ctx, jitter(backoffDelay(r.opts.ReconnectBase, r.opts.ReconnectMax, attempt))) {
			return
		}
	}
}

// backoffDelay is the deterministic exponential schedule: base doubling per
// failed attempt, capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return base
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// jitter spreads reconnections by up to 25%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

func (r *Relay) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// session serves one established connection until it fails or ctx is done.
func (r *Relay) session(ctx context.Context, conn transport.Conn) {
	sessCtx, endSession := context.WithCancel(ctx)
	defer endSession()

	sendCh := make(chan []byte, r.opts.SendQueueSize)

	conn.SetPongHandler(func(payload []byte) {
		if len(payload) == 8 {
			r.stats.pongReceived(binary.LittleEndian.Uint64(payload), time.Now())
		}
	})

	// Install the session before announcing it so Send never observes a
	// connected relay without a queue.
	r.connMu.Lock()
	r.conn = conn
	r.sendCh = sendCh
	r.connMu.Unlock()

	defer func() {
		r.connMu.Lock()
		r.conn = nil
		r.sendCh = nil
		r.connMu.Unlock()
		r.failNegSessions()
	}()

	r.setStatus(StatusConnected)
	r.log.Info("connected")

	var wg sync.WaitGroup

	// Closing the socket is the only way to unblock the reader.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-sessCtx.Done()
		conn.Close()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer endSession()
		for {
			select {
			case data := <-sendCh:
				if err := conn.WriteMessage(data); err != nil {
					r.log.Warn("write failed", "error", err)
					return
				}
				r.stats.addSent(len(data))
			case <-sessCtx.Done():
				return
			}
		}
	}()

	if r.Flags().Has(FlagPing, FlagCheckAny) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.pingLoop(sessCtx, conn, endSession)
		}()
	}

	r.resubscribe()

	violations := 0
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if sessCtx.Err() == nil {
				r.log.Warn("read failed", "error", err)
			}
			break
		}
		r.stats.addReceived(len(data))

		if err := r.handleFrame(sessCtx, data); err != nil {
			var perr *message.ProtocolError
			if errors.As(err, &perr) {
				violations++
				r.log.Warn("protocol violation", "count", violations, "detail", perr.Detail)
				if r.opts.MaxProtocolViolations > 0 && violations >= r.opts.MaxProtocolViolations {
					endSession()
					wg.Wait()
					go r.Ban(fmt.Sprintf("%d protocol violations", violations))
					return
				}
				continue
			}
			r.log.Warn("frame handling failed", "error", err)
		}
	}

	endSession()
	wg.Wait()
}

// resubscribe re-issues REQ frames for every live subscription on a fresh
// session.
func (r *Relay) resubscribe() {
	r.subsMu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		if !s.Closed() {
			subs = append(subs, s)
		}
	}
	r.subsMu.Unlock()

	for _, s := range subs {
		s.resetSession()
		req := &message.ReqMessage{SubscriptionID: s.ID, Filters: s.Filters}
		if err := r.trySend(req); err != nil {
			r.log.Warn("resubscribe failed", "subscription", s.ID, "error", err)
		}
	}
}

func (r *Relay) pingLoop(ctx context.Context, conn transport.Conn, endSession context.CancelFunc) {
	ticker := time.NewTicker(r.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nonce, misses := r.stats.pingSent(time.Now())
			if misses >= r.opts.PingMaxMisses {
				r.log.Warn("ping unanswered, dropping session", "misses", misses)
				endSession()
				return
			}
			payload := make([]byte, 8)
			binary.LittleEndian.PutUint64(payload, nonce)
			if err := conn.Ping(payload); err != nil {
				r.log.Warn("ping failed", "error", err)
				endSession()
				return
			}
		}
	}
}

// Send queues an outgoing frame, blocking until queued, the timeout passes
// or ctx is done.
func (r *Relay) Send(ctx context.Context, msg message.Outgoing) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Label(), err)
	}

	r.connMu.RLock()
	sendCh := r.sendCh
	r.connMu.RUnlock()
	if sendCh == nil {
		return ErrNotConnected
	}

	timer := time.NewTimer(r.opts.SendTimeout)
	defer timer.Stop()

	select {
	case sendCh <- data:
		return nil
	case <-timer.C:
		return ErrSendQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend queues a frame without blocking.
func (r *Relay) trySend(msg message.Outgoing) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Label(), err)
	}

	r.connMu.RLock()
	sendCh := r.sendCh
	r.connMu.RUnlock()
	if sendCh == nil {
		return ErrNotConnected
	}

	select {
	case sendCh <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Publish sends an event and waits for the relay's OK, delaying first when
// the publish bucket is empty. A negative acknowledgment is returned as
// *EventRejectedError.
func (r *Relay) Publish(ctx context.Context, event *nostr.Event) error {
	if err := r.opts.Limiter.WaitEvent(ctx); err != nil {
		return err
	}
	return r.publish(ctx, event)
}

// PublishNoWait is Publish without the limiter delay: an empty publish
// bucket fails immediately with policy.ErrRateLimited.
func (r *Relay) PublishNoWait(ctx context.Context, event *nostr.Event) error {
	if err := r.opts.Limiter.AllowEvent(); err != nil {
		return err
	}
	return r.publish(ctx, event)
}

func (r *Relay) publish(ctx context.Context, event *nostr.Event) error {
	ackCh := make(chan message.OkMessage, 1)
	r.okMu.Lock()
	r.pendingOK[event.ID] = ackCh
	r.okMu.Unlock()
	defer func() {
		r.okMu.Lock()
		delete(r.pendingOK, event.ID)
		r.okMu.Unlock()
	}()

	if err := r.Send(ctx, &message.EventSubmission{Event: event}); err != nil {
		return err
	}

	timer := time.NewTimer(r.opts.SendTimeout)
	defer timer.Stop()

	select {
	case ok := <-ackCh:
		if !ok.Accepted {
			return &EventRejectedError{EventID: event.ID, Message: ok.Message}
		}
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers sub and issues its REQ when connected, delaying first
// when the request bucket is empty. The subscription survives reconnects
// until its exit policy closes it or Unsubscribe is called.
func (r *Relay) Subscribe(ctx context.Context, sub *Subscription) error {
	if err := r.opts.Limiter.WaitReq(ctx); err != nil {
		return err
	}
	return r.subscribe(ctx, sub)
}

// SubscribeNoWait is Subscribe without the limiter delay: an empty request
// bucket fails immediately with policy.ErrRateLimited.
func (r *Relay) SubscribeNoWait(ctx context.Context, sub *Subscription) error {
	if err := r.opts.Limiter.AllowReq(); err != nil {
		return err
	}
	return r.subscribe(ctx, sub)
}

func (r *Relay) subscribe(ctx context.Context, sub *Subscription) error {
	r.subsMu.Lock()
	if _, exists := r.subs[sub.ID]; exists {
		r.subsMu.Unlock()
		return fmt.Errorf("subscription %s already registered", sub.ID)
	}
	r.subs[sub.ID] = sub
	r.subsMu.Unlock()

	if r.Status() != StatusConnected {
		return nil
	}
	return r.Send(ctx, &message.ReqMessage{SubscriptionID: sub.ID, Filters: sub.Filters})
}

// Unsubscribe closes the subscription and sends CLOSE when connected.
func (r *Relay) Unsubscribe(ctx context.Context, subID string) error {
	r.subsMu.Lock()
	sub, ok := r.subs[subID]
	delete(r.subs, subID)
	r.subsMu.Unlock()

	if !ok {
		return nil
	}
	sub.markClosed()

	if r.Status() != StatusConnected {
		return nil
	}
	return r.Send(ctx, &message.CloseMessage{SubscriptionID: subID})
}

// Count asks the relay how many stored events match the filters (NIP-45).
// A relay that does not answer within the send timeout yields ErrTimeout.
func (r *Relay) Count(ctx context.Context, filters []nostr.Filter) (int64, error) {
	if err := r.opts.Limiter.WaitReq(ctx); err != nil {
		return 0, err
	}

	subID := uuid.NewString()
	resCh := make(chan int64, 1)
	r.countMu.Lock()
	r.pendingCount[subID] = resCh
	r.countMu.Unlock()
	defer func() {
		r.countMu.Lock()
		delete(r.pendingCount, subID)
		r.countMu.Unlock()
	}()

	if err := r.Send(ctx, &message.CountRequest{SubscriptionID: subID, Filters: filters}); err != nil {
		return 0, err
	}

	timer := time.NewTimer(r.opts.SendTimeout)
	defer timer.Stop()

	select {
	case n := <-resCh:
		return n, nil
	case <-timer.C:
		return 0, ErrTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// handleFrame parses and routes one inbound frame.
func (r *Relay) handleFrame(ctx context.Context, data []byte) error {
	in, err := message.Parse(data)
	if err != nil {
		return err
	}

	switch m := in.(type) {
	case *message.EventMessage:
		return r.handleEvent(ctx, m)

	case *message.OkMessage:
		r.okMu.Lock()
		ch, ok := r.pendingOK[m.EventID]
		r.okMu.Unlock()
		if ok {
			select {
			case ch <- *m:
			default:
			}
		}
		r.notify(MessageNotification{RelayURL: r.url, Message: m})

	case *message.EoseMessage:
		r.handleEose(ctx, m)
		r.notify(MessageNotification{RelayURL: r.url, Message: m})

	case *message.ClosedMessage:
		r.subsMu.Lock()
		sub, ok := r.subs[m.SubscriptionID]
		delete(r.subs, m.SubscriptionID)
		r.subsMu.Unlock()
		if ok {
			sub.markClosed()
			r.log.Info("subscription closed by relay",
				"subscription", m.SubscriptionID, "reason", m.Reason)
		}
		r.notify(MessageNotification{RelayURL: r.url, Message: m})

	case *message.NoticeMessage:
		r.log.Info("notice", "message", m.Message)
		r.notify(MessageNotification{RelayURL: r.url, Message: m})

	case *message.AuthChallenge:
		r.handleAuth(ctx, m)
		r.notify(MessageNotification{RelayURL: r.url, Message: m})

	case *message.CountResponse:
		r.countMu.Lock()
		ch, ok := r.pendingCount[m.SubscriptionID]
		r.countMu.Unlock()
		if ok {
			select {
			case ch <- m.Count:
			default:
			}
		}

	case *message.NegMessage:
		r.deliverNeg(m.SubscriptionID, m)

	case *message.NegError:
		r.deliverNeg(m.SubscriptionID, m)
	}

	return nil
}

func (r *Relay) handleEvent(ctx context.Context, m *message.EventMessage) error {
	r.subsMu.Lock()
	sub, ok := r.subs[m.SubscriptionID]
	r.subsMu.Unlock()
	if !ok {
		r.log.Debug("event for unknown subscription", "subscription", m.SubscriptionID)
		return nil
	}

	if r.opts.VerifyEvents {
		if valid, err := m.Event.CheckSignature(); err != nil || !valid {
			return &message.ProtocolError{Detail: fmt.Sprintf("invalid signature on event %s", m.Event.ID)}
		}
	}

	if d := r.opts.Admit.AdmitEvent(ctx, r.url, m.Event); !d.Allow {
		r.log.Debug("event rejected by policy", "event", m.Event.ID, "reason", d.Reason)
		return nil
	}

	duplicate, closeNow := sub.onEvent(m.Event.ID)
	if !duplicate {
		r.notify(EventNotification{
			RelayURL:       r.url,
			SubscriptionID: m.SubscriptionID,
			Event:          m.Event,
		})
	}
	if closeNow {
		go r.Unsubscribe(context.Background(), m.SubscriptionID)
	}
	return nil
}

func (r *Relay) handleEose(ctx context.Context, m *message.EoseMessage) {
	r.subsMu.Lock()
	sub, ok := r.subs[m.SubscriptionID]
	r.subsMu.Unlock()
	if !ok {
		return
	}

	closeNow, closeAfter := sub.onEose()
	if closeNow {
		go r.Unsubscribe(context.Background(), m.SubscriptionID)
		return
	}
	if closeAfter > 0 {
		subID := m.SubscriptionID
		time.AfterFunc(closeAfter, func() {
			r.Unsubscribe(context.Background(), subID)
		})
	}
}

func (r *Relay) handleAuth(ctx context.Context, m *message.AuthChallenge) {
	if r.opts.Signer == nil {
		return
	}
	if d := r.opts.Admit.AdmitAuth(ctx, r.url, m.Challenge); !d.Allow {
		r.log.Info("auth challenge declined by policy", "reason", d.Reason)
		return
	}

	// Signing may hit an external signer; keep it off the read loop.
	go func() {
		signCtx, cancel := context.WithTimeout(context.Background(), r.opts.SendTimeout)
		defer cancel()

		ev, err := r.opts.Signer.SignAuth(signCtx, r.url, m.Challenge)
		if err != nil {
			r.log.Warn("auth signing failed", "error", err)
			return
		}
		if err := r.Send(signCtx, &message.AuthResponse{Event: ev}); err != nil {
			r.log.Warn("auth response failed", "error", err)
		}
	}()
}

// registerNeg claims the reconciliation channel for subID.
func (r *Relay) registerNeg(subID string) chan message.Incoming {
	ch := make(chan message.Incoming, 4)
	r.negMu.Lock()
	r.negSessions[subID] = ch
	r.negMu.Unlock()
	return ch
}

func (r *Relay) unregisterNeg(subID string) {
	r.negMu.Lock()
	delete(r.negSessions, subID)
	r.negMu.Unlock()
}

func (r *Relay) deliverNeg(subID string, m message.Incoming) {
	r.negMu.Lock()
	ch, ok := r.negSessions[subID]
	r.negMu.Unlock()
	if !ok {
		r.log.Debug("reconciliation frame for unknown session", "subscription", subID)
		return
	}
	select {
	case ch <- m:
	default:
		r.log.Warn("reconciliation session backlogged, dropping frame", "subscription", subID)
	}
}

// failNegSessions wakes every pending reconciliation session when the
// connection drops; they observe ErrNotConnected on their next send.
func (r *Relay) failNegSessions() {
	r.negMu.Lock()
	sessions := r.negSessions
	r.negSessions = make(map[string]chan message.Incoming)
	r.negMu.Unlock()

	for _, ch := range sessions {
		close(ch)
	}
}
