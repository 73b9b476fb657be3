package xroute

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// GatewayConfig controls request/reply exchanges.
type GatewayConfig struct {
	// SendTimeout bounds each send (default: WaitForever).
	SendTimeout time.Duration
	// ReplyTimeout bounds the wait for a reply (default: WaitForever).
	ReplyTimeout time.Duration
	// ThrowOnLateReply makes a reply arriving after the caller gave up fail with
	// ErrLateReply on the replying side. When false such replies are dropped silently.
	ThrowOnLateReply bool
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		SendTimeout:      WaitForever,
		ReplyTimeout:     WaitForever,
		ThrowOnLateReply: true,
	}
}

func GatewayConfigFromMap(cfg map[string]any) GatewayConfig {
	c := DefaultGatewayConfig()
	c.SendTimeout = getDur(cfg, "send_timeout", c.SendTimeout)
	c.ReplyTimeout = getDur(cfg, "reply_timeout", c.ReplyTimeout)
	c.ThrowOnLateReply = getBool(cfg, "throw_on_late_reply", c.ThrowOnLateReply)
	return c
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

func WithGatewayClock(c clock.Clock) GatewayOption {
	return func(g *Gateway) { g.clock = c }
}

func WithGatewayNotifier(fn func(Event)) GatewayOption {
	return func(g *Gateway) { g.notify = fn }
}

// Gateway sends messages and waits for correlated replies.
//
// Every SendAndReceive creates a temporary reply channel, stamps it on the
// request as the reply address and waits on it. The reply channel accepts
// exactly one reply; whatever arrives after that, or after the caller gave up,
// is refused.
type Gateway struct {
	cfg    GatewayConfig
	clock  clock.Clock
	notify func(Event)
}

func NewGateway(cfg GatewayConfig, opts ...GatewayOption) *Gateway {
	g := &Gateway{cfg: cfg}
	for _, o := range opts {
		if o != nil {
			o(g)
		}
	}
	if g.clock == nil {
		g.clock = clock.New()
	}
	if g.notify == nil {
		g.notify = func(Event) {}
	}
	return g
}

func (g *Gateway) Config() GatewayConfig { return g.cfg }

// Send delivers msg, failing with ErrSendTimeout when ch did not accept it in time.
func (g *Gateway) Send(ctx context.Context, ch MessageChannel, msg *Message) error {
	ok, err := ch.Send(ctx, msg, g.cfg.SendTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return &DeliveryError{Channel: ch.Name(), Message: msg, Err: ErrSendTimeout}
	}
	return nil
}

// Receive waits up to the reply timeout for a message on ch; nil means none arrived.
func (g *Gateway) Receive(ctx context.Context, ch PollableChannel) (*Message, error) {
	return ch.Receive(ctx, g.cfg.ReplyTimeout)
}

// SendAndReceive sends request and blocks until its reply arrives. The error is
// ErrReplyTimeout when none came in time, ctx.Err() on cancellation, or the
// failure raised while handling the request.
func (g *Gateway) SendAndReceive(ctx context.Context, ch MessageChannel, request *Message) (*Message, error) {
	return g.exchange(ctx, ch, request, g.newReplyChannel(request))
}

// SendAndReceiveAsync runs SendAndReceive in the background.
func (g *Gateway) SendAndReceiveAsync(ctx context.Context, ch MessageChannel, request *Message) *Future {
	fctx, cancel := context.WithCancel(ctx)
	f := &Future{done: make(chan struct{}), cancel: cancel, slot: g.newReplyChannel(request)}
	go func() {
		defer cancel()
		reply, err := g.exchange(fctx, ch, request, f.slot)
		f.complete(reply, err)
	}()
	return f
}

func (g *Gateway) exchange(ctx context.Context, ch MessageChannel, request *Message, slot *replyChannel) (*Message, error) {
	req := request.WithReplyTo(ReplyToChannel(slot))
	ok, err := ch.Send(ctx, req, g.cfg.SendTimeout)
	if err != nil {
		slot.abandon()
		return nil, err
	}
	if !ok {
		slot.abandon()
		return nil, &DeliveryError{Channel: ch.Name(), Message: req, Err: ErrSendTimeout}
	}
	return g.await(ctx, slot)
}

func (g *Gateway) await(ctx context.Context, slot *replyChannel) (*Message, error) {
	var deadline <-chan time.Time
	if g.cfg.ReplyTimeout >= 0 {
		t := g.clock.Timer(g.cfg.ReplyTimeout)
		defer t.Stop()
		deadline = t.C
	}
	select {
	case <-slot.done:
		return slot.result()
	case <-deadline:
	case <-ctx.Done():
	}
	if slot.abandon() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g.notify(Event{Type: ReplyTimedOut, Channel: slot.name, Err: ErrReplyTimeout})
		return nil, ErrReplyTimeout
	}
	// the reply won the race against the deadline
	return slot.result()
}

func (g *Gateway) newReplyChannel(request *Message) *replyChannel {
	return &replyChannel{
		name:        "reply:" + request.ID(),
		throwOnLate: g.cfg.ThrowOnLateReply,
		notify:      g.notify,
		done:        make(chan struct{}),
	}
}

type replyState int

const (
	replyPending replyState = iota
	replyCompleted
	replyAbandoned
)

var (
	_ MessageChannel = (*replyChannel)(nil)
	_ failureSink    = (*replyChannel)(nil)
)

// replyChannel is the one-shot rendezvous between a waiting caller and the
// replier. Its state only moves forward: pending to completed when the first
// reply (or failure) lands, pending to abandoned when the caller stops waiting.
type replyChannel struct {
	name        string
	throwOnLate bool
	notify      func(Event)
	done        chan struct{}

	mu      sync.Mutex
	state   replyState
	reply   *Message
	failure error
}

func (c *replyChannel) Name() string { return c.name }

func (c *replyChannel) Send(_ context.Context, msg *Message, _ time.Duration) (bool, error) {
	if msg == nil {
		return false, ErrNilMessage
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case replyPending:
		c.reply = msg
		c.state = replyCompleted
		close(c.done)
		return true, nil
	case replyCompleted:
		c.notify(Event{Type: ReplyDuplicate, Channel: c.name, MessageID: msg.ID(), Err: ErrReplyAlreadyReceived})
		return false, ErrReplyAlreadyReceived
	default:
		c.notify(Event{Type: ReplyLate, Channel: c.name, MessageID: msg.ID(), Err: ErrLateReply})
		if c.throwOnLate {
			return false, ErrLateReply
		}
		return false, nil
	}
}

// abandoned reports whether the waiting caller already gave up.
func (c *replyChannel) abandoned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == replyAbandoned
}

func (c *replyChannel) deliverFailure(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != replyPending {
		return false
	}
	c.failure = err
	c.state = replyCompleted
	close(c.done)
	return true
}

// abandon reports whether the caller gave up before any reply landed.
func (c *replyChannel) abandon() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != replyPending {
		return false
	}
	c.state = replyAbandoned
	return true
}

func (c *replyChannel) result() (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reply, c.failure
}

// Future is the pending result of SendAndReceiveAsync.
type Future struct {
	done   chan struct{}
	cancel context.CancelFunc
	slot   *replyChannel

	mu        sync.Mutex
	reply     *Message
	err       error
	cancelled bool
	finished  bool
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Get waits for the result. A cancelled future yields context.Canceled.
func (f *Future) Get(ctx context.Context) (*Message, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.reply, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel abandons the exchange: the context handed to the handler is cancelled,
// a reply arriving afterwards is treated as late and any result is discarded.
// It reports false when the future had already completed.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	if f.finished || f.cancelled {
		f.mu.Unlock()
		return false
	}
	f.cancelled = true
	f.mu.Unlock()

	f.slot.abandon()
	f.cancel()
	return true
}

func (f *Future) complete(reply *Message, err error) {
	f.mu.Lock()
	if f.cancelled {
		reply, err = nil, context.Canceled
	}
	f.reply, f.err = reply, err
	f.finished = true
	f.mu.Unlock()
	close(f.done)
}
