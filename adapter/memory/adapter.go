package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xroute"
	"go.uber.org/multierr"
)

// Kind is the registry name of the executor channel.
const Kind = "executor"

func init() {
	if err := xroute.RegisterChannelKind(Kind, func(name string, cfg map[string]any, opts ...xroute.ChannelOption) (xroute.MessageChannel, error) {
		return New(name, ConfigFromMap(cfg), opts...), nil
	}); err != nil {
		panic(fmt.Errorf("xroute/memory: failed to register channel kind: %w", err))
	}
}

// Config controls executor channel behavior.
type Config struct {
	// BufferSize is the number of messages waiting for a worker (default: 1024).
	BufferSize int
	// Concurrency is the number of worker goroutines (default: 1).
	Concurrency int
	// RedeliveryDelay is the pause before a message every subscriber failed on
	// is dispatched again (default: 0 = immediate).
	RedeliveryDelay time.Duration
	// MaxDeliveries bounds dispatch attempts per message (default: 1 = no redelivery).
	MaxDeliveries int
	// ErrorHandler receives messages that exhausted their deliveries. When nil
	// they are logged.
	ErrorHandler xroute.ErrorHandler
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	// non-positive values fall back to the defaults in New
	return Config{
		BufferSize:      getInt("buffer_size", 1024),
		Concurrency:     getInt("concurrency", 1),
		RedeliveryDelay: getDur("redelivery_delay", 0),
		MaxDeliveries:   getInt("max_deliveries", 1),
	}
}

var _ xroute.SubscribableChannel = (*Channel)(nil)

// Channel is a subscribable channel that hands messages to a pool of workers.
// Send returns once the message is buffered; a worker later delivers it to one
// subscriber, chosen round-robin. When that subscriber fails the next one is
// tried, and when all of them fail the message is redelivered up to MaxDeliveries.
type Channel struct {
	name string
	cfg  Config
	env  xroute.ChannelEnv
	errs xroute.ErrorHandler

	subsMu sync.Mutex
	subSeq uint64
	subs   []subscriber
	next   atomic.Uint64

	queue  chan *task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	// Metrics for observability
	metrics *channelMetrics
}

type channelMetrics struct {
	sent        atomic.Uint64
	delivered   atomic.Uint64
	failovers   atomic.Uint64
	redelivered atomic.Uint64
	failed      atomic.Uint64
}

type subscriber struct {
	id      uint64
	handler xroute.Handler
}

type task struct {
	ctx      context.Context
	msg      *xroute.Message
	attempts int
}

// New creates an executor channel and starts its workers.
func New(name string, cfg Config, opts ...xroute.ChannelOption) *Channel {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxDeliveries < 1 {
		cfg.MaxDeliveries = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		name:    name,
		cfg:     cfg,
		env:     xroute.ResolveChannelOptions(opts...),
		errs:    cfg.ErrorHandler,
		queue:   make(chan *task, cfg.BufferSize),
		ctx:     ctx,
		cancel:  cancel,
		metrics: &channelMetrics{},
	}
	if c.errs == nil {
		c.errs = xroute.LoggingErrorHandler{Logger: c.env.Logger.With(xlog.Str("channel", name))}
	}
	for i := 0; i < cfg.Concurrency; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.worker()
		}()
	}
	return c
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) Subscribe(h xroute.Handler) (xroute.Subscription, error) {
	if h == nil {
		return nil, xroute.ErrNilHandler
	}
	c.subsMu.Lock()
	c.subSeq++
	id := c.subSeq
	next := make([]subscriber, len(c.subs), len(c.subs)+1)
	copy(next, c.subs)
	c.subs = append(next, subscriber{id: id, handler: h})
	c.subsMu.Unlock()

	var once sync.Once
	return &subscription{close: func() error {
		once.Do(func() { c.unsubscribe(id) })
		return nil
	}}, nil
}

func (c *Channel) unsubscribe(id uint64) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	next := make([]subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		if s.id != id {
			next = append(next, s)
		}
	}
	c.subs = next
}

func (c *Channel) snapshot() []subscriber {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return c.subs
}

func (c *Channel) SubscriberCount() int { return len(c.snapshot()) }

// Send buffers msg for the workers. It fails with a DeliveryError when nobody
// is subscribed, and returns false when the buffer stayed full for timeout.
func (c *Channel) Send(ctx context.Context, msg *xroute.Message, timeout time.Duration) (bool, error) {
	if msg == nil {
		return false, xroute.ErrNilMessage
	}
	if c.closed.Load() {
		return false, xroute.ErrChannelClosed
	}
	if len(c.snapshot()) == 0 {
		err := &xroute.DeliveryError{Channel: c.name, Message: msg, Err: xroute.ErrNoSubscribers}
		c.env.Notify(xroute.Event{Type: xroute.SendFailed, Channel: c.name, MessageID: msg.ID(), Err: err})
		return false, err
	}

	t := &task{ctx: context.WithoutCancel(ctx), msg: msg}
	select {
	case c.queue <- t:
		return c.accepted(msg), nil
	default:
	}
	if timeout == xroute.NoWait {
		return false, nil
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := c.env.Clock.Timer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case c.queue <- t:
		return c.accepted(msg), nil
	case <-deadline:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-c.ctx.Done():
		return false, xroute.ErrChannelClosed
	}
}

func (c *Channel) accepted(msg *xroute.Message) bool {
	c.metrics.sent.Add(1)
	c.env.Notify(xroute.Event{Type: xroute.MessageSent, Channel: c.name, MessageID: msg.ID()})
	return true
}

func (c *Channel) worker() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case t := <-c.queue:
			c.dispatch(t)
		}
	}
}

// dispatch tries every subscriber once, starting at the round-robin position.
func (c *Channel) dispatch(t *task) {
	t.attempts++
	subs := c.snapshot()
	var errs error
	if n := len(subs); n > 0 {
		start := int((c.next.Add(1) - 1) % uint64(n))
		for i := 0; i < n; i++ {
			s := subs[(start+i)%n]
			err := invoke(t.ctx, s.handler, t.msg)
			if err == nil {
				c.metrics.delivered.Add(1)
				return
			}
			errs = multierr.Append(errs, err)
			if i < n-1 {
				c.metrics.failovers.Add(1)
			}
		}
	} else {
		errs = xroute.ErrNoSubscribers
	}

	if t.attempts < c.cfg.MaxDeliveries {
		c.metrics.redelivered.Add(1)
		c.redeliver(t)
		return
	}

	c.metrics.failed.Add(1)
	err := &xroute.DeliveryError{Channel: c.name, Message: t.msg, Err: errs}
	c.env.Notify(xroute.Event{Type: xroute.HandlerFailed, Channel: c.name, MessageID: t.msg.ID(), Err: err})
	c.env.Logger.With(xlog.Str("channel", c.name), xlog.Str("attempts", strconv.Itoa(t.attempts))).
		Debug().Err(err).Msg("xroute/memory: deliveries exhausted")
	c.errs.HandleError(t.ctx, err)
}

func (c *Channel) redeliver(t *task) {
	requeue := func() {
		if c.ctx.Err() != nil {
			return
		}
		select {
		case c.queue <- t:
		case <-c.ctx.Done():
		}
	}
	if c.cfg.RedeliveryDelay <= 0 {
		// the worker itself may be the only reader, so never block it here
		go requeue()
		return
	}
	c.env.Clock.AfterFunc(c.cfg.RedeliveryDelay, requeue)
}

func invoke(ctx context.Context, h xroute.Handler, msg *xroute.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", xroute.ErrHandlerPanic, r)
		}
	}()
	return h(ctx, msg)
}

// Close stops the workers. Buffered messages are discarded.
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	return nil
}

// Stats returns channel telemetry.
type Stats struct {
	Sent        uint64
	Delivered   uint64
	Failovers   uint64
	Redelivered uint64
	Failed      uint64
	Pending     int
}

// Stats returns current channel metrics.
func (c *Channel) Stats() Stats {
	return Stats{
		Sent:        c.metrics.sent.Load(),
		Delivered:   c.metrics.delivered.Load(),
		Failovers:   c.metrics.failovers.Load(),
		Redelivered: c.metrics.redelivered.Load(),
		Failed:      c.metrics.failed.Load(),
		Pending:     len(c.queue),
	}
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}
