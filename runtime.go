package xroute

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var (
	_ API           = (*Runtime)(nil)
	_ HealthChecker = (*Runtime)(nil)
)

// Runtime is the Facade tying channels, endpoints, the scheduler and the
// request/reply gateway together.
type Runtime struct {
	registry        *ChannelRegistry
	scheduler       *Scheduler
	gateway         *Gateway
	codec           Codec
	clock           xclock.Clock
	ticks           clock.Clock
	logger          *xlog.Logger
	ids             IDGenerator
	middlewares     []Middleware
	shutdownTimeout time.Duration

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	metrics      *runtimeMetrics

	mu        sync.Mutex
	endpoints []Lifecycle
	seq       int
	running   bool

	closed    atomic.Bool
	closeOnce sync.Once
}

// runtimeMetrics uses lock-free atomics fed from the event stream.
type runtimeMetrics struct {
	sent            atomic.Uint64
	sendFailures    atomic.Uint64
	received        atomic.Uint64
	handled         atomic.Uint64
	rejected        atomic.Uint64
	handlerFailures atomic.Uint64
	pollCycles      atomic.Uint64
	replies         atomic.Uint64
	replyTimeouts   atomic.Uint64
	lateReplies     atomic.Uint64
	processingNs    atomic.Int64
}

func (r *Runtime) Registry() *ChannelRegistry { return r.registry }
func (r *Runtime) Scheduler() *Scheduler      { return r.scheduler }
func (r *Runtime) Gateway() *Gateway          { return r.gateway }
func (r *Runtime) Codec() Codec               { return r.codec }
func (r *Runtime) Logger() *xlog.Logger       { return r.logger }

// NewMessage starts a message stamped with the runtime's id generator and clock.
func (r *Runtime) NewMessage(payload any) *MessageBuilder {
	return NewMessageBuilder(payload).WithIDGenerator(r.ids).WithClock(r.clock)
}

// ChannelOptions returns the options the runtime applies to channels it creates,
// for adapters that build their own channels.
func (r *Runtime) ChannelOptions() []ChannelOption {
	return []ChannelOption{
		WithChannelLogger(r.logger),
		WithChannelClock(r.ticks),
		WithChannelNotifier(r.notifyAsync),
	}
}

func (r *Runtime) endpointOptions(name string) []EndpointOption {
	return []EndpointOption{
		WithEndpointLogger(r.logger.With(xlog.Str("endpoint", name))),
		WithEndpointClock(r.clock),
		WithEndpointCodec(r.codec),
		WithEndpointNotifier(r.notifyAsync),
	}
}

// Channel creates a channel of a registered kind and registers it under name.
func (r *Runtime) Channel(kind, name string, cfg map[string]any) (MessageChannel, error) {
	if r.closed.Load() {
		return nil, ErrRuntimeClosed
	}
	ch, err := NewChannel(kind, name, cfg, r.ChannelOptions()...)
	if err != nil {
		return nil, err
	}
	if err := r.registry.Register(ch); err != nil {
		if c, ok := ch.(interface{ Close() error }); ok {
			_ = c.Close()
		}
		return nil, err
	}
	return ch, nil
}

func (r *Runtime) DirectChannel(name string) (*DirectChannel, error) {
	ch, err := r.Channel(KindDirect, name, nil)
	if err != nil {
		return nil, err
	}
	return ch.(*DirectChannel), nil
}

func (r *Runtime) QueueChannel(name string, capacity int) (*QueueChannel, error) {
	ch, err := r.Channel(KindQueue, name, map[string]any{"capacity": capacity})
	if err != nil {
		return nil, err
	}
	return ch.(*QueueChannel), nil
}

func (r *Runtime) PublishSubscribeChannel(name string, cfg PublishSubscribeConfig) (*PublishSubscribeChannel, error) {
	ch, err := r.Channel(KindPublishSubscribe, name, cfg.toMap())
	if err != nil {
		return nil, err
	}
	return ch.(*PublishSubscribeChannel), nil
}

// RegisterChannel adds an externally built channel to the registry.
func (r *Runtime) RegisterChannel(ch MessageChannel) error {
	if r.closed.Load() {
		return ErrRuntimeClosed
	}
	return r.registry.Register(ch)
}

func (r *Runtime) ResolveChannel(name string) (MessageChannel, error) {
	return r.registry.ResolveChannel(name)
}

// Poll attaches a polling consumer to the named pollable channel. The endpoint
// starts right away when the runtime is running, otherwise on Start.
func (r *Runtime) Poll(channel string, handler Handler, cfg PollerConfig) (*PollingConsumer, error) {
	if r.closed.Load() {
		return nil, ErrRuntimeClosed
	}
	ch, err := r.registry.ResolveChannel(channel)
	if err != nil {
		return nil, err
	}
	source, ok := ch.(PollableChannel)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotPollable, channel)
	}
	name := r.endpointName(channel, "poller")
	cfg.Middlewares = append(append([]Middleware{}, r.middlewares...), cfg.Middlewares...)
	p, err := NewPollingConsumer(name, source, handler, r.scheduler, cfg, r.endpointOptions(name)...)
	if err != nil {
		return nil, err
	}
	if err := r.addEndpoint(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Subscribe attaches an event-driven consumer to the named subscribable channel.
func (r *Runtime) Subscribe(channel string, handler Handler) (*EventDrivenConsumer, error) {
	if r.closed.Load() {
		return nil, ErrRuntimeClosed
	}
	ch, err := r.registry.ResolveChannel(channel)
	if err != nil {
		return nil, err
	}
	sc, ok := ch.(SubscribableChannel)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotSubscribable, channel)
	}
	name := r.endpointName(channel, "consumer")
	c, err := NewEventDrivenConsumer(name, sc, handler, r.middlewares, r.endpointOptions(name)...)
	if err != nil {
		return nil, err
	}
	if err := r.addEndpoint(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Activate serves requests arriving on input with service. Replies go to output
// when it is not empty, else to each request's reply address. A pollable input
// is polled with poller (DefaultPollerConfig when nil); a subscribable one is
// subscribed to.
func (r *Runtime) Activate(input, output string, service ServiceFunc, poller *PollerConfig) (Lifecycle, error) {
	var out MessageChannel
	if output != "" {
		ch, err := r.registry.ResolveChannel(output)
		if err != nil {
			return nil, err
		}
		out = ch
	}
	activator := NewServiceActivator(service, NewReplyRouter(out, r.registry),
		WithReplySendTimeout(r.gateway.Config().SendTimeout),
		WithActivatorNotifier(r.notifyAsync),
	)

	ch, err := r.registry.ResolveChannel(input)
	if err != nil {
		return nil, err
	}
	if _, ok := ch.(PollableChannel); ok {
		cfg := DefaultPollerConfig()
		if poller != nil {
			cfg = *poller
		}
		return r.Poll(input, activator.Handler(), cfg)
	}
	return r.Subscribe(input, activator.Handler())
}

func (r *Runtime) endpointName(channel, kind string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return fmt.Sprintf("%s.%s#%d", channel, kind, r.seq)
}

func (r *Runtime) addEndpoint(e Lifecycle) error {
	r.mu.Lock()
	r.endpoints = append(r.endpoints, e)
	running := r.running
	r.mu.Unlock()
	if !running {
		return nil
	}
	if err := e.Start(context.Background()); err != nil {
		r.removeEndpoint(e)
		return err
	}
	return nil
}

func (r *Runtime) removeEndpoint(e Lifecycle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.endpoints {
		if cur == e {
			r.endpoints = append(r.endpoints[:i], r.endpoints[i+1:]...)
			return
		}
	}
}

// Send delivers msg to the named channel with the gateway's send timeout.
func (r *Runtime) Send(ctx context.Context, channel string, msg *Message) error {
	if r.closed.Load() {
		return ErrRuntimeClosed
	}
	ch, err := r.registry.ResolveChannel(channel)
	if err != nil {
		return err
	}
	return r.gateway.Send(ctx, ch, msg)
}

// SendAndReceive sends msg to the named channel and waits for its reply.
func (r *Runtime) SendAndReceive(ctx context.Context, channel string, msg *Message) (*Message, error) {
	if r.closed.Load() {
		return nil, ErrRuntimeClosed
	}
	ch, err := r.registry.ResolveChannel(channel)
	if err != nil {
		return nil, err
	}
	start := r.clock.Now()
	reply, err := r.gateway.SendAndReceive(ctx, ch, msg)
	r.recordProcessingTime(r.clock.Since(start).Nanoseconds())
	return reply, err
}

// SendAndReceiveAsync is the non-blocking form of SendAndReceive.
func (r *Runtime) SendAndReceiveAsync(ctx context.Context, channel string, msg *Message) (*Future, error) {
	if r.closed.Load() {
		return nil, ErrRuntimeClosed
	}
	ch, err := r.registry.ResolveChannel(channel)
	if err != nil {
		return nil, err
	}
	return r.gateway.SendAndReceiveAsync(ctx, ch, msg), nil
}

// Start starts every registered endpoint; endpoints added later start immediately.
func (r *Runtime) Start(ctx context.Context) error {
	if r.closed.Load() {
		return ErrRuntimeClosed
	}
	r.mu.Lock()
	r.running = true
	endpoints := append([]Lifecycle(nil), r.endpoints...)
	r.mu.Unlock()

	for _, e := range endpoints {
		if err := e.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every endpoint. In-flight poll cycles are not interrupted.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.running = false
	endpoints := append([]Lifecycle(nil), r.endpoints...)
	r.mu.Unlock()

	var firstErr error
	for _, e := range endpoints {
		if err := e.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetMetrics returns current runtime metrics.
func (r *Runtime) GetMetrics() Metrics {
	m := Metrics{
		Sent:                r.metrics.sent.Load(),
		SendFailures:        r.metrics.sendFailures.Load(),
		Received:            r.metrics.received.Load(),
		Handled:             r.metrics.handled.Load(),
		Rejected:            r.metrics.rejected.Load(),
		HandlerFailures:     r.metrics.handlerFailures.Load(),
		PollCycles:          r.metrics.pollCycles.Load(),
		Replies:             r.metrics.replies.Load(),
		ReplyTimeouts:       r.metrics.replyTimeouts.Load(),
		LateReplies:         r.metrics.lateReplies.Load(),
		AvgProcessingTimeMs: float64(r.metrics.processingNs.Load()) / 1e6,
	}
	if r.observerPool != nil {
		m.EventsDropped = r.observerPool.Stats().Dropped
	}
	return m
}

// Health reports degraded when more than 5% of handled messages failed.
func (r *Runtime) Health(_ context.Context) HealthStatus {
	now := r.clock.Now()
	if r.closed.Load() {
		return HealthStatus{Status: "unhealthy", Timestamp: now, Message: "runtime is closed"}
	}
	m := r.GetMetrics()
	status := "healthy"
	if total := m.Handled + m.HandlerFailures; total > 0 && m.HandlerFailures > 0 {
		if float64(m.HandlerFailures)/float64(total) > 0.05 {
			status = "degraded"
		}
	}
	return HealthStatus{Status: status, Metrics: m, Timestamp: now}
}

// Close stops endpoints, shuts the scheduler down, closes channels that hold
// resources and drains observers. It is idempotent.
func (r *Runtime) Close(ctx context.Context) error {
	var closeErr error
	r.closeOnce.Do(func() {
		if err := r.Stop(ctx); err != nil {
			closeErr = err
		}
		r.closed.Store(true)

		sctx, cancel := context.WithTimeout(ctx, r.shutdownTimeout)
		defer cancel()
		if err := r.scheduler.Shutdown(sctx); err != nil {
			r.logger.Warn().Err(err).Msg("xroute: scheduler shutdown timeout")
			closeErr = err
		}
		for _, name := range r.registry.Names() {
			ch, err := r.registry.ResolveChannel(name)
			if err != nil {
				continue
			}
			if c, ok := ch.(interface{ Close() error }); ok {
				if err := c.Close(); err != nil {
					r.logger.Warn().Err(err).Msg("xroute: channel close failed")
				}
			}
		}
		if r.observerPool != nil {
			if err := r.observerPool.Close(r.shutdownTimeout); err != nil {
				r.logger.Warn().Err(err).Msg("xroute: observer pool shutdown timeout")
				closeErr = err
			}
		}
	})
	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (r *Runtime) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	r.observersMu.Lock()
	r.observers = append(r.observers, obs)
	r.observersMu.Unlock()
}

// RemoveObserver removes an observer. Observers must be comparable, so pointer
// receivers or value structs; an ObserverFunc cannot be removed.
func (r *Runtime) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	r.observersMu.Lock()
	defer r.observersMu.Unlock()
	for i, o := range r.observers {
		if _, isFunc := o.(ObserverFunc); isFunc {
			continue
		}
		if o == obs {
			r.observers = append(r.observers[:i:i], r.observers[i+1:]...)
			return
		}
	}
}

// notifyAsync updates metrics and hands e to the observer pool.
func (r *Runtime) notifyAsync(e Event) {
	r.count(e)
	if r.observerPool == nil || r.closed.Load() {
		return
	}
	r.observersMu.RLock()
	if len(r.observers) == 0 {
		r.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(r.observers))
	copy(observers, r.observers)
	r.observersMu.RUnlock()

	r.observerPool.Notify(e, observers)
}

func (r *Runtime) count(e Event) {
	m := r.metrics
	switch e.Type {
	case MessageSent:
		m.sent.Add(1)
	case SendFailed:
		m.sendFailures.Add(1)
	case MessageReceived:
		m.received.Add(1)
	case MessageHandled:
		m.handled.Add(1)
		r.recordProcessingTime(e.Duration.Nanoseconds())
	case MessageRejected:
		m.rejected.Add(1)
	case HandlerFailed:
		m.handlerFailures.Add(1)
	case PollDone:
		m.pollCycles.Add(1)
	case ReplySent:
		m.replies.Add(1)
	case ReplyTimedOut:
		m.replyTimeouts.Add(1)
	case ReplyLate:
		m.lateReplies.Add(1)
	}
}

// recordProcessingTime keeps an exponential moving average of handler time.
func (r *Runtime) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := r.metrics.processingNs.Load()
	if current == 0 {
		r.metrics.processingNs.Store(ns)
		return
	}
	r.metrics.processingNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}
