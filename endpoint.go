package xroute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// EndpointState is the lifecycle state of a consumer endpoint.
type EndpointState int32

const (
	Stopped EndpointState = iota
	Starting
	Running
	Stopping
)

func (s EndpointState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("EndpointState(%d)", int32(s))
	}
}

// EndpointOption configures consumer endpoints.
type EndpointOption func(*endpointOptions)

type endpointOptions struct {
	logger *xlog.Logger
	clock  xclock.Clock
	codec  Codec
	notify func(Event)
}

func newEndpointOptions(opts []EndpointOption) endpointOptions {
	o := endpointOptions{}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = xlog.Default()
	}
	if o.clock == nil {
		o.clock = xclock.Default()
	}
	if o.notify == nil {
		o.notify = func(Event) {}
	}
	return o
}

func WithEndpointLogger(l *xlog.Logger) EndpointOption {
	return func(o *endpointOptions) { o.logger = l }
}

func WithEndpointClock(c xclock.Clock) EndpointOption {
	return func(o *endpointOptions) { o.clock = c }
}

// WithEndpointCodec makes c available to handlers through CodecFromContext.
func WithEndpointCodec(c Codec) EndpointOption {
	return func(o *endpointOptions) { o.codec = c }
}

// WithEndpointNotifier receives the endpoint's lifecycle events.
func WithEndpointNotifier(fn func(Event)) EndpointOption {
	return func(o *endpointOptions) { o.notify = fn }
}

// PollerConfig controls a PollingConsumer.
type PollerConfig struct {
	// MaxMessagesPerPoll bounds the messages handled per cycle; -1 drains the
	// source until a receive comes back empty. Zero means the default of 1.
	MaxMessagesPerPoll int
	// ReceiveTimeout is passed to every receive. Zero does not wait; negative waits indefinitely.
	ReceiveTimeout time.Duration

	// Trigger schedules the cycles. When nil, one is built from Cron, or from
	// Period, InitialDelay and FixedRate.
	Trigger      Trigger
	Period       time.Duration
	InitialDelay time.Duration
	FixedRate    bool
	Cron         string

	Selector     Selector
	ErrorHandler ErrorHandler
	Advice       []ReceiveAdvice
	Middlewares  []Middleware
}

// DefaultPollerConfig polls one message per second-long receive every second.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		MaxMessagesPerPoll: 1,
		ReceiveTimeout:     time.Second,
		Period:             time.Second,
	}
}

// PollerConfigFromMap reads the scalar settings of a PollerConfig, starting
// from DefaultPollerConfig.
func PollerConfigFromMap(cfg map[string]any) PollerConfig {
	c := DefaultPollerConfig()
	c.MaxMessagesPerPoll = getInt(cfg, "max_messages_per_poll", c.MaxMessagesPerPoll)
	c.ReceiveTimeout = getDur(cfg, "receive_timeout", c.ReceiveTimeout)
	c.Period = getDur(cfg, "period", c.Period)
	c.InitialDelay = getDur(cfg, "initial_delay", c.InitialDelay)
	c.FixedRate = getBool(cfg, "fixed_rate", c.FixedRate)
	c.Cron = getString(cfg, "cron", c.Cron)
	return c
}

func (c PollerConfig) Validate() error {
	if c.MaxMessagesPerPoll < -1 {
		return fmt.Errorf("%w, got %d", ErrInvalidMaxMessagesPerPoll, c.MaxMessagesPerPoll)
	}
	if c.Trigger == nil && c.Cron == "" && c.Period <= 0 {
		return ErrTriggerRequired
	}
	return nil
}

func (c PollerConfig) buildTrigger() (Trigger, error) {
	switch {
	case c.Trigger != nil:
		return c.Trigger, nil
	case c.Cron != "":
		return NewCronTrigger(c.Cron)
	default:
		opts := []TriggerOption{InitialDelay(c.InitialDelay)}
		if c.FixedRate {
			opts = append(opts, FixedRate())
		}
		return NewPeriodicTrigger(c.Period, opts...), nil
	}
}

var _ Lifecycle = (*PollingConsumer)(nil)

// PollingConsumer pulls messages from a PollableChannel on a schedule and hands
// them to a Handler.
//
// Each cycle receives up to MaxMessagesPerPoll messages. An empty receive ends
// the cycle quietly. A message the selector rejects, a handler error or a
// receive error ends the cycle and goes to the ErrorHandler once; the next
// cycle runs as scheduled.
type PollingConsumer struct {
	name      string
	source    PollableChannel
	handler   Handler
	scheduler *Scheduler
	trigger   Trigger
	receive   ReceiveFunc
	max       int
	selector  Selector
	errs      ErrorHandler
	opts      endpointOptions

	state  atomic.Int32
	cycles atomic.Uint64

	mu   sync.Mutex
	task *ScheduledTask

	// held for a whole cycle; a restart or PollOnce waits for the cycle in flight
	cycleMu sync.Mutex
}

func NewPollingConsumer(name string, source PollableChannel, handler Handler, scheduler *Scheduler, cfg PollerConfig, opts ...EndpointOption) (*PollingConsumer, error) {
	if source == nil {
		return nil, ErrNotPollable
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	if scheduler == nil {
		return nil, ErrSchedulerRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	trigger, err := cfg.buildTrigger()
	if err != nil {
		return nil, err
	}
	if cfg.MaxMessagesPerPoll == 0 {
		cfg.MaxMessagesPerPoll = 1
	}

	p := &PollingConsumer{
		name:      name,
		source:    source,
		handler:   Chain(handler, cfg.Middlewares...),
		scheduler: scheduler,
		trigger:   trigger,
		max:       cfg.MaxMessagesPerPoll,
		selector:  cfg.Selector,
		errs:      cfg.ErrorHandler,
		opts:      newEndpointOptions(opts),
	}
	if p.errs == nil {
		p.errs = LoggingErrorHandler{Logger: p.opts.logger}
	}

	timeout := cfg.ReceiveTimeout
	base := func(ctx context.Context) (*Message, error) {
		return source.Receive(ctx, timeout)
	}
	mws := make([]ReceiveMiddleware, 0, len(cfg.Advice))
	for _, a := range cfg.Advice {
		if a != nil {
			mws = append(mws, AdviceMiddleware(a, source))
		}
	}
	p.receive = ChainReceive(base, mws...)
	return p, nil
}

func (p *PollingConsumer) Name() string           { return p.name }
func (p *PollingConsumer) Source() PollableChannel { return p.source }
func (p *PollingConsumer) State() EndpointState    { return EndpointState(p.state.Load()) }
func (p *PollingConsumer) IsRunning() bool         { return p.State() == Running }

// Cycles returns how many poll cycles completed.
func (p *PollingConsumer) Cycles() uint64 { return p.cycles.Load() }

// Start schedules polling. Calling it on a running endpoint does nothing.
func (p *PollingConsumer) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State() == Running {
		return nil
	}
	p.state.Store(int32(Starting))
	task, err := p.scheduler.Schedule(p.name, p.poll, p.trigger)
	if err != nil {
		p.state.Store(int32(Stopped))
		return err
	}
	p.task = task
	p.state.Store(int32(Running))
	p.opts.notify(Event{Type: EndpointStarted, Endpoint: p.name, Channel: p.source.Name()})
	return nil
}

// Stop cancels future cycles. A cycle already running finishes normally; Stop
// does not wait for it, so it may be called from inside the handler. Use Done
// to wait.
func (p *PollingConsumer) Stop(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State() != Running {
		return nil
	}
	p.state.Store(int32(Stopping))
	p.task.Cancel()
	p.state.Store(int32(Stopped))
	p.opts.notify(Event{Type: EndpointStopped, Endpoint: p.name, Channel: p.source.Name()})
	return nil
}

// Done is closed when the current schedule has ended and no cycle is running:
// after Stop, or when the trigger stops producing fire times. It is nil before
// the first Start.
func (p *PollingConsumer) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.task == nil {
		return nil
	}
	return p.task.Done()
}

// PollOnce runs a single cycle on the calling goroutine and returns the number
// of messages handled. It waits for a scheduled cycle that is already running,
// so it must not be called from the endpoint's own handler.
func (p *PollingConsumer) PollOnce(ctx context.Context) int {
	return p.cycle(ctx)
}

func (p *PollingConsumer) poll(ctx context.Context) {
	p.cycle(ctx)
}

func (p *PollingConsumer) cycle(ctx context.Context) int {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	ctx = injectEndpoint(InjectAll(ctx, p.opts.codec, p.opts.logger, p.opts.clock), p.name)
	start := p.opts.clock.Now()
	p.opts.notify(Event{Type: PollStart, Endpoint: p.name, Channel: p.source.Name()})

	handled := 0
	for p.max < 0 || handled < p.max {
		msg, err := p.receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.fail(ctx, fmt.Errorf("xroute: endpoint %q receive from %q: %w", p.name, p.source.Name(), err))
			}
			break
		}
		if msg == nil {
			break
		}
		if p.selector != nil && !p.selector.Accept(msg) {
			p.opts.notify(Event{Type: MessageRejected, Endpoint: p.name, Channel: p.source.Name(), MessageID: msg.ID(), Err: ErrMessageRejected})
			p.fail(ctx, &MessageRejectedError{Endpoint: p.name, Message: msg})
			break
		}

		hstart := p.opts.clock.Now()
		if err := invokeHandler(ctx, p.handler, msg); err != nil {
			var he *MessageHandlingError
			if !errors.As(err, &he) {
				err = &MessageHandlingError{Endpoint: p.name, Message: msg, Err: err}
			}
			p.opts.notify(Event{Type: HandlerFailed, Endpoint: p.name, Channel: p.source.Name(), MessageID: msg.ID(), Duration: p.opts.clock.Since(hstart), Err: err})
			p.fail(ctx, err)
			break
		}
		handled++
		p.opts.notify(Event{Type: MessageHandled, Endpoint: p.name, Channel: p.source.Name(), MessageID: msg.ID(), Duration: p.opts.clock.Since(hstart)})
	}

	p.cycles.Add(1)
	p.opts.notify(Event{Type: PollDone, Endpoint: p.name, Channel: p.source.Name(), Count: handled, Duration: p.opts.clock.Since(start)})
	return handled
}

func (p *PollingConsumer) fail(ctx context.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.opts.logger.With(xlog.Str("endpoint", p.name)).Error().
				Err(fmt.Errorf("%w: %v", ErrHandlerPanic, r)).
				Msg("xroute: error handler panicked")
		}
	}()
	p.errs.HandleError(ctx, err)
}
