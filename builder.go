package xroute

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// channelSpec is a channel declared on the builder and created by Build.
type channelSpec struct {
	kind string
	name string
	cfg  map[string]any
}

// RuntimeBuilder constructs Runtime instances (Builder pattern).
type RuntimeBuilder struct {
	codecName string
	codecInst Codec

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
	ticks       clock.Clock
	ids         IDGenerator

	poolSize        int
	gateway         GatewayConfig
	shutdownTimeout time.Duration

	observerWorkers int
	observerBuffer  int

	channels  []channelSpec
	instances []MessageChannel
}

// NewRuntimeBuilder returns a new builder with sensible defaults.
func NewRuntimeBuilder() *RuntimeBuilder {
	return &RuntimeBuilder{
		codecName:       "json",
		poolSize:        10,
		gateway:         DefaultGatewayConfig(),
		shutdownTimeout: 5 * time.Second,
		observerWorkers: 4,
		observerBuffer:  1024,
	}
}

func (rb *RuntimeBuilder) WithCodec(name string) *RuntimeBuilder {
	rb.codecName = name
	return rb
}

// WithCodecInstance accepts a ready Codec instance.
func (rb *RuntimeBuilder) WithCodecInstance(c Codec) *RuntimeBuilder {
	rb.codecInst = c
	return rb
}

func (rb *RuntimeBuilder) WithMiddleware(mw ...Middleware) *RuntimeBuilder {
	if len(mw) == 0 {
		return rb
	}
	rb.middlewares = append(rb.middlewares, mw...)
	return rb
}

func (rb *RuntimeBuilder) WithObserver(obs ...Observer) *RuntimeBuilder {
	for _, o := range obs {
		if o != nil {
			rb.observers = append(rb.observers, o)
		}
	}
	return rb
}

// WithObserverPool sizes the async observer pool. Zero workers disables observers.
func (rb *RuntimeBuilder) WithObserverPool(workers, bufferSize int) *RuntimeBuilder {
	rb.observerWorkers = workers
	rb.observerBuffer = bufferSize
	return rb
}

func (rb *RuntimeBuilder) WithLogger(l *xlog.Logger) *RuntimeBuilder {
	rb.logger = l
	return rb
}

// WithClock sets the clock used for message timestamps and durations.
func (rb *RuntimeBuilder) WithClock(c xclock.Clock) *RuntimeBuilder {
	rb.clock = c
	return rb
}

// WithTimerClock sets the clock driving the scheduler, channel timeouts and
// reply deadlines. Tests pass clock.NewMock().
func (rb *RuntimeBuilder) WithTimerClock(c clock.Clock) *RuntimeBuilder {
	rb.ticks = c
	return rb
}

func (rb *RuntimeBuilder) WithIDGenerator(g IDGenerator) *RuntimeBuilder {
	rb.ids = g
	return rb
}

// WithPoolSize bounds how many poll cycles run at once (default: 10).
func (rb *RuntimeBuilder) WithPoolSize(n int) *RuntimeBuilder {
	if n > 0 {
		rb.poolSize = n
	}
	return rb
}

func (rb *RuntimeBuilder) WithGatewayConfig(cfg GatewayConfig) *RuntimeBuilder {
	rb.gateway = cfg
	return rb
}

// WithShutdownTimeout bounds how long Close waits for running work (default: 5s).
func (rb *RuntimeBuilder) WithShutdownTimeout(d time.Duration) *RuntimeBuilder {
	if d > 0 {
		rb.shutdownTimeout = d
	}
	return rb
}

// WithChannel declares a channel of a registered kind to create on Build.
func (rb *RuntimeBuilder) WithChannel(kind, name string, cfg map[string]any) *RuntimeBuilder {
	rb.channels = append(rb.channels, channelSpec{kind: kind, name: name, cfg: cfg})
	return rb
}

// WithChannelInstance registers a ready channel on Build.
func (rb *RuntimeBuilder) WithChannelInstance(ch MessageChannel) *RuntimeBuilder {
	if ch != nil {
		rb.instances = append(rb.instances, ch)
	}
	return rb
}

func (rb *RuntimeBuilder) Build() (*Runtime, error) {
	var cd Codec
	var err error
	if rb.codecInst != nil {
		cd = rb.codecInst
	} else {
		cd, err = NewCodec(rb.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := rb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	ticks := rb.ticks
	if ticks == nil {
		ticks = clock.New()
	}
	lg := rb.logger
	if lg == nil {
		lg = xlog.Default()
	}
	ids := rb.ids
	if ids == nil {
		ids = defaultIDGenerator()
	}

	r := &Runtime{
		registry:        NewChannelRegistry(),
		codec:           cd,
		clock:           clk,
		ticks:           ticks,
		logger:          lg,
		ids:             ids,
		middlewares:     rb.middlewares,
		shutdownTimeout: rb.shutdownTimeout,
		metrics:         &runtimeMetrics{},
	}
	if rb.observerWorkers > 0 {
		r.observerPool = NewObserverPool(context.Background(), rb.observerWorkers, rb.observerBuffer, WithPoolLogger(lg))
	}
	r.scheduler = NewScheduler(
		WithSchedulerClock(ticks),
		WithSchedulerLogger(lg),
		WithPoolSize(rb.poolSize),
	)
	r.gateway = NewGateway(rb.gateway,
		WithGatewayClock(ticks),
		WithGatewayNotifier(r.notifyAsync),
	)

	hasLoggingObserver := false
	for _, o := range rb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		r.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range rb.observers {
		r.AddObserver(o)
	}

	for _, ch := range rb.instances {
		if err := r.registry.Register(ch); err != nil {
			_ = r.Close(context.Background())
			return nil, err
		}
	}
	for _, def := range rb.channels {
		if _, err := r.Channel(def.kind, def.name, def.cfg); err != nil {
			_ = r.Close(context.Background())
			return nil, err
		}
	}
	return r, nil
}

// New constructs a Runtime via Builder and returns a close func for convenience.
func New(init func(b *RuntimeBuilder)) (*Runtime, func() error, error) {
	b := NewRuntimeBuilder()
	if init != nil {
		init(b)
	}
	r, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return r.Close(context.Background()) }
	return r, closeFn, nil
}
