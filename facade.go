package xroute

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var (
	defaultRuntime   *Runtime
	defaultRuntimeMu sync.Mutex
)

// Default returns the process-wide singleton Runtime.
func Default() *Runtime {
	defaultRuntimeMu.Lock()
	defer defaultRuntimeMu.Unlock()

	if defaultRuntime != nil {
		return defaultRuntime
	}

	r, err := NewRuntimeBuilder().Build()
	if err != nil {
		panic(fmt.Sprintf("xroute: failed to initialize default runtime: %v", err))
	}
	defaultRuntime = r
	return defaultRuntime
}

// SetDefault replaces the process-wide default Runtime.
func SetDefault(r *Runtime) {
	if r == nil {
		panic("xroute: SetDefault called with nil Runtime")
	}
	defaultRuntimeMu.Lock()
	defaultRuntime = r
	defaultRuntimeMu.Unlock()
}

// Send is the Facade using the default runtime.
func Send(ctx context.Context, channel string, msg *Message) error {
	return Default().Send(ctx, channel, msg)
}

// SendAndReceive is the Facade using the default runtime.
func SendAndReceive(ctx context.Context, channel string, msg *Message) (*Message, error) {
	return Default().SendAndReceive(ctx, channel, msg)
}

// Config holds the scalar runtime settings, typically loaded from a file.
type Config struct {
	// PoolSize bounds concurrent poll cycles (default: 10).
	PoolSize int
	// Codec names a registered codec (default: "json").
	Codec string
	// ObserverWorkers and ObserverBuffer size the async observer pool (defaults: 4, 1024).
	ObserverWorkers int
	ObserverBuffer  int
	// ShutdownTimeout bounds Close (default: 5s).
	ShutdownTimeout time.Duration
	// TimeOrderedIDs issues v7 UUIDs instead of random ones.
	TimeOrderedIDs bool
	// Gateway is used as is unless it is the zero value, which means DefaultGatewayConfig.
	Gateway GatewayConfig
}

func DefaultConfig() Config {
	return Config{
		PoolSize:        10,
		Codec:           "json",
		ObserverWorkers: 4,
		ObserverBuffer:  1024,
		ShutdownTimeout: 5 * time.Second,
		Gateway:         DefaultGatewayConfig(),
	}
}

// ConfigFromMap reads a Config from a generic map, starting from DefaultConfig.
// Gateway settings live under the "gateway" key.
func ConfigFromMap(cfg map[string]any) Config {
	c := DefaultConfig()
	c.PoolSize = getInt(cfg, "pool_size", c.PoolSize)
	c.Codec = getString(cfg, "codec", c.Codec)
	c.ObserverWorkers = getInt(cfg, "observer_workers", c.ObserverWorkers)
	c.ObserverBuffer = getInt(cfg, "observer_buffer", c.ObserverBuffer)
	c.ShutdownTimeout = getDur(cfg, "shutdown_timeout", c.ShutdownTimeout)
	c.TimeOrderedIDs = getBool(cfg, "time_ordered_ids", c.TimeOrderedIDs)
	if gw, ok := cfg["gateway"].(map[string]any); ok {
		c.Gateway = GatewayConfigFromMap(gw)
	}
	return c
}

// Option configures the RuntimeBuilder when calling Use.
type Option func(*RuntimeBuilder)

func WithLogger(l *xlog.Logger) Option {
	return func(b *RuntimeBuilder) { b.WithLogger(l) }
}

func WithClock(c xclock.Clock) Option {
	return func(b *RuntimeBuilder) { b.WithClock(c) }
}

func WithTimerClock(c clock.Clock) Option {
	return func(b *RuntimeBuilder) { b.WithTimerClock(c) }
}

// WithMiddleware adds handler middlewares (retry, timeout, etc) to every endpoint.
func WithMiddleware(mw ...Middleware) Option {
	return func(b *RuntimeBuilder) { b.WithMiddleware(mw...) }
}

// WithObserver attaches observers for runtime events.
func WithObserver(obs ...Observer) Option {
	return func(b *RuntimeBuilder) { b.WithObserver(obs...) }
}

// WithChannel declares a channel to create when the runtime is built.
func WithChannel(kind, name string, cfg map[string]any) Option {
	return func(b *RuntimeBuilder) { b.WithChannel(kind, name, cfg) }
}

// Use builds a Runtime from cfg and installs it as the process-wide default.
//
// Example:
//
//	rt := xroute.Use(xroute.Config{PoolSize: 4, Codec: "msgpack"},
//	    xroute.WithLogger(logger),
//	    xroute.WithChannel(xroute.KindQueue, "orders", map[string]any{"capacity": 128}),
//	)
func Use(cfg Config, opts ...Option) *Runtime {
	b := NewRuntimeBuilder().
		WithPoolSize(cfg.PoolSize).
		WithShutdownTimeout(cfg.ShutdownTimeout)
	if cfg.Gateway != (GatewayConfig{}) {
		b.WithGatewayConfig(cfg.Gateway)
	}
	if cfg.Codec != "" {
		b.WithCodec(cfg.Codec)
	}
	if cfg.ObserverWorkers > 0 {
		b.WithObserverPool(cfg.ObserverWorkers, cfg.ObserverBuffer)
	}
	if cfg.TimeOrderedIDs {
		b.WithIDGenerator(TimeOrderedIDs)
	}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}

	r, err := b.Build()
	if err != nil {
		panic(fmt.Errorf("xroute.Use: %w", err))
	}
	SetDefault(r)
	return r
}
