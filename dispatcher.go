package xroute

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/trickstertwo/xlog"
)

// ChannelOption configures the in-process channels.
type ChannelOption func(*channelOptions)

type channelOptions struct {
	logger *xlog.Logger
	clock  clock.Clock
	notify func(Event)
}

func newChannelOptions(opts []ChannelOption) channelOptions {
	o := channelOptions{}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = xlog.Default()
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.notify == nil {
		o.notify = func(Event) {}
	}
	return o
}

// WithChannelLogger sets the logger used for dispatch warnings.
func WithChannelLogger(l *xlog.Logger) ChannelOption {
	return func(o *channelOptions) { o.logger = l }
}

// WithChannelClock sets the clock that times bounded sends and receives.
func WithChannelClock(c clock.Clock) ChannelOption {
	return func(o *channelOptions) { o.clock = c }
}

// WithChannelNotifier receives the channel's lifecycle events.
func WithChannelNotifier(fn func(Event)) ChannelOption {
	return func(o *channelOptions) { o.notify = fn }
}

// ChannelEnv is the resolved form of a set of ChannelOptions, for channel kinds
// implemented outside this package.
type ChannelEnv struct {
	Logger *xlog.Logger
	Clock  clock.Clock
	Notify func(Event)
}

func ResolveChannelOptions(opts ...ChannelOption) ChannelEnv {
	o := newChannelOptions(opts)
	return ChannelEnv{Logger: o.logger, Clock: o.clock, Notify: o.notify}
}

type subscriber struct {
	id      uint64
	handler Handler
}

// subscriberList is copy-on-write: dispatch iterates a snapshot while
// Subscribe and Close swap in a fresh slice under the lock.
type subscriberList struct {
	mu   sync.Mutex
	seq  uint64
	subs []subscriber
}

func (l *subscriberList) add(h Handler) Subscription {
	l.mu.Lock()
	l.seq++
	id := l.seq
	next := make([]subscriber, len(l.subs), len(l.subs)+1)
	copy(next, l.subs)
	l.subs = append(next, subscriber{id: id, handler: h})
	l.mu.Unlock()

	var once sync.Once
	return &subscription{close: func() error {
		once.Do(func() { l.remove(id) })
		return nil
	}}
}

func (l *subscriberList) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := make([]subscriber, 0, len(l.subs))
	for _, s := range l.subs {
		if s.id != id {
			next = append(next, s)
		}
	}
	l.subs = next
}

func (l *subscriberList) snapshot() []subscriber {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subs
}

func (l *subscriberList) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
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

// invokeHandler runs h and converts a panic into an error wrapping ErrHandlerPanic.
func invokeHandler(ctx context.Context, h Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h(ctx, msg)
}
