package xroute

import (
	"context"
	"sync"
)

var _ Lifecycle = (*EventDrivenConsumer)(nil)

// EventDrivenConsumer connects a Handler to a SubscribableChannel for as long
// as it is running. Handler errors propagate back to the sender.
type EventDrivenConsumer struct {
	name    string
	channel SubscribableChannel
	handler Handler
	opts    endpointOptions

	mu    sync.Mutex
	sub   Subscription
	state EndpointState
}

func NewEventDrivenConsumer(name string, channel SubscribableChannel, handler Handler, mws []Middleware, opts ...EndpointOption) (*EventDrivenConsumer, error) {
	if channel == nil {
		return nil, ErrNotSubscribable
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	c := &EventDrivenConsumer{
		name:    name,
		channel: channel,
		opts:    newEndpointOptions(opts),
	}
	h := Chain(handler, mws...)
	c.handler = func(ctx context.Context, msg *Message) error {
		ctx = injectEndpoint(InjectAll(ctx, c.opts.codec, c.opts.logger, c.opts.clock), c.name)
		start := c.opts.clock.Now()
		err := h(ctx, msg)
		if err != nil {
			c.opts.notify(Event{Type: HandlerFailed, Endpoint: c.name, Channel: channel.Name(), MessageID: msg.ID(), Duration: c.opts.clock.Since(start), Err: err})
			return &MessageHandlingError{Endpoint: c.name, Message: msg, Err: err}
		}
		c.opts.notify(Event{Type: MessageHandled, Endpoint: c.name, Channel: channel.Name(), MessageID: msg.ID(), Duration: c.opts.clock.Since(start)})
		return nil
	}
	return c, nil
}

func (c *EventDrivenConsumer) Name() string { return c.name }

func (c *EventDrivenConsumer) State() EndpointState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *EventDrivenConsumer) IsRunning() bool { return c.State() == Running }

func (c *EventDrivenConsumer) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Running {
		return nil
	}
	c.state = Starting
	sub, err := c.channel.Subscribe(c.handler)
	if err != nil {
		c.state = Stopped
		return err
	}
	c.sub = sub
	c.state = Running
	c.opts.notify(Event{Type: EndpointStarted, Endpoint: c.name, Channel: c.channel.Name()})
	return nil
}

func (c *EventDrivenConsumer) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return nil
	}
	c.state = Stopping
	err := c.sub.Close()
	c.sub = nil
	c.state = Stopped
	c.opts.notify(Event{Type: EndpointStopped, Endpoint: c.name, Channel: c.channel.Name()})
	return err
}
