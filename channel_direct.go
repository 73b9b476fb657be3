package xroute

import (
	"context"
	"time"

	"go.uber.org/multierr"
)

var _ SubscribableChannel = (*DirectChannel)(nil)

// DirectChannel hands every message to each current subscriber on the sending
// goroutine, in subscription order. A send returns only after all of them ran.
type DirectChannel struct {
	name string
	subs subscriberList
	opts channelOptions
}

func NewDirectChannel(name string, opts ...ChannelOption) *DirectChannel {
	return &DirectChannel{name: name, opts: newChannelOptions(opts)}
}

func (c *DirectChannel) Name() string { return c.name }

func (c *DirectChannel) Subscribe(h Handler) (Subscription, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	return c.subs.add(h), nil
}

func (c *DirectChannel) SubscriberCount() int { return c.subs.len() }

// Send dispatches synchronously; the timeout is irrelevant because nothing is buffered.
// Handler failures are aggregated and returned in a DeliveryError once every
// subscriber has run.
func (c *DirectChannel) Send(ctx context.Context, msg *Message, _ time.Duration) (bool, error) {
	if msg == nil {
		return false, ErrNilMessage
	}
	subs := c.subs.snapshot()
	if len(subs) == 0 {
		err := &DeliveryError{Channel: c.name, Message: msg, Err: ErrNoSubscribers}
		c.opts.notify(Event{Type: SendFailed, Channel: c.name, MessageID: msg.ID(), Err: err})
		return false, err
	}

	var errs error
	for _, s := range subs {
		if err := invokeHandler(ctx, s.handler, msg); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		err := &DeliveryError{Channel: c.name, Message: msg, Err: errs}
		c.opts.notify(Event{Type: SendFailed, Channel: c.name, MessageID: msg.ID(), Err: err})
		return false, err
	}
	c.opts.notify(Event{Type: MessageSent, Channel: c.name, MessageID: msg.ID()})
	return true, nil
}
