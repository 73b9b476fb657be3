package xroute

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/trickstertwo/xlog"
	"go.uber.org/multierr"
)

var _ SubscribableChannel = (*PublishSubscribeChannel)(nil)

// PublishSubscribeConfig controls broadcast delivery.
type PublishSubscribeConfig struct {
	// MinSubscribers is the number of subscribers that must handle a message
	// without error for the send to succeed (default: 0).
	MinSubscribers int
	// IgnoreFailures turns a missed quorum into a plain false result instead of an error.
	IgnoreFailures bool
}

func PublishSubscribeConfigFromMap(cfg map[string]any) PublishSubscribeConfig {
	return PublishSubscribeConfig{
		MinSubscribers: getInt(cfg, "min_subscribers", 0),
		IgnoreFailures: getBool(cfg, "ignore_failures", false),
	}
}

func (c PublishSubscribeConfig) Validate() error {
	if c.MinSubscribers < 0 {
		return fmt.Errorf("%w, got %d", ErrMinSubscribersNegative, c.MinSubscribers)
	}
	return nil
}

func (c PublishSubscribeConfig) toMap() map[string]any {
	return map[string]any{
		"min_subscribers": c.MinSubscribers,
		"ignore_failures": c.IgnoreFailures,
	}
}

// PublishSubscribeChannel broadcasts every message to all current subscribers.
// Each subscriber is invoked independently; one failing does not stop the others.
type PublishSubscribeChannel struct {
	name string
	cfg  PublishSubscribeConfig
	subs subscriberList
	opts channelOptions
}

func NewPublishSubscribeChannel(name string, cfg PublishSubscribeConfig, opts ...ChannelOption) (*PublishSubscribeChannel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PublishSubscribeChannel{name: name, cfg: cfg, opts: newChannelOptions(opts)}, nil
}

func (c *PublishSubscribeChannel) Name() string { return c.name }

func (c *PublishSubscribeChannel) Subscribe(h Handler) (Subscription, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	return c.subs.add(h), nil
}

func (c *PublishSubscribeChannel) SubscriberCount() int { return c.subs.len() }

// Send broadcasts msg. With fewer than MinSubscribers subscribed nothing is
// dispatched and the send fails with a DeliveryError wrapping
// ErrBelowMinSubscribers. When subscriber failures leave fewer than
// MinSubscribers successes the send fails the same way, or with a bare false
// when IgnoreFailures is set. Failures above the quorum are only logged.
func (c *PublishSubscribeChannel) Send(ctx context.Context, msg *Message, _ time.Duration) (bool, error) {
	if msg == nil {
		return false, ErrNilMessage
	}
	subs := c.subs.snapshot()
	if len(subs) < c.cfg.MinSubscribers {
		// an unmet minimum is fatal whatever IgnoreFailures says
		err := &DeliveryError{
			Channel: c.name,
			Message: msg,
			Err:     fmt.Errorf("%w: %d subscribed, %d required", ErrBelowMinSubscribers, len(subs), c.cfg.MinSubscribers),
		}
		c.opts.notify(Event{Type: SendFailed, Channel: c.name, MessageID: msg.ID(), Err: err})
		return false, err
	}

	var (
		errs      error
		succeeded int
	)
	for _, s := range subs {
		if err := invokeHandler(ctx, s.handler, msg); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		succeeded++
	}

	if succeeded < c.cfg.MinSubscribers {
		if c.cfg.IgnoreFailures {
			c.opts.notify(Event{Type: SendFailed, Channel: c.name, MessageID: msg.ID(), Err: ErrBelowMinSubscribers})
			return false, nil
		}
		err := &DeliveryError{
			Channel: c.name,
			Message: msg,
			Err:     multierr.Append(fmt.Errorf("%w: %d of %d", ErrBelowMinSubscribers, succeeded, c.cfg.MinSubscribers), errs),
		}
		c.opts.notify(Event{Type: SendFailed, Channel: c.name, MessageID: msg.ID(), Err: err})
		return false, err
	}

	if errs != nil {
		c.opts.logger.With(
			xlog.Str("channel", c.name),
			xlog.Str("message_id", msg.ID()),
			xlog.Str("failed", strconv.Itoa(len(multierr.Errors(errs)))),
		).Warn().Err(errs).Msg("xroute: subscriber failures ignored")
		c.opts.notify(Event{Type: Error, Channel: c.name, MessageID: msg.ID(), Err: errs})
	}
	c.opts.notify(Event{Type: MessageSent, Channel: c.name, MessageID: msg.ID()})
	return true, nil
}
