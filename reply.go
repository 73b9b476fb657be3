package xroute

import (
	"context"
	"fmt"
	"time"
)

// ReplyRouter decides where the reply to a request goes. A static output
// channel wins; otherwise the request's reply address is used, as a handle or
// as a name looked up through the resolver.
type ReplyRouter struct {
	output   MessageChannel
	resolver ChannelResolver
}

// NewReplyRouter accepts a nil output channel and a nil resolver.
func NewReplyRouter(output MessageChannel, resolver ChannelResolver) *ReplyRouter {
	return &ReplyRouter{output: output, resolver: resolver}
}

func (r *ReplyRouter) Resolve(request *Message) (MessageChannel, error) {
	if r.output != nil {
		return r.output, nil
	}
	addr := request.ReplyTo()
	if ch, ok := addr.Channel(); ok {
		return ch, nil
	}
	name, ok := addr.Name()
	if !ok {
		return nil, ErrNoReplyTarget
	}
	if r.resolver == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoChannelResolver, name)
	}
	return r.resolver.ResolveChannel(name)
}

// PrepareReply correlates reply with request. A correlation id the handler
// already set is kept; otherwise the request id is used.
func PrepareReply(request, reply *Message) *Message {
	if _, ok := reply.CorrelationID(); ok {
		return reply
	}
	return reply.WithCorrelationID(request.ID())
}

// ServiceFunc handles a request and returns the reply, or nil for none.
type ServiceFunc func(ctx context.Context, request *Message) (*Message, error)

// ActivatorOption configures a ServiceActivator.
type ActivatorOption func(*ServiceActivator)

// WithReplySendTimeout bounds the send of each reply (default: WaitForever).
func WithReplySendTimeout(d time.Duration) ActivatorOption {
	return func(a *ServiceActivator) { a.sendTimeout = d }
}

// RequiresReply makes a nil reply an error.
func RequiresReply() ActivatorOption {
	return func(a *ServiceActivator) { a.requiresReply = true }
}

func WithActivatorNotifier(fn func(Event)) ActivatorOption {
	return func(a *ServiceActivator) { a.notify = fn }
}

// failureSink is implemented by reply channels that can carry a handler
// failure back to a waiting caller.
type failureSink interface {
	deliverFailure(err error) bool
}

// ServiceActivator adapts a ServiceFunc into a Handler that routes each reply.
type ServiceActivator struct {
	service       ServiceFunc
	router        *ReplyRouter
	sendTimeout   time.Duration
	requiresReply bool
	notify        func(Event)
}

func NewServiceActivator(service ServiceFunc, router *ReplyRouter, opts ...ActivatorOption) *ServiceActivator {
	if router == nil {
		router = NewReplyRouter(nil, nil)
	}
	a := &ServiceActivator{
		service:     service,
		router:      router,
		sendTimeout: WaitForever,
		notify:      func(Event) {},
	}
	for _, o := range opts {
		if o != nil {
			o(a)
		}
	}
	return a
}

// Handler returns the activator as a Handler for consumers and subscriptions.
func (a *ServiceActivator) Handler() Handler { return a.HandleMessage }

func (a *ServiceActivator) HandleMessage(ctx context.Context, request *Message) error {
	reply, err := a.invoke(ctx, request)
	if err != nil {
		if ch, ok := request.ReplyTo().Channel(); ok {
			if sink, ok := ch.(failureSink); ok {
				sink.deliverFailure(err)
			}
		}
		return err
	}
	if reply == nil {
		if a.requiresReply {
			return fmt.Errorf("%w for message %s", ErrReplyRequired, request.ID())
		}
		return nil
	}

	reply = PrepareReply(request, reply)
	ch, err := a.router.Resolve(request)
	if err != nil {
		return err
	}
	ok, err := ch.Send(ctx, reply, a.sendTimeout)
	if err != nil {
		return err
	}
	if !ok {
		if slot, isSlot := ch.(*replyChannel); isSlot && slot.abandoned() {
			// late reply dropped without error, nothing was delivered
			return nil
		}
		return &DeliveryError{Channel: ch.Name(), Message: reply, Err: ErrSendTimeout}
	}
	a.notify(Event{Type: ReplySent, Channel: ch.Name(), MessageID: reply.ID()})
	return nil
}

func (a *ServiceActivator) invoke(ctx context.Context, request *Message) (reply *Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return a.service(ctx, request)
}
