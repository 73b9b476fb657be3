package xroute

import (
	"context"
	"time"
)

// ReceiveFunc performs a single receive on behalf of a polling endpoint.
type ReceiveFunc func(ctx context.Context) (*Message, error)

// ReceiveMiddleware wraps one receive call. It never sees the batch loop around it.
type ReceiveMiddleware func(next ReceiveFunc) ReceiveFunc

// ReceiveAdvice hooks around each receive of a polling endpoint.
//
// BeforeReceive returning false skips the receive; AfterReceive is then called
// with a nil result. AfterReceive may pass the result through, replace it, or
// discard it by returning nil. It cannot produce a message out of a nil result:
// such a return value is ignored.
type ReceiveAdvice interface {
	BeforeReceive(source PollableChannel) bool
	AfterReceive(result *Message, source PollableChannel) *Message
}

// ReceiveAdviceFuncs adapts plain functions to ReceiveAdvice. Nil fields pass through.
type ReceiveAdviceFuncs struct {
	Before func(source PollableChannel) bool
	After  func(result *Message, source PollableChannel) *Message
}

func (a ReceiveAdviceFuncs) BeforeReceive(source PollableChannel) bool {
	if a.Before == nil {
		return true
	}
	return a.Before(source)
}

func (a ReceiveAdviceFuncs) AfterReceive(result *Message, source PollableChannel) *Message {
	if a.After == nil {
		return result
	}
	return a.After(result, source)
}

// AdviceMiddleware turns a ReceiveAdvice into a ReceiveMiddleware bound to source.
func AdviceMiddleware(a ReceiveAdvice, source PollableChannel) ReceiveMiddleware {
	return func(next ReceiveFunc) ReceiveFunc {
		return func(ctx context.Context) (*Message, error) {
			var result *Message
			if a.BeforeReceive(source) {
				msg, err := next(ctx)
				if err != nil {
					return nil, err
				}
				result = msg
			}
			out := a.AfterReceive(result, source)
			if result == nil {
				return nil, nil
			}
			return out, nil
		}
	}
}

// ChainReceive composes middlewares around rf; the first middleware is the outermost.
func ChainReceive(rf ReceiveFunc, mws ...ReceiveMiddleware) ReceiveFunc {
	wrapped := rf
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}

// ActiveIdleAdvice switches a dynamic trigger between two periods: the active
// period after a receive that produced a message, the idle period after one
// that did not. Polling speeds up under load and backs off when the source is dry.
type ActiveIdleAdvice struct {
	trigger *DynamicPeriodicTrigger
	active  time.Duration
	idle    time.Duration
}

func NewActiveIdleAdvice(trigger *DynamicPeriodicTrigger, active, idle time.Duration) *ActiveIdleAdvice {
	return &ActiveIdleAdvice{trigger: trigger, active: active, idle: idle}
}

func (a *ActiveIdleAdvice) BeforeReceive(PollableChannel) bool { return true }

func (a *ActiveIdleAdvice) AfterReceive(result *Message, _ PollableChannel) *Message {
	if result != nil {
		a.trigger.SetPeriod(a.active)
	} else {
		a.trigger.SetPeriod(a.idle)
	}
	return result
}
