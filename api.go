package xroute

import (
	"context"
	"time"
)

// Timeouts accepted by Send and Receive.
const (
	// NoWait tries once and returns immediately.
	NoWait time.Duration = 0
	// WaitForever blocks until the operation succeeds or ctx is done.
	WaitForever time.Duration = -1
)

// Handler processes a single message. A non-nil error ends the current poll cycle
// and is reported to the endpoint's ErrorHandler.
type Handler func(ctx context.Context, msg *Message) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Subscription represents an active subscription that can be closed.
type Subscription interface {
	Close() error
}

// MessageChannel is a named conduit accepting messages.
//
// timeout < 0 waits indefinitely, timeout == 0 tries once, timeout > 0 bounds the wait.
// A false result with a nil error means the message was not accepted in time.
type MessageChannel interface {
	Name() string
	Send(ctx context.Context, msg *Message, timeout time.Duration) (bool, error)
}

// PollableChannel buffers messages until a consumer pulls them.
// Receive returns (nil, nil) when no message arrived within timeout.
type PollableChannel interface {
	MessageChannel
	Receive(ctx context.Context, timeout time.Duration) (*Message, error)
}

// SubscribableChannel pushes each message to its subscribers.
type SubscribableChannel interface {
	MessageChannel
	Subscribe(h Handler) (Subscription, error)
	SubscriberCount() int
}

// ChannelResolver looks channels up by name, e.g. to honour a reply address given as a string.
type ChannelResolver interface {
	ResolveChannel(name string) (MessageChannel, error)
}

// Codec is the Strategy for encoding/decoding payloads crossing a process boundary.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Observer receives runtime events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// Lifecycle is implemented by endpoints the runtime starts and stops.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete runtime surface.
type API interface {
	ResolveChannel(name string) (MessageChannel, error)
	RegisterChannel(ch MessageChannel) error
	Send(ctx context.Context, channel string, msg *Message) error
	SendAndReceive(ctx context.Context, channel string, msg *Message) (*Message, error)
	Poll(channel string, handler Handler, cfg PollerConfig) (*PollingConsumer, error)
	Subscribe(channel string, handler Handler) (*EventDrivenConsumer, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}
