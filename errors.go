package xroute

import (
	"errors"
	"fmt"
)

var (
	ErrRuntimeClosed               = errors.New("xroute: runtime is closed")
	ErrObserverPoolShutdownTimeout = errors.New("xroute: observer pool shutdown timeout")
	ErrShutdownTimeout             = errors.New("xroute: shutdown timed out waiting for running tasks")
	ErrSchedulerShutdown           = errors.New("xroute: scheduler is shut down")
	ErrChannelClosed               = errors.New("xroute: channel is closed")
	ErrNilMessage                  = errors.New("xroute: message must not be nil")
	ErrNilHandler                  = errors.New("xroute: handler must not be nil")
	ErrImmutableMessage            = errors.New("xroute: message headers are immutable")
	ErrHandlerPanic                = errors.New("xroute: handler panic")
	ErrNoSubscribers               = errors.New("xroute: dispatcher has no subscribers")
	ErrBelowMinSubscribers         = errors.New("xroute: fewer subscribers than required accepted the message")
	ErrMessageRejected             = errors.New("xroute: message rejected by selector")
	ErrNoReplyTarget               = errors.New("xroute: no output channel or reply address available")
	ErrNoChannelResolver           = errors.New("xroute: reply address is a name but no channel resolver is configured")
	ErrReplyRequired               = errors.New("xroute: handler produced no reply")
	ErrReplyAlreadyReceived        = errors.New("xroute: reply already received")
	ErrLateReply                   = errors.New("xroute: reply message received but the receiving thread has already timed out")
	ErrReplyTimeout                = errors.New("xroute: timed out waiting for reply")
	ErrSendTimeout                 = errors.New("xroute: timed out sending message")
	ErrReplyAddressNotPortable     = errors.New("xroute: reply address handle cannot leave the process")
	ErrNotPollable                 = errors.New("xroute: channel is not pollable")
	ErrNotSubscribable             = errors.New("xroute: channel is not subscribable")
	ErrDuplicateChannel            = errors.New("xroute: channel already registered")
	ErrInvalidChannelName          = errors.New("xroute: channel name must not be empty")
	ErrInvalidMaxMessagesPerPoll   = errors.New("xroute: max messages per poll must be positive or -1")
	ErrTriggerRequired             = errors.New("xroute: trigger or period required")
	ErrSchedulerRequired           = errors.New("xroute: scheduler required")
	ErrMinSubscribersNegative      = errors.New("xroute: min subscribers must be >= 0")
)

// ErrUnknownChannelKind is returned by NewChannel for unregistered kinds.
type ErrUnknownChannelKind struct{ kind string }

func (e ErrUnknownChannelKind) Error() string { return fmt.Sprintf("unknown channel kind: %s", e.kind) }

// ChannelResolutionError reports a channel name that could not be resolved.
type ChannelResolutionError struct {
	Name string
}

func (e *ChannelResolutionError) Error() string {
	return fmt.Sprintf("xroute: failed to resolve channel %q", e.Name)
}

// DeliveryError reports a message a channel failed to deliver.
type DeliveryError struct {
	Channel string
	Message *Message
	Err     error
}

func (e *DeliveryError) Error() string {
	id := ""
	if e.Message != nil {
		id = e.Message.ID()
	}
	return fmt.Sprintf("xroute: delivery of message %s on channel %q failed: %v", id, e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// MessageRejectedError is reported when an endpoint's selector refuses a message.
type MessageRejectedError struct {
	Endpoint string
	Message  *Message
}

func (e *MessageRejectedError) Error() string {
	return fmt.Sprintf("xroute: endpoint %q rejected message %s", e.Endpoint, e.Message.ID())
}

func (e *MessageRejectedError) Is(target error) bool { return target == ErrMessageRejected }

// MessageHandlingError wraps a failure raised while a handler processed a message.
type MessageHandlingError struct {
	Endpoint string
	Message  *Message
	Err      error
}

func (e *MessageHandlingError) Error() string {
	return fmt.Sprintf("xroute: endpoint %q failed to handle message %s: %v", e.Endpoint, e.Message.ID(), e.Err)
}

func (e *MessageHandlingError) Unwrap() error { return e.Err }

// FailedMessage extracts the message attached to a routing or handling error.
func FailedMessage(err error) (*Message, bool) {
	var rej *MessageRejectedError
	if errors.As(err, &rej) {
		return rej.Message, rej.Message != nil
	}
	var he *MessageHandlingError
	if errors.As(err, &he) {
		return he.Message, he.Message != nil
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Message, de.Message != nil
	}
	return nil, false
}
