package xroute

import (
	"context"
	"errors"
	"time"

	"github.com/trickstertwo/xlog"
)

// ErrorHandler receives the failure that ended a poll cycle. It is called
// exactly once per failed cycle and must not panic.
type ErrorHandler interface {
	HandleError(ctx context.Context, err error)
}

// ErrorHandlerFunc lets a plain function satisfy ErrorHandler.
type ErrorHandlerFunc func(ctx context.Context, err error)

func (f ErrorHandlerFunc) HandleError(ctx context.Context, err error) { f(ctx, err) }

// LoggingErrorHandler logs failures. It is the default for polling endpoints.
type LoggingErrorHandler struct {
	Logger *xlog.Logger
}

func (h LoggingErrorHandler) HandleError(ctx context.Context, err error) {
	lg := h.Logger
	if lg == nil {
		if l, ok := LoggerFromContext(ctx); ok {
			lg = l
		} else {
			lg = xlog.Default()
		}
	}
	if msg, ok := FailedMessage(err); ok {
		lg = lg.With(xlog.Str("message_id", msg.ID()))
	}
	if errors.Is(err, ErrMessageRejected) {
		lg.Warn().Err(err).Msg("xroute: message rejected")
		return
	}
	lg.Error().Err(err).Msg("xroute: message handling failed")
}

// ChannelErrorHandler publishes each failure as a message to an error channel.
// The payload is the error; the failed message id and endpoint travel as headers.
// When the error channel does not accept the message, Fallback (or a
// LoggingErrorHandler) gets the original failure.
type ChannelErrorHandler struct {
	Channel     MessageChannel
	SendTimeout time.Duration
	Fallback    ErrorHandler
}

func (h ChannelErrorHandler) HandleError(ctx context.Context, err error) {
	b := NewMessageBuilder(err)
	if failed, ok := FailedMessage(err); ok {
		b.SetHeader(HeaderFailedMessageID, failed.ID())
		if cid, ok := failed.CorrelationID(); ok {
			b.SetCorrelationID(cid)
		}
	}
	if ep := failedEndpoint(err); ep != "" {
		b.SetHeader(HeaderFailedEndpoint, ep)
	}

	ok, serr := h.Channel.Send(ctx, b.Build(), h.SendTimeout)
	if serr == nil && ok {
		return
	}
	fb := h.Fallback
	if fb == nil {
		fb = LoggingErrorHandler{}
	}
	fb.HandleError(ctx, err)
}

func failedEndpoint(err error) string {
	var rej *MessageRejectedError
	if errors.As(err, &rej) {
		return rej.Endpoint
	}
	var he *MessageHandlingError
	if errors.As(err, &he) {
		return he.Endpoint
	}
	return ""
}
