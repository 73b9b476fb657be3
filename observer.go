package xroute

import (
	"strconv"
	"time"

	"github.com/trickstertwo/xlog"
)

// EventType enumerates runtime lifecycle events for the Observer pattern.
type EventType string

const (
	MessageSent     EventType = "message_sent"
	SendFailed      EventType = "send_failed"
	MessageReceived EventType = "message_received"
	PollStart       EventType = "poll_start"
	PollDone        EventType = "poll_done"
	MessageHandled  EventType = "message_handled"
	MessageRejected EventType = "message_rejected"
	HandlerFailed   EventType = "handler_failed"
	ReplySent       EventType = "reply_sent"
	ReplyTimedOut   EventType = "reply_timed_out"
	ReplyLate       EventType = "reply_late"
	ReplyDuplicate  EventType = "reply_duplicate"
	EndpointStarted EventType = "endpoint_started"
	EndpointStopped EventType = "endpoint_stopped"
	Error           EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type      EventType
	Channel   string
	Endpoint  string
	MessageID string
	// Count is the number of messages a poll cycle handled (PollDone only).
	Count    int
	Duration time.Duration
	Err      error

	observers []Observer
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits runtime events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("channel", e.Channel),
		xlog.Str("endpoint", e.Endpoint),
		xlog.Str("message_id", e.MessageID),
	)
	switch e.Type {
	case Error, SendFailed, HandlerFailed, MessageRejected, ReplyLate, ReplyDuplicate, ReplyTimedOut:
		ev.Warn().Err(e.Err).Msg("xroute event")
	case PollDone:
		ev.With(xlog.Str("count", strconv.Itoa(e.Count)), xlog.Dur("duration", e.Duration)).Debug().Msg("xroute event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("xroute event")
	}
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped        uint64 // Events dropped due to full buffer
	Processed      uint64 // Events handed to every observer
	ObserverPanics uint64 // Recovered observer panics
	Queued         int    // Current queue depth
	Workers        int    // Number of dispatch goroutines
	BufferSize     int    // Channel capacity
}

// Metrics defines observable runtime telemetry.
type Metrics struct {
	Sent                uint64
	SendFailures        uint64
	Received            uint64
	Handled             uint64
	Rejected            uint64
	HandlerFailures     uint64
	PollCycles          uint64
	Replies             uint64
	ReplyTimeouts       uint64
	LateReplies         uint64
	EventsDropped       uint64
	AvgProcessingTimeMs float64
}

// HealthStatus indicates runtime health for probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
