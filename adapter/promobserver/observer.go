// Package promobserver exports xroute runtime events as Prometheus metrics.
package promobserver

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/trickstertwo/xroute"
)

var _ xroute.Observer = (*Observer)(nil)

// Observer is an xroute.Observer that counts events and records handler and
// poll cycle durations.
type Observer struct {
	events       *prometheus.CounterVec
	errors       *prometheus.CounterVec
	handleTime   *prometheus.HistogramVec
	pollTime     *prometheus.HistogramVec
	pollMessages *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer, namespace string) (*Observer, error) {
	if namespace == "" {
		namespace = "xroute"
	}
	o := &Observer{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "runtime",
				Name:      "events_total",
				Help:      "runtime events by type and channel",
			}, []string{"type", "channel"}),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "runtime",
				Name:      "errors_total",
				Help:      "events carrying an error, by type and channel",
			}, []string{"type", "channel"}),
		handleTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "endpoint",
				Name:      "handle_duration_seconds",
				Help:      "time spent in message handlers",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms~16s
			}, []string{"endpoint", "outcome"}),
		pollTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "endpoint",
				Name:      "poll_duration_seconds",
				Help:      "duration of poll cycles",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
			}, []string{"endpoint"}),
		pollMessages: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "endpoint",
				Name:      "poll_messages",
				Help:      "messages handled per poll cycle",
				Buckets:   []float64{0, 1, 2, 5, 10, 50, 100, 500},
			}, []string{"endpoint"}),
	}

	var err error
	if o.events, err = register(reg, o.events); err != nil {
		return nil, err
	}
	if o.errors, err = register(reg, o.errors); err != nil {
		return nil, err
	}
	if o.handleTime, err = register(reg, o.handleTime); err != nil {
		return nil, err
	}
	if o.pollTime, err = register(reg, o.pollTime); err != nil {
		return nil, err
	}
	if o.pollMessages, err = register(reg, o.pollMessages); err != nil {
		return nil, err
	}
	return o, nil
}

// register reuses a collector already registered under the same descriptor,
// so several runtimes in one process can share the metrics.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (o *Observer) OnEvent(e xroute.Event) {
	t := string(e.Type)
	o.events.WithLabelValues(t, e.Channel).Inc()
	if e.Err != nil {
		o.errors.WithLabelValues(t, e.Channel).Inc()
	}

	switch e.Type {
	case xroute.MessageHandled:
		o.handleTime.WithLabelValues(e.Endpoint, "ok").Observe(e.Duration.Seconds())
	case xroute.HandlerFailed:
		if e.Endpoint != "" {
			o.handleTime.WithLabelValues(e.Endpoint, "error").Observe(e.Duration.Seconds())
		}
	case xroute.PollDone:
		o.pollTime.WithLabelValues(e.Endpoint).Observe(e.Duration.Seconds())
		o.pollMessages.WithLabelValues(e.Endpoint).Observe(float64(e.Count))
	}
}

// Use creates an Observer on reg and attaches it to rt.
func Use(rt *xroute.Runtime, reg prometheus.Registerer, namespace string) (*Observer, error) {
	o, err := New(reg, namespace)
	if err != nil {
		return nil, err
	}
	rt.AddObserver(o)
	return o, nil
}
