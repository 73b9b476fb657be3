package xroute_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xroute"
)

func newRuntime(t *testing.T, init func(b *xroute.RuntimeBuilder)) *xroute.Runtime {
	t.Helper()
	rt, closeFn, err := xroute.New(func(b *xroute.RuntimeBuilder) {
		b.WithObserverPool(0, 0)
		if init != nil {
			init(b)
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFn() })
	return rt
}

var fastPoll = xroute.PollerConfig{Period: time.Millisecond, ReceiveTimeout: xroute.NoWait, MaxMessagesPerPoll: -1}

func TestRuntime_ActivateRequestReply(t *testing.T) {
	rt := newRuntime(t, func(b *xroute.RuntimeBuilder) {
		b.WithChannel(xroute.KindQueue, "requests", map[string]any{"capacity": 16})
	})
	poller := fastPoll
	_, err := rt.Activate("requests", "", echo, &poller)
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := rt.SendAndReceive(ctx, "requests", rt.NewMessage("ping").Build())
	require.NoError(t, err)
	assert.Equal(t, "re:ping", reply.Payload())

	// the poll cycle records its outcome after the caller has been woken
	require.Eventually(t, func() bool {
		m := rt.GetMetrics()
		return m.Sent >= 1 && m.Replies >= 1 && m.Handled >= 1
	}, time.Second, time.Millisecond)
	assert.Greater(t, rt.GetMetrics().AvgProcessingTimeMs, 0.0)
	assert.Equal(t, "healthy", rt.Health(context.Background()).Status)
}

func TestRuntime_ActivateSubscribableWithOutput(t *testing.T) {
	rt := newRuntime(t, nil)
	_, err := rt.DirectChannel("requests")
	require.NoError(t, err)
	out, err := rt.QueueChannel("out", 0)
	require.NoError(t, err)

	endpoint, err := rt.Activate("requests", "out", echo, nil)
	require.NoError(t, err)
	assert.False(t, endpoint.IsRunning())
	require.NoError(t, rt.Start(context.Background()))
	assert.True(t, endpoint.IsRunning())

	require.NoError(t, rt.Send(context.Background(), "requests", xroute.NewMessage("a")))
	reply, err := out.Receive(context.Background(), xroute.NoWait)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "re:a", reply.Payload())

	_, err = rt.Activate("requests", "missing", echo, nil)
	var re *xroute.ChannelResolutionError
	assert.ErrorAs(t, err, &re)
}

func TestRuntime_HandlerFailureReachesPollingCaller(t *testing.T) {
	var (
		mu     sync.Mutex
		caught []error
	)
	rt := newRuntime(t, nil)
	_, err := rt.QueueChannel("requests", 0)
	require.NoError(t, err)

	boom := errors.New("boom")
	poller := fastPoll
	poller.ErrorHandler = xroute.ErrorHandlerFunc(func(_ context.Context, err error) {
		mu.Lock()
		caught = append(caught, err)
		mu.Unlock()
	})
	_, err = rt.Activate("requests", "", func(context.Context, *xroute.Message) (*xroute.Message, error) {
		return nil, boom
	}, &poller)
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = rt.SendAndReceive(ctx, "requests", xroute.NewMessage("x"))
	assert.ErrorIs(t, err, boom)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(caught) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "degraded", rt.Health(context.Background()).Status)
}

func TestRuntime_EndpointKindMismatch(t *testing.T) {
	rt := newRuntime(t, func(b *xroute.RuntimeBuilder) {
		b.WithChannel(xroute.KindDirect, "direct", nil).
			WithChannel(xroute.KindQueue, "queue", nil)
	})
	noop := func(context.Context, *xroute.Message) error { return nil }

	_, err := rt.Poll("direct", noop, fastPoll)
	assert.ErrorIs(t, err, xroute.ErrNotPollable)
	_, err = rt.Subscribe("queue", noop)
	assert.ErrorIs(t, err, xroute.ErrNotSubscribable)
	_, err = rt.Poll("nowhere", noop, fastPoll)
	var re *xroute.ChannelResolutionError
	assert.ErrorAs(t, err, &re)
}

func TestRuntime_MiddlewareWrapsEndpoints(t *testing.T) {
	var (
		mu    sync.Mutex
		trace []string
	)
	rt := newRuntime(t, func(b *xroute.RuntimeBuilder) {
		b.WithMiddleware(func(next xroute.Handler) xroute.Handler {
			return func(ctx context.Context, msg *xroute.Message) error {
				mu.Lock()
				trace = append(trace, "mw")
				mu.Unlock()
				return next(ctx, msg)
			}
		}).WithChannel(xroute.KindDirect, "events", nil)
	})
	_, err := rt.Subscribe("events", func(context.Context, *xroute.Message) error {
		mu.Lock()
		trace = append(trace, "handler")
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))

	require.NoError(t, rt.Send(context.Background(), "events", xroute.NewMessage("x")))
	assert.Equal(t, []string{"mw", "handler"}, trace)
}

func TestRuntime_PollStartsWhenRunning(t *testing.T) {
	rt := newRuntime(t, nil)
	q, err := rt.QueueChannel("jobs", 0)
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))

	done := make(chan string, 1)
	p, err := rt.Poll("jobs", func(_ context.Context, msg *xroute.Message) error {
		done <- msg.Payload().(string)
		return nil
	}, fastPoll)
	require.NoError(t, err)
	assert.True(t, p.IsRunning())

	fill(t, q, "job-1")
	select {
	case v := <-done:
		assert.Equal(t, "job-1", v)
	case <-time.After(time.Second):
		t.Fatal("poller did not pick the job up")
	}

	require.NoError(t, rt.Stop(context.Background()))
	assert.False(t, p.IsRunning())
}

func TestRuntime_ObserversSeeEvents(t *testing.T) {
	var (
		mu    sync.Mutex
		types []xroute.EventType
	)
	obs := xroute.ObserverFunc(func(e xroute.Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	})
	rt, closeFn, err := xroute.New(func(b *xroute.RuntimeBuilder) {
		b.WithObserverPool(1, 64).WithObserver(obs)
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, closeFn()) }()

	_, err = rt.QueueChannel("q", 0)
	require.NoError(t, err)
	require.NoError(t, rt.Send(context.Background(), "q", xroute.NewMessage("x")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, tp := range types {
			if tp == xroute.MessageSent {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func TestRuntime_CloseIsTerminal(t *testing.T) {
	rt, closeFn, err := xroute.New(func(b *xroute.RuntimeBuilder) {
		b.WithChannel(xroute.KindQueue, "q", nil)
	})
	require.NoError(t, err)

	assert.Equal(t, "healthy", rt.Health(context.Background()).Status)
	require.NoError(t, closeFn())
	require.NoError(t, closeFn())

	assert.Equal(t, "unhealthy", rt.Health(context.Background()).Status)
	assert.ErrorIs(t, rt.Send(context.Background(), "q", xroute.NewMessage("x")), xroute.ErrRuntimeClosed)
	_, err = rt.SendAndReceive(context.Background(), "q", xroute.NewMessage("x"))
	assert.ErrorIs(t, err, xroute.ErrRuntimeClosed)
	_, err = rt.Poll("q", func(context.Context, *xroute.Message) error { return nil }, fastPoll)
	assert.ErrorIs(t, err, xroute.ErrRuntimeClosed)
	assert.ErrorIs(t, rt.Start(context.Background()), xroute.ErrRuntimeClosed)
}

func TestRuntime_SendAndReceiveAsync(t *testing.T) {
	rt := newRuntime(t, func(b *xroute.RuntimeBuilder) {
		b.WithChannel(xroute.KindDirect, "echo", nil)
	})
	_, err := rt.Activate("echo", "", echo, nil)
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))

	f, err := rt.SendAndReceiveAsync(context.Background(), "echo", xroute.NewMessage("hi"))
	require.NoError(t, err)
	reply, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "re:hi", reply.Payload())
}

func TestBuilder_Errors(t *testing.T) {
	_, _, err := xroute.New(func(b *xroute.RuntimeBuilder) { b.WithCodec("xml") })
	assert.Error(t, err)

	_, _, err = xroute.New(func(b *xroute.RuntimeBuilder) {
		b.WithObserverPool(0, 0).
			WithChannel(xroute.KindQueue, "dup", nil).
			WithChannel(xroute.KindDirect, "dup", nil)
	})
	assert.ErrorIs(t, err, xroute.ErrDuplicateChannel)
}

func TestConfigFromMap(t *testing.T) {
	cfg := xroute.ConfigFromMap(map[string]any{
		"pool_size":        4,
		"codec":            "msgpack",
		"shutdown_timeout": "2s",
		"time_ordered_ids": true,
		"gateway":          map[string]any{"reply_timeout": "3s"},
	})
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, "msgpack", cfg.Codec)
	assert.Equal(t, 2*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.TimeOrderedIDs)
	assert.Equal(t, 3*time.Second, cfg.Gateway.ReplyTimeout)
	assert.Equal(t, xroute.WaitForever, cfg.Gateway.SendTimeout)

	assert.Equal(t, xroute.DefaultConfig(), xroute.ConfigFromMap(nil))
}

func TestUse_InstallsDefault(t *testing.T) {
	rt := xroute.Use(xroute.Config{PoolSize: 2, Codec: "msgpack", TimeOrderedIDs: true},
		xroute.WithChannel(xroute.KindQueue, "jobs", map[string]any{"capacity": 2}),
	)
	defer func() { _ = rt.Close(context.Background()) }()

	assert.Same(t, rt, xroute.Default())
	assert.Equal(t, "msgpack", rt.Codec().Name())
	require.NoError(t, xroute.Send(context.Background(), "jobs", xroute.NewMessage("x")))

	ch, err := rt.ResolveChannel("jobs")
	require.NoError(t, err)
	assert.Equal(t, 1, ch.(*xroute.QueueChannel).Len())

	assert.Panics(t, func() { xroute.Use(xroute.Config{Codec: "xml"}) })
}

var errClosedForMaintenance = errors.New("closed for maintenance")

type refusingChannel struct{ name string }

func (c refusingChannel) Name() string { return c.name }
func (c refusingChannel) Send(context.Context, *xroute.Message, time.Duration) (bool, error) {
	return false, nil
}
func (c refusingChannel) Subscribe(xroute.Handler) (xroute.Subscription, error) {
	return nil, errClosedForMaintenance
}
func (c refusingChannel) SubscriberCount() int { return 0 }

func TestRuntime_EndpointStartFailure(t *testing.T) {
	rt := newRuntime(t, func(b *xroute.RuntimeBuilder) {
		b.WithChannelInstance(refusingChannel{name: "refusing"})
	})
	require.NoError(t, rt.Start(context.Background()))

	c, err := rt.Subscribe("refusing", func(context.Context, *xroute.Message) error { return nil })
	assert.ErrorIs(t, err, errClosedForMaintenance)
	assert.Nil(t, c)

	// the failed endpoint is not kept around for the next start
	require.NoError(t, rt.Stop(context.Background()))
	assert.NoError(t, rt.Start(context.Background()))
}
