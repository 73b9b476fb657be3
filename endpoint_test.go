package xroute_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xroute"
)

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) HandleError(_ context.Context, err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *errorSink) all() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func fill(t *testing.T, q *xroute.QueueChannel, payloads ...any) {
	t.Helper()
	for _, p := range payloads {
		ok, err := q.Send(context.Background(), xroute.NewMessage(p), xroute.NoWait)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func newPoller(t *testing.T, q xroute.PollableChannel, h xroute.Handler, cfg xroute.PollerConfig) *xroute.PollingConsumer {
	t.Helper()
	s := xroute.NewScheduler()
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	if cfg.Period == 0 && cfg.Trigger == nil {
		cfg.Period = time.Hour
	}
	p, err := xroute.NewPollingConsumer("poller", q, h, s, cfg)
	require.NoError(t, err)
	return p
}

func collect(got *[]any) xroute.Handler {
	return func(_ context.Context, msg *xroute.Message) error {
		*got = append(*got, msg.Payload())
		return nil
	}
}

func TestPollingConsumer_MaxMessagesPerPoll(t *testing.T) {
	q := xroute.NewQueueChannel("in", 0)
	fill(t, q, 1, 2, 3, 4, 5)

	var got []any
	p := newPoller(t, q, collect(&got), xroute.PollerConfig{MaxMessagesPerPoll: 2})
	assert.Equal(t, 2, p.PollOnce(context.Background()))
	assert.Equal(t, []any{1, 2}, got)
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, uint64(1), p.Cycles())
}

func TestPollingConsumer_DefaultsToOneMessage(t *testing.T) {
	q := xroute.NewQueueChannel("in", 0)
	fill(t, q, 1, 2)

	var got []any
	p := newPoller(t, q, collect(&got), xroute.PollerConfig{})
	assert.Equal(t, 1, p.PollOnce(context.Background()))
	assert.Equal(t, 1, q.Len())
}

func TestPollingConsumer_DrainsUntilEmpty(t *testing.T) {
	q := xroute.NewQueueChannel("in", 0)
	fill(t, q, 1, 2, 3, 4, 5)

	var got []any
	p := newPoller(t, q, collect(&got), xroute.PollerConfig{MaxMessagesPerPoll: -1})
	assert.Equal(t, 5, p.PollOnce(context.Background()))
	assert.Zero(t, q.Len())
	assert.Zero(t, p.PollOnce(context.Background()))
}

func TestPollingConsumer_RejectionEndsCycle(t *testing.T) {
	q := xroute.NewQueueChannel("in", 0)
	fill(t, q, 1, "two", 3)

	var (
		got  []any
		sink errorSink
	)
	p := newPoller(t, q, collect(&got), xroute.PollerConfig{
		MaxMessagesPerPoll: -1,
		Selector:           xroute.PayloadIs[int](),
		ErrorHandler:       &sink,
	})

	assert.Equal(t, 1, p.PollOnce(context.Background()))
	assert.Equal(t, []any{1}, got)
	assert.Equal(t, 1, q.Len(), "the rejected message is consumed, the rest stays")

	errs := sink.all()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], xroute.ErrMessageRejected)
	var rej *xroute.MessageRejectedError
	require.ErrorAs(t, errs[0], &rej)
	assert.Equal(t, "two", rej.Message.Payload())
	assert.Equal(t, "poller", rej.Endpoint)

	assert.Equal(t, 1, p.PollOnce(context.Background()))
	assert.Equal(t, []any{1, 3}, got)
}

func TestPollingConsumer_HandlerErrorGoesToErrorHandlerOnce(t *testing.T) {
	q := xroute.NewQueueChannel("in", 0)
	fill(t, q, 1, 2)

	boom := errors.New("boom")
	var (
		calls int
		sink  errorSink
	)
	p := newPoller(t, q, func(context.Context, *xroute.Message) error {
		calls++
		return boom
	}, xroute.PollerConfig{MaxMessagesPerPoll: -1, ErrorHandler: &sink})

	assert.Zero(t, p.PollOnce(context.Background()))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, q.Len())

	errs := sink.all()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
	failed, ok := xroute.FailedMessage(errs[0])
	require.True(t, ok)
	assert.Equal(t, 1, failed.Payload())
}

func TestPollingConsumer_PanicsBecomeErrors(t *testing.T) {
	q := xroute.NewQueueChannel("in", 0)
	fill(t, q, 1)

	var sink errorSink
	p := newPoller(t, q, func(context.Context, *xroute.Message) error { panic("kaboom") },
		xroute.PollerConfig{ErrorHandler: &sink})
	assert.Zero(t, p.PollOnce(context.Background()))
	require.Len(t, sink.all(), 1)
	assert.ErrorIs(t, sink.all()[0], xroute.ErrHandlerPanic)
}

func TestPollingConsumer_ErrorHandlerPanicIsContained(t *testing.T) {
	q := xroute.NewQueueChannel("in", 0)
	fill(t, q, 1)

	p := newPoller(t, q, func(context.Context, *xroute.Message) error { return errors.New("x") },
		xroute.PollerConfig{ErrorHandler: xroute.ErrorHandlerFunc(func(context.Context, error) { panic("handler") })})
	assert.NotPanics(t, func() { p.PollOnce(context.Background()) })
}

func TestPollingConsumer_InjectsContext(t *testing.T) {
	q := xroute.NewQueueChannel("in", 0)
	fill(t, q, 1)

	s := xroute.NewScheduler()
	defer func() { _ = s.Shutdown(context.Background()) }()

	var (
		endpoint string
		codec    string
	)
	p, err := xroute.NewPollingConsumer("orders.poller", q, func(ctx context.Context, _ *xroute.Message) error {
		endpoint, _ = xroute.EndpointFromContext(ctx)
		if c, ok := xroute.CodecFromContext(ctx); ok {
			codec = c.Name()
		}
		return nil
	}, s, xroute.PollerConfig{Period: time.Hour}, xroute.WithEndpointCodec(xroute.MsgpackCodec{}))
	require.NoError(t, err)

	p.PollOnce(context.Background())
	assert.Equal(t, "orders.poller", endpoint)
	assert.Equal(t, "msgpack", codec)
}

func TestPollingConsumer_Advice(t *testing.T) {
	t.Run("skip receive", func(t *testing.T) {
		q := xroute.NewQueueChannel("in", 0)
		fill(t, q, 1)

		var afterSaw []*xroute.Message
		var got []any
		p := newPoller(t, q, collect(&got), xroute.PollerConfig{
			Advice: []xroute.ReceiveAdvice{xroute.ReceiveAdviceFuncs{
				Before: func(xroute.PollableChannel) bool { return false },
				After: func(result *xroute.Message, _ xroute.PollableChannel) *xroute.Message {
					afterSaw = append(afterSaw, result)
					// cannot conjure a message out of a skipped receive
					return xroute.NewMessage("invented")
				},
			}},
		})
		assert.Zero(t, p.PollOnce(context.Background()))
		assert.Empty(t, got)
		assert.Equal(t, 1, q.Len())
		require.Len(t, afterSaw, 1)
		assert.Nil(t, afterSaw[0])
	})

	t.Run("replace and discard", func(t *testing.T) {
		q := xroute.NewQueueChannel("in", 0)
		fill(t, q, 1, 2)

		var got []any
		p := newPoller(t, q, collect(&got), xroute.PollerConfig{
			MaxMessagesPerPoll: 2,
			Advice: []xroute.ReceiveAdvice{xroute.ReceiveAdviceFuncs{
				After: func(result *xroute.Message, _ xroute.PollableChannel) *xroute.Message {
					if result == nil || result.Payload() == 2 {
						return nil
					}
					return result.WithHeader("seen", true)
				},
			}},
		})
		assert.Equal(t, 1, p.PollOnce(context.Background()))
		assert.Equal(t, []any{1}, got)
		assert.Zero(t, q.Len(), "the discarded message is consumed")
	})
}

func TestActiveIdleAdvice_SwitchesPeriod(t *testing.T) {
	q := xroute.NewQueueChannel("in", 0)
	fill(t, q, 1)

	trigger := xroute.NewDynamicPeriodicTrigger(time.Second)
	advice := xroute.NewActiveIdleAdvice(trigger, 10*time.Millisecond, 5*time.Second)

	var got []any
	p := newPoller(t, q, collect(&got), xroute.PollerConfig{
		Trigger: trigger,
		Advice:  []xroute.ReceiveAdvice{advice},
	})

	p.PollOnce(context.Background())
	assert.Equal(t, 10*time.Millisecond, trigger.Period())
	p.PollOnce(context.Background())
	assert.Equal(t, 5*time.Second, trigger.Period())
}

func TestPollingConsumer_StartStop(t *testing.T) {
	q := xroute.NewQueueChannel("in", 0)
	s := xroute.NewScheduler()
	defer func() { _ = s.Shutdown(context.Background()) }()

	var handled atomic.Int32
	p, err := xroute.NewPollingConsumer("poller", q, func(context.Context, *xroute.Message) error {
		handled.Add(1)
		return nil
	}, s, xroute.PollerConfig{Period: 2 * time.Millisecond, ReceiveTimeout: xroute.NoWait, MaxMessagesPerPoll: -1})
	require.NoError(t, err)
	assert.Nil(t, p.Done())

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Start(ctx))
	assert.True(t, p.IsRunning())

	fill(t, q, 1, 2, 3)
	require.Eventually(t, func() bool { return handled.Load() == 3 }, time.Second, time.Millisecond)

	require.NoError(t, p.Stop(ctx))
	assert.Equal(t, xroute.Stopped, p.State())
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}

	fill(t, q, 4)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(3), handled.Load())
	assert.Equal(t, 1, q.Len())
}

func TestPollingConsumer_StopFromHandler(t *testing.T) {
	q := xroute.NewQueueChannel("in", 0)
	fill(t, q, 1, 2, 3)
	s := xroute.NewScheduler()
	defer func() { _ = s.Shutdown(context.Background()) }()

	var p *xroute.PollingConsumer
	var handled atomic.Int32
	p, err := xroute.NewPollingConsumer("poller", q, func(ctx context.Context, _ *xroute.Message) error {
		handled.Add(1)
		return p.Stop(ctx)
	}, s, xroute.PollerConfig{Period: time.Millisecond, ReceiveTimeout: xroute.NoWait})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
	assert.Equal(t, int32(1), handled.Load())
}

func TestPollerConfig_Validate(t *testing.T) {
	s := xroute.NewScheduler()
	defer func() { _ = s.Shutdown(context.Background()) }()
	q := xroute.NewQueueChannel("in", 0)
	noop := func(context.Context, *xroute.Message) error { return nil }

	_, err := xroute.NewPollingConsumer("p", q, noop, s, xroute.PollerConfig{Period: time.Second, MaxMessagesPerPoll: -2})
	assert.ErrorIs(t, err, xroute.ErrInvalidMaxMessagesPerPoll)
	_, err = xroute.NewPollingConsumer("p", q, noop, s, xroute.PollerConfig{})
	assert.ErrorIs(t, err, xroute.ErrTriggerRequired)
	_, err = xroute.NewPollingConsumer("p", q, noop, s, xroute.PollerConfig{Cron: "bogus"})
	assert.Error(t, err)
	_, err = xroute.NewPollingConsumer("p", q, nil, s, xroute.PollerConfig{Period: time.Second})
	assert.ErrorIs(t, err, xroute.ErrNilHandler)
	_, err = xroute.NewPollingConsumer("p", q, noop, nil, xroute.PollerConfig{Period: time.Second})
	assert.ErrorIs(t, err, xroute.ErrSchedulerRequired)
	_, err = xroute.NewPollingConsumer("p", q, noop, s, xroute.PollerConfig{Cron: "@every 1s"})
	assert.NoError(t, err)
}

func TestPollerConfigFromMap(t *testing.T) {
	cfg := xroute.PollerConfigFromMap(map[string]any{
		"max_messages_per_poll": -1,
		"receive_timeout":       "50ms",
		"period":                "2s",
		"fixed_rate":            true,
		"cron":                  "@every 10s",
	})
	assert.Equal(t, -1, cfg.MaxMessagesPerPoll)
	assert.Equal(t, 50*time.Millisecond, cfg.ReceiveTimeout)
	assert.Equal(t, 2*time.Second, cfg.Period)
	assert.True(t, cfg.FixedRate)
	assert.Equal(t, "@every 10s", cfg.Cron)

	def := xroute.PollerConfigFromMap(nil)
	assert.Equal(t, xroute.DefaultPollerConfig(), def)
}

func TestEventDrivenConsumer(t *testing.T) {
	ch := xroute.NewDirectChannel("in")
	boom := errors.New("boom")

	var got []any
	c, err := xroute.NewEventDrivenConsumer("in.consumer", ch, func(ctx context.Context, msg *xroute.Message) error {
		if msg.Payload() == "fail" {
			return boom
		}
		got = append(got, msg.Payload())
		return nil
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	assert.True(t, c.IsRunning())
	assert.Equal(t, 1, ch.SubscriberCount())

	_, err = ch.Send(ctx, xroute.NewMessage("ok"), xroute.NoWait)
	require.NoError(t, err)
	assert.Equal(t, []any{"ok"}, got)

	_, err = ch.Send(ctx, xroute.NewMessage("fail"), xroute.NoWait)
	assert.ErrorIs(t, err, boom)
	var he *xroute.MessageHandlingError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "in.consumer", he.Endpoint)

	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, xroute.Stopped, c.State())
	_, err = ch.Send(ctx, xroute.NewMessage("late"), xroute.NoWait)
	assert.ErrorIs(t, err, xroute.ErrNoSubscribers)
}

func TestChannelErrorHandler(t *testing.T) {
	errs := xroute.NewQueueChannel("errors", 0)
	h := xroute.ChannelErrorHandler{Channel: errs}

	failed := xroute.NewMessageBuilder("p").SetCorrelationID("c-9").Build()
	cause := &xroute.MessageHandlingError{Endpoint: "orders.poller", Message: failed, Err: errors.New("boom")}
	h.HandleError(context.Background(), cause)

	msg, err := errs.Receive(context.Background(), xroute.NoWait)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, failed.ID(), msg.HeaderString(xroute.HeaderFailedMessageID))
	assert.Equal(t, "orders.poller", msg.HeaderString(xroute.HeaderFailedEndpoint))
	cid, _ := msg.CorrelationID()
	assert.Equal(t, "c-9", cid)
	assert.Equal(t, cause, msg.Payload())

	var fallback errorSink
	full := xroute.NewQueueChannel("full", 1)
	fill(t, full, "occupied")
	xroute.ChannelErrorHandler{Channel: full, Fallback: &fallback}.HandleError(context.Background(), cause)
	require.Len(t, fallback.all(), 1)
}

func TestPollingConsumer_SingleFiringUnderrun(t *testing.T) {
	q := xroute.NewQueueChannel("in", 0)
	fill(t, q, 1, 2, 3, 4, 5)

	var (
		mu   sync.Mutex
		got  []any
		sink errorSink
	)
	p := newPoller(t, q, func(_ context.Context, msg *xroute.Message) error {
		mu.Lock()
		got = append(got, msg.Payload())
		mu.Unlock()
		return nil
	}, xroute.PollerConfig{
		Trigger:            xroute.OnceTrigger(),
		MaxMessagesPerPoll: 6,
		ReceiveTimeout:     xroute.NoWait,
		ErrorHandler:       &sink,
	})
	require.NoError(t, p.Start(context.Background()))

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("single firing did not finish")
	}
	mu.Lock()
	assert.Equal(t, []any{1, 2, 3, 4, 5}, got)
	mu.Unlock()
	assert.Empty(t, sink.all())
	assert.Equal(t, uint64(1), p.Cycles())
}

func TestPollingConsumer_RestartDoesNotOverlapCycles(t *testing.T) {
	q := xroute.NewQueueChannel("in", 0)
	fill(t, q, 1, 2)

	var (
		running, peak, handled atomic.Int32
		entered                = make(chan struct{}, 2)
		release                = make(chan struct{})
	)
	p := newPoller(t, q, func(context.Context, *xroute.Message) error {
		trackMax(&peak, running.Add(1))
		defer running.Add(-1)
		entered <- struct{}{}
		<-release
		handled.Add(1)
		return nil
	}, xroute.PollerConfig{Period: 10 * time.Millisecond, ReceiveTimeout: xroute.NoWait})

	require.NoError(t, p.Start(context.Background()))
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("first cycle did not start")
	}

	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, p.Start(context.Background()))

	// the restarted schedule fires at once but must wait for the cycle in flight
	select {
	case <-entered:
		t.Fatal("a second cycle ran while the first was still handling")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.Eventually(t, func() bool { return handled.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), peak.Load())
	require.NoError(t, p.Stop(context.Background()))
}

func TestPollingConsumer_FailedCyclesKeepSchedule(t *testing.T) {
	q := xroute.NewQueueChannel("in", 0)
	boom := errors.New("boom")
	fill(t, q, 1, "not-a-number", 2)

	var (
		mu   sync.Mutex
		got  []any
		sink errorSink
	)
	p := newPoller(t, q, func(_ context.Context, msg *xroute.Message) error {
		if msg.Payload() == 1 {
			return boom
		}
		mu.Lock()
		got = append(got, msg.Payload())
		mu.Unlock()
		return nil
	}, xroute.PollerConfig{
		Period:         5 * time.Millisecond,
		ReceiveTimeout: xroute.NoWait,
		Selector:       xroute.PayloadIs[int](),
		ErrorHandler:   &sink,
	})
	require.NoError(t, p.Start(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)
	require.NoError(t, p.Stop(context.Background()))

	mu.Lock()
	assert.Equal(t, []any{2}, got)
	mu.Unlock()
	assert.GreaterOrEqual(t, p.Cycles(), uint64(3))

	errs := sink.all()
	require.Len(t, errs, 2, "each failing cycle reaches the error handler once")
	assert.ErrorIs(t, errs[0], boom)
	assert.ErrorIs(t, errs[1], xroute.ErrMessageRejected)
}
