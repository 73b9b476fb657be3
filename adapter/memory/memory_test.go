package memory_test

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
	"github.com/trickstertwo/xroute/adapter/memory"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newChannel(t *testing.T, cfg memory.Config) *memory.Channel {
	t.Helper()
	ch := memory.New("work", cfg)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestChannel_RoundRobin(t *testing.T) {
	ch := newChannel(t, memory.Config{Concurrency: 1})

	var a, b atomic.Int32
	_, err := ch.Subscribe(func(context.Context, *xroute.Message) error { a.Add(1); return nil })
	require.NoError(t, err)
	_, err = ch.Subscribe(func(context.Context, *xroute.Message) error { b.Add(1); return nil })
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		ok, err := ch.Send(context.Background(), xroute.NewMessage(i), xroute.WaitForever)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.Eventually(t, func() bool { return a.Load()+b.Load() == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), a.Load())
	assert.Equal(t, int32(2), b.Load())
	assert.Equal(t, uint64(4), ch.Stats().Delivered)
}

func TestChannel_FailsOverToNextSubscriber(t *testing.T) {
	ch := newChannel(t, memory.Config{Concurrency: 1})

	var good atomic.Int32
	_, err := ch.Subscribe(func(context.Context, *xroute.Message) error { return errors.New("down") })
	require.NoError(t, err)
	_, err = ch.Subscribe(func(context.Context, *xroute.Message) error { good.Add(1); return nil })
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := ch.Send(context.Background(), xroute.NewMessage(i), xroute.WaitForever)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return good.Load() == 4 }, time.Second, 5*time.Millisecond)
	stats := ch.Stats()
	assert.Equal(t, uint64(2), stats.Failovers)
	assert.Zero(t, stats.Failed)
}

func TestChannel_RedeliversUntilSuccess(t *testing.T) {
	ch := newChannel(t, memory.Config{MaxDeliveries: 3})

	var calls atomic.Int32
	_, err := ch.Subscribe(func(context.Context, *xroute.Message) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)

	_, err = ch.Send(context.Background(), xroute.NewMessage("x"), xroute.WaitForever)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return ch.Stats().Delivered == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, uint64(2), ch.Stats().Redelivered)
}

func TestChannel_ExhaustedGoesToErrorHandler(t *testing.T) {
	boom := errors.New("boom")
	var (
		mu     sync.Mutex
		caught []error
	)
	ch := newChannel(t, memory.Config{
		MaxDeliveries: 2,
		ErrorHandler: xroute.ErrorHandlerFunc(func(_ context.Context, err error) {
			mu.Lock()
			caught = append(caught, err)
			mu.Unlock()
		}),
	})
	_, err := ch.Subscribe(func(context.Context, *xroute.Message) error { return boom })
	require.NoError(t, err)

	msg := xroute.NewMessage("x")
	_, err = ch.Send(context.Background(), msg, xroute.WaitForever)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(caught) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var de *xroute.DeliveryError
	require.ErrorAs(t, caught[0], &de)
	assert.Equal(t, msg.ID(), de.Message.ID())
	assert.ErrorIs(t, caught[0], boom)
	assert.Equal(t, uint64(1), ch.Stats().Failed)
}

func TestChannel_NoSubscribers(t *testing.T) {
	ch := newChannel(t, memory.Config{})

	ok, err := ch.Send(context.Background(), xroute.NewMessage("x"), xroute.NoWait)
	assert.False(t, ok)
	assert.ErrorIs(t, err, xroute.ErrNoSubscribers)
}

func TestChannel_FullBufferWithoutWait(t *testing.T) {
	ch := newChannel(t, memory.Config{BufferSize: 1, Concurrency: 1})

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	_, err := ch.Subscribe(func(context.Context, *xroute.Message) error {
		started <- struct{}{}
		<-release
		return nil
	})
	require.NoError(t, err)
	defer close(release)

	ok, err := ch.Send(context.Background(), xroute.NewMessage(1), xroute.NoWait)
	require.NoError(t, err)
	require.True(t, ok)
	<-started

	ok, err = ch.Send(context.Background(), xroute.NewMessage(2), xroute.NoWait)
	require.NoError(t, err)
	require.True(t, ok, "one slot is free while the worker is busy")

	ok, err = ch.Send(context.Background(), xroute.NewMessage(3), xroute.NoWait)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChannel_SendAfterClose(t *testing.T) {
	ch := memory.New("work", memory.Config{})
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	_, err := ch.Send(context.Background(), xroute.NewMessage("x"), xroute.NoWait)
	assert.ErrorIs(t, err, xroute.ErrChannelClosed)
}

func TestConfigFromMap(t *testing.T) {
	cfg := memory.ConfigFromMap(map[string]any{
		"buffer_size":      16,
		"concurrency":      float64(4),
		"redelivery_delay": "250ms",
		"max_deliveries":   int64(5),
	})
	assert.Equal(t, 16, cfg.BufferSize)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.RedeliveryDelay)
	assert.Equal(t, 5, cfg.MaxDeliveries)

	def := memory.ConfigFromMap(nil)
	assert.Equal(t, 1024, def.BufferSize)
	assert.Equal(t, 1, def.Concurrency)
}

func TestUse_RegistersOnRuntime(t *testing.T) {
	rt, closeFn, err := xroute.New(func(b *xroute.RuntimeBuilder) {
		b.WithObserverPool(0, 0)
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, closeFn()) }()

	memory.Use(rt, "jobs", memory.Config{Concurrency: 2})

	got := make(chan string, 1)
	_, err = rt.Subscribe("jobs", func(_ context.Context, msg *xroute.Message) error {
		got <- msg.Payload().(string)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))

	require.NoError(t, rt.Send(context.Background(), "jobs", xroute.NewMessage("hello")))
	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	_, err = memory.Register(rt, "jobs", memory.Config{})
	assert.ErrorIs(t, err, xroute.ErrDuplicateChannel)
}

func TestKindFactory(t *testing.T) {
	ch, err := xroute.NewChannel(memory.Kind, "via-kind", map[string]any{"concurrency": 2})
	require.NoError(t, err)
	defer func() { _ = ch.(*memory.Channel).Close() }()
	assert.Equal(t, "via-kind", ch.Name())
}
