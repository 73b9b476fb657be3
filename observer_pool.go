package xroute

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
)

// ObserverPool fans runtime events out to observers on background workers, so
// a slow observer never stalls a send, a poll cycle or a reply. Enqueueing never
// blocks: when the buffer is full the event is counted as dropped.
type ObserverPool struct {
	events  chan *Event
	workers int
	logger  *xlog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	dropped   atomic.Uint64
	processed atomic.Uint64
	panics    atomic.Uint64
}

// PoolOption configures an ObserverPool.
type PoolOption func(*ObserverPool)

// WithPoolLogger sets the logger that reports observer panics.
func WithPoolLogger(l *xlog.Logger) PoolOption {
	return func(op *ObserverPool) {
		if l != nil {
			op.logger = l
		}
	}
}

// NewObserverPool starts workers goroutines (default 4) reading from a buffer of
// bufferSize events (default 1000).
func NewObserverPool(ctx context.Context, workers, bufferSize int, opts ...PoolOption) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		events:  make(chan *Event, bufferSize),
		workers: workers,
		logger:  xlog.Default(),
		ctx:     poolCtx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(op)
	}

	op.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go op.run()
	}
	return op
}

// Notify queues e for observers. The slice is captured as is; callers pass a
// snapshot they no longer mutate.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 || op.closed.Load() {
		return
	}
	e.observers = observers

	select {
	case op.events <- &e:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) run() {
	defer op.wg.Done()
	for {
		select {
		case e := <-op.events:
			op.deliver(e)
		case <-op.ctx.Done():
			op.drain()
			return
		}
	}
}

// drain delivers whatever was queued before the pool was cancelled.
func (op *ObserverPool) drain() {
	for {
		select {
		case e := <-op.events:
			op.deliver(e)
		default:
			return
		}
	}
}

func (op *ObserverPool) deliver(e *Event) {
	if e == nil {
		return
	}
	for _, obs := range e.observers {
		if obs != nil {
			op.safeNotify(obs, e)
		}
	}
	op.processed.Add(1)
}

func (op *ObserverPool) safeNotify(obs Observer, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			op.panics.Add(1)
			op.logger.Error().
				Str("event", string(e.Type)).
				Str("channel", e.Channel).
				Err(fmt.Errorf("observer panic: %v", r)).
				Msg("observer panicked")
		}
	}()
	obs.OnEvent(*e)
}

// Close stops accepting events, lets the workers drain the buffer and waits at
// most timeout for them.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}
	op.cancel()

	finished := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(finished)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-finished:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %d events still queued", ErrObserverPoolShutdownTimeout, len(op.events))
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:        op.dropped.Load(),
		Processed:      op.processed.Load(),
		ObserverPanics: op.panics.Load(),
		Queued:         len(op.events),
		Workers:        op.workers,
		BufferSize:     cap(op.events),
	}
}
