package xroute

import (
	"context"
	"sync"
	"time"

	"github.com/edwingeng/deque"
)

var _ PollableChannel = (*QueueChannel)(nil)

// QueueChannel buffers messages in FIFO order until a consumer receives them.
// A capacity <= 0 means unbounded.
type QueueChannel struct {
	name     string
	capacity int
	opts     channelOptions

	mu    sync.Mutex
	items deque.Deque
	// notEmpty and notFull are closed and replaced on every push and pop,
	// waking all waiters so they can retry under the lock.
	notEmpty chan struct{}
	notFull  chan struct{}
}

func NewQueueChannel(name string, capacity int, opts ...ChannelOption) *QueueChannel {
	return &QueueChannel{
		name:     name,
		capacity: capacity,
		opts:     newChannelOptions(opts),
		items:    deque.NewDeque(),
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
	}
}

func (c *QueueChannel) Name() string  { return c.name }
func (c *QueueChannel) Capacity() int { return c.capacity }

// Len returns the number of buffered messages.
func (c *QueueChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}

// RemainingCapacity returns how many more messages fit, or -1 when unbounded.
func (c *QueueChannel) RemainingCapacity() int {
	if c.capacity <= 0 {
		return -1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity - c.items.Len()
}

// Send appends msg, waiting for space according to timeout.
// It returns false without error when the queue stayed full.
func (c *QueueChannel) Send(ctx context.Context, msg *Message, timeout time.Duration) (bool, error) {
	if msg == nil {
		return false, ErrNilMessage
	}
	var deadline <-chan time.Time
	for {
		c.mu.Lock()
		if c.capacity <= 0 || c.items.Len() < c.capacity {
			c.items.PushBack(msg)
			wake(&c.notEmpty)
			c.mu.Unlock()
			c.opts.notify(Event{Type: MessageSent, Channel: c.name, MessageID: msg.ID()})
			return true, nil
		}
		notFull := c.notFull
		c.mu.Unlock()

		if timeout == 0 {
			return false, nil
		}
		if deadline == nil && timeout > 0 {
			t := c.opts.clock.Timer(timeout)
			defer t.Stop()
			deadline = t.C
		}
		select {
		case <-notFull:
		case <-deadline:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Receive removes and returns the oldest message, or nil when none arrived within timeout.
func (c *QueueChannel) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	var deadline <-chan time.Time
	for {
		c.mu.Lock()
		if !c.items.Empty() {
			msg := c.items.PopFront().(*Message)
			wake(&c.notFull)
			c.mu.Unlock()
			c.opts.notify(Event{Type: MessageReceived, Channel: c.name, MessageID: msg.ID()})
			return msg, nil
		}
		notEmpty := c.notEmpty
		c.mu.Unlock()

		if timeout == 0 {
			return nil, nil
		}
		if deadline == nil && timeout > 0 {
			t := c.opts.clock.Timer(timeout)
			defer t.Stop()
			deadline = t.C
		}
		select {
		case <-notEmpty:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Clear removes and returns every buffered message.
func (c *QueueChannel) Clear() []*Message {
	return c.Purge(nil)
}

// Purge removes and returns the buffered messages that sel does not accept,
// keeping the others in order. A nil selector removes everything.
func (c *QueueChannel) Purge(sel Selector) []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []*Message
	kept := deque.NewDeque()
	for !c.items.Empty() {
		msg := c.items.PopFront().(*Message)
		if sel != nil && sel.Accept(msg) {
			kept.PushBack(msg)
			continue
		}
		removed = append(removed, msg)
	}
	c.items = kept
	if len(removed) > 0 {
		wake(&c.notFull)
	}
	return removed
}

func wake(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}
