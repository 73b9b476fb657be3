package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xroute"
)

var _ xroute.PollableChannel = (*Channel)(nil)

// Channel is a pollable channel whose messages live in a Redis Stream.
type Channel struct {
	name       string
	stream     string
	cfg        Config
	cli        Commander
	ownsClient bool
	codec      xroute.Codec
	env        xroute.ChannelEnv

	groupMu    sync.Mutex
	groupReady bool

	closeOnce sync.Once
	closed    atomic.Bool

	// metrics for observability
	metrics *channelMetrics
}

type channelMetrics struct {
	sent        atomic.Uint64
	received    atomic.Uint64
	sendErrors  atomic.Uint64
	readErrors  atomic.Uint64
	decodeFails atomic.Uint64
}

// New dials Redis and returns a channel owning the client.
func New(name string, cfg Config, opts ...xroute.ChannelOption) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := dial(cfg)
	if err != nil {
		return nil, err
	}
	c, err := newChannel(name, client, cfg, opts)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	c.ownsClient = true
	return c, nil
}

// NewWithClient builds a channel on a shared client. The caller owns the
// client's lifecycle; Close leaves it open.
func NewWithClient(name string, cli Commander, cfg Config, opts ...xroute.ChannelOption) (*Channel, error) {
	if cli == nil {
		return nil, errors.New("redisstream: client is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newChannel(name, cli, cfg, opts)
}

func newChannel(name string, cli Commander, cfg Config, opts []xroute.ChannelOption) (*Channel, error) {
	if name == "" {
		return nil, xroute.ErrInvalidChannelName
	}
	codec, err := xroute.NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	stream := cfg.Stream
	if stream == "" {
		stream = name
	}
	c := &Channel{
		name:    name,
		stream:  stream,
		cfg:     cfg,
		cli:     cli,
		codec:   codec,
		env:     xroute.ResolveChannelOptions(opts...),
		metrics: &channelMetrics{},
	}

	// create the group up front so entries sent before the first receive are kept
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.ensureGroup(ctx); err != nil {
		c.env.Logger.With(xlog.Str("stream", stream)).Warn().Err(err).
			Msg("redisstream: consumer group not created yet, retrying on receive")
	}
	return c, nil
}

func (c *Channel) Name() string { return c.name }

// Stream returns the Redis key backing the channel.
func (c *Channel) Stream() string { return c.stream }

func (c *Channel) ensureGroup(ctx context.Context) error {
	if !c.cfg.AutoCreate {
		return nil
	}
	c.groupMu.Lock()
	defer c.groupMu.Unlock()
	if c.groupReady {
		return nil
	}
	err := c.cli.XGroupCreateMkStream(ctx, c.stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	c.groupReady = true
	return nil
}

// Send appends msg to the stream. A positive timeout bounds the XADD round
// trip and yields false when it expires; otherwise only ctx bounds it.
func (c *Channel) Send(ctx context.Context, msg *xroute.Message, timeout time.Duration) (bool, error) {
	if msg == nil {
		return false, xroute.ErrNilMessage
	}
	if c.closed.Load() {
		return false, xroute.ErrChannelClosed
	}

	vals, err := c.encode(msg)
	if err != nil {
		return false, c.sendFailed(msg, err)
	}
	args := &redis.XAddArgs{
		Stream: c.stream,
		ID:     "*", // Let Redis generate ID
		Values: vals,
	}
	if c.cfg.MaxLenApprox > 0 {
		args.MaxLen = c.cfg.MaxLenApprox
		args.Approx = true
	}

	sctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := c.cli.XAdd(sctx, args).Err(); err != nil {
		if ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
			return false, nil
		}
		return false, c.sendFailed(msg, err)
	}

	c.metrics.sent.Add(1)
	c.env.Notify(xroute.Event{Type: xroute.MessageSent, Channel: c.name, MessageID: msg.ID()})
	return true, nil
}

func (c *Channel) sendFailed(msg *xroute.Message, err error) error {
	c.metrics.sendErrors.Add(1)
	derr := &xroute.DeliveryError{Channel: c.name, Message: msg, Err: err}
	c.env.Notify(xroute.Event{Type: xroute.SendFailed, Channel: c.name, MessageID: msg.ID(), Err: derr})
	return derr
}

// Receive reads the next entry for the consumer group, acknowledges it and
// returns it as a message. It returns nil, nil when nothing arrived in time.
func (c *Channel) Receive(ctx context.Context, timeout time.Duration) (*xroute.Message, error) {
	if c.closed.Load() {
		return nil, xroute.ErrChannelClosed
	}
	if err := c.ensureGroup(ctx); err != nil {
		return nil, err
	}

	args := &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.stream, ">"},
		Count:    1,
		Block:    blockFor(timeout),
		NoAck:    false,
	}

	var entries []redis.XStream
	read := func() error {
		res, err := c.cli.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				entries = nil
				return nil
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.metrics.readErrors.Add(1)
			return err
		}
		entries = res
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.ReadRetries)), ctx)
	if err := backoff.Retry(read, policy); err != nil {
		return nil, err
	}

	for _, s := range entries {
		for _, entry := range s.Messages {
			msg, derr := c.decode(entry)
			// acknowledge even undecodable entries so they do not come back forever
			if err := c.cli.XAck(ctx, c.stream, c.cfg.Group, entry.ID).Err(); err != nil {
				c.env.Logger.With(xlog.Str("stream", c.stream), xlog.Str("entry", entry.ID)).
					Warn().Err(err).Msg("redisstream: ack failed")
			}
			if derr != nil {
				c.metrics.decodeFails.Add(1)
				return nil, fmt.Errorf("redisstream: decode entry %s: %w", entry.ID, derr)
			}
			c.metrics.received.Add(1)
			c.env.Notify(xroute.Event{Type: xroute.MessageReceived, Channel: c.name, MessageID: msg.ID()})
			return msg, nil
		}
	}
	return nil, nil
}

// blockFor maps a receive timeout onto XREADGROUP BLOCK, where a negative
// Block omits the argument and zero blocks indefinitely.
func blockFor(timeout time.Duration) time.Duration {
	switch {
	case timeout == xroute.NoWait:
		return -1
	case timeout < 0:
		return 0
	case timeout < time.Millisecond:
		return time.Millisecond
	default:
		return timeout
	}
}

func (c *Channel) encode(msg *xroute.Message) (map[string]any, error) {
	vals := make(map[string]any, 7)
	vals[fieldID] = msg.ID()
	vals[fieldTimestamp] = msg.Timestamp().UnixNano()

	addr := msg.ReplyTo()
	if _, ok := addr.Channel(); ok {
		return nil, xroute.ErrReplyAddressNotPortable
	}
	if name, ok := addr.Name(); ok {
		vals[fieldReplyTo] = name
	}
	if id, ok := msg.CorrelationID(); ok {
		vals[fieldCorrelation] = id
	}

	headers := msg.Headers()
	if raw, ok := msg.Payload().([]byte); ok {
		vals[fieldPayload] = raw
		vals[fieldEncoding] = encodingRaw
	} else {
		data, err := c.codec.Marshal(msg.Payload())
		if err != nil {
			return nil, err
		}
		vals[fieldPayload] = data
		vals[fieldEncoding] = c.codec.Name()
		delete(headers, xroute.HeaderContentType)
	}
	if len(headers) > 0 {
		data, err := c.codec.Marshal(headers)
		if err != nil {
			return nil, err
		}
		vals[fieldHeaders] = data
	}
	return vals, nil
}

// decode rebuilds a message from an entry. Codec-encoded payloads stay as
// bytes with the codec named in the content-type header; handlers decode them
// with xroute.Decode.
func (c *Channel) decode(entry redis.XMessage) (*xroute.Message, error) {
	v := entry.Values
	payload := asBytes(v[fieldPayload])
	b := xroute.NewMessageBuilder(payload)

	if raw := asBytes(v[fieldHeaders]); len(raw) > 0 {
		var headers map[string]any
		if err := c.codec.Unmarshal(raw, &headers); err != nil {
			return nil, err
		}
		b.SetHeaders(headers)
	}
	if enc := asString(v[fieldEncoding]); enc != "" && enc != encodingRaw {
		b.SetHeader(xroute.HeaderContentType, enc)
	}
	b.SetHeader(xroute.HeaderStreamID, entry.ID)
	if id := asString(v[fieldCorrelation]); id != "" {
		b.SetCorrelationID(id)
	}
	if name := asString(v[fieldReplyTo]); name != "" {
		b.SetReplyTo(xroute.ReplyToName(name))
	}

	id := asString(v[fieldID])
	if id == "" {
		id = entry.ID
	}
	var ts time.Time
	if ns, err := strconv.ParseInt(asString(v[fieldTimestamp]), 10, 64); err == nil {
		ts = time.Unix(0, ns)
	}
	return b.Restore(id, ts).Build(), nil
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func asBytes(v any) []byte {
	switch s := v.(type) {
	case []byte:
		return s
	case string:
		return []byte(s)
	default:
		return nil
	}
}

// Len returns the number of entries in the stream, acknowledged or not.
func (c *Channel) Len(ctx context.Context) (int64, error) {
	return c.cli.XLen(ctx, c.stream).Result()
}

// Clear trims the stream to zero entries.
func (c *Channel) Clear(ctx context.Context) error {
	return c.cli.XTrimMaxLen(ctx, c.stream, 0).Err()
}

// Close releases the client when the channel owns it.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.ownsClient {
			err = c.cli.Close()
		}
	})
	return err
}

// Stats returns channel telemetry.
type Stats struct {
	Sent        uint64
	Received    uint64
	SendErrors  uint64
	ReadErrors  uint64
	DecodeFails uint64
}

func (c *Channel) Stats() Stats {
	return Stats{
		Sent:        c.metrics.sent.Load(),
		Received:    c.metrics.received.Load(),
		SendErrors:  c.metrics.sendErrors.Load(),
		ReadErrors:  c.metrics.readErrors.Load(),
		DecodeFails: c.metrics.decodeFails.Load(),
	}
}
