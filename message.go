package xroute

import (
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
)

// Well-known header keys set by the runtime.
const (
	HeaderContentType     = "content-type"
	HeaderFailedMessageID = "failed-message-id"
	HeaderFailedEndpoint  = "failed-endpoint"
	HeaderStreamID        = "stream-id"
)

// IDGenerator produces message identifiers.
type IDGenerator interface {
	NewID() string
}

// IDGeneratorFunc lets a plain function satisfy IDGenerator.
type IDGeneratorFunc func() string

func (f IDGeneratorFunc) NewID() string { return f() }

var (
	// RandomIDs issues random (v4) UUIDs. It is the default.
	RandomIDs IDGenerator = IDGeneratorFunc(uuid.NewString)

	// TimeOrderedIDs issues v7 UUIDs, whose string form sorts by creation time.
	TimeOrderedIDs IDGenerator = IDGeneratorFunc(func() string {
		id, err := uuid.NewV7()
		if err != nil {
			return uuid.NewString()
		}
		return id.String()
	})
)

type idGeneratorHolder struct{ g IDGenerator }

var defaultIDs atomic.Value

func init() {
	defaultIDs.Store(idGeneratorHolder{g: RandomIDs})
}

// SetDefaultIDGenerator replaces the generator used by builders that were not given one.
func SetDefaultIDGenerator(g IDGenerator) {
	if g == nil {
		g = RandomIDs
	}
	defaultIDs.Store(idGeneratorHolder{g: g})
}

func defaultIDGenerator() IDGenerator {
	return defaultIDs.Load().(idGeneratorHolder).g
}

// ReplyAddress says where a reply should go: either a channel handle or a channel name
// resolved later through a ChannelResolver. The zero value means "no reply address".
type ReplyAddress struct {
	channel MessageChannel
	name    string
}

// ReplyToChannel addresses replies to ch directly.
func ReplyToChannel(ch MessageChannel) ReplyAddress { return ReplyAddress{channel: ch} }

// ReplyToName addresses replies to the channel registered under name.
func ReplyToName(name string) ReplyAddress { return ReplyAddress{name: name} }

func (a ReplyAddress) IsZero() bool { return a.channel == nil && a.name == "" }

// Channel returns the channel handle, if the address holds one.
func (a ReplyAddress) Channel() (MessageChannel, bool) { return a.channel, a.channel != nil }

// Name returns the channel name, if the address holds one.
func (a ReplyAddress) Name() (string, bool) {
	if a.channel != nil || a.name == "" {
		return "", false
	}
	return a.name, true
}

func (a ReplyAddress) String() string {
	switch {
	case a.channel != nil:
		return "channel:" + a.channel.Name()
	case a.name != "":
		return "name:" + a.name
	default:
		return ""
	}
}

// Message is the envelope traveling through channels.
//
// The id and payload never change once the message is built. Headers of an
// immutable message are fixed as well; use WithHeader (copy-on-write) or
// MessageBuilder to derive a new one. Messages built with Mutable() accept
// in-place header updates through SetHeader and SetCorrelationID.
type Message struct {
	id        string
	payload   any
	timestamp time.Time
	mutable   bool

	mu            sync.RWMutex
	headers       map[string]any
	correlationID string
	replyTo       ReplyAddress
}

// NewMessage builds an immutable message around payload.
func NewMessage(payload any) *Message {
	return NewMessageBuilder(payload).Build()
}

// NewMutableMessage builds a message whose headers may be updated in place.
func NewMutableMessage(payload any) *Message {
	return NewMessageBuilder(payload).Mutable().Build()
}

func (m *Message) ID() string           { return m.id }
func (m *Message) Payload() any         { return m.payload }
func (m *Message) Timestamp() time.Time { return m.timestamp }
func (m *Message) IsMutable() bool      { return m.mutable }

// Headers returns a copy of the header map.
func (m *Message) Headers() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.headers)
}

// Header returns a single header value.
func (m *Message) Header(key string) (any, bool) {
	m.mu.RLock()
	v, ok := m.headers[key]
	m.mu.RUnlock()
	return v, ok
}

// HeaderString returns the header as a string, or "" when absent or not a string.
func (m *Message) HeaderString(key string) string {
	v, _ := m.Header(key)
	s, _ := v.(string)
	return s
}

// CorrelationID returns the correlation id, if one was set.
func (m *Message) CorrelationID() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.correlationID, m.correlationID != ""
}

// ReplyTo returns the reply address; IsZero reports whether one was set.
func (m *Message) ReplyTo() ReplyAddress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.replyTo
}

// SetHeader updates a header in place. Only mutable messages accept it.
func (m *Message) SetHeader(key string, value any) error {
	if !m.mutable {
		return ErrImmutableMessage
	}
	m.mu.Lock()
	if value == nil {
		delete(m.headers, key)
	} else {
		m.headers[key] = value
	}
	m.mu.Unlock()
	return nil
}

// SetCorrelationID updates the correlation id in place. Only mutable messages accept it.
func (m *Message) SetCorrelationID(id string) error {
	if !m.mutable {
		return ErrImmutableMessage
	}
	m.mu.Lock()
	m.correlationID = id
	m.mu.Unlock()
	return nil
}

// WithHeader returns a copy carrying the extra header. The copy keeps id and payload.
func (m *Message) WithHeader(key string, value any) *Message {
	c := m.clone()
	if value == nil {
		delete(c.headers, key)
	} else {
		c.headers[key] = value
	}
	return c
}

// WithCorrelationID returns a copy carrying the given correlation id.
func (m *Message) WithCorrelationID(id string) *Message {
	c := m.clone()
	c.correlationID = id
	return c
}

// WithReplyTo returns a copy carrying the given reply address.
func (m *Message) WithReplyTo(addr ReplyAddress) *Message {
	c := m.clone()
	c.replyTo = addr
	return c
}

func (m *Message) clone() *Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := make(map[string]any, len(m.headers)+1)
	maps.Copy(h, m.headers)
	return &Message{
		id:            m.id,
		payload:       m.payload,
		timestamp:     m.timestamp,
		mutable:       m.mutable,
		headers:       h,
		correlationID: m.correlationID,
		replyTo:       m.replyTo,
	}
}

func (m *Message) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("Message{id=%s, correlation=%s, replyTo=%s, headers=%v, payload=%v}",
		m.id, m.correlationID, m.replyTo, m.headers, m.payload)
}

// PayloadAs returns the payload as T when it holds one.
func PayloadAs[T any](m *Message) (T, bool) {
	var zero T
	if m == nil {
		return zero, false
	}
	v, ok := m.payload.(T)
	return v, ok
}

// MessageBuilder assembles messages (Builder pattern).
type MessageBuilder struct {
	payload       any
	headers       map[string]any
	correlationID string
	replyTo       ReplyAddress
	mutable       bool
	ids           IDGenerator
	clock         xclock.Clock

	id        string
	timestamp time.Time
}

// NewMessageBuilder starts a message around payload.
func NewMessageBuilder(payload any) *MessageBuilder {
	return &MessageBuilder{payload: payload, headers: map[string]any{}}
}

// FromMessage starts a builder carrying m's payload, headers, correlation id and reply
// address. The built message gets a fresh id.
func FromMessage(m *Message) *MessageBuilder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &MessageBuilder{
		payload:       m.payload,
		headers:       maps.Clone(m.headers),
		correlationID: m.correlationID,
		replyTo:       m.replyTo,
	}
}

func (b *MessageBuilder) SetHeader(key string, value any) *MessageBuilder {
	if value == nil {
		delete(b.headers, key)
		return b
	}
	b.headers[key] = value
	return b
}

func (b *MessageBuilder) SetHeaders(h map[string]any) *MessageBuilder {
	for k, v := range h {
		b.SetHeader(k, v)
	}
	return b
}

func (b *MessageBuilder) RemoveHeader(key string) *MessageBuilder {
	delete(b.headers, key)
	return b
}

func (b *MessageBuilder) SetCorrelationID(id string) *MessageBuilder {
	b.correlationID = id
	return b
}

func (b *MessageBuilder) SetReplyTo(addr ReplyAddress) *MessageBuilder {
	b.replyTo = addr
	return b
}

// Mutable makes the built message accept in-place header updates.
func (b *MessageBuilder) Mutable() *MessageBuilder {
	b.mutable = true
	return b
}

func (b *MessageBuilder) WithIDGenerator(g IDGenerator) *MessageBuilder {
	b.ids = g
	return b
}

func (b *MessageBuilder) WithClock(c xclock.Clock) *MessageBuilder {
	b.clock = c
	return b
}

// Restore makes the built message keep an id and timestamp assigned elsewhere,
// as transports do when reading messages back. Zero values are ignored.
func (b *MessageBuilder) Restore(id string, ts time.Time) *MessageBuilder {
	b.id = id
	b.timestamp = ts
	return b
}

func (b *MessageBuilder) Build() *Message {
	ids := b.ids
	if ids == nil {
		ids = defaultIDGenerator()
	}
	clk := b.clock
	if clk == nil {
		clk = xclock.Default()
	}
	headers := b.headers
	if headers == nil {
		headers = map[string]any{}
	}
	id := b.id
	if id == "" {
		id = ids.NewID()
	}
	ts := b.timestamp
	if ts.IsZero() {
		ts = clk.Now()
	}
	return &Message{
		id:            id,
		payload:       b.payload,
		timestamp:     ts,
		mutable:       b.mutable,
		headers:       maps.Clone(headers),
		correlationID: b.correlationID,
		replyTo:       b.replyTo,
	}
}
