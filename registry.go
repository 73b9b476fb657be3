package xroute

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Built-in channel kinds.
const (
	KindDirect           = "direct"
	KindQueue            = "queue"
	KindPublishSubscribe = "pubsub"
)

// ChannelFactory constructs a channel of one kind from a config blob.
type ChannelFactory func(name string, cfg map[string]any, opts ...ChannelOption) (MessageChannel, error)

var (
	channelKindsMu sync.RWMutex
	channelKinds   = map[string]ChannelFactory{
		KindDirect: func(name string, _ map[string]any, opts ...ChannelOption) (MessageChannel, error) {
			return NewDirectChannel(name, opts...), nil
		},
		KindQueue: func(name string, cfg map[string]any, opts ...ChannelOption) (MessageChannel, error) {
			return NewQueueChannel(name, getInt(cfg, "capacity", 0), opts...), nil
		},
		KindPublishSubscribe: func(name string, cfg map[string]any, opts ...ChannelOption) (MessageChannel, error) {
			return NewPublishSubscribeChannel(name, PublishSubscribeConfigFromMap(cfg), opts...)
		},
	}
)

// RegisterChannelKind makes a channel implementation available to NewChannel.
func RegisterChannelKind(kind string, factory ChannelFactory) error {
	if kind == "" {
		return errors.New("channel kind must not be empty")
	}
	if factory == nil {
		return errors.New("channel factory must not be nil")
	}
	channelKindsMu.Lock()
	channelKinds[kind] = factory
	channelKindsMu.Unlock()
	return nil
}

// NewChannel constructs a channel by kind with config.
func NewChannel(kind, name string, cfg map[string]any, opts ...ChannelOption) (MessageChannel, error) {
	if name == "" {
		return nil, ErrInvalidChannelName
	}
	channelKindsMu.RLock()
	f, ok := channelKinds[kind]
	channelKindsMu.RUnlock()
	if !ok {
		return nil, ErrUnknownChannelKind{kind: kind}
	}
	return f(name, cfg, opts...)
}

var _ ChannelResolver = (*ChannelRegistry)(nil)

// ChannelRegistry maps names to channels and resolves reply addresses given by name.
type ChannelRegistry struct {
	mu       sync.RWMutex
	channels map[string]MessageChannel
}

func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{channels: make(map[string]MessageChannel)}
}

func (r *ChannelRegistry) Register(ch MessageChannel) error {
	if ch == nil || ch.Name() == "" {
		return ErrInvalidChannelName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[ch.Name()]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateChannel, ch.Name())
	}
	r.channels[ch.Name()] = ch
	return nil
}

func (r *ChannelRegistry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.channels[name]
	delete(r.channels, name)
	return ok
}

func (r *ChannelRegistry) ResolveChannel(name string) (MessageChannel, error) {
	r.mu.RLock()
	ch, ok := r.channels[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &ChannelResolutionError{Name: name}
	}
	return ch, nil
}

// Names returns the registered channel names in sorted order.
func (r *ChannelRegistry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.channels))
	for n := range r.channels {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
