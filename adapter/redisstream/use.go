package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xroute"
)

// Adapter: Redis Streams pollable channel (Strategy + Adapter patterns)

const Kind = "redis-streams"

func init() {
	if err := xroute.RegisterChannelKind(Kind, func(name string, cfg map[string]any, opts ...xroute.ChannelOption) (xroute.MessageChannel, error) {
		return New(name, ConfigFromMap(cfg), opts...)
	}); err != nil {
		panic(fmt.Errorf("xroute: failed to register channel kind %q: %w", Kind, err))
	}
}

// Use dials Redis, creates the channel on rt and registers it under name.
// Mirrors xroute.Use: explicit construction, panics on failure.
func Use(rt *xroute.Runtime, name string, cfg Config) *Channel {
	ch, err := rt.Channel(Kind, name, cfg.toMap())
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	return ch.(*Channel)
}

// Register builds a channel on a shared client and registers it on rt.
func Register(rt *xroute.Runtime, name string, cli Commander, cfg Config) (*Channel, error) {
	ch, err := NewWithClient(name, cli, cfg, rt.ChannelOptions()...)
	if err != nil {
		return nil, err
	}
	if err := rt.RegisterChannel(ch); err != nil {
		return nil, err
	}
	return ch, nil
}
