package memory

import (
	"fmt"

	"github.com/trickstertwo/xroute"
)

// Use creates an executor channel on rt and registers it under name.
// Mirrors xroute.Use: explicit construction, installed where it is resolved.
//
// Example:
//
//	orders := memory.Use(rt, "orders", memory.Config{
//	    BufferSize:    4096,
//	    Concurrency:   8,
//	    MaxDeliveries: 3,
//	})
func Use(rt *xroute.Runtime, name string, cfg Config) *Channel {
	ch, err := Register(rt, name, cfg)
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	return ch
}

// Register is Use without the panic.
func Register(rt *xroute.Runtime, name string, cfg Config) (*Channel, error) {
	if cfg.ErrorHandler != nil {
		// the handler cannot travel through the kind factory's config map
		ch := New(name, cfg, rt.ChannelOptions()...)
		if err := rt.RegisterChannel(ch); err != nil {
			_ = ch.Close()
			return nil, err
		}
		return ch, nil
	}
	ch, err := rt.Channel(Kind, name, cfg.toMap())
	if err != nil {
		return nil, err
	}
	return ch.(*Channel), nil
}

// toMap converts Config to the generic map expected by the kind factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"buffer_size":      c.BufferSize,
		"concurrency":      c.Concurrency,
		"redelivery_delay": c.RedeliveryDelay,
		"max_deliveries":   c.MaxDeliveries,
	}
}
