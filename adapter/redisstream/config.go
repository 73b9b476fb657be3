package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Config for a Redis Stream backed channel.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Stream is the stream key; empty means the channel name.
	Stream string
	// Consumer group
	Group      string
	Consumer   string
	AutoCreate bool

	// Codec encodes payloads that are not []byte, and headers.
	Codec string
	// MaxLenApprox trims the stream with XADD MAXLEN ~ when > 0.
	MaxLenApprox int64

	// ReadRetries bounds retries of a failed XREADGROUP; RetryInterval is the
	// initial backoff between them.
	ReadRetries   int
	RetryInterval time.Duration
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xroute"
	}

	return Config{
		Addr:          "127.0.0.1:6379",
		Group:         "xroute",
		Consumer:      fmt.Sprintf("xroute-%s-%d", hostname, os.Getpid()),
		AutoCreate:    true,
		Codec:         "json",
		ReadRetries:   3,
		RetryInterval: 100 * time.Millisecond,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Group == "" {
		return fmt.Errorf("config: group required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.ReadRetries < 0 {
		return fmt.Errorf("config: read_retries must be >= 0, got %d", c.ReadRetries)
	}
	if c.MaxLenApprox < 0 {
		return fmt.Errorf("config: max_len_approx must be >= 0, got %d", c.MaxLenApprox)
	}
	return nil
}

// toMap converts Config to generic map for the kind factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":            c.Addr,
		"username":        c.Username,
		"password":        c.Password,
		"db":              c.DB,
		"tls":             c.TLS,
		"tls_server_name": c.TLSServerName,
		"stream":          c.Stream,
		"group":           c.Group,
		"consumer":        c.Consumer,
		"auto_create":     c.AutoCreate,
		"codec":           c.Codec,
		"max_len_approx":  c.MaxLenApprox,
		"read_retries":    c.ReadRetries,
		"retry_interval":  c.RetryInterval,
	}
}

// ConfigFromMap safely converts generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := m["db"].(int); ok {
		c.DB = v
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := m["stream"].(string); ok {
		c.Stream = v
	}
	if v, ok := m["group"].(string); ok && v != "" {
		c.Group = v
	}
	if v, ok := m["consumer"].(string); ok && v != "" {
		c.Consumer = v
	}
	if v, ok := m["auto_create"].(bool); ok {
		c.AutoCreate = v
	}
	if v, ok := m["codec"].(string); ok && v != "" {
		c.Codec = v
	}
	switch v := m["max_len_approx"].(type) {
	case int64:
		c.MaxLenApprox = v
	case int:
		c.MaxLenApprox = int64(v)
	}
	if v, ok := m["read_retries"].(int); ok && v >= 0 {
		c.ReadRetries = v
	}
	switch v := m["retry_interval"].(type) {
	case time.Duration:
		if v > 0 {
			c.RetryInterval = v
		}
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.RetryInterval = d
		}
	}

	return c
}
