// Package redisstream provides a pollable xroute channel backed by a Redis
// Stream and a consumer group.
//
// Channel kind: "redis-streams"
//
// Send appends an entry with XADD; Receive reads one entry with XREADGROUP and
// acknowledges it with XACK once decoded. A receive timeout maps onto BLOCK:
// NoWait reads without blocking, WaitForever blocks until an entry arrives.
//
// Minimal config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - stream: stream key (default: the channel name)
//   - group: consumer group name (default "xroute")
//   - consumer: consumer name (default "xroute-<host>-<pid>")
//   - codec: codec for non-[]byte payloads and headers (default "json")
//   - auto_create: create group/stream if missing (default true)
//   - max_len_approx: XADD MAXLEN ~ bound (default 0 = unbounded)
//   - read_retries: retries of a failed XREADGROUP (default 3)
//
// Reply addresses given as channel handles cannot be written to a stream;
// such sends fail with xroute.ErrReplyAddressNotPortable. Use
// xroute.ReplyToName instead.
//
// Example:
//
//	rt := xroute.Use(xroute.Config{})
//	cfg := redisstream.Defaults()
//	cfg.Addr = "localhost:6379"
//	cfg.Group = "billing"
//	orders := redisstream.Use(rt, "orders", cfg)
//	_, _ = rt.Poll("orders", handle, xroute.DefaultPollerConfig())
package redisstream
