package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "timerd/pkg/logx"
)

// Config selects and tunes the queue driver.
//
// Driver values:
//   - "redis": durable queue on a Redis server (default)
//   - "memory": in-process queue, lost on restart
type Config struct {
	Driver   string
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string // key prefix, default "timerd:"

	PollInterval time.Duration // default 250ms
	BatchSize    int           // max jobs claimed per poll, default 64
	Concurrency  int           // max handlers in flight, default 8
	DialTimeout  time.Duration // default 5s

	// Lease is how long a claimed job may go without a heartbeat before
	// another consumer takes it back. Default 30s.
	Lease time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Driver) == "" {
		c.Driver = "redis"
	}
	if c.Addr == "" {
		c.Addr = "127.0.0.1:6379"
	}
	if c.Prefix == "" {
		c.Prefix = "timerd:"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	return c
}

// Dial connects to the configured driver and verifies it is reachable.
func Dial(ctx context.Context, cfg Config, log logx.Logger) (Queue, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "memory":
		return NewMemory(cfg, log), nil
	case "redis":
		return DialRedis(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown broker driver: %s", cfg.Driver)
	}
}
