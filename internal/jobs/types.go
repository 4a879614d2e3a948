package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"timerd/internal/broker"
	"timerd/internal/metrics"
	logx "timerd/pkg/logx"
)

var ErrSchedulerUnavailable = errors.New("scheduler unavailable")

// Config controls broker connection handling.
type Config struct {
	DialTimeout       time.Duration // per attempt, default 5s
	ReconnectInterval time.Duration // 0 disables retries after a failed dial
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReconnectInterval < 0 {
		c.ReconnectInterval = 0
	}
	return c
}

// DialFunc opens the broker queue.
type DialFunc func(ctx context.Context) (broker.Queue, error)

// HandlerFunc is the work run when a job fires.
type HandlerFunc func(ctx context.Context) error

// Job is the scheduler's bookkeeping record for one broker job.
type Job struct {
	ID    string // assigned by the broker
	Name  string
	Kind  broker.Kind
	Spec  string
	Every time.Duration
	RunAt time.Time
}

type handlerEntry struct {
	fn  HandlerFunc
	gen uint64
}

type Service struct {
	cfg  Config
	dial DialFunc
	log  logx.Logger
	sink metrics.Sink

	// mu is never held across broker I/O.
	mu       sync.RWMutex
	q        broker.Queue
	handlers map[string]handlerEntry
	pending  map[string]int    // enqueues in flight, by name
	settled  map[string]string // id -> name, fired before Enqueue returned
	jobs     map[string]Job
	gen      uint64

	cronMu sync.Mutex

	runMu   sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}
