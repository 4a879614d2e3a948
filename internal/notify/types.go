package notify

import (
	"context"
	"errors"
	"time"

	"timerd/internal/jobs"
)

const (
	DefaultChannel = "default"

	// Delivered is returned by Schedule when the notification was sent
	// synchronously. Cancel accepts it and does nothing.
	Delivered = "delivered"

	// EventSent is emitted on the bus after a notification was persisted.
	EventSent = "notify.sent"
)

var ErrPersistence = errors.New("notification persistence failed")

type Config struct {
	DefaultChannel string
	PruneAfter     time.Duration // read notifications older than this are pruned; 0 disables
	PruneEvery     time.Duration // default 1h
}

func (c Config) withDefaults() Config {
	if c.DefaultChannel == "" {
		c.DefaultChannel = DefaultChannel
	}
	if c.PruneEvery <= 0 {
		c.PruneEvery = time.Hour
	}
	return c
}

// Payload is what callers ask to deliver.
type Payload struct {
	UserID  string         `json:"userId"`
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Channel string         `json:"channel,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Message is the realtime and bus view of a persisted notification.
type Message struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Channel   string         `json:"channel"`
	Meta      map[string]any `json:"meta,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"createdAt"`
}

// ChannelHandler delivers a notification over an external pathway.
type ChannelHandler func(ctx context.Context, p Payload) error

// RealtimeSink pushes v to every session of userID. Delivery is best-effort.
type RealtimeSink interface {
	Push(ctx context.Context, userID string, v any) error
}

// Scheduler is the part of the job scheduler the service needs.
type Scheduler interface {
	AddDelayed(ctx context.Context, name string, delay time.Duration, h jobs.HandlerFunc) (string, error)
	Remove(ctx context.Context, id string) error
}

type Clock interface {
	Now() time.Time
}
