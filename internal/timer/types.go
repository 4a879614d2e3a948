package timer

import (
	"context"
	"errors"
	"time"

	"timerd/internal/jobs"
	"timerd/internal/notify"
	"timerd/internal/storage"
)

var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrTimerNotFound   = errors.New("timer not found")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusFired     Status = "fired"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Entry tracks one timer created by this process. Entries are not
// persisted; the broker job outlives them across restarts.
type Entry struct {
	ID        string
	Label     string
	Action    Action
	Status    Status
	FireAt    time.Time // zero for cron timers
	Cron      string    // non-empty for recurring timers
	CreatedAt time.Time
	Fires     int
	LastFired time.Time
	LastError string
}

// Recurring reports whether the entry re-arms after each fire.
func (e Entry) Recurring() bool { return e.Cron != "" }

// Scheduler is the part of the job scheduler the timer service uses.
type Scheduler interface {
	AddDelayed(ctx context.Context, name string, delay time.Duration, h jobs.HandlerFunc) (string, error)
	AddCron(ctx context.Context, name, expr string, h jobs.HandlerFunc)
	RemoveByName(ctx context.Context, name string) error
}

type Notifier interface {
	Send(ctx context.Context, p notify.Payload) (storage.Notification, error)
}

type Emitter interface {
	Emit(name string, payload any) int
}

type Clock interface {
	Now() time.Time
}

// JobName is the scheduler job name used for timer id.
func JobName(id string) string { return "timer:" + id }
