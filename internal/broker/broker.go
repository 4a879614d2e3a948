// Package broker is the durable job queue underneath the scheduler.
//
// A Queue holds jobs until they are due, hands each due job to exactly one
// consumer, and re-arms repeating and cron jobs for their next occurrence.
// Job ids are assigned by the queue, never by callers.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrJobNotFound = errors.New("broker: job not found")
	ErrClosed      = errors.New("broker: closed")
)

type Kind string

const (
	KindCron      Kind = "cron"
	KindDelayed   Kind = "delayed"
	KindRepeating Kind = "repeating"
)

// Job is one entry held by the queue.
type Job struct {
	ID        string
	Name      string
	Kind      Kind
	Spec      string        // cron expression (KindCron)
	Every     time.Duration // interval (KindRepeating)
	RunAt     time.Time     // next due time
	CreatedAt time.Time
}

// Handler consumes a due job. A returned error is logged by the consume loop;
// the job is not re-delivered.
type Handler func(ctx context.Context, j Job) error

// Queue is a durable, broker-backed job queue.
type Queue interface {
	// Enqueue stores j and returns it with ID and RunAt filled in.
	Enqueue(ctx context.Context, j Job) (Job, error)
	// Remove deletes a job. It returns ErrJobNotFound when the queue doesn't hold it.
	Remove(ctx context.Context, id string) error
	// List returns every job the queue still holds.
	List(ctx context.Context) ([]Job, error)
	// Run consumes due jobs until ctx is canceled.
	Run(ctx context.Context, h Handler) error
	Ping(ctx context.Context) error
	Close() error
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates a cron expression ("*/5 * * * *", "0 30 9 * * 1-5", "@hourly").
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// Next returns the occurrence following after, or the zero time for one-shot jobs.
func (j Job) Next(after time.Time) (time.Time, error) {
	switch j.Kind {
	case KindDelayed:
		return time.Time{}, nil
	case KindRepeating:
		if j.Every <= 0 {
			return time.Time{}, fmt.Errorf("job %s: interval must be > 0", j.ID)
		}
		return after.Add(j.Every), nil
	case KindCron:
		sched, err := ParseCron(j.Spec)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(after), nil
	default:
		return time.Time{}, fmt.Errorf("job %s: unknown kind %q", j.ID, j.Kind)
	}
}

// Recurring reports whether the job re-arms after it runs.
func (j Job) Recurring() bool { return j.Kind == KindCron || j.Kind == KindRepeating }

// prepare validates j and fills RunAt/CreatedAt before it is stored.
func prepare(j Job, now time.Time) (Job, error) {
	if strings.TrimSpace(j.Name) == "" {
		return Job{}, errors.New("job name required")
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	switch j.Kind {
	case KindDelayed:
		if j.RunAt.IsZero() {
			j.RunAt = now
		}
	case KindRepeating, KindCron:
		if !j.RunAt.IsZero() {
			break
		}
		next, err := j.Next(now)
		if err != nil {
			return Job{}, err
		}
		if next.IsZero() {
			return Job{}, fmt.Errorf("cron expression %q never fires", j.Spec)
		}
		j.RunAt = next
	default:
		return Job{}, fmt.Errorf("unknown job kind %q", j.Kind)
	}
	return j, nil
}
