// Package timer turns "do X after/at/on Y" into scheduler jobs and routes
// fired jobs to the notification service or the event bus.
package timer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"timerd/internal/broker"
	"timerd/internal/metrics"
	"timerd/internal/notify"
	logx "timerd/pkg/logx"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Service struct {
	sched    Scheduler
	notifier Notifier
	bus      Emitter
	clock    Clock
	log      logx.Logger
	sink     metrics.Sink

	mu      sync.Mutex
	entries map[string]*Entry
}

func New(sched Scheduler, notifier Notifier, bus Emitter, clk Clock, log logx.Logger, sink metrics.Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = systemClock{}
	}
	return &Service{
		sched:    sched,
		notifier: notifier,
		bus:      bus,
		clock:    clk,
		log:      log,
		sink:     metrics.Or(sink),
		entries:  map[string]*Entry{},
	}
}

// After runs action once delay has elapsed and returns the timer id.
// A negative delay fires as soon as possible.
func (s *Service) After(ctx context.Context, label string, delay time.Duration, action Action) (string, error) {
	if err := validAction(action); err != nil {
		return "", err
	}
	if delay < 0 {
		delay = 0
	}
	now := s.clock.Now()
	e := &Entry{
		ID:        uuid.NewString(),
		Label:     label,
		Action:    action,
		Status:    StatusPending,
		FireAt:    now.Add(delay),
		CreatedAt: now,
	}
	s.put(e)

	if _, err := s.sched.AddDelayed(ctx, JobName(e.ID), delay, s.fire(e.ID)); err != nil {
		s.drop(e.ID)
		return "", err
	}
	s.log.Debug("timer scheduled", logx.String("id", e.ID), logx.String("label", label), logx.String("action", action.Kind()), logx.Duration("delay", delay))
	return e.ID, nil
}

// At runs action at target. A target in the past fails with ErrInvalidSchedule.
func (s *Service) At(ctx context.Context, label string, target time.Time, action Action) (string, error) {
	now := s.clock.Now()
	if target.UnixMilli()-now.UnixMilli() < 0 {
		return "", fmt.Errorf("%w: %s is in the past", ErrInvalidSchedule, target.Format(time.RFC3339))
	}
	return s.After(ctx, label, target.Sub(now), action)
}

// Cron runs action on every occurrence of expr until cancelled.
func (s *Service) Cron(ctx context.Context, label, expr string, action Action) (string, error) {
	if err := validAction(action); err != nil {
		return "", err
	}
	expr = strings.TrimSpace(expr)
	if _, err := broker.ParseCron(expr); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	e := &Entry{
		ID:        uuid.NewString(),
		Label:     label,
		Action:    action,
		Status:    StatusPending,
		Cron:      expr,
		CreatedAt: s.clock.Now(),
	}
	s.put(e)
	s.sched.AddCron(ctx, JobName(e.ID), expr, s.fire(e.ID))
	s.log.Debug("cron timer scheduled", logx.String("id", e.ID), logx.String("label", label), logx.String("action", action.Kind()), logx.String("spec", expr))
	return e.ID, nil
}

// Cancel stops a timer. Cancelling a timer that already fired succeeds.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTimerNotFound, id)
	}
	e.Status = StatusCancelled
	s.mu.Unlock()

	if err := s.sched.RemoveByName(ctx, JobName(id)); err != nil {
		return err
	}
	s.log.Debug("timer cancelled", logx.String("id", id))
	return nil
}

// List returns every entry this process created, oldest first.
func (s *Service) List() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

func (s *Service) Get(id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrTimerNotFound, id)
	}
	return *e, nil
}

func (s *Service) put(e *Entry) {
	s.mu.Lock()
	s.entries[e.ID] = e
	s.mu.Unlock()
}

func (s *Service) drop(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// fire is the scheduler handler for timer id.
func (s *Service) fire(id string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		s.mu.Lock()
		e, ok := s.entries[id]
		if !ok || e.Status == StatusCancelled || (!e.Recurring() && e.Status != StatusPending) {
			s.mu.Unlock()
			s.log.Debug("timer fire ignored", logx.String("id", id))
			return nil
		}
		e.Status = StatusFired
		e.Fires++
		e.LastFired = s.clock.Now()
		action := e.Action
		s.mu.Unlock()

		err := action.Apply(ctx, dispatcher{s})
		s.sink.TimerFired(action.Kind(), err)

		s.mu.Lock()
		if e.Status != StatusCancelled {
			switch {
			case e.Recurring():
				e.Status = StatusPending
			case err != nil:
				e.Status = StatusFailed
			}
		}
		if err != nil {
			e.LastError = err.Error()
		}
		s.mu.Unlock()

		if err != nil {
			s.log.Warn("timer dispatch failed", logx.String("id", id), logx.String("action", action.Kind()), logx.Err(err))
		}
		return err
	}
}

// dispatcher routes each Action variant to exactly one service.
type dispatcher struct{ s *Service }

func (d dispatcher) HandleNotify(ctx context.Context, a Notify) error {
	if d.s.notifier == nil {
		return fmt.Errorf("notify action: no notification service")
	}
	_, err := d.s.notifier.Send(ctx, notify.Payload{
		UserID:  a.UserID,
		Title:   a.Title,
		Body:    a.Body,
		Channel: a.Channel,
		Meta:    a.Meta,
	})
	return err
}

func (d dispatcher) HandleEvent(_ context.Context, a Event) error {
	if d.s.bus != nil {
		d.s.bus.Emit(a.Name, a.Payload)
	}
	return nil
}

func (d dispatcher) HandleMessage(_ context.Context, a Message) error {
	if d.s.bus != nil {
		d.s.bus.Emit(MessageTopic(a.Channel), a.Payload)
	}
	return nil
}
