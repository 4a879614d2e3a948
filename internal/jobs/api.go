package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"timerd/internal/broker"
	"timerd/internal/metrics"
	logx "timerd/pkg/logx"
)

// AddCron registers h under name and enqueues a cron job for expr.
// An earlier cron job with the same name is replaced.
//
// It has no result: when the scheduler is degraded or the broker rejects
// the job, the failure is logged and the call returns.
func (s *Service) AddCron(ctx context.Context, name, expr string, h HandlerFunc) {
	s.mu.RLock()
	q := s.q
	s.mu.RUnlock()
	if q == nil {
		s.log.Warn("scheduler unavailable; cron not registered", logx.String("name", name), logx.String("spec", expr))
		s.sink.JobDropped(metrics.DropDegraded)
		return
	}
	if strings.TrimSpace(name) == "" || h == nil {
		s.log.Error("cron register failed", logx.String("name", name), logx.Err(errors.New("name and handler required")))
		return
	}
	if _, err := broker.ParseCron(expr); err != nil {
		s.log.Error("cron register failed", logx.String("name", name), logx.String("spec", expr), logx.Err(err))
		return
	}

	// Upserts of one name must not interleave; other calls are not held up.
	s.cronMu.Lock()
	defer s.cronMu.Unlock()

	r := s.reserve(name, h)
	removed, err := removeCron(ctx, q, name)
	if err != nil {
		s.log.Warn("cron upsert: old job not removed", logx.String("name", name), logx.Err(err))
	}
	j, err := q.Enqueue(ctx, broker.Job{Name: name, Kind: broker.KindCron, Spec: expr})

	s.mu.Lock()
	for _, id := range removed {
		delete(s.jobs, id)
	}
	if err == nil {
		s.trackLocked(j)
	}
	s.releaseLocked(r, err != nil)
	s.mu.Unlock()

	if err != nil {
		s.log.Error("cron enqueue failed", logx.String("name", name), logx.String("spec", expr), logx.Err(err))
		return
	}
	s.log.Debug("cron registered", logx.String("name", name), logx.String("job", j.ID), logx.String("spec", expr), logx.Time("next", j.RunAt))
}

// AddDelayed registers h under name and enqueues a one-shot job that fires
// after delay. A negative delay fires as soon as possible.
func (s *Service) AddDelayed(ctx context.Context, name string, delay time.Duration, h HandlerFunc) (string, error) {
	if delay < 0 {
		delay = 0
	}
	return s.add(ctx, broker.Job{Name: name, Kind: broker.KindDelayed, RunAt: time.Now().Add(delay)}, h)
}

// AddRepeating registers h under name and enqueues a job that fires every
// interval until removed.
func (s *Service) AddRepeating(ctx context.Context, name string, every time.Duration, h HandlerFunc) (string, error) {
	if every <= 0 {
		return "", fmt.Errorf("repeating job %q: interval must be > 0", name)
	}
	return s.add(ctx, broker.Job{Name: name, Kind: broker.KindRepeating, Every: every}, h)
}

func (s *Service) add(ctx context.Context, bj broker.Job, h HandlerFunc) (string, error) {
	s.mu.RLock()
	q := s.q
	s.mu.RUnlock()
	if q == nil {
		return "", ErrSchedulerUnavailable
	}
	if strings.TrimSpace(bj.Name) == "" {
		return "", errors.New("job name required")
	}
	if h == nil {
		return "", errors.New("job handler required")
	}

	// The handler must exist before the broker can fire the job.
	r := s.reserve(bj.Name, h)
	j, err := q.Enqueue(ctx, bj)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.trackLocked(j)
	}
	s.releaseLocked(r, err != nil)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", bj.Name, err)
	}
	s.log.Debug("job scheduled", logx.String("name", j.Name), logx.String("job", j.ID), logx.String("kind", string(j.Kind)), logx.Time("run_at", j.RunAt))
	return j.ID, nil
}

// Remove deletes a job from the broker. Unknown or already executed ids,
// and a degraded scheduler, are silent no-ops.
func (s *Service) Remove(ctx context.Context, id string) error {
	s.mu.RLock()
	q := s.q
	s.mu.RUnlock()
	if q == nil {
		return nil
	}
	if err := q.Remove(ctx, id); err != nil && !errors.Is(err, broker.ErrJobNotFound) {
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	s.untrack(id)
	return nil
}

// RemoveByName removes every job this process scheduled under name.
func (s *Service) RemoveByName(ctx context.Context, name string) error {
	s.mu.RLock()
	var ids []string
	for id, j := range s.jobs {
		if j.Name == name {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := s.Remove(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List returns local bookkeeping only; the broker is not queried.
func (s *Service) List() []Job {
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool {
		if out[i].RunAt.Equal(out[k].RunAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].RunAt.Before(out[k].RunAt)
	})
	return out
}

func (s *Service) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

// removeCron drops cron jobs named name from the broker, including ones
// scheduled by an earlier process, and returns their ids.
func removeCron(ctx context.Context, q broker.Queue, name string) ([]string, error) {
	held, err := q.List(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, j := range held {
		if j.Kind != broker.KindCron || j.Name != name {
			continue
		}
		if err := q.Remove(ctx, j.ID); err != nil && !errors.Is(err, broker.ErrJobNotFound) {
			return ids, err
		}
		ids = append(ids, j.ID)
	}
	return ids, nil
}

// reservation pins a handler while its job is being enqueued with s.mu
// released.
type reservation struct {
	name    string
	gen     uint64
	prev    handlerEntry
	hadPrev bool
}

func (s *Service) reserve(name string, h HandlerFunc) reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	prev, hadPrev := s.handlers[name]
	s.handlers[name] = handlerEntry{fn: h, gen: s.gen}
	s.pending[name]++
	return reservation{name: name, gen: s.gen, prev: prev, hadPrev: hadPrev}
}

// releaseLocked ends a reservation. A failed enqueue puts back the handler
// it displaced unless a later registration replaced it again.
func (s *Service) releaseLocked(r reservation, failed bool) {
	if s.pending[r.name]--; s.pending[r.name] <= 0 {
		delete(s.pending, r.name)
		for id, name := range s.settled {
			if name == r.name {
				delete(s.settled, id)
			}
		}
	}
	if failed && r.hadPrev && s.handlers[r.name].gen == r.gen {
		s.handlers[r.name] = r.prev
	}
	s.dropHandlerLocked(r.name)
}

func (s *Service) trackLocked(j broker.Job) {
	s.sink.JobScheduled(string(j.Kind))
	if _, done := s.settled[j.ID]; done {
		// It already ran before Enqueue returned.
		delete(s.settled, j.ID)
		return
	}
	s.jobs[j.ID] = Job{ID: j.ID, Name: j.Name, Kind: j.Kind, Spec: j.Spec, Every: j.Every, RunAt: j.RunAt}
}

func (s *Service) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return
	}
	delete(s.jobs, id)
	s.dropHandlerLocked(j.Name)
}

// ran drops bookkeeping for a one-shot job that has fired. A job whose
// Enqueue call has not returned yet is remembered so it is never tracked.
func (s *Service) ran(bj broker.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[bj.ID]; ok {
		delete(s.jobs, bj.ID)
		s.dropHandlerLocked(j.Name)
		return
	}
	if s.pending[bj.Name] > 0 {
		s.settled[bj.ID] = bj.Name
	}
}

// dropHandlerLocked forgets the handler for name once no tracked or
// pending job uses it.
func (s *Service) dropHandlerLocked(name string) {
	if s.pending[name] > 0 {
		return
	}
	for _, j := range s.jobs {
		if j.Name == name {
			return
		}
	}
	delete(s.handlers, name)
}
