package broker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	logx "timerd/pkg/logx"
)

// backend is the storage half of a queue driver. consume() owns the loop.
//
// A claimed job is leased: it leaves the due set and sits in flight until
// rearm or finish settles it. A lease that is not extended before its
// deadline is reaped back into the due set, so a consumer that dies
// mid-run loses nothing.
type backend interface {
	// claimDue takes up to limit due jobs and leases them until now+lease.
	claimDue(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// extend pushes the lease deadline of an in-flight job.
	extend(ctx context.Context, id string, until time.Time) error
	// reap returns jobs whose lease expired before now to the due set.
	reap(ctx context.Context, now time.Time) (int, error)
	// rearm ends the lease and puts the job back in the due set at j.RunAt.
	// It reports false when the job was removed in the meantime.
	rearm(ctx context.Context, j Job) (bool, error)
	// finish deletes a one-shot job after it ran.
	finish(ctx context.Context, id string) error
}

func consume(ctx context.Context, b backend, cfg Config, log logx.Logger, h Handler) error {
	if h == nil {
		return fmt.Errorf("broker: handler required")
	}
	cfg = cfg.withDefaults()
	sem := semaphore.NewWeighted(int64(cfg.Concurrency))
	pollErrs := rate.Sometimes{Interval: 5 * time.Second}

	t := time.NewTicker(cfg.PollInterval)
	defer t.Stop()

	drain := func() {
		// Wait for in-flight handlers.
		_ = sem.Acquire(context.Background(), int64(cfg.Concurrency))
		sem.Release(int64(cfg.Concurrency))
	}

	for {
		select {
		case <-ctx.Done():
			drain()
			return nil
		case <-t.C:
		}

		now := time.Now()
		if n, err := b.reap(ctx, now); err != nil {
			if ctx.Err() == nil {
				pollErrs.Do(func() {
					log.Warn("broker reap failed", logx.Err(err))
				})
			}
		} else if n > 0 {
			log.Warn("expired job leases returned to queue", logx.Int("jobs", n))
		}

		jobs, err := b.claimDue(ctx, now, cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				drain()
				return nil
			}
			pollErrs.Do(func() {
				log.Warn("broker poll failed", logx.Err(err))
			})
			continue
		}

		for i, j := range jobs {
			if err := sem.Acquire(ctx, 1); err != nil {
				// Shutting down: hand unstarted jobs back untouched.
				for _, rest := range jobs[i:] {
					if _, rerr := b.rearm(context.Background(), rest); rerr != nil {
						log.Warn("broker requeue failed", logx.String("job", rest.ID), logx.Err(rerr))
					}
				}
				drain()
				return nil
			}

			go func(j Job, claimed time.Time) {
				defer sem.Release(1)
				start := time.Now()
				stop := heartbeat(b, j.ID, cfg.Lease, log)
				err := runHandler(ctx, h, j)
				stop()
				settle(b, j, claimed, log)
				if err != nil {
					log.Warn("job failed", logx.String("job", j.ID), logx.String("name", j.Name), logx.Duration("took", time.Since(start)), logx.Err(err))
					return
				}
				log.Debug("job done", logx.String("job", j.ID), logx.String("name", j.Name), logx.Duration("took", time.Since(start)))
			}(j, now)
		}
	}
}

// heartbeat extends the lease on id every third of lease until stop is
// called.
func heartbeat(b backend, id string, lease time.Duration, log logx.Logger) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		t := time.NewTicker(lease / 3)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-t.C:
				if err := b.extend(context.Background(), id, now.Add(lease)); err != nil {
					log.Warn("job lease extend failed", logx.String("job", id), logx.Err(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// settle ends the lease after the handler returned. A recurring job is
// re-armed only now, so runs of one job never overlap; occurrences that
// passed while it ran are skipped.
func settle(b backend, j Job, claimed time.Time, log logx.Logger) {
	ctx := context.Background()
	if !j.Recurring() {
		if err := b.finish(ctx, j.ID); err != nil {
			log.Warn("job cleanup failed", logx.String("job", j.ID), logx.Err(err))
		}
		return
	}
	next, err := j.Next(claimed)
	if err == nil && !next.IsZero() {
		if now := time.Now(); !next.After(now) {
			next, err = j.Next(now)
		}
	}
	if err != nil || next.IsZero() {
		log.Error("job cannot be re-armed; dropping", logx.String("job", j.ID), logx.String("name", j.Name), logx.Err(err))
		_ = b.finish(ctx, j.ID)
		return
	}
	j.RunAt = next
	if _, err := b.rearm(ctx, j); err != nil {
		log.Warn("job re-arm failed", logx.String("job", j.ID), logx.String("name", j.Name), logx.Err(err))
	}
}

func runHandler(ctx context.Context, h Handler, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in job %s: %v\n%s", j.Name, r, debug.Stack())
		}
	}()
	return h(ctx, j)
}
