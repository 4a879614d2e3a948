package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "timerd/pkg/logx"
)

var testCfg = Config{PollInterval: 5 * time.Millisecond, Concurrency: 4}

func newRedisQueue(t *testing.T) Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, testCfg, logx.Nop())
}

func newMemoryQueue(t *testing.T) Queue {
	t.Helper()
	return NewMemory(testCfg, logx.Nop())
}

var drivers = map[string]func(t *testing.T) Queue{
	"memory": newMemoryQueue,
	"redis":  newRedisQueue,
}

type recorder struct {
	mu   sync.Mutex
	seen []Job
	ch   chan Job
}

func newRecorder() *recorder { return &recorder{ch: make(chan Job, 64)} }

func (r *recorder) handle(ctx context.Context, j Job) error {
	r.mu.Lock()
	r.seen = append(r.seen, j)
	r.mu.Unlock()
	r.ch <- j
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func run(t *testing.T, q Queue, h Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitJob(t *testing.T, ch <-chan Job) Job {
	t.Helper()
	select {
	case j := <-ch:
		return j
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job")
		return Job{}
	}
}

func TestDelayedJobRunsOnceAndIsDeleted(t *testing.T) {
	for name, mk := range drivers {
		t.Run(name, func(t *testing.T) {
			q := mk(t)
			ctx := context.Background()
			rec := newRecorder()

			j, err := q.Enqueue(ctx, Job{Name: "timer:a", Kind: KindDelayed, RunAt: time.Now().Add(30 * time.Millisecond)})
			require.NoError(t, err)
			require.NotEmpty(t, j.ID)

			run(t, q, rec.handle)
			got := waitJob(t, rec.ch)
			assert.Equal(t, j.ID, got.ID)
			assert.Equal(t, "timer:a", got.Name)

			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, 1, rec.count())
			require.Eventually(t, func() bool {
				jobs, err := q.List(ctx)
				return err == nil && len(jobs) == 0
			}, time.Second, 5*time.Millisecond)
		})
	}
}

func TestIDsAreAssignedByQueue(t *testing.T) {
	for name, mk := range drivers {
		t.Run(name, func(t *testing.T) {
			q := mk(t)
			ctx := context.Background()
			a, err := q.Enqueue(ctx, Job{ID: "caller-chosen", Name: "a", Kind: KindDelayed})
			require.NoError(t, err)
			b, err := q.Enqueue(ctx, Job{Name: "b", Kind: KindDelayed})
			require.NoError(t, err)
			assert.NotEqual(t, "caller-chosen", a.ID)
			assert.NotEqual(t, a.ID, b.ID)
		})
	}
}

func TestRepeatingJobRearms(t *testing.T) {
	for name, mk := range drivers {
		t.Run(name, func(t *testing.T) {
			q := mk(t)
			ctx := context.Background()
			rec := newRecorder()

			j, err := q.Enqueue(ctx, Job{Name: "tick", Kind: KindRepeating, Every: 20 * time.Millisecond})
			require.NoError(t, err)

			run(t, q, rec.handle)
			for i := 0; i < 3; i++ {
				assert.Equal(t, j.ID, waitJob(t, rec.ch).ID)
			}

			require.NoError(t, q.Remove(ctx, j.ID))
			time.Sleep(60 * time.Millisecond)
			n := rec.count()
			time.Sleep(60 * time.Millisecond)
			assert.Equal(t, n, rec.count(), "removed job must stop firing")
		})
	}
}

func TestRemoveBeforeDue(t *testing.T) {
	for name, mk := range drivers {
		t.Run(name, func(t *testing.T) {
			q := mk(t)
			ctx := context.Background()
			rec := newRecorder()

			j, err := q.Enqueue(ctx, Job{Name: "later", Kind: KindDelayed, RunAt: time.Now().Add(40 * time.Millisecond)})
			require.NoError(t, err)
			require.NoError(t, q.Remove(ctx, j.ID))
			assert.True(t, errors.Is(q.Remove(ctx, j.ID), ErrJobNotFound))

			run(t, q, rec.handle)
			time.Sleep(100 * time.Millisecond)
			assert.Zero(t, rec.count())
		})
	}
}

func TestHandlerErrorDoesNotRedeliver(t *testing.T) {
	for name, mk := range drivers {
		t.Run(name, func(t *testing.T) {
			q := mk(t)
			ctx := context.Background()
			var mu sync.Mutex
			calls := 0
			_, err := q.Enqueue(ctx, Job{Name: "bad", Kind: KindDelayed})
			require.NoError(t, err)

			run(t, q, func(ctx context.Context, j Job) error {
				mu.Lock()
				calls++
				mu.Unlock()
				panic("handler blew up")
			})
			time.Sleep(80 * time.Millisecond)
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 1, calls)
		})
	}
}

func TestListReportsCronRunAt(t *testing.T) {
	for name, mk := range drivers {
		t.Run(name, func(t *testing.T) {
			q := mk(t)
			ctx := context.Background()
			j, err := q.Enqueue(ctx, Job{Name: "nightly", Kind: KindCron, Spec: "0 3 * * *"})
			require.NoError(t, err)
			assert.Equal(t, 3, j.RunAt.Hour())

			jobs, err := q.List(ctx)
			require.NoError(t, err)
			require.Len(t, jobs, 1)
			assert.Equal(t, KindCron, jobs[0].Kind)
			assert.Equal(t, "0 3 * * *", jobs[0].Spec)
			assert.Equal(t, j.RunAt.UnixMilli(), jobs[0].RunAt.UnixMilli())
		})
	}
}

func TestRedisSharedQueueClaimsOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	c1 := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	c2 := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c1.Close(); _ = c2.Close() })
	q1 := NewRedis(c1, testCfg, logx.Nop())
	q2 := NewRedis(c2, testCfg, logx.Nop())

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := q1.Enqueue(ctx, Job{Name: "n", Kind: KindDelayed})
		require.NoError(t, err)
	}
	rec := newRecorder()
	run(t, q1, rec.handle)
	run(t, q2, rec.handle)

	require.Eventually(t, func() bool { return rec.count() >= 20 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 20, rec.count())
	ids := map[string]bool{}
	rec.mu.Lock()
	for _, j := range rec.seen {
		assert.False(t, ids[j.ID], "job %s delivered twice", j.ID)
		ids[j.ID] = true
	}
	rec.mu.Unlock()
}

func TestRedisJobsSurviveNewClient(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c1 := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	q1 := NewRedis(c1, testCfg, logx.Nop())
	j, err := q1.Enqueue(ctx, Job{Name: "persisted", Kind: KindRepeating, Every: time.Hour})
	require.NoError(t, err)
	require.NoError(t, q1.Close())

	c2 := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c2.Close() })
	q2 := NewRedis(c2, testCfg, logx.Nop())
	jobs, err := q2.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, j.ID, jobs[0].ID)
	assert.Equal(t, time.Hour, jobs[0].Every)
}

func TestClaimedJobsSurviveConsumerCrash(t *testing.T) {
	cfg := testCfg
	cfg.Lease = 60 * time.Millisecond
	mr := miniredis.RunT(t)
	queues := map[string]func() Queue{
		"memory": func() Queue { return NewMemory(cfg, logx.Nop()) },
		"redis": func() Queue {
			client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedis(client, cfg, logx.Nop())
		},
	}
	for name, mk := range queues {
		t.Run(name, func(t *testing.T) {
			q := mk()
			ctx := context.Background()
			one, err := q.Enqueue(ctx, Job{Name: "once", Kind: KindDelayed})
			require.NoError(t, err)
			tick, err := q.Enqueue(ctx, Job{Name: "tick", Kind: KindRepeating, Every: 20 * time.Millisecond, RunAt: time.Now()})
			require.NoError(t, err)

			// A consumer claims both and exits before settling them.
			claimed, err := q.(backend).claimDue(ctx, time.Now(), 10)
			require.NoError(t, err)
			require.Len(t, claimed, 2)

			rec := newRecorder()
			run(t, q, rec.handle)
			seen := map[string]bool{}
			deadline := time.After(2 * time.Second)
			for !seen[one.ID] || !seen[tick.ID] {
				select {
				case j := <-rec.ch:
					seen[j.ID] = true
				case <-deadline:
					t.Fatalf("jobs not redelivered after lease expiry: %v", seen)
				}
			}
			require.Eventually(t, func() bool {
				jobs, err := q.List(ctx)
				return err == nil && len(jobs) == 1 && jobs[0].ID == tick.ID
			}, time.Second, 5*time.Millisecond)
			require.NoError(t, q.Remove(ctx, tick.ID))
		})
	}
}

func TestLeaseExtendedWhileHandlerRuns(t *testing.T) {
	cfg := testCfg
	cfg.Lease = 30 * time.Millisecond
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := NewRedis(client, cfg, logx.Nop())

	_, err := q.Enqueue(context.Background(), Job{Name: "slow", Kind: KindDelayed})
	require.NoError(t, err)
	var mu sync.Mutex
	calls := 0
	run(t, q, func(ctx context.Context, j Job) error {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(150 * time.Millisecond)
		return nil
	})
	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestRecurringRunsDoNotOverlap(t *testing.T) {
	for name, mk := range drivers {
		t.Run(name, func(t *testing.T) {
			q := mk(t)
			ctx := context.Background()
			_, err := q.Enqueue(ctx, Job{Name: "busy", Kind: KindRepeating, Every: 10 * time.Millisecond})
			require.NoError(t, err)

			var mu sync.Mutex
			active, peak, runs := 0, 0, 0
			run(t, q, func(ctx context.Context, j Job) error {
				mu.Lock()
				active++
				runs++
				if active > peak {
					peak = active
				}
				mu.Unlock()
				time.Sleep(40 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return runs >= 3
			}, 2*time.Second, 5*time.Millisecond)
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 1, peak)
		})
	}
}

func TestDialRedisUnreachable(t *testing.T) {
	_, err := Dial(context.Background(), Config{Driver: "redis", Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond}, logx.Nop())
	require.Error(t, err)
}

func TestDialUnknownDriver(t *testing.T) {
	_, err := Dial(context.Background(), Config{Driver: "kafka"}, logx.Nop())
	require.Error(t, err)
}

func TestJobNext(t *testing.T) {
	base := time.Date(2026, 1, 5, 10, 15, 0, 0, time.UTC)

	next, err := Job{Kind: KindRepeating, Every: time.Minute}.Next(base)
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Minute), next)

	next, err = Job{Kind: KindCron, Spec: "*/30 * * * *"}.Next(base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 5, 10, 30, 0, 0, time.UTC), next)

	next, err = Job{Kind: KindCron, Spec: "15 * * * * *"}.Next(base)
	require.NoError(t, err)
	assert.Equal(t, base.Add(15*time.Second), next)

	next, err = Job{Kind: KindDelayed}.Next(base)
	require.NoError(t, err)
	assert.True(t, next.IsZero())

	_, err = Job{Kind: KindCron, Spec: "not a cron"}.Next(base)
	assert.Error(t, err)
}

func TestParseCron(t *testing.T) {
	for _, ok := range []string{"* * * * *", "0 0 * * 1-5", "@hourly", "@every 1h", "0 30 9 * * *"} {
		_, err := ParseCron(ok)
		assert.NoError(t, err, ok)
	}
	for _, bad := range []string{"", "61 * * * *", "every day"} {
		_, err := ParseCron(bad)
		assert.Error(t, err, bad)
	}
}
