package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	logx "timerd/pkg/logx"
)

// Redis is a durable Queue on a Redis server.
//
// Keys (all under Config.Prefix):
//   - seq         INCR counter assigning job ids
//   - job:{id}    Hash with the job definition
//   - jobs        Set of every live job id
//   - due         Sorted Set of job ids scored by next run (unix ms)
//   - inflight    Sorted Set of claimed job ids scored by lease deadline
//
// Claiming moves ids from due to inflight in one script, so several
// processes may consume the same queue and each job goes to one of them.
// Leases left behind by a dead consumer are reaped back into due.
type Redis struct {
	client goredis.UniversalClient
	cfg    Config
	log    logx.Logger
}

var (
	// claimScript leases up to ARGV[2] members of due scored <= ARGV[1]
	// until ARGV[3].
	claimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[3], id)
end
return ids
`)

	// rearmScript ends the lease and re-adds the job to due only if its
	// hash still exists, so a Remove racing with a running job is not undone.
	rearmScript = goredis.NewScript(`
redis.call('ZREM', KEYS[3], ARGV[1])
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('HSET', KEYS[1], 'run_at', ARGV[2])
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
  return 1
end
return 0
`)

	// reapScript moves one lease that expired by ARGV[2] back to due.
	// A lease extended or settled since the scan is left alone.
	reapScript = goredis.NewScript(`
local lease = redis.call('ZSCORE', KEYS[2], ARGV[1])
if not lease or tonumber(lease) > tonumber(ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
  return 1
end
redis.call('SREM', KEYS[4], ARGV[1])
return 0
`)
)

// DialRedis opens a client and pings the server.
func DialRedis(ctx context.Context, cfg Config, log logx.Logger) (*Redis, error) {
	cfg = cfg.withDefaults()
	client := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	pctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("broker/redis: ping %s: %w", cfg.Addr, err)
	}
	return NewRedis(client, cfg, log), nil
}

// NewRedis wraps an existing client.
func NewRedis(client goredis.UniversalClient, cfg Config, log logx.Logger) *Redis {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Redis{client: client, cfg: cfg.withDefaults(), log: log}
}

func (r *Redis) seqKey() string          { return r.cfg.Prefix + "seq" }
func (r *Redis) jobKey(id string) string { return r.cfg.Prefix + "job:" + id }
func (r *Redis) jobsKey() string         { return r.cfg.Prefix + "jobs" }
func (r *Redis) dueKey() string          { return r.cfg.Prefix + "due" }
func (r *Redis) inflightKey() string     { return r.cfg.Prefix + "inflight" }

func (r *Redis) Enqueue(ctx context.Context, j Job) (Job, error) {
	j, err := prepare(j, time.Now())
	if err != nil {
		return Job{}, err
	}
	n, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return Job{}, fmt.Errorf("broker/redis: next id: %w", err)
	}
	j.ID = strconv.FormatInt(n, 10)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.jobKey(j.ID), jobToMap(j))
	pipe.SAdd(ctx, r.jobsKey(), j.ID)
	pipe.ZAdd(ctx, r.dueKey(), goredis.Z{Score: float64(j.RunAt.UnixMilli()), Member: j.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return Job{}, fmt.Errorf("broker/redis: enqueue: %w", err)
	}
	return j, nil
}

func (r *Redis) Remove(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.jobKey(id))
	pipe.ZRem(ctx, r.dueKey(), id)
	pipe.ZRem(ctx, r.inflightKey(), id)
	pipe.SRem(ctx, r.jobsKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker/redis: remove: %w", err)
	}
	if del.Val() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *Redis) List(ctx context.Context) ([]Job, error) {
	ids, err := r.client.SMembers(ctx, r.jobsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("broker/redis: list: %w", err)
	}
	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		j, err := r.get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RunAt.Before(out[k].RunAt) })
	return out, nil
}

func (r *Redis) Run(ctx context.Context, h Handler) error {
	return consume(ctx, r, r.cfg, r.log, h)
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) get(ctx context.Context, id string) (Job, error) {
	m, err := r.client.HGetAll(ctx, r.jobKey(id)).Result()
	if err != nil {
		return Job{}, fmt.Errorf("broker/redis: get job: %w", err)
	}
	if len(m) == 0 {
		return Job{}, ErrJobNotFound
	}
	return jobFromMap(id, m), nil
}

func (r *Redis) claimDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	keys := []string{r.dueKey(), r.inflightKey()}
	ids, err := claimScript.Run(ctx, r.client, keys, now.UnixMilli(), limit, now.Add(r.cfg.Lease).UnixMilli()).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("broker/redis: claim: %w", err)
	}
	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		j, err := r.get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			_ = r.finish(ctx, id)
			continue
		}
		if err != nil {
			// The lease expires and the reaper hands it back.
			return out, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (r *Redis) extend(ctx context.Context, id string, until time.Time) error {
	err := r.client.ZAddXX(ctx, r.inflightKey(), goredis.Z{Score: float64(until.UnixMilli()), Member: id}).Err()
	if err != nil {
		return fmt.Errorf("broker/redis: extend lease: %w", err)
	}
	return nil
}

func (r *Redis) reap(ctx context.Context, now time.Time) (int, error) {
	ms := now.UnixMilli()
	ids, err := r.client.ZRangeByScore(ctx, r.inflightKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(ms, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("broker/redis: reap scan: %w", err)
	}
	n := 0
	for _, id := range ids {
		keys := []string{r.jobKey(id), r.inflightKey(), r.dueKey(), r.jobsKey()}
		back, err := reapScript.Run(ctx, r.client, keys, id, ms).Int()
		if err != nil {
			return n, fmt.Errorf("broker/redis: reap: %w", err)
		}
		n += back
	}
	return n, nil
}

func (r *Redis) rearm(ctx context.Context, j Job) (bool, error) {
	keys := []string{r.jobKey(j.ID), r.dueKey(), r.inflightKey()}
	n, err := rearmScript.Run(ctx, r.client, keys, j.ID, j.RunAt.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("broker/redis: rearm: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) finish(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.jobKey(id))
	pipe.SRem(ctx, r.jobsKey(), id)
	pipe.ZRem(ctx, r.dueKey(), id)
	pipe.ZRem(ctx, r.inflightKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

func jobToMap(j Job) map[string]any {
	return map[string]any{
		"name":       j.Name,
		"kind":       string(j.Kind),
		"spec":       j.Spec,
		"every_ms":   j.Every.Milliseconds(),
		"run_at":     j.RunAt.UnixMilli(),
		"created_at": j.CreatedAt.UnixMilli(),
	}
}

func jobFromMap(id string, m map[string]string) Job {
	every, _ := strconv.ParseInt(m["every_ms"], 10, 64)
	runAt, _ := strconv.ParseInt(m["run_at"], 10, 64)
	created, _ := strconv.ParseInt(m["created_at"], 10, 64)
	return Job{
		ID:        id,
		Name:      m["name"],
		Kind:      Kind(m["kind"]),
		Spec:      m["spec"],
		Every:     time.Duration(every) * time.Millisecond,
		RunAt:     time.UnixMilli(runAt),
		CreatedAt: time.UnixMilli(created),
	}
}
