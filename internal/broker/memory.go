package broker

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	logx "timerd/pkg/logx"
)

// Memory is an in-process Queue. Jobs do not survive a restart.
type Memory struct {
	cfg Config
	log logx.Logger

	mu       sync.Mutex
	seq      int64
	jobs     map[string]Job
	due      map[string]time.Time
	inflight map[string]time.Time // lease deadlines
	closed   bool
}

func NewMemory(cfg Config, log logx.Logger) *Memory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Memory{
		cfg:      cfg.withDefaults(),
		log:      log,
		jobs:     map[string]Job{},
		due:      map[string]time.Time{},
		inflight: map[string]time.Time{},
	}
}

func (m *Memory) Enqueue(ctx context.Context, j Job) (Job, error) {
	_ = ctx
	j, err := prepare(j, time.Now())
	if err != nil {
		return Job{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Job{}, ErrClosed
	}
	m.seq++
	j.ID = strconv.FormatInt(m.seq, 10)
	m.jobs[j.ID] = j
	m.due[j.ID] = j.RunAt
	return j, nil
}

func (m *Memory) Remove(ctx context.Context, id string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(m.jobs, id)
	delete(m.due, id)
	delete(m.inflight, id)
	return nil
}

func (m *Memory) List(ctx context.Context) ([]Job, error) {
	_ = ctx
	m.mu.Lock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].RunAt.Before(out[k].RunAt) })
	return out, nil
}

func (m *Memory) Run(ctx context.Context, h Handler) error {
	return consume(ctx, m, m.cfg, m.log, h)
}

func (m *Memory) Ping(ctx context.Context) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) claimDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []Job
	for id, at := range m.due {
		if at.After(now) {
			continue
		}
		if j, ok := m.jobs[id]; ok {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RunAt.Before(out[k].RunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	until := now.Add(m.cfg.Lease)
	for _, j := range out {
		delete(m.due, j.ID)
		m.inflight[j.ID] = until
	}
	return out, nil
}

func (m *Memory) extend(ctx context.Context, id string, until time.Time) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inflight[id]; ok {
		m.inflight[id] = until
	}
	return nil
}

func (m *Memory) reap(ctx context.Context, now time.Time) (int, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, until := range m.inflight {
		if until.After(now) {
			continue
		}
		delete(m.inflight, id)
		if _, ok := m.jobs[id]; ok {
			m.due[id] = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) rearm(ctx context.Context, j Job) (bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, j.ID)
	cur, ok := m.jobs[j.ID]
	if !ok {
		return false, nil
	}
	cur.RunAt = j.RunAt
	m.jobs[j.ID] = cur
	m.due[j.ID] = j.RunAt
	return true, nil
}

func (m *Memory) finish(ctx context.Context, id string) error {
	_ = ctx
	m.mu.Lock()
	delete(m.jobs, id)
	delete(m.due, id)
	delete(m.inflight, id)
	m.mu.Unlock()
	return nil
}
