package jobs

import (
	"context"
	"time"

	"timerd/internal/broker"
	"timerd/internal/metrics"
	logx "timerd/pkg/logx"
)

// New never touches the broker; call Start to connect.
func New(cfg Config, dial DialFunc, log logx.Logger, sink metrics.Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		dial:     dial,
		log:      log,
		sink:     metrics.Or(sink),
		handlers: map[string]handlerEntry{},
		pending:  map[string]int{},
		settled:  map[string]string{},
		jobs:     map[string]Job{},
	}
}

// Start dials the broker in the background. The returned channel is closed
// once the first dial attempt has finished, successfully or not.
func (s *Service) Start(ctx context.Context) <-chan struct{} {
	first := make(chan struct{})

	s.runMu.Lock()
	if s.cancel != nil {
		s.runMu.Unlock()
		close(first)
		return first
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running.Add(1)
	s.runMu.Unlock()

	s.sink.SchedulerReady(false)
	go func() {
		defer s.running.Done()
		s.connectLoop(runCtx, first)
	}()
	return first
}

func (s *Service) connectLoop(ctx context.Context, first chan struct{}) {
	signal := func() {
		if first != nil {
			close(first)
			first = nil
		}
	}
	defer signal()

	for attempt := 1; ; attempt++ {
		q, err := s.dialOnce(ctx)
		if err == nil {
			s.mu.Lock()
			s.q = q
			s.mu.Unlock()
			s.sink.SchedulerReady(true)
			s.log.Info("scheduler ready", logx.Int("attempt", attempt))
			signal()
			s.consume(ctx, q)
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("broker unreachable; scheduler degraded", logx.Int("attempt", attempt), logx.Err(err))
		signal()
		if s.cfg.ReconnectInterval <= 0 {
			return
		}
		t := time.NewTimer(s.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *Service) dialOnce(ctx context.Context) (broker.Queue, error) {
	if s.dial == nil {
		return nil, ErrSchedulerUnavailable
	}
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	return s.dial(dctx)
}

func (s *Service) consume(ctx context.Context, q broker.Queue) {
	if err := q.Run(ctx, s.dispatch); err != nil {
		s.log.Error("broker consumer stopped", logx.Err(err))
	}
}

// Ready reports whether the scheduler holds a live broker queue.
func (s *Service) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q != nil
}

// Stop stops consuming and closes the broker queue. Jobs stay in the broker.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; in-flight jobs abandoned")
	}

	s.mu.Lock()
	q := s.q
	s.q = nil
	s.mu.Unlock()
	if q != nil {
		if err := q.Close(); err != nil {
			s.log.Warn("broker close failed", logx.Err(err))
		}
	}
	s.sink.SchedulerReady(false)
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) dispatch(ctx context.Context, bj broker.Job) error {
	s.mu.RLock()
	h := s.handlers[bj.Name].fn
	s.mu.RUnlock()

	if h == nil {
		// The broker outlived the process that registered this handler.
		s.log.Warn("no handler for job; dropped", logx.String("job", bj.ID), logx.String("name", bj.Name))
		s.sink.JobDropped(metrics.DropNoHandler)
		if !bj.Recurring() {
			s.ran(bj)
		}
		return nil
	}

	start := time.Now()
	err := h(ctx)
	s.sink.JobDispatched(string(bj.Kind), time.Since(start), err)
	if !bj.Recurring() {
		s.ran(bj)
	}
	return err
}
