package notify

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"timerd/internal/broker"
	"timerd/internal/eventbus"
	"timerd/internal/jobs"
	"timerd/internal/metrics"
	"timerd/internal/storage"
	logx "timerd/pkg/logx"
)

// Service is safe for concurrent use.
type Service struct {
	cfg   Config
	store storage.Store
	sched Scheduler
	bus   *eventbus.Bus
	clock Clock
	log   logx.Logger
	sink  metrics.Sink

	rt atomic.Pointer[sinkBox]

	mu       sync.RWMutex
	channels map[string]ChannelHandler
	issued   map[string]struct{} // job ids returned by Schedule
}

type sinkBox struct{ RealtimeSink }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// New builds the service. sched, bus and clk may be nil; without a
// scheduler only immediate sends are possible.
func New(cfg Config, store storage.Store, sched Scheduler, bus *eventbus.Bus, clk Clock, log logx.Logger, sink metrics.Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = systemClock{}
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		sched:    sched,
		bus:      bus,
		clock:    clk,
		log:      log,
		sink:     metrics.Or(sink),
		channels: map[string]ChannelHandler{},
		issued:   map[string]struct{}{},
	}
}

// AttachSink sets the realtime transport. A nil sink detaches it.
func (s *Service) AttachSink(rt RealtimeSink) {
	if rt == nil {
		s.rt.Store(nil)
		return
	}
	s.rt.Store(&sinkBox{rt})
}

// RegisterChannel installs h for channel name. The last registration wins.
func (s *Service) RegisterChannel(name string, h ChannelHandler) {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	if h == nil {
		delete(s.channels, name)
	} else {
		s.channels[name] = h
	}
	s.mu.Unlock()
	s.log.Debug("channel registered", logx.String("channel", name))
}

// Send persists p, pushes it to the user's sessions and runs the channel
// handler. Only a persistence failure is returned, wrapped in ErrPersistence.
func (s *Service) Send(ctx context.Context, p Payload) (storage.Notification, error) {
	if strings.TrimSpace(p.Channel) == "" {
		p.Channel = s.cfg.DefaultChannel
	}
	if s.store == nil {
		s.sink.NotificationFailed(metrics.StagePersist)
		return storage.Notification{}, fmt.Errorf("%w: no store", ErrPersistence)
	}

	n, err := s.store.CreateNotification(ctx, storage.Notification{
		ID:        uuid.NewString(),
		UserID:    p.UserID,
		Title:     p.Title,
		Body:      p.Body,
		Channel:   p.Channel,
		Meta:      p.Meta,
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		s.sink.NotificationFailed(metrics.StagePersist)
		return storage.Notification{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	msg := toMessage(n)

	if box := s.rt.Load(); box != nil {
		if err := box.Push(ctx, n.UserID, msg); err != nil {
			s.sink.NotificationFailed(metrics.StageRealtime)
			s.log.Debug("realtime push failed", logx.String("user", n.UserID), logx.String("id", n.ID), logx.Err(err))
		}
	}

	s.mu.RLock()
	h := s.channels[p.Channel]
	s.mu.RUnlock()
	if h != nil {
		if err := runChannel(ctx, h, p); err != nil {
			s.sink.NotificationFailed(metrics.StageChannel)
			s.log.Warn("channel handler failed", logx.String("channel", p.Channel), logx.String("id", n.ID), logx.Err(err))
		}
	}

	s.sink.NotificationSent(p.Channel)
	if s.bus != nil {
		s.bus.Emit(EventSent, msg)
	}
	return n, nil
}

// Schedule sends p at the given time. When at is not in the future the
// notification is sent now and Delivered is returned; otherwise the result
// is a job id for Cancel.
func (s *Service) Schedule(ctx context.Context, p Payload, at time.Time) (string, error) {
	delay := at.Sub(s.clock.Now())
	if delay <= 0 {
		if _, err := s.Send(ctx, p); err != nil {
			return "", err
		}
		return Delivered, nil
	}
	if s.sched == nil {
		return "", jobs.ErrSchedulerUnavailable
	}
	name := "notify:" + uuid.NewString()
	id, err := s.sched.AddDelayed(ctx, name, delay, func(ctx context.Context) error {
		_, err := s.Send(ctx, p)
		return err
	})
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.issued[id] = struct{}{}
	s.mu.Unlock()
	s.log.Debug("notification scheduled", logx.String("user", p.UserID), logx.String("job", id), logx.Time("at", at))
	return id, nil
}

// Cancel removes a scheduled notification. Already persisted
// notifications are not touched. Cancelling an id after it fired, or
// twice, succeeds; an id Schedule never returned fails with
// broker.ErrJobNotFound.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if id == Delivered {
		return nil
	}
	s.mu.RLock()
	_, ok := s.issued[id]
	s.mu.RUnlock()
	if !ok || s.sched == nil {
		return fmt.Errorf("cancel notification %s: %w", id, broker.ErrJobNotFound)
	}
	return s.sched.Remove(ctx, id)
}

func (s *Service) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Message, error) {
	if s.store == nil {
		return nil, storage.ErrDisabled
	}
	list, err := s.store.ListNotifications(ctx, storage.ListFilter{UserID: userID, UnreadOnly: unreadOnly, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(list))
	for _, n := range list {
		out = append(out, toMessage(n))
	}
	return out, nil
}

func (s *Service) MarkRead(ctx context.Context, id string) error {
	if s.store == nil {
		return storage.ErrDisabled
	}
	return s.store.MarkRead(ctx, id)
}

// Prune deletes read notifications older than olderThan.
func (s *Service) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s.store == nil || olderThan <= 0 {
		return 0, nil
	}
	n, err := s.store.PruneRead(ctx, s.clock.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("read notifications pruned", logx.Int64("count", n), logx.Duration("older_than", olderThan))
	}
	return n, nil
}

// PruneJob is the housekeeping handler registered with the scheduler.
func (s *Service) PruneJob(ctx context.Context) error {
	_, err := s.Prune(ctx, s.cfg.PruneAfter)
	return err
}

func (s *Service) Config() Config { return s.cfg }

func runChannel(ctx context.Context, h ChannelHandler, p Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel handler: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, p)
}

func toMessage(n storage.Notification) Message {
	return Message{
		ID:        n.ID,
		UserID:    n.UserID,
		Title:     n.Title,
		Body:      n.Body,
		Channel:   n.Channel,
		Meta:      n.Meta,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
}
