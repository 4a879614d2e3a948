package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "timerd/pkg/logx"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	log logx.Logger

	schedulerReady prometheus.Gauge
	jobsScheduled  *prometheus.CounterVec
	jobsDispatched *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobsDropped    *prometheus.CounterVec

	timersFired *prometheus.CounterVec

	notificationsSent   *prometheus.CounterVec
	notificationsFailed *prometheus.CounterVec
}

func NewPrometheusSink(reg prometheus.Registerer, log logx.Logger) *PrometheusSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &PrometheusSink{log: log}

	s.schedulerReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "timerd_scheduler_ready",
		Help: "1 when the scheduler holds a live broker connection, 0 when degraded.",
	})
	s.jobsScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timerd_jobs_scheduled_total",
		Help: "Jobs enqueued on the broker, by kind.",
	}, []string{"kind"})
	s.jobsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timerd_jobs_dispatched_total",
		Help: "Job handler executions, by kind and outcome.",
	}, []string{"kind", "outcome"})
	s.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "timerd_job_duration_seconds",
		Help:    "Job handler execution time in seconds.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"kind"})
	s.jobsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timerd_jobs_dropped_total",
		Help: "Jobs dropped without running, by reason.",
	}, []string{"reason"})
	s.timersFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timerd_timers_fired_total",
		Help: "Timer actions dispatched, by action type and outcome.",
	}, []string{"action", "outcome"})
	s.notificationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timerd_notifications_sent_total",
		Help: "Notifications persisted, by channel.",
	}, []string{"channel"})
	s.notificationsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timerd_notifications_failed_total",
		Help: "Notification delivery failures, by stage.",
	}, []string{"stage"})

	for name, c := range map[string]prometheus.Collector{
		"timerd_scheduler_ready":            s.schedulerReady,
		"timerd_jobs_scheduled_total":       s.jobsScheduled,
		"timerd_jobs_dispatched_total":      s.jobsDispatched,
		"timerd_job_duration_seconds":       s.jobDuration,
		"timerd_jobs_dropped_total":         s.jobsDropped,
		"timerd_timers_fired_total":         s.timersFired,
		"timerd_notifications_sent_total":   s.notificationsSent,
		"timerd_notifications_failed_total": s.notificationsFailed,
	} {
		s.register(reg, c, name)
	}
	return s
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if reg == nil {
		return
	}
	if err := reg.Register(c); err != nil {
		s.log.Warn("metrics: register failed", logx.String("metric", name), logx.Err(err))
	}
}

func (s *PrometheusSink) SchedulerReady(ready bool) {
	if ready {
		s.schedulerReady.Set(1)
		return
	}
	s.schedulerReady.Set(0)
}

func (s *PrometheusSink) JobScheduled(kind string) {
	s.jobsScheduled.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) JobDispatched(kind string, duration time.Duration, err error) {
	s.jobsDispatched.WithLabelValues(kind, outcome(err)).Inc()
	s.jobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (s *PrometheusSink) JobDropped(reason string) {
	s.jobsDropped.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) TimerFired(action string, err error) {
	s.timersFired.WithLabelValues(action, outcome(err)).Inc()
}

func (s *PrometheusSink) NotificationSent(channel string) {
	s.notificationsSent.WithLabelValues(channel).Inc()
}

func (s *PrometheusSink) NotificationFailed(stage string) {
	s.notificationsFailed.WithLabelValues(stage).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
