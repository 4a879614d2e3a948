package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	logx "timerd/pkg/logx"
)

func TestPrometheusSinkCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewPrometheusSink(reg, logx.Nop())

	s.SchedulerReady(true)
	s.JobScheduled("delayed")
	s.JobScheduled("delayed")
	s.JobDispatched("delayed", 10*time.Millisecond, nil)
	s.JobDispatched("delayed", 10*time.Millisecond, errors.New("x"))
	s.JobDropped(DropNoHandler)
	s.NotificationSent("default")
	s.NotificationFailed(StagePersist)
	s.TimerFired("notify", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.schedulerReady))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.jobsScheduled.WithLabelValues("delayed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.jobsDispatched.WithLabelValues("delayed", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.jobsDispatched.WithLabelValues("delayed", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.jobsDropped.WithLabelValues(DropNoHandler)))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.notificationsSent.WithLabelValues("default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.notificationsFailed.WithLabelValues(StagePersist)))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.timersFired.WithLabelValues("notify", "ok")))

	s.SchedulerReady(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(s.schedulerReady))
}

func TestDoubleRegistrationIsLoggedNotFatal(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewPrometheusSink(reg, logx.Nop())
	assert.NotPanics(t, func() { _ = NewPrometheusSink(reg, logx.Nop()) })
}

func TestOr(t *testing.T) {
	assert.Equal(t, NoopSink{}, Or(nil))
	s := NoopSink{}
	assert.Equal(t, s, Or(s))
}
