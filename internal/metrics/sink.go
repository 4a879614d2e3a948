package metrics

import "time"

// Sink records pipeline metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Scheduler metrics
	SchedulerReady(ready bool)
	JobScheduled(kind string)
	JobDispatched(kind string, duration time.Duration, err error)
	JobDropped(reason string)

	// Timer metrics
	TimerFired(action string, err error)

	// Notification metrics
	NotificationSent(channel string)
	NotificationFailed(stage string)
}

// Drop reasons for JobDropped.
const (
	DropNoHandler = "no_handler"
	DropDegraded  = "degraded"
)

// Failure stages for NotificationFailed.
const (
	StagePersist  = "persist"
	StageRealtime = "realtime"
	StageChannel  = "channel"
)

// Or returns s, or a no-op sink when s is nil.
func Or(s Sink) Sink {
	if s == nil {
		return NoopSink{}
	}
	return s
}
