package metrics

import "time"

// NoopSink is used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func (NoopSink) SchedulerReady(bool)                        {}
func (NoopSink) JobScheduled(string)                        {}
func (NoopSink) JobDispatched(string, time.Duration, error) {}
func (NoopSink) JobDropped(string)                          {}
func (NoopSink) TimerFired(string, error)                   {}
func (NoopSink) NotificationSent(string)                    {}
func (NoopSink) NotificationFailed(string)                  {}
