package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// durations collects every duration field so Validate reports all bad
// values at once.
func (c *Config) durations() map[string]string {
	return map[string]string{
		"http.read_timeout":            c.HTTP.ReadTimeout,
		"http.shutdown_timeout":        c.HTTP.ShutdownTimeout,
		"broker.poll_interval":         c.Broker.PollInterval,
		"broker.lease":                 c.Broker.Lease,
		"scheduler.dial_timeout":       c.Scheduler.DialTimeout,
		"scheduler.reconnect_interval": c.Scheduler.ReconnectInterval,
		"storage.busy_timeout":         c.Storage.BusyTimeout,
		"notify.prune_after":           c.Notify.PruneAfter,
		"notify.prune_every":           c.Notify.PruneEvery,
		"realtime.write_timeout":       c.Realtime.WriteTimeout,
	}
}

func joinErrs(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
