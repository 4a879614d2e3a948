package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"
)

// Validate checks values the decoder cannot: durations, driver names,
// timezones and required fields of enabled sections.
func Validate(ctx context.Context, cfg *Config) error {
	_ = ctx
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	var errs []error

	durs := cfg.durations()
	keys := make([]string, 0, len(durs))
	for k := range durs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := ParseDurationField(k, durs[k]); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Broker.Driver)) {
	case "", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("broker.driver: unknown driver %q", cfg.Broker.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for sqlite"))
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	if tz := strings.TrimSpace(cfg.Clock.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("clock.timezone: %w", err))
		}
	}

	if cfg.Realtime.Enabled && cfg.Realtime.Path != "" && !strings.HasPrefix(cfg.Realtime.Path, "/") {
		errs = append(errs, fmt.Errorf("realtime.path must start with /"))
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path must start with /"))
	}

	if tg := cfg.Channels.Telegram; tg.Enabled && strings.TrimSpace(tg.Token) == "" {
		errs = append(errs, fmt.Errorf("channels.telegram.token is required when enabled"))
	}

	return joinErrs(errs)
}
