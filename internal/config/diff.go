package config

import (
	"reflect"
	"strings"

	logx "timerd/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (broker password, storage dsn,
// telegram token) are never included; only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.pprof.enabled", newCfg.HTTP.Pprof.Enabled),
			logx.Bool("http.pprof.token_set", strings.TrimSpace(newCfg.HTTP.Pprof.Token) != ""),
		)
	}

	if oldCfg.Broker != newCfg.Broker {
		changed = append(changed, "broker")
		attrs = append(attrs,
			logx.String("broker.driver", newCfg.Broker.Driver),
			logx.String("broker.addr", newCfg.Broker.Addr),
			logx.Bool("broker.password_set", strings.TrimSpace(newCfg.Broker.Password) != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.dial_timeout", newCfg.Scheduler.DialTimeout),
			logx.String("scheduler.reconnect_interval", newCfg.Scheduler.ReconnectInterval),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if oldCfg.Notify != newCfg.Notify {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.String("notify.default_channel", newCfg.Notify.DefaultChannel),
			logx.String("notify.prune_after", newCfg.Notify.PruneAfter),
		)
	}

	if oldCfg.Realtime != newCfg.Realtime {
		changed = append(changed, "realtime")
		attrs = append(attrs, logx.Bool("realtime.enabled", newCfg.Realtime.Enabled))
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}

	if oldCfg.Clock != newCfg.Clock {
		changed = append(changed, "clock")
		attrs = append(attrs, logx.String("clock.timezone", newCfg.Clock.Timezone))
	}

	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		tg := newCfg.Channels.Telegram
		attrs = append(attrs,
			logx.Bool("channels.telegram.enabled", tg.Enabled),
			logx.Bool("channels.telegram.token_set", strings.TrimSpace(tg.Token) != ""),
			logx.Int64("channels.telegram.default_chat_id", tg.DefaultChatID),
		)
	}

	return changed, attrs
}

// RestartRequired reports whether any changed section can only take effect
// after a restart. Logging is applied live.
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		if s != "logging" {
			return true
		}
	}
	return false
}
