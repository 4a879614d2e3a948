package app

import (
	"strings"
	"time"

	"timerd/internal/broker"
	"timerd/internal/channels/telegram"
	"timerd/internal/config"
	"timerd/internal/jobs"
	"timerd/internal/notify"
	"timerd/internal/realtime"
	"timerd/internal/storage"
	logx "timerd/pkg/logx"
)

// Component configs derived from the file. Durations are validated by
// config.Validate before they get here, so parse errors still surface but
// are not expected.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapBroker(cfg *config.Config) (broker.Config, error) {
	bc := cfg.Broker
	poll, err := config.ParseDurationField("broker.poll_interval", bc.PollInterval)
	if err != nil {
		return broker.Config{}, err
	}
	lease, err := config.ParseDurationField("broker.lease", bc.Lease)
	if err != nil {
		return broker.Config{}, err
	}
	dial, err := config.ParseDurationField("scheduler.dial_timeout", cfg.Scheduler.DialTimeout)
	if err != nil {
		return broker.Config{}, err
	}
	return broker.Config{
		Driver:       strings.ToLower(strings.TrimSpace(bc.Driver)),
		Addr:         bc.Addr,
		Username:     bc.Username,
		Password:     bc.Password,
		DB:           bc.DB,
		Prefix:       bc.Prefix,
		PollInterval: poll,
		BatchSize:    bc.BatchSize,
		Concurrency:  bc.Concurrency,
		DialTimeout:  dial,
		Lease:        lease,
	}, nil
}

func mapScheduler(cfg *config.Config) (jobs.Config, error) {
	dial, err := config.ParseDurationField("scheduler.dial_timeout", cfg.Scheduler.DialTimeout)
	if err != nil {
		return jobs.Config{}, err
	}
	reconnect, err := config.ParseDurationOrDefault("scheduler.reconnect_interval", cfg.Scheduler.ReconnectInterval, 0)
	if err != nil {
		return jobs.Config{}, err
	}
	if strings.TrimSpace(cfg.Scheduler.ReconnectInterval) == "" {
		reconnect = 10 * time.Second
	}
	return jobs.Config{DialTimeout: dial, ReconnectInterval: reconnect}, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          sc.DSN,
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
	}, nil
}

func mapNotify(cfg *config.Config) (notify.Config, error) {
	nc := cfg.Notify
	after, err := config.ParseDurationField("notify.prune_after", nc.PruneAfter)
	if err != nil {
		return notify.Config{}, err
	}
	every, err := config.ParseDurationField("notify.prune_every", nc.PruneEvery)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{DefaultChannel: nc.DefaultChannel, PruneAfter: after, PruneEvery: every}, nil
}

func mapRealtime(cfg *config.Config) (realtime.Config, error) {
	rc := cfg.Realtime
	wt, err := config.ParseDurationField("realtime.write_timeout", rc.WriteTimeout)
	if err != nil {
		return realtime.Config{}, err
	}
	return realtime.Config{Path: rc.Path, WriteTimeout: wt, SendBuffer: rc.SendBuffer}, nil
}

func mapTelegram(cfg *config.Config) telegram.Config {
	tc := cfg.Channels.Telegram
	return telegram.Config{
		Enabled:       tc.Enabled,
		Token:         tc.Token,
		Channel:       tc.Channel,
		DefaultChatID: tc.DefaultChatID,
		ParseMode:     tc.ParseMode,
		RatePerSec:    tc.RatePerSec,
	}
}
