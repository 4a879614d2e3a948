package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "timerd/pkg/logx"
)

const sampleYAML = `
logging:
  level: info
  console: true
broker:
  driver: redis
  addr: 127.0.0.1:6379
  password: hunter2
  poll_interval: 200ms
scheduler:
  reconnect_interval: 5s
storage:
  driver: sqlite
  path: ./data/timerd.db
notify:
  prune_after: 720h
clock:
  timezone: Asia/Jakarta
channels:
  telegram:
    enabled: true
    token: "123:abc"
    default_chat_id: -100123
`

func write(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("timerd.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Broker.Driver)
	assert.Equal(t, "200ms", cfg.Broker.PollInterval)
	assert.Equal(t, int64(-100123), cfg.Channels.Telegram.DefaultChatID)
	assert.Equal(t, "Asia/Jakarta", cfg.Clock.Timezone)
	require.NoError(t, Validate(context.Background(), cfg))
}

func TestDecodeJSONRejectsUnknownAndTrailing(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"broker":{"drvier":"redis"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drvier")

	_, err = Decode("c.json", []byte(`{} {}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")

	cfg, err := Decode("c.yml", []byte(""))
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Broker:   BrokerConfig{Driver: "kafka", PollInterval: "soon"},
		Storage:  StorageConfig{Driver: "postgres"},
		Notify:   NotifyConfig{PruneAfter: "-1h"},
		Clock:    ClockConfig{Timezone: "Mars/Olympus"},
		Channels: ChannelsConfig{Telegram: TelegramConfig{Enabled: true}},
	}
	err := Validate(context.Background(), cfg)
	require.Error(t, err)
	for _, want := range []string{
		"broker.poll_interval",
		"notify.prune_after",
		"broker.driver",
		"storage.dsn",
		"clock.timezone",
		"channels.telegram.token",
	} {
		assert.Contains(t, err.Error(), want)
	}
	assert.NoError(t, Validate(context.Background(), &Config{}))
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
	_, err = ParseDurationOrDefault("x", "fast", time.Second)
	assert.Error(t, err)
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	oldCfg, err := Decode("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg := *oldCfg
	newCfg.Logging.Level = "debug"
	newCfg.Broker.Password = "rotated"
	newCfg.Channels.Telegram.Token = "456:def"

	changed, attrs := SummarizeChange(oldCfg, &newCfg)
	assert.Equal(t, []string{"logging", "broker", "channels"}, changed)
	assert.True(t, RestartRequired(changed))
	assert.False(t, RestartRequired([]string{"logging"}))

	buf := &syncBuffer{}
	logx.NewWriter(buf, "debug").Info("diff", attrs...)
	out := buf.String()
	assert.NotContains(t, out, "rotated")
	assert.NotContains(t, out, "456:def")
	assert.Contains(t, out, "broker.password_set")
}

func TestLoadValidates(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "c.json", `{"storage":{"driver":"sqlite"}}`)
	m := NewManager(p, logx.Nop())
	_, err := m.Load(context.Background())
	require.Error(t, err)
	assert.Nil(t, m.Get())

	write(t, dir, "c.json", `{"storage":{"driver":"sqlite","path":"x.db"}}`)
	cfg, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "timerd.yaml", "logging:\n  level: info\n")
	m := NewManager(p, logx.Nop())
	_, err := m.Load(context.Background())
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	time.Sleep(100 * time.Millisecond)

	// Rejected by validation: nothing is published.
	write(t, dir, "timerd.yaml", "logging:\n  level: info\nstorage:\n  driver: cassandra\n")
	select {
	case <-ch:
		t.Fatal("invalid config was published")
	case <-time.After(600 * time.Millisecond):
	}
	assert.Equal(t, "info", m.Get().Logging.Level)

	write(t, dir, "timerd.yaml", "logging:\n  level: debug\n")
	select {
	case cfg := <-ch:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("reload not published")
	}
	assert.Equal(t, "debug", m.Get().Logging.Level)
}

func TestReloadSkipsUnchangedContent(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "c.json", `{"logging":{"level":"info"}}`)
	m := NewManager(p, logx.Nop())
	_, err := m.Load(context.Background())
	require.NoError(t, err)
	ch := m.Subscribe(1)

	assert.False(t, m.reload(context.Background()))
	write(t, dir, "c.json", `{"logging":{"level":"warn"}}`)
	assert.True(t, m.reload(context.Background()))
	assert.Equal(t, "warn", (<-ch).Logging.Level)

	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewManager("unused.json", logx.Nop())
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)
}
