package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerd/internal/eventbus"
	"timerd/internal/jobs"
	"timerd/internal/notify"
	"timerd/internal/timer"
)

const memoryConfig = `
http:
  addr: 127.0.0.1:0
logging:
  level: error
broker:
  driver: memory
  poll_interval: 5ms
storage:
  driver: memory
notify:
  prune_after: 24h
realtime:
  enabled: true
metrics:
  enabled: true
`

func startApp(t *testing.T, body string) *App {
	t.Helper()
	p := filepath.Join(t.TempDir(), "timerd.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))

	a, err := New(context.Background(), p)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return a
}

func get(t *testing.T, a *App, path string) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + a.Addr().String() + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestTimerNotifyEndToEnd(t *testing.T) {
	a := startApp(t, memoryConfig)
	require.Eventually(t, a.Scheduler().Ready, 2*time.Second, 5*time.Millisecond)

	sent := make(chan notify.Message, 1)
	a.Bus().Once(notify.EventSent, func(e eventbus.Event) { sent <- e.Payload.(notify.Message) })

	ctx := context.Background()
	id, err := a.Timers().After(ctx, "reminder", 20*time.Millisecond, timer.Notify{UserID: "u1", Title: "stand up"})
	require.NoError(t, err)

	select {
	case m := <-sent:
		assert.Equal(t, "stand up", m.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("notification never sent")
	}
	list, err := a.Notifications().List(ctx, "u1", false, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.Eventually(t, func() bool {
		e, err := a.Timers().Get(id)
		return err == nil && e.Status == timer.StatusFired
	}, time.Second, 5*time.Millisecond)
}

func TestHTTPEndpoints(t *testing.T) {
	a := startApp(t, memoryConfig)
	require.Eventually(t, a.Scheduler().Ready, 2*time.Second, 5*time.Millisecond)

	code, body := get(t, a, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok\n", body)

	require.Eventually(t, func() bool {
		code, body := get(t, a, "/healthz?verbose=1")
		var health struct {
			SchedulerReady bool `json:"scheduler_ready"`
			Tasks          []struct {
				Name   string `json:"name"`
				Active int    `json:"active"`
			} `json:"tasks"`
		}
		if code != http.StatusOK || json.Unmarshal([]byte(body), &health) != nil || !health.SchedulerReady {
			return false
		}
		for _, task := range health.Tasks {
			if task.Name == "config.watch" && task.Active == 1 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	code, body = get(t, a, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "timerd_scheduler_ready 1")

	code, _ = get(t, a, "/ws")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPruneJobRegisteredOnceReady(t *testing.T) {
	a := startApp(t, memoryConfig)
	require.Eventually(t, func() bool {
		for _, j := range a.Scheduler().List() {
			if j.Name == PruneJobName {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDegradedBrokerKeepsProcessUp(t *testing.T) {
	a := startApp(t, `
http:
  addr: 127.0.0.1:0
logging:
  level: error
broker:
  driver: redis
  addr: 127.0.0.1:1
scheduler:
  dial_timeout: 100ms
  reconnect_interval: 0s
`)
	time.Sleep(300 * time.Millisecond)
	assert.False(t, a.Scheduler().Ready())

	code, _ := get(t, a, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	_, err := a.Timers().After(context.Background(), "x", time.Second, timer.Event{Name: "e"})
	assert.ErrorIs(t, err, jobs.ErrSchedulerUnavailable)

	// Immediate sends do not need the broker.
	_, err = a.Notifications().Send(context.Background(), notify.Payload{UserID: "u1", Title: "hi"})
	assert.NoError(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"storage":{"driver":"cassandra"}}`), 0o600))
	_, err := New(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.driver")
}

func TestStopWithoutStart(t *testing.T) {
	p := filepath.Join(t.TempDir(), "c.json")
	require.NoError(t, os.WriteFile(p, []byte(`{}`), 0o600))
	a, err := New(context.Background(), p)
	require.NoError(t, err)
	assert.NoError(t, a.Stop(context.Background()))
}
