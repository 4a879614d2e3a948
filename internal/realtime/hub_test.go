package realtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "timerd/pkg/logx"
)

func newServer(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(Config{}, logx.Nop())
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, base, user string) net.Conn {
	t.Helper()
	before := hub.Sessions(user)
	conn, _, _, err := ws.Dial(context.Background(), base+"/ws?user="+user)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return hub.Sessions(user) == before+1 }, time.Second, 5*time.Millisecond)
	return conn
}

func read(t *testing.T, conn net.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestPushReachesEverySessionOfUser(t *testing.T) {
	hub, base := newServer(t)
	a := dial(t, hub, base, "u1")
	b := dial(t, hub, base, "u1")
	other := dial(t, hub, base, "u2")

	require.NoError(t, hub.Push(context.Background(), "u1", map[string]any{"title": "Hi"}))

	assert.Equal(t, "Hi", read(t, a)["title"])
	assert.Equal(t, "Hi", read(t, b)["title"])

	_ = other.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := wsutil.ReadServerText(other)
	assert.Error(t, err, "other users must not receive the push")
}

func TestPushWithoutSessionsIsNotAnError(t *testing.T) {
	hub, _ := newServer(t)
	assert.NoError(t, hub.Push(context.Background(), "nobody", map[string]any{"x": 1}))
	assert.Error(t, hub.Push(context.Background(), "nobody", make(chan int)))
}

func TestUserQueryRequired(t *testing.T) {
	_, base := newServer(t)
	resp, err := http.Get("http" + strings.TrimPrefix(base, "ws") + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClientDisconnectRemovesSession(t *testing.T) {
	hub, base := newServer(t)
	conn := dial(t, hub, base, "u1")
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Sessions("u1") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestCloseDisconnectsSessions(t *testing.T) {
	hub, base := newServer(t)
	conn := dial(t, hub, base, "u1")
	hub.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := wsutil.ReadServerText(conn)
	assert.Error(t, err)
	require.Eventually(t, func() bool { return hub.Sessions("u1") == 0 }, 2*time.Second, 5*time.Millisecond)
}
