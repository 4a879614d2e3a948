// Package realtime pushes JSON messages to a user's websocket sessions.
//
// Clients connect with GET <path>?user=<id>. Delivery is best-effort: a
// user without sessions, or a session whose send buffer is full, simply
// misses the message.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	logx "timerd/pkg/logx"
)

type Config struct {
	Path         string        // default "/ws"
	WriteTimeout time.Duration // default 5s
	SendBuffer   int           // per session, default 16
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 16
	}
	return c
}

type session struct {
	id   uint64
	user string
	conn net.Conn
	out  chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Hub tracks sessions per user. It is an http.Handler.
type Hub struct {
	cfg Config
	log logx.Logger

	seq     atomic.Uint64
	dropped atomic.Uint64

	mu       sync.RWMutex
	sessions map[string]map[uint64]*session
	closed   bool
}

func NewHub(cfg Config, log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{cfg: cfg.withDefaults(), log: log, sessions: map[string]map[uint64]*session{}}
}

func (h *Hub) Path() string { return h.cfg.Path }

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(r.URL.Query().Get("user"))
	if user == "" {
		http.Error(w, "user required", http.StatusBadRequest)
		return
	}
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.log.Debug("websocket upgrade failed", logx.String("user", user), logx.Err(err))
		return
	}
	s := &session{
		id:   h.seq.Add(1),
		user: user,
		conn: conn,
		out:  make(chan []byte, h.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	if !h.add(s) {
		_ = conn.Close()
		return
	}
	h.log.Debug("session opened", logx.String("user", user), logx.Uint64("session", s.id))

	go h.writeLoop(s)
	go h.readLoop(s)
}

// readLoop drains client frames so control frames are answered and a
// closed connection is noticed.
func (h *Hub) readLoop(s *session) {
	defer h.remove(s)
	for {
		if _, _, err := wsutil.ReadClientData(s.conn); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(s *session) {
	defer h.remove(s)
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := wsutil.WriteServerText(s.conn, msg); err != nil {
				h.log.Debug("session write failed", logx.String("user", s.user), logx.Uint64("session", s.id), logx.Err(err))
				return
			}
		}
	}
}

func (h *Hub) add(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	m := h.sessions[s.user]
	if m == nil {
		m = map[uint64]*session{}
		h.sessions[s.user] = m
	}
	m[s.id] = s
	return true
}

func (h *Hub) remove(s *session) {
	s.close()
	h.mu.Lock()
	if m := h.sessions[s.user]; m != nil {
		if _, ok := m[s.id]; ok {
			delete(m, s.id)
			h.log.Debug("session closed", logx.String("user", s.user), logx.Uint64("session", s.id))
		}
		if len(m) == 0 {
			delete(h.sessions, s.user)
		}
	}
	h.mu.Unlock()
}

// Push sends v as JSON to every session of userID without waiting for the
// client. It only fails when v cannot be encoded.
func (h *Hub) Push(ctx context.Context, userID string, v any) error {
	_ = ctx
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: encode: %w", err)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions[userID] {
		select {
		case s.out <- data:
		case <-s.done:
		default:
			h.dropped.Add(1)
			h.log.Debug("session buffer full; message dropped", logx.String("user", userID), logx.Uint64("session", s.id))
		}
	}
	return nil
}

// Sessions returns the number of open sessions for userID.
func (h *Hub) Sessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close disconnects every session and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*session
	for _, m := range h.sessions {
		for _, s := range m {
			all = append(all, s)
		}
	}
	h.mu.Unlock()
	for _, s := range all {
		s.close()
	}
}
