// Package pprof mounts the runtime profiling handlers on the daemon's
// HTTP mux behind an optional bearer token.
package pprof

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	logx "timerd/pkg/logx"
)

// ErrInsecure is returned when profiling would be exposed on a non-loopback
// address without a token.
var ErrInsecure = errors.New("pprof: non-loopback addr requires token or allow_insecure")

type Config struct {
	Enabled       bool
	Prefix        string // default "/debug/pprof/"
	Token         string
	AllowInsecure bool
}

// Mount registers the profiling handlers on mux. listenAddr is the
// server's bind address and decides whether a token is mandatory.
func Mount(mux *http.ServeMux, cfg Config, listenAddr string, log logx.Logger) error {
	if !cfg.Enabled {
		return nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" && !isLoopbackAddr(listenAddr) {
		if !cfg.AllowInsecure {
			return ErrInsecure
		}
		log.Warn("pprof exposed without token on non-loopback addr", logx.String("addr", listenAddr))
	}

	prefix := normalizePrefix(cfg.Prefix)
	base := strings.TrimSuffix(prefix, "/")
	wrap := func(h http.HandlerFunc) http.Handler { return withAuth(token, h) }

	mux.Handle(prefix, wrap(indexAt(prefix)))
	mux.Handle(base+"/cmdline", wrap(hpprof.Cmdline))
	mux.Handle(base+"/profile", wrap(hpprof.Profile))
	mux.Handle(base+"/symbol", wrap(hpprof.Symbol))
	mux.Handle(base+"/trace", wrap(hpprof.Trace))

	log.Info("pprof mounted", logx.String("prefix", prefix), logx.Bool("token_set", token != ""))
	return nil
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string, h http.HandlerFunc) http.Handler {
	if token == "" {
		return h
	}
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			ah := r.Header.Get("Authorization")
			if v, ok := strings.CutPrefix(ah, "Bearer "); ok {
				got = strings.TrimSpace(v)
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	})
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// indexAt serves pprof.Index under prefix. Index only understands paths
// rooted at /debug/pprof/ so the request path is rewritten.
func indexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || strings.TrimSpace(h) == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
