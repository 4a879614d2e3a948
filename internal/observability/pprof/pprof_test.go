package pprof

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "timerd/pkg/logx"
)

func serve(t *testing.T, mux *http.ServeMux, req *http.Request) int {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec.Code
}

func TestMountRequiresTokenOffLoopback(t *testing.T) {
	mux := http.NewServeMux()
	err := Mount(mux, Config{Enabled: true}, "0.0.0.0:8080", logx.Nop())
	assert.ErrorIs(t, err, ErrInsecure)

	require.NoError(t, Mount(http.NewServeMux(), Config{Enabled: true, AllowInsecure: true}, ":8080", logx.Nop()))
	require.NoError(t, Mount(http.NewServeMux(), Config{Enabled: true}, "127.0.0.1:8080", logx.Nop()))
	require.NoError(t, Mount(http.NewServeMux(), Config{}, "0.0.0.0:8080", logx.Nop()))
}

func TestTokenAuth(t *testing.T) {
	mux := http.NewServeMux()
	require.NoError(t, Mount(mux, Config{Enabled: true, Token: "s3cret", Prefix: "dbg"}, "0.0.0.0:8080", logx.Nop()))

	assert.Equal(t, http.StatusUnauthorized, serve(t, mux, httptest.NewRequest(http.MethodGet, "/dbg/", nil)))
	assert.Equal(t, http.StatusUnauthorized, serve(t, mux, httptest.NewRequest(http.MethodGet, "/dbg/?token=wrong", nil)))
	assert.Equal(t, http.StatusOK, serve(t, mux, httptest.NewRequest(http.MethodGet, "/dbg/?token=s3cret", nil)))

	req := httptest.NewRequest(http.MethodGet, "/dbg/cmdline", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, serve(t, mux, req))
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "/debug/pprof/", normalizePrefix(""))
	assert.Equal(t, "/x/", normalizePrefix("x"))
	assert.Equal(t, "/x/", normalizePrefix("/x/"))
}
