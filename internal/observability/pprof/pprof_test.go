package pprof

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T, cfg Config) (*gin.Engine, bool) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	return r, Mount(r, cfg)
}

func TestMountNeedsToken(t *testing.T) {
	_, ok := newRouter(t, Config{Enabled: true})
	assert.False(t, ok)
	_, ok = newRouter(t, Config{Token: "s3cret"})
	assert.False(t, ok)
}

func TestTokenGate(t *testing.T) {
	r, ok := newRouter(t, Config{Enabled: true, Token: "s3cret", Prefix: "ops/pprof"})
	require.True(t, ok)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/pprof/cmdline", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ops/pprof/cmdline", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/pprof/goroutine?debug=1&token=s3cret", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutine")
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "/debug/pprof/", normalizePrefix(""))
	assert.Equal(t, "/x/", normalizePrefix("x"))
	assert.Equal(t, "/x/", normalizePrefix("/x/"))
}
