// Package pprof mounts the runtime profiling endpoints on the API router.
package pprof

import (
	"crypto/subtle"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"

	"github.com/gin-gonic/gin"
)

// Config controls the profiling routes. Token is required: the routes share
// the public listener.
type Config struct {
	Enabled bool
	Prefix  string
	Token   string

	MutexProfileFraction int
	BlockProfileRate     int
}

// Mount registers the pprof handlers under cfg.Prefix. It reports whether
// anything was mounted.
func Mount(r gin.IRouter, cfg Config) bool {
	tok := strings.TrimSpace(cfg.Token)
	if !cfg.Enabled || tok == "" {
		return false
	}
	ApplyRates(cfg)

	prefix := normalizePrefix(cfg.Prefix)
	g := r.Group(strings.TrimSuffix(prefix, "/"), requireToken(tok))
	g.GET("/", gin.WrapF(indexAt(prefix)))
	g.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	g.GET("/profile", gin.WrapF(hpprof.Profile))
	g.GET("/symbol", gin.WrapF(hpprof.Symbol))
	g.POST("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/trace", gin.WrapF(hpprof.Trace))
	g.GET("/:profile", gin.WrapF(indexAt(prefix)))
	return true
}

// ApplyRates sets the mutex and block sampling rates. Zero disables them.
func ApplyRates(cfg Config) {
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

// requireToken accepts "Authorization: Bearer <token>" or ?token=<token>.
func requireToken(tok string) gin.HandlerFunc {
	want := []byte(tok)
	return func(c *gin.Context) {
		got := c.Query("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
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

// pprof.Index resolves named profiles relative to /debug/pprof/.
func indexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := strings.TrimPrefix(r.URL.Path, prefix)
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + suffix
		hpprof.Index(w, r2)
	}
}
