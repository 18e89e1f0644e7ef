package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	logx "geonotify/pkg/logx"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const subjectKey = "auth.subject"

// requestLog logs one line per request. 5xx at error, 4xx at warn.
func requestLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", status),
			logx.Duration("latency", time.Since(start)),
			logx.String("ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, logx.String("errors", c.Errors.String()))
		}
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("http request", fields...)
		case status >= http.StatusBadRequest:
			log.Warn("http request", fields...)
		default:
			log.Debug("http request", fields...)
		}
	}
}

// ipLimiter keeps one token bucket per client IP. The set is bounded; the
// least recently seen clients are dropped first.
type ipLimiter struct {
	mu    sync.Mutex
	rps   rate.Limit
	burst int
	seen  *lru.Cache[string, *rate.Limiter]
}

func newIPLimiter(rps, burst, size int) *ipLimiter {
	if burst <= 0 {
		burst = rps
	}
	if size <= 0 {
		size = 10000
	}
	seen, _ := lru.New[string, *rate.Limiter](size)
	return &ipLimiter{rps: rate.Limit(rps), burst: burst, seen: seen}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.seen.Get(ip)
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.seen.Add(ip, lim)
	}
	l.mu.Unlock()
	return lim.Allow()
}

func rateLimit(rps, burst int) gin.HandlerFunc {
	l := newIPLimiter(rps, burst, 0)
	return func(c *gin.Context) {
		if !l.allow(c.ClientIP()) {
			fail(c, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		c.Next()
	}
}

// bearerAuth verifies HS256 tokens and stores the subject for authorize.
func bearerAuth(secret, issuer string) gin.HandlerFunc {
	key := []byte(secret)
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			fail(c, http.StatusUnauthorized, "missing bearer token")
			return
		}
		var claims jwt.RegisteredClaims
		_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &claims, func(*jwt.Token) (any, error) {
			return key, nil
		}, opts...)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token has expired"
			}
			fail(c, http.StatusUnauthorized, msg)
			return
		}
		if claims.Subject == "" {
			fail(c, http.StatusUnauthorized, "token without subject")
			return
		}
		c.Set(subjectKey, claims.Subject)
		c.Next()
	}
}

// authorize rejects requests acting on another user's data. Without auth
// every caller is trusted.
func authorize(c *gin.Context, userID string) bool {
	sub := c.GetString(subjectKey)
	if sub == "" || sub == userID {
		return true
	}
	fail(c, http.StatusForbidden, fmt.Sprintf("token subject may not act for user %s", userID))
	return false
}
