package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"geonotify/internal/event"
	"geonotify/internal/geofence"
	"geonotify/internal/ingest"
	"geonotify/internal/model"
	"geonotify/internal/notifier"
	"geonotify/internal/pipeline"
	"geonotify/internal/storage"
	"geonotify/pkg/clock"
	logx "geonotify/pkg/logx"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu   sync.Mutex
	sent []model.Notification
}

func (r *recorder) Deliver(_ context.Context, n model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

type fixture struct {
	st     *storage.SQLite
	clk    *clock.Fake
	gw     *recorder
	router *gin.Engine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "api.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clk := clock.NewFake(t0.Add(time.Hour))
	gw := &recorder{}
	notes := notifier.New(notifier.Config{}, notifier.Deps{Store: st, Gateway: gw, Clock: clk, Log: logx.Nop()})
	proc := event.New(event.Config{}, event.Deps{Store: st, Clock: clk, Log: logx.Nop()})
	proc.SetJoinable(notes)
	q := ingest.New(ingest.Config{}, ingest.Deps{Store: st, Clock: clk, Log: logx.Nop()})
	p := pipeline.New(pipeline.Deps{Processor: proc, Scheduler: notes, Queue: q, Store: st, Log: logx.Nop()})
	q.SetHandler(p.Reprocess)
	alloc := geofence.New(geofence.Config{}, geofence.Deps{Store: st, Clock: clk, Log: logx.Nop()})

	r := NewRouter(cfg, Deps{Pipeline: p, Geofences: alloc, Notifier: notes, Queue: q, Store: st,
		Gatherer: prometheus.NewRegistry(), Clock: clk, Log: logx.Nop()})
	return &fixture{st: st, clk: clk, gw: gw, router: r}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (f *fixture) do(t *testing.T, method, path string, body any, header ...string) (int, envelope) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

// seed registers u1 with a home place and an arrival task, returning the
// arrival geofence.
func (f *fixture) seed(t *testing.T, header ...string) geofenceView {
	t.Helper()
	code, _ := f.do(t, http.MethodPut, "/v1/users/u1", gin.H{"timezone": "UTC"}, header...)
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodPut, "/v1/places/home", gin.H{"user_id": "u1", "name": "Home", "kind": "home", "lat": 40.0, "lng": -74.0}, header...)
	require.Equal(t, http.StatusOK, code)

	code, env := f.do(t, http.MethodPost, "/v1/tasks/t1/geofences", gin.H{
		"user_id": "u1", "title": "water the plants", "location_type": "place", "place_id": "home",
	}, header...)
	require.Equal(t, http.StatusOK, code, env.Message)
	var out struct {
		Geofences []geofenceView `json:"geofences"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	for _, g := range out.Geofences {
		if g.Type == model.Arrival {
			return g
		}
	}
	t.Fatalf("no arrival geofence in %+v", out.Geofences)
	return geofenceView{}
}

func enterAt(g geofenceView, clientID string) gin.H {
	return gin.H{"client_id": clientID, "user_id": "u1", "task_id": g.TaskID, "geofence_id": g.ID,
		"kind": "enter", "lat": g.Lat + 50/111194.93, "lng": g.Lng, "confidence": 0.9, "occurred_at": t0}
}

func TestEventFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	g := f.seed(t)

	code, env := f.do(t, http.MethodPost, "/v1/events", enterAt(g, "c1"))
	require.Equal(t, http.StatusOK, code, env.Message)
	var res pipeline.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.True(t, res.Notify)
	assert.Equal(t, model.ReasonNotified, res.Reason)
	require.Len(t, f.gw.sent, 1)
	assert.Equal(t, "water the plants", f.gw.sent[0].Body)

	code, env = f.do(t, http.MethodGet, "/v1/notifications/"+res.NotificationID, nil)
	require.Equal(t, http.StatusOK, code)
	var d deliveryView
	require.NoError(t, json.Unmarshal(env.Data, &d))
	assert.Equal(t, model.DeliveryDelivered, d.Status)

	code, env = f.do(t, http.MethodGet, "/v1/users/u1/stats?window=48h", nil)
	require.Equal(t, http.StatusOK, code)
	var stats struct {
		Notifications notifier.Stats            `json:"notifications"`
		Geofences     geofence.Stats            `json:"geofences"`
		Events        map[model.EventStatus]int `json:"events"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 1, stats.Notifications.Delivered)
	assert.Equal(t, 1, stats.Events[model.EventProcessed])
	assert.Positive(t, stats.Geofences.Active)

	code, _ = f.do(t, http.MethodDelete, "/v1/notifications/"+res.NotificationID, nil)
	require.Equal(t, http.StatusOK, code, "cancelling a settled notification is a no-op")
}

func TestEventErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxBatch: 2})
	g := f.seed(t)

	bad := enterAt(g, "c1")
	bad["task_id"] = "missing"
	code, env := f.do(t, http.MethodPost, "/v1/events", bad)
	assert.Equal(t, http.StatusBadRequest, code)
	var res pipeline.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, model.ReasonValidation, res.Reason)

	code, _ = f.do(t, http.MethodPost, "/v1/events/batch", gin.H{"events": []gin.H{enterAt(g, "a"), enterAt(g, "b"), enterAt(g, "c")}})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/v1/events/batch", gin.H{"events": []gin.H{}})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodGet, "/v1/notifications/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodPost, "/v1/tasks/nope/geofences/mute", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.seed(t)

	code, env := f.do(t, http.MethodPost, "/v1/tasks/t1/geofences/mute", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	task, err := f.st.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskMuted, task.Status)

	code, _ = f.do(t, http.MethodPost, "/v1/tasks/t1/geofences/unmute", nil)
	require.Equal(t, http.StatusOK, code)

	code, env = f.do(t, http.MethodPost, "/v1/tasks/t1/geofences", gin.H{
		"user_id": "u1", "title": "water the plants", "location_type": "place", "place_id": "home",
		"radii": gin.H{"approach": 3000}, "update": true,
	})
	require.Equal(t, http.StatusOK, code, env.Message)

	code, env = f.do(t, http.MethodPost, "/v1/tasks/t1/geofences", gin.H{
		"user_id": "u2", "title": "hijack", "location_type": "place", "place_id": "home",
	})
	assert.Equal(t, http.StatusBadRequest, code, env.Message)

	code, env = f.do(t, http.MethodDelete, "/v1/tasks/t1/geofences", nil)
	require.Equal(t, http.StatusOK, code)
	var del struct {
		Deleted int64 `json:"deleted"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &del))
	assert.Positive(t, del.Deleted)
}

func TestNotificationActions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.seed(t)

	code, env := f.do(t, http.MethodPost, "/v1/notifications", gin.H{"id": "n1", "user_id": "u1", "task_id": "t1", "title": "hello"})
	require.Equal(t, http.StatusOK, code, env.Message)

	code, env = f.do(t, http.MethodPost, "/v1/notifications/n1/actions", gin.H{"action": "snooze_1h"})
	require.Equal(t, http.StatusOK, code, env.Message)
	until, ok, err := f.st.SnoozedUntil(context.Background(), "u1", "t1", "", f.clk.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, until.Equal(f.clk.Now().Add(time.Hour)))

	code, _ = f.do(t, http.MethodPost, "/v1/notifications/n1/actions", gin.H{"action": "complete"})
	require.Equal(t, http.StatusOK, code)
	task, err := f.st.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, task.Status)

	code, _ = f.do(t, http.MethodPost, "/v1/notifications/n1/actions", gin.H{"action": "dance"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRegisterToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.seed(t)

	code, _ := f.do(t, http.MethodPost, "/v1/users/u1/tokens", gin.H{"platform": "ios", "token": strings.Repeat("ab", 32)})
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodPost, "/v1/users/u1/tokens", gin.H{"platform": "ios", "token": "short"})
	assert.Equal(t, http.StatusBadRequest, code)

	toks, err := f.st.ActiveTokens(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, toks, 1)
}

func sign(t *testing.T, secret, sub string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: sub, Issuer: "geonotify", ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + s
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{JWTSecret: "s3cret", Issuer: "geonotify"})
	future := time.Now().Add(time.Hour)

	code, _ := f.do(t, http.MethodPut, "/v1/users/u1", gin.H{"timezone": "UTC"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, env := f.do(t, http.MethodPut, "/v1/users/u1", gin.H{"timezone": "UTC"},
		"Authorization", sign(t, "s3cret", "u1", time.Now().Add(-time.Minute)))
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "token has expired", env.Message)

	code, _ = f.do(t, http.MethodPut, "/v1/users/u1", gin.H{"timezone": "UTC"},
		"Authorization", sign(t, "wrong", "u1", future))
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.do(t, http.MethodPut, "/v1/users/u1", gin.H{"timezone": "UTC"},
		"Authorization", sign(t, "s3cret", "u2", future))
	assert.Equal(t, http.StatusForbidden, code)

	f.seed(t, "Authorization", sign(t, "s3cret", "u1", future))

	code, _ = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code, "health is public")
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RatePerSec: 1, Burst: 1})

	code, _ := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	code, env := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, http.StatusTooManyRequests, env.Code)
}

func TestStatusOf(t *testing.T) {
	t.Parallel()
	cases := map[error]int{
		model.NewValidationError("task", "t1", "not found"):        http.StatusBadRequest,
		&model.CapacityError{UserID: "u1", Requested: 3, Ceiling: 2}: http.StatusConflict,
		notifier.ErrInFlight:                                         http.StatusConflict,
		storage.ErrNotFound:                                          http.StatusNotFound,
		model.Transient(context.DeadlineExceeded):                    http.StatusServiceUnavailable,
		context.Canceled:                                             http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusOf(err), err.Error())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestFailuresListing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.seed(t)

	code, env := f.do(t, http.MethodGet, "/v1/users/u1/failures", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	var out struct {
		Deliveries []deliveryView   `json:"deliveries"`
		Events     []map[string]any `json:"events"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Empty(t, out.Deliveries)
	assert.Empty(t, out.Events)

	code, _ = f.do(t, http.MethodGet, "/v1/users/u1/failures?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}
