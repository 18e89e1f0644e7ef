// Package api exposes the pipeline over HTTP: event ingestion, geofence
// lifecycle, notification scheduling and per-user stats.
package api

import (
	"context"
	"net/http"
	"time"

	"geonotify/internal/geofence"
	"geonotify/internal/model"
	"geonotify/internal/notifier"
	"geonotify/internal/observability/pprof"
	"geonotify/internal/pipeline"
	"geonotify/pkg/clock"
	logx "geonotify/pkg/logx"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Pipeline interface {
	IngestEvent(ctx context.Context, ev model.GeofenceEvent) (pipeline.Result, error)
	IngestBatch(ctx context.Context, evs []model.GeofenceEvent) ([]pipeline.Result, error)
}

type Geofences interface {
	CreateForTask(ctx context.Context, task model.Task) ([]model.Geofence, error)
	UpdateForTask(ctx context.Context, task model.Task) ([]model.Geofence, error)
	MuteForTask(ctx context.Context, taskID string) (int, error)
	UnmuteForTask(ctx context.Context, taskID string) (int, error)
	DeleteForTask(ctx context.Context, taskID string) (int64, error)
	RefreshPOIs(ctx context.Context, taskID string, lat, lng float64) (geofence.BindResult, error)
	Stats(ctx context.Context, userID string) (geofence.Stats, error)
}

type Notifier interface {
	Schedule(ctx context.Context, n model.Notification) (string, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Snooze(ctx context.Context, sn model.Snooze) error
	Get(ctx context.Context, id string) (model.Delivery, error)
	InvalidateUser(userID string)
	Stats(ctx context.Context, userID string, window time.Duration) (notifier.Stats, error)
	Failed(ctx context.Context, limit int) ([]model.Delivery, error)
}

// Queue exposes terminal ingest failures.
type Queue interface {
	Failed(ctx context.Context, limit int) ([]model.QueueItem, error)
}

type Store interface {
	Ping(ctx context.Context) error
	UpsertUser(ctx context.Context, u model.User) error
	GetUser(ctx context.Context, id string) (model.User, error)
	UpsertPlace(ctx context.Context, p model.Place) error
	GetPlace(ctx context.Context, id string) (model.Place, error)
	UpsertTask(ctx context.Context, t model.Task) error
	GetTask(ctx context.Context, id string) (model.Task, error)
	SetTaskStatus(ctx context.Context, id string, status model.TaskStatus) error
	UpsertToken(ctx context.Context, t model.DeviceToken) error
	EventCounts(ctx context.Context, userID string, since time.Time) (map[model.EventStatus]int, error)
}

type Config struct {
	RatePerSec int
	Burst      int
	JWTSecret  string
	Issuer     string
	// MaxBatch caps events per batch request.
	MaxBatch int

	Pprof pprof.Config
}

type Deps struct {
	Pipeline  Pipeline
	Geofences Geofences
	Notifier  Notifier
	Queue     Queue
	Store     Store
	Gatherer  prometheus.Gatherer
	Clock     clock.Clock
	Log       logx.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(cfg Config, d Deps) *gin.Engine {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 100
	}
	if d.Clock == nil {
		d.Clock = clock.System()
	}
	log := d.Log.With(logx.String("comp", "api"))
	h := &handlers{d: d, maxBatch: cfg.MaxBatch}

	r := gin.New()
	r.Use(gin.Recovery(), requestLog(log))
	if cfg.RatePerSec > 0 {
		r.Use(rateLimit(cfg.RatePerSec, cfg.Burst))
	}

	r.GET("/health", h.health)
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	if pprof.Mount(r, cfg.Pprof) {
		log.Info("pprof routes mounted")
	}

	v1 := r.Group("/v1")
	if cfg.JWTSecret != "" {
		v1.Use(bearerAuth(cfg.JWTSecret, cfg.Issuer))
	}
	{
		v1.POST("/events", h.ingestEvent)
		v1.POST("/events/batch", h.ingestBatch)

		v1.PUT("/users/:id", h.putUser)
		v1.POST("/users/:id/tokens", h.registerToken)
		v1.GET("/users/:id/stats", h.stats)
		v1.GET("/users/:id/failures", h.failures)
		v1.PUT("/places/:id", h.putPlace)

		tasks := v1.Group("/tasks/:id/geofences")
		{
			tasks.POST("", h.upsertGeofences)
			tasks.POST("/mute", h.mute)
			tasks.POST("/unmute", h.unmute)
			tasks.POST("/pois", h.refreshPOIs)
			tasks.DELETE("", h.deleteGeofences)
		}

		v1.POST("/notifications", h.scheduleNotification)
		v1.GET("/notifications/:id", h.getNotification)
		v1.DELETE("/notifications/:id", h.cancelNotification)
		v1.POST("/notifications/:id/actions", h.notificationAction)
	}
	r.NoRoute(func(c *gin.Context) { fail(c, http.StatusNotFound, "route not found") })
	return r
}
