package geofence

import (
	"context"
	"errors"
	"time"

	"geonotify/internal/model"
	"geonotify/internal/storage"
	"geonotify/internal/task/engine"
)

const DefaultCeiling = 20

type AgePenaltyMode string

const (
	// AgeAdditive scores rank + floor(age days / 7).
	AgeAdditive AgePenaltyMode = "additive"
	// AgeTiebreak scores rank only; age orders equal ranks.
	AgeTiebreak AgePenaltyMode = "tiebreak"
)

type Config struct {
	Ceiling        int
	AgePenalty     AgePenaltyMode
	ArrivalRadiusM float64

	POISearchRadiusM float64
	POIMaxResults    int
	POIRetryAfter    time.Duration
	POIRetryMax      int
}

func (c Config) withDefaults() Config {
	if c.Ceiling <= 0 {
		c.Ceiling = DefaultCeiling
	}
	if c.AgePenalty == "" {
		c.AgePenalty = AgeAdditive
	}
	if c.ArrivalRadiusM <= 0 {
		c.ArrivalRadiusM = model.DefaultArrivalRadius
	}
	if c.POISearchRadiusM <= 0 {
		c.POISearchRadiusM = model.Miles(5)
	}
	if c.POIMaxResults <= 0 {
		c.POIMaxResults = 5
	}
	if c.POIRetryAfter <= 0 {
		c.POIRetryAfter = 5 * time.Minute
	}
	if c.POIRetryMax <= 0 {
		c.POIRetryMax = 5
	}
	return c
}

// Store is the persistence the allocator needs; *storage.SQLite satisfies it.
type Store interface {
	GetTask(ctx context.Context, id string) (model.Task, error)
	GetPlace(ctx context.Context, id string) (model.Place, error)
	SetTaskStatus(ctx context.Context, id string, status model.TaskStatus) error

	GeofencesByTask(ctx context.Context, taskID string) ([]model.Geofence, error)
	CountActive(ctx context.Context, userID string) (int, error)
	EvictionCandidates(ctx context.Context, userID string) ([]storage.EvictionCandidate, error)
	ReplaceAllocation(ctx context.Context, remove, deactivate []string, insert []model.Geofence) error
	SwapActive(ctx context.Context, deactivate, activate []string) error
	DeleteGeofences(ctx context.Context, taskID string, boundOnly bool) (int64, error)
}

// Submitter queues background jobs (POI binding retries).
type Submitter interface {
	Enqueue(t engine.Task) error
}

// Stats is the per-user slot utilization.
type Stats struct {
	UserID      string  `json:"user_id"`
	Active      int     `json:"active"`
	Ceiling     int     `json:"ceiling"`
	Utilization float64 `json:"utilization_pct"`
}

// BindResult reports a POI refresh. Deferred means the lookup failed and a
// retry job was queued.
type BindResult struct {
	Geofences []model.Geofence
	Deferred  bool
}

var ErrNoTemplates = errors.New("task has no template geofences")
