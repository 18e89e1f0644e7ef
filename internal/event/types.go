package event

import (
	"context"
	"time"

	"geonotify/internal/model"
)

type Config struct {
	DedupWindow    time.Duration
	DedupDistanceM float64
	BundleWindow   time.Duration
	BundleRadiusM  float64
	BundleMax      int
	// ExitFactor is the fraction of the radius an exit must clear.
	ExitFactor float64
}

func (c Config) withDefaults() Config {
	if c.DedupWindow <= 0 {
		c.DedupWindow = 15 * time.Minute
	}
	if c.DedupDistanceM <= 0 {
		c.DedupDistanceM = 100
	}
	if c.BundleWindow <= 0 {
		c.BundleWindow = 5 * time.Minute
	}
	if c.BundleRadiusM <= 0 {
		c.BundleRadiusM = 500
	}
	if c.BundleMax <= 0 {
		c.BundleMax = 5
	}
	if c.ExitFactor <= 0 {
		c.ExitFactor = 0.8
	}
	return c
}

// Store is the persistence the processor reads and writes.
type Store interface {
	GetUser(ctx context.Context, id string) (model.User, error)
	GetTask(ctx context.Context, id string) (model.Task, error)
	GetGeofence(ctx context.Context, id string) (model.Geofence, error)
	GetCooldown(ctx context.Context, geofenceID string) (time.Time, bool, error)

	GetEvent(ctx context.Context, id string) (model.GeofenceEvent, error)
	SimilarEvents(ctx context.Context, userID, taskID string, kind model.EventKind, from, to time.Time) ([]model.GeofenceEvent, error)
	BundleCandidates(ctx context.Context, userID string, tier model.Tier, from, to time.Time) ([]model.GeofenceEvent, error)
	EventsByBundle(ctx context.Context, bundleID string) ([]model.GeofenceEvent, error)
	SettleEvent(ctx context.Context, e model.GeofenceEvent, cooldownUntil time.Time) error
}

// Joinable reports whether a bundle's notification is still undelivered, so
// a new member can be folded into what the user will see.
type Joinable interface {
	Joinable(ctx context.Context, bundleID string) bool
}

// Result is the outcome of processing one event.
type Result struct {
	Event    model.GeofenceEvent
	Accepted bool
	Notify   bool
	Reason   model.Reason
	// NotificationID is the new notification for Notify results and the
	// joined bundle for bundled ones.
	NotificationID string
	// BundleOpen is set on bundled results whose notification has not been
	// delivered yet and should be recomposed with the new member.
	BundleOpen bool
	// Replayed is set when the event id was already settled.
	Replayed bool

	User     model.User
	Task     model.Task
	Geofence model.Geofence
}

// BatchItem pairs a batch input with its outcome, in input order.
type BatchItem struct {
	Result Result
	Err    error
}
