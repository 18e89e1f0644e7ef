package ingest

import (
	"context"
	"time"

	"geonotify/internal/model"
)

type Config struct {
	Backoff []time.Duration
	// MaxAttempts defaults to len(Backoff).
	MaxAttempts     int
	ReplayWindow    time.Duration
	ReplayDistanceM float64
	ClaimBatch      int
}

func (c Config) withDefaults() Config {
	if len(c.Backoff) == 0 {
		c.Backoff = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = len(c.Backoff)
	}
	if c.ReplayWindow <= 0 {
		c.ReplayWindow = time.Hour
	}
	if c.ReplayDistanceM <= 0 {
		c.ReplayDistanceM = 100
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 100
	}
	return c
}

// delay returns the wait before the attempt following `attempts` failures.
func (c Config) delay(attempts int) time.Duration {
	if attempts < len(c.Backoff) {
		return c.Backoff[attempts]
	}
	return c.Backoff[len(c.Backoff)-1]
}

type Store interface {
	InsertQueueItem(ctx context.Context, it model.QueueItem) error
	UpdateQueueItem(ctx context.Context, it model.QueueItem) error
	DueQueueItems(ctx context.Context, now time.Time, limit int) ([]model.QueueItem, error)
	SimilarQueueItems(ctx context.Context, userID, taskID string, kind model.EventKind, from, to time.Time) ([]model.QueueItem, error)
	QueueItemsByStatus(ctx context.Context, status model.QueueStatus, limit int) ([]model.QueueItem, error)
	SimilarEvents(ctx context.Context, userID, taskID string, kind model.EventKind, from, to time.Time) ([]model.GeofenceEvent, error)
}

// Handler re-runs processing for a queued event. A nil error settles the
// item; validation errors fail it; anything else is retried.
type Handler func(ctx context.Context, ev model.GeofenceEvent) error

// SweepReport counts the outcomes of one sweep.
type SweepReport struct {
	Claimed int
	Done    int
	Retried int
	Failed  int
}
