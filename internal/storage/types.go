package storage

import (
	"errors"
	"time"

	"geonotify/internal/model"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrNotFound wraps model.ErrNotFound so callers can match either.
	ErrNotFound = model.ErrNotFound
	// ErrStale means a conditional update lost a race (row no longer pending).
	ErrStale = errors.New("row changed concurrently")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (pure Go driver)
//
// Path ":memory:" keeps everything in one in-memory connection.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// EvictionCandidate is an active geofence with the creation time of its
// owning task, which drives the age penalty.
type EvictionCandidate struct {
	model.Geofence
	TaskCreatedAt time.Time
}

// DeliveryCounts aggregates delivery outcomes for one user.
type DeliveryCounts struct {
	Total     int
	Delivered int
	Failed    int
	Cancelled int
	Pending   int
}
