package model

import "time"

type QueueStatus string

const (
	QueueQueued QueueStatus = "queued"
	QueueDone   QueueStatus = "done"
	QueueFailed QueueStatus = "failed"
)

// QueueItem is an event whose processing failed transiently and waits for
// another attempt.
type QueueItem struct {
	ID            string
	Event         GeofenceEvent
	Cause         string
	Attempts      int
	Status        QueueStatus
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
