package notifier

import (
	"context"
	"errors"
	"time"

	"geonotify/internal/model"
	"geonotify/internal/storage"
)

var (
	ErrInFlight = errors.New("delivery in flight")
	ErrNotFound = model.ErrNotFound
)

// Config controls the durable notification scheduler.
type Config struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	RetryDelay     time.Duration
	QuietTolerance time.Duration
	FocusRetry     time.Duration
	ClaimBatch     int
	AttemptTimeout time.Duration

	PrefsCacheSize int
	PrefsCacheTTL  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Minute
	}
	if c.QuietTolerance <= 0 {
		c.QuietTolerance = 5 * time.Minute
	}
	if c.FocusRetry <= 0 {
		c.FocusRetry = 15 * time.Minute
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 200
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.PrefsCacheSize <= 0 {
		c.PrefsCacheSize = 1024
	}
	if c.PrefsCacheTTL <= 0 {
		c.PrefsCacheTTL = time.Minute
	}
	return c
}

// Store is the persistence the scheduler needs.
type Store interface {
	InsertDelivery(ctx context.Context, d model.Delivery) (bool, error)
	GetDelivery(ctx context.Context, id string) (model.Delivery, error)
	UpdatePendingDelivery(ctx context.Context, d model.Delivery) error
	CancelDelivery(ctx context.Context, id, reason string, now time.Time) (bool, error)
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]model.Delivery, error)
	DeliveriesByStatus(ctx context.Context, status model.DeliveryStatus, limit int) ([]model.Delivery, error)
	DeliveryCounts(ctx context.Context, userID string, since time.Time) (storage.DeliveryCounts, error)

	GetUser(ctx context.Context, id string) (model.User, error)
	GetTask(ctx context.Context, id string) (model.Task, error)
	SnoozedUntil(ctx context.Context, userID, taskID, notificationID string, now time.Time) (time.Time, bool, error)
	PutSnooze(ctx context.Context, sn model.Snooze) error
}

// Gateway delivers one notification to all of a user's devices. Any error
// counts as a failed attempt.
type Gateway interface {
	Deliver(ctx context.Context, n model.Notification) error
}

// Stats summarizes a user's deliveries over a window.
type Stats struct {
	UserID       string        `json:"user_id"`
	Window       time.Duration `json:"window"`
	Total        int           `json:"total"`
	Delivered    int           `json:"delivered"`
	Failed       int           `json:"failed"`
	Cancelled    int           `json:"cancelled"`
	Pending      int           `json:"pending"`
	DeliveryRate float64       `json:"delivery_rate"`
	PerDay       float64       `json:"per_day"`
}

type HistoryItem struct {
	At      time.Time
	ID      string
	UserID  string
	Outcome string
	Error   string
}

// Snapshot is a diagnostic view of the worker pool.
type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	InFlight int
	History  []HistoryItem
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, n model.Notification) error

func (f GatewayFunc) Deliver(ctx context.Context, n model.Notification) error { return f(ctx, n) }
