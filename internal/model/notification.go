package model

import "time"

type Style string

const (
	StyleMinimal  Style = "minimal"
	StyleStandard Style = "standard"
	StyleDetailed Style = "detailed"
)

type Action string

const (
	ActionComplete    Action = "complete"
	ActionSnooze15m   Action = "snooze_15m"
	ActionSnooze1h    Action = "snooze_1h"
	ActionSnoozeToday Action = "snooze_today"
	ActionOpenMap     Action = "open_map"
	ActionMute        Action = "mute"
)

// AllActions is the full action set in display order.
var AllActions = []Action{ActionComplete, ActionSnooze15m, ActionSnooze1h, ActionSnoozeToday, ActionOpenMap, ActionMute}

// QuietHours is a local-time window in "HH:MM" form. Start > End means the
// window spans midnight.
type QuietHours struct {
	Enabled bool
	Start   string
	End     string
}

// Notification is the composed, deliverable unit for one event or a bundle.
type Notification struct {
	ID         string
	UserID     string
	TaskID     string
	GeofenceID string
	EventIDs   []string
	TaskIDs    []string
	Tier       Tier
	Title      string
	Body       string
	Actions    []Action
	BundleSize int
	CenterLat  float64
	CenterLng  float64
	CreatedAt  time.Time
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryCancelled DeliveryStatus = "cancelled"
	DeliveryFailed    DeliveryStatus = "failed"
)

func (s DeliveryStatus) Terminal() bool { return s != DeliveryPending }

// Delivery is the bookkeeping record behind a scheduled notification.
type Delivery struct {
	ID            string
	Notification  Notification
	Status        DeliveryStatus
	Attempts      int
	Deferrals     int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeliveredAt   time.Time
}

// Snooze defers delivery for one task or one notification until Until.
type Snooze struct {
	UserID         string
	TaskID         string
	NotificationID string
	Until          time.Time
}

type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

type DeviceToken struct {
	ID           string
	UserID       string
	Platform     Platform
	Token        string
	Active       bool
	FailureCount int
	LastError    string
	UpdatedAt    time.Time
}
