package model

import "time"

type EventKind string

const (
	EventEnter EventKind = "enter"
	EventExit  EventKind = "exit"
	EventDwell EventKind = "dwell"
)

func (k EventKind) Valid() bool {
	return k == EventEnter || k == EventExit || k == EventDwell
}

type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventProcessed EventStatus = "processed"
	EventDuplicate EventStatus = "duplicate"
	EventCooldown  EventStatus = "cooldown"
	EventFailed    EventStatus = "failed"
)

type GeofenceEvent struct {
	ID         string
	ClientID   string
	UserID     string
	TaskID     string
	GeofenceID string
	Kind       EventKind
	Lat        float64
	Lng        float64
	Confidence float64
	OccurredAt time.Time
	ReceivedAt time.Time

	Status        EventStatus
	Reason        Reason
	CooldownUntil time.Time
	// BundleID is the notification id of the bundle this event belongs to.
	BundleID string
	Notified bool
	Tier     Tier
}

// Reason explains a processing outcome. Policy reasons are not errors.
type Reason string

const (
	ReasonNotified   Reason = "notified"
	ReasonDuplicate  Reason = "duplicate"
	ReasonCooldown   Reason = "cooldown"
	ReasonNoise      Reason = "noise"
	ReasonBundled    Reason = "bundled"
	ReasonValidation Reason = "validation"
	ReasonQueued     Reason = "queued"
	ReasonFailed     Reason = "failed"
)

// Deferral reports whether the reason is a first-class non-notifying policy
// outcome as opposed to a failure.
func (r Reason) Deferral() bool {
	switch r {
	case ReasonDuplicate, ReasonCooldown, ReasonNoise, ReasonBundled:
		return true
	}
	return false
}
