package eventbus

// Topics published by the pipeline. Payloads are small value types so
// subscribers never share mutable state with publishers.
const (
	EventProcessed = "event.processed"
	EventDeferred  = "event.deferred"
	EventFailed    = "event.failed"

	NotificationScheduled = "notification.scheduled"
	NotificationDelivered = "notification.delivered"
	NotificationDeferred  = "notification.deferred"
	NotificationRetry     = "notification.retry"
	NotificationFailed    = "notification.failed"
	NotificationCancelled = "notification.cancelled"

	TokenDeactivated = "token.deactivated"

	GeofenceAllocated = "geofence.allocated"
	GeofenceEvicted   = "geofence.evicted"

	IngestQueued    = "ingest.queued"
	IngestExhausted = "ingest.exhausted"
)

// Outcome carries the reason for event/notification topics.
type Outcome struct {
	ID     string
	Reason string
	Tier   string
}

// Count carries a quantity, e.g. geofences evicted in one allocation.
type Count struct {
	N int
}
