package api

import (
	"time"

	"geonotify/internal/model"
)

type eventRequest struct {
	ClientID   string          `json:"client_id"`
	UserID     string          `json:"user_id"`
	TaskID     string          `json:"task_id"`
	GeofenceID string          `json:"geofence_id"`
	Kind       model.EventKind `json:"kind"`
	Lat        float64         `json:"lat"`
	Lng        float64         `json:"lng"`
	Confidence float64         `json:"confidence"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func (r eventRequest) event() model.GeofenceEvent {
	return model.GeofenceEvent{
		ClientID: r.ClientID, UserID: r.UserID, TaskID: r.TaskID, GeofenceID: r.GeofenceID,
		Kind: r.Kind, Lat: r.Lat, Lng: r.Lng, Confidence: r.Confidence, OccurredAt: r.OccurredAt,
	}
}

type batchRequest struct {
	Events []eventRequest `json:"events" binding:"required"`
}

type quietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

type userRequest struct {
	Timezone   string      `json:"timezone"`
	Style      model.Style `json:"style"`
	QuietHours quietHours  `json:"quiet_hours"`
	FocusMode  bool        `json:"focus_mode"`
}

type placeRequest struct {
	UserID string          `json:"user_id" binding:"required"`
	Name   string          `json:"name" binding:"required"`
	Kind   model.PlaceKind `json:"kind"`
	Lat    float64         `json:"lat"`
	Lng    float64         `json:"lng"`
}

type taskRequest struct {
	UserID       string             `json:"user_id" binding:"required"`
	Title        string             `json:"title" binding:"required"`
	Description  string             `json:"description"`
	LocationType model.LocationType `json:"location_type" binding:"required"`
	PlaceID      string             `json:"place_id"`
	POICategory  string             `json:"poi_category"`
	PostArrival  bool               `json:"post_arrival"`
	Radii        *model.Radii       `json:"radii"`
	// Update replaces existing geofences instead of returning them.
	Update bool `json:"update"`
}

type poiRequest struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type tokenRequest struct {
	Platform model.Platform `json:"platform" binding:"required"`
	Token    string         `json:"token" binding:"required"`
}

type notificationRequest struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id" binding:"required"`
	TaskID     string         `json:"task_id"`
	TaskIDs    []string       `json:"task_ids"`
	Tier       model.Tier     `json:"tier"`
	Title      string         `json:"title" binding:"required"`
	Body       string         `json:"body"`
	Actions    []model.Action `json:"actions"`
	BundleSize int            `json:"bundle_size"`
}

func (r notificationRequest) notification(now time.Time) model.Notification {
	n := model.Notification{
		ID: r.ID, UserID: r.UserID, TaskID: r.TaskID, TaskIDs: r.TaskIDs, Tier: r.Tier,
		Title: r.Title, Body: r.Body, Actions: r.Actions, BundleSize: r.BundleSize, CreatedAt: now,
	}
	if n.BundleSize <= 0 {
		n.BundleSize = 1
	}
	if len(n.TaskIDs) == 0 && n.TaskID != "" {
		n.TaskIDs = []string{n.TaskID}
	}
	if n.Tier == "" {
		n.Tier = model.TierArrival
	}
	return n
}

type actionRequest struct {
	Action model.Action `json:"action" binding:"required"`
}

type geofenceView struct {
	ID         string             `json:"id"`
	TaskID     string             `json:"task_id"`
	Type       model.GeofenceType `json:"type"`
	Lat        float64            `json:"lat"`
	Lng        float64            `json:"lng"`
	Radius     float64            `json:"radius_m"`
	Active     bool               `json:"active"`
	IsTemplate bool               `json:"is_template,omitempty"`
	POIRef     string             `json:"poi_ref,omitempty"`
}

func geofenceViews(gs []model.Geofence) []geofenceView {
	out := make([]geofenceView, len(gs))
	for i, g := range gs {
		out[i] = geofenceView{ID: g.ID, TaskID: g.TaskID, Type: g.Type, Lat: g.Lat, Lng: g.Lng,
			Radius: g.Radius, Active: g.Active, IsTemplate: g.IsTemplate, POIRef: g.POIRef}
	}
	return out
}

type deliveryView struct {
	ID            string               `json:"id"`
	UserID        string               `json:"user_id"`
	Status        model.DeliveryStatus `json:"status"`
	Attempts      int                  `json:"attempts"`
	Deferrals     int                  `json:"deferrals"`
	LastError     string               `json:"last_error,omitempty"`
	NextAttemptAt time.Time            `json:"next_attempt_at"`
}

func viewDelivery(d model.Delivery) deliveryView {
	return deliveryView{ID: d.ID, UserID: d.Notification.UserID, Status: d.Status, Attempts: d.Attempts,
		Deferrals: d.Deferrals, LastError: d.LastError, NextAttemptAt: d.NextAttemptAt}
}
