package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"geonotify/internal/model"
	"geonotify/internal/notifier"
	"geonotify/internal/push"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type handlers struct {
	d        Deps
	maxBatch int
}

func (h *handlers) health(c *gin.Context) {
	if err := h.d.Store.Ping(c.Request.Context()); err != nil {
		fail(c, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	success(c, gin.H{"status": "ok"})
}

func (h *handlers) ingestEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if !authorize(c, req.UserID) {
		return
	}
	res, err := h.d.Pipeline.IngestEvent(c.Request.Context(), req.event())
	if err != nil {
		failWith(c, err, res)
		return
	}
	success(c, res)
}

func (h *handlers) ingestBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if len(req.Events) == 0 {
		badRequest(c, "empty batch")
		return
	}
	if len(req.Events) > h.maxBatch {
		badRequest(c, fmt.Sprintf("batch of %d exceeds %d events", len(req.Events), h.maxBatch))
		return
	}
	evs := make([]model.GeofenceEvent, len(req.Events))
	for i, r := range req.Events {
		if !authorize(c, r.UserID) {
			return
		}
		evs[i] = r.event()
	}
	out, err := h.d.Pipeline.IngestBatch(c.Request.Context(), evs)
	if err != nil {
		failWith(c, err, out)
		return
	}
	success(c, gin.H{"results": out})
}

func (h *handlers) putUser(c *gin.Context) {
	id := c.Param("id")
	if !authorize(c, id) {
		return
	}
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if _, err := time.LoadLocation(req.Timezone); req.Timezone != "" && err != nil {
		badRequest(c, fmt.Sprintf("unknown timezone %q", req.Timezone))
		return
	}
	switch req.Style {
	case "":
		req.Style = model.StyleStandard
	case model.StyleMinimal, model.StyleStandard, model.StyleDetailed:
	default:
		badRequest(c, fmt.Sprintf("unknown style %q", req.Style))
		return
	}
	q := model.QuietHours(req.QuietHours)
	if err := notifier.ValidQuietHours(q); err != nil {
		badRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	u := model.User{ID: id, Timezone: req.Timezone, Style: req.Style, QuietHours: q, FocusMode: req.FocusMode,
		CreatedAt: h.d.Clock.Now()}
	if prev, err := h.d.Store.GetUser(ctx, id); err == nil {
		u.CreatedAt = prev.CreatedAt
	}
	if err := h.d.Store.UpsertUser(ctx, u); err != nil {
		failWith(c, model.Transient(err), nil)
		return
	}
	h.d.Notifier.InvalidateUser(id)
	success(c, gin.H{"id": id})
}

func (h *handlers) registerToken(c *gin.Context) {
	userID := c.Param("id")
	if !authorize(c, userID) {
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if err := push.ValidToken(req.Platform, req.Token); err != nil {
		badRequest(c, err.Error())
		return
	}
	tok := model.DeviceToken{ID: uuid.NewString(), UserID: userID, Platform: req.Platform, Token: req.Token,
		Active: true, UpdatedAt: h.d.Clock.Now()}
	if err := h.d.Store.UpsertToken(c.Request.Context(), tok); err != nil {
		failWith(c, model.Transient(err), nil)
		return
	}
	success(c, gin.H{"registered": true})
}

func (h *handlers) stats(c *gin.Context) {
	userID := c.Param("id")
	if !authorize(c, userID) {
		return
	}
	window := 24 * time.Hour
	if w := c.Query("window"); w != "" {
		d, err := time.ParseDuration(w)
		if err != nil || d <= 0 {
			badRequest(c, fmt.Sprintf("invalid window %q", w))
			return
		}
		window = d
	}
	ctx := c.Request.Context()
	ns, err := h.d.Notifier.Stats(ctx, userID, window)
	if err != nil {
		failWith(c, err, nil)
		return
	}
	gs, err := h.d.Geofences.Stats(ctx, userID)
	if err != nil {
		failWith(c, err, nil)
		return
	}
	evs, err := h.d.Store.EventCounts(ctx, userID, h.d.Clock.Now().Add(-window))
	if err != nil {
		failWith(c, model.Transient(err), nil)
		return
	}
	success(c, gin.H{"notifications": ns, "geofences": gs, "events": evs})
}

// failures lists a user's terminally failed deliveries and ingest items.
func (h *handlers) failures(c *gin.Context) {
	userID := c.Param("id")
	if !authorize(c, userID) {
		return
	}
	limit := 200
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			badRequest(c, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}
	ctx := c.Request.Context()
	ds, err := h.d.Notifier.Failed(ctx, limit)
	if err != nil {
		failWith(c, err, nil)
		return
	}
	deliveries := []deliveryView{}
	for _, d := range ds {
		if d.Notification.UserID == userID {
			deliveries = append(deliveries, viewDelivery(d))
		}
	}
	events := []gin.H{}
	if h.d.Queue != nil {
		items, err := h.d.Queue.Failed(ctx, limit)
		if err != nil {
			failWith(c, model.Transient(err), nil)
			return
		}
		for _, it := range items {
			if it.Event.UserID != userID {
				continue
			}
			events = append(events, gin.H{
				"id": it.ID, "event_id": it.Event.ID, "task_id": it.Event.TaskID,
				"attempts": it.Attempts, "last_error": it.LastError, "updated_at": it.UpdatedAt,
			})
		}
	}
	success(c, gin.H{"deliveries": deliveries, "events": events})
}

func (h *handlers) putPlace(c *gin.Context) {
	var req placeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if !authorize(c, req.UserID) {
		return
	}
	if req.Lat < -90 || req.Lat > 90 || req.Lng < -180 || req.Lng > 180 {
		badRequest(c, "coordinates out of range")
		return
	}
	switch req.Kind {
	case "":
		req.Kind = model.PlaceCustom
	case model.PlaceHome, model.PlaceWork, model.PlaceCustom:
	default:
		badRequest(c, fmt.Sprintf("unknown place kind %q", req.Kind))
		return
	}
	p := model.Place{ID: c.Param("id"), UserID: req.UserID, Name: req.Name, Kind: req.Kind, Lat: req.Lat, Lng: req.Lng}
	if err := h.d.Store.UpsertPlace(c.Request.Context(), p); err != nil {
		failWith(c, model.Transient(err), nil)
		return
	}
	success(c, gin.H{"id": p.ID})
}

// upsertGeofences saves the task and allocates its geofences. With update
// set the existing geofences are replaced.
func (h *handlers) upsertGeofences(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if !authorize(c, req.UserID) {
		return
	}
	ctx := c.Request.Context()
	now := h.d.Clock.Now()
	task := model.Task{
		ID: c.Param("id"), UserID: req.UserID, Title: req.Title, Description: req.Description,
		LocationType: req.LocationType, PlaceID: req.PlaceID, POICategory: req.POICategory,
		Status: model.TaskActive, PostArrival: req.PostArrival, CustomRadii: req.Radii,
		CreatedAt: now, UpdatedAt: now,
	}
	prev, err := h.d.Store.GetTask(ctx, task.ID)
	switch {
	case err == nil:
		if prev.UserID != task.UserID {
			failWith(c, model.NewValidationError("task", task.ID, "owned by another user"), nil)
			return
		}
		task.CreatedAt = prev.CreatedAt
		task.Status = prev.Status
	case !errors.Is(err, model.ErrNotFound):
		failWith(c, model.Transient(err), nil)
		return
	}
	if err := task.Validate(); err != nil {
		failWith(c, err, nil)
		return
	}
	if task.PlaceID != "" {
		p, err := h.d.Store.GetPlace(ctx, task.PlaceID)
		if errors.Is(err, model.ErrNotFound) || (err == nil && p.UserID != task.UserID) {
			failWith(c, model.NewValidationError("place", task.PlaceID, "not found"), nil)
			return
		}
		if err != nil {
			failWith(c, model.Transient(err), nil)
			return
		}
	}
	if err := h.d.Store.UpsertTask(ctx, task); err != nil {
		failWith(c, model.Transient(err), nil)
		return
	}

	allocate := h.d.Geofences.CreateForTask
	if req.Update {
		allocate = h.d.Geofences.UpdateForTask
	}
	gs, err := allocate(ctx, task)
	if err != nil {
		failWith(c, err, nil)
		return
	}
	success(c, gin.H{"task_id": task.ID, "geofences": geofenceViews(gs)})
}

// ownedTask loads the path task and checks the caller may act on it.
func (h *handlers) ownedTask(c *gin.Context) (model.Task, bool) {
	id := c.Param("id")
	t, err := h.d.Store.GetTask(c.Request.Context(), id)
	if errors.Is(err, model.ErrNotFound) {
		fail(c, http.StatusNotFound, fmt.Sprintf("task %s not found", id))
		return model.Task{}, false
	}
	if err != nil {
		failWith(c, model.Transient(err), nil)
		return model.Task{}, false
	}
	return t, authorize(c, t.UserID)
}

func (h *handlers) mute(c *gin.Context) {
	t, ok := h.ownedTask(c)
	if !ok {
		return
	}
	n, err := h.d.Geofences.MuteForTask(c.Request.Context(), t.ID)
	if err != nil {
		failWith(c, err, nil)
		return
	}
	success(c, gin.H{"task_id": t.ID, "deactivated": n})
}

func (h *handlers) unmute(c *gin.Context) {
	t, ok := h.ownedTask(c)
	if !ok {
		return
	}
	n, err := h.d.Geofences.UnmuteForTask(c.Request.Context(), t.ID)
	if err != nil {
		failWith(c, err, nil)
		return
	}
	success(c, gin.H{"task_id": t.ID, "activated": n})
}

func (h *handlers) refreshPOIs(c *gin.Context) {
	t, ok := h.ownedTask(c)
	if !ok {
		return
	}
	var req poiRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := h.d.Geofences.RefreshPOIs(c.Request.Context(), t.ID, req.Lat, req.Lng)
	if err != nil {
		failWith(c, err, nil)
		return
	}
	success(c, gin.H{"task_id": t.ID, "deferred": res.Deferred, "geofences": geofenceViews(res.Geofences)})
}

func (h *handlers) deleteGeofences(c *gin.Context) {
	t, ok := h.ownedTask(c)
	if !ok {
		return
	}
	n, err := h.d.Geofences.DeleteForTask(c.Request.Context(), t.ID)
	if err != nil {
		failWith(c, err, nil)
		return
	}
	success(c, gin.H{"task_id": t.ID, "deleted": n})
}

func (h *handlers) scheduleNotification(c *gin.Context) {
	var req notificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if !authorize(c, req.UserID) {
		return
	}
	id, err := h.d.Notifier.Schedule(c.Request.Context(), req.notification(h.d.Clock.Now()))
	if err != nil {
		failWith(c, err, nil)
		return
	}
	success(c, gin.H{"id": id})
}

// ownedDelivery loads the path notification and checks the caller may act on it.
func (h *handlers) ownedDelivery(c *gin.Context) (model.Delivery, bool) {
	id := c.Param("id")
	d, err := h.d.Notifier.Get(c.Request.Context(), id)
	if errors.Is(err, model.ErrNotFound) {
		fail(c, http.StatusNotFound, fmt.Sprintf("notification %s not found", id))
		return model.Delivery{}, false
	}
	if err != nil {
		failWith(c, model.Transient(err), nil)
		return model.Delivery{}, false
	}
	return d, authorize(c, d.Notification.UserID)
}

func (h *handlers) getNotification(c *gin.Context) {
	d, ok := h.ownedDelivery(c)
	if !ok {
		return
	}
	success(c, viewDelivery(d))
}

func (h *handlers) cancelNotification(c *gin.Context) {
	d, ok := h.ownedDelivery(c)
	if !ok {
		return
	}
	cancelled, err := h.d.Notifier.Cancel(c.Request.Context(), d.ID)
	if err != nil {
		failWith(c, err, nil)
		return
	}
	success(c, gin.H{"id": d.ID, "cancelled": cancelled})
}

// notificationAction applies a notification button press.
func (h *handlers) notificationAction(c *gin.Context) {
	d, ok := h.ownedDelivery(c)
	if !ok {
		return
	}
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	n := d.Notification

	switch req.Action {
	case model.ActionSnooze15m, model.ActionSnooze1h, model.ActionSnoozeToday:
		loc := time.UTC
		if u, err := h.d.Store.GetUser(ctx, n.UserID); err == nil {
			loc = u.Location()
		}
		until, _ := notifier.SnoozeUntil(req.Action, h.d.Clock.Now(), loc)
		// Task snoozes also hold back the task's later notifications.
		sn := model.Snooze{UserID: n.UserID, TaskID: n.TaskID, Until: until}
		if n.TaskID == "" {
			sn.NotificationID = n.ID
		}
		if err := h.d.Notifier.Snooze(ctx, sn); err != nil {
			failWith(c, err, nil)
			return
		}
		success(c, gin.H{"id": n.ID, "snoozed_until": until})
	case model.ActionComplete:
		for _, id := range taskIDs(n) {
			if err := h.d.Store.SetTaskStatus(ctx, id, model.TaskCompleted); err != nil {
				failWith(c, model.Transient(err), nil)
				return
			}
			if _, err := h.d.Geofences.DeleteForTask(ctx, id); err != nil {
				failWith(c, err, nil)
				return
			}
		}
		success(c, gin.H{"id": n.ID, "completed": taskIDs(n)})
	case model.ActionMute:
		for _, id := range taskIDs(n) {
			if _, err := h.d.Geofences.MuteForTask(ctx, id); err != nil {
				failWith(c, err, nil)
				return
			}
		}
		success(c, gin.H{"id": n.ID, "muted": taskIDs(n)})
	case model.ActionOpenMap:
		success(c, gin.H{"id": n.ID, "lat": n.CenterLat, "lng": n.CenterLng})
	default:
		badRequest(c, fmt.Sprintf("unknown action %q", req.Action))
	}
}

func taskIDs(n model.Notification) []string {
	if len(n.TaskIDs) > 0 {
		return n.TaskIDs
	}
	if n.TaskID != "" {
		return []string{n.TaskID}
	}
	return nil
}
