package geofence

import (
	"context"
	"fmt"
	"time"

	"geonotify/internal/model"
	"geonotify/internal/task/engine"
	logx "geonotify/pkg/logx"
)

// BindToPOIs replaces the task's bound instances with one geofence per POI
// per template. Templates stay in place for the next rebind.
func (a *Allocator) BindToPOIs(ctx context.Context, taskID string, pois []model.POI) ([]model.Geofence, error) {
	task, err := a.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.LocationType != model.LocationPOICategory {
		return nil, model.NewValidationError("task", taskID, "not a poi category task")
	}
	unlock := a.locks.Lock(task.UserID)
	defer unlock()
	return a.bindLocked(ctx, task, pois)
}

func (a *Allocator) bindLocked(ctx context.Context, task model.Task, pois []model.POI) ([]model.Geofence, error) {
	gs, err := a.store.GeofencesByTask(ctx, task.ID)
	if err != nil {
		return nil, model.Transient(err)
	}
	var templates, bound []model.Geofence
	for _, g := range gs {
		if g.IsTemplate {
			templates = append(templates, g)
		} else {
			bound = append(bound, g)
		}
	}
	if len(templates) == 0 {
		return nil, fmt.Errorf("task %s: %w", task.ID, ErrNoTemplates)
	}

	seen := make(map[string]bool, len(pois))
	uniq := make([]model.POI, 0, len(pois))
	for _, p := range pois {
		if p.Ref == "" || seen[p.Ref] {
			continue
		}
		seen[p.Ref] = true
		uniq = append(uniq, p)
	}

	specs := bindSpecs(templates, uniq)
	cfg := a.config()
	if len(specs) > cfg.Ceiling {
		return nil, &model.CapacityError{UserID: task.UserID, Requested: len(specs), Ceiling: cfg.Ceiling}
	}
	out, err := a.insertLocked(ctx, task, specs, bound)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// RefreshPOIs looks up POIs near (lat,lng) for a category task and binds
// them. A failed lookup never fails the caller: a retry job is queued on the
// task engine and the result is marked deferred.
func (a *Allocator) RefreshPOIs(ctx context.Context, taskID string, lat, lng float64) (BindResult, error) {
	task, err := a.loadTask(ctx, taskID)
	if err != nil {
		return BindResult{}, err
	}
	if task.LocationType != model.LocationPOICategory {
		return BindResult{}, model.NewValidationError("task", taskID, "not a poi category task")
	}

	gs, lookupErr := a.refreshOnce(ctx, task, lat, lng)
	if lookupErr == nil {
		return BindResult{Geofences: gs}, nil
	}
	if model.IsValidation(lookupErr) || model.IsCapacity(lookupErr) {
		return BindResult{}, lookupErr
	}

	a.log.Warn("poi binding deferred", logx.String("task", taskID), logx.Err(lookupErr))
	if a.eng == nil {
		return BindResult{Deferred: true}, nil
	}
	cfg := a.config()
	job := engine.Task{
		Name:    "poi.bind",
		Key:     "poi.bind:" + taskID,
		Timeout: 30 * time.Second,
		Opt: engine.TaskOptions{
			Overlap:  engine.OverlapSkipIfRunning,
			RetryMax: cfg.POIRetryMax,
		},
		Run: func(ctx context.Context) error {
			t, err := a.loadTask(ctx, taskID)
			if err != nil {
				return engine.NoRetry(err)
			}
			if _, err := a.refreshOnce(ctx, t, lat, lng); err != nil {
				if model.IsValidation(err) || model.IsCapacity(err) {
					return engine.NoRetry(err)
				}
				return engine.RetryAfter(err, cfg.POIRetryAfter)
			}
			return nil
		},
	}
	if err := a.eng.Enqueue(job); err != nil {
		a.log.Warn("poi binding retry not queued", logx.String("task", taskID), logx.Err(err))
	}
	return BindResult{Deferred: true}, nil
}

func (a *Allocator) refreshOnce(ctx context.Context, task model.Task, lat, lng float64) ([]model.Geofence, error) {
	cfg := a.config()
	pois, err := a.finder.Nearby(ctx, task.POICategory, lat, lng, cfg.POISearchRadiusM)
	if err != nil {
		return nil, fmt.Errorf("poi lookup %q: %w", task.POICategory, err)
	}
	if max := a.maxPOIs(cfg); len(pois) > max {
		pois = pois[:max]
	}
	unlock := a.locks.Lock(task.UserID)
	defer unlock()
	return a.bindLocked(ctx, task, pois)
}

// maxPOIs caps bound locations so the bound set alone fits the ceiling.
func (a *Allocator) maxPOIs(cfg Config) int {
	perPOI := 4
	max := cfg.Ceiling / perPOI
	if cfg.POIMaxResults < max {
		max = cfg.POIMaxResults
	}
	if max < 1 {
		max = 1
	}
	return max
}
