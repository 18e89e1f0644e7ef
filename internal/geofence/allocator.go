package geofence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"geonotify/internal/eventbus"
	"geonotify/internal/model"
	"geonotify/internal/poi"
	"geonotify/internal/runtime/keylock"
	"geonotify/pkg/clock"
	logx "geonotify/pkg/logx"

	"github.com/google/uuid"
)

type Deps struct {
	Store  Store
	Finder poi.Finder
	Engine Submitter
	Locks  *keylock.Map
	Clock  clock.Clock
	Bus    eventbus.Bus
	Log    logx.Logger
}

type Allocator struct {
	store  Store
	finder poi.Finder
	eng    Submitter
	locks  *keylock.Map
	clk    clock.Clock
	bus    eventbus.Bus
	log    logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, d Deps) *Allocator {
	if d.Finder == nil {
		d.Finder = poi.Disabled{}
	}
	if d.Locks == nil {
		d.Locks = keylock.New()
	}
	if d.Clock == nil {
		d.Clock = clock.System()
	}
	return &Allocator{
		store:  d.Store,
		finder: d.Finder,
		eng:    d.Engine,
		locks:  d.Locks,
		clk:    d.Clock,
		bus:    d.Bus,
		log:    d.Log.With(logx.String("comp", "geofence")),
		cfg:    cfg.withDefaults(),
	}
}

// Apply swaps tunables; existing allocations are left alone until the next
// mutation for a user.
func (a *Allocator) Apply(cfg Config) {
	a.mu.Lock()
	a.cfg = cfg.withDefaults()
	a.mu.Unlock()
}

func (a *Allocator) config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// ComputeGeofences returns the specs for task, loading its place if needed.
func (a *Allocator) ComputeGeofences(ctx context.Context, task model.Task) ([]model.GeofenceSpec, error) {
	var place *model.Place
	if task.LocationType == model.LocationPlace && task.PlaceID != "" {
		p, err := a.store.GetPlace(ctx, task.PlaceID)
		switch {
		case err == nil:
			place = &p
		case !errors.Is(err, model.ErrNotFound):
			return nil, model.Transient(err)
		}
	}
	return Compute(task, place, a.config().ArrivalRadiusM)
}

// Allocate computes and inserts the task's geofences, evicting lower
// priority ones when the user would exceed the ceiling.
func (a *Allocator) Allocate(ctx context.Context, task model.Task) ([]model.Geofence, error) {
	specs, err := a.ComputeGeofences(ctx, task)
	if err != nil {
		return nil, err
	}
	unlock := a.locks.Lock(task.UserID)
	defer unlock()
	return a.insertLocked(ctx, task, specs, nil)
}

// Optimize returns the geofences that must be deactivated to make room for
// incoming new ones. It does not write.
func (a *Allocator) Optimize(ctx context.Context, userID string, incoming int) ([]model.Geofence, error) {
	return a.optimize(ctx, userID, incoming, nil)
}

// optimize plans as if the geofences in replaced were already gone.
func (a *Allocator) optimize(ctx context.Context, userID string, incoming int, replaced []model.Geofence) ([]model.Geofence, error) {
	cfg := a.config()
	all, err := a.store.EvictionCandidates(ctx, userID)
	if err != nil {
		return nil, model.Transient(err)
	}
	skip := make(map[string]bool, len(replaced))
	for _, g := range replaced {
		skip[g.ID] = true
	}
	cands := all[:0]
	for _, c := range all {
		if !skip[c.ID] {
			cands = append(cands, c)
		}
	}
	_, evict, err := Plan(cands, incoming, cfg.Ceiling, cfg.AgePenalty, a.clk.Now())
	if err != nil {
		var ce *model.CapacityError
		if errors.As(err, &ce) {
			ce.UserID = userID
		}
		return nil, err
	}
	out := make([]model.Geofence, len(evict))
	for i, c := range evict {
		out[i] = c.Geofence
	}
	return out, nil
}

// insertLocked allocates specs for the task. The geofences in replaced are
// deleted in the same write.
func (a *Allocator) insertLocked(ctx context.Context, task model.Task, specs []model.GeofenceSpec, replaced []model.Geofence) ([]model.Geofence, error) {
	now := a.clk.Now()
	active := task.Status == model.TaskActive

	slots := 0
	for _, s := range specs {
		if !s.IsTemplate {
			slots++
		}
	}
	var evicted []model.Geofence
	if active && slots > 0 {
		var err error
		if evicted, err = a.optimize(ctx, task.UserID, slots, replaced); err != nil {
			return nil, err
		}
	}

	out := make([]model.Geofence, 0, len(specs))
	for _, s := range specs {
		out = append(out, model.Geofence{
			ID:         uuid.NewString(),
			TaskID:     task.ID,
			UserID:     task.UserID,
			Type:       s.Type,
			Lat:        s.Lat,
			Lng:        s.Lng,
			Radius:     s.Radius,
			Active:     active,
			IsTemplate: s.IsTemplate,
			POIRef:     s.POIRef,
			CreatedAt:  now,
		})
	}
	if err := a.store.ReplaceAllocation(ctx, ids(replaced), ids(evicted), out); err != nil {
		return nil, model.Transient(fmt.Errorf("apply allocation for task %s: %w", task.ID, err))
	}
	a.noteEvicted(task.UserID, task.ID, evicted)
	eventbus.Emit(a.bus, eventbus.GeofenceAllocated, task.UserID, eventbus.Count{N: slots})
	a.log.Debug("geofences allocated",
		logx.String("user", task.UserID), logx.String("task", task.ID),
		logx.Int("created", len(out)), logx.Int("evicted", len(evicted)))
	return out, nil
}

func (a *Allocator) noteEvicted(userID, taskID string, evicted []model.Geofence) {
	if len(evicted) == 0 {
		return
	}
	eventbus.Emit(a.bus, eventbus.GeofenceEvicted, userID, eventbus.Count{N: len(evicted)})
	a.log.Info("geofences evicted",
		logx.String("user", userID), logx.String("for_task", taskID), logx.Int("count", len(evicted)))
}

// CreateForTask allocates geofences for a new task. A task that already owns
// geofences gets them back unchanged, so client retries are harmless.
func (a *Allocator) CreateForTask(ctx context.Context, task model.Task) ([]model.Geofence, error) {
	specs, err := a.ComputeGeofences(ctx, task)
	if err != nil {
		return nil, err
	}
	unlock := a.locks.Lock(task.UserID)
	defer unlock()

	existing, err := a.store.GeofencesByTask(ctx, task.ID)
	if err != nil {
		return nil, model.Transient(err)
	}
	if len(existing) > 0 {
		return existing, nil
	}
	return a.insertLocked(ctx, task, specs, nil)
}

// UpdateForTask replaces the task's geofences after a location or radius edit.
func (a *Allocator) UpdateForTask(ctx context.Context, task model.Task) ([]model.Geofence, error) {
	specs, err := a.ComputeGeofences(ctx, task)
	if err != nil {
		return nil, err
	}
	unlock := a.locks.Lock(task.UserID)
	defer unlock()

	old, err := a.store.GeofencesByTask(ctx, task.ID)
	if err != nil {
		return nil, model.Transient(err)
	}
	return a.insertLocked(ctx, task, specs, old)
}

// MuteForTask marks the task muted and deactivates its geofences.
func (a *Allocator) MuteForTask(ctx context.Context, taskID string) (int, error) {
	task, err := a.loadTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	unlock := a.locks.Lock(task.UserID)
	defer unlock()

	gs, err := a.store.GeofencesByTask(ctx, taskID)
	if err != nil {
		return 0, model.Transient(err)
	}
	var off []string
	for _, g := range gs {
		if g.Active {
			off = append(off, g.ID)
		}
	}
	if err := a.store.SwapActive(ctx, off, nil); err != nil {
		return 0, model.Transient(err)
	}
	if err := a.store.SetTaskStatus(ctx, taskID, model.TaskMuted); err != nil {
		return 0, model.Transient(err)
	}
	a.log.Debug("task muted", logx.String("task", taskID), logx.Int("deactivated", len(off)))
	return len(off), nil
}

// UnmuteForTask reactivates the task's geofences, evicting others if needed.
func (a *Allocator) UnmuteForTask(ctx context.Context, taskID string) (int, error) {
	task, err := a.loadTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if task.Status == model.TaskCompleted {
		return 0, model.NewValidationError("task", taskID, "completed tasks cannot be unmuted")
	}
	unlock := a.locks.Lock(task.UserID)
	defer unlock()

	gs, err := a.store.GeofencesByTask(ctx, taskID)
	if err != nil {
		return 0, model.Transient(err)
	}
	var on []string
	slots := 0
	for _, g := range gs {
		if g.Active {
			continue
		}
		on = append(on, g.ID)
		if !g.IsTemplate {
			slots++
		}
	}
	evicted, err := a.Optimize(ctx, task.UserID, slots)
	if err != nil {
		return 0, err
	}
	if err := a.store.SwapActive(ctx, ids(evicted), on); err != nil {
		return 0, model.Transient(err)
	}
	if err := a.store.SetTaskStatus(ctx, taskID, model.TaskActive); err != nil {
		return 0, model.Transient(err)
	}
	a.noteEvicted(task.UserID, taskID, evicted)
	return len(on), nil
}

// DeleteForTask removes every geofence of the task, templates included.
func (a *Allocator) DeleteForTask(ctx context.Context, taskID string) (int64, error) {
	task, err := a.loadTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	unlock := a.locks.Lock(task.UserID)
	defer unlock()
	n, err := a.store.DeleteGeofences(ctx, taskID, false)
	if err != nil {
		return 0, model.Transient(err)
	}
	return n, nil
}

// Stats reports slot utilization for a user.
func (a *Allocator) Stats(ctx context.Context, userID string) (Stats, error) {
	n, err := a.store.CountActive(ctx, userID)
	if err != nil {
		return Stats{}, model.Transient(err)
	}
	ceiling := a.config().Ceiling
	return Stats{
		UserID:      userID,
		Active:      n,
		Ceiling:     ceiling,
		Utilization: float64(n) * 100 / float64(ceiling),
	}, nil
}

func (a *Allocator) loadTask(ctx context.Context, taskID string) (model.Task, error) {
	t, err := a.store.GetTask(ctx, taskID)
	if errors.Is(err, model.ErrNotFound) {
		return model.Task{}, model.NewValidationError("task", taskID, "not found")
	}
	if err != nil {
		return model.Task{}, model.Transient(err)
	}
	return t, nil
}

func ids(gs []model.Geofence) []string {
	out := make([]string, len(gs))
	for i, g := range gs {
		out[i] = g.ID
	}
	return out
}
