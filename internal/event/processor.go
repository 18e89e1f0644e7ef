package event

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"geonotify/internal/eventbus"
	"geonotify/internal/geo"
	"geonotify/internal/model"
	"geonotify/internal/runtime/keylock"
	"geonotify/pkg/clock"
	logx "geonotify/pkg/logx"

	"github.com/google/uuid"
)

type Deps struct {
	Store    Store
	Locks    *keylock.Map
	Joinable Joinable
	Clock    clock.Clock
	Bus      eventbus.Bus
	Log      logx.Logger
}

type Processor struct {
	store    Store
	locks    *keylock.Map
	joinable Joinable
	clk      clock.Clock
	bus      eventbus.Bus
	log      logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, d Deps) *Processor {
	if d.Locks == nil {
		d.Locks = keylock.New()
	}
	if d.Clock == nil {
		d.Clock = clock.System()
	}
	return &Processor{
		store:    d.Store,
		locks:    d.Locks,
		joinable: d.Joinable,
		clk:      d.Clock,
		bus:      d.Bus,
		log:      d.Log.With(logx.String("comp", "event")),
		cfg:      cfg.withDefaults(),
	}
}

func (p *Processor) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

func (p *Processor) config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// SetJoinable wires the bundle gate after construction; the scheduler that
// provides it is built after the processor.
func (p *Processor) SetJoinable(j Joinable) {
	p.mu.Lock()
	p.joinable = j
	p.mu.Unlock()
}

// Normalize fills defaults and checks the payload shape.
func (p *Processor) Normalize(ev model.GeofenceEvent) (model.GeofenceEvent, error) {
	ev.UserID = strings.TrimSpace(ev.UserID)
	ev.TaskID = strings.TrimSpace(ev.TaskID)
	ev.GeofenceID = strings.TrimSpace(ev.GeofenceID)
	switch {
	case ev.UserID == "":
		return ev, model.NewValidationError("event", ev.ClientID, "user id required")
	case ev.TaskID == "":
		return ev, model.NewValidationError("event", ev.ClientID, "task id required")
	case ev.GeofenceID == "":
		return ev, model.NewValidationError("event", ev.ClientID, "geofence id required")
	case !ev.Kind.Valid():
		return ev, model.NewValidationError("event", ev.ClientID, "unknown event kind "+string(ev.Kind))
	case !geo.ValidCoordinate(ev.Lat, ev.Lng):
		return ev, model.NewValidationError("event", ev.ClientID, "invalid coordinate")
	case ev.Confidence < 0 || ev.Confidence > 1:
		return ev, model.NewValidationError("event", ev.ClientID, "confidence must be within [0,1]")
	}
	now := p.clk.Now()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = now
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = ev.ReceivedAt
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	ev.ReceivedAt = ev.ReceivedAt.UTC()
	ev.Status = model.EventPending
	return ev, nil
}

// Process runs one event through the pipeline.
func (p *Processor) Process(ctx context.Context, in model.GeofenceEvent) (Result, error) {
	ev, err := p.Normalize(in)
	if err != nil {
		p.reject(ev, err)
		return Result{Event: ev, Reason: model.ReasonValidation}, err
	}

	// Held across resolve: allocator writes on a shared map cannot flip the
	// geofence between the active check and the settle.
	unlock := p.locks.Lock(ev.UserID)
	defer unlock()

	if prior, err := p.store.GetEvent(ctx, ev.ID); err == nil && prior.Status != model.EventPending {
		return p.replayed(ctx, prior)
	} else if err != nil && !errors.Is(err, model.ErrNotFound) {
		return Result{Event: ev}, model.Transient(err)
	}

	user, task, gf, err := p.resolve(ctx, ev)
	if err != nil {
		if model.IsValidation(err) {
			p.reject(ev, err)
			return Result{Event: ev, Reason: model.ReasonValidation}, err
		}
		return Result{Event: ev}, err
	}
	ev.Tier = gf.Type.Tier()

	res := Result{Event: ev, Accepted: true, User: user, Task: task, Geofence: gf}
	cfg := p.config()

	dup, err := p.isDuplicate(ctx, ev, cfg)
	if err != nil {
		return res, err
	}
	if dup {
		return p.settle(ctx, res, model.EventDuplicate, model.ReasonDuplicate, time.Time{})
	}

	until, cooling, err := p.store.GetCooldown(ctx, gf.ID)
	if err != nil {
		return res, model.Transient(err)
	}
	if cooling && ev.OccurredAt.Before(until) {
		res.Event.CooldownUntil = until
		return p.settle(ctx, res, model.EventCooldown, model.ReasonCooldown, time.Time{})
	}

	if !Plausible(ev, gf, cfg.ExitFactor) {
		return p.settle(ctx, res, model.EventProcessed, model.ReasonNoise, time.Time{})
	}

	cooldown := ev.OccurredAt.Add(gf.Type.Cooldown())
	res.Event.CooldownUntil = cooldown

	bundleID, open, err := p.findBundle(ctx, ev, cfg)
	if err != nil {
		return res, err
	}
	if bundleID != "" {
		res.Event.BundleID = bundleID
		res.NotificationID = bundleID
		res.BundleOpen = open
		return p.settle(ctx, res, model.EventProcessed, model.ReasonBundled, cooldown)
	}

	res.NotificationID = uuid.NewString()
	res.Event.BundleID = res.NotificationID
	res.Event.Notified = true
	res.Notify = true
	return p.settle(ctx, res, model.EventProcessed, model.ReasonNotified, cooldown)
}

// ProcessBatch processes events oldest first so dedup and cooldown do not
// depend on network arrival order. Results come back in input order.
func (p *Processor) ProcessBatch(ctx context.Context, evs []model.GeofenceEvent) []BatchItem {
	order := make([]int, len(evs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return occurred(evs[order[a]]).Before(occurred(evs[order[b]]))
	})

	out := make([]BatchItem, len(evs))
	for _, i := range order {
		if err := ctx.Err(); err != nil {
			out[i] = BatchItem{Result: Result{Event: evs[i]}, Err: model.Transient(err)}
			continue
		}
		res, err := p.Process(ctx, evs[i])
		out[i] = BatchItem{Result: res, Err: err}
	}
	return out
}

func occurred(ev model.GeofenceEvent) time.Time {
	if ev.OccurredAt.IsZero() {
		return ev.ReceivedAt
	}
	return ev.OccurredAt
}

// Plausible recomputes containment from the reported coordinate: enter and
// dwell must be inside the radius, exit must be beyond exitFactor of it.
func Plausible(ev model.GeofenceEvent, gf model.Geofence, exitFactor float64) bool {
	d := geo.Distance(ev.Lat, ev.Lng, gf.Lat, gf.Lng)
	if ev.Kind == model.EventExit {
		return d > exitFactor*gf.Radius
	}
	return d <= gf.Radius
}

func (p *Processor) resolve(ctx context.Context, ev model.GeofenceEvent) (model.User, model.Task, model.Geofence, error) {
	user, err := p.store.GetUser(ctx, ev.UserID)
	if err != nil {
		return model.User{}, model.Task{}, model.Geofence{}, refErr(err, "user", ev.UserID)
	}
	task, err := p.store.GetTask(ctx, ev.TaskID)
	if err != nil {
		return user, model.Task{}, model.Geofence{}, refErr(err, "task", ev.TaskID)
	}
	if task.UserID != ev.UserID {
		return user, task, model.Geofence{}, model.NewValidationError("task", task.ID, "belongs to another user")
	}
	if task.Status != model.TaskActive {
		return user, task, model.Geofence{}, model.NewValidationError("task", task.ID, "task is "+string(task.Status))
	}
	gf, err := p.store.GetGeofence(ctx, ev.GeofenceID)
	if err != nil {
		return user, task, model.Geofence{}, refErr(err, "geofence", ev.GeofenceID)
	}
	switch {
	case gf.TaskID != task.ID:
		return user, task, gf, model.NewValidationError("geofence", gf.ID, "belongs to another task")
	case !gf.Active:
		return user, task, gf, model.NewValidationError("geofence", gf.ID, "geofence is inactive")
	case gf.IsTemplate || gf.Sentinel():
		return user, task, gf, model.NewValidationError("geofence", gf.ID, "template geofence is not bound")
	}
	return user, task, gf, nil
}

func refErr(err error, entity, id string) error {
	if errors.Is(err, model.ErrNotFound) {
		return model.NewValidationError(entity, id, "not found")
	}
	return model.Transient(err)
}

func (p *Processor) isDuplicate(ctx context.Context, ev model.GeofenceEvent, cfg Config) (bool, error) {
	prior, err := p.store.SimilarEvents(ctx, ev.UserID, ev.TaskID, ev.Kind,
		ev.OccurredAt.Add(-cfg.DedupWindow), ev.OccurredAt.Add(cfg.DedupWindow))
	if err != nil {
		return false, model.Transient(err)
	}
	for _, o := range prior {
		if o.ID == ev.ID {
			continue
		}
		if geo.Within(ev.Lat, ev.Lng, o.Lat, o.Lng, cfg.DedupDistanceM) {
			return true, nil
		}
	}
	return false, nil
}

func (p *Processor) settle(ctx context.Context, res Result, status model.EventStatus, reason model.Reason, cooldown time.Time) (Result, error) {
	res.Event.Status = status
	res.Event.Reason = reason
	res.Reason = reason
	if err := p.store.SettleEvent(ctx, res.Event, cooldown); err != nil {
		return Result{Event: res.Event}, model.Transient(err)
	}

	out := eventbus.Outcome{ID: res.Event.ID, Reason: string(reason), Tier: string(res.Event.Tier)}
	if reason.Deferral() {
		eventbus.Emit(p.bus, eventbus.EventDeferred, res.Event.UserID, out)
		p.log.Debug("event deferred",
			logx.String("event", res.Event.ID), logx.String("user", res.Event.UserID), logx.String("reason", string(reason)))
	} else {
		eventbus.Emit(p.bus, eventbus.EventProcessed, res.Event.UserID, out)
	}
	return res, nil
}

func (p *Processor) replayed(ctx context.Context, prior model.GeofenceEvent) (Result, error) {
	res := Result{
		Event:    prior,
		Accepted: prior.Status != model.EventFailed,
		Notify:   prior.Notified,
		Reason:   prior.Reason,
		Replayed: true,
	}
	if prior.Notified || prior.Reason == model.ReasonBundled {
		res.NotificationID = prior.BundleID
	}
	if prior.Reason == model.ReasonBundled && prior.BundleID != "" {
		res.BundleOpen = p.bundleOpen(ctx, prior.BundleID)
	}
	user, task, gf, err := p.resolve(ctx, prior)
	if err != nil && !model.IsValidation(err) {
		return res, err
	}
	res.User, res.Task, res.Geofence = user, task, gf
	return res, nil
}

func (p *Processor) reject(ev model.GeofenceEvent, err error) {
	eventbus.Emit(p.bus, eventbus.EventFailed, ev.UserID,
		eventbus.Outcome{ID: ev.ID, Reason: string(model.ReasonValidation)})
	p.log.Debug("event rejected", logx.String("user", ev.UserID), logx.String("client_id", ev.ClientID), logx.Err(err))
}
