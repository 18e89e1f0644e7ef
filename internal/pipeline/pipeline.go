// Package pipeline is the ingestion facade: it validates client payloads,
// runs them through the event processor, composes notifications for
// notifying and bundled outcomes and hands them to the scheduler.
// Transient failures are parked in the ingest queue instead of being
// returned to the client.
package pipeline

import (
	"context"
	"errors"
	"sort"

	"geonotify/internal/compose"
	"geonotify/internal/event"
	"geonotify/internal/geo"
	"geonotify/internal/model"
	logx "geonotify/pkg/logx"
)

type Processor interface {
	Normalize(ev model.GeofenceEvent) (model.GeofenceEvent, error)
	Process(ctx context.Context, ev model.GeofenceEvent) (event.Result, error)
	ProcessBatch(ctx context.Context, evs []model.GeofenceEvent) []event.BatchItem
	LoadBundle(ctx context.Context, id string) (event.Bundle, error)
}

type Scheduler interface {
	Schedule(ctx context.Context, n model.Notification) (string, error)
}

type Queue interface {
	Enqueue(ctx context.Context, ev model.GeofenceEvent, cause error) (model.QueueItem, bool, error)
}

type Store interface {
	GetUser(ctx context.Context, id string) (model.User, error)
	EventByClientID(ctx context.Context, userID, clientID string) (model.GeofenceEvent, bool, error)
	GetTask(ctx context.Context, id string) (model.Task, error)
	GetPlace(ctx context.Context, id string) (model.Place, error)
	GetGeofence(ctx context.Context, id string) (model.Geofence, error)
}

type Deps struct {
	Processor Processor
	Scheduler Scheduler
	Queue     Queue
	Store     Store
	Log       logx.Logger
}

// Result is the client-facing outcome of one event.
type Result struct {
	EventID        string       `json:"event_id"`
	ClientID       string       `json:"client_id,omitempty"`
	Accepted       bool         `json:"accepted"`
	Notify         bool         `json:"notify"`
	Reason         model.Reason `json:"reason"`
	NotificationID string       `json:"notification_id,omitempty"`
	BundleSize     int          `json:"bundle_size,omitempty"`
	Replayed       bool         `json:"replayed,omitempty"`
	Error          string       `json:"error,omitempty"`
}

type Pipeline struct {
	proc  Processor
	sched Scheduler
	queue Queue
	store Store
	log   logx.Logger
}

func New(d Deps) *Pipeline {
	return &Pipeline{
		proc:  d.Processor,
		sched: d.Scheduler,
		queue: d.Queue,
		store: d.Store,
		log:   d.Log.With(logx.String("comp", "pipeline")),
	}
}

// IngestEvent processes one client event. Retrying with the same client id
// returns the original outcome. Only validation errors are returned;
// infrastructure failures come back as a queued outcome.
func (p *Pipeline) IngestEvent(ctx context.Context, in model.GeofenceEvent) (Result, error) {
	ev, err := p.prepare(ctx, in)
	if err != nil {
		return p.failed(ctx, ev, err)
	}
	res, err := p.proc.Process(ctx, ev)
	if err != nil {
		return p.failed(ctx, ev, err)
	}
	out := resultOf(res)
	if !wantsDelivery(res) {
		return out, nil
	}
	size, err := p.deliver(ctx, res.NotificationID)
	if err != nil {
		return p.failed(ctx, res.Event, err)
	}
	out.BundleSize = size
	return out, nil
}

// IngestBatch processes an offline batch oldest first. Each touched
// notification is composed and scheduled once, from its final bundle.
// Results are in input order; per-event validation errors are reported in
// the result, not as an error.
func (p *Pipeline) IngestBatch(ctx context.Context, ins []model.GeofenceEvent) ([]Result, error) {
	out := make([]Result, len(ins))
	evs := make([]model.GeofenceEvent, 0, len(ins))
	idx := make([]int, 0, len(ins))
	for i, in := range ins {
		ev, err := p.prepare(ctx, in)
		if err != nil {
			if !model.IsValidation(err) {
				out[i], _ = p.failed(ctx, ev, err)
				continue
			}
			out[i] = rejected(ev, err)
			continue
		}
		evs = append(evs, ev)
		idx = append(idx, i)
	}

	items := p.proc.ProcessBatch(ctx, evs)
	pending := map[string][]int{}
	var order []string
	for k, it := range items {
		i := idx[k]
		if it.Err != nil {
			if model.IsValidation(it.Err) {
				out[i] = rejected(it.Result.Event, it.Err)
			} else {
				out[i], _ = p.failed(ctx, evs[k], it.Err)
			}
			continue
		}
		out[i] = resultOf(it.Result)
		if wantsDelivery(it.Result) {
			id := it.Result.NotificationID
			if _, ok := pending[id]; !ok {
				order = append(order, id)
			}
			pending[id] = append(pending[id], k)
		}
	}
	sort.Strings(order)

	for _, id := range order {
		size, err := p.deliver(ctx, id)
		for _, k := range pending[id] {
			i := idx[k]
			if err != nil {
				out[i], _ = p.failed(ctx, items[k].Result.Event, err)
				continue
			}
			out[i].BundleSize = size
		}
	}
	return out, nil
}

// Reprocess is the ingest queue hook. Events that were already settled
// replay their outcome, so a failed compose or schedule step is retried
// without processing the event twice.
func (p *Pipeline) Reprocess(ctx context.Context, ev model.GeofenceEvent) error {
	res, err := p.proc.Process(ctx, ev)
	if err != nil {
		return err
	}
	if !wantsDelivery(res) {
		return nil
	}
	_, err = p.deliver(ctx, res.NotificationID)
	return err
}

// prepare normalizes the payload and maps a known client id onto the
// stored event id so the processor replays it.
func (p *Pipeline) prepare(ctx context.Context, in model.GeofenceEvent) (model.GeofenceEvent, error) {
	if in.ClientID != "" && in.UserID != "" {
		prior, ok, err := p.store.EventByClientID(ctx, in.UserID, in.ClientID)
		if err != nil {
			return in, model.Transient(err)
		}
		if ok {
			in.ID = prior.ID
		}
	}
	return p.proc.Normalize(in)
}

// deliver composes the notification for a bundle (a single event is a
// bundle of one) and schedules it. It returns the bundle size.
func (p *Pipeline) deliver(ctx context.Context, notificationID string) (int, error) {
	b, err := p.proc.LoadBundle(ctx, notificationID)
	if err != nil {
		return 0, err
	}
	n, err := p.compose(ctx, b)
	if err != nil {
		return 0, err
	}
	if _, err := p.sched.Schedule(ctx, n); err != nil {
		return 0, err
	}
	return b.Size(), nil
}

func (p *Pipeline) compose(ctx context.Context, b event.Bundle) (model.Notification, error) {
	primary := b.Primary
	task, err := p.store.GetTask(ctx, primary.TaskID)
	if err != nil {
		return model.Notification{}, lookupErr(err)
	}
	in := compose.Input{
		Tier:        b.Tier,
		Style:       p.styleFor(ctx, primary.UserID),
		TaskTitle:   task.Title,
		Description: task.Description,
		DistanceM:   -1,
		BundleSize:  b.Size(),
		Tasks:       len(b.TaskIDs),
	}
	switch task.LocationType {
	case model.LocationPlace:
		if pl, err := p.store.GetPlace(ctx, task.PlaceID); err == nil {
			in.PlaceName = pl.Name
		}
	case model.LocationPOICategory:
		in.PlaceName = task.POICategory
	}
	if b.Tier == model.TierApproach {
		if gf, err := p.store.GetGeofence(ctx, primary.GeofenceID); err == nil {
			in.DistanceM = geo.Distance(primary.Lat, primary.Lng, gf.Lat, gf.Lng)
		}
	}
	if b.Size() > 1 {
		for _, id := range b.TaskIDs {
			t, err := p.store.GetTask(ctx, id)
			if err != nil {
				return model.Notification{}, lookupErr(err)
			}
			in.TaskTitles = append(in.TaskTitles, t.Title)
		}
	}

	n := compose.Compose(in)
	n.ID = b.ID
	n.UserID = primary.UserID
	n.TaskID = primary.TaskID
	n.GeofenceID = primary.GeofenceID
	n.TaskIDs = append([]string(nil), b.TaskIDs...)
	for _, m := range b.Members {
		n.EventIDs = append(n.EventIDs, m.ID)
	}
	n.CenterLat, n.CenterLng = b.CenterLat, b.CenterLng
	return n, nil
}

func (p *Pipeline) styleFor(ctx context.Context, userID string) model.Style {
	u, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return model.StyleStandard
	}
	return u.Style
}

// failed parks ev in the ingest queue after an infrastructure failure.
func (p *Pipeline) failed(ctx context.Context, ev model.GeofenceEvent, cause error) (Result, error) {
	if model.IsValidation(cause) {
		return rejected(ev, cause), cause
	}
	out := Result{EventID: ev.ID, ClientID: ev.ClientID, Accepted: true, Reason: model.ReasonQueued}
	_, queued, err := p.queue.Enqueue(context.WithoutCancel(ctx), ev, cause)
	if err != nil {
		p.log.Error("event lost: enqueue failed", logx.String("event", ev.ID), logx.Err(cause), logx.String("enqueue_err", err.Error()))
		out.Accepted = false
		out.Reason = model.ReasonFailed
		out.Error = cause.Error()
		return out, model.Transient(errors.Join(cause, err))
	}
	if !queued {
		out.Reason = model.ReasonDuplicate
	}
	return out, nil
}

func rejected(ev model.GeofenceEvent, err error) Result {
	return Result{EventID: ev.ID, ClientID: ev.ClientID, Reason: model.ReasonValidation, Error: err.Error()}
}

func resultOf(res event.Result) Result {
	return Result{
		EventID:        res.Event.ID,
		ClientID:       res.Event.ClientID,
		Accepted:       res.Accepted,
		Notify:         res.Notify,
		Reason:         res.Reason,
		NotificationID: res.NotificationID,
		Replayed:       res.Replayed,
	}
}

// wantsDelivery is false for members joining an already delivered bundle:
// they are recorded against it without a second push.
func wantsDelivery(res event.Result) bool {
	if res.NotificationID == "" {
		return false
	}
	return res.Notify || (res.Reason == model.ReasonBundled && res.BundleOpen)
}

func lookupErr(err error) error {
	if errors.Is(err, model.ErrNotFound) {
		return err
	}
	return model.Transient(err)
}
