package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"geonotify/internal/eventbus"
	"geonotify/internal/geo"
	"geonotify/internal/model"
	"geonotify/internal/storage"
	"geonotify/pkg/clock"
	logx "geonotify/pkg/logx"

	"github.com/google/uuid"
)

type Deps struct {
	Store Store
	Clock clock.Clock
	Bus   eventbus.Bus
	Log   logx.Logger
}

type Queue struct {
	mu      sync.RWMutex
	cfg     Config
	handler Handler

	store Store
	clk   clock.Clock
	bus   eventbus.Bus
	log   logx.Logger
}

func New(cfg Config, d Deps) *Queue {
	if d.Clock == nil {
		d.Clock = clock.System()
	}
	return &Queue{
		cfg:   cfg.withDefaults(),
		store: d.Store,
		clk:   d.Clock,
		bus:   d.Bus,
		log:   d.Log.With(logx.String("comp", "ingest")),
	}
}

func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg.withDefaults()
	q.mu.Unlock()
}

// SetHandler installs the reprocessing hook used by Sweep.
func (q *Queue) SetHandler(h Handler) {
	q.mu.Lock()
	q.handler = h
	q.mu.Unlock()
}

func (q *Queue) snapshot() (Config, Handler) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.cfg, q.handler
}

// Enqueue stores ev for a later attempt. It reports false without storing
// anything when ev replays a queued item or an already stored event.
func (q *Queue) Enqueue(ctx context.Context, ev model.GeofenceEvent, cause error) (model.QueueItem, bool, error) {
	if strings.TrimSpace(ev.UserID) == "" || strings.TrimSpace(ev.TaskID) == "" || !ev.Kind.Valid() {
		return model.QueueItem{}, false, model.NewValidationError("event", ev.ID, "user, task and kind required")
	}
	cfg, _ := q.snapshot()
	replay, err := q.isReplay(ctx, ev, cfg)
	if err != nil {
		return model.QueueItem{}, false, model.Transient(err)
	}
	if replay {
		q.log.Debug("replayed event not queued", logx.String("event", ev.ID), logx.String("user", ev.UserID))
		return model.QueueItem{}, false, nil
	}

	now := q.clk.Now()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = now
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = ev.ReceivedAt
	}
	ev.Status = model.EventPending
	it := model.QueueItem{
		ID:            uuid.NewString(),
		Event:         ev,
		Status:        model.QueueQueued,
		NextAttemptAt: now.Add(cfg.delay(0)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if cause != nil {
		it.Cause = cause.Error()
	}
	if err := q.store.InsertQueueItem(ctx, it); err != nil {
		return model.QueueItem{}, false, model.Transient(err)
	}
	eventbus.Emit(q.bus, eventbus.IngestQueued, ev.UserID, eventbus.Outcome{ID: ev.ID, Reason: it.Cause})
	q.log.Warn("event queued for retry", logx.String("event", ev.ID), logx.String("user", ev.UserID), logx.String("cause", it.Cause))
	return it, true, nil
}

// isReplay checks for an event of the same user, task and kind within the
// replay distance and window, either still queued or already stored.
func (q *Queue) isReplay(ctx context.Context, ev model.GeofenceEvent, cfg Config) (bool, error) {
	at := ev.OccurredAt
	if at.IsZero() {
		at = q.clk.Now()
	}
	from, to := at.Add(-cfg.ReplayWindow), at.Add(cfg.ReplayWindow)

	queued, err := q.store.SimilarQueueItems(ctx, ev.UserID, ev.TaskID, ev.Kind, from, to)
	if err != nil {
		return false, err
	}
	for _, it := range queued {
		if geo.Within(ev.Lat, ev.Lng, it.Event.Lat, it.Event.Lng, cfg.ReplayDistanceM) {
			return true, nil
		}
	}
	stored, err := q.store.SimilarEvents(ctx, ev.UserID, ev.TaskID, ev.Kind, from, to)
	if err != nil {
		return false, err
	}
	for _, o := range stored {
		if o.ID == ev.ID {
			// The event itself was settled; only a downstream step failed.
			continue
		}
		if geo.Within(ev.Lat, ev.Lng, o.Lat, o.Lng, cfg.ReplayDistanceM) {
			return true, nil
		}
	}
	return false, nil
}

// Sweep retries every due item once. Settled items are never claimed again,
// so running it twice is harmless.
func (q *Queue) Sweep(ctx context.Context) (SweepReport, error) {
	cfg, handler := q.snapshot()
	var rep SweepReport
	if handler == nil {
		return rep, errors.New("ingest: no handler installed")
	}
	due, err := q.store.DueQueueItems(ctx, q.clk.Now(), cfg.ClaimBatch)
	if err != nil {
		return rep, model.Transient(err)
	}
	for _, it := range due {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Claimed++
		herr := handler(ctx, it.Event)
		now := q.clk.Now()
		it.Attempts++
		it.UpdatedAt = now
		switch {
		case herr == nil:
			it.Status = model.QueueDone
			it.LastError = ""
			rep.Done++
		case model.IsValidation(herr):
			it.Status = model.QueueFailed
			it.LastError = herr.Error()
			rep.Failed++
		case it.Attempts >= cfg.MaxAttempts:
			it.Status = model.QueueFailed
			it.LastError = herr.Error()
			rep.Failed++
		default:
			it.LastError = herr.Error()
			it.NextAttemptAt = now.Add(cfg.delay(it.Attempts))
			rep.Retried++
		}
		if err := q.store.UpdateQueueItem(ctx, it); err != nil {
			if errors.Is(err, storage.ErrStale) {
				continue
			}
			q.log.Warn("update queue item failed", logx.String("item", it.ID), logx.Err(err))
			continue
		}
		switch it.Status {
		case model.QueueFailed:
			eventbus.Emit(q.bus, eventbus.IngestExhausted, it.Event.UserID, eventbus.Outcome{ID: it.Event.ID, Reason: it.LastError})
			q.log.Error("queued event failed", logx.String("item", it.ID), logx.String("event", it.Event.ID),
				logx.Int("attempts", it.Attempts), logx.String("err", it.LastError))
		case model.QueueQueued:
			q.log.Warn("queued event retry scheduled", logx.String("item", it.ID), logx.Int("attempts", it.Attempts),
				logx.Time("next", it.NextAttemptAt), logx.String("err", it.LastError))
		}
	}
	return rep, nil
}

// Failed lists terminal failures, newest first.
func (q *Queue) Failed(ctx context.Context, limit int) ([]model.QueueItem, error) {
	return q.store.QueueItemsByStatus(ctx, model.QueueFailed, limit)
}
