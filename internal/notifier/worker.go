package notifier

import (
	"context"
	"errors"
	"time"

	"geonotify/internal/eventbus"
	"geonotify/internal/model"
	"geonotify/internal/storage"
	logx "geonotify/pkg/logx"
)

// dispatch hands id to the pool without blocking. With no pool running the
// attempt runs inline; while stopping the row is left for the next sweep.
func (s *Service) dispatch(ctx context.Context, id string) {
	s.mu.Lock()
	q, stopping := s.queue, s.stopDone != nil
	if q == nil {
		s.mu.Unlock()
		if !stopping {
			s.process(ctx, id)
		}
		return
	}
	s.fmu.Lock()
	_, queued := s.queued[id]
	_, busy := s.inflight[id]
	if queued || busy {
		s.fmu.Unlock()
		s.mu.Unlock()
		return
	}
	s.queued[id] = struct{}{}
	s.fmu.Unlock()
	select {
	case q <- id:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		s.fmu.Lock()
		delete(s.queued, id)
		s.fmu.Unlock()
		s.log.Debug("notifier queue full, left for sweep", logx.String("id", id))
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-q:
			if !ok {
				return
			}
			s.fmu.Lock()
			delete(s.queued, id)
			s.fmu.Unlock()
			s.process(ctx, id)
		}
	}
}

// process runs one delivery attempt for id if it is still pending and due.
func (s *Service) process(ctx context.Context, id string) {
	cfg := s.config()
	d, ok := s.claim(ctx, id, cfg)
	if !ok {
		return
	}
	defer func() {
		s.fmu.Lock()
		delete(s.inflight, id)
		s.fmu.Unlock()
	}()

	// A claimed attempt always runs to completion and is recorded.
	base := context.WithoutCancel(ctx)
	actx, cancel := context.WithTimeout(base, cfg.AttemptTimeout)
	err := s.gateway.Deliver(actx, d.Notification)
	cancel()
	s.record(base, d, err, cfg)
}

// claim re-reads the row under the id lock, applies delivery policy and,
// when an attempt should happen, marks id in flight.
func (s *Service) claim(ctx context.Context, id string, cfg Config) (model.Delivery, bool) {
	unlock := s.ids.Lock(id)
	defer unlock()

	d, err := s.store.GetDelivery(ctx, id)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			s.log.Warn("load delivery failed", logx.String("id", id), logx.Err(err))
		}
		return model.Delivery{}, false
	}
	now := s.clk.Now()
	if d.Status != model.DeliveryPending || d.NextAttemptAt.After(now) {
		return model.Delivery{}, false
	}

	act, err := s.policy(ctx, d, now, cfg)
	if err != nil {
		s.log.Warn("delivery policy check failed", logx.String("id", id), logx.Err(err))
		return model.Delivery{}, false
	}
	switch {
	case act.cancel:
		ok, err := s.store.CancelDelivery(ctx, id, act.reason, now)
		if err != nil {
			s.log.Warn("cancel delivery failed", logx.String("id", id), logx.Err(err))
		}
		if ok {
			eventbus.Emit(s.bus, eventbus.NotificationCancelled, d.Notification.UserID, eventbus.Outcome{ID: id, Reason: act.reason, Tier: string(d.Notification.Tier)})
			s.remember(HistoryItem{ID: id, UserID: d.Notification.UserID, Outcome: "cancelled", Error: act.reason})
		}
		return model.Delivery{}, false
	case !act.until.IsZero():
		d.NextAttemptAt = act.until
		d.Deferrals++
		d.UpdatedAt = now
		if err := s.store.UpdatePendingDelivery(ctx, d); err != nil {
			if !errors.Is(err, storage.ErrStale) {
				s.log.Warn("defer delivery failed", logx.String("id", id), logx.Err(err))
			}
			return model.Delivery{}, false
		}
		eventbus.Emit(s.bus, eventbus.NotificationDeferred, d.Notification.UserID, eventbus.Outcome{ID: id, Reason: act.reason, Tier: string(d.Notification.Tier)})
		s.log.Debug("notification deferred", logx.String("id", id), logx.String("reason", act.reason), logx.Time("until", act.until))
		return model.Delivery{}, false
	}

	s.fmu.Lock()
	s.inflight[id] = struct{}{}
	s.fmu.Unlock()
	return d, true
}

type action struct {
	cancel bool
	reason string
	until  time.Time
}

// policy decides whether a due delivery is cancelled, deferred or attempted.
// Deferrals never consume attempts.
func (s *Service) policy(ctx context.Context, d model.Delivery, now time.Time, cfg Config) (action, error) {
	n := d.Notification
	taskIDs := n.TaskIDs
	if len(taskIDs) == 0 && n.TaskID != "" {
		taskIDs = []string{n.TaskID}
	}
	if len(taskIDs) > 0 {
		reason := ""
		live := false
		for _, tid := range taskIDs {
			t, err := s.store.GetTask(ctx, tid)
			switch {
			case errors.Is(err, model.ErrNotFound):
				if reason == "" {
					reason = "deleted"
				}
				continue
			case err != nil:
				return action{}, err
			}
			switch t.Status {
			case model.TaskMuted:
				if reason == "" {
					reason = "muted"
				}
			case model.TaskCompleted:
				if reason == "" {
					reason = "completed"
				}
			default:
				live = true
			}
		}
		if !live {
			return action{cancel: true, reason: reason}, nil
		}
	}

	// A bundle waits for the latest snooze on any of its tasks.
	var snoozed time.Time
	for _, tid := range snoozeKeys(taskIDs) {
		until, ok, err := s.store.SnoozedUntil(ctx, n.UserID, tid, n.ID, now)
		if err != nil {
			return action{}, err
		}
		if ok && until.After(snoozed) {
			snoozed = until
		}
	}
	if !snoozed.IsZero() {
		return action{reason: "snoozed", until: snoozed}, nil
	}

	user, err := s.prefs.get(ctx, n.UserID)
	if errors.Is(err, model.ErrNotFound) {
		return action{cancel: true, reason: "user_deleted"}, nil
	}
	if err != nil {
		return action{}, err
	}
	if until, quiet := QuietUntil(user.QuietHours, user.Location(), now, cfg.QuietTolerance); quiet {
		return action{reason: "quiet_hours", until: until}, nil
	}
	if user.FocusMode {
		return action{reason: "focus_mode", until: now.Add(cfg.FocusRetry)}, nil
	}
	return action{}, nil
}

// snoozeKeys always yields at least one key so notification scoped snoozes
// are checked for taskless notifications too.
func snoozeKeys(taskIDs []string) []string {
	if len(taskIDs) == 0 {
		return []string{""}
	}
	return taskIDs
}

// record writes the attempt outcome. Only the attempt that claimed the row
// writes it, so a stale update means the row was settled elsewhere.
func (s *Service) record(ctx context.Context, d model.Delivery, sendErr error, cfg Config) {
	now := s.clk.Now()
	d.Attempts++
	d.UpdatedAt = now
	topic := eventbus.NotificationDelivered
	item := HistoryItem{At: now, ID: d.ID, UserID: d.Notification.UserID}
	if sendErr == nil {
		d.Status = model.DeliveryDelivered
		d.DeliveredAt = now
		d.LastError = ""
		item.Outcome = "delivered"
	} else {
		d.LastError = sendErr.Error()
		item.Error = d.LastError
		if d.Attempts >= cfg.MaxAttempts || errors.Is(sendErr, model.ErrPermanentDelivery) {
			d.Status = model.DeliveryFailed
			topic = eventbus.NotificationFailed
			item.Outcome = "failed"
		} else {
			d.NextAttemptAt = now.Add(cfg.RetryDelay)
			topic = eventbus.NotificationRetry
			item.Outcome = "retry"
		}
	}
	if err := s.store.UpdatePendingDelivery(ctx, d); err != nil {
		s.log.Warn("record delivery outcome failed", logx.String("id", d.ID), logx.String("outcome", item.Outcome), logx.Err(err))
		return
	}
	s.remember(item)
	eventbus.Emit(s.bus, topic, d.Notification.UserID, eventbus.Outcome{ID: d.ID, Reason: d.LastError, Tier: string(d.Notification.Tier)})
	switch item.Outcome {
	case "failed":
		s.log.Error("notification failed", logx.String("id", d.ID), logx.Int("attempts", d.Attempts), logx.Err(sendErr))
	case "retry":
		s.log.Warn("notification attempt failed", logx.String("id", d.ID), logx.Int("attempts", d.Attempts), logx.Time("next", d.NextAttemptAt), logx.Err(sendErr))
	default:
		s.log.Debug("notification delivered", logx.String("id", d.ID))
	}
}
