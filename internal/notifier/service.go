package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"geonotify/internal/eventbus"
	"geonotify/internal/model"
	rtsup "geonotify/internal/runtime/supervisor"
	"geonotify/internal/runtime/keylock"
	"geonotify/internal/storage"
	"geonotify/pkg/clock"
	logx "geonotify/pkg/logx"

	"github.com/google/uuid"
)

// Service is the notification scheduler. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	store   Store
	gateway Gateway
	bus     eventbus.Bus
	clk     clock.Clock
	prefs   *prefsCache

	cfg Config

	// ids serializes claim and cancel for one delivery.
	ids *keylock.Map

	fmu      sync.Mutex
	inflight map[string]struct{}
	queued   map[string]struct{}

	queue    chan string
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []HistoryItem
}

// Deps are the collaborators of the scheduler.
type Deps struct {
	Store   Store
	Gateway Gateway
	Clock   clock.Clock
	Bus     eventbus.Bus
	Log     logx.Logger
}

func New(cfg Config, d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clock.System()
	}
	cfg = cfg.withDefaults()
	return &Service{
		log:      d.Log.With(logx.String("comp", "notifier")),
		store:    d.Store,
		gateway:  d.Gateway,
		bus:      d.Bus,
		clk:      d.Clock,
		prefs:    newPrefsCache(d.Store, d.Clock, cfg.PrefsCacheSize, cfg.PrefsCacheTTL),
		cfg:      cfg,
		ids:      keylock.New(),
		inflight: map[string]struct{}{},
		queued:   map[string]struct{}{},
	}
}

// Apply swaps policy knobs. Pool size changes take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the worker pool under a supervisor. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan string, s.cfg.QueueSize)
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			if c.Err() != nil {
				return c.Err()
			}
			// Queue closed: clean shutdown.
			return nil
		}, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	}
	s.log.Info("notifier started", logx.Int("workers", workers))
}

// Stop closes the queue and waits for in-flight deliveries to finish until
// ctx is done. Queued ids that were not claimed stay pending in storage.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.queue = nil
	s.mu.Unlock()

	go func() {
		defer close(done)
		close(q)
		_ = sup.Wait(context.Background())
		s.fmu.Lock()
		s.queued = map[string]struct{}{}
		s.fmu.Unlock()
		s.mu.Lock()
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("notifier stopped")
	case <-ctx.Done():
		_ = sup.Stop(context.Background())
	}
}

// Schedule persists n as a pending delivery and hands it to the workers when
// it is due. Scheduling an id that already exists is idempotent; a pending
// row picks up the newer content (a bundle that grew).
func (s *Service) Schedule(ctx context.Context, n model.Notification) (string, error) {
	if strings.TrimSpace(n.UserID) == "" {
		return "", model.NewValidationError("notification", n.ID, "user id required")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	cfg := s.config()
	now := s.clk.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}

	user, err := s.prefs.get(ctx, n.UserID)
	if errors.Is(err, model.ErrNotFound) {
		return "", model.NewValidationError("user", n.UserID, "not found")
	}
	if err != nil {
		return "", model.Transient(err)
	}

	d := model.Delivery{ID: n.ID, Notification: n, Status: model.DeliveryPending, NextAttemptAt: now, CreatedAt: now, UpdatedAt: now}
	if until, quiet := QuietUntil(user.QuietHours, user.Location(), now, cfg.QuietTolerance); quiet {
		d.NextAttemptAt = until
		d.Deferrals = 1
	}

	inserted, err := s.store.InsertDelivery(ctx, d)
	if err != nil {
		return "", model.Transient(err)
	}
	if !inserted {
		if _, err := s.Rebundle(ctx, n); err != nil {
			return n.ID, err
		}
		return n.ID, nil
	}

	out := eventbus.Outcome{ID: d.ID, Tier: string(n.Tier)}
	if d.Deferrals > 0 {
		out.Reason = "quiet_hours"
		eventbus.Emit(s.bus, eventbus.NotificationDeferred, n.UserID, out)
		s.log.Debug("notification deferred", logx.String("id", d.ID), logx.String("reason", out.Reason), logx.Time("until", d.NextAttemptAt))
		return d.ID, nil
	}
	eventbus.Emit(s.bus, eventbus.NotificationScheduled, n.UserID, out)
	s.dispatch(ctx, d.ID)
	return d.ID, nil
}

// Rebundle replaces the content of a pending, not in-flight delivery when n
// carries a larger bundle. It reports whether the row was updated.
func (s *Service) Rebundle(ctx context.Context, n model.Notification) (bool, error) {
	unlock := s.ids.Lock(n.ID)
	defer unlock()
	if s.isInFlight(n.ID) {
		return false, nil
	}
	d, err := s.store.GetDelivery(ctx, n.ID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return false, err
		}
		return false, model.Transient(err)
	}
	if d.Status != model.DeliveryPending || n.BundleSize <= d.Notification.BundleSize {
		return false, nil
	}
	n.CreatedAt = d.Notification.CreatedAt
	d.Notification = n
	d.UpdatedAt = s.clk.Now()
	if err := s.store.UpdatePendingDelivery(ctx, d); err != nil {
		if errors.Is(err, storage.ErrStale) {
			return false, nil
		}
		return false, model.Transient(err)
	}
	return true, nil
}

// Joinable reports whether a bundle notification is still undelivered and
// can be recomposed: it is pending and not in flight, or not scheduled yet.
func (s *Service) Joinable(ctx context.Context, id string) bool {
	if s.isInFlight(id) {
		return false
	}
	d, err := s.store.GetDelivery(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return true
	}
	return err == nil && d.Status == model.DeliveryPending
}

// Cancel moves a pending delivery to cancelled. It returns false for
// deliveries already settled and ErrInFlight while an attempt is running;
// that attempt finishes and its outcome is recorded.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	return s.cancel(ctx, id, "cancelled")
}

func (s *Service) cancel(ctx context.Context, id, reason string) (bool, error) {
	unlock := s.ids.Lock(id)
	defer unlock()
	if s.isInFlight(id) {
		return false, ErrInFlight
	}
	ok, err := s.store.CancelDelivery(ctx, id, reason, s.clk.Now())
	if err != nil {
		return false, model.Transient(err)
	}
	if ok {
		eventbus.Emit(s.bus, eventbus.NotificationCancelled, "", eventbus.Outcome{ID: id, Reason: reason})
		s.remember(HistoryItem{ID: id, Outcome: "cancelled", Error: reason})
	}
	return ok, nil
}

// Snooze records a snooze for a task or a single notification.
func (s *Service) Snooze(ctx context.Context, sn model.Snooze) error {
	if sn.UserID == "" || (sn.TaskID == "" && sn.NotificationID == "") {
		return model.NewValidationError("snooze", sn.NotificationID, "user and task or notification required")
	}
	if !sn.Until.After(s.clk.Now()) {
		return model.NewValidationError("snooze", sn.NotificationID, "snooze must end in the future")
	}
	if err := s.store.PutSnooze(ctx, sn); err != nil {
		return model.Transient(err)
	}
	return nil
}

// InvalidateUser drops cached preferences after a profile change.
func (s *Service) InvalidateUser(userID string) { s.prefs.invalidate(userID) }

// Get returns a delivery by id.
func (s *Service) Get(ctx context.Context, id string) (model.Delivery, error) {
	return s.store.GetDelivery(ctx, id)
}

// Failed lists terminal delivery failures, newest first.
func (s *Service) Failed(ctx context.Context, limit int) ([]model.Delivery, error) {
	return s.store.DeliveriesByStatus(ctx, model.DeliveryFailed, limit)
}

// Sweep hands every due pending delivery to the workers. Running it again
// before they finish is a no-op for ids already queued or in flight.
func (s *Service) Sweep(ctx context.Context) error {
	cfg := s.config()
	due, err := s.store.DueDeliveries(ctx, s.clk.Now(), cfg.ClaimBatch)
	if err != nil {
		return model.Transient(err)
	}
	for _, d := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.dispatch(ctx, d.ID)
	}
	if len(due) > 0 {
		s.log.Debug("notifier sweep", logx.Int("due", len(due)))
	}
	return nil
}

// Stats reports a user's delivery counts over the trailing window.
func (s *Service) Stats(ctx context.Context, userID string, window time.Duration) (Stats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	c, err := s.store.DeliveryCounts(ctx, userID, s.clk.Now().Add(-window))
	if err != nil {
		return Stats{}, model.Transient(err)
	}
	st := Stats{
		UserID: userID, Window: window, Total: c.Total, Delivered: c.Delivered,
		Failed: c.Failed, Cancelled: c.Cancelled, Pending: c.Pending,
		PerDay: float64(c.Total) / (window.Hours() / 24),
	}
	if settled := c.Delivered + c.Failed; settled > 0 {
		st.DeliveryRate = float64(c.Delivered) / float64(settled)
	}
	return st, nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Running: s.queue != nil, Workers: s.cfg.Workers}
	if s.queue != nil {
		snap.QueueLen = len(s.queue)
	}
	s.mu.Unlock()
	s.fmu.Lock()
	snap.InFlight = len(s.inflight)
	s.fmu.Unlock()
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) remember(item HistoryItem) {
	if item.At.IsZero() {
		item.At = s.clk.Now()
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) isInFlight(id string) bool {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	_, ok := s.inflight[id]
	return ok
}
