package notifier

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"geonotify/internal/model"
	"geonotify/internal/storage"
	"geonotify/pkg/clock"
	logx "geonotify/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func TestQuietUntil(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	overnight := model.QuietHours{Enabled: true, Start: "22:00", End: "07:00"}
	office := model.QuietHours{Enabled: true, Start: "09:00", End: "17:00"}
	at := func(h, m int) time.Time { return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC) }

	cases := []struct {
		name  string
		q     model.QuietHours
		loc   *time.Location
		now   time.Time
		quiet bool
		want  time.Time
	}{
		{"overnight before midnight", overnight, time.UTC, at(23, 0), true, time.Date(2026, 3, 3, 7, 5, 0, 0, time.UTC)},
		{"overnight after midnight", overnight, time.UTC, at(1, 0), true, at(7, 5)},
		{"overnight outside", overnight, time.UTC, at(12, 0), false, time.Time{}},
		{"daytime window", office, time.UTC, at(10, 0), true, at(17, 5)},
		{"end is exclusive", office, time.UTC, at(17, 0), false, time.Time{}},
		{"disabled", model.QuietHours{Start: "22:00", End: "07:00"}, time.UTC, at(23, 0), false, time.Time{}},
		{"malformed", model.QuietHours{Enabled: true, Start: "25:00", End: "07:00"}, time.UTC, at(23, 0), false, time.Time{}},
		// 04:00 UTC is 23:00 EST on the previous evening.
		{"user timezone", overnight, ny, time.Date(2026, 3, 3, 4, 0, 0, 0, time.UTC), true, time.Date(2026, 3, 3, 12, 5, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, quiet := QuietUntil(tc.q, tc.loc, tc.now, 5*time.Minute)
			require.Equal(t, tc.quiet, quiet)
			if tc.quiet {
				assert.True(t, tc.want.Equal(got), "got %s want %s", got, tc.want)
			}
		})
	}
}

func TestSnoozeUntil(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	got, ok := SnoozeUntil(model.ActionSnooze15m, t0, nil)
	require.True(t, ok)
	assert.True(t, got.Equal(t0.Add(15*time.Minute)))

	got, ok = SnoozeUntil(model.ActionSnooze1h, t0, nil)
	require.True(t, ok)
	assert.True(t, got.Equal(t0.Add(time.Hour)))

	// 12:00 UTC is 07:00 in New York; the local day ends at 05:00 UTC.
	got, ok = SnoozeUntil(model.ActionSnoozeToday, t0, ny)
	require.True(t, ok)
	assert.True(t, got.Equal(time.Date(2026, 3, 3, 5, 0, 0, 0, time.UTC)), "got %s", got)

	_, ok = SnoozeUntil(model.ActionOpenMap, t0, nil)
	assert.False(t, ok)
}

type recorder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recorder) Deliver(_ context.Context, n model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, n.ID)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fixture struct {
	st  *storage.SQLite
	clk *clock.Fake
	gw  *recorder
	svc *Service
}

func newFixture(t *testing.T, user model.User) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "n.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	user.ID = "u1"
	if user.Timezone == "" {
		user.Timezone = "UTC"
	}
	user.CreatedAt = t0
	require.NoError(t, st.UpsertUser(ctx, user))
	require.NoError(t, st.UpsertTask(ctx, model.Task{ID: "t1", UserID: "u1", Title: "buy milk",
		LocationType: model.LocationPOICategory, POICategory: "grocery", Status: model.TaskActive, CreatedAt: t0, UpdatedAt: t0}))

	clk := clock.NewFake(t0)
	gw := &recorder{}
	svc := New(Config{}, Deps{Store: st, Gateway: gw, Clock: clk, Log: logx.Nop()})
	return &fixture{st: st, clk: clk, gw: gw, svc: svc}
}

func note(id string) model.Notification {
	return model.Notification{ID: id, UserID: "u1", TaskID: "t1", TaskIDs: []string{"t1"},
		Tier: model.TierArrival, Title: "You're at the store", Body: "buy milk", BundleSize: 1}
}

func (f *fixture) get(t *testing.T, id string) model.Delivery {
	t.Helper()
	d, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return d
}

func TestScheduleDeliversWhenDue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, model.User{})

	id, err := f.svc.Schedule(ctx, note("n1"))
	require.NoError(t, err)
	require.Equal(t, "n1", id)

	d := f.get(t, "n1")
	assert.Equal(t, model.DeliveryDelivered, d.Status)
	assert.Equal(t, 1, d.Attempts)
	assert.True(t, d.DeliveredAt.Equal(t0))
	assert.Equal(t, 1, f.gw.count())

	st, err := f.svc.Stats(ctx, "u1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Delivered)
	assert.InDelta(t, 1.0, st.DeliveryRate, 1e-9)
}

func TestScheduleRejectsUnknownUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t, model.User{})
	n := note("n1")
	n.UserID = "ghost"
	_, err := f.svc.Schedule(context.Background(), n)
	require.True(t, model.IsValidation(err), "got %v", err)
}

func TestRetryExhaustion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, model.User{})
	f.gw.err = errors.New("push service unavailable")

	_, err := f.svc.Schedule(ctx, note("n1"))
	require.NoError(t, err)
	d := f.get(t, "n1")
	assert.Equal(t, model.DeliveryPending, d.Status)
	assert.Equal(t, 1, d.Attempts)
	assert.True(t, d.NextAttemptAt.Equal(t0.Add(5*time.Minute)))

	// Not due yet.
	require.NoError(t, f.svc.Sweep(ctx))
	assert.Equal(t, 1, f.gw.count())

	f.clk.Advance(5 * time.Minute)
	require.NoError(t, f.svc.Sweep(ctx))
	f.clk.Advance(5 * time.Minute)
	require.NoError(t, f.svc.Sweep(ctx))

	d = f.get(t, "n1")
	assert.Equal(t, model.DeliveryFailed, d.Status)
	assert.Equal(t, 3, d.Attempts)
	assert.Equal(t, "push service unavailable", d.LastError)

	f.clk.Advance(time.Hour)
	require.NoError(t, f.svc.Sweep(ctx))
	assert.Equal(t, 3, f.gw.count(), "failed deliveries are never retried")

	failed, err := f.svc.Failed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	st, err := f.svc.Stats(ctx, "u1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Failed)
	assert.Zero(t, st.DeliveryRate)
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, model.User{})
	f.gw.err = fmt.Errorf("%w: all 2 tokens rejected", model.ErrPermanentDelivery)

	_, err := f.svc.Schedule(ctx, note("n1"))
	require.NoError(t, err)
	d := f.get(t, "n1")
	assert.Equal(t, model.DeliveryFailed, d.Status)
	assert.Equal(t, 1, d.Attempts)

	f.clk.Advance(time.Hour)
	require.NoError(t, f.svc.Sweep(ctx))
	assert.Equal(t, 1, f.gw.count())
}

func TestBundleWaitsForSnoozeOnAnyTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, model.User{})
	require.NoError(t, f.st.UpsertTask(ctx, model.Task{ID: "t2", UserID: "u1", Title: "post a letter",
		LocationType: model.LocationPOICategory, POICategory: "post_office", Status: model.TaskActive, CreatedAt: t0, UpdatedAt: t0}))
	require.NoError(t, f.svc.Snooze(ctx, model.Snooze{UserID: "u1", TaskID: "t1", Until: t0.Add(30 * time.Minute)}))
	require.NoError(t, f.svc.Snooze(ctx, model.Snooze{UserID: "u1", TaskID: "t2", Until: t0.Add(time.Hour)}))

	n := note("n1")
	n.TaskIDs = []string{"t1", "t2"}
	n.BundleSize = 2
	_, err := f.svc.Schedule(ctx, n)
	require.NoError(t, err)
	d := f.get(t, "n1")
	assert.Equal(t, model.DeliveryPending, d.Status)
	assert.True(t, d.NextAttemptAt.Equal(t0.Add(time.Hour)), "got %s", d.NextAttemptAt)
	assert.Zero(t, d.Attempts)
	assert.Zero(t, f.gw.count())

	f.clk.Advance(time.Hour)
	require.NoError(t, f.svc.Sweep(ctx))
	assert.Equal(t, model.DeliveryDelivered, f.get(t, "n1").Status)
}

func TestMutedTaskCancelsDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, model.User{})
	require.NoError(t, f.st.SetTaskStatus(ctx, "t1", model.TaskMuted))

	_, err := f.svc.Schedule(ctx, note("n1"))
	require.NoError(t, err)
	d := f.get(t, "n1")
	assert.Equal(t, model.DeliveryCancelled, d.Status)
	assert.Equal(t, "muted", d.LastError)
	assert.Zero(t, d.Attempts)
	assert.Zero(t, f.gw.count())
}

func TestQuietHoursDeferAtSchedule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, model.User{QuietHours: model.QuietHours{Enabled: true, Start: "09:00", End: "17:00"}})

	_, err := f.svc.Schedule(ctx, note("n1"))
	require.NoError(t, err)
	d := f.get(t, "n1")
	assert.Equal(t, model.DeliveryPending, d.Status)
	assert.True(t, d.NextAttemptAt.Equal(time.Date(2026, 3, 2, 17, 5, 0, 0, time.UTC)), "got %s", d.NextAttemptAt)
	assert.Zero(t, d.Attempts)
	assert.Zero(t, f.gw.count())

	f.clk.Set(time.Date(2026, 3, 2, 17, 5, 0, 0, time.UTC))
	require.NoError(t, f.svc.Sweep(ctx))
	assert.Equal(t, model.DeliveryDelivered, f.get(t, "n1").Status)
}

func TestSnoozeAndFocusDeferWithoutAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, model.User{})

	require.NoError(t, f.svc.Snooze(ctx, model.Snooze{UserID: "u1", TaskID: "t1", Until: t0.Add(30 * time.Minute)}))
	_, err := f.svc.Schedule(ctx, note("n1"))
	require.NoError(t, err)
	d := f.get(t, "n1")
	assert.True(t, d.NextAttemptAt.Equal(t0.Add(30*time.Minute)))
	assert.Equal(t, 1, d.Deferrals)
	assert.Zero(t, d.Attempts)

	require.NoError(t, f.st.UpsertUser(ctx, model.User{ID: "u1", Timezone: "UTC", FocusMode: true, CreatedAt: t0}))
	f.svc.InvalidateUser("u1")
	f.clk.Advance(30 * time.Minute)
	require.NoError(t, f.svc.Sweep(ctx))
	d = f.get(t, "n1")
	assert.True(t, d.NextAttemptAt.Equal(t0.Add(45*time.Minute)), "focus mode retries after 15m")
	assert.Equal(t, 2, d.Deferrals)
	assert.Zero(t, d.Attempts)
	assert.Zero(t, f.gw.count())

	require.NoError(t, f.st.UpsertUser(ctx, model.User{ID: "u1", Timezone: "UTC", CreatedAt: t0}))
	f.svc.InvalidateUser("u1")
	f.clk.Advance(15 * time.Minute)
	require.NoError(t, f.svc.Sweep(ctx))
	d = f.get(t, "n1")
	assert.Equal(t, model.DeliveryDelivered, d.Status)
	assert.Equal(t, 1, d.Attempts)
}

func TestSnoozeValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, model.User{})
	err := f.svc.Snooze(context.Background(), model.Snooze{UserID: "u1", TaskID: "t1", Until: t0})
	assert.True(t, model.IsValidation(err))
	err = f.svc.Snooze(context.Background(), model.Snooze{UserID: "u1", Until: t0.Add(time.Hour)})
	assert.True(t, model.IsValidation(err))
}

func TestScheduleIsIdempotentAndRebundles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, model.User{QuietHours: model.QuietHours{Enabled: true, Start: "09:00", End: "17:00"}})

	_, err := f.svc.Schedule(ctx, note("n1"))
	require.NoError(t, err)
	_, err = f.svc.Schedule(ctx, note("n1"))
	require.NoError(t, err)
	assert.Equal(t, "You're at the store", f.get(t, "n1").Notification.Title)
	assert.True(t, f.svc.Joinable(ctx, "n1"))
	assert.True(t, f.svc.Joinable(ctx, "not-yet-scheduled"))

	grown := note("n1")
	grown.Title = "3 reminders nearby"
	grown.BundleSize = 3
	_, err = f.svc.Schedule(ctx, grown)
	require.NoError(t, err)
	d := f.get(t, "n1")
	assert.Equal(t, "3 reminders nearby", d.Notification.Title)
	assert.Equal(t, 3, d.Notification.BundleSize)
	assert.True(t, d.NextAttemptAt.Equal(time.Date(2026, 3, 2, 17, 5, 0, 0, time.UTC)), "rebundle keeps the schedule")

	f.clk.Set(time.Date(2026, 3, 2, 17, 5, 0, 0, time.UTC))
	require.NoError(t, f.svc.Sweep(ctx))
	assert.False(t, f.svc.Joinable(ctx, "n1"), "delivered bundles are not recomposed")

	ok, err := f.svc.Rebundle(ctx, model.Notification{ID: "n1", UserID: "u1", BundleSize: 5})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, model.User{QuietHours: model.QuietHours{Enabled: true, Start: "09:00", End: "17:00"}})
	_, err := f.svc.Schedule(ctx, note("n1"))
	require.NoError(t, err)

	ok, err := f.svc.Cancel(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.svc.Cancel(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, ok, "second cancel is a no-op")

	f.clk.Set(time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC))
	require.NoError(t, f.svc.Sweep(ctx))
	assert.Zero(t, f.gw.count())
	assert.Equal(t, model.DeliveryCancelled, f.get(t, "n1").Status)
}

type blockingGateway struct {
	entered chan string
	release chan struct{}
}

func (g *blockingGateway) Deliver(ctx context.Context, n model.Notification) error {
	g.entered <- n.ID
	<-g.release
	return nil
}

func TestCancelInFlightIsCooperative(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, model.User{})
	gw := &blockingGateway{entered: make(chan string, 1), release: make(chan struct{})}
	svc := New(Config{Workers: 2}, Deps{Store: f.st, Gateway: gw, Clock: f.clk, Log: logx.Nop()})
	svc.Start(ctx)
	defer svc.Stop(ctx)

	_, err := svc.Schedule(ctx, note("n1"))
	require.NoError(t, err)
	select {
	case <-gw.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never picked up the delivery")
	}
	assert.False(t, svc.Joinable(ctx, "n1"))

	ok, err := svc.Cancel(ctx, "n1")
	require.ErrorIs(t, err, ErrInFlight)
	assert.False(t, ok)

	close(gw.release)
	require.Eventually(t, func() bool {
		d, err := svc.Get(ctx, "n1")
		return err == nil && d.Status == model.DeliveryDelivered
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, svc.Snapshot().Running)
}
