package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"geonotify/internal/event"
	"geonotify/internal/ingest"
	"geonotify/internal/model"
	"geonotify/internal/notifier"
	"geonotify/internal/storage"
	"geonotify/pkg/clock"
	logx "geonotify/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

const (
	baseLat = 40.0
	baseLng = -74.0
)

func north(lat, meters float64) float64 { return lat + meters/111194.93 }

type fakeScheduler struct {
	mu    sync.Mutex
	err   error
	calls []model.Notification
}

func (f *fakeScheduler) Schedule(_ context.Context, n model.Notification) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, n)
	return n.ID, nil
}

type fixture struct {
	st    *storage.SQLite
	clk   *clock.Fake
	sched *fakeScheduler
	queue *ingest.Queue
	p     *Pipeline
}

func openStore(t *testing.T) *storage.SQLite {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "p.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.UpsertUser(ctx, model.User{ID: "u1", Timezone: "UTC", Style: model.StyleStandard, CreatedAt: t0}))
	require.NoError(t, st.UpsertPlace(ctx, model.Place{ID: "home", UserID: "u1", Name: "Home", Kind: model.PlaceHome, Lat: baseLat, Lng: baseLng}))
	return st
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := openStore(t)
	clk := clock.NewFake(t0.Add(time.Hour))
	proc := event.New(event.Config{}, event.Deps{Store: st, Clock: clk, Log: logx.Nop()})
	q := ingest.New(ingest.Config{}, ingest.Deps{Store: st, Clock: clk, Log: logx.Nop()})
	sched := &fakeScheduler{}
	p := New(Deps{Processor: proc, Scheduler: sched, Queue: q, Store: st, Log: logx.Nop()})
	q.SetHandler(p.Reprocess)
	return &fixture{st: st, clk: clk, sched: sched, queue: q, p: p}
}

func (f *fixture) addTask(t *testing.T, id, title string, typ model.GeofenceType, radius float64) model.Geofence {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.st.UpsertTask(ctx, model.Task{ID: id, UserID: "u1", Title: title, LocationType: model.LocationPlace,
		PlaceID: "home", Status: model.TaskActive, CreatedAt: t0, UpdatedAt: t0}))
	g := model.Geofence{ID: "g-" + id, TaskID: id, UserID: "u1", Type: typ, Lat: baseLat, Lng: baseLng,
		Radius: radius, Active: true, CreatedAt: t0}
	require.NoError(t, f.st.ApplyAllocation(ctx, nil, []model.Geofence{g}))
	return g
}

func enter(clientID string, g model.Geofence, meters float64, at time.Time) model.GeofenceEvent {
	return model.GeofenceEvent{ClientID: clientID, UserID: "u1", TaskID: g.TaskID, GeofenceID: g.ID,
		Kind: model.EventEnter, Lat: north(baseLat, meters), Lng: baseLng, Confidence: 0.9, OccurredAt: at}
}

func TestIngestEventSchedulesOnceAcrossRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	g := f.addTask(t, "t1", "water the plants", model.Arrival, 100)

	res, err := f.p.IngestEvent(ctx, enter("c1", g, 50, t0))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.Notify)
	assert.Equal(t, model.ReasonNotified, res.Reason)
	assert.Equal(t, 1, res.BundleSize)
	require.Len(t, f.sched.calls, 1)

	n := f.sched.calls[0]
	assert.Equal(t, res.NotificationID, n.ID)
	assert.Equal(t, "You've arrived", n.Title)
	assert.Equal(t, "water the plants", n.Body)
	assert.Equal(t, []string{"t1"}, n.TaskIDs)
	assert.Equal(t, []string{res.EventID}, n.EventIDs)

	again, err := f.p.IngestEvent(ctx, enter("c1", g, 50, t0))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, res.EventID, again.EventID)
	assert.Equal(t, res.NotificationID, again.NotificationID)
}

func TestIngestEventValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	g := f.addTask(t, "t1", "water the plants", model.Arrival, 100)
	g.TaskID = "missing"

	res, err := f.p.IngestEvent(context.Background(), enter("c1", g, 50, t0))
	require.True(t, model.IsValidation(err))
	assert.False(t, res.Accepted)
	assert.Equal(t, model.ReasonValidation, res.Reason)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, f.sched.calls)
}

func TestIngestBatchComposesBundleOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	a := f.addTask(t, "t1", "buy stamps", model.Approach1mi, model.Miles(1))
	b := f.addTask(t, "t2", "return library books", model.Approach1mi, model.Miles(1))
	c := f.addTask(t, "t3", "pick up dry cleaning", model.Approach1mi, model.Miles(1))
	bad := enter("bad", a, 200, t0)
	bad.GeofenceID = ""

	// Input order is not chronological.
	out, err := f.p.IngestBatch(ctx, []model.GeofenceEvent{
		enter("c3", c, 200, t0.Add(2*time.Minute)),
		enter("c1", a, 200, t0),
		bad,
		enter("c2", b, 220, t0.Add(time.Minute)),
	})
	require.NoError(t, err)
	require.Len(t, out, 4)

	assert.Equal(t, model.ReasonNotified, out[1].Reason)
	assert.Equal(t, model.ReasonBundled, out[0].Reason)
	assert.Equal(t, model.ReasonBundled, out[3].Reason)
	assert.Equal(t, model.ReasonValidation, out[2].Reason)
	for _, i := range []int{0, 1, 3} {
		assert.Equal(t, out[1].NotificationID, out[i].NotificationID)
		assert.Equal(t, 3, out[i].BundleSize)
	}

	require.Len(t, f.sched.calls, 1, "one notification for the whole bundle")
	n := f.sched.calls[0]
	assert.Equal(t, 3, n.BundleSize)
	assert.Equal(t, "3 reminders for 3 tasks in this area", n.Title)
	assert.Equal(t, "buy stamps, return library books, pick up dry cleaning", n.Body)
	assert.Equal(t, "t1", n.TaskID)
	assert.Len(t, n.EventIDs, 3)
}

func TestTransientScheduleFailureIsQueuedAndRetried(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	g := f.addTask(t, "t1", "water the plants", model.Arrival, 100)
	f.sched.err = model.Transient(errors.New("database is locked"))

	res, err := f.p.IngestEvent(ctx, enter("c1", g, 50, t0))
	require.NoError(t, err, "infrastructure failures are not surfaced")
	assert.True(t, res.Accepted)
	assert.Equal(t, model.ReasonQueued, res.Reason)

	f.sched.err = nil
	f.clk.Advance(time.Minute)
	rep, err := f.queue.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Done)
	require.Len(t, f.sched.calls, 1)

	rep, err = f.queue.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Claimed)
}

type countingGateway struct {
	mu  sync.Mutex
	ids []string
}

func (g *countingGateway) Deliver(_ context.Context, n model.Notification) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ids = append(g.ids, n.ID)
	return nil
}

func (g *countingGateway) sent() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.ids...)
}

func TestLateArrivalJoinsDeliveredBundleWithoutSecondPush(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	clk := clock.NewFake(t0.Add(time.Hour))
	gw := &countingGateway{}
	notes := notifier.New(notifier.Config{}, notifier.Deps{Store: st, Gateway: gw, Clock: clk, Log: logx.Nop()})
	proc := event.New(event.Config{}, event.Deps{Store: st, Clock: clk, Log: logx.Nop()})
	proc.SetJoinable(notes)
	q := ingest.New(ingest.Config{}, ingest.Deps{Store: st, Clock: clk, Log: logx.Nop()})
	p := New(Deps{Processor: proc, Scheduler: notes, Queue: q, Store: st, Log: logx.Nop()})
	f := &fixture{st: st, clk: clk, queue: q, p: p}

	a := f.addTask(t, "t1", "buy stamps", model.Arrival, 300)
	b := f.addTask(t, "t2", "return library books", model.Arrival, 300)

	first, err := p.IngestEvent(ctx, enter("c1", a, 0, t0))
	require.NoError(t, err)
	require.True(t, first.Notify)
	d, err := notes.Get(ctx, first.NotificationID)
	require.NoError(t, err)
	require.Equal(t, model.DeliveryDelivered, d.Status)

	second, err := p.IngestEvent(ctx, enter("c2", b, 150, t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.True(t, second.Accepted)
	assert.False(t, second.Notify)
	assert.Equal(t, model.ReasonBundled, second.Reason)
	assert.Equal(t, first.NotificationID, second.NotificationID)

	assert.Equal(t, []string{first.NotificationID}, gw.sent(), "one push for the pair")
	d, err = notes.Get(ctx, first.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Notification.BundleSize, "the delivered content is left alone")

	bundle, err := proc.LoadBundle(ctx, first.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, 2, bundle.Size())
	assert.Equal(t, []string{"t1", "t2"}, bundle.TaskIDs)
}
