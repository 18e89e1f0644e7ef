package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"geonotify/internal/task/engine"
	logx "geonotify/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (f *fakeEngine) Enqueue(t engine.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, t)
	return nil
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		cron  string
		bad   bool
	}{
		{in: "@every 1m", kind: SpecCron, cron: "@every 1m"},
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "cron:@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "90s", kind: SpecInterval, every: 90 * time.Second},
		{in: "02:30", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "every:15m", kind: SpecInterval, every: 15 * time.Minute},
		{in: "interval: 00:05", kind: SpecInterval, every: 5 * time.Minute},
		{in: "", bad: true},
		{in: "00:75", bad: true},
		{in: "-5m", bad: true},
		{in: "soon", bad: true},
	}
	for _, tc := range cases {
		ps, err := ParseSchedule(tc.in)
		if tc.bad {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.kind, ps.Kind, tc.in)
		assert.Equal(t, tc.every, ps.Every, tc.in)
		assert.Equal(t, tc.cron, ps.Cron, tc.in)
	}
}

func TestTriggerSubmitsWithSkipOverlap(t *testing.T) {
	t.Parallel()
	fe := &fakeEngine{}
	s := New(Config{Enabled: true}, fe, logx.Nop())
	require.NoError(t, s.AddSchedule("notifier.sweep", "@every 1m", time.Second, func(context.Context) error { return nil }))

	require.NoError(t, s.Trigger("notifier.sweep"))
	require.Len(t, fe.tasks, 1)
	got := fe.tasks[0]
	assert.Equal(t, "notifier.sweep", got.Name)
	assert.Equal(t, "notifier.sweep", got.Key)
	assert.Equal(t, engine.OverlapSkipIfRunning, got.Opt.Overlap)
	assert.Equal(t, time.Second, got.Timeout)

	fe.err = engine.ErrOverlapSkip
	assert.ErrorIs(t, s.Trigger("notifier.sweep"), engine.ErrOverlapSkip)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint64(1), snap[0].Fired)
	assert.Equal(t, uint64(1), snap[0].Skipped)
	assert.Empty(t, snap[0].LastErr)
}

func TestRegistrationErrors(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, &fakeEngine{}, logx.Nop())
	job := func(context.Context) error { return nil }

	assert.Error(t, s.AddSchedule("", "@every 1m", 0, job))
	assert.Error(t, s.AddSchedule("x", "not a schedule at all", 0, job))
	assert.Error(t, s.AddSchedule("x", "@every 1m", 0, nil))
	assert.Error(t, s.Trigger("missing"))
	assert.False(t, s.Remove("missing"))
}

func TestStartRegistersEntriesInTimezone(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "America/New_York"}, &fakeEngine{}, logx.Nop())
	job := func(context.Context) error { return nil }
	require.NoError(t, s.AddSchedule("retention", "0 3 * * *", 0, job))
	require.NoError(t, s.AddSchedule("ingest.sweep", "1m", 0, job))

	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "ingest.sweep", snap[0].Name)
	assert.Equal(t, "@every 1m0s", snap[0].Spec)
	assert.False(t, snap[0].Next.IsZero())
	assert.Equal(t, "America/New_York", snap[1].Timezone)
	assert.Equal(t, 3, snap[1].Next.Hour())

	assert.True(t, s.Remove("retention"))
	assert.Len(t, s.Snapshot(), 1)
}
