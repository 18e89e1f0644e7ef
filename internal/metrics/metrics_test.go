package metrics

import (
	"context"
	"testing"
	"time"

	"geonotify/internal/eventbus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	t.Parallel()
	m := MustNew(prometheus.NewRegistry())

	m.Observe(eventbus.Event{Type: eventbus.EventDeferred, Data: eventbus.Outcome{Reason: "cooldown"}})
	m.Observe(eventbus.Event{Type: eventbus.EventDeferred, Data: eventbus.Outcome{Reason: "cooldown"}})
	m.Observe(eventbus.Event{Type: eventbus.EventProcessed, Data: eventbus.Outcome{Reason: "notified"}})
	m.Observe(eventbus.Event{Type: eventbus.NotificationDeferred, Data: eventbus.Outcome{Tier: "arrival", Reason: "quiet_hours"}})
	m.Observe(eventbus.Event{Type: eventbus.NotificationRetry, Data: eventbus.Outcome{Tier: "arrival", Reason: "connection reset"}})
	m.Observe(eventbus.Event{Type: eventbus.GeofenceEvicted, Data: eventbus.Count{N: 7}})
	m.Observe(eventbus.Event{Type: eventbus.TokenDeactivated, Data: eventbus.Outcome{}})
	m.Observe(eventbus.Event{Type: eventbus.IngestExhausted, Data: eventbus.Outcome{}})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("deferred", "cooldown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("processed", "notified")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("deferred", "arrival", "quiet_hours")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("retry", "arrival", "")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.geofences.WithLabelValues("evicted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tokens))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingest.WithLabelValues("exhausted")))
}

func TestMustNewReusesRegisteredCollectors(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	a := MustNew(reg)
	b := MustNew(reg)
	a.Observe(eventbus.Event{Type: eventbus.TokenDeactivated})
	assert.Equal(t, 1.0, testutil.ToFloat64(b.tokens))
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()
	m := MustNew(prometheus.NewRegistry())
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx, bus)
		close(done)
	}()

	require.Eventually(t, func() bool {
		eventbus.Emit(bus, eventbus.TokenDeactivated, "u1", eventbus.Outcome{})
		return testutil.ToFloat64(m.tokens) > 0
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
