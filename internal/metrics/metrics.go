// Package metrics turns eventbus lifecycle events into Prometheus
// collectors. Policy deferrals and failures are separate series so they
// can be told apart on dashboards.
package metrics

import (
	"context"
	"strings"

	"geonotify/internal/eventbus"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "geonotify"

type Metrics struct {
	events        *prometheus.CounterVec
	notifications *prometheus.CounterVec
	geofences     *prometheus.CounterVec
	ingest        *prometheus.CounterVec
	tokens        prometheus.Counter
}

// MustNew builds the collectors and registers them with reg. Collectors
// already registered under the same name are reused.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "total",
			Help: "Geofence events by outcome (processed, deferred, failed) and reason.",
		}, []string{"outcome", "reason"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notifications", Name: "total",
			Help: "Notification lifecycle transitions by outcome, tier and policy reason.",
		}, []string{"outcome", "tier", "reason"}),
		geofences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "geofences", Name: "changes_total",
			Help: "Geofences allocated or evicted.",
		}, []string{"change"}),
		ingest: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "queue_total",
			Help: "Events parked in or exhausted from the ingest retry queue.",
		}, []string{"outcome"}),
		tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "push", Name: "tokens_deactivated_total",
			Help: "Device tokens deactivated after a permanent delivery failure.",
		}),
	}
	m.events = register(reg, m.events)
	m.notifications = register(reg, m.notifications)
	m.geofences = register(reg, m.geofences)
	m.ingest = register(reg, m.ingest)
	m.tokens = register(reg, m.tokens)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Run consumes bus until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(1024)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Observe records one lifecycle event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch {
	case strings.HasPrefix(e.Type, "event."):
		o, _ := e.Data.(eventbus.Outcome)
		m.events.WithLabelValues(strings.TrimPrefix(e.Type, "event."), o.Reason).Inc()

	case strings.HasPrefix(e.Type, "notification."):
		o, _ := e.Data.(eventbus.Outcome)
		outcome := strings.TrimPrefix(e.Type, "notification.")
		reason := ""
		// Only policy reasons are bounded; attempt errors are free text.
		if e.Type == eventbus.NotificationDeferred || e.Type == eventbus.NotificationCancelled {
			reason = o.Reason
		}
		m.notifications.WithLabelValues(outcome, o.Tier, reason).Inc()

	case e.Type == eventbus.GeofenceAllocated || e.Type == eventbus.GeofenceEvicted:
		c, _ := e.Data.(eventbus.Count)
		m.geofences.WithLabelValues(strings.TrimPrefix(e.Type, "geofence.")).Add(float64(c.N))

	case e.Type == eventbus.IngestQueued || e.Type == eventbus.IngestExhausted:
		m.ingest.WithLabelValues(strings.TrimPrefix(e.Type, "ingest.")).Inc()

	case e.Type == eventbus.TokenDeactivated:
		m.tokens.Inc()
	}
}
