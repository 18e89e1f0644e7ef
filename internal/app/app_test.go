package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"geonotify/internal/config"
	"geonotify/internal/geofence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func testConfigYAML(dir string) string {
	return `
logging:
  level: warn
  console: false
storage:
  path: ` + filepath.Join(dir, "geonotify.db") + `
http:
  enabled: false
sweeps:
  enabled: true
  notifier: "@every 1m"
  ingest: "@every 1m"
  retention: ""
`
}

func TestMappersDefaults(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, validate(cfg))

	gc, err := mapGeofence(cfg)
	require.NoError(t, err)
	assert.Equal(t, 20, gc.Ceiling)
	assert.Equal(t, geofence.AgePenaltyMode("additive"), gc.AgePenalty)
	assert.Equal(t, 5*time.Minute, gc.POIRetryAfter)

	ic, err := mapIngest(cfg)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}, ic.Backoff)

	ec, err := mapTaskEngine(cfg)
	require.NoError(t, err)
	assert.True(t, ec.Enabled)
	assert.Equal(t, 2, ec.Workers)

	keep, err := retention(cfg)
	require.NoError(t, err)
	assert.Equal(t, 720*time.Hour, keep)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *config.Config){
		"empty storage path": func(c *config.Config) { c.Storage.Path = " " },
		"bad sweep timezone": func(c *config.Config) { c.Sweeps.Timezone = "Mars/Olympus" },
		"bad retention":      func(c *config.Config) { c.Events.Retention = "soon" },
		"negative workers": func(c *config.Config) {
			c.TaskEngine = &config.TaskEngineConfig{Workers: -1}
		},
		"bad push mode": func(c *config.Config) { c.Push.Mode = "carrier-pigeon" },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mut(cfg)
			assert.Error(t, validate(cfg))
		})
	}
}

func TestBuildAdaptersLiveNeedsBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Push.Mode = "live"
	_, err := buildAdapters(context.Background(), cfg)
	assert.Error(t, err)

	cfg.Push.Mode = "simulated"
	ads, err := buildAdapters(context.Background(), cfg)
	require.NoError(t, err)
	assert.Len(t, ads, 2)
}

func TestAppLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, testConfigYAML(dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	names := map[string]bool{}
	for _, s := range a.sched.Snapshot() {
		names[s.Name] = true
	}
	assert.True(t, names[sweepNotifier])
	assert.True(t, names[sweepIngest])
	assert.False(t, names[sweepRetention])

	stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	assert.NoError(t, a.Err())

	select {
	case <-a.Done():
	default:
		t.Fatal("app context still live after Stop")
	}
}

func TestApplyRebindsSweeps(t *testing.T) {
	dir := t.TempDir()
	a, err := New(context.Background(), writeConfig(t, testConfigYAML(dir)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })

	prev := a.cfgm.Get()
	next := *prev
	next.Sweeps.Retention = "@every 2h"
	next.Sweeps.Ingest = ""
	a.apply(context.Background(), prev, &next)

	names := map[string]bool{}
	for _, s := range a.sched.Snapshot() {
		names[s.Name] = true
	}
	assert.True(t, names[sweepRetention])
	assert.False(t, names[sweepIngest])
}

func TestPurgeRunsOnEmptyStore(t *testing.T) {
	dir := t.TempDir()
	a, err := New(context.Background(), writeConfig(t, testConfigYAML(dir)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })

	assert.NoError(t, a.purge(context.Background()))
	assert.NoError(t, a.sweepIngest(context.Background()))
}

func TestReasonForSignal(t *testing.T) {
	assert.Equal(t, StopSIGINT, ReasonForSignal(os.Interrupt))
	assert.Equal(t, StopSIGTERM, ReasonForSignal(syscall.SIGTERM))
	assert.Equal(t, StopUnknown, ReasonForSignal(syscall.SIGHUP))
}
