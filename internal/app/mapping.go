package app

import (
	"fmt"
	"strings"
	"time"

	"geonotify/internal/api"
	"geonotify/internal/config"
	"geonotify/internal/event"
	"geonotify/internal/geofence"
	"geonotify/internal/ingest"
	"geonotify/internal/notifier"
	"geonotify/internal/observability/pprof"
	"geonotify/internal/push"
	"geonotify/internal/storage"
	"geonotify/internal/task/engine"
	logx "geonotify/pkg/logx"
)

// Each map* turns the file representation into a component config. They are
// also run by the reload validator, so a bad edit is refused before commit.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			Path:       cfg.Logging.Alerts.Path,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapGeofence(cfg *config.Config) (geofence.Config, error) {
	retry, err := config.ParseDurationField("poi.retry_after", cfg.POI.RetryAfter)
	if err != nil {
		return geofence.Config{}, err
	}
	return geofence.Config{
		Ceiling:          cfg.Geofence.Ceiling,
		AgePenalty:       geofence.AgePenaltyMode(strings.ToLower(strings.TrimSpace(cfg.Geofence.AgePenaltyMode))),
		ArrivalRadiusM:   cfg.Geofence.ArrivalRadiusM,
		POISearchRadiusM: cfg.POI.SearchRadiusM,
		POIMaxResults:    cfg.POI.MaxResults,
		POIRetryAfter:    retry,
	}, nil
}

func mapEvents(cfg *config.Config) (event.Config, error) {
	dedup, err := config.ParseDurationField("events.dedup_window", cfg.Events.DedupWindow)
	if err != nil {
		return event.Config{}, err
	}
	bundle, err := config.ParseDurationField("events.bundle_window", cfg.Events.BundleWindow)
	if err != nil {
		return event.Config{}, err
	}
	return event.Config{
		DedupWindow:    dedup,
		DedupDistanceM: cfg.Events.DedupDistanceM,
		BundleWindow:   bundle,
		BundleRadiusM:  cfg.Events.BundleRadiusM,
		BundleMax:      cfg.Events.BundleMax,
	}, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	out := notifier.Config{
		Workers:        nc.Workers,
		QueueSize:      nc.QueueSize,
		MaxAttempts:    nc.MaxAttempts,
		PrefsCacheSize: nc.PrefsCacheSize,
	}
	var err error
	if out.RetryDelay, err = config.ParseDurationField("notifier.retry_delay", nc.RetryDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.QuietTolerance, err = config.ParseDurationField("notifier.quiet_tolerance", nc.QuietTolerance); err != nil {
		return notifier.Config{}, err
	}
	if out.FocusRetry, err = config.ParseDurationField("notifier.focus_retry", nc.FocusRetry); err != nil {
		return notifier.Config{}, err
	}
	if out.PrefsCacheTTL, err = config.ParseDurationField("notifier.prefs_cache_ttl", nc.PrefsCacheTTL); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapIngest(cfg *config.Config) (ingest.Config, error) {
	ic := cfg.Ingest
	out := ingest.Config{MaxAttempts: ic.MaxAttempts, ReplayDistanceM: ic.ReplayDistanceM, ClaimBatch: ic.ClaimBatch}
	for i, raw := range ic.Backoff {
		d, err := config.ParseDurationField(fmt.Sprintf("ingest.backoff[%d]", i), raw)
		if err != nil {
			return ingest.Config{}, err
		}
		if d > 0 {
			out.Backoff = append(out.Backoff, d)
		}
	}
	var err error
	if out.ReplayWindow, err = config.ParseDurationField("ingest.replay_window", ic.ReplayWindow); err != nil {
		return ingest.Config{}, err
	}
	return out, nil
}

func mapPush(cfg *config.Config) (push.Config, error) {
	timeout, err := config.ParseDurationField("push.timeout", cfg.Push.Timeout)
	if err != nil {
		return push.Config{}, err
	}
	return push.Config{
		RatePerSec:  cfg.Push.RatePerSec,
		Concurrency: cfg.Push.Concurrency,
		SendTimeout: timeout,
	}, nil
}

func mapAPI(cfg *config.Config) api.Config {
	return api.Config{
		RatePerSec: cfg.HTTP.RatePerSec,
		Burst:      cfg.HTTP.Burst,
		JWTSecret:  cfg.Auth.JWTSecret,
		Issuer:     cfg.Auth.Issuer,
		Pprof: pprof.Config{
			Enabled:              cfg.HTTP.Pprof.Enabled,
			Prefix:               cfg.HTTP.Pprof.Prefix,
			Token:                cfg.HTTP.Pprof.Token,
			MutexProfileFraction: cfg.HTTP.Pprof.MutexProfileFraction,
			BlockProfileRate:     cfg.HTTP.Pprof.BlockProfileRate,
		},
	}
}

func mapTaskEngine(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: true, Workers: 2, QueueSize: 256, HistorySize: 200, RetryMax: 3}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: counts must be >= 0")
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax > 0 {
		out.RetryMax = te.RetryMax
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// validate runs every mapper so reloads fail as a unit.
func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapGeofence(cfg); err != nil {
		return err
	}
	if _, err := mapEvents(cfg); err != nil {
		return err
	}
	if _, err := mapNotifier(cfg); err != nil {
		return err
	}
	if _, err := mapIngest(cfg); err != nil {
		return err
	}
	if _, err := mapPush(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngine(cfg); err != nil {
		return err
	}
	if _, err := retention(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Sweeps.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("sweeps.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}

func retention(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("events.retention", cfg.Events.Retention, 30*24*time.Hour)
}
