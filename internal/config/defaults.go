package config

import (
	"errors"
	"fmt"
	"strings"
)

// Default returns a configuration that runs locally with sqlite and the
// simulated push gateway.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Alerts:  LoggingAlerts{MinLevel: "error", RatePerSec: 5},
		},
		Storage: StorageConfig{Driver: "sqlite", Path: "./data/geonotify.db", BusyTimeout: "5s"},
		HTTP: HTTPConfig{
			Enabled:      true,
			Addr:         "127.0.0.1:8080",
			ReadTimeout:  "10s",
			WriteTimeout: "15s",
			RatePerSec:   20,
			Burst:        40,
		},
		Geofence: GeofenceConfig{Ceiling: 20, AgePenaltyMode: "additive", ArrivalRadiusM: 100},
		Events: EventsConfig{
			DedupWindow:    "15m",
			DedupDistanceM: 100,
			BundleWindow:   "5m",
			BundleRadiusM:  500,
			BundleMax:      5,
			Retention:      "720h",
		},
		Notifier: NotifierConfig{
			Workers:        4,
			QueueSize:      256,
			MaxAttempts:    3,
			RetryDelay:     "5m",
			QuietTolerance: "5m",
			FocusRetry:     "15m",
			PrefsCacheSize: 1024,
			PrefsCacheTTL:  "1m",
		},
		Ingest: IngestConfig{
			MaxAttempts:     3,
			Backoff:         []string{"1m", "5m", "15m"},
			ReplayWindow:    "1h",
			ReplayDistanceM: 100,
			ClaimBatch:      100,
		},
		Push: PushConfig{
			Mode:        "simulated",
			RatePerSec:  50,
			Concurrency: 8,
			Timeout:     "10s",
		},
		POI:    POIConfig{SearchRadiusM: 8046.72, MaxResults: 5, Timeout: "5s", RetryAfter: "5m"},
		Sweeps: SweepsConfig{Enabled: true, Notifier: "@every 1m", Ingest: "@every 1m", Retention: "@every 1h"},
	}
}

var ErrInvalidConfig = errors.New("invalid config")

// Validate rejects values no service can run with. Durations are checked
// here so a bad hot-reload is refused before it is published.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Geofence.Ceiling <= 0 {
		add("geofence.ceiling must be > 0")
	}
	switch strings.ToLower(strings.TrimSpace(c.Geofence.AgePenaltyMode)) {
	case "", "additive", "tiebreak":
	default:
		add("geofence.age_penalty_mode %q (want additive|tiebreak)", c.Geofence.AgePenaltyMode)
	}
	switch strings.ToLower(strings.TrimSpace(c.Push.Mode)) {
	case "simulated", "live":
	default:
		add("push.mode %q (want live|simulated)", c.Push.Mode)
	}
	if r := c.Push.Simulated.FailureRate; r < 0 || r > 1 {
		add("push.simulated.failure_rate must be within [0,1]")
	}
	if c.Notifier.MaxAttempts < 0 || c.Ingest.MaxAttempts < 0 {
		add("max_attempts must be >= 0")
	}
	if c.HTTP.Pprof.Enabled && strings.TrimSpace(c.HTTP.Pprof.Token) == "" {
		add("http.pprof.enabled requires http.pprof.token")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "sqlite", "sqlite3", "":
	default:
		add("storage.driver %q (want sqlite)", c.Storage.Driver)
	}

	durations := map[string]string{
		"storage.busy_timeout":     c.Storage.BusyTimeout,
		"http.read_timeout":        c.HTTP.ReadTimeout,
		"http.write_timeout":       c.HTTP.WriteTimeout,
		"events.dedup_window":      c.Events.DedupWindow,
		"events.bundle_window":     c.Events.BundleWindow,
		"events.retention":         c.Events.Retention,
		"notifier.retry_delay":     c.Notifier.RetryDelay,
		"notifier.quiet_tolerance": c.Notifier.QuietTolerance,
		"notifier.focus_retry":     c.Notifier.FocusRetry,
		"notifier.prefs_cache_ttl": c.Notifier.PrefsCacheTTL,
		"ingest.replay_window":     c.Ingest.ReplayWindow,
		"push.timeout":             c.Push.Timeout,
		"poi.timeout":              c.POI.Timeout,
		"poi.retry_after":          c.POI.RetryAfter,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	for i, raw := range c.Ingest.Backoff {
		if _, err := ParseDurationField(fmt.Sprintf("ingest.backoff[%d]", i), raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
