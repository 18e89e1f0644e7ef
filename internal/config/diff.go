package config

import (
	"reflect"
	"strings"

	logx "geonotify/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (JWT secret, API keys, credential
// paths) are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Int("http.rate_per_sec", newCfg.HTTP.RatePerSec),
		)
	}
	if oldCfg.Auth != newCfg.Auth {
		changed = append(changed, "auth")
		attrs = append(attrs, logx.Bool("auth.jwt_secret_set", strings.TrimSpace(newCfg.Auth.JWTSecret) != ""))
	}
	if oldCfg.Geofence != newCfg.Geofence {
		changed = append(changed, "geofence")
		attrs = append(attrs,
			logx.Int("geofence.ceiling", newCfg.Geofence.Ceiling),
			logx.String("geofence.age_penalty_mode", newCfg.Geofence.AgePenaltyMode),
		)
	}
	if oldCfg.Events != newCfg.Events {
		changed = append(changed, "events")
		attrs = append(attrs,
			logx.String("events.dedup_window", newCfg.Events.DedupWindow),
			logx.String("events.retention", newCfg.Events.Retention),
		)
	}
	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.workers", newCfg.Notifier.Workers),
			logx.Int("notifier.max_attempts", newCfg.Notifier.MaxAttempts),
			logx.String("notifier.focus_retry", newCfg.Notifier.FocusRetry),
		)
	}
	if !reflect.DeepEqual(oldCfg.Ingest, newCfg.Ingest) {
		changed = append(changed, "ingest")
		attrs = append(attrs, logx.Int("ingest.max_attempts", newCfg.Ingest.MaxAttempts))
	}
	if oldCfg.Push != newCfg.Push {
		changed = append(changed, "push")
		attrs = append(attrs,
			logx.String("push.mode", newCfg.Push.Mode),
			logx.Int("push.rate_per_sec", newCfg.Push.RatePerSec),
			logx.Bool("push.apns_enabled", newCfg.Push.APNs.Enabled),
			logx.Bool("push.fcm_enabled", newCfg.Push.FCM.Enabled),
		)
	}
	if oldCfg.POI != newCfg.POI {
		changed = append(changed, "poi")
		attrs = append(attrs,
			logx.Bool("poi.enabled", newCfg.POI.Enabled),
			logx.Bool("poi.api_key_set", strings.TrimSpace(newCfg.POI.APIKey) != ""),
		)
	}
	if oldCfg.Sweeps != newCfg.Sweeps {
		changed = append(changed, "sweeps")
		attrs = append(attrs, logx.Bool("sweeps.enabled", newCfg.Sweeps.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
	}
	return changed, attrs
}
