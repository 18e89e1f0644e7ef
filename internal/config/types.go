package config

// Config is the root geonotify configuration.
//
// Durations are Go duration strings (e.g. "500ms", "15m", "720h"). Absent
// fields keep the values from Default().
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	HTTP     HTTPConfig     `json:"http"`
	Auth     AuthConfig     `json:"auth"`
	Geofence GeofenceConfig `json:"geofence"`
	Events   EventsConfig   `json:"events"`
	Notifier NotifierConfig `json:"notifier"`
	Ingest   IngestConfig   `json:"ingest"`
	Push     PushConfig     `json:"push"`
	POI      POIConfig      `json:"poi"`
	Sweeps   SweepsConfig   `json:"sweeps"`

	// TaskEngine controls background job execution (sweeps, POI binding).
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts mirrors terminal failures into a separate file for operators.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the durable store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/geonotify.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// Per client IP.
	RatePerSec int `json:"rate_per_sec"`
	Burst      int `json:"burst"`

	Pprof PprofConfig `json:"pprof"`
}

// PprofConfig mounts the profiling routes on the API listener. They stay off
// unless a token is set (GEONOTIFY_PPROF_TOKEN).
type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Prefix               string `json:"prefix,omitempty"`
	Token                string `json:"token,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction"`
	BlockProfileRate     int    `json:"block_profile_rate"`
}

// AuthConfig enables bearer verification when JWTSecret is set. The secret
// is normally supplied via GEONOTIFY_JWT_SECRET and never logged.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret,omitempty"`
	Issuer    string `json:"issuer,omitempty"`
}

// GeofenceConfig controls allocation and eviction.
//
// AgePenaltyMode is "additive" (score = rank + task age in weeks) or
// "tiebreak" (rank first, age only breaks ties).
type GeofenceConfig struct {
	Ceiling        int     `json:"ceiling"`
	AgePenaltyMode string  `json:"age_penalty_mode"`
	ArrivalRadiusM float64 `json:"arrival_radius_m"`
}

type EventsConfig struct {
	DedupWindow    string  `json:"dedup_window"`
	DedupDistanceM float64 `json:"dedup_distance_m"`
	BundleWindow   string  `json:"bundle_window"`
	BundleRadiusM  float64 `json:"bundle_radius_m"`
	BundleMax      int     `json:"bundle_max"`
	Retention      string  `json:"retention"`
}

// NotifierConfig controls the durable notification scheduler.
type NotifierConfig struct {
	Workers        int    `json:"workers"`
	QueueSize      int    `json:"queue_size"`
	MaxAttempts    int    `json:"max_attempts"`
	RetryDelay     string `json:"retry_delay"`
	QuietTolerance string `json:"quiet_tolerance"`
	FocusRetry     string `json:"focus_retry"`
	PrefsCacheSize int    `json:"prefs_cache_size"`
	PrefsCacheTTL  string `json:"prefs_cache_ttl"`
}

// IngestConfig controls the processing retry queue.
type IngestConfig struct {
	MaxAttempts     int      `json:"max_attempts"`
	Backoff         []string `json:"backoff"`
	ReplayWindow    string   `json:"replay_window"`
	ReplayDistanceM float64  `json:"replay_distance_m"`
	ClaimBatch      int      `json:"claim_batch"`
}

// PushConfig selects the delivery adapters. Mode "simulated" replaces both
// platforms with the failure-injecting test double.
type PushConfig struct {
	Mode        string          `json:"mode"`
	RatePerSec  int             `json:"rate_per_sec"`
	Concurrency int             `json:"concurrency"`
	Timeout     string          `json:"timeout,omitempty"`
	APNs        APNsConfig      `json:"apns"`
	FCM         FCMConfig       `json:"fcm"`
	Simulated   SimulatedConfig `json:"simulated"`
}

type APNsConfig struct {
	Enabled    bool   `json:"enabled"`
	KeyPath    string `json:"key_path,omitempty"`
	KeyID      string `json:"key_id,omitempty"`
	TeamID     string `json:"team_id,omitempty"`
	Topic      string `json:"topic,omitempty"`
	Production bool   `json:"production"`
}

type FCMConfig struct {
	Enabled         bool   `json:"enabled"`
	ProjectID       string `json:"project_id,omitempty"`
	CredentialsFile string `json:"credentials_file,omitempty"`
}

type SimulatedConfig struct {
	FailureRate   float64 `json:"failure_rate"`
	PermanentRate float64 `json:"permanent_rate"`
	Seed          int64   `json:"seed,omitempty"`
}

// POIConfig controls template binding lookups.
type POIConfig struct {
	Enabled       bool    `json:"enabled"`
	APIKey        string  `json:"api_key,omitempty"`
	SearchRadiusM float64 `json:"search_radius_m"`
	MaxResults    int     `json:"max_results"`
	Timeout       string  `json:"timeout,omitempty"`
	RetryAfter    string  `json:"retry_after,omitempty"`
}

// SweepsConfig holds cron specs for the periodic background sweeps.
type SweepsConfig struct {
	Enabled   bool   `json:"enabled"`
	Timezone  string `json:"timezone,omitempty"`
	Notifier  string `json:"notifier"`
	Ingest    string `json:"ingest"`
	Retention string `json:"retention"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}
