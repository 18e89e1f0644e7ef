package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are skipped; existing variables are kept.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// envPrefix namespaces every override.
const envPrefix = "GEONOTIFY_"

// ApplyEnv overrides secrets and deployment-specific values from the
// environment. Secrets are expected to live only here, never in the file.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	setStr(&cfg.Storage.Path, "DB_PATH")
	setStr(&cfg.HTTP.Addr, "HTTP_ADDR")
	setStr(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setStr(&cfg.HTTP.Pprof.Token, "PPROF_TOKEN")
	setStr(&cfg.Logging.Level, "LOG_LEVEL")
	setStr(&cfg.Push.Mode, "PUSH_MODE")
	setStr(&cfg.Push.APNs.KeyPath, "APNS_KEY_PATH")
	setStr(&cfg.Push.APNs.KeyID, "APNS_KEY_ID")
	setStr(&cfg.Push.APNs.TeamID, "APNS_TEAM_ID")
	setStr(&cfg.Push.APNs.Topic, "APNS_TOPIC")
	setStr(&cfg.Push.FCM.CredentialsFile, "FCM_CREDENTIALS_FILE")
	setStr(&cfg.Push.FCM.ProjectID, "FCM_PROJECT_ID")
	setStr(&cfg.POI.APIKey, "MAPS_API_KEY")
	setInt(&cfg.Geofence.Ceiling, "GEOFENCE_CEILING")
}

func setStr(dst *string, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return
	}
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		*dst = n
	}
}
