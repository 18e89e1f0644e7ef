package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestParseYAMLKeepsDefaults(t *testing.T) {
	p := writeFile(t, "geonotify.yaml", "geofence:\n  ceiling: 12\nnotifier:\n  focus_retry: 10m\n")
	cfg, err := NewConfigManager(p).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Geofence.Ceiling != 12 {
		t.Fatalf("ceiling=%d", cfg.Geofence.Ceiling)
	}
	if cfg.Geofence.AgePenaltyMode != "additive" {
		t.Fatalf("age mode default lost: %q", cfg.Geofence.AgePenaltyMode)
	}
	if cfg.Notifier.FocusRetry != "10m" || cfg.Notifier.RetryDelay != "5m" {
		t.Fatalf("notifier=%+v", cfg.Notifier)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	p := writeFile(t, "geonotify.json", `{"geofence":{"ceiling":20,"bogus":1}}`)
	if _, err := NewConfigManager(p).Load(); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	p := writeFile(t, "geonotify.json", `{"geofence":{"ceiling":20}}{}`)
	if _, err := NewConfigManager(p).Load(); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"zero ceiling", func(c *Config) { c.Geofence.Ceiling = 0 }, false},
		{"bad age mode", func(c *Config) { c.Geofence.AgePenaltyMode = "multiplicative" }, false},
		{"tiebreak", func(c *Config) { c.Geofence.AgePenaltyMode = "tiebreak" }, true},
		{"bad push mode", func(c *Config) { c.Push.Mode = "carrier-pigeon" }, false},
		{"bad duration", func(c *Config) { c.Notifier.RetryDelay = "soon" }, false},
		{"negative duration", func(c *Config) { c.Events.DedupWindow = "-1m" }, false},
		{"bad backoff", func(c *Config) { c.Ingest.Backoff = []string{"1m", "x"} }, false},
		{"failure rate", func(c *Config) { c.Push.Simulated.FailureRate = 1.5 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(c)
			err := c.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestApplyEnvOverridesSecrets(t *testing.T) {
	t.Setenv("GEONOTIFY_JWT_SECRET", "s3cret")
	t.Setenv("GEONOTIFY_GEOFENCE_CEILING", "7")
	t.Setenv("GEONOTIFY_MAPS_API_KEY", " key ")

	cfg := Default()
	ApplyEnv(cfg)
	if cfg.Auth.JWTSecret != "s3cret" || cfg.Geofence.Ceiling != 7 || cfg.POI.APIKey != "key" {
		t.Fatalf("env not applied: auth=%+v ceiling=%d poi=%q", cfg.Auth, cfg.Geofence.Ceiling, cfg.POI.APIKey)
	}
}

func TestLoadDotEnvSkipsMissing(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be skipped: %v", err)
	}
	p := writeFile(t, ".env", "GEONOTIFY_TEST_DOTENV=yes\n")
	t.Setenv("GEONOTIFY_TEST_DOTENV", "")
	os.Unsetenv("GEONOTIFY_TEST_DOTENV")
	if err := LoadDotEnv(p); err != nil {
		t.Fatalf("load: %v", err)
	}
	if os.Getenv("GEONOTIFY_TEST_DOTENV") != "yes" {
		t.Fatal("dotenv value not loaded")
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	a := Default()
	b := Default()
	b.Auth.JWTSecret = "hunter2"
	b.Geofence.Ceiling = 10

	changed, _ := SummarizeConfigChange(a, b)
	want := map[string]bool{"auth": true, "geofence": true}
	if len(changed) != len(want) {
		t.Fatalf("changed=%v", changed)
	}
	for _, c := range changed {
		if !want[c] {
			t.Fatalf("unexpected section %q", c)
		}
	}
}
