package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeWatchFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "watch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write watch file: %v", err)
	}
	return path
}

func TestLoadWatchConfig(t *testing.T) {
	t.Setenv("FB_TOKEN", "from-env")
	path := writeWatchFile(t, `
providers:
  - id: fb-main
    provider: facebook
    base_url: https://graph.facebook.com
    token_env: FB_TOKEN
    limits:
      per_hour: 100
      per_day: 1000
      per_month: 20000
entities:
  - external_id: "12345"
    provider: facebook
    config_id: fb-main
    name: Example Page
    frequency: 30m
    thresholds:
      viral_engagement_score: 90
      engagement_drop_percentage: 40
      post_frequency_change_percentage: 60
  - external_id: "67890"
    provider: facebook
    config_id: fb-main
`)

	wc, err := LoadWatchConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(wc.Providers) != 1 {
		t.Fatalf("expected 1 provider got %d", len(wc.Providers))
	}
	p := wc.Providers[0]
	if p.AccessToken != "from-env" {
		t.Fatalf("token_env indirection not applied: %q", p.AccessToken)
	}
	if p.Limits.PerDay != 1000 || p.Limits.PerHour != 100 {
		t.Fatalf("limits not parsed: %+v", p.Limits)
	}

	if len(wc.Entities) != 2 {
		t.Fatalf("expected 2 entities got %d", len(wc.Entities))
	}
	first := wc.Entities[0]
	if time.Duration(first.Frequency) != 30*time.Minute {
		t.Fatalf("frequency not parsed: %v", first.Frequency)
	}
	if first.Thresholds.ViralEngagementScore != 90 {
		t.Fatalf("explicit thresholds lost: %+v", first.Thresholds)
	}

	// The second entity omits frequency and thresholds, so defaults apply.
	second := wc.Entities[1]
	if time.Duration(second.Frequency) != time.Hour {
		t.Fatalf("default frequency not applied: %v", second.Frequency)
	}
	if *second.Thresholds != DefaultThresholds {
		t.Fatalf("default thresholds not applied: %+v", second.Thresholds)
	}
}

func TestLoadWatchConfigFileDefaults(t *testing.T) {
	path := writeWatchFile(t, `
default_thresholds:
  viral_engagement_score: 70
  engagement_drop_percentage: 30
  post_frequency_change_percentage: 20
providers:
  - id: tw-main
    provider: twitter
    access_token: literal
entities:
  - external_id: "42"
    provider: twitter
    config_id: tw-main
`)

	wc, err := LoadWatchConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if wc.Providers[0].AccessToken != "literal" {
		t.Fatalf("literal token lost: %q", wc.Providers[0].AccessToken)
	}
	if wc.Entities[0].Thresholds.ViralEngagementScore != 70 {
		t.Fatalf("file defaults not applied: %+v", wc.Entities[0].Thresholds)
	}
}

func TestLoadWatchConfigRejectsIncomplete(t *testing.T) {
	cases := map[string]string{
		"provider without id": `
providers:
  - provider: facebook
`,
		"entity without config_id": `
providers:
  - id: fb
    provider: facebook
entities:
  - external_id: "1"
`,
		"bad duration": `
providers:
  - id: fb
    provider: facebook
entities:
  - external_id: "1"
    config_id: fb
    frequency: soon
`,
	}
	for name, body := range cases {
		if _, err := LoadWatchConfig(writeWatchFile(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadWatchConfigMissingFile(t *testing.T) {
	if _, err := LoadWatchConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WORKER_POOL_SIZE", "7")
	t.Setenv("CYCLE_INTERVAL", "90s")
	t.Setenv("BACKOFF_MULTIPLIER", "1.5")
	t.Setenv("ARCHIVE_S3_PATH_STYLE", "true")

	cfg := Load()
	if cfg.WorkerPoolSize != 7 {
		t.Fatalf("int override: %d", cfg.WorkerPoolSize)
	}
	if cfg.CycleInterval != 90*time.Second {
		t.Fatalf("duration override: %s", cfg.CycleInterval)
	}
	if cfg.BackoffMultiplier != 1.5 {
		t.Fatalf("float override: %v", cfg.BackoffMultiplier)
	}
	if !cfg.ArchiveS3PathStyle {
		t.Fatal("bool override not applied")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.MaxAttempts != 3 {
		t.Fatalf("default max attempts: %d", cfg.MaxAttempts)
	}
	if cfg.CycleTimeout <= 0 || cfg.CycleTimeout >= cfg.CycleInterval {
		t.Fatalf("cycle timeout %s should fit inside interval %s", cfg.CycleTimeout, cfg.CycleInterval)
	}
}
