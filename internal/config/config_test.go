package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
backend:
  url: ${PUSHWATCH_TEST_BACKEND}
  rate_limit: 5
notify:
  enabled: true
  url: wss://example.test/ws
sync:
  drain_interval: 2s
repos:
  - name: autoland
  - name: try
    query:
      revision: abcdef
      filter-tier: "1"
logging:
  level: debug
`

func TestLoad(t *testing.T) {
	t.Setenv("PUSHWATCH_TEST_BACKEND", "https://ci.example.test")
	path := filepath.Join(t.TempDir(), "pushwatch.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Backend.URL != "https://ci.example.test" {
		t.Errorf("Backend.URL = %q, env var not expanded", cfg.Backend.URL)
	}
	if cfg.Sync.DrainInterval != 2*time.Second {
		t.Errorf("DrainInterval = %v, want 2s", cfg.Sync.DrainInterval)
	}
	if cfg.Sync.JobBatchSize != 40 || cfg.Sync.PushInterval != 30*time.Second || cfg.Sync.InitialCount != 10 {
		t.Errorf("defaults not applied: %+v", cfg.Sync)
	}
	if cfg.Sync.StaggerMin != time.Second || cfg.Sync.StaggerMax != 10*time.Second {
		t.Errorf("stagger defaults = %v..%v", cfg.Sync.StaggerMin, cfg.Sync.StaggerMax)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if got := strings.Join(cfg.RepoNames(), ","); got != "autoland,try" {
		t.Errorf("RepoNames() = %q", got)
	}
	if got := cfg.Repos[1].Values().Encode(); got != "filter-tier=1&revision=abcdef" {
		t.Errorf("Values() = %q", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing backend", "repos: [{name: a}]", "backend.url is required"},
		{"no repos", "backend: {url: http://x}", "at least one repository"},
		{"duplicate repo", "backend: {url: http://x}\nrepos: [{name: a}, {name: a}]", "listed twice"},
		{"notify without url", "backend: {url: http://x}\nnotify: {enabled: true}\nrepos: [{name: a}]", "notify.url"},
		{"stagger inverted", "backend: {url: http://x}\nsync: {stagger_min: 5s, stagger_max: 2s}\nrepos: [{name: a}]", "stagger_max"},
		{"bad yaml", "backend: [", "parse config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
