package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalConfig = `
database:
  host: localhost
  user: publisher
  dbname: publisher
oauth:
  state_secret: test-secret
  providers:
    twitter:
      client_id: cid
      client_secret: cs
      authorize_url: https://example.com/authorize
      token_url: https://example.com/token
      profile_url: https://example.com/profile
      redirect_uri: https://app.example.com/callback/twitter
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Address != DefaultServerAddress {
		t.Errorf("Server.Address = %s, want %s", cfg.Server.Address, DefaultServerAddress)
	}
	if cfg.Queue.PollInterval != 5*time.Second {
		t.Errorf("Queue.PollInterval = %v, want 5s", cfg.Queue.PollInterval)
	}
	if cfg.Queue.BatchSize != 10 {
		t.Errorf("Queue.BatchSize = %d, want 10", cfg.Queue.BatchSize)
	}
	if cfg.Scheduler.SweepInterval != 60*time.Second {
		t.Errorf("Scheduler.SweepInterval = %v, want 60s", cfg.Scheduler.SweepInterval)
	}
	if cfg.Database.Port != "5432" {
		t.Errorf("Database.Port = %s, want 5432", cfg.Database.Port)
	}
	if cfg.Redis.Enabled {
		t.Error("Redis.Enabled = true, want false by default")
	}
}

func TestLoadParsesFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
server:
  address: ":9090"
queue:
  poll_interval: 2s
  batch_size: 25
rate_limits:
  twitter:
    max_per_hour: 100
    max_per_user_per_hour: 10
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Address != ":9090" {
		t.Errorf("Server.Address = %s, want :9090", cfg.Server.Address)
	}
	if cfg.Queue.PollInterval != 2*time.Second {
		t.Errorf("Queue.PollInterval = %v, want 2s", cfg.Queue.PollInterval)
	}
	limit, ok := cfg.RateLimits["twitter"]
	if !ok {
		t.Fatal("RateLimits missing twitter")
	}
	if limit.MaxPerHour != 100 || limit.MaxPerUserPerHour != 10 {
		t.Errorf("twitter limit = %+v, want {100 10}", limit)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{
			name:    "missing database host",
			content: "oauth:\n  state_secret: s\n",
		},
		{
			name:    "missing state secret",
			content: "database:\n  host: localhost\n  dbname: publisher\n",
		},
		{
			name: "redis enabled without addr",
			content: minimalConfig + `
redis:
  enabled: true
`,
		},
		{
			name: "non-positive rate budget",
			content: minimalConfig + `
rate_limits:
  twitter:
    max_per_hour: 0
    max_per_user_per_hour: 10
`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.content)); err == nil {
				t.Error("Load() succeeded, want error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APP_DEBUG", "1")
	t.Setenv("PUBLISHER_PORT", "9999")
	t.Setenv("OAUTH_STATE_SECRET", "env-secret")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.Debug {
		t.Error("Debug = false, want true from APP_DEBUG")
	}
	if cfg.Server.Address != ":9999" {
		t.Errorf("Server.Address = %s, want :9999", cfg.Server.Address)
	}
	if cfg.OAuth.StateSecret != "env-secret" {
		t.Errorf("OAuth.StateSecret = %s, want env-secret", cfg.OAuth.StateSecret)
	}
}

func TestParseBool(t *testing.T) {
	truthy := []string{"true", "1", "yes", "TRUE", " yes "}
	for _, v := range truthy {
		if !parseBool(v) {
			t.Errorf("parseBool(%q) = false, want true", v)
		}
	}
	falsy := []string{"false", "0", "no", "", "maybe"}
	for _, v := range falsy {
		if parseBool(v) {
			t.Errorf("parseBool(%q) = true, want false", v)
		}
	}
}
