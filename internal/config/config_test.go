package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"HARBORCTL_DATA_DIR", "HARBORCTL_AGENT_GATEWAY_LISTEN_ADDR",
		"HARBORCTL_WEB_LISTEN_ADDR", "HARBORCTL_WEB_AUTH_USER",
		"HARBORCTL_SCHEDULE_RETENTION_DAYS", "HARBORCTL_EVENT_RETENTION_DAYS",
		"HARBORCTL_DEFAULT_TIMEZONE", "HARBORCTL_WORKER_MAX_RESTARTS",
		"HARBORCTL_DISK_WARNING_THRESHOLD", "HARBORCTL_LOG_JSON",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.DataDir != "/data" {
		t.Errorf("DataDir = %q, want /data", cfg.DataDir)
	}
	if cfg.DBPath != "/data/harborctl.db" {
		t.Errorf("DBPath = %q, want /data/harborctl.db", cfg.DBPath)
	}
	if cfg.AgentGatewayListenAddr != ":7070" {
		t.Errorf("AgentGatewayListenAddr = %q, want :7070", cfg.AgentGatewayListenAddr)
	}
	if cfg.WebListenAddr != ":8080" {
		t.Errorf("WebListenAddr = %q, want :8080", cfg.WebListenAddr)
	}
	if cfg.WorkerMaxRestarts != 10 {
		t.Errorf("WorkerMaxRestarts = %d, want 10", cfg.WorkerMaxRestarts)
	}
	if cfg.ScheduleRetentionDays() != 30 {
		t.Errorf("ScheduleRetentionDays() = %d, want 30", cfg.ScheduleRetentionDays())
	}
	if cfg.EventRetentionDays() != 14 {
		t.Errorf("EventRetentionDays() = %d, want 14", cfg.EventRetentionDays())
	}
	if cfg.DefaultTimezone() != "UTC" {
		t.Errorf("DefaultTimezone() = %q, want UTC", cfg.DefaultTimezone())
	}
	if cfg.DiskWarningThreshold() != 0.8 {
		t.Errorf("DiskWarningThreshold() = %v, want 0.8", cfg.DiskWarningThreshold())
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
	if cfg.RequireAllScanners() {
		t.Error("RequireAllScanners() = true, want false")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HARBORCTL_SCHEDULE_RETENTION_DAYS", "7")
	t.Setenv("HARBORCTL_DEFAULT_TIMEZONE", "America/New_York")
	t.Setenv("HARBORCTL_WORKER_MAX_RESTARTS", "3")
	t.Setenv("HARBORCTL_LOG_JSON", "false")
	t.Setenv("HARBORCTL_REQUIRE_ALL_SCANNERS", "true")

	cfg := Load()
	if cfg.ScheduleRetentionDays() != 7 {
		t.Errorf("ScheduleRetentionDays() = %d, want 7", cfg.ScheduleRetentionDays())
	}
	if cfg.DefaultTimezone() != "America/New_York" {
		t.Errorf("DefaultTimezone() = %q, want America/New_York", cfg.DefaultTimezone())
	}
	if cfg.WorkerMaxRestarts != 3 {
		t.Errorf("WorkerMaxRestarts = %d, want 3", cfg.WorkerMaxRestarts)
	}
	if cfg.LogJSON {
		t.Error("LogJSON = true, want false")
	}
	if !cfg.RequireAllScanners() {
		t.Error("RequireAllScanners() = false, want true")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(_ *Config) {}, false},
		{"negative schedule retention", func(c *Config) { c.SetScheduleRetentionDays(-1) }, true},
		{"negative event retention", func(c *Config) { c.SetEventRetentionDays(-1) }, true},
		{"invalid timezone", func(c *Config) { c.SetDefaultTimezone("Not/AZone") }, true},
		{"zero disk threshold", func(c *Config) { c.SetDiskWarningThreshold(0) }, true},
		{"disk threshold over one", func(c *Config) { c.SetDiskWarningThreshold(1.5) }, true},
		{"zero compose timeout", func(c *Config) { c.ComposeTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewTestConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestValuesRedactsSecrets(t *testing.T) {
	cfg := NewTestConfig()
	cfg.WebAuthPasswordHash = "$2a$10$somehash"
	cfg.NotifyWebhookURL = "https://hooks.example.com/secret"

	values := cfg.Values()
	if values["HARBORCTL_WEB_AUTH_PASSWORD_HASH"] != "(set)" {
		t.Errorf("password hash leaked in Values(): %q", values["HARBORCTL_WEB_AUTH_PASSWORD_HASH"])
	}
	if values["HARBORCTL_NOTIFY_WEBHOOK_URL"] != "(set)" {
		t.Errorf("webhook URL leaked in Values(): %q", values["HARBORCTL_NOTIFY_WEBHOOK_URL"])
	}
}

func TestEnvStr(t *testing.T) {
	const key = "HC_TEST_ENV_STR"
	t.Setenv(key, "custom")

	if got := envStr(key, "default"); got != "custom" {
		t.Errorf("got %q, want %q", got, "custom")
	}
	if got := envStr("HC_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("got %q, want %q", got, "fallback")
	}
}

func TestEnvInt(t *testing.T) {
	const key = "HC_TEST_ENV_INT"

	t.Setenv(key, "42")
	if got := envInt(key, 0); got != 42 {
		t.Errorf("got %d, want 42", got)
	}

	t.Setenv(key, "notanumber")
	if got := envInt(key, 99); got != 99 {
		t.Errorf("got %d, want 99 (default on parse failure)", got)
	}
}

func TestEnvBool(t *testing.T) {
	const key = "HC_TEST_ENV_BOOL"

	t.Setenv(key, "true")
	if got := envBool(key, false); !got {
		t.Errorf("got false, want true")
	}

	t.Setenv(key, "invalid")
	if got := envBool(key, true); !got {
		t.Errorf("got false, want true (default on parse failure)")
	}
}

func TestEnvDuration(t *testing.T) {
	const key = "HC_TEST_ENV_DUR"

	t.Setenv(key, "5m")
	if got := envDuration(key, time.Hour); got != 5*time.Minute {
		t.Errorf("got %s, want 5m", got)
	}

	t.Setenv(key, "notaduration")
	if got := envDuration(key, time.Hour); got != time.Hour {
		t.Errorf("got %s, want 1h (default on parse failure)", got)
	}
}

func TestEnvFloat(t *testing.T) {
	const key = "HC_TEST_ENV_FLOAT"

	t.Setenv(key, "0.9")
	if got := envFloat(key, 0.5); got != 0.9 {
		t.Errorf("got %v, want 0.9", got)
	}

	t.Setenv(key, "notafloat")
	if got := envFloat(key, 0.5); got != 0.5 {
		t.Errorf("got %v, want 0.5 (default on parse failure)", got)
	}
}
