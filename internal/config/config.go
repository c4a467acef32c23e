// Package config loads and serves harborctl's runtime configuration.
//
// Immutable fields are populated once at Load and read without
// synchronization. Mutable fields (retention windows, cron cadences,
// scanner defaults, disk-warning threshold) are behind an RWMutex because
// the scheduler and worker goroutines read them concurrently with HTTP
// handlers that may write them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// Config holds all harborctl configuration, loaded from HARBORCTL_* env vars.
type Config struct {
	// Storage
	DataDir     string
	GitReposDir string
	DBPath      string

	// Logging
	LogJSON bool

	// Agent Gateway
	AgentGatewayListenAddr string
	AgentHeartbeatInterval time.Duration
	AgentHeartbeatTimeout  time.Duration

	// Thin web gateway
	WebListenAddr       string
	WebAuthUser         string
	WebAuthPasswordHash string

	// Notifier providers
	NotifyWebhookURL     string
	NotifySlackWebhook   string
	NotifyDiscordWebhook string
	NotifyMQTTBroker     string
	NotifyMQTTTopic      string
	NotifyNtfyURL        string
	NotifyGotifyURL      string
	NotifyGotifyToken    string

	// Compose engine
	ComposeTimeout   time.Duration
	ComposeKillGrace time.Duration

	// Worker supervisor
	WorkerMaxRestarts int

	// mu protects every field below, which can change at runtime via the
	// web gateway's settings surface.
	mu                     sync.RWMutex
	scheduleRetentionDays  int
	eventRetentionDays     int
	scheduleCleanupCron    string
	eventCleanupCron       string
	scheduleCleanupEnabled bool
	eventCleanupEnabled    bool
	defaultTimezone        string
	defaultGrypeArgs       string
	defaultTrivyArgs       string
	diskWarningThreshold   float64
	requireAllScanners     bool
}

// NewTestConfig returns a Config with sensible defaults for unit tests.
func NewTestConfig() *Config {
	return &Config{
		DataDir:                "/tmp/harborctl-test",
		ComposeTimeout:         5 * time.Minute,
		ComposeKillGrace:       5 * time.Second,
		AgentHeartbeatInterval: 30 * time.Second,
		AgentHeartbeatTimeout:  90 * time.Second,
		WorkerMaxRestarts:      10,
		scheduleRetentionDays:  30,
		eventRetentionDays:     14,
		scheduleCleanupCron:    "0 3 * * *",
		eventCleanupCron:       "0 4 * * *",
		scheduleCleanupEnabled: true,
		eventCleanupEnabled:    true,
		defaultTimezone:        "UTC",
		defaultGrypeArgs:       "{image}",
		defaultTrivyArgs:       "image {image}",
		diskWarningThreshold:   0.8,
	}
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	dataDir := envStr("HARBORCTL_DATA_DIR", "/data")
	return &Config{
		DataDir:                dataDir,
		GitReposDir:            envStr("HARBORCTL_GIT_REPOS_DIR", dataDir+"/git-repos"),
		DBPath:                 envStr("HARBORCTL_DB_PATH", dataDir+"/harborctl.db"),
		LogJSON:                envBool("HARBORCTL_LOG_JSON", true),
		AgentGatewayListenAddr: envStr("HARBORCTL_AGENT_GATEWAY_LISTEN_ADDR", ":7070"),
		AgentHeartbeatInterval: envDuration("HARBORCTL_AGENT_HEARTBEAT_INTERVAL", 30*time.Second),
		AgentHeartbeatTimeout:  envDuration("HARBORCTL_AGENT_HEARTBEAT_TIMEOUT", 90*time.Second),
		WebListenAddr:          envStr("HARBORCTL_WEB_LISTEN_ADDR", ":8080"),
		WebAuthUser:            envStr("HARBORCTL_WEB_AUTH_USER", "admin"),
		WebAuthPasswordHash:    envStr("HARBORCTL_WEB_AUTH_PASSWORD_HASH", ""),
		NotifyWebhookURL:       envStr("HARBORCTL_NOTIFY_WEBHOOK_URL", ""),
		NotifySlackWebhook:     envStr("HARBORCTL_NOTIFY_SLACK_WEBHOOK", ""),
		NotifyDiscordWebhook:   envStr("HARBORCTL_NOTIFY_DISCORD_WEBHOOK", ""),
		NotifyMQTTBroker:       envStr("HARBORCTL_NOTIFY_MQTT_BROKER", ""),
		NotifyMQTTTopic:        envStr("HARBORCTL_NOTIFY_MQTT_TOPIC", "harborctl/events"),
		NotifyNtfyURL:          envStr("HARBORCTL_NOTIFY_NTFY_URL", ""),
		NotifyGotifyURL:        envStr("HARBORCTL_NOTIFY_GOTIFY_URL", ""),
		NotifyGotifyToken:      envStr("HARBORCTL_NOTIFY_GOTIFY_TOKEN", ""),
		ComposeTimeout:         envDuration("HARBORCTL_COMPOSE_TIMEOUT", 5*time.Minute),
		ComposeKillGrace:       envDuration("HARBORCTL_COMPOSE_KILL_GRACE", 5*time.Second),
		WorkerMaxRestarts:      envInt("HARBORCTL_WORKER_MAX_RESTARTS", 10),
		scheduleRetentionDays:  envInt("HARBORCTL_SCHEDULE_RETENTION_DAYS", 30),
		eventRetentionDays:     envInt("HARBORCTL_EVENT_RETENTION_DAYS", 14),
		scheduleCleanupCron:    envStr("HARBORCTL_SCHEDULE_CLEANUP_CRON", "0 3 * * *"),
		eventCleanupCron:       envStr("HARBORCTL_EVENT_CLEANUP_CRON", "0 4 * * *"),
		scheduleCleanupEnabled: envBool("HARBORCTL_SCHEDULE_CLEANUP_ENABLED", true),
		eventCleanupEnabled:    envBool("HARBORCTL_EVENT_CLEANUP_ENABLED", true),
		defaultTimezone:        envStr("HARBORCTL_DEFAULT_TIMEZONE", "UTC"),
		defaultGrypeArgs:       envStr("HARBORCTL_DEFAULT_GRYPE_ARGS", "{image}"),
		defaultTrivyArgs:       envStr("HARBORCTL_DEFAULT_TRIVY_ARGS", "image {image}"),
		diskWarningThreshold:   envFloat("HARBORCTL_DISK_WARNING_THRESHOLD", 0.8),
		requireAllScanners:     envBool("HARBORCTL_REQUIRE_ALL_SCANNERS", false),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	c.mu.RLock()
	retDays := c.scheduleRetentionDays
	evtDays := c.eventRetentionDays
	tz := c.defaultTimezone
	thresh := c.diskWarningThreshold
	c.mu.RUnlock()

	var errs []error
	if retDays < 0 {
		errs = append(errs, fmt.Errorf("HARBORCTL_SCHEDULE_RETENTION_DAYS must be >= 0, got %d", retDays))
	}
	if evtDays < 0 {
		errs = append(errs, fmt.Errorf("HARBORCTL_EVENT_RETENTION_DAYS must be >= 0, got %d", evtDays))
	}
	if _, err := time.LoadLocation(tz); err != nil {
		errs = append(errs, fmt.Errorf("HARBORCTL_DEFAULT_TIMEZONE %q invalid: %w", tz, err))
	}
	if thresh <= 0 || thresh > 1 {
		errs = append(errs, fmt.Errorf("HARBORCTL_DISK_WARNING_THRESHOLD must be in (0,1], got %v", thresh))
	}
	if c.ComposeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("HARBORCTL_COMPOSE_TIMEOUT must be > 0"))
	}
	return errors.Join(errs...)
}

// Values returns the main configuration values as a redacted string map
// for display; not every field is included.
func (c *Config) Values() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]string{
		"HARBORCTL_DATA_DIR":                  c.DataDir,
		"HARBORCTL_DB_PATH":                   c.DBPath,
		"HARBORCTL_AGENT_GATEWAY_LISTEN_ADDR":  c.AgentGatewayListenAddr,
		"HARBORCTL_WEB_LISTEN_ADDR":            c.WebListenAddr,
		"HARBORCTL_WEB_AUTH_USER":              c.WebAuthUser,
		"HARBORCTL_WEB_AUTH_PASSWORD_HASH":     redact(c.WebAuthPasswordHash),
		"HARBORCTL_SCHEDULE_RETENTION_DAYS":    strconv.Itoa(c.scheduleRetentionDays),
		"HARBORCTL_EVENT_RETENTION_DAYS":       strconv.Itoa(c.eventRetentionDays),
		"HARBORCTL_DEFAULT_TIMEZONE":           c.defaultTimezone,
		"HARBORCTL_DISK_WARNING_THRESHOLD":     fmt.Sprintf("%.2f", c.diskWarningThreshold),
		"HARBORCTL_NOTIFY_WEBHOOK_URL":         redact(c.NotifyWebhookURL),
		"HARBORCTL_NOTIFY_SLACK_WEBHOOK":       redact(c.NotifySlackWebhook),
		"HARBORCTL_NOTIFY_DISCORD_WEBHOOK":     redact(c.NotifyDiscordWebhook),
		"HARBORCTL_NOTIFY_MQTT_BROKER":         c.NotifyMQTTBroker,
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// redact returns "(set)" for a non-empty secret-bearing value, "" otherwise.
func redact(s string) string {
	if s != "" {
		return "(set)"
	}
	return ""
}

// ScheduleRetentionDays returns the execution-row retention window.
func (c *Config) ScheduleRetentionDays() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scheduleRetentionDays
}

// SetScheduleRetentionDays updates the execution-row retention window.
func (c *Config) SetScheduleRetentionDays(n int) {
	c.mu.Lock()
	c.scheduleRetentionDays = n
	c.mu.Unlock()
}

// EventRetentionDays returns the container-event retention window.
func (c *Config) EventRetentionDays() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.eventRetentionDays
}

// SetEventRetentionDays updates the container-event retention window.
func (c *Config) SetEventRetentionDays(n int) {
	c.mu.Lock()
	c.eventRetentionDays = n
	c.mu.Unlock()
}

// ScheduleCleanupCron returns the cron expression for schedule-row cleanup.
func (c *Config) ScheduleCleanupCron() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scheduleCleanupCron
}

// EventCleanupCron returns the cron expression for event-row cleanup.
func (c *Config) EventCleanupCron() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.eventCleanupCron
}

// ScheduleCleanupEnabled reports whether schedule-row cleanup runs.
func (c *Config) ScheduleCleanupEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scheduleCleanupEnabled
}

// EventCleanupEnabled reports whether event-row cleanup runs.
func (c *Config) EventCleanupEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.eventCleanupEnabled
}

// DefaultTimezone returns the IANA timezone used for system-wide jobs.
func (c *Config) DefaultTimezone() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultTimezone
}

// SetDefaultTimezone updates the default timezone for system-wide jobs.
func (c *Config) SetDefaultTimezone(tz string) {
	c.mu.Lock()
	c.defaultTimezone = tz
	c.mu.Unlock()
}

// DefaultGrypeArgs returns the CLI argument template for grype scans.
func (c *Config) DefaultGrypeArgs() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultGrypeArgs
}

// DefaultTrivyArgs returns the CLI argument template for trivy scans.
func (c *Config) DefaultTrivyArgs() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultTrivyArgs
}

// DiskWarningThreshold returns the default disk-usage fraction that triggers
// a warning (overridable per environment in the Store).
func (c *Config) DiskWarningThreshold() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.diskWarningThreshold
}

// SetDiskWarningThreshold updates the default disk-usage warning threshold.
func (c *Config) SetDiskWarningThreshold(f float64) {
	c.mu.Lock()
	c.diskWarningThreshold = f
	c.mu.Unlock()
}

// RequireAllScanners reports whether every configured scanner must succeed
// before an auto-update is approved.
func (c *Config) RequireAllScanners() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requireAllScanners
}

// SetRequireAllScanners updates the require-all-scanners policy.
func (c *Config) SetRequireAllScanners(b bool) {
	c.mu.Lock()
	c.requireAllScanners = b
	c.mu.Unlock()
}
