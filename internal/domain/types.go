// Package domain holds the shared data model for the control plane:
// Environment, Stack, Schedule, Execution, ScanResult, and the message and
// error types every other package exchanges. Types here carry no behavior
// beyond small accessors; business logic lives in the component packages.
package domain

import "time"

// TransportKind selects how the Connection Router reaches an environment's
// container daemon.
type TransportKind string

const (
	TransportSocket     TransportKind = "socket"
	TransportDirect     TransportKind = "direct"
	TransportAgentToken TransportKind = "agent-token"
	TransportAgentEdge  TransportKind = "agent-edge"
)

// Transport describes how to reach one environment's daemon.
type Transport struct {
	Kind          TransportKind `json:"kind"`
	Host          string        `json:"host,omitempty"`
	Port          int           `json:"port,omitempty"`
	SocketPath    string        `json:"socket_path,omitempty"`
	TLSCA         string        `json:"tls_ca,omitempty"`
	TLSCert       string        `json:"tls_cert,omitempty"`
	TLSKey        string        `json:"tls_key,omitempty"`
	TLSSkipVerify bool          `json:"tls_skip_verify,omitempty"`
	AgentToken    string        `json:"agent_token,omitempty"`
}

// Environment represents one container daemon the server manages.
type Environment struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Transport        Transport         `json:"transport"`
	CollectActivity  bool              `json:"collect_activity"`
	CollectMetrics   bool              `json:"collect_metrics"`
	Icon             string            `json:"icon,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`

	// Agent observation, populated only for agent-edge environments.
	LastSeen     time.Time `json:"last_seen,omitempty"`
	AgentID      string    `json:"agent_id,omitempty"`
	AgentName    string    `json:"agent_name,omitempty"`
	AgentVersion string    `json:"agent_version,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsEdge reports whether the environment is reached through the Agent Gateway.
func (e Environment) IsEdge() bool {
	return e.Transport.Kind == TransportAgentEdge
}

// AgentToken is a per-environment reverse-tunnel bearer credential.
// The raw token is never stored: TokenHash holds an Argon2id digest and
// Prefix holds the first eight characters for identification in the UI.
type AgentToken struct {
	ID            string     `json:"id"`
	EnvironmentID string     `json:"environment_id"`
	TokenHash     string     `json:"-"`
	Prefix        string     `json:"prefix"`
	Active        bool       `json:"active"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Expired reports whether the token has passed its expiry, if any is set.
func (t AgentToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// StackSourceKind records how a compose stack's definition is obtained.
type StackSourceKind string

const (
	StackSourceInternal StackSourceKind = "internal"
	StackSourceGit      StackSourceKind = "git"
	StackSourceExternal StackSourceKind = "external"
)

// StackSource records the provenance of a stack within an environment.
type StackSource struct {
	StackName     string          `json:"stack_name"`
	EnvironmentID string          `json:"environment_id"`
	Source        StackSourceKind `json:"source"`
	GitRepoID     string          `json:"git_repo_id,omitempty"`
	GitStackID    string          `json:"git_stack_id,omitempty"`
}

// StackEnvVar is a persisted override for one key in a stack's environment,
// taking precedence over any .env file read from a git repository.
type StackEnvVar struct {
	StackName     string `json:"stack_name"`
	EnvironmentID string `json:"environment_id"`
	Key           string `json:"key"`
	Value         string `json:"value"`
	IsSecret      bool   `json:"is_secret"`
}

// ScheduleKind enumerates the jobs the Scheduler can run.
type ScheduleKind string

const (
	ScheduleContainerUpdate ScheduleKind = "container_update"
	ScheduleGitStackSync    ScheduleKind = "git_stack_sync"
	ScheduleEnvUpdateCheck  ScheduleKind = "env_update_check"
	ScheduleSystemCleanup   ScheduleKind = "system_cleanup"
)

// Schedule is a cron-registered job definition.
type Schedule struct {
	ID             string       `json:"id"`
	Kind           ScheduleKind `json:"kind"`
	CronExpression string       `json:"cron_expression"`
	Timezone       string       `json:"timezone,omitempty"`
	Enabled        bool         `json:"enabled"`
	EnvironmentID  string       `json:"environment_id,omitempty"`
	// PayloadRef identifies the target of the job (a container id for
	// container_update, a stack name for git_stack_sync, etc).
	PayloadRef string `json:"payload_ref,omitempty"`
}

// ShouldRegister reports whether this schedule should have an active cron
// entry: it is enabled and has a non-empty cron expression. Whether the
// expression parses is checked by the caller.
func (s Schedule) ShouldRegister() bool {
	return s.Enabled && s.CronExpression != ""
}

// TriggerKind records what caused a ScheduleExecution to run.
type TriggerKind string

const (
	TriggerCron    TriggerKind = "cron"
	TriggerWebhook TriggerKind = "webhook"
	TriggerManual  TriggerKind = "manual"
)

// ExecutionStatus is the terminal or in-flight state of a ScheduleExecution.
type ExecutionStatus string

const (
	StatusQueued  ExecutionStatus = "queued"
	StatusRunning ExecutionStatus = "running"
	StatusSuccess ExecutionStatus = "success"
	StatusFailed  ExecutionStatus = "failed"
	StatusSkipped ExecutionStatus = "skipped"
)

// Terminal reports whether the status ends a ScheduleExecution's lifecycle.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// ScheduleExecution is one invocation of a Schedule.
type ScheduleExecution struct {
	ID            string          `json:"id"`
	ScheduleKind  ScheduleKind    `json:"schedule_kind"`
	ScheduleID    string          `json:"schedule_id"`
	EnvironmentID string          `json:"environment_id,omitempty"`
	EntityName    string          `json:"entity_name,omitempty"`
	Trigger       TriggerKind     `json:"trigger"`
	TriggeredAt   time.Time       `json:"triggered_at"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	DurationMS    int64           `json:"duration_ms,omitempty"`
	Status        ExecutionStatus `json:"status"`
	Error         string          `json:"error,omitempty"`
	Details       any             `json:"details,omitempty"`
	Logs          string          `json:"logs,omitempty"`
}

// ContainerEvent is a normalized event derived from a daemon's event stream
// or from an agent's container_event frame.
type ContainerEvent struct {
	ID              string    `json:"id"`
	EnvironmentID   string    `json:"environment_id"`
	ContainerID     string    `json:"container_id"`
	ContainerName   string    `json:"container_name,omitempty"`
	Image           string    `json:"image,omitempty"`
	Action          string    `json:"action"`
	ActorAttributes any       `json:"actor_attributes,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	TimeNano        int64     `json:"time_nano"`
}

// DedupKey returns the in-memory dedup key described in the data model:
// (environment_id, time_nano, container_id, action).
func (e ContainerEvent) DedupKey() string {
	return e.EnvironmentID + "|" + itoa(e.TimeNano) + "|" + e.ContainerID + "|" + e.Action
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// HostMetric is one sample of an environment's aggregate container stats.
type HostMetric struct {
	EnvironmentID string    `json:"environment_id"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsed    uint64    `json:"memory_used"`
	MemoryTotal   uint64    `json:"memory_total"`
	Timestamp     time.Time `json:"timestamp"`
}

// Scanner identifies a vulnerability scanning tool.
type Scanner string

const (
	ScannerNone  Scanner = "none"
	ScannerGrype Scanner = "grype"
	ScannerTrivy Scanner = "trivy"
	ScannerBoth  Scanner = "both"
)

// SeverityCounts tallies vulnerability findings by severity.
type SeverityCounts struct {
	Critical   int `json:"critical"`
	High       int `json:"high"`
	Medium     int `json:"medium"`
	Low        int `json:"low"`
	Negligible int `json:"negligible"`
	Unknown    int `json:"unknown"`
}

// Total sums every severity bucket.
func (c SeverityCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low + c.Negligible + c.Unknown
}

// Max returns the element-wise maximum of two SeverityCounts, used to
// combine results from multiple scanners.
func (c SeverityCounts) Max(o SeverityCounts) SeverityCounts {
	return SeverityCounts{
		Critical:   maxInt(c.Critical, o.Critical),
		High:       maxInt(c.High, o.High),
		Medium:     maxInt(c.Medium, o.Medium),
		Low:        maxInt(c.Low, o.Low),
		Negligible: maxInt(c.Negligible, o.Negligible),
		Unknown:    maxInt(c.Unknown, o.Unknown),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// VulnerabilityScan records the outcome of scanning one image.
type VulnerabilityScan struct {
	EnvironmentID  string         `json:"environment_id,omitempty"`
	ImageID        string         `json:"image_id"`
	ImageName      string         `json:"image_name"`
	ScannerName    Scanner        `json:"scanner"`
	ScannedAt      time.Time      `json:"scanned_at"`
	DurationMS     int64          `json:"duration_ms"`
	Counts         SeverityCounts `json:"counts"`
	Vulnerabilities any           `json:"vulnerabilities,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// PendingContainerUpdate records a container an env_update_check found to be
// out of date, until it is updated or the next check supersedes it.
type PendingContainerUpdate struct {
	EnvironmentID string    `json:"environment_id"`
	ContainerID   string    `json:"container_id"`
	ContainerName string    `json:"container_name"`
	CurrentImage  string    `json:"current_image"`
	CheckedAt     time.Time `json:"checked_at"`
}

// Criteria decides whether vulnerability findings block an auto-update.
type Criteria string

const (
	CriteriaNever            Criteria = "never"
	CriteriaAny              Criteria = "any"
	CriteriaCriticalHigh     Criteria = "critical_high"
	CriteriaCritical         Criteria = "critical"
	CriteriaMoreThanCurrent  Criteria = "more_than_current"
)

// Blocks applies the criteria rule to a candidate scan against an optional
// baseline (the currently-running image's cached scan).
func (c Criteria) Blocks(candidate SeverityCounts, baseline *SeverityCounts) bool {
	switch c {
	case CriteriaNever:
		return false
	case CriteriaAny:
		return candidate.Total() > 0
	case CriteriaCriticalHigh:
		return candidate.Critical+candidate.High > 0
	case CriteriaCritical:
		return candidate.Critical > 0
	case CriteriaMoreThanCurrent:
		if baseline == nil {
			return false
		}
		return candidate.Total() > baseline.Total()
	default:
		return false
	}
}

// AuditEntry records an operator or system action for the audit channel.
type AuditEntry struct {
	ID            string    `json:"id"`
	Actor         string    `json:"actor"`
	Action        string    `json:"action"`
	Resource      string    `json:"resource"`
	EnvironmentID string    `json:"environment_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Detail        string    `json:"detail,omitempty"`
}

// EnvStatus is broadcast on the env_status broker channel.
type EnvStatus struct {
	EnvironmentID string `json:"environment_id"`
	Name          string `json:"name"`
	Online        bool   `json:"online"`
	Error         string `json:"error,omitempty"`
}

// RegistryCredential authenticates pulls and manifest lookups against one
// registry host.
type RegistryCredential struct {
	ID       string `json:"id"`
	Host     string `json:"host"`
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

// MaskSecret returns a copy with Secret replaced by a fixed-width mask,
// safe for inclusion in API responses or logs.
func (c RegistryCredential) MaskSecret() RegistryCredential {
	if c.Secret != "" {
		c.Secret = "********"
	}
	return c
}

// GitAuthKind selects how the Git Stack Syncer authenticates a clone/fetch.
type GitAuthKind string

const (
	GitAuthNone  GitAuthKind = "none"
	GitAuthHTTPS GitAuthKind = "https"
	GitAuthSSH   GitAuthKind = "ssh"
)

// GitRepository is one configured git source for compose stacks.
type GitRepository struct {
	ID         string      `json:"id"`
	CloneURL   string      `json:"clone_url"`
	Branch     string      `json:"branch"`
	Auth       GitAuthKind `json:"auth"`
	Username   string      `json:"username,omitempty"`
	Password   string      `json:"-"`
	PrivateKey string      `json:"-"`
}

// MaskSecrets returns a copy with Password/PrivateKey cleared, safe for
// inclusion in API responses or logs.
func (r GitRepository) MaskSecrets() GitRepository {
	r.Password = ""
	r.PrivateKey = ""
	return r
}

// GitStack names one compose stack tracked inside a GitRepository.
type GitStack struct {
	ID              string `json:"id"`
	RepositoryID    string `json:"repository_id"`
	EnvironmentID   string `json:"environment_id"`
	StackName       string `json:"stack_name"`
	ComposeFilePath string `json:"compose_file_path"`
	EnvFilePath     string `json:"env_file_path,omitempty"`
	LastCommit      string `json:"last_commit,omitempty"`
}
