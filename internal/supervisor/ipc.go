package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/harborctl/harborctl/internal/domain"
	"github.com/harborctl/harborctl/internal/notify"
)

// ipcMessage is the single wire shape for the JSON-lines protocol between a
// worker child process and its parent supervisor, analogous in spirit to
// the Agent Gateway's flat frame type but carrying the Worker Supervisor's
// own message set.
type ipcMessage struct {
	Type string `json:"type"`

	Metric       *domain.HostMetric     `json:"metric,omitempty"`
	ContainerEvt *domain.ContainerEvent `json:"container_event,omitempty"`
	EnvStatus    *domain.EnvStatus      `json:"env_status,omitempty"`
	DiskWarning  *diskWarningPayload    `json:"disk_warning,omitempty"`
	Notify       *notify.Event          `json:"notify,omitempty"`

	// Environments carries the parent's environment list down to a freshly
	// spawned child on an "init" message — a child process holds no Store
	// handle of its own (bbolt's single-writer lock forbids it), so this is
	// the only way it learns what to watch.
	Environments []domain.Environment `json:"environments,omitempty"`
}

type diskWarningPayload struct {
	EnvironmentID string  `json:"environment_id"`
	UsedRatio     float64 `json:"used_ratio"`
}

const (
	ipcTypeMetric      = "metric"
	ipcTypeDiskWarning = "disk_warning"
	ipcTypeEvent       = "container_event"
	ipcTypeEnvStatus   = "env_status"
	ipcTypeNotify      = "notify"
	ipcTypeShutdown    = "shutdown"
	ipcTypeInit        = "init"
)

// InitMessage is the decoded "init" JSON-line sent to a child on startup,
// carrying the environments it should watch. Exported so cmd/harborctl's worker
// entrypoint can decode it without duplicating the wire type.
type InitMessage struct {
	Environments []domain.Environment `json:"environments,omitempty"`
}

// DecodeInit reports whether line is an "init" message and, if so, its
// environment list.
func DecodeInit(line []byte) (InitMessage, bool) {
	var msg ipcMessage
	if err := json.Unmarshal(line, &msg); err != nil || msg.Type != ipcTypeInit {
		return InitMessage{}, false
	}
	return InitMessage{Environments: msg.Environments}, true
}

// IsShutdown reports whether line is a "shutdown" message from the parent.
func IsShutdown(line []byte) bool {
	var msg ipcMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return false
	}
	return msg.Type == ipcTypeShutdown
}

// ChildEmitter implements the Event/Metrics Workers' persistence and
// broadcast interfaces by writing IPC messages to the parent process
// instead of touching the Store directly — a worker child process cannot
// safely hold its own bbolt handle alongside the parent's.
type ChildEmitter struct {
	mu sync.Mutex
	w  io.Writer
	enc *json.Encoder
}

func NewChildEmitter(w io.Writer) *ChildEmitter {
	return &ChildEmitter{w: w, enc: json.NewEncoder(w)}
}

func (c *ChildEmitter) write(msg ipcMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.enc.Encode(msg)
}

// SaveHostMetric implements metricsworker.Store.
func (c *ChildEmitter) SaveHostMetric(m domain.HostMetric) error {
	c.write(ipcMessage{Type: ipcTypeMetric, Metric: &m})
	return nil
}

// SaveContainerEvent implements eventworker.Store.
func (c *ChildEmitter) SaveContainerEvent(e domain.ContainerEvent) error {
	c.write(ipcMessage{Type: ipcTypeEvent, ContainerEvt: &e})
	return nil
}

// EmitDiskWarning reports a rate-limited disk-threshold breach.
func (c *ChildEmitter) EmitDiskWarning(envID string, usedRatio float64) {
	c.write(ipcMessage{Type: ipcTypeDiskWarning, DiskWarning: &diskWarningPayload{EnvironmentID: envID, UsedRatio: usedRatio}})
}

// EventPublisherAdapter implements eventworker.EventPublisher, forwarding
// to the child emitter. Go has no method overloading, so each Publish
// shape the emitter backs gets its own thin adapter type.
type EventPublisherAdapter struct{ Emitter *ChildEmitter }

func (a EventPublisherAdapter) Publish(e domain.ContainerEvent) {
	a.Emitter.write(ipcMessage{Type: ipcTypeEvent, ContainerEvt: &e})
}

// StatusPublisherAdapter implements eventworker.StatusPublisher.
type StatusPublisherAdapter struct{ Emitter *ChildEmitter }

func (a StatusPublisherAdapter) Publish(s domain.EnvStatus) {
	a.Emitter.write(ipcMessage{Type: ipcTypeEnvStatus, EnvStatus: &s})
}

// NotifierAdapter implements both eventworker.Notifier and
// metricsworker.Notifier, forwarding the event to the parent for dispatch
// through the real notify.Multi (which holds the configured channels).
type NotifierAdapter struct{ Emitter *ChildEmitter }

func (a NotifierAdapter) Notify(_ context.Context, event notify.Event) bool {
	a.Emitter.write(ipcMessage{Type: ipcTypeNotify, Notify: &event})
	return true
}
