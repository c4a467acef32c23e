// Package eventworker implements the Event Worker: one long-lived
// container-event stream consumer per environment, with an action
// allowlist, a bounded dedup window, and online/offline transition
// detection. Follows this repo's usual ticker/backoff idiom and
// downstream emission shape, generalized from a single-daemon worker to
// one instance per environment.
package eventworker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/moby/moby/api/types/events"
	"github.com/moby/moby/api/types/filters"

	"github.com/harborctl/harborctl/internal/domain"
	"github.com/harborctl/harborctl/internal/logging"
	"github.com/harborctl/harborctl/internal/notify"
)

const (
	initialBackoff = 5 * time.Second
	maxBackoff     = 60 * time.Second
	dedupWindow    = 5 * time.Second
	dedupMaxSize   = 200
	pruneInterval  = 30 * time.Second
)

// allowedActions is the fixed set of Docker event actions the worker keeps;
// everything else is dropped at the source.
var allowedActions = map[string]bool{
	"create": true, "start": true, "stop": true, "die": true, "kill": true,
	"restart": true, "pause": true, "unpause": true, "destroy": true,
	"rename": true, "update": true, "oom": true, "health_status": true,
}

// DockerEventsClient is the subset of the moby client the worker needs.
type DockerEventsClient interface {
	Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error)
}

// Store is the subset of persistence the worker needs.
type Store interface {
	SaveContainerEvent(domain.ContainerEvent) error
}

// EventPublisher is the Event Broker's container-event bus.
type EventPublisher interface {
	Publish(domain.ContainerEvent)
}

// StatusPublisher is the Event Broker's environment-status bus.
type StatusPublisher interface {
	Publish(domain.EnvStatus)
}

// Notifier is the narrow slice of notify.Multi's surface the worker calls;
// an interface (not the concrete type) so a child-process IPC adapter can
// satisfy it too.
type Notifier interface {
	Notify(ctx context.Context, event notify.Event) bool
}

// Worker runs one environment's event stream for its lifetime; call Run in
// its own goroutine and cancel its context to stop.
type Worker struct {
	EnvID             string
	EnvName           string
	Client            DockerEventsClient
	Store             Store
	Events            EventPublisher
	Status            StatusPublisher
	Notifier          Notifier
	Log               *logging.Logger
	ScannerImageSubstrings []string
	HelperNamePrefixes     []string

	mu      sync.Mutex
	seen    map[string]time.Time
	online  bool
	started bool
}

func (w *Worker) init() {
	if w.seen == nil {
		w.seen = make(map[string]time.Time)
	}
}

// Run consumes the environment's event stream until ctx is cancelled,
// reconnecting with exponential backoff on any stream error.
func (w *Worker) Run(ctx context.Context) {
	w.init()
	backoff := initialBackoff
	pruneTicker := time.NewTicker(pruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streamCtx, cancel := context.WithCancel(ctx)
		filterArgs := filters.NewArgs(filters.Arg("type", "container"))
		eventsCh, errCh := w.Client.Events(streamCtx, events.ListOptions{Filters: filterArgs})

		streamErr := w.consume(ctx, eventsCh, errCh, pruneTicker.C)
		cancel()

		if ctx.Err() != nil {
			return
		}
		if streamErr == nil {
			// context cancelled from outside consume via ctx.Done case.
			return
		}

		w.setOnline(false)
		w.Log.Warn("event worker stream error, reconnecting", "environment_id", w.EnvID, "error", streamErr, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (w *Worker) consume(ctx context.Context, eventsCh <-chan events.Message, errCh <-chan error, prune <-chan time.Time) error {
	firstEvent := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case <-prune:
			w.pruneExpired()
		case evt, ok := <-eventsCh:
			if !ok {
				return errors.New("event stream closed")
			}
			if firstEvent {
				firstEvent = false
				w.setOnline(true)
			}
			w.handle(evt)
		}
	}
}

func (w *Worker) setOnline(online bool) {
	w.mu.Lock()
	changed := w.online != online || !w.started
	w.online = online
	w.started = true
	w.mu.Unlock()

	if changed && w.Status != nil {
		w.Status.Publish(domain.EnvStatus{EnvironmentID: w.EnvID, Name: w.EnvName, Online: online})
	}
}

func (w *Worker) handle(evt events.Message) {
	action := string(evt.Action)
	if !allowedActions[action] {
		return
	}

	image := evt.Actor.Attributes["image"]
	name := evt.Actor.Attributes["name"]
	if w.isScannerImage(image) || w.isHelperContainer(name) {
		return
	}

	timeNano := evt.TimeNano
	key := dedupKey(w.EnvID, timeNano, evt.Actor.ID, action)
	if w.seenRecently(key) {
		return
	}

	normalized := domain.ContainerEvent{
		EnvironmentID: w.EnvID,
		ContainerID:   evt.Actor.ID,
		ContainerName: name,
		Image:         image,
		Action:        action,
		ActorAttributes: evt.Actor.Attributes,
		Timestamp:     time.Unix(0, timeNano),
		TimeNano:      timeNano,
	}

	if w.Store != nil {
		if err := w.Store.SaveContainerEvent(normalized); err != nil {
			w.Log.Warn("event worker persist failed", "environment_id", w.EnvID, "error", err)
		}
	}
	if w.Events != nil {
		w.Events.Publish(normalized)
	}
	if w.Notifier != nil {
		w.Notifier.Notify(context.Background(), notify.Event{
			Type:          notify.EventContainerState,
			EnvironmentID: w.EnvID,
			ContainerName: name,
			NewImage:      image,
			Reason:        severityForAction(action),
			Timestamp:     normalized.Timestamp,
		})
	}
}

func (w *Worker) isScannerImage(image string) bool {
	for _, pattern := range w.ScannerImageSubstrings {
		if pattern != "" && strings.Contains(image, pattern) {
			return true
		}
	}
	return false
}

func (w *Worker) isHelperContainer(name string) bool {
	for _, prefix := range w.HelperNamePrefixes {
		if prefix != "" && strings.HasPrefix(strings.TrimPrefix(name, "/"), prefix) {
			return true
		}
	}
	return false
}

func (w *Worker) seenRecently(key string) bool {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if last, ok := w.seen[key]; ok && now.Sub(last) < dedupWindow {
		return true
	}
	w.seen[key] = now
	if len(w.seen) > dedupMaxSize {
		w.pruneExpiredLocked(now)
	}
	return false
}

func (w *Worker) pruneExpired() {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneExpiredLocked(now)
}

func (w *Worker) pruneExpiredLocked(now time.Time) {
	for k, t := range w.seen {
		if now.Sub(t) >= dedupWindow {
			delete(w.seen, k)
		}
	}
}

func dedupKey(envID string, timeNano int64, containerID, action string) string {
	return domain.ContainerEvent{EnvironmentID: envID, ContainerID: containerID, Action: action, TimeNano: timeNano}.DedupKey()
}

// severityForAction derives a notification severity from a container
// action.
func severityForAction(action string) string {
	switch action {
	case "die", "kill", "oom":
		return "error"
	case "stop":
		return "warning"
	case "start":
		return "success"
	default:
		return "info"
	}
}
