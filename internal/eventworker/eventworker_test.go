package eventworker

import (
	"context"
	"testing"
	"time"

	"github.com/moby/moby/api/types/events"

	"github.com/harborctl/harborctl/internal/domain"
	"github.com/harborctl/harborctl/internal/logging"
)

type fakeStore struct{ saved []domain.ContainerEvent }

func (f *fakeStore) SaveContainerEvent(e domain.ContainerEvent) error {
	f.saved = append(f.saved, e)
	return nil
}

type fakeEvents struct{ published []domain.ContainerEvent }

func (f *fakeEvents) Publish(e domain.ContainerEvent) { f.published = append(f.published, e) }

type fakeStatus struct{ events []domain.EnvStatus }

func (f *fakeStatus) Publish(s domain.EnvStatus) { f.events = append(f.events, s) }

func newWorker() (*Worker, *fakeStore, *fakeEvents, *fakeStatus) {
	store := &fakeStore{}
	evts := &fakeEvents{}
	status := &fakeStatus{}
	w := &Worker{
		EnvID:  "env-1",
		Store:  store,
		Events: evts,
		Status: status,
		Log:    logging.New(false),
	}
	w.init()
	return w, store, evts, status
}

func TestHandleDropsDisallowedAction(t *testing.T) {
	w, store, evts, _ := newWorker()
	w.handle(events.Message{Action: "exec_create", Actor: events.Actor{ID: "c1", Attributes: map[string]string{"name": "web"}}})

	if len(store.saved) != 0 || len(evts.published) != 0 {
		t.Fatal("expected disallowed action to be dropped")
	}
}

func TestHandleDropsHelperContainer(t *testing.T) {
	w, store, _, _ := newWorker()
	w.HelperNamePrefixes = []string{"harborctl-helper-"}
	w.handle(events.Message{Action: "start", Actor: events.Actor{ID: "c1", Attributes: map[string]string{"name": "harborctl-helper-scan"}}})

	if len(store.saved) != 0 {
		t.Fatal("expected helper container event to be dropped")
	}
}

func TestHandleDedupsWithinWindow(t *testing.T) {
	w, store, _, _ := newWorker()
	evt := events.Message{Action: "start", TimeNano: 1000, Actor: events.Actor{ID: "c1", Attributes: map[string]string{"name": "web"}}}

	w.handle(evt)
	w.handle(evt)

	if len(store.saved) != 1 {
		t.Fatalf("saved = %d, want 1 (deduped)", len(store.saved))
	}
}

func TestSetOnlinePublishesOnlyOnChange(t *testing.T) {
	w, _, _, status := newWorker()
	w.setOnline(true)
	w.setOnline(true)
	w.setOnline(false)

	if len(status.events) != 2 {
		t.Fatalf("status publishes = %d, want 2 (initial + change)", len(status.events))
	}
}

func TestSeverityForAction(t *testing.T) {
	cases := map[string]string{"die": "error", "kill": "error", "oom": "error", "stop": "warning", "start": "success", "restart": "info"}
	for action, want := range cases {
		if got := severityForAction(action); got != want {
			t.Fatalf("severityForAction(%q) = %q, want %q", action, got, want)
		}
	}
}

func TestConsumeReturnsOnContextCancel(t *testing.T) {
	w, _, _, _ := newWorker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eventsCh := make(chan events.Message)
	errCh := make(chan error)
	prune := make(chan time.Time)

	if err := w.consume(ctx, eventsCh, errCh, prune); err != nil {
		t.Fatalf("expected nil error on context cancel, got %v", err)
	}
}
