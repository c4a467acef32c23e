package journal

import (
	"testing"
	"time"

	"github.com/harborctl/harborctl/internal/domain"
	"github.com/harborctl/harborctl/internal/logging"
)

type fakeStore struct {
	saved   []domain.ScheduleExecution
	cutoffs []time.Time
	deleted int
}

func (f *fakeStore) SaveExecution(e domain.ScheduleExecution) error {
	f.saved = append(f.saved, e)
	return nil
}

func (f *fakeStore) ListRecentExecutions(limit int) ([]domain.ScheduleExecution, error) {
	return f.saved, nil
}

func (f *fakeStore) DeleteExecutionsOlderThan(cutoff time.Time) (int, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.deleted, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time                  { return c.now }
func (c fixedClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (c fixedClock) Since(t time.Time) time.Duration  { return c.now.Sub(t) }

func TestBeginPersistsRunningRow(t *testing.T) {
	store := &fakeStore{}
	clk := fixedClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	r := Begin(store, clk, logging.New(false), domain.ScheduleGitStackSync, "sched1", "env1", "stack1", domain.TriggerCron)

	if len(store.saved) != 1 {
		t.Fatalf("expected one save, got %d", len(store.saved))
	}
	if store.saved[0].Status != domain.StatusRunning {
		t.Fatalf("expected running status, got %v", store.saved[0].Status)
	}
	if r.ID() == "" {
		t.Fatalf("expected a generated execution id")
	}
}

func TestFinishPersistsTerminalRowWithDuration(t *testing.T) {
	store := &fakeStore{}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := &mutableClock{now: start}

	r := Begin(store, clk, logging.New(false), domain.ScheduleContainerUpdate, "sched1", "env1", "c1", domain.TriggerManual)
	r.Logf("step %d", 1)
	clk.now = start.Add(2 * time.Second)

	if err := r.Finish(domain.StatusSuccess, "", nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	last := store.saved[len(store.saved)-1]
	if last.Status != domain.StatusSuccess {
		t.Fatalf("expected success status, got %v", last.Status)
	}
	if last.DurationMS != 2000 {
		t.Fatalf("expected 2000ms duration, got %d", last.DurationMS)
	}
	if last.Logs == "" {
		t.Fatalf("expected logged lines to be persisted")
	}
}

func TestCleanupOlderThanSkipsWhenRetentionDisabled(t *testing.T) {
	store := &fakeStore{}
	clk := fixedClock{now: time.Now()}

	n, err := CleanupOlderThan(store, clk, 0)
	if err != nil || n != 0 {
		t.Fatalf("expected no-op cleanup, got n=%d err=%v", n, err)
	}
	if len(store.cutoffs) != 0 {
		t.Fatalf("expected no delete call when retention disabled")
	}
}

func TestCleanupOlderThanComputesCutoff(t *testing.T) {
	store := &fakeStore{deleted: 3}
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	clk := fixedClock{now: now}

	n, err := CleanupOlderThan(store, clk, 30)
	if err != nil {
		t.Fatalf("CleanupOlderThan: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 deleted, got %d", n)
	}
	want := now.AddDate(0, 0, -30)
	if !store.cutoffs[0].Equal(want) {
		t.Fatalf("cutoff = %v, want %v", store.cutoffs[0], want)
	}
}

type mutableClock struct{ now time.Time }

func (c *mutableClock) Now() time.Time                  { return c.now }
func (c *mutableClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (c *mutableClock) Since(t time.Time) time.Duration  { return c.now.Sub(t) }
