// Package scheduler is the cron registry driving per-container, per-stack,
// per-environment, and system-wide jobs, timezone-aware, with idempotent
// register/unregister and a defensive re-read of the schedule before each
// fire. Uses github.com/robfig/cron/v3, extended from a validation-only
// role into a full dynamic registry, with a run-loop/reset-channel idiom
// for the static system jobs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/harborctl/harborctl/internal/domain"
	"github.com/harborctl/harborctl/internal/logging"
)

// parser accepts the standard six-field cron set: optional seconds,
// minute, hour, day-of-month, month, day-of-week.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// IsValidCron reports whether expr parses under the Scheduler's field set.
func IsValidCron(expr string) bool {
	_, err := parser.Parse(expr)
	return err == nil
}

// NextRun returns the next fire time for expr in the given IANA timezone
// (UTC if tz is empty), or an error if expr or tz is invalid.
func NextRun(expr, tz string) (time.Time, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		loc = l
	}
	schedule, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule.Next(time.Now().In(loc)), nil
}

// Store is the subset of persistence the Scheduler needs to resolve and
// re-validate schedules.
type Store interface {
	GetSchedule(id string) (domain.Schedule, error)
	ListSchedules() ([]domain.Schedule, error)
	ListSchedulesForEnvironment(envID string) ([]domain.Schedule, error)
}

// Task runs one fire of a schedule. The Scheduler has already re-read the
// Schedule from the Store and confirmed it is still enabled before
// invoking Task; the implementation only needs to do the work.
type Task func(ctx context.Context, sch domain.Schedule)

// jobKey identifies one registered dynamic cron entry.
type jobKey struct {
	kind domain.ScheduleKind
	id   string
}

// Scheduler is the cron registry.
type Scheduler struct {
	store           Store
	log             *logging.Logger
	defaultTimezone string
	tasks           map[domain.ScheduleKind]Task

	cron *cron.Cron

	mu      sync.Mutex
	entries map[jobKey]cron.EntryID
}

// New creates a Scheduler. tasks maps each dynamic ScheduleKind to the
// function invoked on fire; system_cleanup is registered separately via
// RegisterStaticJob since it has no Schedule row of its own.
func New(store Store, log *logging.Logger, defaultTimezone string, tasks map[domain.ScheduleKind]Task) *Scheduler {
	return &Scheduler{
		store:           store,
		log:             log,
		defaultTimezone: defaultTimezone,
		tasks:           tasks,
		cron:            cron.New(cron.WithParser(parser)),
		entries:         make(map[jobKey]cron.EntryID),
	}
}

// Start starts the underlying cron runtime. It does not itself register any
// jobs — call RefreshAllSchedules and RegisterStaticJob first.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron runtime from starting new runs and returns a context
// that is done once any running job has returned; it does not itself wait.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RegisterStaticJob registers a system-wide job (system_cleanup's
// constituent cleanups) that has no backing Schedule row, running it in
// the Scheduler's default timezone.
func (s *Scheduler) RegisterStaticJob(name string, expr string, enabled bool, fn func(ctx context.Context)) error {
	key := jobKey{kind: domain.ScheduleSystemCleanup, id: name}
	s.unregisterKey(key)
	if !enabled || expr == "" {
		return nil
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression for static job %q: %w", name, err)
	}
	entryID, err := s.cron.AddFunc(withTimezone(expr, s.defaultTimezone), func() {
		fn(context.Background())
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[key] = entryID
	s.mu.Unlock()
	return nil
}

// withTimezone prefixes a cron spec with the robfig/cron CRON_TZ directive
// so a single shared Cron runtime can schedule entries across different
// timezones, rather than pinning one location for the whole runtime.
func withTimezone(expr, tz string) string {
	if tz == "" {
		return expr
	}
	return "CRON_TZ=" + tz + " " + expr
}

// Register unregisters any existing job for (kind,id) and creates a fresh
// one if the schedule is enabled and its cron expression parses.
// Idempotent.
func (s *Scheduler) Register(id string, kind domain.ScheduleKind, envID string) error {
	key := jobKey{kind: kind, id: id}
	s.unregisterKey(key)

	sch, err := s.store.GetSchedule(id)
	if err != nil {
		return err
	}
	if !sch.ShouldRegister() {
		return nil
	}
	task, ok := s.tasks[kind]
	if !ok {
		return fmt.Errorf("no task registered for schedule kind %q", kind)
	}

	if _, err := parser.Parse(sch.CronExpression); err != nil {
		if s.log != nil {
			s.log.Warn("invalid cron expression, skipping registration", "schedule_id", id, "expr", sch.CronExpression, "error", err)
		}
		return nil
	}

	tz := sch.Timezone
	if tz == "" {
		tz = s.defaultTimezone
	}
	if _, err := time.LoadLocation(tz); err != nil {
		if s.log != nil {
			s.log.Warn("invalid timezone, falling back to UTC", "timezone", tz, "error", err)
		}
		tz = "UTC"
	}

	entryID, err := s.cron.AddFunc(withTimezone(sch.CronExpression, tz), func() {
		s.fire(id, kind)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.entries[key] = entryID
	s.mu.Unlock()
	return nil
}

// Unregister removes any active cron entry for (kind,id). Idempotent.
func (s *Scheduler) Unregister(id string, kind domain.ScheduleKind) {
	s.unregisterKey(jobKey{kind: kind, id: id})
}

func (s *Scheduler) unregisterKey(key jobKey) {
	s.mu.Lock()
	entryID, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	if ok {
		s.cron.Remove(entryID)
	}
}

// fire re-reads the schedule from the Store before delegating to the task,
// since the schedule may have been disabled between registration and fire.
func (s *Scheduler) fire(id string, kind domain.ScheduleKind) {
	sch, err := s.store.GetSchedule(id)
	if err != nil {
		if s.log != nil {
			s.log.Warn("schedule vanished before fire", "schedule_id", id, "error", err)
		}
		return
	}
	if !sch.Enabled {
		if s.log != nil {
			s.log.Info("schedule disabled between registration and fire, skipping", "schedule_id", id)
		}
		return
	}
	task, ok := s.tasks[kind]
	if !ok {
		return
	}
	task(context.Background(), sch)
}

// TriggerNow re-reads id from the Store and runs its task immediately, in
// a new goroutine, independent of its cron entry. Used by the Web API
// Gateway's manual-trigger endpoint; does not require the schedule to be
// enabled, since an operator-initiated run is an explicit override.
func (s *Scheduler) TriggerNow(id string) error {
	sch, err := s.store.GetSchedule(id)
	if err != nil {
		return err
	}
	task, ok := s.tasks[sch.Kind]
	if !ok {
		return fmt.Errorf("no task registered for schedule kind %q", sch.Kind)
	}
	go task(context.Background(), sch)
	return nil
}

// RefreshAllSchedules rebuilds the full dynamic set from the Store. Called
// on start and on environment change.
func (s *Scheduler) RefreshAllSchedules() error {
	schedules, err := s.store.ListSchedules()
	if err != nil {
		return err
	}
	for _, sch := range schedules {
		if err := s.Register(sch.ID, sch.Kind, sch.EnvironmentID); err != nil && s.log != nil {
			s.log.Warn("failed to register schedule", "schedule_id", sch.ID, "error", err)
		}
	}
	return nil
}

// RefreshSchedulesForEnvironment re-registers every schedule targeting
// envID, picking up a new timezone.
func (s *Scheduler) RefreshSchedulesForEnvironment(envID string) error {
	schedules, err := s.store.ListSchedulesForEnvironment(envID)
	if err != nil {
		return err
	}
	for _, sch := range schedules {
		if err := s.Register(sch.ID, sch.Kind, sch.EnvironmentID); err != nil && s.log != nil {
			s.log.Warn("failed to re-register schedule", "schedule_id", sch.ID, "error", err)
		}
	}
	return nil
}
