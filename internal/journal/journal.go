// Package journal records the lifecycle of a ScheduleExecution row: created
// when a job starts, appended to as the job logs progress, and finalized
// with a terminal status and duration once the job completes. Follows the
// same snapshot/validate/rollback bookkeeping style used elsewhere in this
// repo's updater, generalized from one hardcoded job kind to any of the
// Scheduler's job kinds.
package journal

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborctl/harborctl/internal/clock"
	"github.com/harborctl/harborctl/internal/domain"
	"github.com/harborctl/harborctl/internal/logging"
)

// Store is the subset of persistence the journal needs.
type Store interface {
	SaveExecution(domain.ScheduleExecution) error
	ListRecentExecutions(limit int) ([]domain.ScheduleExecution, error)
	DeleteExecutionsOlderThan(cutoff time.Time) (int, error)
}

// Recorder tracks one in-flight ScheduleExecution, serializing log
// appends and the eventual terminal write.
type Recorder struct {
	store Store
	clock clock.Clock
	log   *logging.Logger

	mu     sync.Mutex
	exec   domain.ScheduleExecution
	logBuf strings.Builder
}

// Begin creates and persists a new ScheduleExecution row in the running
// state, returning a Recorder the caller uses to log progress and finalize.
func Begin(store Store, clk clock.Clock, log *logging.Logger, kind domain.ScheduleKind, scheduleID, envID, entityName string, trigger domain.TriggerKind) *Recorder {
	now := clk.Now()
	r := &Recorder{
		store: store,
		clock: clk,
		log:   log,
		exec: domain.ScheduleExecution{
			ID:            uuid.NewString(),
			ScheduleKind:  kind,
			ScheduleID:    scheduleID,
			EnvironmentID: envID,
			EntityName:    entityName,
			Trigger:       trigger,
			TriggeredAt:   now,
			StartedAt:     now,
			Status:        domain.StatusRunning,
		},
	}
	if err := store.SaveExecution(r.exec); err != nil && log != nil {
		log.Warn("failed to persist execution start", "schedule_id", scheduleID, "error", err)
	}
	return r
}

// ID returns the execution's identifier.
func (r *Recorder) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.ID
}

// Logf appends a formatted line to the execution's log buffer. Lines are
// not persisted until Finish so a job that panics leaves a running row
// rather than a partially-written log; callers that want incremental
// visibility should call Flush.
func (r *Recorder) Logf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(&r.logBuf, format+"\n", args...)
}

// Flush persists the log buffer accumulated so far without finalizing the
// execution, for long-running jobs whose log should be tailable mid-flight.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	r.exec.Logs = r.logBuf.String()
	snapshot := r.exec
	r.mu.Unlock()
	return r.store.SaveExecution(snapshot)
}

// Finish sets the terminal status, duration, error, and details, then
// persists the final row.
func (r *Recorder) Finish(status domain.ExecutionStatus, errMsg string, details any) error {
	r.mu.Lock()
	now := r.clock.Now()
	r.exec.CompletedAt = &now
	r.exec.DurationMS = now.Sub(r.exec.StartedAt).Milliseconds()
	r.exec.Status = status
	r.exec.Error = errMsg
	r.exec.Details = details
	r.exec.Logs = r.logBuf.String()
	snapshot := r.exec
	r.mu.Unlock()

	if err := r.store.SaveExecution(snapshot); err != nil {
		if r.log != nil {
			r.log.Warn("failed to persist execution finish", "execution_id", snapshot.ID, "error", err)
		}
		return err
	}
	return nil
}

// CleanupOlderThan removes execution rows older than retentionDays,
// implementing the schedule_cleanup system job.
func CleanupOlderThan(store Store, clk clock.Clock, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := clk.Now().AddDate(0, 0, -retentionDays)
	return store.DeleteExecutionsOlderThan(cutoff)
}
