// Package history exposes the append-only audit trail of job and task
// status transitions. Rows are written by the job and task stores inside
// the same unit of work as the transition they record; this package only
// builds them and reads them back. Nothing here ever mutates or deletes a
// history row.
package history

import (
	"context"

	"github.com/praxion/batchjobs/pkg/core"
	"github.com/praxion/batchjobs/pkg/tenancy"
)

// Recorder reads the audit trail back out of storage.
type Recorder struct {
	storage core.Storage
}

// New creates a history recorder.
func New(s core.Storage) *Recorder {
	return &Recorder{storage: s}
}

// ForJob returns the transition records of a job in creation order.
func (r *Recorder) ForJob(ctx context.Context, jobID string) ([]core.JobHistory, error) {
	return r.storage.GetJobHistory(ctx, jobID)
}

// ForTask returns the transition records of a task in creation order.
func (r *Recorder) ForTask(ctx context.Context, taskID string) ([]core.TaskHistory, error) {
	return r.storage.GetTaskHistory(ctx, taskID)
}

// JobRow builds a job history row with the acting user taken from context.
// The storage layer fills in the job id and both statuses at write time.
func JobRow(ctx context.Context, reason string) *core.JobHistory {
	return &core.JobHistory{Reason: reason, Actor: tenancy.Actor(ctx)}
}

// TaskRow is the task-level counterpart of JobRow.
func TaskRow(ctx context.Context, reason string) *core.TaskHistory {
	return &core.TaskHistory{Reason: reason, Actor: tenancy.Actor(ctx)}
}
