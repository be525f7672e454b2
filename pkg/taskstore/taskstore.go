// Package taskstore owns the task lifecycle: atomic claim and assignment,
// start/complete/fail/cancel transitions, and the per-task bookkeeping that
// feeds job progress and worker capacity.
package taskstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/praxion/batchjobs/pkg/core"
	"github.com/praxion/batchjobs/pkg/history"
	"github.com/praxion/batchjobs/pkg/jobstore"
	"github.com/praxion/batchjobs/pkg/registry"
	"github.com/praxion/batchjobs/pkg/tenancy"
	"github.com/praxion/batchjobs/pkg/validate"
)

// TaskSpec describes one task of a job being expanded.
type TaskSpec struct {
	SequenceNumber int
	Parameters     []byte
	MaxRetries     int
	Timeout        time.Duration
}

// Store manages tasks. Completion and failure release worker capacity and
// trigger job progress recomputation as one logical unit per task, so
// concurrently completing siblings never under-count each other.
type Store struct {
	storage  core.Storage
	registry *registry.Registry
	jobs     *jobstore.Store
	logger   *slog.Logger
}

// New creates a task store.
func New(s core.Storage, reg *registry.Registry, jobs *jobstore.Store) *Store {
	return &Store{
		storage:  s,
		registry: reg,
		jobs:     jobs,
		logger:   slog.Default().With("component", "taskstore"),
	}
}

// CreateForJob expands a job into its tasks. Sequence numbers must be
// unique within the job; they define assignment order.
func (st *Store) CreateForJob(ctx context.Context, job *core.Job, specs []TaskSpec) ([]*core.Task, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	seen := make(map[int]bool, len(specs))
	tasks := make([]*core.Task, 0, len(specs))
	hists := make([]*core.TaskHistory, 0, len(specs))
	for _, spec := range specs {
		if seen[spec.SequenceNumber] {
			return nil, fmt.Errorf("%w: duplicate sequence number %d", core.ErrInvalidSpec, spec.SequenceNumber)
		}
		seen[spec.SequenceNumber] = true
		if len(spec.Parameters) > validate.MaxParametersSize {
			return nil, fmt.Errorf("%w: task parameters exceed size limit", core.ErrInvalidSpec)
		}
		tasks = append(tasks, &core.Task{
			JobID:          job.ID,
			TenantID:       job.TenantID,
			SequenceNumber: spec.SequenceNumber,
			Status:         core.TaskPending,
			MaxRetries:     validate.ClampRetries(spec.MaxRetries),
			Timeout:        spec.Timeout,
			Parameters:     spec.Parameters,
		})
		hist := history.TaskRow(ctx, "task created")
		hist.NewStatus = core.TaskPending
		hists = append(hists, hist)
	}
	if err := st.storage.CreateTasks(ctx, tasks, hists); err != nil {
		return nil, err
	}
	st.logger.Info("tasks created", "job_id", job.ID, "count", len(tasks))
	return tasks, nil
}

// ClaimNext returns the lowest-sequence pending task of the job, or nil
// when none remain. The actual claim is the compare-and-set in Assign.
func (st *Store) ClaimNext(ctx context.Context, jobID string) (*core.Task, error) {
	return st.storage.NextPendingTask(ctx, jobID)
}

// Assign binds a pending task to a worker. The caller must hold a capacity
// reservation for the worker before calling; assignment without one breaks
// the capacity invariant (ordering contract, not enforceable here). Losing
// the pending->assigned race yields an InvalidTransitionError; callers
// treat that as "someone else claimed it" and skip.
func (st *Store) Assign(ctx context.Context, taskID, workerID string) error {
	if workerID == "" {
		return fmt.Errorf("%w: no reservation held", core.ErrCapacityUnavailable)
	}
	claimed, err := st.storage.ClaimTask(ctx, taskID, workerID, history.TaskRow(ctx, "assigned to worker"))
	if err != nil {
		return err
	}
	if !claimed {
		task, gerr := st.storage.GetTask(ctx, taskID)
		if gerr != nil {
			return gerr
		}
		if task == nil {
			return core.ErrNotFound
		}
		return core.NewTaskTransitionError(taskID, task.Status, core.TaskAssigned)
	}
	st.logger.Debug("task assigned", "task_id", taskID, "worker_id", workerID)
	return nil
}

// Unassign reverts an assigned task to pending after a failed dispatch,
// clearing the worker binding so a later scheduling pass can re-offer it.
// Capacity release is the caller's half of the revert.
func (st *Store) Unassign(ctx context.Context, taskID, reason string) error {
	moved, err := st.storage.TransitionTask(ctx, taskID, core.TaskAssigned, core.TaskPending,
		map[string]any{"worker_id": ""}, history.TaskRow(ctx, reason))
	if err != nil {
		return err
	}
	if !moved {
		task, gerr := st.storage.GetTask(ctx, taskID)
		if gerr != nil {
			return gerr
		}
		if task == nil {
			return core.ErrNotFound
		}
		return core.NewTaskTransitionError(taskID, task.Status, core.TaskPending)
	}
	return nil
}

// Start records the worker picking the task up and marks the owning job
// running if this was its first task.
func (st *Store) Start(ctx context.Context, taskID string) error {
	task, err := st.Get(ctx, taskID)
	if err != nil {
		return err
	}
	now := time.Now()
	moved, err := st.storage.TransitionTask(ctx, taskID, core.TaskAssigned, core.TaskRunning,
		map[string]any{"started_at": now}, history.TaskRow(ctx, "worker started task"))
	if err != nil {
		return err
	}
	if !moved {
		return core.NewTaskTransitionError(taskID, task.Status, core.TaskRunning)
	}
	return st.jobs.MarkRunning(ctx, task.JobID)
}

// Complete records a successful task outcome, releases the worker's
// capacity slot and recomputes the owning job's progress.
func (st *Store) Complete(ctx context.Context, taskID string, result []byte) error {
	return st.finish(ctx, taskID, core.TaskCompleted, map[string]any{
		"result_data":      result,
		"progress_percent": 100,
	}, "task completed", false)
}

// Fail records a worker-reported task failure as data. It never fails the
// owning job; a failed task simply keeps progress short of 100 until the
// job is retried or cancelled.
func (st *Store) Fail(ctx context.Context, taskID, errDetails string) error {
	return st.finish(ctx, taskID, core.TaskFailed, map[string]any{
		"error_details": validate.SanitizeErrorMessage(errDetails),
	}, "task failed", true)
}

func (st *Store) finish(ctx context.Context, taskID string, to core.TaskStatus, updates map[string]any, reason string, failed bool) error {
	task, err := st.Get(ctx, taskID)
	if err != nil {
		return err
	}

	now := time.Now()
	merged := map[string]any{"completed_at": now}
	for k, v := range updates {
		merged[k] = v
	}
	moved, err := st.storage.TransitionTask(ctx, taskID, core.TaskRunning, to,
		merged, history.TaskRow(ctx, reason))
	if err != nil {
		return err
	}
	if !moved {
		// Lost the race against a concurrent cancel or duplicate report.
		// The winner already released capacity and wrote history.
		return core.NewTaskTransitionError(taskID, task.Status, to)
	}

	if task.WorkerID != "" {
		outcome := core.TaskOutcome{Failed: failed}
		if task.StartedAt != nil {
			outcome.Duration = now.Sub(*task.StartedAt)
		}
		if err := st.registry.ReleaseCapacity(ctx, task.WorkerID, outcome); err != nil {
			return err
		}
	}

	st.logger.Info(reason, "task_id", taskID, "job_id", task.JobID, "worker_id", task.WorkerID)
	return st.jobs.RecomputeProgress(ctx, task.JobID)
}

// Cancel moves a non-terminal task to cancelled and releases its capacity
// slot if one was held. The compare-and-set guarantees the slot is handed
// back exactly once even when cancel races completion.
func (st *Store) Cancel(ctx context.Context, taskID, reason string) error {
	task, err := st.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: task %s is %s", core.ErrTerminalState, taskID, task.Status)
	}

	now := time.Now()
	moved, err := st.storage.TransitionTask(ctx, taskID, task.Status, core.TaskCancelled,
		map[string]any{"completed_at": now}, history.TaskRow(ctx, reason))
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("%w: task %s", core.ErrTerminalState, taskID)
	}

	if task.Status.Active() && task.WorkerID != "" {
		if err := st.registry.ReleaseCapacity(ctx, task.WorkerID, core.TaskOutcome{}); err != nil {
			return err
		}
	}
	st.logger.Info("task cancelled", "task_id", taskID, "job_id", task.JobID)
	return nil
}

// Get returns a task by id.
func (st *Store) Get(ctx context.Context, taskID string) (*core.Task, error) {
	task, err := st.storage.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, core.ErrNotFound
	}
	return task, nil
}

// List returns tasks matching the filter, scoped to the context tenant
// when one is present.
func (st *Store) List(ctx context.Context, f core.TaskFilter) ([]*core.Task, error) {
	if f.TenantID == "" {
		if id, err := tenancy.TenantID(ctx); err == nil {
			f.TenantID = id
		}
	}
	return st.storage.ListTasks(ctx, f)
}
