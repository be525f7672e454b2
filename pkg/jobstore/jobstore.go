// Package jobstore owns the job lifecycle: creation, the status state
// machine, progress aggregation over child tasks, and retry and cancel
// semantics.
package jobstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/praxion/batchjobs/pkg/core"
	"github.com/praxion/batchjobs/pkg/history"
	"github.com/praxion/batchjobs/pkg/tenancy"
	"github.com/praxion/batchjobs/pkg/validate"
)

// JobSpec describes a job being created.
type JobSpec struct {
	TenantID       string
	Type           core.JobType
	Priority       core.JobPriority
	MaxRetries     int
	ScheduledStart *time.Time
	Timeout        time.Duration
	ParentJobID    *string
	Parameters     []byte
	CreatedBy      string
}

var knownTypes = map[core.JobType]bool{
	core.TypeBilling:        true,
	core.TypeInventory:      true,
	core.TypeReport:         true,
	core.TypeDataProcessing: true,
}

// Store manages jobs. Progress recomputation is serialized per job so two
// tasks of the same job completing concurrently can never both read a stale
// completed-count; task-level mutation stays fine-grained elsewhere.
type Store struct {
	storage     core.Storage
	logger      *slog.Logger
	progress    sync.Map // jobID -> *sync.Mutex
	onCompleted func(jobID string)
}

// New creates a job store.
func New(s core.Storage) *Store {
	return &Store{
		storage: s,
		logger:  slog.Default().With("component", "jobstore"),
	}
}

// OnCompleted registers a callback fired exactly once per job completion,
// after the running-to-completed compare-and-set lands. Set it before the
// store is shared across goroutines.
func (st *Store) OnCompleted(fn func(jobID string)) {
	st.onCompleted = fn
}

func (st *Store) progressLock(jobID string) *sync.Mutex {
	mu, _ := st.progress.LoadOrStore(jobID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Create validates the spec and inserts a pending job with its initial
// history row.
func (st *Store) Create(ctx context.Context, spec JobSpec) (*core.Job, error) {
	tenantID := spec.TenantID
	if tenantID == "" {
		if id, err := tenancy.TenantID(ctx); err == nil {
			tenantID = id
		}
	}
	if !tenancy.ValidTenantID(tenantID) {
		return nil, fmt.Errorf("%w: missing or malformed tenant id", core.ErrInvalidSpec)
	}
	if !knownTypes[spec.Type] {
		return nil, fmt.Errorf("%w: unknown job type %q", core.ErrInvalidSpec, spec.Type)
	}
	if spec.ScheduledStart != nil && !spec.ScheduledStart.After(time.Now()) {
		return nil, fmt.Errorf("%w: scheduled_start must be in the future", core.ErrInvalidSpec)
	}
	if len(spec.Parameters) > validate.MaxParametersSize {
		return nil, fmt.Errorf("%w: parameters exceed size limit", core.ErrInvalidSpec)
	}
	if spec.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max_retries must be >= 0", core.ErrInvalidSpec)
	}

	priority := spec.Priority
	if priority == 0 {
		priority = core.PriorityNormal
	}

	job := &core.Job{
		TenantID:       tenantID,
		Type:           spec.Type,
		Priority:       priority,
		Status:         core.JobPending,
		MaxRetries:     validate.ClampRetries(spec.MaxRetries),
		ScheduledStart: spec.ScheduledStart,
		Timeout:        spec.Timeout,
		ParentJobID:    spec.ParentJobID,
		Parameters:     spec.Parameters,
		CreatedBy:      spec.CreatedBy,
	}

	hist := history.JobRow(ctx, "job created")
	hist.NewStatus = core.JobPending
	if err := st.storage.CreateJob(ctx, job, hist); err != nil {
		return nil, err
	}
	st.logger.Info("job created", "job_id", job.ID, "type", job.Type, "tenant_id", job.TenantID)
	return job, nil
}

// Get returns a job by id.
func (st *Store) Get(ctx context.Context, jobID string) (*core.Job, error) {
	job, err := st.storage.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, core.ErrNotFound
	}
	return job, nil
}

// List returns jobs matching the filter, scoped to the context tenant when
// one is present.
func (st *Store) List(ctx context.Context, f core.JobFilter) ([]*core.Job, error) {
	if f.TenantID == "" {
		if id, err := tenancy.TenantID(ctx); err == nil {
			f.TenantID = id
		}
	}
	return st.storage.ListJobs(ctx, f)
}

// DueDeferred returns pending jobs whose scheduled start has arrived.
func (st *Store) DueDeferred(ctx context.Context, limit int) ([]*core.Job, error) {
	return st.storage.DueDeferredJobs(ctx, time.Now(), limit)
}

// Queue moves a pending job into the dispatch queue.
func (st *Store) Queue(ctx context.Context, jobID, reason string) error {
	return st.transition(ctx, jobID, core.JobPending, core.JobQueued, nil, reason)
}

// MarkRunning records the first task start. Losing the queued->running race
// to a concurrent caller is fine; the job is running either way.
func (st *Store) MarkRunning(ctx context.Context, jobID string) error {
	now := time.Now()
	moved, err := st.storage.TransitionJob(ctx, jobID, core.JobQueued, core.JobRunning,
		map[string]any{"actual_start": now}, history.JobRow(ctx, "first task started"))
	if err != nil {
		return err
	}
	if !moved {
		job, gerr := st.storage.GetJob(ctx, jobID)
		if gerr != nil {
			return gerr
		}
		if job == nil {
			return core.ErrNotFound
		}
		if job.Status != core.JobRunning {
			return core.NewJobTransitionError(jobID, job.Status, core.JobRunning)
		}
	}
	return nil
}

// RecomputeProgress re-derives the job's progress from its task counts and
// completes the job when progress reaches 100. Idempotent: recomputing an
// already-completed job writes no duplicate history.
func (st *Store) RecomputeProgress(ctx context.Context, jobID string) error {
	mu := st.progressLock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := st.storage.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return core.ErrNotFound
	}

	total, completed, err := st.storage.CountJobTasks(ctx, jobID)
	if err != nil {
		return err
	}

	progress := 0
	if total > 0 {
		progress = int(100 * completed / total)
	}
	if progress != job.ProgressPercent {
		if err := st.storage.UpdateJobProgress(ctx, jobID, progress); err != nil {
			return err
		}
	}

	if progress == 100 && job.Status == core.JobRunning {
		now := time.Now()
		moved, err := st.storage.TransitionJob(ctx, jobID, core.JobRunning, core.JobCompleted,
			map[string]any{"completed_at": now}, history.JobRow(ctx, "all tasks completed"))
		if err != nil {
			return err
		}
		if moved {
			st.logger.Info("job completed", "job_id", jobID)
			if st.onCompleted != nil {
				st.onCompleted(jobID)
			}
		}
	}
	return nil
}

// Retry performs the failed->pending transition, resets every child task
// and re-queues the job. Fails with ErrRetryExhausted once the retry budget
// is spent.
func (st *Store) Retry(ctx context.Context, jobID, reason string) error {
	job, err := st.Get(ctx, jobID)
	if err != nil {
		return err
	}
	// Budget before status: a spent budget reads as exhausted no matter
	// what state the job is observed in.
	if !job.CanRetry() {
		return fmt.Errorf("%w: job %s used %d of %d retries", core.ErrRetryExhausted,
			jobID, job.RetryCount, job.MaxRetries)
	}
	if job.Status != core.JobFailed {
		return core.NewJobTransitionError(jobID, job.Status, core.JobPending)
	}

	moved, err := st.storage.TransitionJob(ctx, jobID, core.JobFailed, core.JobPending,
		map[string]any{
			"retry_count":      job.RetryCount + 1,
			"progress_percent": 0,
			"error_details":    "",
			"completed_at":     nil,
			"actual_start":     nil,
		}, history.JobRow(ctx, reason))
	if err != nil {
		return err
	}
	if !moved {
		// Lost a race with a concurrent retry or cancel.
		return core.NewJobTransitionError(jobID, core.JobFailed, core.JobPending)
	}

	if err := st.storage.ResetJobTasks(ctx, jobID, reason, tenancy.Actor(ctx)); err != nil {
		return err
	}
	st.logger.Info("job retried", "job_id", jobID, "retry_count", job.RetryCount+1)
	return st.Queue(ctx, jobID, "re-queued for retry")
}

// Cancel cancels the job and cascades to every non-terminal task, releasing
// their reserved worker capacity. Cancelling an already-terminal job reports
// ErrTerminalState and changes nothing.
func (st *Store) Cancel(ctx context.Context, jobID, reason string) error {
	job, err := st.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == core.JobCompleted || job.Status == core.JobCancelled {
		return fmt.Errorf("%w: job %s is %s", core.ErrTerminalState, jobID, job.Status)
	}

	now := time.Now()
	moved, err := st.storage.TransitionJob(ctx, jobID, job.Status, core.JobCancelled,
		map[string]any{"completed_at": now}, history.JobRow(ctx, reason))
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("%w: job %s", core.ErrTerminalState, jobID)
	}

	affected, err := st.storage.CancelJobTasks(ctx, jobID, reason, tenancy.Actor(ctx))
	if err != nil {
		return err
	}
	st.logger.Info("job cancelled", "job_id", jobID, "tasks_cancelled", len(affected))
	return nil
}

// Fail records an unrecoverable failure reported against a running job.
func (st *Store) Fail(ctx context.Context, jobID, errDetails, reason string) error {
	return st.transition(ctx, jobID, core.JobRunning, core.JobFailed,
		map[string]any{"error_details": validate.SanitizeErrorMessage(errDetails)}, reason)
}

// Pause suspends a non-terminal job, remembering where it came from.
func (st *Store) Pause(ctx context.Context, jobID, reason string) error {
	job, err := st.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.CanTransition(core.JobPaused) {
		return core.NewJobTransitionError(jobID, job.Status, core.JobPaused)
	}
	moved, err := st.storage.TransitionJob(ctx, jobID, job.Status, core.JobPaused,
		map[string]any{"previous_status": job.Status}, history.JobRow(ctx, reason))
	if err != nil {
		return err
	}
	if !moved {
		return core.NewJobTransitionError(jobID, job.Status, core.JobPaused)
	}
	return nil
}

// Resume returns a paused job to the status it was paused from, then
// re-derives progress: tasks may have finished while the job sat paused,
// and a resumed job whose work is already done completes immediately.
func (st *Store) Resume(ctx context.Context, jobID, reason string) error {
	job, err := st.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != core.JobPaused {
		return core.NewJobTransitionError(jobID, job.Status, job.PreviousStatus)
	}
	target := job.PreviousStatus
	if target == "" {
		target = core.JobPending
	}
	moved, err := st.storage.TransitionJob(ctx, jobID, core.JobPaused, target,
		map[string]any{"previous_status": ""}, history.JobRow(ctx, reason))
	if err != nil {
		return err
	}
	if !moved {
		return core.NewJobTransitionError(jobID, core.JobPaused, target)
	}
	return st.RecomputeProgress(ctx, jobID)
}

// transition is the common guarded-transition path: validates against the
// state machine, performs the compare-and-set and maps a lost race to a
// typed error.
func (st *Store) transition(ctx context.Context, jobID string, from, to core.JobStatus, updates map[string]any, reason string) error {
	if !from.CanTransition(to) {
		return core.NewJobTransitionError(jobID, from, to)
	}
	moved, err := st.storage.TransitionJob(ctx, jobID, from, to, updates, history.JobRow(ctx, reason))
	if err != nil {
		return err
	}
	if !moved {
		job, gerr := st.storage.GetJob(ctx, jobID)
		if gerr != nil {
			return gerr
		}
		if job == nil {
			return core.ErrNotFound
		}
		return core.NewJobTransitionError(jobID, job.Status, to)
	}
	return nil
}
