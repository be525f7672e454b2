package core

import (
	"context"
	"time"
)

// TaskOutcome carries the bookkeeping facts of a finished task back to the
// worker registry when its capacity slot is released.
type TaskOutcome struct {
	Failed   bool
	Duration time.Duration
}

// Storage defines the persistence layer for jobs, tasks, workers and their
// audit history. Implementations must honor the atomic-update contracts:
// transition methods are compare-and-set on status and report false, without
// mutation, when another caller won the race; history rows are written in
// the same unit of work as the transition they record.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Jobs
	CreateJob(ctx context.Context, job *Job, hist *JobHistory) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*Job, error)
	// TransitionJob atomically moves a job from one status to another,
	// applying extra column updates and appending the history row in the
	// same transaction. Returns false if the job was no longer in the
	// from-status.
	TransitionJob(ctx context.Context, id string, from, to JobStatus, updates map[string]any, hist *JobHistory) (bool, error)
	UpdateJobProgress(ctx context.Context, id string, progress int) error
	CountJobTasks(ctx context.Context, jobID string) (total, completed int64, err error)
	DueDeferredJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// Tasks
	CreateTasks(ctx context.Context, tasks []*Task, hists []*TaskHistory) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error)
	NextPendingTask(ctx context.Context, jobID string) (*Task, error)
	// ClaimTask is the pending->assigned compare-and-set that prevents two
	// schedulers from assigning the same task to two workers.
	ClaimTask(ctx context.Context, id, workerID string, hist *TaskHistory) (bool, error)
	TransitionTask(ctx context.Context, id string, from, to TaskStatus, updates map[string]any, hist *TaskHistory) (bool, error)
	// ResetJobTasks returns every task of the job to pending, clearing
	// assignment and outcome fields, with one history row per task.
	ResetJobTasks(ctx context.Context, jobID, reason, actor string) error
	// CancelJobTasks cancels every non-terminal task of the job, releasing
	// the capacity of workers holding assigned or running tasks, all in one
	// transaction. Returns the affected tasks.
	CancelJobTasks(ctx context.Context, jobID, reason, actor string) ([]*Task, error)

	// Workers
	CreateWorker(ctx context.Context, w *Worker) error
	GetWorker(ctx context.Context, id string) (*Worker, error)
	ListWorkers(ctx context.Context, f WorkerFilter) ([]*Worker, error)
	EligibleWorkers(ctx context.Context, limit int) ([]*Worker, error)
	UpdateWorker(ctx context.Context, id string, updates map[string]any) error
	// ReserveWorkerCapacity is the single atomic check-and-increment gating
	// assignment. Returns false without mutation when the worker is
	// inactive or already at max_concurrent_tasks.
	ReserveWorkerCapacity(ctx context.Context, id string) (bool, error)
	ReleaseWorkerCapacity(ctx context.Context, id string, outcome TaskOutcome) error

	// History
	GetJobHistory(ctx context.Context, jobID string) ([]JobHistory, error)
	GetTaskHistory(ctx context.Context, taskID string) ([]TaskHistory, error)
}
