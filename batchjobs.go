// Package batchjobs provides the batch job scheduling and worker
// coordination core of a multi-tenant business suite: the Job/Task/Worker
// lifecycle, state machines, progress aggregation, retry and cancellation
// semantics, and an append-only transition history.
//
// This is the main package users should import. It re-exports the public
// types of the pkg/ subpackages for a clean API surface.
//
// Basic usage:
//
//	db, _ := gorm.Open(sqlite.Open("batchjobs.db"), &gorm.Config{})
//	store := batchjobs.NewGormStorage(db)
//	store.Migrate(context.Background())
//
//	jobs := batchjobs.NewJobStore(store)
//	workers := batchjobs.NewRegistry(store)
//	tasks := batchjobs.NewTaskStore(store, workers, jobs)
//	sched := batchjobs.NewScheduler(jobs, tasks, workers, dispatcher)
//
//	job, _ := sched.SubmitJob(ctx, spec, taskSpecs)
//
// Workers receive tasks through the injected Dispatcher and report back
// through sched.OnTaskStarted / OnTaskCompleted / OnTaskFailed.
package batchjobs

import (
	"gorm.io/gorm"

	"github.com/praxion/batchjobs/pkg/core"
	"github.com/praxion/batchjobs/pkg/history"
	"github.com/praxion/batchjobs/pkg/jobstore"
	"github.com/praxion/batchjobs/pkg/registry"
	"github.com/praxion/batchjobs/pkg/scheduler"
	"github.com/praxion/batchjobs/pkg/storage"
	"github.com/praxion/batchjobs/pkg/taskstore"
)

// Type aliases re-exporting the public API.
type (
	// Job is a unit of scheduled work composed of one or more tasks.
	Job = core.Job

	// Task is an individually assignable unit of work within a job.
	Task = core.Task

	// Worker is a bounded-capacity execution node.
	Worker = core.Worker

	// JobHistory records one job status transition.
	JobHistory = core.JobHistory

	// TaskHistory records one task status transition.
	TaskHistory = core.TaskHistory

	// JobStatus represents the current state of a job.
	JobStatus = core.JobStatus

	// TaskStatus represents the current state of a task.
	TaskStatus = core.TaskStatus

	// WorkerStatus represents the health state of a worker.
	WorkerStatus = core.WorkerStatus

	// JobType classifies the work a job carries.
	JobType = core.JobType

	// JobPriority orders jobs competing for capacity.
	JobPriority = core.JobPriority

	// Storage defines the persistence contract.
	Storage = core.Storage

	// Dispatcher hands assigned tasks to worker processes.
	Dispatcher = core.Dispatcher

	// DispatchFunc adapts a function to the Dispatcher interface.
	DispatchFunc = core.DispatchFunc

	// JobSpec describes a job being created.
	JobSpec = jobstore.JobSpec

	// TaskSpec describes one task of a job.
	TaskSpec = taskstore.TaskSpec

	// WorkerSpec describes a worker being registered.
	WorkerSpec = registry.WorkerSpec

	// JobStore owns the job lifecycle.
	JobStore = jobstore.Store

	// TaskStore owns the task lifecycle.
	TaskStore = taskstore.Store

	// Registry tracks worker capacity and health.
	Registry = registry.Registry

	// Recorder reads the audit trail.
	Recorder = history.Recorder

	// Scheduler is the top-level coordinator.
	Scheduler = scheduler.Scheduler

	// SchedulerOption configures a Scheduler.
	SchedulerOption = scheduler.Option

	// GormStorage implements Storage using GORM.
	GormStorage = storage.GormStorage
)

// Job status constants
const (
	JobPending   = core.JobPending
	JobQueued    = core.JobQueued
	JobRunning   = core.JobRunning
	JobCompleted = core.JobCompleted
	JobFailed    = core.JobFailed
	JobCancelled = core.JobCancelled
	JobPaused    = core.JobPaused
)

// Task status constants
const (
	TaskPending   = core.TaskPending
	TaskAssigned  = core.TaskAssigned
	TaskRunning   = core.TaskRunning
	TaskCompleted = core.TaskCompleted
	TaskFailed    = core.TaskFailed
	TaskCancelled = core.TaskCancelled
)

// Worker status constants
const (
	WorkerIdle        = core.WorkerIdle
	WorkerBusy        = core.WorkerBusy
	WorkerOffline     = core.WorkerOffline
	WorkerMaintenance = core.WorkerMaintenance
	WorkerError       = core.WorkerError
)

// Job type constants
const (
	TypeBilling        = core.TypeBilling
	TypeInventory      = core.TypeInventory
	TypeReport         = core.TypeReport
	TypeDataProcessing = core.TypeDataProcessing
)

// Priority constants
const (
	PriorityLow    = core.PriorityLow
	PriorityNormal = core.PriorityNormal
	PriorityHigh   = core.PriorityHigh
	PriorityUrgent = core.PriorityUrgent
)

// Error variables
var (
	ErrNotFound            = core.ErrNotFound
	ErrInvalidSpec         = core.ErrInvalidSpec
	ErrInvalidTransition   = core.ErrInvalidTransition
	ErrRetryExhausted      = core.ErrRetryExhausted
	ErrCapacityUnavailable = core.ErrCapacityUnavailable
	ErrTerminalState       = core.ErrTerminalState
)

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}

// NewJobStore creates a job store on the given storage.
func NewJobStore(s Storage) *JobStore {
	return jobstore.New(s)
}

// NewTaskStore creates a task store wired to the registry and job store.
func NewTaskStore(s Storage, reg *Registry, jobs *JobStore) *TaskStore {
	return taskstore.New(s, reg, jobs)
}

// NewRegistry creates a worker registry.
func NewRegistry(s Storage) *Registry {
	return registry.New(s)
}

// NewRecorder creates a history recorder.
func NewRecorder(s Storage) *Recorder {
	return history.New(s)
}

// NewScheduler creates the top-level coordinator.
func NewScheduler(jobs *JobStore, tasks *TaskStore, reg *Registry, d Dispatcher, opts ...SchedulerOption) *Scheduler {
	return scheduler.New(jobs, tasks, reg, d, opts...)
}
