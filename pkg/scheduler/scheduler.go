// Package scheduler coordinates jobs, tasks and workers: it accepts new
// jobs, expands them into tasks, matches pending tasks to worker capacity,
// hands assignments to the dispatch transport and reacts to completion
// reports. It owns no persistent state beyond what it reads and writes
// through the stores.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/praxion/batchjobs/pkg/config"
	"github.com/praxion/batchjobs/pkg/core"
	"github.com/praxion/batchjobs/pkg/jobstore"
	"github.com/praxion/batchjobs/pkg/metrics"
	"github.com/praxion/batchjobs/pkg/registry"
	"github.com/praxion/batchjobs/pkg/schedule"
	"github.com/praxion/batchjobs/pkg/taskstore"
)

// Scheduler is the top-level coordinator.
type Scheduler struct {
	jobs       *jobstore.Store
	tasks      *taskstore.Store
	registry   *registry.Registry
	dispatcher core.Dispatcher
	cfg        config.SchedulerConfig
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu        sync.Mutex
	recurring map[string]*recurringJob
}

type recurringJob struct {
	name     string
	schedule schedule.Schedule
	spec     jobstore.JobSpec
	tasks    []taskstore.TaskSpec
	lastRun  time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConfig overrides the default loop configuration.
func WithConfig(cfg config.SchedulerConfig) Option {
	return func(s *Scheduler) { s.cfg = cfg }
}

// WithMetrics registers the scheduler's collectors with the given
// registerer instead of a private one.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Scheduler) { s.metrics = metrics.New(reg) }
}

// New creates a scheduler. The dispatcher is the transport that hands
// assigned tasks to worker processes.
func New(jobs *jobstore.Store, tasks *taskstore.Store, reg *registry.Registry, dispatcher core.Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:       jobs,
		tasks:      tasks,
		registry:   reg,
		dispatcher: dispatcher,
		cfg:        config.Default().Scheduler,
		logger:     slog.Default().With("component", "scheduler"),
		recurring:  make(map[string]*recurringJob),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(prometheus.NewRegistry())
	}
	jobs.OnCompleted(func(string) { s.metrics.JobsCompleted.Inc() })
	return s
}

// SubmitJob creates the job and its tasks, then either queues it
// immediately or leaves it pending for the deferred-dispatch sweep when
// scheduled_start lies in the future.
func (s *Scheduler) SubmitJob(ctx context.Context, spec jobstore.JobSpec, taskSpecs []taskstore.TaskSpec) (*core.Job, error) {
	job, err := s.jobs.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	if _, err := s.tasks.CreateForJob(ctx, job, taskSpecs); err != nil {
		return nil, err
	}
	s.metrics.JobsSubmitted.Inc()

	if job.ScheduledStart != nil && job.ScheduledStart.After(time.Now()) {
		s.logger.Info("job deferred", "job_id", job.ID, "scheduled_start", job.ScheduledStart)
		return job, nil
	}

	if err := s.jobs.Queue(ctx, job.ID, "scheduler dispatch"); err != nil {
		return nil, err
	}
	if _, err := s.AssignPendingTasks(ctx, job.ID); err != nil {
		return nil, err
	}
	return s.jobs.Get(ctx, job.ID)
}

// AssignPendingTasks walks the job's pending tasks in sequence order and
// assigns each to an eligible worker: claim, reserve, assign, dispatch.
// It stops when tasks or capacity run out and returns how many assignments
// were dispatched. Tasks left pending are picked up by a later pass.
func (s *Scheduler) AssignPendingTasks(ctx context.Context, jobID string) (int, error) {
	assigned := 0
	for {
		task, err := s.tasks.ClaimNext(ctx, jobID)
		if err != nil {
			return assigned, err
		}
		if task == nil {
			return assigned, nil
		}

		worker, err := s.registry.SelectCandidate(ctx)
		if err != nil {
			return assigned, err
		}
		if worker == nil {
			s.metrics.AssignmentSkipped.Inc()
			return assigned, nil
		}

		ok, err := s.registry.ReserveCapacity(ctx, worker.ID)
		if err != nil {
			return assigned, err
		}
		if !ok {
			// Someone else took the last slot; selection reflects the new
			// count on the next iteration.
			continue
		}

		if err := s.tasks.Assign(ctx, task.ID, worker.ID); err != nil {
			relErr := s.registry.ReleaseCapacity(ctx, worker.ID, core.TaskOutcome{})
			if relErr != nil {
				return assigned, relErr
			}
			if errors.Is(err, core.ErrInvalidTransition) {
				// Another scheduler claimed the task first.
				continue
			}
			return assigned, err
		}

		if err := s.dispatcher.Dispatch(ctx, worker.ID, task.ID, task.Parameters); err != nil {
			s.metrics.DispatchFailures.Inc()
			s.logger.Warn("dispatch failed, reverting assignment",
				"task_id", task.ID, "worker_id", worker.ID, "error", err)
			if err := s.revertAssignment(ctx, task.ID, worker.ID); err != nil {
				return assigned, err
			}
			return assigned, nil
		}

		s.metrics.TasksAssigned.Inc()
		assigned++
	}
}

// revertAssignment returns a dispatched-but-unreachable task to pending
// and hands the reserved capacity back.
func (s *Scheduler) revertAssignment(ctx context.Context, taskID, workerID string) error {
	if err := s.tasks.Unassign(ctx, taskID, "dispatch failed"); err != nil {
		return err
	}
	return s.registry.ReleaseCapacity(ctx, workerID, core.TaskOutcome{})
}

// OnTaskStarted is the worker-runtime callback for a task picked up.
func (s *Scheduler) OnTaskStarted(ctx context.Context, taskID string) error {
	return s.tasks.Start(ctx, taskID)
}

// OnTaskCompleted is the worker-runtime callback for a successful task.
// Completion may free capacity or unblock subsequent tasks, so assignment
// re-runs for the same job.
func (s *Scheduler) OnTaskCompleted(ctx context.Context, taskID string, result []byte) error {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.tasks.Complete(ctx, taskID, result); err != nil {
		return err
	}
	s.metrics.TasksCompleted.Inc()
	_, err = s.AssignPendingTasks(ctx, task.JobID)
	return err
}

// OnTaskFailed is the worker-runtime callback for a failed task. The
// failure is recorded as data; the job keeps running until an operator
// retries or cancels it.
func (s *Scheduler) OnTaskFailed(ctx context.Context, taskID, errDetails string) error {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.tasks.Fail(ctx, taskID, errDetails); err != nil {
		return err
	}
	s.metrics.TasksFailed.Inc()
	_, err = s.AssignPendingTasks(ctx, task.JobID)
	return err
}

// CancelJob cancels the job and its non-terminal tasks.
func (s *Scheduler) CancelJob(ctx context.Context, jobID, reason string) error {
	if err := s.jobs.Cancel(ctx, jobID, reason); err != nil {
		return err
	}
	s.metrics.JobsCancelled.Inc()
	return nil
}

// RetryJob resets a failed job and its tasks, re-queues it and starts a
// fresh assignment pass.
func (s *Scheduler) RetryJob(ctx context.Context, jobID string) error {
	if err := s.jobs.Retry(ctx, jobID, "operator retry"); err != nil {
		return err
	}
	s.metrics.JobsRetried.Inc()
	_, err := s.AssignPendingTasks(ctx, jobID)
	return err
}

// RegisterRecurring registers a job template submitted on a schedule by
// the Run loop. Names are unique; re-registering replaces the template.
func (s *Scheduler) RegisterRecurring(name string, sched schedule.Schedule, spec jobstore.JobSpec, taskSpecs []taskstore.TaskSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recurring[name] = &recurringJob{
		name:     name,
		schedule: sched,
		spec:     spec,
		tasks:    taskSpecs,
		lastRun:  time.Now(),
	}
}

// Run drives the background loops until the context is cancelled: the
// sweep loop queues due deferred jobs, re-offers stalled pending tasks and
// submits due recurring jobs; the health loop marks silent workers
// offline. Blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		"sweep_interval", s.cfg.SweepInterval, "health_interval", s.cfg.HealthInterval)

	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	health := time.NewTicker(s.cfg.HealthInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-sweep.C:
			s.runSweep(ctx)
		case <-health.C:
			s.runHealthCheck(ctx)
		}
	}
}

// runSweep is one pass of the deferred-dispatch and re-assignment cycle.
func (s *Scheduler) runSweep(ctx context.Context) {
	if err := s.queueDueJobs(ctx); err != nil {
		s.logger.Error("queueing due jobs", "error", err)
	}
	if err := s.reofferPendingTasks(ctx); err != nil {
		s.logger.Error("re-offering pending tasks", "error", err)
	}
	s.submitDueRecurring(ctx)
}

func (s *Scheduler) queueDueJobs(ctx context.Context) error {
	due, err := s.jobs.DueDeferred(ctx, s.cfg.SweepBatchSize)
	if err != nil {
		return err
	}
	for _, job := range due {
		if err := s.jobs.Queue(ctx, job.ID, "deferred start due"); err != nil {
			if errors.Is(err, core.ErrInvalidTransition) {
				continue // raced with another sweep
			}
			return err
		}
		if _, err := s.AssignPendingTasks(ctx, job.ID); err != nil {
			return err
		}
	}
	return nil
}

// reofferPendingTasks retries assignment for jobs stuck with pending tasks
// after capacity ran out on an earlier pass.
func (s *Scheduler) reofferPendingTasks(ctx context.Context) error {
	for _, status := range []core.JobStatus{core.JobQueued, core.JobRunning} {
		jobs, err := s.jobs.List(ctx, core.JobFilter{Status: status, Limit: s.cfg.SweepBatchSize})
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if _, err := s.AssignPendingTasks(ctx, job.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scheduler) submitDueRecurring(ctx context.Context) {
	s.mu.Lock()
	templates := make([]*recurringJob, 0, len(s.recurring))
	for _, rj := range s.recurring {
		templates = append(templates, rj)
	}
	s.mu.Unlock()

	now := time.Now()
	for _, rj := range templates {
		next := rj.schedule.Next(rj.lastRun)
		if now.Before(next) {
			continue
		}
		if _, err := s.SubmitJob(ctx, rj.spec, rj.tasks); err != nil {
			s.logger.Error("submitting recurring job", "name", rj.name, "error", err)
			continue
		}
		s.mu.Lock()
		rj.lastRun = now
		s.mu.Unlock()
	}
}

func (s *Scheduler) runHealthCheck(ctx context.Context) {
	marked, err := s.registry.MarkStaleOffline(ctx, s.cfg.WorkerTimeout)
	if err != nil {
		s.logger.Error("worker health check", "error", err)
		return
	}
	if marked > 0 {
		s.metrics.WorkersOffline.Add(float64(marked))
	}
}
