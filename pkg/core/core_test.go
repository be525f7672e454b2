package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatus_Transitions(t *testing.T) {
	assert.True(t, JobPending.CanTransition(JobQueued))
	assert.True(t, JobQueued.CanTransition(JobRunning))
	assert.True(t, JobRunning.CanTransition(JobCompleted))
	assert.True(t, JobRunning.CanTransition(JobFailed))
	assert.True(t, JobFailed.CanTransition(JobPending))
	assert.True(t, JobRunning.CanTransition(JobPaused))
	assert.True(t, JobPaused.CanTransition(JobRunning))
	assert.True(t, JobFailed.CanTransition(JobCancelled))

	// Completed and cancelled are dead ends.
	for _, to := range []JobStatus{JobPending, JobQueued, JobRunning, JobFailed, JobPaused, JobCancelled} {
		assert.False(t, JobCompleted.CanTransition(to), "completed -> %s", to)
		assert.False(t, JobCancelled.CanTransition(to), "cancelled -> %s", to)
	}

	// Skipping the queue is not allowed.
	assert.False(t, JobPending.CanTransition(JobRunning))
	assert.False(t, JobPending.CanTransition(JobCompleted))
	assert.False(t, JobQueued.CanTransition(JobCompleted))
}

func TestJobStatus_Terminal(t *testing.T) {
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.True(t, JobCancelled.Terminal())
	assert.False(t, JobPending.Terminal())
	assert.False(t, JobRunning.Terminal())
	assert.False(t, JobPaused.Terminal())
}

func TestTaskStatus_Transitions(t *testing.T) {
	assert.True(t, TaskPending.CanTransition(TaskAssigned))
	assert.True(t, TaskAssigned.CanTransition(TaskRunning))
	assert.True(t, TaskAssigned.CanTransition(TaskPending)) // dispatch revert
	assert.True(t, TaskRunning.CanTransition(TaskCompleted))
	assert.True(t, TaskRunning.CanTransition(TaskFailed))
	assert.True(t, TaskRunning.CanTransition(TaskCancelled))

	assert.False(t, TaskPending.CanTransition(TaskRunning))
	assert.False(t, TaskPending.CanTransition(TaskCompleted))
	assert.False(t, TaskCompleted.CanTransition(TaskCancelled))
	assert.False(t, TaskFailed.CanTransition(TaskRunning))
	assert.False(t, TaskCancelled.CanTransition(TaskPending))
}

func TestTaskStatus_Active(t *testing.T) {
	assert.True(t, TaskAssigned.Active())
	assert.True(t, TaskRunning.Active())
	assert.False(t, TaskPending.Active())
	assert.False(t, TaskCompleted.Active())
	assert.False(t, TaskCancelled.Active())
}

func TestWorker_Eligible(t *testing.T) {
	w := &Worker{IsActive: true, Status: WorkerIdle, MaxConcurrentTasks: 2}
	assert.True(t, w.Eligible())

	w.CurrentTaskCount = 1
	w.Status = WorkerBusy
	assert.True(t, w.Eligible(), "busy worker with spare capacity stays eligible")

	w.CurrentTaskCount = 2
	assert.False(t, w.Eligible(), "full worker is not eligible")

	w.CurrentTaskCount = 0
	w.IsActive = false
	assert.False(t, w.Eligible(), "soft-disabled worker is not eligible")

	w.IsActive = true
	w.Status = WorkerOffline
	assert.False(t, w.Eligible())
	w.Status = WorkerMaintenance
	assert.False(t, w.Eligible())
}

func TestJob_CanRetry(t *testing.T) {
	job := &Job{RetryCount: 0, MaxRetries: 1}
	assert.True(t, job.CanRetry())
	job.RetryCount = 1
	assert.False(t, job.CanRetry())
}

func TestInvalidTransitionError(t *testing.T) {
	err := NewJobTransitionError("job-1", JobCompleted, JobRunning)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	var te *InvalidTransitionError
	assert.True(t, errors.As(err, &te))
	assert.Equal(t, "job", te.Entity)
	assert.Equal(t, "completed", te.From)
	assert.Equal(t, "running", te.To)
	assert.Contains(t, err.Error(), "completed -> running")

	terr := NewTaskTransitionError("task-1", TaskCancelled, TaskAssigned)
	assert.True(t, errors.Is(terr, ErrInvalidTransition))
}
