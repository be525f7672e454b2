package taskstore_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/praxion/batchjobs/pkg/core"
	"github.com/praxion/batchjobs/pkg/jobstore"
	"github.com/praxion/batchjobs/pkg/registry"
	"github.com/praxion/batchjobs/pkg/storage"
	"github.com/praxion/batchjobs/pkg/taskstore"
	"github.com/praxion/batchjobs/pkg/tenancy"
)

var taskstoreTestCounter int

type testEnv struct {
	store    *storage.GormStorage
	jobs     *jobstore.Store
	tasks    *taskstore.Store
	registry *registry.Registry
}

func setupTestEnv(t *testing.T) *testEnv {
	taskstoreTestCounter++
	dbPath := fmt.Sprintf("/tmp/batchjobs_taskstore_test_%d_%d.db", os.Getpid(), taskstoreTestCounter)
	t.Cleanup(func() {
		_ = os.Remove(dbPath)
	})

	db, err := gorm.Open(sqlite.Open(dbPath+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store := storage.NewGormStorage(db)
	require.NoError(t, store.Migrate(context.Background()))

	jobs := jobstore.New(store)
	reg := registry.New(store)
	return &testEnv{
		store:    store,
		jobs:     jobs,
		tasks:    taskstore.New(store, reg, jobs),
		registry: reg,
	}
}

func testCtx() context.Context {
	return tenancy.WithTenant(context.Background(), "tenant-a")
}

func (e *testEnv) createJobWithTasks(t *testing.T, n int) (*core.Job, []*core.Task) {
	ctx := testCtx()
	job, err := e.jobs.Create(ctx, jobstore.JobSpec{Type: core.TypeDataProcessing})
	require.NoError(t, err)

	specs := make([]taskstore.TaskSpec, 0, n)
	for i := 1; i <= n; i++ {
		specs = append(specs, taskstore.TaskSpec{SequenceNumber: i})
	}
	tasks, err := e.tasks.CreateForJob(ctx, job, specs)
	require.NoError(t, err)
	require.Len(t, tasks, n)

	require.NoError(t, e.jobs.Queue(ctx, job.ID, "dispatch"))
	return job, tasks
}

func (e *testEnv) registerWorker(t *testing.T, capacity int) string {
	id, err := e.registry.Register(testCtx(), registry.WorkerSpec{
		Name: fmt.Sprintf("worker-%d", capacity), Host: "h", MaxConcurrentTasks: capacity,
	})
	require.NoError(t, err)
	return id
}

// assignAndStart reserves capacity, assigns and starts one task.
func (e *testEnv) assignAndStart(t *testing.T, taskID, workerID string) {
	ctx := testCtx()
	ok, err := e.registry.ReserveCapacity(ctx, workerID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, e.tasks.Assign(ctx, taskID, workerID))
	require.NoError(t, e.tasks.Start(ctx, taskID))
}

func TestStore_CreateForJob(t *testing.T) {
	env := setupTestEnv(t)
	ctx := testCtx()
	job, tasks := env.createJobWithTasks(t, 3)

	for i, task := range tasks {
		assert.Equal(t, job.ID, task.JobID)
		assert.Equal(t, job.TenantID, task.TenantID)
		assert.Equal(t, i+1, task.SequenceNumber)
		assert.Equal(t, core.TaskPending, task.Status)
	}

	hist, err := env.store.GetTaskHistory(ctx, tasks[0].ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, core.TaskPending, hist[0].NewStatus)
}

func TestStore_CreateForJob_DuplicateSequence(t *testing.T) {
	env := setupTestEnv(t)
	ctx := testCtx()
	job, err := env.jobs.Create(ctx, jobstore.JobSpec{Type: core.TypeBilling})
	require.NoError(t, err)

	_, err = env.tasks.CreateForJob(ctx, job, []taskstore.TaskSpec{
		{SequenceNumber: 1}, {SequenceNumber: 1},
	})
	assert.ErrorIs(t, err, core.ErrInvalidSpec)
}

func TestStore_ClaimNext_SequenceOrder(t *testing.T) {
	env := setupTestEnv(t)
	ctx := testCtx()
	job, tasks := env.createJobWithTasks(t, 3)

	next, err := env.tasks.ClaimNext(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, tasks[0].ID, next.ID)

	w := env.registerWorker(t, 3)
	env.assignAndStart(t, next.ID, w)

	next, err = env.tasks.ClaimNext(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, tasks[1].ID, next.ID)
}

func TestStore_Assign(t *testing.T) {
	env := setupTestEnv(t)
	ctx := testCtx()
	_, tasks := env.createJobWithTasks(t, 1)
	w := env.registerWorker(t, 1)

	ok, err := env.registry.ReserveCapacity(ctx, w)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, env.tasks.Assign(ctx, tasks[0].ID, w))

	got, err := env.tasks.Get(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskAssigned, got.Status)
	assert.Equal(t, w, got.WorkerID)

	// A second assign loses the compare-and-set.
	err = env.tasks.Assign(ctx, tasks[0].ID, w)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
}

func TestStore_Assign_NoReservation(t *testing.T) {
	env := setupTestEnv(t)
	_, tasks := env.createJobWithTasks(t, 1)

	err := env.tasks.Assign(testCtx(), tasks[0].ID, "")
	assert.ErrorIs(t, err, core.ErrCapacityUnavailable)
}

func TestStore_Unassign(t *testing.T) {
	env := setupTestEnv(t)
	ctx := testCtx()
	_, tasks := env.createJobWithTasks(t, 1)
	w := env.registerWorker(t, 1)

	ok, err := env.registry.ReserveCapacity(ctx, w)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, env.tasks.Assign(ctx, tasks[0].ID, w))

	require.NoError(t, env.tasks.Unassign(ctx, tasks[0].ID, "dispatch failed"))

	got, err := env.tasks.Get(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskPending, got.Status)
	assert.Empty(t, got.WorkerID)
}

func TestStore_Start_MarksJobRunning(t *testing.T) {
	env := setupTestEnv(t)
	ctx := testCtx()
	job, tasks := env.createJobWithTasks(t, 2)
	w := env.registerWorker(t, 2)

	env.assignAndStart(t, tasks[0].ID, w)

	got, err := env.tasks.Get(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	jgot, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobRunning, jgot.Status)

	// Second task starting leaves the already-running job alone.
	env.assignAndStart(t, tasks[1].ID, w)
	jgot, err = env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobRunning, jgot.Status)
}

func TestStore_Complete(t *testing.T) {
	env := setupTestEnv(t)
	ctx := testCtx()
	job, tasks := env.createJobWithTasks(t, 2)
	w := env.registerWorker(t, 1)

	env.assignAndStart(t, tasks[0].ID, w)
	require.NoError(t, env.tasks.Complete(ctx, tasks[0].ID, []byte(`{"rows":42}`)))

	got, err := env.tasks.Get(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, got.Status)
	assert.Equal(t, 100, got.ProgressPercent)
	assert.NotNil(t, got.CompletedAt)
	assert.JSONEq(t, `{"rows":42}`, string(got.ResultData))

	// Capacity released, job progress recomputed.
	worker, err := env.registry.Get(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, 0, worker.CurrentTaskCount)
	assert.Equal(t, int64(1), worker.TotalTasksProcessed)

	jgot, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, jgot.ProgressPercent)
	assert.Equal(t, core.JobRunning, jgot.Status)
}

func TestStore_Complete_FinishesJob(t *testing.T) {
	env := setupTestEnv(t)
	ctx := testCtx()
	job, tasks := env.createJobWithTasks(t, 1)
	w := env.registerWorker(t, 1)

	env.assignAndStart(t, tasks[0].ID, w)
	require.NoError(t, env.tasks.Complete(ctx, tasks[0].ID, nil))

	jgot, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobCompleted, jgot.Status)
	assert.Equal(t, 100, jgot.ProgressPercent)
}

func TestStore_Fail_KeepsJobRunning(t *testing.T) {
	env := setupTestEnv(t)
	ctx := testCtx()
	job, tasks := env.createJobWithTasks(t, 2)
	w := env.registerWorker(t, 1)

	env.assignAndStart(t, tasks[0].ID, w)
	require.NoError(t, env.tasks.Fail(ctx, tasks[0].ID, "out of memory"))

	got, err := env.tasks.Get(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskFailed, got.Status)
	assert.Equal(t, "out of memory", got.ErrorDetails)

	// A failed task is data, not a job failure.
	jgot, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobRunning, jgot.Status)

	worker, err := env.registry.Get(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, 0, worker.CurrentTaskCount)
	assert.Equal(t, int64(1), worker.FailedTaskCount)
}

func TestStore_Complete_LosesRaceToCancel(t *testing.T) {
	env := setupTestEnv(t)
	ctx := testCtx()
	_, tasks := env.createJobWithTasks(t, 1)
	w := env.registerWorker(t, 1)

	env.assignAndStart(t, tasks[0].ID, w)
	require.NoError(t, env.tasks.Cancel(ctx, tasks[0].ID, "operator cancel"))

	err := env.tasks.Complete(ctx, tasks[0].ID, nil)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	// The cancel released the slot exactly once; the losing complete must
	// not release it again.
	worker, err := env.registry.Get(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, 0, worker.CurrentTaskCount)
	assert.Equal(t, int64(1), worker.TotalTasksProcessed)
}

func TestStore_Cancel(t *testing.T) {
	env := setupTestEnv(t)
	ctx := testCtx()
	_, tasks := env.createJobWithTasks(t, 1)

	// Cancelling a pending task holds no capacity to release.
	require.NoError(t, env.tasks.Cancel(ctx, tasks[0].ID, "not needed"))

	got, err := env.tasks.Get(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)

	err = env.tasks.Cancel(ctx, tasks[0].ID, "again")
	assert.ErrorIs(t, err, core.ErrTerminalState)
}

func TestStore_Cancel_ReleasesCapacity(t *testing.T) {
	env := setupTestEnv(t)
	ctx := testCtx()
	_, tasks := env.createJobWithTasks(t, 1)
	w := env.registerWorker(t, 1)

	env.assignAndStart(t, tasks[0].ID, w)
	require.NoError(t, env.tasks.Cancel(ctx, tasks[0].ID, "operator cancel"))

	worker, err := env.registry.Get(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, 0, worker.CurrentTaskCount)
	assert.Equal(t, core.WorkerIdle, worker.Status)
}

func TestStore_ConcurrentFinish_ReleasesOnce(t *testing.T) {
	env := setupTestEnv(t)
	ctx := testCtx()
	_, tasks := env.createJobWithTasks(t, 1)
	w := env.registerWorker(t, 1)

	env.assignAndStart(t, tasks[0].ID, w)

	// Complete, fail and cancel race on the same running task. Exactly one
	// wins; the slot is handed back exactly once.
	var wg sync.WaitGroup
	errs := make([]error, 3)
	wg.Add(3)
	go func() { defer wg.Done(); errs[0] = env.tasks.Complete(ctx, tasks[0].ID, nil) }()
	go func() { defer wg.Done(); errs[1] = env.tasks.Fail(ctx, tasks[0].ID, "boom") }()
	go func() { defer wg.Done(); errs[2] = env.tasks.Cancel(ctx, tasks[0].ID, "cancel") }()
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
		}
	}
	assert.Equal(t, 2, failures, "exactly one of the three racers wins")

	got, err := env.tasks.Get(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())

	worker, err := env.registry.Get(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, 0, worker.CurrentTaskCount)
	assert.Equal(t, int64(1), worker.TotalTasksProcessed, "slot released exactly once")

	// One terminal row in the trail: created, assigned, started, finished.
	hist, err := env.store.GetTaskHistory(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Len(t, hist, 4)
}

func TestStore_List_TenantScoped(t *testing.T) {
	env := setupTestEnv(t)
	ctx := testCtx()
	job, _ := env.createJobWithTasks(t, 2)

	otherCtx := tenancy.WithTenant(context.Background(), "tenant-b")
	otherJob, err := env.jobs.Create(otherCtx, jobstore.JobSpec{Type: core.TypeBilling})
	require.NoError(t, err)
	_, err = env.tasks.CreateForJob(otherCtx, otherJob, []taskstore.TaskSpec{{SequenceNumber: 1}})
	require.NoError(t, err)

	listed, err := env.tasks.List(ctx, core.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, listed, 2)
	for _, task := range listed {
		assert.Equal(t, job.ID, task.JobID)
	}
}
