// Package storage provides storage implementations for the batchjobs module.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/praxion/batchjobs/pkg/core"
)

// GormStorage implements core.Storage using GORM. Every compare-and-set is
// a single guarded UPDATE checked through RowsAffected, and every history
// row is written inside the transaction of the transition it records.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.Job{},
		&core.Task{},
		&core.Worker{},
		&core.JobHistory{},
		&core.TaskHistory{},
	)
}

// CreateJob inserts a job and its initial history row in one transaction.
func (s *GormStorage) CreateJob(ctx context.Context, job *core.Job, hist *core.JobHistory) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.JobPending
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		hist.JobID = job.ID
		return tx.Create(hist).Error
	})
}

// GetJob retrieves a job by ID. Returns nil when no job exists.
func (s *GormStorage) GetJob(ctx context.Context, id string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs retrieves jobs matching the filter, highest priority first.
func (s *GormStorage) ListJobs(ctx context.Context, f core.JobFilter) ([]*core.Job, error) {
	var jobs []*core.Job
	q := s.db.WithContext(ctx).Model(&core.Job{})
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Priority != nil {
		q = q.Where("priority = ?", *f.Priority)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	err := q.Order("priority DESC, created_at ASC").Find(&jobs).Error
	return jobs, err
}

// TransitionJob atomically moves a job between statuses and appends history.
// Returns false without mutation if the job left the from-status already.
func (s *GormStorage) TransitionJob(ctx context.Context, id string, from, to core.JobStatus, updates map[string]any, hist *core.JobHistory) (bool, error) {
	moved := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		merged := map[string]any{"status": to}
		for k, v := range updates {
			merged[k] = v
		}
		result := tx.Model(&core.Job{}).
			Where("id = ? AND status = ?", id, from).
			Updates(merged)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		moved = true
		hist.JobID = id
		hist.PreviousStatus = from
		hist.NewStatus = to
		return tx.Create(hist).Error
	})
	return moved, err
}

// UpdateJobProgress writes the derived progress value.
func (s *GormStorage) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	return s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ?", id).
		Update("progress_percent", progress).Error
}

// CountJobTasks returns the total and completed task counts for a job.
func (s *GormStorage) CountJobTasks(ctx context.Context, jobID string) (total, completed int64, err error) {
	db := s.db.WithContext(ctx).Model(&core.Task{})
	if err = db.Where("job_id = ?", jobID).Count(&total).Error; err != nil {
		return 0, 0, err
	}
	err = s.db.WithContext(ctx).Model(&core.Task{}).
		Where("job_id = ? AND status = ?", jobID, core.TaskCompleted).
		Count(&completed).Error
	return total, completed, err
}

// DueDeferredJobs returns pending jobs whose scheduled start has arrived.
func (s *GormStorage) DueDeferredJobs(ctx context.Context, now time.Time, limit int) ([]*core.Job, error) {
	var jobs []*core.Job
	q := s.db.WithContext(ctx).
		Where("status = ?", core.JobPending).
		Where("scheduled_start IS NOT NULL AND scheduled_start <= ?", now).
		Order("priority DESC, scheduled_start ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&jobs).Error
	return jobs, err
}

// CreateTasks inserts a batch of tasks with their initial history rows.
func (s *GormStorage) CreateTasks(ctx context.Context, tasks []*core.Task, hists []*core.TaskHistory) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, task := range tasks {
			if task.ID == "" {
				task.ID = uuid.New().String()
			}
			if task.Status == "" {
				task.Status = core.TaskPending
			}
			if err := tx.Create(task).Error; err != nil {
				return err
			}
			if i < len(hists) {
				hists[i].TaskID = task.ID
				if err := tx.Create(hists[i]).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// GetTask retrieves a task by ID. Returns nil when no task exists.
func (s *GormStorage) GetTask(ctx context.Context, id string) (*core.Task, error) {
	var task core.Task
	err := s.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks retrieves tasks matching the filter in sequence order.
func (s *GormStorage) ListTasks(ctx context.Context, f core.TaskFilter) ([]*core.Task, error) {
	var tasks []*core.Task
	q := s.db.WithContext(ctx).Model(&core.Task{})
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.JobID != "" {
		q = q.Where("job_id = ?", f.JobID)
	}
	if f.WorkerID != "" {
		q = q.Where("worker_id = ?", f.WorkerID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	err := q.Order("job_id ASC, sequence_number ASC").Find(&tasks).Error
	return tasks, err
}

// NextPendingTask returns the lowest-sequence pending task for the job, or
// nil when none remain.
func (s *GormStorage) NextPendingTask(ctx context.Context, jobID string) (*core.Task, error) {
	var task core.Task
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, core.TaskPending).
		Order("sequence_number ASC").
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ClaimTask performs the pending->assigned compare-and-set. The losing
// caller gets false and no history row is written.
func (s *GormStorage) ClaimTask(ctx context.Context, id, workerID string, hist *core.TaskHistory) (bool, error) {
	claimed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&core.Task{}).
			Where("id = ? AND status = ?", id, core.TaskPending).
			Updates(map[string]any{
				"status":    core.TaskAssigned,
				"worker_id": workerID,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		claimed = true
		hist.TaskID = id
		hist.PreviousStatus = core.TaskPending
		hist.NewStatus = core.TaskAssigned
		return tx.Create(hist).Error
	})
	return claimed, err
}

// TransitionTask atomically moves a task between statuses and appends
// history, mirroring TransitionJob.
func (s *GormStorage) TransitionTask(ctx context.Context, id string, from, to core.TaskStatus, updates map[string]any, hist *core.TaskHistory) (bool, error) {
	moved := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		merged := map[string]any{"status": to}
		for k, v := range updates {
			merged[k] = v
		}
		result := tx.Model(&core.Task{}).
			Where("id = ? AND status = ?", id, from).
			Updates(merged)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		moved = true
		hist.TaskID = id
		hist.PreviousStatus = from
		hist.NewStatus = to
		return tx.Create(hist).Error
	})
	return moved, err
}

// ResetJobTasks returns every task of the job to pending for a retry run,
// clearing assignment and outcome fields. Capacity held by still-active
// tasks is handed back to their workers in the same transaction so worker
// counters never drift from the live task count.
func (s *GormStorage) ResetJobTasks(ctx context.Context, jobID, reason, actor string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tasks []*core.Task
		if err := tx.Where("job_id = ?", jobID).Order("sequence_number ASC").Find(&tasks).Error; err != nil {
			return err
		}
		for _, task := range tasks {
			result := tx.Model(&core.Task{}).
				Where("id = ? AND status = ?", task.ID, task.Status).
				Updates(map[string]any{
					"status":           core.TaskPending,
					"worker_id":        "",
					"started_at":       nil,
					"completed_at":     nil,
					"error_details":    "",
					"result_data":      nil,
					"progress_percent": 0,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				// The task moved on between the read and the write; whoever
				// moved it owns its bookkeeping.
				continue
			}
			if task.Status.Active() && task.WorkerID != "" {
				if err := releaseCapacityTx(tx, task.WorkerID); err != nil {
					return err
				}
			}
			hist := &core.TaskHistory{
				TaskID:         task.ID,
				PreviousStatus: task.Status,
				NewStatus:      core.TaskPending,
				Reason:         reason,
				Actor:          actor,
			}
			if err := tx.Create(hist).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// CancelJobTasks cancels every non-terminal task of the job in one
// transaction, releasing held worker capacity and writing one history row
// per affected task. The last worker_id stays on the task for audit.
func (s *GormStorage) CancelJobTasks(ctx context.Context, jobID, reason, actor string) ([]*core.Task, error) {
	var affected []*core.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tasks []*core.Task
		err := tx.Where("job_id = ? AND status IN ?", jobID,
			[]core.TaskStatus{core.TaskPending, core.TaskAssigned, core.TaskRunning}).
			Order("sequence_number ASC").
			Find(&tasks).Error
		if err != nil {
			return err
		}
		now := time.Now()
		for _, task := range tasks {
			result := tx.Model(&core.Task{}).
				Where("id = ? AND status = ?", task.ID, task.Status).
				Updates(map[string]any{
					"status":       core.TaskCancelled,
					"completed_at": now,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				// Lost the race to a concurrent completion or failure; its
				// winner already released capacity and wrote history.
				continue
			}
			if task.Status.Active() && task.WorkerID != "" {
				if err := releaseCapacityTx(tx, task.WorkerID); err != nil {
					return err
				}
			}
			hist := &core.TaskHistory{
				TaskID:         task.ID,
				PreviousStatus: task.Status,
				NewStatus:      core.TaskCancelled,
				Reason:         reason,
				Actor:          actor,
			}
			if err := tx.Create(hist).Error; err != nil {
				return err
			}
			task.Status = core.TaskCancelled
			task.CompletedAt = &now
			affected = append(affected, task)
		}
		return nil
	})
	return affected, err
}

// CreateWorker registers a new worker.
func (s *GormStorage) CreateWorker(ctx context.Context, w *core.Worker) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Status == "" {
		w.Status = core.WorkerIdle
	}
	return s.db.WithContext(ctx).Create(w).Error
}

// GetWorker retrieves a worker by ID. Returns nil when no worker exists.
func (s *GormStorage) GetWorker(ctx context.Context, id string) (*core.Worker, error) {
	var w core.Worker
	err := s.db.WithContext(ctx).First(&w, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWorkers retrieves workers matching the filter.
func (s *GormStorage) ListWorkers(ctx context.Context, f core.WorkerFilter) ([]*core.Worker, error) {
	var workers []*core.Worker
	q := s.db.WithContext(ctx).Model(&core.Worker{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.IsActive != nil {
		q = q.Where("is_active = ?", *f.IsActive)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	err := q.Order("created_at ASC").Find(&workers).Error
	return workers, err
}

// EligibleWorkers returns workers able to take a task right now, least
// loaded first, then least recently heartbeated, then by id so selection
// stays deterministic.
func (s *GormStorage) EligibleWorkers(ctx context.Context, limit int) ([]*core.Worker, error) {
	var workers []*core.Worker
	q := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("status IN ?", []core.WorkerStatus{core.WorkerIdle, core.WorkerBusy}).
		Where("current_task_count < max_concurrent_tasks").
		Order("current_task_count ASC, last_heartbeat ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&workers).Error
	return workers, err
}

// UpdateWorker applies column updates to a worker.
func (s *GormStorage) UpdateWorker(ctx context.Context, id string, updates map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&core.Worker{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrNotFound
	}
	return nil
}

// ReserveWorkerCapacity is the atomic check-and-increment gating
// assignment. The guarded UPDATE succeeds for at most one concurrent caller
// when a single slot remains.
func (s *GormStorage) ReserveWorkerCapacity(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.Worker{}).
		Where("id = ? AND is_active = ? AND current_task_count < max_concurrent_tasks", id, true).
		Updates(map[string]any{
			"current_task_count": gorm.Expr("current_task_count + 1"),
			"status":             core.WorkerBusy,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ReleaseWorkerCapacity hands a capacity slot back and folds the task
// outcome into the worker's aggregate metrics. Like the reserve side this
// is a single guarded UPDATE with SQL expressions, so concurrent releases
// for the same worker never lose a decrement.
func (s *GormStorage) ReleaseWorkerCapacity(ctx context.Context, id string, outcome core.TaskOutcome) error {
	updates := map[string]any{
		"current_task_count":    gorm.Expr("current_task_count - 1"),
		"total_tasks_processed": gorm.Expr("total_tasks_processed + 1"),
	}
	if outcome.Failed {
		updates["failed_task_count"] = gorm.Expr("failed_task_count + 1")
	}
	if outcome.Duration > 0 {
		// Running mean over all processed tasks, evaluated against the
		// pre-update counters.
		updates["average_task_duration"] = gorm.Expr(
			"(average_task_duration * total_tasks_processed + ?) / (total_tasks_processed + 1)",
			int64(outcome.Duration))
	}

	result := s.db.WithContext(ctx).
		Model(&core.Worker{}).
		Where("id = ? AND current_task_count > 0", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		w, err := s.GetWorker(ctx, id)
		if err != nil {
			return err
		}
		if w == nil {
			return core.ErrNotFound
		}
		// No slot held, nothing to release.
		return nil
	}

	// Drop back to idle once drained.
	return s.db.WithContext(ctx).Model(&core.Worker{}).
		Where("id = ? AND current_task_count = 0 AND is_active = ? AND status = ?",
			id, true, core.WorkerBusy).
		Update("status", core.WorkerIdle).Error
}

// releaseCapacityTx decrements a worker's in-flight count inside an
// existing transaction, used by cascade cancel and retry reset.
func releaseCapacityTx(tx *gorm.DB, workerID string) error {
	result := tx.Model(&core.Worker{}).
		Where("id = ? AND current_task_count > 0", workerID).
		Update("current_task_count", gorm.Expr("current_task_count - 1"))
	if result.Error != nil {
		return result.Error
	}
	// Drop back to idle once drained.
	return tx.Model(&core.Worker{}).
		Where("id = ? AND current_task_count = 0 AND is_active = ? AND status = ?",
			workerID, true, core.WorkerBusy).
		Update("status", core.WorkerIdle).Error
}

// GetJobHistory returns the audit trail for a job in creation order.
func (s *GormStorage) GetJobHistory(ctx context.Context, jobID string) ([]core.JobHistory, error) {
	var hist []core.JobHistory
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id ASC").
		Find(&hist).Error
	return hist, err
}

// GetTaskHistory returns the audit trail for a task in creation order.
func (s *GormStorage) GetTaskHistory(ctx context.Context, taskID string) ([]core.TaskHistory, error) {
	var hist []core.TaskHistory
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("id ASC").
		Find(&hist).Error
	return hist, err
}
