// Package registry tracks worker identity, capacity and health, and answers
// which worker can take a task right now.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/praxion/batchjobs/pkg/core"
	"github.com/praxion/batchjobs/pkg/validate"
)

// WorkerSpec describes a worker being registered.
type WorkerSpec struct {
	Name               string
	Host               string
	MaxConcurrentTasks int
}

// Registry manages the worker pool on top of storage. Capacity accounting
// is delegated to the storage layer's atomic reserve/release primitives so
// concurrent schedulers can never over-subscribe a worker.
type Registry struct {
	storage core.Storage
	logger  *slog.Logger
}

// New creates a worker registry.
func New(s core.Storage) *Registry {
	return &Registry{
		storage: s,
		logger:  slog.Default().With("component", "registry"),
	}
}

// Register creates a worker in idle state with an empty task slate.
func (r *Registry) Register(ctx context.Context, spec WorkerSpec) (string, error) {
	if spec.MaxConcurrentTasks < 1 {
		return "", fmt.Errorf("%w: max_concurrent_tasks must be >= 1", core.ErrInvalidSpec)
	}
	if !validate.ValidName(spec.Name) {
		return "", fmt.Errorf("%w: worker name required", core.ErrInvalidSpec)
	}
	if !validate.ValidName(spec.Host) {
		return "", fmt.Errorf("%w: worker host required", core.ErrInvalidSpec)
	}

	w := &core.Worker{
		Name:               spec.Name,
		Host:               spec.Host,
		MaxConcurrentTasks: spec.MaxConcurrentTasks,
		Status:             core.WorkerIdle,
		IsActive:           true,
	}
	if err := r.storage.CreateWorker(ctx, w); err != nil {
		return "", err
	}
	r.logger.Info("worker registered", "worker_id", w.ID, "host", w.Host, "capacity", w.MaxConcurrentTasks)
	return w.ID, nil
}

// Heartbeat records a liveness signal. An offline worker that is still
// active comes back into rotation; its status reflects whatever load it is
// still carrying.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, ts time.Time) error {
	w, err := r.storage.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if w == nil {
		return core.ErrNotFound
	}

	updates := map[string]any{"last_heartbeat": ts}
	if w.Status == core.WorkerOffline && w.IsActive {
		if w.CurrentTaskCount > 0 {
			updates["status"] = core.WorkerBusy
		} else {
			updates["status"] = core.WorkerIdle
		}
	}
	return r.storage.UpdateWorker(ctx, workerID, updates)
}

// ReserveCapacity atomically takes one capacity slot. Returns false without
// mutation when the worker is inactive or already full; callers must leave
// the task pending in that case.
func (r *Registry) ReserveCapacity(ctx context.Context, workerID string) (bool, error) {
	ok, err := r.storage.ReserveWorkerCapacity(ctx, workerID)
	if err != nil {
		return false, err
	}
	if !ok {
		// Distinguish a full worker from an unknown one.
		w, gerr := r.storage.GetWorker(ctx, workerID)
		if gerr != nil {
			return false, gerr
		}
		if w == nil {
			return false, core.ErrNotFound
		}
	}
	return ok, nil
}

// ReleaseCapacity hands a slot back and folds the task outcome into the
// worker's aggregate metrics.
func (r *Registry) ReleaseCapacity(ctx context.Context, workerID string, outcome core.TaskOutcome) error {
	return r.storage.ReleaseWorkerCapacity(ctx, workerID, outcome)
}

// SelectCandidate picks the worker to receive the next task: eligible
// workers ordered by lowest in-flight count, then oldest heartbeat, so load
// spreads evenly. Returns nil when no worker qualifies.
func (r *Registry) SelectCandidate(ctx context.Context) (*core.Worker, error) {
	workers, err := r.storage.EligibleWorkers(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(workers) == 0 {
		return nil, nil
	}
	return workers[0], nil
}

// SetActive flips the soft-disable flag. Deactivating a worker leaves its
// status and in-flight tasks untouched; it simply stops receiving new ones.
func (r *Registry) SetActive(ctx context.Context, workerID string, active bool) error {
	return r.storage.UpdateWorker(ctx, workerID, map[string]any{"is_active": active})
}

// MarkStaleOffline moves workers whose heartbeat is older than the cutoff
// to offline so candidate selection skips them. Already-assigned tasks are
// left untouched; reclaiming them is the watchdog's call.
func (r *Registry) MarkStaleOffline(ctx context.Context, olderThan time.Duration) (int, error) {
	workers, err := r.storage.ListWorkers(ctx, core.WorkerFilter{})
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	marked := 0
	for _, w := range workers {
		if w.Status != core.WorkerIdle && w.Status != core.WorkerBusy {
			continue
		}
		if w.LastHeartbeat != nil && w.LastHeartbeat.After(cutoff) {
			continue
		}
		err := r.storage.UpdateWorker(ctx, w.ID, map[string]any{"status": core.WorkerOffline})
		if err != nil {
			return marked, err
		}
		r.logger.Warn("worker marked offline", "worker_id", w.ID, "host", w.Host)
		marked++
	}
	return marked, nil
}

// Get returns a worker by id.
func (r *Registry) Get(ctx context.Context, workerID string) (*core.Worker, error) {
	w, err := r.storage.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, core.ErrNotFound
	}
	return w, nil
}

// List returns workers matching the filter.
func (r *Registry) List(ctx context.Context, f core.WorkerFilter) ([]*core.Worker, error) {
	return r.storage.ListWorkers(ctx, f)
}
