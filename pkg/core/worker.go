package core

import (
	"time"
)

// WorkerStatus represents the health state of a processing node.
type WorkerStatus string

const (
	WorkerIdle        WorkerStatus = "idle"
	WorkerBusy        WorkerStatus = "busy"
	WorkerOffline     WorkerStatus = "offline"
	WorkerMaintenance WorkerStatus = "maintenance"
	WorkerError       WorkerStatus = "error"
)

// Worker is a processing node with bounded concurrent capacity.
// CurrentTaskCount always equals the number of assigned or running tasks
// referencing the worker; the registry's reserve/release operations are the
// only writers of that counter.
type Worker struct {
	ID   string `gorm:"primaryKey;size:36"`
	Name string `gorm:"size:255;not null"`
	Host string `gorm:"size:255;not null"`

	MaxConcurrentTasks int `gorm:"not null"`
	CurrentTaskCount   int `gorm:"default:0"`

	Status WorkerStatus `gorm:"index;size:20;default:'idle'"`
	// IsActive is a soft-disable flag independent of status. An inactive
	// worker keeps its state but is never selected for assignment.
	IsActive bool `gorm:"index;default:true"`

	LastHeartbeat *time.Time `gorm:"index"`

	TotalTasksProcessed int64         `gorm:"default:0"`
	FailedTaskCount     int64         `gorm:"default:0"`
	AverageTaskDuration time.Duration `gorm:"default:0"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// Eligible reports whether the worker may take one more task right now.
func (w *Worker) Eligible() bool {
	if !w.IsActive || w.CurrentTaskCount >= w.MaxConcurrentTasks {
		return false
	}
	return w.Status == WorkerIdle || w.Status == WorkerBusy
}

// WorkerFilter narrows worker list queries. Zero-valued fields are ignored.
type WorkerFilter struct {
	Status   WorkerStatus
	IsActive *bool
	Limit    int
	Offset   int
}
