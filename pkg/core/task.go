package core

import (
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

var taskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending: {
		TaskAssigned:  true, // worker capacity reserved
		TaskCancelled: true,
	},
	TaskAssigned: {
		TaskRunning:   true, // worker reports start
		TaskPending:   true, // dispatch failed, assignment reverted
		TaskCancelled: true,
	},
	TaskRunning: {
		TaskCompleted: true,
		TaskFailed:    true,
		TaskCancelled: true,
	},
	// Terminal states
	TaskCompleted: {},
	TaskFailed:    {},
	TaskCancelled: {},
}

// CanTransition reports whether a task may move from one status to another.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	return taskTransitions[s][to]
}

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Active reports whether the task currently occupies worker capacity.
func (s TaskStatus) Active() bool {
	return s == TaskAssigned || s == TaskRunning
}

// Task is one unit of work belonging to exactly one job, executed by at
// most one worker at a time. WorkerID is non-empty only while the task is
// assigned or running; after a terminal transition it is retained for audit
// but no longer counts against the worker's capacity.
type Task struct {
	ID             string `gorm:"primaryKey;size:36"`
	JobID          string `gorm:"index:idx_task_job_seq,unique;size:36;not null"`
	TenantID       string `gorm:"index;size:64;not null"`
	SequenceNumber int    `gorm:"index:idx_task_job_seq,unique;not null"`

	WorkerID string     `gorm:"index;size:36"`
	Status   TaskStatus `gorm:"index;size:20;default:'pending'"`

	ProgressPercent int `gorm:"default:0"`
	RetryCount      int `gorm:"default:0"`
	MaxRetries      int `gorm:"default:3"`

	StartedAt   *time.Time
	CompletedAt *time.Time
	Timeout     time.Duration

	Parameters   []byte `gorm:"type:bytes"`
	ResultData   []byte `gorm:"type:bytes"`
	ErrorDetails string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TaskFilter narrows task list queries. Zero-valued fields are ignored.
type TaskFilter struct {
	TenantID string
	JobID    string
	WorkerID string
	Status   TaskStatus
	Limit    int
	Offset   int
}
