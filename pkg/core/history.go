package core

import (
	"time"
)

// JobHistory is an immutable record of a job status transition. Rows are
// appended exactly once per transition, in the same unit of work as the
// transition itself, and are never updated or deleted.
type JobHistory struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	JobID          string    `gorm:"index;size:36;not null"`
	PreviousStatus JobStatus `gorm:"size:20"`
	NewStatus      JobStatus `gorm:"size:20;not null"`
	Reason         string    `gorm:"type:text"`
	Actor          string    `gorm:"size:64"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index"`
}

// TaskHistory is the task-level counterpart of JobHistory.
type TaskHistory struct {
	ID             uint       `gorm:"primaryKey;autoIncrement"`
	TaskID         string     `gorm:"index;size:36;not null"`
	PreviousStatus TaskStatus `gorm:"size:20"`
	NewStatus      TaskStatus `gorm:"size:20;not null"`
	Reason         string     `gorm:"type:text"`
	Actor          string     `gorm:"size:64"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index"`
}
