package core

import (
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobPaused    JobStatus = "paused"
)

// JobType classifies the unit of work a job carries. The scheduler never
// interprets the payload; the type only routes it to the right executor.
type JobType string

const (
	TypeBilling        JobType = "billing"
	TypeInventory      JobType = "inventory"
	TypeReport         JobType = "report"
	TypeDataProcessing JobType = "data_processing"
)

// JobPriority orders jobs competing for worker capacity.
type JobPriority int

const (
	PriorityLow    JobPriority = 0
	PriorityNormal JobPriority = 10
	PriorityHigh   JobPriority = 20
	PriorityUrgent JobPriority = 30
)

// jobTransitions maps from-status to the set of allowed to-statuses.
// Every mutation goes through CanTransition; there is no other way to
// change a job's status.
var jobTransitions = map[JobStatus]map[JobStatus]bool{
	JobPending: {
		JobQueued:    true, // scheduler dispatch
		JobCancelled: true,
		JobPaused:    true,
	},
	JobQueued: {
		JobRunning:   true, // first task starts
		JobCancelled: true,
		JobPaused:    true,
	},
	JobRunning: {
		JobCompleted: true, // progress reached 100
		JobFailed:    true, // unrecoverable failure report
		JobCancelled: true,
		JobPaused:    true,
	},
	JobFailed: {
		JobPending:   true, // retry, guarded by retry_count < max_retries
		JobCancelled: true,
	},
	JobPaused: {
		JobPending:   true,
		JobQueued:    true,
		JobRunning:   true,
		JobCancelled: true,
	},
	// Terminal states
	JobCompleted: {},
	JobCancelled: {},
}

// CanTransition reports whether a job may move from one status to another.
func (s JobStatus) CanTransition(to JobStatus) bool {
	return jobTransitions[s][to]
}

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job represents a unit of scheduled work composed of one or more tasks.
type Job struct {
	ID       string      `gorm:"primaryKey;size:36"`
	TenantID string      `gorm:"index;size:64;not null"`
	Type     JobType     `gorm:"index;size:32;not null"`
	Priority JobPriority `gorm:"index;default:10"`
	Status   JobStatus   `gorm:"index;size:20;default:'pending'"`
	// PreviousStatus remembers where a paused job came from so resume can
	// restore it.
	PreviousStatus JobStatus `gorm:"size:20"`

	ProgressPercent int `gorm:"default:0"`
	RetryCount      int `gorm:"default:0"`
	MaxRetries      int `gorm:"default:3"`

	ScheduledStart *time.Time `gorm:"index"`
	ActualStart    *time.Time
	CompletedAt    *time.Time
	Timeout        time.Duration

	// ParentJobID is a label only; the scheduler applies no cascading
	// behavior between parent and child jobs.
	ParentJobID *string `gorm:"index;size:36"`

	Parameters   []byte `gorm:"type:bytes"`
	ResultData   []byte `gorm:"type:bytes"`
	ErrorDetails string `gorm:"type:text"`

	CreatedBy string    `gorm:"size:64"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// CanRetry reports whether the job has retry budget left.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// JobFilter narrows job list queries. Zero-valued fields are ignored.
type JobFilter struct {
	TenantID string
	Status   JobStatus
	Type     JobType
	Priority *JobPriority
	Limit    int
	Offset   int
}
