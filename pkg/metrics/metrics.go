// Package metrics exposes Prometheus instrumentation for the scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the scheduler's Prometheus collectors.
type Metrics struct {
	JobsSubmitted      prometheus.Counter
	JobsCompleted      prometheus.Counter
	JobsCancelled      prometheus.Counter
	JobsRetried        prometheus.Counter
	TasksAssigned      prometheus.Counter
	TasksCompleted     prometheus.Counter
	TasksFailed        prometheus.Counter
	DispatchFailures   prometheus.Counter
	AssignmentSkipped  prometheus.Counter
	WorkersOffline     prometheus.Counter
}

// New registers the scheduler collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "batchjobs_jobs_submitted_total",
			Help: "Jobs accepted by the scheduler.",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "batchjobs_jobs_completed_total",
			Help: "Jobs that reached completed state.",
		}),
		JobsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "batchjobs_jobs_cancelled_total",
			Help: "Jobs cancelled by callers.",
		}),
		JobsRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "batchjobs_jobs_retried_total",
			Help: "Retry runs started for failed jobs.",
		}),
		TasksAssigned: factory.NewCounter(prometheus.CounterOpts{
			Name: "batchjobs_tasks_assigned_total",
			Help: "Tasks assigned to workers.",
		}),
		TasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "batchjobs_tasks_completed_total",
			Help: "Tasks reported completed by workers.",
		}),
		TasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "batchjobs_tasks_failed_total",
			Help: "Tasks reported failed by workers.",
		}),
		DispatchFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "batchjobs_dispatch_failures_total",
			Help: "Dispatch attempts that failed and reverted the assignment.",
		}),
		AssignmentSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "batchjobs_assignment_skipped_total",
			Help: "Scheduling passes that stopped with tasks left pending.",
		}),
		WorkersOffline: factory.NewCounter(prometheus.CounterOpts{
			Name: "batchjobs_workers_marked_offline_total",
			Help: "Workers moved to offline after missing heartbeats.",
		}),
	}
}
