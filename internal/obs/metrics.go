// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsAdded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_jobs_added_total",
		Help: "Total number of jobs accepted by add",
	})
	JobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "queue_jobs_active",
		Help: "Jobs currently claimed by workers",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_jobs_completed_total",
		Help: "Total number of successfully completed jobs",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_jobs_failed_total",
		Help: "Total number of jobs moved to the failed set",
	})
	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_jobs_retried_total",
		Help: "Total number of failed attempts rescheduled for retry",
	})
	JobsStalled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_jobs_stalled_total",
		Help: "Total number of jobs recovered from expired locks",
	})
	JobsPromoted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_jobs_promoted_total",
		Help: "Total number of delayed jobs promoted to wait",
	})
	RateLimitHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_rate_limit_hits_total",
		Help: "Times moveToActive was deferred by the rate limiter",
	})
	LockRenewals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_lock_renewals_total",
		Help: "Successful lock TTL extensions",
	})
	LocksLost = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_locks_lost_total",
		Help: "Lock extensions that found a missing or foreign token",
	})
	ScriptDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "queue_script_duration_seconds",
		Help:    "Histogram of atomic script execution durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"script"})
	StateDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_state_depth",
		Help: "Current number of jobs per logical state",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(JobsAdded, JobsActive, JobsCompleted, JobsFailed, JobsRetried,
		JobsStalled, JobsPromoted, RateLimitHits, LockRenewals, LocksLost, ScriptDuration, StateDepth)
}
