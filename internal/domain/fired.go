package domain

import "time"

// FiredTrigger records a trigger that has been handed to a worker pool.
// It is created when the trigger fires, deleted when completion is reported,
// and consulted during crash recovery of its owning instance.
type FiredTrigger struct {
	// FiredInstanceID uniquely identifies this firing:
	// triggerName:triggerGroup:instanceID:utcNanos.
	FiredInstanceID string

	// InstanceID is the physical scheduler instance that owns the firing.
	InstanceID string

	TriggerKey Key
	JobKey     Key

	FiredAt           time.Time
	ScheduledFireTime time.Time

	RequestsRecovery              bool
	ConcurrentExecutionDisallowed bool
}

// SchedulerState is the registration state of a scheduler instance.
type SchedulerState string

const (
	SchedulerStarted SchedulerState = "started"
	SchedulerRunning SchedulerState = "running"
	SchedulerPaused  SchedulerState = "paused"
	SchedulerResumed SchedulerState = "resumed"
)

// SchedulerEntry registers a physical scheduler instance in the cluster.
// Created at startup, refreshed by check-ins, deleted at clean shutdown.
type SchedulerEntry struct {
	InstanceID  string
	State       SchedulerState
	LastCheckIn time.Time
}

// TriggerFiredBundle is handed to the worker pool when a trigger fires.
type TriggerFiredBundle struct {
	Job      *JobDetail
	Trigger  *Trigger
	Calendar *Calendar

	FiredAt           time.Time
	ScheduledFireTime time.Time

	// Recovering marks bundles synthesized from interrupted firings.
	Recovering bool
}
