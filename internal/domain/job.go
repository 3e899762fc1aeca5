package domain

import "maps"

// DataMap carries arbitrary key/value payload attached to jobs and triggers.
// The store persists it opaquely; the worker pool interprets it.
type DataMap map[string]any

// Clone returns a shallow copy so callers can mutate without aliasing the
// stored map.
func (m DataMap) Clone() DataMap {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// JobDetail is a named, persistent unit of work referenced by triggers.
type JobDetail struct {
	Key         Key
	Description string

	// JobType is an opaque symbol resolved by the external worker pool.
	JobType string

	// Durable keeps the job stored even when no triggers reference it.
	Durable bool

	// PersistDataAfterExecution writes Data back when an execution completes.
	PersistDataAfterExecution bool

	// ConcurrentExecutionDisallowed permits at most one trigger of this job
	// in the firing window at a time.
	ConcurrentExecutionDisallowed bool

	// RequestsRecovery reschedules an interrupted firing at startup recovery.
	RequestsRecovery bool

	Data DataMap
}

// Validate checks the fields every stored job must carry.
func (j *JobDetail) Validate() error {
	if err := j.Key.Validate(); err != nil {
		return err
	}
	if j.JobType == "" {
		return &IntegrityError{Reason: "job " + j.Key.String() + " has no job type"}
	}
	return nil
}
