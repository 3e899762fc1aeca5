// Package scheduler implements the store-side coordination layer of the job
// scheduler: validated entity writes under the cluster mutex, the
// acquire/fire/complete protocol, the misfire sweeper and instance lifecycle.
package scheduler

import (
	"context"
	"time"

	"github.com/rezkam/jobstore/internal/domain"
)

// JobRepository defines storage operations for job definitions.
type JobRepository interface {
	// Get returns the job or domain.ErrNotFound.
	Get(ctx context.Context, key domain.Key) (*domain.JobDetail, error)

	// Exists reports whether the job is stored.
	Exists(ctx context.Context, key domain.Key) (bool, error)

	// Save inserts the job, or replaces it when replace is set.
	// A conflicting insert surfaces domain.ErrAlreadyExists.
	Save(ctx context.Context, job *domain.JobDetail, replace bool) error

	// UpdateData writes back the job's data map after an execution.
	UpdateData(ctx context.Context, key domain.Key, data domain.DataMap) error

	// Delete removes the job and reports whether it existed.
	Delete(ctx context.Context, key domain.Key) (bool, error)

	// Keys lists job keys whose group the matcher selects.
	Keys(ctx context.Context, matcher domain.GroupMatcher) ([]domain.Key, error)

	// GroupNames lists the distinct job group names.
	GroupNames(ctx context.Context) ([]string, error)

	// Count returns the number of stored jobs.
	Count(ctx context.Context) (int64, error)

	// DeleteAll truncates the jobs of the instance.
	DeleteAll(ctx context.Context) error
}

// TriggerRepository defines storage operations for triggers, including the
// conditional state transitions the fire protocol depends on.
type TriggerRepository interface {
	Get(ctx context.Context, key domain.Key) (*domain.Trigger, error)
	Exists(ctx context.Context, key domain.Key) (bool, error)
	Save(ctx context.Context, trigger *domain.Trigger, replace bool) error

	// Update overwrites an existing trigger unconditionally.
	Update(ctx context.Context, trigger *domain.Trigger) error

	// UpdateIfState overwrites the trigger only while it is still in
	// expected; false means another instance transitioned it first.
	UpdateIfState(ctx context.Context, trigger *domain.Trigger, expected domain.TriggerState) (bool, error)

	Delete(ctx context.Context, key domain.Key) (bool, error)
	Keys(ctx context.Context, matcher domain.GroupMatcher) ([]domain.Key, error)
	GroupNames(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int64, error)

	GetByJobKey(ctx context.Context, jobKey domain.Key) ([]*domain.Trigger, error)
	CountByJobKey(ctx context.Context, jobKey domain.Key) (int64, error)
	GetByCalendar(ctx context.Context, calendarName string) ([]*domain.Trigger, error)
	CountByCalendar(ctx context.Context, calendarName string) (int64, error)

	// GetState reads just the state of one trigger.
	GetState(ctx context.Context, key domain.Key) (domain.TriggerState, error)

	// UpdateStateIf compare-and-sets one trigger's state; true means a
	// document transitioned.
	UpdateStateIf(ctx context.Context, key domain.Key, to domain.TriggerState, from ...domain.TriggerState) (bool, error)

	// UpdateStateByGroupIf bulk-transitions matching triggers and returns
	// how many moved.
	UpdateStateByGroupIf(ctx context.Context, matcher domain.GroupMatcher, to domain.TriggerState, from ...domain.TriggerState) (int64, error)
	UpdateStateByJobKeyIf(ctx context.Context, jobKey domain.Key, to domain.TriggerState, from ...domain.TriggerState) (int64, error)
	UpdateStateAll(ctx context.Context, to domain.TriggerState, from ...domain.TriggerState) (int64, error)

	// AcquireCandidateKeys lists waiting triggers due no later than
	// noLaterThan, excluding misfired ones unless their policy ignores
	// misfires, ordered by fire time then priority.
	AcquireCandidateKeys(ctx context.Context, noLaterThan, misfireFloor time.Time, limit int) ([]domain.Key, error)

	CountMisfired(ctx context.Context, before time.Time) (int64, error)
	MisfiredKeys(ctx context.Context, before time.Time, limit int) ([]domain.Key, error)

	DeleteByState(ctx context.Context, state domain.TriggerState) (int64, error)
	DeleteAll(ctx context.Context) error
}

// CalendarRepository defines storage operations for exclusion calendars.
type CalendarRepository interface {
	Get(ctx context.Context, name string) (*domain.Calendar, error)
	Save(ctx context.Context, cal *domain.Calendar, replace bool) error
	Delete(ctx context.Context, name string) (bool, error)
	Names(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int64, error)
	DeleteAll(ctx context.Context) error
}

// FiredTriggerRepository defines storage operations for in-flight execution
// records.
type FiredTriggerRepository interface {
	Insert(ctx context.Context, fired *domain.FiredTrigger) error

	// GetByInstance returns the records left behind by one physical
	// instance, the crash-recovery input.
	GetByInstance(ctx context.Context, instanceID string) ([]*domain.FiredTrigger, error)

	// DeleteByPrefix removes records whose fired id starts with the
	// trigger's "name:group:instance:" prefix.
	DeleteByPrefix(ctx context.Context, prefix string) (int64, error)

	DeleteByInstance(ctx context.Context, instanceID string) (int64, error)
	DeleteAll(ctx context.Context) error
}

// PausedGroupRepository tracks the set of paused trigger group names.
type PausedGroupRepository interface {
	Add(ctx context.Context, group string) error
	Remove(ctx context.Context, group string) (bool, error)
	Contains(ctx context.Context, group string) (bool, error)
	List(ctx context.Context) ([]string, error)
	DeleteAll(ctx context.Context) error
}

// SchedulerRepository tracks physical scheduler instance registrations.
type SchedulerRepository interface {
	Save(ctx context.Context, instanceID string, state domain.SchedulerState, checkIn time.Time) error
	UpdateState(ctx context.Context, instanceID string, state domain.SchedulerState, checkIn time.Time) error
	List(ctx context.Context) ([]*domain.SchedulerEntry, error)
	Delete(ctx context.Context, instanceID string) (bool, error)
	DeleteAll(ctx context.Context) error
}

// LockManager is the cluster-wide mutex guarding all state mutations.
type LockManager interface {
	// Acquire blocks until the named lock is claimed or ctx is cancelled.
	// The mutex is not reentrant.
	Acquire(ctx context.Context, lockType domain.LockType) error

	// Release gives up the named lock.
	Release(ctx context.Context, lockType domain.LockType) error
}
