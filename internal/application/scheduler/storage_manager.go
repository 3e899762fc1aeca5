package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rezkam/jobstore/internal/domain"
)

// TriggerStatus is the externally visible trigger state reported to the
// scheduler engine, a coarser view than the persisted state machine.
type TriggerStatus string

const (
	StatusNone     TriggerStatus = "none"
	StatusNormal   TriggerStatus = "normal"
	StatusPaused   TriggerStatus = "paused"
	StatusBlocked  TriggerStatus = "blocked"
	StatusComplete TriggerStatus = "complete"
	StatusError    TriggerStatus = "error"
)

// StorageManager applies entity writes under the cluster mutex, enforcing
// referential integrity and the initial-state policy for new triggers.
// Reads go straight to the repositories without a lock; the conditional
// state updates compensate for the mildly stale view a reader may see.
type StorageManager struct {
	jobs      JobRepository
	triggers  TriggerRepository
	calendars CalendarRepository
	paused    PausedGroupRepository
	locks     LockManager

	misfireThreshold time.Duration
	now              func() time.Time
}

func NewStorageManager(jobs JobRepository, triggers TriggerRepository, calendars CalendarRepository, paused PausedGroupRepository, locks LockManager, misfireThreshold time.Duration) *StorageManager {
	return &StorageManager{
		jobs:             jobs,
		triggers:         triggers,
		calendars:        calendars,
		paused:           paused,
		locks:            locks,
		misfireThreshold: misfireThreshold,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

func (m *StorageManager) withTriggerLock(ctx context.Context, fn func(ctx context.Context) error) error {
	return withLock(ctx, m.locks, domain.LockTriggerAccess, fn)
}

// === Jobs ===

// StoreJob stores the job. An existing job is overwritten only when replace
// is set; otherwise domain.ErrAlreadyExists.
func (m *StorageManager) StoreJob(ctx context.Context, job *domain.JobDetail, replace bool) error {
	if err := job.Validate(); err != nil {
		return err
	}
	return m.withTriggerLock(ctx, func(ctx context.Context) error {
		return m.jobs.Save(ctx, job, replace)
	})
}

// StoreJobAndTrigger stores a job and its first trigger in one critical
// section. The trigger must reference the job being stored.
func (m *StorageManager) StoreJobAndTrigger(ctx context.Context, job *domain.JobDetail, trigger *domain.Trigger) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if err := trigger.Validate(); err != nil {
		return err
	}
	if trigger.JobKey != job.Key {
		return &domain.IntegrityError{Reason: fmt.Sprintf("trigger %s references job %s, not the stored job %s", trigger.Key, trigger.JobKey, job.Key)}
	}
	return m.withTriggerLock(ctx, func(ctx context.Context) error {
		if err := m.jobs.Save(ctx, job, false); err != nil {
			return err
		}
		return m.storeTriggerLocked(ctx, trigger, false, job, nil)
	})
}

// RetrieveJob returns the stored job or domain.ErrNotFound.
func (m *StorageManager) RetrieveJob(ctx context.Context, key domain.Key) (*domain.JobDetail, error) {
	return m.jobs.Get(ctx, key)
}

// RemoveJob deletes the job and all triggers referencing it. Returns false
// when the job did not exist.
func (m *StorageManager) RemoveJob(ctx context.Context, key domain.Key) (bool, error) {
	var removed bool
	err := m.withTriggerLock(ctx, func(ctx context.Context) error {
		var err error
		removed, err = m.removeJobLocked(ctx, key)
		return err
	})
	return removed, err
}

// RemoveJobs deletes several jobs. The result is true only when every job
// existed and was removed.
func (m *StorageManager) RemoveJobs(ctx context.Context, keys []domain.Key) (bool, error) {
	all := true
	err := m.withTriggerLock(ctx, func(ctx context.Context) error {
		for _, key := range keys {
			removed, err := m.removeJobLocked(ctx, key)
			if err != nil {
				return err
			}
			all = all && removed
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return all, nil
}

func (m *StorageManager) removeJobLocked(ctx context.Context, key domain.Key) (bool, error) {
	triggers, err := m.triggers.GetByJobKey(ctx, key)
	if err != nil {
		return false, err
	}
	for _, trg := range triggers {
		if _, err := m.triggers.Delete(ctx, trg.Key); err != nil {
			return false, err
		}
	}
	return m.jobs.Delete(ctx, key)
}

// === Triggers ===

// StoreTrigger stores the trigger with the initial-state policy applied:
// Waiting, overridden to Paused when its group is paused (or everything is),
// and to PausedBlocked when the job disallows concurrency and is executing.
// Replacing an existing trigger keeps its current state instead.
func (m *StorageManager) StoreTrigger(ctx context.Context, trigger *domain.Trigger, replace bool) error {
	if err := trigger.Validate(); err != nil {
		return err
	}
	return m.withTriggerLock(ctx, func(ctx context.Context) error {
		return m.storeTriggerLocked(ctx, trigger, replace, nil, nil)
	})
}

// storeTriggerLocked persists the trigger. A brand new trigger goes through
// the initial-state policy; replacing an existing one keeps its lifecycle
// state. keepState overrides both, carrying a state the caller already read
// before deleting the old document. The job may be passed in when the caller
// already holds it; nil loads it.
func (m *StorageManager) storeTriggerLocked(ctx context.Context, trigger *domain.Trigger, replace bool, job *domain.JobDetail, keepState *domain.TriggerState) error {
	if job == nil {
		var err error
		job, err = m.jobs.Get(ctx, trigger.JobKey)
		if errors.Is(err, domain.ErrNotFound) {
			return &domain.IntegrityError{Reason: fmt.Sprintf("trigger %s references missing job %s", trigger.Key, trigger.JobKey)}
		}
		if err != nil {
			return err
		}
	}

	state := domain.StateWaiting
	preserved := false
	if keepState != nil {
		state = *keepState
		preserved = true
	} else if replace {
		existingState, err := m.triggers.GetState(ctx, trigger.Key)
		switch {
		case err == nil:
			state = existingState
			preserved = true
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}
	}

	if !preserved {
		groupPaused, err := m.paused.Contains(ctx, trigger.Key.Group)
		if err != nil {
			return err
		}
		if !groupPaused {
			allPaused, err := m.paused.Contains(ctx, domain.AllPausedGroup)
			if err != nil {
				return err
			}
			if allPaused {
				// Record the concrete group too so a later group resume is
				// well defined.
				if err := m.paused.Add(ctx, trigger.Key.Group); err != nil {
					return err
				}
				groupPaused = true
			}
		}
		if groupPaused {
			state = domain.StatePaused
		}

		if job.ConcurrentExecutionDisallowed {
			siblings, err := m.triggers.GetByJobKey(ctx, job.Key)
			if err != nil {
				return err
			}
			for _, sibling := range siblings {
				if sibling.State == domain.StateExecuting || sibling.State == domain.StatePausedBlocked {
					state = domain.StatePausedBlocked
					break
				}
			}
		}
	}

	trigger.State = state
	if trigger.Priority == 0 {
		trigger.Priority = domain.DefaultPriority
	}
	if trigger.NextFireTime == nil {
		cal, err := m.loadCalendar(ctx, trigger.CalendarName)
		if err != nil {
			return err
		}
		trigger.ComputeFirstFireTime(cal)
	}
	return m.triggers.Save(ctx, trigger, replace)
}

// RetrieveTrigger returns the stored trigger or domain.ErrNotFound.
func (m *StorageManager) RetrieveTrigger(ctx context.Context, key domain.Key) (*domain.Trigger, error) {
	return m.triggers.Get(ctx, key)
}

// RemoveTrigger deletes the trigger. A non-durable job left with no
// remaining triggers is deleted with it.
func (m *StorageManager) RemoveTrigger(ctx context.Context, key domain.Key) (bool, error) {
	var removed bool
	err := m.withTriggerLock(ctx, func(ctx context.Context) error {
		var err error
		removed, err = m.removeTriggerLocked(ctx, key)
		return err
	})
	return removed, err
}

// RemoveTriggers deletes several triggers. The result is true only when
// every trigger existed and was removed.
func (m *StorageManager) RemoveTriggers(ctx context.Context, keys []domain.Key) (bool, error) {
	all := true
	err := m.withTriggerLock(ctx, func(ctx context.Context) error {
		for _, key := range keys {
			removed, err := m.removeTriggerLocked(ctx, key)
			if err != nil {
				return err
			}
			all = all && removed
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return all, nil
}

func (m *StorageManager) removeTriggerLocked(ctx context.Context, key domain.Key) (bool, error) {
	trigger, err := m.triggers.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	removed, err := m.triggers.Delete(ctx, key)
	if err != nil || !removed {
		return removed, err
	}

	job, err := m.jobs.Get(ctx, trigger.JobKey)
	if errors.Is(err, domain.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	if job.Durable {
		return true, nil
	}
	remaining, err := m.triggers.CountByJobKey(ctx, trigger.JobKey)
	if err != nil {
		return true, err
	}
	if remaining == 0 {
		if _, err := m.jobs.Delete(ctx, trigger.JobKey); err != nil {
			return true, err
		}
		slog.InfoContext(ctx, "removed non-durable job with no remaining triggers", "job_key", trigger.JobKey.String())
	}
	return true, nil
}

// ReplaceTrigger swaps the stored trigger for a new one referencing the same
// job, carrying the old trigger's state over. Returns false when no trigger
// with that key exists.
func (m *StorageManager) ReplaceTrigger(ctx context.Context, key domain.Key, newTrigger *domain.Trigger) (bool, error) {
	if err := newTrigger.Validate(); err != nil {
		return false, err
	}
	var replaced bool
	err := m.withTriggerLock(ctx, func(ctx context.Context) error {
		existing, err := m.triggers.Get(ctx, key)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if existing.JobKey != newTrigger.JobKey {
			return &domain.IntegrityError{Reason: fmt.Sprintf("replacement trigger references job %s, existing references %s", newTrigger.JobKey, existing.JobKey)}
		}
		existingState := existing.State
		if _, err := m.triggers.Delete(ctx, key); err != nil {
			return err
		}
		if err := m.storeTriggerLocked(ctx, newTrigger, false, nil, &existingState); err != nil {
			return err
		}
		replaced = true
		return nil
	})
	return replaced, err
}

// === Calendars ===

// StoreCalendar stores the calendar. When updateTriggers is set, every
// trigger referencing the calendar has its next fire time recomputed against
// the new exclusions.
func (m *StorageManager) StoreCalendar(ctx context.Context, cal *domain.Calendar, replace, updateTriggers bool) error {
	if cal.Name == "" {
		return &domain.IntegrityError{Reason: "calendar has no name"}
	}
	return m.withTriggerLock(ctx, func(ctx context.Context) error {
		if err := m.calendars.Save(ctx, cal, replace); err != nil {
			return err
		}
		if !updateTriggers {
			return nil
		}
		triggers, err := m.triggers.GetByCalendar(ctx, cal.Name)
		if err != nil {
			return err
		}
		now := m.now()
		for _, trg := range triggers {
			if err := m.refreshTriggerCalendar(ctx, trg, cal, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// refreshTriggerCalendar advances a trigger whose stored next fire time the
// new calendar now excludes. A recomputed time that already slipped past the
// misfire window goes through the trigger's misfire policy instead.
func (m *StorageManager) refreshTriggerCalendar(ctx context.Context, trg *domain.Trigger, cal *domain.Calendar, now time.Time) error {
	if trg.NextFireTime == nil || cal.IsTimeIncluded(*trg.NextFireTime) {
		return nil
	}

	next := trg.FireTimeAfter(*trg.NextFireTime, cal)
	trg.NextFireTime = next
	switch {
	case next == nil:
		trg.State = domain.StateComplete
	case next.Before(now.Add(-m.misfireThreshold)):
		trg.UpdateAfterMisfire(now, cal)
		if trg.NextFireTime == nil {
			trg.State = domain.StateComplete
		}
	}
	return m.triggers.Update(ctx, trg)
}

// RetrieveCalendar returns the stored calendar or domain.ErrNotFound.
func (m *StorageManager) RetrieveCalendar(ctx context.Context, name string) (*domain.Calendar, error) {
	return m.calendars.Get(ctx, name)
}

// RemoveCalendar deletes the calendar. Rejected while any trigger still
// references it.
func (m *StorageManager) RemoveCalendar(ctx context.Context, name string) (bool, error) {
	var removed bool
	err := m.withTriggerLock(ctx, func(ctx context.Context) error {
		n, err := m.triggers.CountByCalendar(ctx, name)
		if err != nil {
			return err
		}
		if n > 0 {
			return &domain.IntegrityError{Reason: fmt.Sprintf("calendar %s is referenced by %d trigger(s)", name, n)}
		}
		removed, err = m.calendars.Delete(ctx, name)
		return err
	})
	return removed, err
}

func (m *StorageManager) CalendarNames(ctx context.Context) ([]string, error) {
	return m.calendars.Names(ctx)
}

func (m *StorageManager) loadCalendar(ctx context.Context, name string) (*domain.Calendar, error) {
	if name == "" {
		return nil, nil
	}
	cal, err := m.calendars.Get(ctx, name)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, &domain.IntegrityError{Reason: fmt.Sprintf("referenced calendar %s does not exist", name)}
	}
	return cal, err
}

// === Pause / resume ===

// PauseTrigger takes the trigger out of acquisition: Waiting and Acquired
// become Paused, Executing becomes PausedBlocked. Other states are left
// alone.
func (m *StorageManager) PauseTrigger(ctx context.Context, key domain.Key) error {
	return m.withTriggerLock(ctx, func(ctx context.Context) error {
		moved, err := m.triggers.UpdateStateIf(ctx, key, domain.StatePaused, domain.StateWaiting, domain.StateAcquired)
		if err != nil || moved {
			return err
		}
		if _, err := m.triggers.UpdateStateIf(ctx, key, domain.StatePausedBlocked, domain.StateExecuting); err != nil {
			return err
		}
		return nil
	})
}

// ResumeTrigger reverses PauseTrigger: Paused becomes Waiting, PausedBlocked
// becomes Executing again.
func (m *StorageManager) ResumeTrigger(ctx context.Context, key domain.Key) error {
	return m.withTriggerLock(ctx, func(ctx context.Context) error {
		moved, err := m.triggers.UpdateStateIf(ctx, key, domain.StateWaiting, domain.StatePaused)
		if err != nil || moved {
			return err
		}
		if _, err := m.triggers.UpdateStateIf(ctx, key, domain.StateExecuting, domain.StatePausedBlocked); err != nil {
			return err
		}
		return nil
	})
}

// PauseTriggerGroup pauses every matching trigger and records the matched
// group names in the paused set. Returns the paused group names.
func (m *StorageManager) PauseTriggerGroup(ctx context.Context, matcher domain.GroupMatcher) ([]string, error) {
	var pausedGroups []string
	err := m.withTriggerLock(ctx, func(ctx context.Context) error {
		var err error
		pausedGroups, err = m.pauseTriggerGroupLocked(ctx, matcher)
		return err
	})
	return pausedGroups, err
}

func (m *StorageManager) pauseTriggerGroupLocked(ctx context.Context, matcher domain.GroupMatcher) ([]string, error) {
	if _, err := m.triggers.UpdateStateByGroupIf(ctx, matcher, domain.StatePaused, domain.StateWaiting, domain.StateAcquired); err != nil {
		return nil, err
	}
	if _, err := m.triggers.UpdateStateByGroupIf(ctx, matcher, domain.StatePausedBlocked, domain.StateExecuting); err != nil {
		return nil, err
	}

	groups, err := m.triggers.GroupNames(ctx)
	if err != nil {
		return nil, err
	}
	var pausedGroups []string
	for _, group := range groups {
		if !matcher.Matches(group) {
			continue
		}
		if err := m.paused.Add(ctx, group); err != nil {
			return nil, err
		}
		pausedGroups = append(pausedGroups, group)
	}
	// An exact-match pause sticks even when the group has no triggers yet.
	if matcher.Op == domain.MatchEquals && len(pausedGroups) == 0 {
		if err := m.paused.Add(ctx, matcher.Value); err != nil {
			return nil, err
		}
		pausedGroups = append(pausedGroups, matcher.Value)
	}
	return pausedGroups, nil
}

// ResumeTriggerGroup removes the matched groups from the paused set and
// releases their triggers: Paused to Waiting, PausedBlocked back to
// Executing. Returns the resumed group names.
func (m *StorageManager) ResumeTriggerGroup(ctx context.Context, matcher domain.GroupMatcher) ([]string, error) {
	var resumed []string
	err := m.withTriggerLock(ctx, func(ctx context.Context) error {
		var err error
		resumed, err = m.resumeTriggerGroupLocked(ctx, matcher)
		return err
	})
	return resumed, err
}

func (m *StorageManager) resumeTriggerGroupLocked(ctx context.Context, matcher domain.GroupMatcher) ([]string, error) {
	pausedGroups, err := m.paused.List(ctx)
	if err != nil {
		return nil, err
	}
	var resumed []string
	for _, group := range pausedGroups {
		if group == domain.AllPausedGroup || !matcher.Matches(group) {
			continue
		}
		if _, err := m.paused.Remove(ctx, group); err != nil {
			return nil, err
		}
		resumed = append(resumed, group)
	}

	if _, err := m.triggers.UpdateStateByGroupIf(ctx, matcher, domain.StateWaiting, domain.StatePaused); err != nil {
		return nil, err
	}
	if _, err := m.triggers.UpdateStateByGroupIf(ctx, matcher, domain.StateExecuting, domain.StatePausedBlocked); err != nil {
		return nil, err
	}
	return resumed, nil
}

// PauseAll pauses every trigger group and marks the whole store paused, so
// triggers stored later start paused too.
func (m *StorageManager) PauseAll(ctx context.Context) error {
	return m.withTriggerLock(ctx, func(ctx context.Context) error {
		if _, err := m.pauseTriggerGroupLocked(ctx, domain.AnyGroup()); err != nil {
			return err
		}
		return m.paused.Add(ctx, domain.AllPausedGroup)
	})
}

// ResumeAll reverses PauseAll and empties the paused set.
func (m *StorageManager) ResumeAll(ctx context.Context) error {
	return m.withTriggerLock(ctx, func(ctx context.Context) error {
		if _, err := m.resumeTriggerGroupLocked(ctx, domain.AnyGroup()); err != nil {
			return err
		}
		_, err := m.paused.Remove(ctx, domain.AllPausedGroup)
		return err
	})
}

// GetPausedTriggerGroups returns the stored paused set, including the
// pause-all marker when present.
func (m *StorageManager) GetPausedTriggerGroups(ctx context.Context) ([]string, error) {
	return m.paused.List(ctx)
}

// IsJobGroupPaused is knowingly unimplemented; the paused set tracks
// trigger groups only.
func (m *StorageManager) IsJobGroupPaused(ctx context.Context, group string) (bool, error) {
	return false, domain.ErrNotImplemented
}

// IsTriggerGroupPaused is knowingly unimplemented: group matchers make
// "paused" ambiguous for groups that exist only as patterns.
func (m *StorageManager) IsTriggerGroupPaused(ctx context.Context, group string) (bool, error) {
	return false, domain.ErrNotImplemented
}

// ResetTriggerFromErrorState returns an errored trigger to circulation,
// honoring a pause of its group.
func (m *StorageManager) ResetTriggerFromErrorState(ctx context.Context, key domain.Key) error {
	return m.withTriggerLock(ctx, func(ctx context.Context) error {
		state, err := m.triggers.GetState(ctx, key)
		if err != nil {
			return err
		}
		if state != domain.StateError {
			return &domain.IllegalTransitionError{From: state, Event: domain.EventResetFromError}
		}
		target := domain.StateWaiting
		groupPaused, err := m.paused.Contains(ctx, key.Group)
		if err != nil {
			return err
		}
		if groupPaused {
			target = domain.StatePaused
		}
		_, err = m.triggers.UpdateStateIf(ctx, key, target, domain.StateError)
		return err
	})
}

// === Introspection ===

// GetTriggerState maps the persisted state onto the coarse external view.
func (m *StorageManager) GetTriggerState(ctx context.Context, key domain.Key) (TriggerStatus, error) {
	state, err := m.triggers.GetState(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return StatusNone, nil
	}
	if err != nil {
		return StatusNone, err
	}
	switch state {
	case domain.StateWaiting, domain.StateAcquired:
		return StatusNormal, nil
	case domain.StateExecuting:
		return StatusBlocked, nil
	case domain.StatePaused, domain.StatePausedBlocked:
		return StatusPaused, nil
	case domain.StateComplete:
		return StatusComplete, nil
	case domain.StateError:
		return StatusError, nil
	default:
		return StatusNone, fmt.Errorf("unknown trigger state %q", state)
	}
}

func (m *StorageManager) CheckJobExists(ctx context.Context, key domain.Key) (bool, error) {
	return m.jobs.Exists(ctx, key)
}

func (m *StorageManager) CheckTriggerExists(ctx context.Context, key domain.Key) (bool, error) {
	return m.triggers.Exists(ctx, key)
}

func (m *StorageManager) CheckCalendarExists(ctx context.Context, name string) (bool, error) {
	_, err := m.calendars.Get(ctx, name)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *StorageManager) GetJobKeys(ctx context.Context, matcher domain.GroupMatcher) ([]domain.Key, error) {
	return m.jobs.Keys(ctx, matcher)
}

func (m *StorageManager) GetTriggerKeys(ctx context.Context, matcher domain.GroupMatcher) ([]domain.Key, error) {
	return m.triggers.Keys(ctx, matcher)
}

func (m *StorageManager) GetJobGroupNames(ctx context.Context) ([]string, error) {
	return m.jobs.GroupNames(ctx)
}

func (m *StorageManager) GetTriggerGroupNames(ctx context.Context) ([]string, error) {
	return m.triggers.GroupNames(ctx)
}

// GetTriggersForJob returns every trigger referencing the job.
func (m *StorageManager) GetTriggersForJob(ctx context.Context, jobKey domain.Key) ([]*domain.Trigger, error) {
	return m.triggers.GetByJobKey(ctx, jobKey)
}

func (m *StorageManager) GetNumberOfJobs(ctx context.Context) (int64, error) {
	return m.jobs.Count(ctx)
}

func (m *StorageManager) GetNumberOfTriggers(ctx context.Context) (int64, error) {
	return m.triggers.Count(ctx)
}

func (m *StorageManager) GetNumberOfCalendars(ctx context.Context) (int64, error) {
	return m.calendars.Count(ctx)
}
