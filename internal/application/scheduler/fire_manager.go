package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rezkam/jobstore/internal/domain"
)

// FireResult reports the outcome of firing one trigger of a batch. Err is
// set when this trigger could not be fired; other triggers in the batch are
// unaffected.
type FireResult struct {
	TriggerKey domain.Key
	Bundle     *domain.TriggerFiredBundle
	Err        error
}

// MisfireResult summarizes one sweep of the misfire recovery pass.
type MisfireResult struct {
	// HasMore is set when more misfired triggers remain than the pass
	// limit allowed handling.
	HasMore bool

	// Count is the number of triggers handled in this pass.
	Count int

	// EarliestNewFireTime is the soonest recomputed fire time among the
	// handled triggers, nil when none was rescheduled.
	EarliestNewFireTime *time.Time
}

// FireManager implements the acquire/fire/complete protocol and the misfire
// recovery sweep. Acquisition is at-most-once across the cluster: every
// ownership change is a compare-and-set on the trigger's state, so two
// instances racing for the same trigger resolve to exactly one winner.
type FireManager struct {
	jobs      JobRepository
	triggers  TriggerRepository
	calendars CalendarRepository
	fired     FiredTriggerRepository
	locks     LockManager
	listener  TriggerListener
	metrics   *storeMetrics

	instanceID       string
	misfireThreshold time.Duration
	maxMisfires      int
	now              func() time.Time
}

func NewFireManager(jobs JobRepository, triggers TriggerRepository, calendars CalendarRepository, fired FiredTriggerRepository, locks LockManager, listener TriggerListener, instanceID string, misfireThreshold time.Duration, maxMisfires int) *FireManager {
	if listener == nil {
		listener = NoopTriggerListener{}
	}
	return &FireManager{
		jobs:             jobs,
		triggers:         triggers,
		calendars:        calendars,
		fired:            fired,
		locks:            locks,
		listener:         listener,
		metrics:          newStoreMetrics(),
		instanceID:       instanceID,
		misfireThreshold: misfireThreshold,
		maxMisfires:      maxMisfires,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

func (f *FireManager) withTriggerLock(ctx context.Context, fn func(ctx context.Context) error) error {
	return withLock(ctx, f.locks, domain.LockTriggerAccess, fn)
}

// AcquireNextTriggers claims up to maxCount waiting triggers due no later
// than noLaterThan+timeWindow, in fire-time order with priority breaking
// ties. Acquired triggers belong to this instance until fired or released;
// a caller cancelled mid-batch keeps what it already acquired and must fire
// or release it.
func (f *FireManager) AcquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]*domain.Trigger, error) {
	var acquired []*domain.Trigger
	err := f.withTriggerLock(ctx, func(ctx context.Context) error {
		now := f.now()
		candidates, err := f.triggers.AcquireCandidateKeys(ctx, noLaterThan.Add(timeWindow), now.Add(-f.misfireThreshold), maxCount)
		if err != nil {
			return err
		}

		for _, key := range candidates {
			if err := ctx.Err(); err != nil {
				return err
			}
			won, err := f.triggers.UpdateStateIf(ctx, key, domain.StateAcquired, domain.StateWaiting)
			if err != nil {
				return err
			}
			if !won {
				// Another acquirer or a pause beat us to this one.
				continue
			}
			trigger, err := f.triggers.Get(ctx, key)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			acquired = append(acquired, trigger)
			if len(acquired) == maxCount {
				break
			}
		}
		return nil
	})
	if err != nil {
		// Triggers already claimed in this call stay acquired; the caller
		// fires or releases them.
		return acquired, err
	}
	f.metrics.add(ctx, f.metrics.acquired, int64(len(acquired)))
	return acquired, nil
}

// ReleaseAcquiredTrigger hands an acquired trigger back to the waiting pool.
// Idempotent: a trigger that already fired, was deleted, or was released is
// left alone.
func (f *FireManager) ReleaseAcquiredTrigger(ctx context.Context, trigger *domain.Trigger) error {
	return f.withTriggerLock(ctx, func(ctx context.Context) error {
		_, err := f.triggers.UpdateStateIf(ctx, trigger.Key, domain.StateWaiting, domain.StateAcquired)
		return err
	})
}

// TriggersFired transitions each acquired trigger to executing, records the
// in-flight firing, and returns the execution bundles. Failures are reported
// per trigger; one bad trigger does not abort the batch.
func (f *FireManager) TriggersFired(ctx context.Context, triggers []*domain.Trigger) ([]FireResult, error) {
	results := make([]FireResult, 0, len(triggers))
	err := f.withTriggerLock(ctx, func(ctx context.Context) error {
		for _, trigger := range triggers {
			if err := ctx.Err(); err != nil {
				return err
			}
			bundle, err := f.fireOne(ctx, trigger.Key)
			if err != nil {
				slog.WarnContext(ctx, "trigger could not be fired", "trigger_key", trigger.Key.String(), "error", err)
			}
			results = append(results, FireResult{TriggerKey: trigger.Key, Bundle: bundle, Err: err})
		}
		return nil
	})
	if err != nil {
		return results, err
	}

	var fired int64
	for _, res := range results {
		if res.Err == nil {
			fired++
		}
	}
	f.metrics.add(ctx, f.metrics.fired, fired)
	return results, nil
}

var errNotAcquired = errors.New("trigger is no longer acquired by this instance")

func (f *FireManager) fireOne(ctx context.Context, key domain.Key) (*domain.TriggerFiredBundle, error) {
	trigger, err := f.triggers.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, errNotAcquired
	}
	if err != nil {
		return nil, err
	}
	if trigger.State != domain.StateAcquired {
		return nil, errNotAcquired
	}

	job, err := f.jobs.Get(ctx, trigger.JobKey)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, &domain.IntegrityError{Reason: fmt.Sprintf("trigger %s references missing job %s", trigger.Key, trigger.JobKey)}
	}
	if err != nil {
		return nil, err
	}

	var cal *domain.Calendar
	if trigger.CalendarName != "" {
		cal, err = f.calendars.Get(ctx, trigger.CalendarName)
		if errors.Is(err, domain.ErrNotFound) {
			cal = nil
		} else if err != nil {
			return nil, err
		}
	}

	now := f.now()
	scheduled := trigger.Triggered(cal)
	if scheduled == nil {
		s := now
		scheduled = &s
	}
	trigger.State = domain.StateExecuting

	won, err := f.triggers.UpdateIfState(ctx, trigger, domain.StateAcquired)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, errNotAcquired
	}

	fired := &domain.FiredTrigger{
		FiredInstanceID:               firedInstanceID(trigger.Key, f.instanceID, now),
		InstanceID:                    f.instanceID,
		TriggerKey:                    trigger.Key,
		JobKey:                        job.Key,
		FiredAt:                       now,
		ScheduledFireTime:             *scheduled,
		RequestsRecovery:              job.RequestsRecovery,
		ConcurrentExecutionDisallowed: job.ConcurrentExecutionDisallowed,
	}
	if err := f.fired.Insert(ctx, fired); err != nil {
		return nil, err
	}

	// Hold a concurrency-disallowed job's other triggers out of
	// acquisition while this one executes. Waiting siblings move to
	// Executing, paused ones to PausedBlocked; completion reverses both.
	if job.ConcurrentExecutionDisallowed {
		if _, err := f.triggers.UpdateStateByJobKeyIf(ctx, job.Key, domain.StateExecuting, domain.StateWaiting); err != nil {
			return nil, err
		}
		if _, err := f.triggers.UpdateStateByJobKeyIf(ctx, job.Key, domain.StatePausedBlocked, domain.StatePaused); err != nil {
			return nil, err
		}
	}

	return &domain.TriggerFiredBundle{
		Job:               job,
		Trigger:           trigger,
		Calendar:          cal,
		FiredAt:           now,
		ScheduledFireTime: *scheduled,
		Recovering:        trigger.Key.Group == domain.RecoveryGroup,
	}, nil
}

// firedInstanceID mints the unique id of one firing.
func firedInstanceID(key domain.Key, instanceID string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", key.Name, key.Group, instanceID, at.UTC().UnixNano())
}

// firedRecordPrefix matches every firing of one trigger by this instance.
// The trailing separator keeps an instance id from matching other ids it is
// a prefix of.
func firedRecordPrefix(key domain.Key, instanceID string) string {
	return fmt.Sprintf("%s:%s:%s:", key.Name, key.Group, instanceID)
}

// TriggeredJobComplete finalizes one execution: applies the completion
// instruction to the trigger, removes the in-flight record, persists job
// data when requested, and releases siblings of a concurrency-disallowed
// job.
func (f *FireManager) TriggeredJobComplete(ctx context.Context, trigger *domain.Trigger, job *domain.JobDetail, instruction domain.CompletedExecutionInstruction) error {
	err := f.withTriggerLock(ctx, func(ctx context.Context) error {
		if err := f.applyCompletionInstruction(ctx, trigger, instruction); err != nil {
			return err
		}

		if _, err := f.fired.DeleteByPrefix(ctx, firedRecordPrefix(trigger.Key, f.instanceID)); err != nil {
			return err
		}

		if job.PersistDataAfterExecution {
			if err := f.jobs.UpdateData(ctx, job.Key, job.Data); err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
		}

		if job.ConcurrentExecutionDisallowed {
			if _, err := f.triggers.UpdateStateByJobKeyIf(ctx, job.Key, domain.StatePaused, domain.StatePausedBlocked); err != nil {
				return err
			}
			if _, err := f.triggers.UpdateStateByJobKeyIf(ctx, job.Key, domain.StateWaiting, domain.StateExecuting); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	f.metrics.add(ctx, f.metrics.completed, 1)
	return nil
}

func (f *FireManager) applyCompletionInstruction(ctx context.Context, trigger *domain.Trigger, instruction domain.CompletedExecutionInstruction) error {
	switch instruction {
	case domain.InstructionDeleteTrigger:
		_, err := f.triggers.Delete(ctx, trigger.Key)
		return err

	case domain.InstructionSetTriggerComplete:
		_, err := f.triggers.UpdateStateIf(ctx, trigger.Key, domain.StateComplete, domain.StateExecuting)
		return err

	case domain.InstructionSetTriggerError:
		slog.WarnContext(ctx, "trigger execution reported an error", "trigger_key", trigger.Key.String())
		_, err := f.triggers.UpdateStateIf(ctx, trigger.Key, domain.StateError, domain.StateExecuting)
		return err

	case domain.InstructionSetAllGroupTriggersComplete:
		_, err := f.triggers.UpdateStateByGroupIf(ctx, domain.GroupEquals(trigger.Key.Group), domain.StateComplete)
		return err

	default:
		// A trigger whose series is exhausted is finalized instead of
		// returning to the waiting pool.
		if trigger.NextFireTime == nil {
			_, err := f.triggers.UpdateStateIf(ctx, trigger.Key, domain.StateComplete, domain.StateExecuting)
			return err
		}
		_, err := f.triggers.UpdateStateIf(ctx, trigger.Key, domain.StateWaiting, domain.StateExecuting)
		return err
	}
}

// RecoverMisfires runs one pass of the misfire sweep under the cluster
// mutex. With recovering set (startup recovery) the handled triggers keep
// their stored state instead of being re-marked waiting.
func (f *FireManager) RecoverMisfires(ctx context.Context, recovering bool) (MisfireResult, error) {
	var result MisfireResult
	err := f.withTriggerLock(ctx, func(ctx context.Context) error {
		var err error
		result, err = f.recoverMisfiresLocked(ctx, recovering)
		return err
	})
	return result, err
}

// recoverMisfiresLocked is the sweep body; the caller holds TriggerAccess.
func (f *FireManager) recoverMisfiresLocked(ctx context.Context, recovering bool) (MisfireResult, error) {
	now := f.now()
	floor := now.Add(-f.misfireThreshold)

	total, err := f.triggers.CountMisfired(ctx, floor)
	if err != nil {
		return MisfireResult{}, err
	}
	if total == 0 {
		return MisfireResult{}, nil
	}

	keys, err := f.triggers.MisfiredKeys(ctx, floor, f.maxMisfires)
	if err != nil {
		return MisfireResult{}, err
	}

	result := MisfireResult{HasMore: total > int64(len(keys))}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		newFireTime, err := f.recoverOneMisfire(ctx, key, now, recovering)
		if err != nil {
			return result, err
		}
		result.Count++
		if newFireTime != nil && (result.EarliestNewFireTime == nil || newFireTime.Before(*result.EarliestNewFireTime)) {
			result.EarliestNewFireTime = newFireTime
		}
	}

	f.metrics.add(ctx, f.metrics.misfired, int64(result.Count))
	return result, nil
}

func (f *FireManager) recoverOneMisfire(ctx context.Context, key domain.Key, now time.Time, recovering bool) (*time.Time, error) {
	trigger, err := f.triggers.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var cal *domain.Calendar
	if trigger.CalendarName != "" {
		cal, err = f.calendars.Get(ctx, trigger.CalendarName)
		if errors.Is(err, domain.ErrNotFound) {
			cal = nil
		} else if err != nil {
			return nil, err
		}
	}

	f.listener.TriggerMisfired(ctx, trigger)

	trigger.UpdateAfterMisfire(now, cal)

	if trigger.NextFireTime == nil {
		trigger.State = domain.StateComplete
		if _, err := f.triggers.UpdateIfState(ctx, trigger, domain.StateWaiting); err != nil {
			return nil, err
		}
		f.listener.TriggerFinalized(ctx, trigger)
		return nil, nil
	}

	if !recovering {
		trigger.State = domain.StateWaiting
	}
	if _, err := f.triggers.UpdateIfState(ctx, trigger, domain.StateWaiting); err != nil {
		return nil, err
	}
	return trigger.NextFireTime, nil
}
