package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/jobstore/internal/domain"
	"github.com/rezkam/jobstore/internal/recurring"
)

var baseTime = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

// pinClock freezes every time source of the store at a fixed instant.
func pinClock(f *fixture, at time.Time) {
	clock := func() time.Time { return at }
	f.store.now = clock
	f.store.StorageManager.now = clock
	f.store.FireManager.now = clock
}

func TestAcquireFireCompleteLifecycle(t *testing.T) {
	f := newFixture(t)
	pinClock(f, baseTime)
	ctx := context.Background()

	job := testJob("g", "j")
	trigger := testTrigger("g", "t", job.Key, baseTime)
	require.NoError(t, f.store.StoreJobAndTrigger(ctx, job, trigger))

	acquired, err := f.store.AcquireNextTriggers(ctx, baseTime, 10, 0)
	require.NoError(t, err)
	require.Len(t, acquired, 1)
	assert.Equal(t, trigger.Key, acquired[0].Key)
	assert.Equal(t, domain.StateAcquired, f.db.triggerState(trigger.Key))

	results, err := f.store.TriggersFired(ctx, acquired)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	bundle := results[0].Bundle
	require.NotNil(t, bundle)
	assert.Equal(t, job.Key, bundle.Job.Key)
	assert.True(t, bundle.ScheduledFireTime.Equal(baseTime))
	assert.False(t, bundle.Recovering)
	assert.Equal(t, domain.StateExecuting, f.db.triggerState(trigger.Key))

	// The firing left an in-flight record and advanced the series.
	f.db.mu.Lock()
	assert.Len(t, f.db.fired, 1)
	next := f.db.triggers[trigger.Key].NextFireTime
	f.db.mu.Unlock()
	require.NotNil(t, next)
	assert.True(t, next.Equal(baseTime.Add(time.Minute)))

	err = f.store.TriggeredJobComplete(ctx, bundle.Trigger, bundle.Job, domain.InstructionSetTriggerComplete)
	require.NoError(t, err)
	assert.Equal(t, domain.StateComplete, f.db.triggerState(trigger.Key))
	f.db.mu.Lock()
	assert.Empty(t, f.db.fired)
	f.db.mu.Unlock()

	assert.True(t, f.locks.balanced())
}

func TestAcquireOrdering(t *testing.T) {
	f := newFixture(t)
	pinClock(f, baseTime)
	ctx := context.Background()

	job := testJob("g", "j")
	require.NoError(t, f.store.StoreJob(ctx, job, false))

	early := testTrigger("g", "early", job.Key, baseTime.Add(-time.Second))
	lowPriority := testTrigger("g", "low", job.Key, baseTime)
	highPriority := testTrigger("g", "high", job.Key, baseTime)
	highPriority.Priority = 10
	for _, trg := range []*domain.Trigger{lowPriority, highPriority, early} {
		require.NoError(t, f.store.StoreTrigger(ctx, trg, false))
	}

	acquired, err := f.store.AcquireNextTriggers(ctx, baseTime, 10, 0)
	require.NoError(t, err)
	require.Len(t, acquired, 3)
	// Earliest fire time first; priority breaks the tie.
	assert.Equal(t, early.Key, acquired[0].Key)
	assert.Equal(t, highPriority.Key, acquired[1].Key)
	assert.Equal(t, lowPriority.Key, acquired[2].Key)
}

func TestAcquireHonorsMaxCountAndWindow(t *testing.T) {
	f := newFixture(t)
	pinClock(f, baseTime)
	ctx := context.Background()

	job := testJob("g", "j")
	require.NoError(t, f.store.StoreJob(ctx, job, false))
	for i := 0; i < 5; i++ {
		trg := testTrigger("g", fmt.Sprintf("t%d", i), job.Key, baseTime.Add(time.Duration(i)*time.Second))
		require.NoError(t, f.store.StoreTrigger(ctx, trg, false))
	}

	acquired, err := f.store.AcquireNextTriggers(ctx, baseTime, 2, 0)
	require.NoError(t, err)
	assert.Len(t, acquired, 1, "only t0 is due at the batch time with no window")

	acquired, err = f.store.AcquireNextTriggers(ctx, baseTime, 2, 10*time.Second)
	require.NoError(t, err)
	assert.Len(t, acquired, 2, "the window admits later triggers, the count caps the batch")
}

func TestAcquireSkipsMisfiredUnlessPolicyIgnores(t *testing.T) {
	f := newFixture(t)
	pinClock(f, baseTime)
	ctx := context.Background()

	job := testJob("g", "j")
	require.NoError(t, f.store.StoreJob(ctx, job, false))

	stale := testTrigger("g", "stale", job.Key, baseTime.Add(-5*time.Minute))
	require.NoError(t, f.store.StoreTrigger(ctx, stale, false))

	ignoring := testTrigger("g", "ignoring", job.Key, baseTime.Add(-5*time.Minute))
	ignoring.MisfireInstruction = domain.MisfireIgnorePolicy
	require.NoError(t, f.store.StoreTrigger(ctx, ignoring, false))

	acquired, err := f.store.AcquireNextTriggers(ctx, baseTime, 10, 0)
	require.NoError(t, err)
	require.Len(t, acquired, 1)
	assert.Equal(t, ignoring.Key, acquired[0].Key)
	assert.Equal(t, domain.StateWaiting, f.db.triggerState(stale.Key), "misfired trigger is left for the sweeper")
}

func TestAcquireContention(t *testing.T) {
	f := newFixture(t)
	pinClock(f, baseTime)
	ctx := context.Background()

	job := testJob("g", "j")
	trigger := testTrigger("g", "t", job.Key, baseTime)
	require.NoError(t, f.store.StoreJobAndTrigger(ctx, job, trigger))

	first, err := f.store.AcquireNextTriggers(ctx, baseTime, 10, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A second acquisition pass finds nothing; the trigger is owned.
	second, err := f.store.AcquireNextTriggers(ctx, baseTime, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestReleaseAcquiredTrigger(t *testing.T) {
	f := newFixture(t)
	pinClock(f, baseTime)
	ctx := context.Background()

	job := testJob("g", "j")
	trigger := testTrigger("g", "t", job.Key, baseTime)
	require.NoError(t, f.store.StoreJobAndTrigger(ctx, job, trigger))

	acquired, err := f.store.AcquireNextTriggers(ctx, baseTime, 10, 0)
	require.NoError(t, err)
	require.Len(t, acquired, 1)

	require.NoError(t, f.store.ReleaseAcquiredTrigger(ctx, acquired[0]))
	assert.Equal(t, domain.StateWaiting, f.db.triggerState(trigger.Key))

	// Releasing again is a no-op.
	require.NoError(t, f.store.ReleaseAcquiredTrigger(ctx, acquired[0]))
	assert.Equal(t, domain.StateWaiting, f.db.triggerState(trigger.Key))
}

func TestTriggersFiredReportsPerTrigger(t *testing.T) {
	f := newFixture(t)
	pinClock(f, baseTime)
	ctx := context.Background()

	job := testJob("g", "j")
	require.NoError(t, f.store.StoreJob(ctx, job, false))
	owned := testTrigger("g", "owned", job.Key, baseTime)
	stolen := testTrigger("g", "stolen", job.Key, baseTime)
	require.NoError(t, f.store.StoreTrigger(ctx, owned, false))
	require.NoError(t, f.store.StoreTrigger(ctx, stolen, false))

	acquired, err := f.store.AcquireNextTriggers(ctx, baseTime, 10, 0)
	require.NoError(t, err)
	require.Len(t, acquired, 2)

	// Simulate another instance taking one trigger away after acquisition.
	f.db.mu.Lock()
	f.db.triggers[stolen.Key].State = domain.StateWaiting
	f.db.mu.Unlock()

	results, err := f.store.TriggersFired(ctx, acquired)
	require.NoError(t, err)
	require.Len(t, results, 2)
	byKey := map[domain.Key]FireResult{}
	for _, res := range results {
		byKey[res.TriggerKey] = res
	}
	assert.NoError(t, byKey[owned.Key].Err)
	assert.NotNil(t, byKey[owned.Key].Bundle)
	assert.ErrorIs(t, byKey[stolen.Key].Err, errNotAcquired)
	assert.Nil(t, byKey[stolen.Key].Bundle)
}

func TestFireBlocksConcurrentDisallowedSiblings(t *testing.T) {
	f := newFixture(t)
	pinClock(f, baseTime)
	ctx := context.Background()

	job := testJob("g", "j")
	job.ConcurrentExecutionDisallowed = true
	require.NoError(t, f.store.StoreJob(ctx, job, false))
	first := testTrigger("g", "first", job.Key, baseTime)
	sibling := testTrigger("g", "sibling", job.Key, baseTime.Add(time.Hour))
	pausedSibling := testTrigger("g", "paused", job.Key, baseTime.Add(2*time.Hour))
	require.NoError(t, f.store.StoreTrigger(ctx, first, false))
	require.NoError(t, f.store.StoreTrigger(ctx, sibling, false))
	require.NoError(t, f.store.StoreTrigger(ctx, pausedSibling, false))
	require.NoError(t, f.store.PauseTrigger(ctx, pausedSibling.Key))

	acquired, err := f.store.AcquireNextTriggers(ctx, baseTime, 1, 0)
	require.NoError(t, err)
	require.Len(t, acquired, 1)

	results, err := f.store.TriggersFired(ctx, acquired)
	require.NoError(t, err)
	require.NoError(t, results[0].Err)

	assert.Equal(t, domain.StateExecuting, f.db.triggerState(sibling.Key))
	assert.Equal(t, domain.StatePausedBlocked, f.db.triggerState(pausedSibling.Key))

	bundle := results[0].Bundle
	require.NoError(t, f.store.TriggeredJobComplete(ctx, bundle.Trigger, bundle.Job, domain.InstructionNoop))

	assert.Equal(t, domain.StateWaiting, f.db.triggerState(sibling.Key))
	assert.Equal(t, domain.StatePaused, f.db.triggerState(pausedSibling.Key))
	assert.Equal(t, domain.StateWaiting, f.db.triggerState(first.Key))
}

func TestCompleteDeleteTriggerInstruction(t *testing.T) {
	f := newFixture(t)
	pinClock(f, baseTime)
	ctx := context.Background()

	bundle := fireSingleTrigger(t, f)
	require.NoError(t, f.store.TriggeredJobComplete(ctx, bundle.Trigger, bundle.Job, domain.InstructionDeleteTrigger))

	_, err := f.store.RetrieveTrigger(ctx, bundle.Trigger.Key)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCompleteSetErrorInstruction(t *testing.T) {
	f := newFixture(t)
	pinClock(f, baseTime)
	ctx := context.Background()

	bundle := fireSingleTrigger(t, f)
	require.NoError(t, f.store.TriggeredJobComplete(ctx, bundle.Trigger, bundle.Job, domain.InstructionSetTriggerError))
	assert.Equal(t, domain.StateError, f.db.triggerState(bundle.Trigger.Key))
}

func TestCompleteAllGroupTriggersInstruction(t *testing.T) {
	f := newFixture(t)
	pinClock(f, baseTime)
	ctx := context.Background()

	job := testJob("g", "j")
	require.NoError(t, f.store.StoreJob(ctx, job, false))
	other := testTrigger("g", "other", job.Key, baseTime.Add(time.Hour))
	require.NoError(t, f.store.StoreTrigger(ctx, other, false))

	bundle := fireSingleTrigger(t, f)
	require.NoError(t, f.store.TriggeredJobComplete(ctx, bundle.Trigger, bundle.Job, domain.InstructionSetAllGroupTriggersComplete))

	assert.Equal(t, domain.StateComplete, f.db.triggerState(bundle.Trigger.Key))
	assert.Equal(t, domain.StateComplete, f.db.triggerState(other.Key))
}

func TestCompleteNoopReturnsToWaiting(t *testing.T) {
	f := newFixture(t)
	pinClock(f, baseTime)
	ctx := context.Background()

	bundle := fireSingleTrigger(t, f)
	require.NoError(t, f.store.TriggeredJobComplete(ctx, bundle.Trigger, bundle.Job, domain.InstructionNoop))
	assert.Equal(t, domain.StateWaiting, f.db.triggerState(bundle.Trigger.Key))
}

func TestCompletionCleanupScopedToInstance(t *testing.T) {
	f := newFixture(t)
	pinClock(f, baseTime)
	ctx := context.Background()

	job := testJob("g", "j")
	trigger := testTrigger("g", "t", job.Key, baseTime)
	require.NoError(t, f.store.StoreJobAndTrigger(ctx, job, trigger))

	// In-flight record of another instance whose id extends this one's.
	foreign := &domain.FiredTrigger{
		FiredInstanceID:   firedInstanceID(trigger.Key, "instance-10", baseTime),
		InstanceID:        "instance-10",
		TriggerKey:        trigger.Key,
		JobKey:            job.Key,
		FiredAt:           baseTime,
		ScheduledFireTime: baseTime,
	}
	require.NoError(t, (&memFiredRepo{db: f.db}).Insert(ctx, foreign))

	bundle := mustFire(t, f, trigger.Key)
	require.NoError(t, f.store.TriggeredJobComplete(ctx, bundle.Trigger, bundle.Job, domain.InstructionNoop))

	f.db.mu.Lock()
	_, foreignKept := f.db.fired[foreign.FiredInstanceID]
	ownLeft := 0
	for _, rec := range f.db.fired {
		if rec.InstanceID == "instance-1" {
			ownLeft++
		}
	}
	f.db.mu.Unlock()
	assert.True(t, foreignKept, "completion must not delete other instances' records")
	assert.Zero(t, ownLeft)
}

func TestCompleteExhaustedSeriesFinalizes(t *testing.T) {
	f := newFixture(t)
	pinClock(f, baseTime)
	ctx := context.Background()

	job := testJob("g", "j")
	trigger := testTrigger("g", "t", job.Key, baseTime)
	trigger.Schedule = recurring.OneShot()
	require.NoError(t, f.store.StoreJobAndTrigger(ctx, job, trigger))

	acquired, err := f.store.AcquireNextTriggers(ctx, baseTime, 10, 0)
	require.NoError(t, err)
	require.Len(t, acquired, 1)
	results, err := f.store.TriggersFired(ctx, acquired)
	require.NoError(t, err)
	require.NoError(t, results[0].Err)

	bundle := results[0].Bundle
	assert.Nil(t, bundle.Trigger.NextFireTime)

	require.NoError(t, f.store.TriggeredJobComplete(ctx, bundle.Trigger, bundle.Job, domain.InstructionNoop))
	assert.Equal(t, domain.StateComplete, f.db.triggerState(trigger.Key))
}

func TestCompletePersistsJobData(t *testing.T) {
	f := newFixture(t)
	pinClock(f, baseTime)
	ctx := context.Background()

	job := testJob("g", "j")
	job.PersistDataAfterExecution = true
	job.Data = domain.DataMap{"runs": 0}
	trigger := testTrigger("g", "t", job.Key, baseTime)
	require.NoError(t, f.store.StoreJobAndTrigger(ctx, job, trigger))

	bundle := mustFire(t, f, trigger.Key)
	bundle.Job.Data = domain.DataMap{"runs": 1}
	require.NoError(t, f.store.TriggeredJobComplete(ctx, bundle.Trigger, bundle.Job, domain.InstructionNoop))

	stored, err := f.store.RetrieveJob(ctx, job.Key)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Data["runs"])
}

func TestRecoverMisfiresReschedules(t *testing.T) {
	f := newFixture(t)
	pinClock(f, baseTime)
	ctx := context.Background()

	job := testJob("g", "j")
	trigger := testTrigger("g", "t", job.Key, baseTime.Add(-5*time.Minute))
	require.NoError(t, f.store.StoreJobAndTrigger(ctx, job, trigger))

	result, err := f.store.RecoverMisfires(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count)
	assert.False(t, result.HasMore)
	require.NotNil(t, result.EarliestNewFireTime)
	assert.True(t, result.EarliestNewFireTime.Equal(baseTime))

	got, err := f.store.RetrieveTrigger(ctx, trigger.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateWaiting, got.State)
	require.NotNil(t, got.NextFireTime)
	assert.False(t, got.NextFireTime.Before(baseTime.Add(-time.Minute)), "recomputed fire time must not still be misfired")

	f.listener.mu.Lock()
	defer f.listener.mu.Unlock()
	assert.Equal(t, []domain.Key{trigger.Key}, f.listener.misfired)
	assert.Empty(t, f.listener.finalized)
}

func TestRecoverMisfiresFinalizesExhausted(t *testing.T) {
	f := newFixture(t)
	pinClock(f, baseTime)
	ctx := context.Background()

	job := testJob("g", "j")
	trigger := testTrigger("g", "t", job.Key, baseTime.Add(-5*time.Minute))
	trigger.StartTime = baseTime.Add(-5 * time.Minute)
	trigger.Schedule = recurring.OneShot()
	trigger.MisfireInstruction = domain.MisfireRescheduleNext
	require.NoError(t, f.store.StoreJobAndTrigger(ctx, job, trigger))

	result, err := f.store.RecoverMisfires(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count)
	assert.Nil(t, result.EarliestNewFireTime)
	assert.Equal(t, domain.StateComplete, f.db.triggerState(trigger.Key))

	f.listener.mu.Lock()
	defer f.listener.mu.Unlock()
	assert.Equal(t, []domain.Key{trigger.Key}, f.listener.misfired)
	assert.Equal(t, []domain.Key{trigger.Key}, f.listener.finalized)
}

func TestRecoverMisfiresPassLimit(t *testing.T) {
	f := newFixture(t)
	pinClock(f, baseTime)
	ctx := context.Background()

	job := testJob("g", "j")
	require.NoError(t, f.store.StoreJob(ctx, job, false))
	for i := 0; i < 25; i++ {
		trg := testTrigger("g", fmt.Sprintf("t%d", i), job.Key, baseTime.Add(-10*time.Minute).Add(time.Duration(i)*time.Second))
		require.NoError(t, f.store.StoreTrigger(ctx, trg, false))
	}

	result, err := f.store.RecoverMisfires(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 20, result.Count)
	assert.True(t, result.HasMore)

	result, err = f.store.RecoverMisfires(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Count)
	assert.False(t, result.HasMore)

	// A third pass finds nothing; the sweep converged.
	result, err = f.store.RecoverMisfires(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, result.Count)
}

func TestFireOnceNowMisfirePolicy(t *testing.T) {
	f := newFixture(t)
	pinClock(f, baseTime)
	ctx := context.Background()

	job := testJob("g", "j")
	trigger := testTrigger("g", "t", job.Key, baseTime.Add(-10*time.Minute))
	trigger.MisfireInstruction = domain.MisfireFireOnceNow
	require.NoError(t, f.store.StoreJobAndTrigger(ctx, job, trigger))

	_, err := f.store.RecoverMisfires(ctx, false)
	require.NoError(t, err)

	got, err := f.store.RetrieveTrigger(ctx, trigger.Key)
	require.NoError(t, err)
	require.NotNil(t, got.NextFireTime)
	assert.True(t, got.NextFireTime.Equal(baseTime))
}

// fireSingleTrigger stores one job with one due trigger and drives it through
// acquisition and firing.
func fireSingleTrigger(t *testing.T, f *fixture) *domain.TriggerFiredBundle {
	t.Helper()
	ctx := context.Background()

	job := testJob("single", "j")
	trigger := testTrigger("g", "t", job.Key, baseTime)
	trigger.Key = domain.NewKey("g", "single-t")
	require.NoError(t, f.store.StoreJobAndTrigger(ctx, job, trigger))
	return mustFire(t, f, trigger.Key)
}

// mustFire acquires and fires the given trigger, failing the test if any
// other trigger was picked up instead.
func mustFire(t *testing.T, f *fixture, key domain.Key) *domain.TriggerFiredBundle {
	t.Helper()
	ctx := context.Background()

	acquired, err := f.store.AcquireNextTriggers(ctx, baseTime, 100, 0)
	require.NoError(t, err)
	var target *domain.Trigger
	for _, trg := range acquired {
		if trg.Key == key {
			target = trg
			continue
		}
		require.NoError(t, f.store.ReleaseAcquiredTrigger(ctx, trg))
	}
	require.NotNil(t, target, "trigger %s was not acquired", key)

	results, err := f.store.TriggersFired(ctx, []*domain.Trigger{target})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	return results[0].Bundle
}
