package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/jobstore/internal/domain"
	"github.com/rezkam/jobstore/internal/recurring"
)

// minSweepSleep clamps the sweeper's sleep so a busy store cannot spin.
const minSweepSleep = 50 * time.Millisecond

// Params carries the dependencies and policy of one store instance.
type Params struct {
	Jobs         JobRepository
	Triggers     TriggerRepository
	Calendars    CalendarRepository
	Fired        FiredTriggerRepository
	PausedGroups PausedGroupRepository
	Schedulers   SchedulerRepository
	Locks        LockManager

	// Listener receives misfire notifications; nil installs a noop.
	Listener TriggerListener

	// InstanceID is the physical scheduler instance identity, stable
	// across restarts so crash recovery can find its own leftovers.
	InstanceID string

	MisfireThreshold   time.Duration
	DBRetryInterval    time.Duration
	MaxMisfiresPerPass int

	// ErrorLogThreshold makes the sweeper log every Nth repeated failure
	// at error level instead of flooding the log.
	ErrorLogThreshold int
}

func (p Params) validate() error {
	if p.Jobs == nil || p.Triggers == nil || p.Calendars == nil || p.Fired == nil || p.PausedGroups == nil || p.Schedulers == nil || p.Locks == nil {
		return fmt.Errorf("store requires all repositories and the lock manager")
	}
	if p.InstanceID == "" {
		return fmt.Errorf("instance id must not be empty")
	}
	if p.MisfireThreshold <= 0 {
		return fmt.Errorf("misfire threshold must be positive")
	}
	if p.DBRetryInterval <= 0 {
		return fmt.Errorf("db retry interval must be positive")
	}
	if p.MaxMisfiresPerPass <= 0 {
		return fmt.Errorf("max misfires per pass must be positive")
	}
	if p.ErrorLogThreshold <= 0 {
		return fmt.Errorf("error log threshold must be positive")
	}
	return nil
}

// Store is the full scheduler store: entity writes, the firing protocol and
// the instance lifecycle with its background misfire sweeper.
type Store struct {
	*StorageManager
	*FireManager

	// Direct references; the embedded managers keep their own.
	jobs       JobRepository
	triggers   TriggerRepository
	calendars  CalendarRepository
	fired      FiredTriggerRepository
	paused     PausedGroupRepository
	schedulers SchedulerRepository
	locks      LockManager

	instanceID        string
	misfireThreshold  time.Duration
	dbRetryInterval   time.Duration
	errorLogThreshold int

	mu            sync.Mutex
	sweeperStop   context.CancelFunc
	sweeperDone   chan struct{}
	now           func() time.Time
	newRecoveryID func() string
}

// NewStore validates the parameters and assembles the store. The store does
// not touch the database until SchedulerStarted.
func NewStore(p Params) (*Store, error) {
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("invalid store parameters: %w", err)
	}
	if p.Listener == nil {
		p.Listener = NoopTriggerListener{}
	}
	return &Store{
		StorageManager: NewStorageManager(p.Jobs, p.Triggers, p.Calendars, p.PausedGroups, p.Locks, p.MisfireThreshold),
		FireManager:    NewFireManager(p.Jobs, p.Triggers, p.Calendars, p.Fired, p.Locks, p.Listener, p.InstanceID, p.MisfireThreshold, p.MaxMisfiresPerPass),

		jobs:       p.Jobs,
		triggers:   p.Triggers,
		calendars:  p.Calendars,
		fired:      p.Fired,
		paused:     p.PausedGroups,
		schedulers: p.Schedulers,
		locks:      p.Locks,

		instanceID:        p.InstanceID,
		misfireThreshold:  p.MisfireThreshold,
		dbRetryInterval:   p.DBRetryInterval,
		errorLogThreshold: p.ErrorLogThreshold,

		now:           func() time.Time { return time.Now().UTC() },
		newRecoveryID: func() string { return uuid.NewString() },
	}, nil
}

// SchedulerStarted registers this instance, recovers state left behind by a
// previous run of the same instance id, marks the instance running, and
// launches the background misfire sweeper.
func (s *Store) SchedulerStarted(ctx context.Context) error {
	if err := s.schedulers.Save(ctx, s.instanceID, domain.SchedulerStarted, s.now()); err != nil {
		return fmt.Errorf("failed to register scheduler instance: %w", err)
	}
	if err := s.recoverInstance(ctx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	if err := s.schedulers.UpdateState(ctx, s.instanceID, domain.SchedulerRunning, s.now()); err != nil {
		return fmt.Errorf("failed to mark scheduler instance running: %w", err)
	}
	s.startSweeper()
	slog.InfoContext(ctx, "scheduler store started", "instance_id", s.instanceID)
	return nil
}

/// recoverInstance runs the startup recovery pass: free state stuck by a
// crash, reschedule interrupted recoverable firings, drop stale in-flight
// records, sweep misfires and purge completed triggers.
func (s *Store) recoverInstance(ctx context.Context) error {
	return withLock(ctx, s.locks, domain.LockTriggerAccess, func(ctx context.Context) error {
		freed, err := s.triggers.UpdateStateAll(ctx, domain.StateWaiting, domain.StateAcquired, domain.StateExecuting)
		if err != nil {
			return err
		}
		blocked, err := s.triggers.UpdateStateAll(ctx, domain.StatePaused, domain.StatePausedBlocked)
		if err != nil {
			return err
		}
		if freed > 0 || blocked > 0 {
			slog.InfoContext(ctx, "freed triggers stuck by a previous run", "waiting", freed, "paused", blocked)
		}

		interrupted, err := s.fired.GetByInstance(ctx, s.instanceID)
		if err != nil {
			return err
		}
		recovered := 0
		for _, record := range interrupted {
			if !record.RequestsRecovery {
				continue
			}
			if err := s.storeRecoveryTrigger(ctx, record); err != nil {
				return err
			}
			recovered++
		}
		if _, err := s.fired.DeleteByInstance(ctx, s.instanceID); err != nil {
			return err
		}
		if len(interrupted) > 0 {
			slog.InfoContext(ctx, "processed interrupted firings", "found", len(interrupted), "recovery_triggers", recovered)
		}

		if _, err := s.recoverMisfiresLocked(ctx, true); err != nil {
			return err
		}

		purged, err := s.triggers.DeleteByState(ctx, domain.StateComplete)
		if err != nil {
			return err
		}
		if purged > 0 {
			slog.InfoContext(ctx, "purged completed triggers", "count", purged)
		}
		return nil
	})
}

// storeRecoveryTrigger synthesizes a one-shot trigger that re-runs the job
// whose firing the crash interrupted, at its original scheduled fire time.
func (s *Store) storeRecoveryTrigger(ctx context.Context, record *domain.FiredTrigger) error {
	scheduled := record.ScheduledFireTime
	trigger := &domain.Trigger{
		Key:          domain.Key{Group: domain.RecoveryGroup, Name: "recover-" + s.newRecoveryID()},
		JobKey:       record.JobKey,
		Description:  fmt.Sprintf("recovery of interrupted firing of %s", record.TriggerKey),
		State:        domain.StateWaiting,
		NextFireTime: &scheduled,
		Priority:     domain.DefaultPriority,
		StartTime:    scheduled,
		// Recovery fires regardless of how long ago the crash happened.
		MisfireInstruction: domain.MisfireIgnorePolicy,
		Schedule:           recurring.OneShot(),
	}
	return s.triggers.Save(ctx, trigger, false)
}

// startSweeper launches the background misfire sweeper.
func (s *Store) startSweeper() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sweeperDone != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.sweeperStop = cancel
	s.sweeperDone = make(chan struct{})
	go s.runSweeper(ctx, s.sweeperDone)
}

// runSweeper repeatedly invokes the misfire sweep. After a clean pass with
// nothing left to do it sleeps out the remainder of the misfire threshold;
// after a failure it backs off at least the db retry interval and throttles
// its error logging.
func (s *Store) runSweeper(ctx context.Context, done chan struct{}) {
	defer close(done)
	slog.InfoContext(ctx, "misfire sweeper started", "threshold", s.misfireThreshold)

	failures := 0
	for {
		start := s.now()
		result, err := s.RecoverMisfires(ctx, false)

		var sleep time.Duration
		switch {
		case ctx.Err() != nil:
			slog.InfoContext(ctx, "misfire sweeper stopped")
			return
		case err != nil:
			failures++
			if failures%s.errorLogThreshold == 1 || s.errorLogThreshold == 1 {
				slog.ErrorContext(ctx, "misfire sweep failed", "error", err, "consecutive_failures", failures)
			}
			sleep = s.dbRetryInterval
		case result.HasMore:
			failures = 0
			// More misfires are pending; go again almost immediately.
			sleep = minSweepSleep
		default:
			failures = 0
			sleep = s.misfireThreshold - s.now().Sub(start)
		}
		if sleep < minSweepSleep {
			sleep = minSweepSleep
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.InfoContext(ctx, "misfire sweeper stopped")
			return
		case <-timer.C:
		}
	}
}

// SchedulerPaused records that the scheduler engine paused this instance.
func (s *Store) SchedulerPaused(ctx context.Context) error {
	return s.schedulers.UpdateState(ctx, s.instanceID, domain.SchedulerPaused, s.now())
}

// SchedulerResumed records that the scheduler engine resumed this instance.
func (s *Store) SchedulerResumed(ctx context.Context) error {
	return s.schedulers.UpdateState(ctx, s.instanceID, domain.SchedulerResumed, s.now())
}

// Shutdown stops the sweeper, waits for it to exit, and removes this
// instance's registration. Other instances' state is left untouched.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	stop, done := s.sweeperStop, s.sweeperDone
	s.sweeperStop, s.sweeperDone = nil, nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if _, err := s.schedulers.Delete(ctx, s.instanceID); err != nil {
		return err
	}
	slog.InfoContext(ctx, "scheduler store stopped", "instance_id", s.instanceID)
	return nil
}

// ClearAllSchedulingData truncates every collection of this logical
// instance: jobs, triggers, calendars, in-flight records, paused groups and
// scheduler registrations.
func (s *Store) ClearAllSchedulingData(ctx context.Context) error {
	return withLock(ctx, s.locks, domain.LockTriggerAccess, func(ctx context.Context) error {
		if err := s.triggers.DeleteAll(ctx); err != nil {
			return err
		}
		if err := s.jobs.DeleteAll(ctx); err != nil {
			return err
		}
		if err := s.calendars.DeleteAll(ctx); err != nil {
			return err
		}
		if err := s.fired.DeleteAll(ctx); err != nil {
			return err
		}
		if err := s.paused.DeleteAll(ctx); err != nil {
			return err
		}
		return s.schedulers.DeleteAll(ctx)
	})
}
