package scheduler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rezkam/jobstore/internal/domain"
)

// memDB is an in-memory stand-in for the persistence layer, shared by the
// fake repositories below. It mimics the repository contracts closely
// enough to drive the managers through full scenarios without a database.
type memDB struct {
	mu         sync.Mutex
	jobs       map[domain.Key]*domain.JobDetail
	triggers   map[domain.Key]*domain.Trigger
	calendars  map[string]*domain.Calendar
	fired      map[string]*domain.FiredTrigger
	paused     map[string]bool
	schedulers map[string]*domain.SchedulerEntry
}

func newMemDB() *memDB {
	return &memDB{
		jobs:       make(map[domain.Key]*domain.JobDetail),
		triggers:   make(map[domain.Key]*domain.Trigger),
		calendars:  make(map[string]*domain.Calendar),
		fired:      make(map[string]*domain.FiredTrigger),
		paused:     make(map[string]bool),
		schedulers: make(map[string]*domain.SchedulerEntry),
	}
}

func (db *memDB) triggerState(key domain.Key) domain.TriggerState {
	db.mu.Lock()
	defer db.mu.Unlock()
	if trg, ok := db.triggers[key]; ok {
		return trg.State
	}
	return ""
}

// === jobs ===

type memJobRepo struct{ db *memDB }

func (r *memJobRepo) Get(_ context.Context, key domain.Key) (*domain.JobDetail, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	job, ok := r.db.jobs[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (r *memJobRepo) Exists(_ context.Context, key domain.Key) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	_, ok := r.db.jobs[key]
	return ok, nil
}

func (r *memJobRepo) Save(_ context.Context, job *domain.JobDetail, replace bool) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.jobs[job.Key]; ok && !replace {
		return domain.ErrAlreadyExists
	}
	copied := *job
	r.db.jobs[job.Key] = &copied
	return nil
}

func (r *memJobRepo) UpdateData(_ context.Context, key domain.Key, data domain.DataMap) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	job, ok := r.db.jobs[key]
	if !ok {
		return domain.ErrNotFound
	}
	job.Data = data.Clone()
	return nil
}

func (r *memJobRepo) Delete(_ context.Context, key domain.Key) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	_, ok := r.db.jobs[key]
	delete(r.db.jobs, key)
	return ok, nil
}

func (r *memJobRepo) Keys(_ context.Context, matcher domain.GroupMatcher) ([]domain.Key, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var keys []domain.Key
	for key := range r.db.jobs {
		if matcher.Matches(key.Group) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (r *memJobRepo) GroupNames(_ context.Context) ([]string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	seen := make(map[string]bool)
	for key := range r.db.jobs {
		seen[key.Group] = true
	}
	return sortedKeys(seen), nil
}

func (r *memJobRepo) Count(_ context.Context) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return int64(len(r.db.jobs)), nil
}

func (r *memJobRepo) DeleteAll(_ context.Context) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.jobs = make(map[domain.Key]*domain.JobDetail)
	return nil
}

// === triggers ===

type memTriggerRepo struct{ db *memDB }

func copyTrigger(t *domain.Trigger) *domain.Trigger {
	copied := *t
	return &copied
}

func (r *memTriggerRepo) Get(_ context.Context, key domain.Key) (*domain.Trigger, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	trg, ok := r.db.triggers[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyTrigger(trg), nil
}

func (r *memTriggerRepo) Exists(_ context.Context, key domain.Key) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	_, ok := r.db.triggers[key]
	return ok, nil
}

func (r *memTriggerRepo) Save(_ context.Context, trigger *domain.Trigger, replace bool) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.triggers[trigger.Key]; ok && !replace {
		return domain.ErrAlreadyExists
	}
	r.db.triggers[trigger.Key] = copyTrigger(trigger)
	return nil
}

func (r *memTriggerRepo) Update(_ context.Context, trigger *domain.Trigger) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.triggers[trigger.Key]; !ok {
		return domain.ErrNotFound
	}
	r.db.triggers[trigger.Key] = copyTrigger(trigger)
	return nil
}

func (r *memTriggerRepo) UpdateIfState(_ context.Context, trigger *domain.Trigger, expected domain.TriggerState) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	current, ok := r.db.triggers[trigger.Key]
	if !ok || current.State != expected {
		return false, nil
	}
	r.db.triggers[trigger.Key] = copyTrigger(trigger)
	return true, nil
}

func (r *memTriggerRepo) Delete(_ context.Context, key domain.Key) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	_, ok := r.db.triggers[key]
	delete(r.db.triggers, key)
	return ok, nil
}

func (r *memTriggerRepo) Keys(_ context.Context, matcher domain.GroupMatcher) ([]domain.Key, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var keys []domain.Key
	for key := range r.db.triggers {
		if matcher.Matches(key.Group) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (r *memTriggerRepo) GroupNames(_ context.Context) ([]string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	seen := make(map[string]bool)
	for key := range r.db.triggers {
		seen[key.Group] = true
	}
	return sortedKeys(seen), nil
}

func (r *memTriggerRepo) Count(_ context.Context) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return int64(len(r.db.triggers)), nil
}

func (r *memTriggerRepo) GetByJobKey(_ context.Context, jobKey domain.Key) ([]*domain.Trigger, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*domain.Trigger
	for _, trg := range r.db.triggers {
		if trg.JobKey == jobKey {
			out = append(out, copyTrigger(trg))
		}
	}
	return out, nil
}

func (r *memTriggerRepo) CountByJobKey(ctx context.Context, jobKey domain.Key) (int64, error) {
	triggers, _ := r.GetByJobKey(ctx, jobKey)
	return int64(len(triggers)), nil
}

func (r *memTriggerRepo) GetByCalendar(_ context.Context, calendarName string) ([]*domain.Trigger, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*domain.Trigger
	for _, trg := range r.db.triggers {
		if trg.CalendarName == calendarName {
			out = append(out, copyTrigger(trg))
		}
	}
	return out, nil
}

func (r *memTriggerRepo) CountByCalendar(ctx context.Context, calendarName string) (int64, error) {
	triggers, _ := r.GetByCalendar(ctx, calendarName)
	return int64(len(triggers)), nil
}

func (r *memTriggerRepo) GetState(_ context.Context, key domain.Key) (domain.TriggerState, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	trg, ok := r.db.triggers[key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return trg.State, nil
}

func stateIn(state domain.TriggerState, from []domain.TriggerState) bool {
	if len(from) == 0 {
		return true
	}
	for _, s := range from {
		if state == s {
			return true
		}
	}
	return false
}

func (r *memTriggerRepo) UpdateStateIf(_ context.Context, key domain.Key, to domain.TriggerState, from ...domain.TriggerState) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	trg, ok := r.db.triggers[key]
	if !ok || !stateIn(trg.State, from) {
		return false, nil
	}
	trg.State = to
	return true, nil
}

func (r *memTriggerRepo) UpdateStateByGroupIf(_ context.Context, matcher domain.GroupMatcher, to domain.TriggerState, from ...domain.TriggerState) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for key, trg := range r.db.triggers {
		if matcher.Matches(key.Group) && stateIn(trg.State, from) {
			trg.State = to
			n++
		}
	}
	return n, nil
}

func (r *memTriggerRepo) UpdateStateByJobKeyIf(_ context.Context, jobKey domain.Key, to domain.TriggerState, from ...domain.TriggerState) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for _, trg := range r.db.triggers {
		if trg.JobKey == jobKey && stateIn(trg.State, from) {
			trg.State = to
			n++
		}
	}
	return n, nil
}

func (r *memTriggerRepo) UpdateStateAll(_ context.Context, to domain.TriggerState, from ...domain.TriggerState) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for _, trg := range r.db.triggers {
		if stateIn(trg.State, from) {
			trg.State = to
			n++
		}
	}
	return n, nil
}

func (r *memTriggerRepo) AcquireCandidateKeys(_ context.Context, noLaterThan, misfireFloor time.Time, limit int) ([]domain.Key, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	type candidate struct {
		key      domain.Key
		next     time.Time
		priority int
	}
	var candidates []candidate
	for key, trg := range r.db.triggers {
		if trg.State != domain.StateWaiting || trg.NextFireTime == nil {
			continue
		}
		next := trg.NextFireTime.UTC()
		if next.After(noLaterThan) {
			continue
		}
		if trg.MisfireInstruction != domain.MisfireIgnorePolicy && next.Before(misfireFloor) {
			continue
		}
		candidates = append(candidates, candidate{key: key, next: next, priority: trg.Priority})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].next.Equal(candidates[j].next) {
			return candidates[i].next.Before(candidates[j].next)
		}
		return candidates[i].priority > candidates[j].priority
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	keys := make([]domain.Key, 0, len(candidates))
	for _, c := range candidates {
		keys = append(keys, c.key)
	}
	return keys, nil
}

func (r *memTriggerRepo) misfired(before time.Time) []domain.Key {
	type candidate struct {
		key      domain.Key
		next     time.Time
		priority int
	}
	var candidates []candidate
	for key, trg := range r.db.triggers {
		if trg.State != domain.StateWaiting || trg.NextFireTime == nil {
			continue
		}
		if trg.MisfireInstruction == domain.MisfireIgnorePolicy {
			continue
		}
		if trg.NextFireTime.UTC().Before(before) {
			candidates = append(candidates, candidate{key: key, next: trg.NextFireTime.UTC(), priority: trg.Priority})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].next.Equal(candidates[j].next) {
			return candidates[i].next.Before(candidates[j].next)
		}
		return candidates[i].priority > candidates[j].priority
	})
	keys := make([]domain.Key, 0, len(candidates))
	for _, c := range candidates {
		keys = append(keys, c.key)
	}
	return keys
}

func (r *memTriggerRepo) CountMisfired(_ context.Context, before time.Time) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return int64(len(r.misfired(before))), nil
}

func (r *memTriggerRepo) MisfiredKeys(_ context.Context, before time.Time, limit int) ([]domain.Key, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	keys := r.misfired(before)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (r *memTriggerRepo) DeleteByState(_ context.Context, state domain.TriggerState) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for key, trg := range r.db.triggers {
		if trg.State == state {
			delete(r.db.triggers, key)
			n++
		}
	}
	return n, nil
}

func (r *memTriggerRepo) DeleteAll(_ context.Context) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.triggers = make(map[domain.Key]*domain.Trigger)
	return nil
}

// === calendars ===

type memCalendarRepo struct{ db *memDB }

func (r *memCalendarRepo) Get(_ context.Context, name string) (*domain.Calendar, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cal, ok := r.db.calendars[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *cal
	return &copied, nil
}

func (r *memCalendarRepo) Save(_ context.Context, cal *domain.Calendar, replace bool) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.calendars[cal.Name]; ok && !replace {
		return domain.ErrAlreadyExists
	}
	copied := *cal
	r.db.calendars[cal.Name] = &copied
	return nil
}

func (r *memCalendarRepo) Delete(_ context.Context, name string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	_, ok := r.db.calendars[name]
	delete(r.db.calendars, name)
	return ok, nil
}

func (r *memCalendarRepo) Names(_ context.Context) ([]string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var names []string
	for name := range r.db.calendars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (r *memCalendarRepo) Count(_ context.Context) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return int64(len(r.db.calendars)), nil
}

func (r *memCalendarRepo) DeleteAll(_ context.Context) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.calendars = make(map[string]*domain.Calendar)
	return nil
}

// === fired triggers ===

type memFiredRepo struct{ db *memDB }

func (r *memFiredRepo) Insert(_ context.Context, fired *domain.FiredTrigger) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.fired[fired.FiredInstanceID]; ok {
		return domain.ErrAlreadyExists
	}
	copied := *fired
	r.db.fired[fired.FiredInstanceID] = &copied
	return nil
}

func (r *memFiredRepo) GetByInstance(_ context.Context, instanceID string) ([]*domain.FiredTrigger, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*domain.FiredTrigger
	for _, rec := range r.db.fired {
		if rec.InstanceID == instanceID {
			copied := *rec
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *memFiredRepo) DeleteByPrefix(_ context.Context, prefix string) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for id := range r.db.fired {
		if strings.HasPrefix(id, prefix) {
			delete(r.db.fired, id)
			n++
		}
	}
	return n, nil
}

func (r *memFiredRepo) DeleteByInstance(_ context.Context, instanceID string) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for id, rec := range r.db.fired {
		if rec.InstanceID == instanceID {
			delete(r.db.fired, id)
			n++
		}
	}
	return n, nil
}

func (r *memFiredRepo) DeleteAll(_ context.Context) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.fired = make(map[string]*domain.FiredTrigger)
	return nil
}

// === paused groups ===

type memPausedRepo struct{ db *memDB }

func (r *memPausedRepo) Add(_ context.Context, group string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.paused[group] = true
	return nil
}

func (r *memPausedRepo) Remove(_ context.Context, group string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	_, ok := r.db.paused[group]
	delete(r.db.paused, group)
	return ok, nil
}

func (r *memPausedRepo) Contains(_ context.Context, group string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.db.paused[group], nil
}

func (r *memPausedRepo) List(_ context.Context) ([]string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return sortedKeys(r.db.paused), nil
}

func (r *memPausedRepo) DeleteAll(_ context.Context) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.paused = make(map[string]bool)
	return nil
}

// === schedulers ===

type memSchedulerRepo struct{ db *memDB }

func (r *memSchedulerRepo) Save(_ context.Context, instanceID string, state domain.SchedulerState, checkIn time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.schedulers[instanceID] = &domain.SchedulerEntry{InstanceID: instanceID, State: state, LastCheckIn: checkIn}
	return nil
}

func (r *memSchedulerRepo) UpdateState(_ context.Context, instanceID string, state domain.SchedulerState, checkIn time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	entry, ok := r.db.schedulers[instanceID]
	if !ok {
		return domain.ErrNotFound
	}
	entry.State = state
	entry.LastCheckIn = checkIn
	return nil
}

func (r *memSchedulerRepo) List(_ context.Context) ([]*domain.SchedulerEntry, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*domain.SchedulerEntry
	for _, entry := range r.db.schedulers {
		copied := *entry
		out = append(out, &copied)
	}
	return out, nil
}

func (r *memSchedulerRepo) Delete(_ context.Context, instanceID string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	_, ok := r.db.schedulers[instanceID]
	delete(r.db.schedulers, instanceID)
	return ok, nil
}

func (r *memSchedulerRepo) DeleteAll(_ context.Context) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.schedulers = make(map[string]*domain.SchedulerEntry)
	return nil
}

// === lock manager ===

// memLockManager counts lock traffic and enforces non-reentrancy within one
// process, which is enough to assert the managers pair every acquire with a
// release.
type memLockManager struct {
	mu       sync.Mutex
	held     map[domain.LockType]bool
	acquires int
	releases int
}

func newMemLockManager() *memLockManager {
	return &memLockManager{held: make(map[domain.LockType]bool)}
}

func (m *memLockManager) Acquire(ctx context.Context, lockType domain.LockType) error {
	for {
		m.mu.Lock()
		if !m.held[lockType] {
			m.held[lockType] = true
			m.acquires++
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (m *memLockManager) Release(_ context.Context, lockType domain.LockType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[lockType] = false
	m.releases++
	return nil
}

func (m *memLockManager) balanced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquires == m.releases
}

// === listener ===

type recordingListener struct {
	mu        sync.Mutex
	misfired  []domain.Key
	finalized []domain.Key
}

func (l *recordingListener) TriggerMisfired(_ context.Context, trigger *domain.Trigger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.misfired = append(l.misfired, trigger.Key)
}

func (l *recordingListener) TriggerFinalized(_ context.Context, trigger *domain.Trigger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finalized = append(l.finalized, trigger.Key)
}

// === fixture ===

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type fixture struct {
	db       *memDB
	locks    *memLockManager
	listener *recordingListener
	store    *Store
}

func newFixture(t interface{ Fatalf(string, ...any) }) *fixture {
	db := newMemDB()
	locks := newMemLockManager()
	listener := &recordingListener{}

	store, err := NewStore(Params{
		Jobs:               &memJobRepo{db: db},
		Triggers:           &memTriggerRepo{db: db},
		Calendars:          &memCalendarRepo{db: db},
		Fired:              &memFiredRepo{db: db},
		PausedGroups:       &memPausedRepo{db: db},
		Schedulers:         &memSchedulerRepo{db: db},
		Locks:              locks,
		Listener:           listener,
		InstanceID:         "instance-1",
		MisfireThreshold:   time.Minute,
		DBRetryInterval:    15 * time.Second,
		MaxMisfiresPerPass: 20,
		ErrorLogThreshold:  4,
	})
	if err != nil {
		t.Fatalf("building store: %v", err)
	}
	return &fixture{db: db, locks: locks, listener: listener, store: store}
}
