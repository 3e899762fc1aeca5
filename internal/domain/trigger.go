package domain

import "time"

// Misfire instructions. The sentinel IgnoreMisfirePolicy exempts a trigger
// from misfire handling entirely; the rest select how UpdateAfterMisfire
// recomputes the next fire time.
const (
	// MisfireIgnorePolicy (-1) makes the trigger fire as soon as possible
	// without the sweeper rescheduling it.
	MisfireIgnorePolicy = -1
	// MisfireSmartPolicy lets the schedule variant choose (reschedule next).
	MisfireSmartPolicy = 0
	// MisfireFireOnceNow reschedules the missed fire to now.
	MisfireFireOnceNow = 1
	// MisfireRescheduleNext skips to the next instant in the series.
	MisfireRescheduleNext = 2
)

// DefaultPriority is assigned to triggers stored without an explicit
// priority. Higher priorities fire first on next-fire-time ties.
const DefaultPriority = 5

// ScheduleKind tags the recurrence variant of a trigger.
type ScheduleKind string

const (
	ScheduleSimple            ScheduleKind = "simple"
	ScheduleCron              ScheduleKind = "cron"
	ScheduleCalendarInterval  ScheduleKind = "calendarInterval"
	ScheduleDailyTimeInterval ScheduleKind = "dailyTimeInterval"
)

// Schedule computes the fire instants of a trigger series. Implementations
// live in the recurring package; the store only ever asks for the next
// instant of the series.
type Schedule interface {
	Kind() ScheduleKind

	// NextFireTime returns the earliest instant of the series anchored at
	// start that is not before from and not excluded by cal. Nil means the
	// series has no instant at or after from.
	NextFireTime(start, from time.Time, cal *Calendar) *time.Time
}

// Trigger schedules fires of a specific job according to its Schedule.
type Trigger struct {
	Key         Key
	JobKey      Key
	Description string
	State       TriggerState

	// NextFireTime is nil when the trigger is terminal.
	NextFireTime     *time.Time
	PreviousFireTime *time.Time

	// Priority breaks ties between triggers due at the same instant; higher
	// fires first. Zero means unset and becomes DefaultPriority when stored;
	// use a negative value to rank below the default.
	Priority  int
	StartTime time.Time
	EndTime   *time.Time

	// CalendarName references an exclusion calendar, empty for none.
	CalendarName string

	MisfireInstruction int
	Data               DataMap
	Schedule           Schedule
}

// Validate checks the invariants every stored trigger must satisfy.
func (t *Trigger) Validate() error {
	if err := t.Key.Validate(); err != nil {
		return err
	}
	if err := t.JobKey.Validate(); err != nil {
		return &IntegrityError{Reason: "trigger " + t.Key.String() + " has no job key"}
	}
	if t.Schedule == nil {
		return &IntegrityError{Reason: "trigger " + t.Key.String() + " has no schedule"}
	}
	return nil
}

// ComputeFirstFireTime sets NextFireTime to the first instant of the series,
// honoring the exclusion calendar and the trigger's end time.
func (t *Trigger) ComputeFirstFireTime(cal *Calendar) *time.Time {
	next := t.Schedule.NextFireTime(t.StartTime.UTC(), t.StartTime.UTC(), cal)
	t.NextFireTime = t.clipToEnd(next)
	return t.NextFireTime
}

// FireTimeAfter returns the next instant of the series strictly after the
// given time.
func (t *Trigger) FireTimeAfter(after time.Time, cal *Calendar) *time.Time {
	next := t.Schedule.NextFireTime(t.StartTime.UTC(), after.UTC().Add(time.Nanosecond), cal)
	return t.clipToEnd(next)
}

// Triggered advances the trigger's fire times for a firing at its current
// NextFireTime. It returns the scheduled fire time that was consumed.
func (t *Trigger) Triggered(cal *Calendar) *time.Time {
	scheduled := t.NextFireTime
	t.PreviousFireTime = scheduled
	if scheduled != nil {
		t.NextFireTime = t.FireTimeAfter(*scheduled, cal)
	}
	return scheduled
}

// UpdateAfterMisfire recomputes the fire times of a trigger whose window
// passed while it was still waiting. A nil NextFireTime afterwards means the
// series is exhausted and the trigger must be finalized.
func (t *Trigger) UpdateAfterMisfire(now time.Time, cal *Calendar) {
	old := t.NextFireTime
	var next *time.Time
	switch t.MisfireInstruction {
	case MisfireFireOnceNow:
		n := now.UTC()
		next = t.clipToEnd(&n)
	default:
		next = t.clipToEnd(t.Schedule.NextFireTime(t.StartTime.UTC(), now.UTC(), cal))
	}
	t.PreviousFireTime = old
	t.NextFireTime = next
}

func (t *Trigger) clipToEnd(next *time.Time) *time.Time {
	if next == nil {
		return nil
	}
	if t.EndTime != nil && next.After(t.EndTime.UTC()) {
		return nil
	}
	return next
}
