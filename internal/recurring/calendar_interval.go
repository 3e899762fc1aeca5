package recurring

import (
	"time"

	"github.com/rezkam/jobstore/internal/domain"
)

// IntervalUnit is the unit of a calendar interval schedule.
type IntervalUnit string

const (
	UnitSecond IntervalUnit = "second"
	UnitMinute IntervalUnit = "minute"
	UnitHour   IntervalUnit = "hour"
	UnitDay    IntervalUnit = "day"
	UnitWeek   IntervalUnit = "week"
	UnitMonth  IntervalUnit = "month"
	UnitYear   IntervalUnit = "year"
)

// maxIntervalSteps bounds the series walk when locating the first instant at
// or after a far-future time.
const maxIntervalSteps = 100000

// CalendarIntervalSchedule fires every Interval units of calendar time from
// the trigger's start. Date-based units follow calendar arithmetic: one
// month from Jan 31 is Feb 28/29 plus the spillover AddDate applies.
type CalendarIntervalSchedule struct {
	Interval int
	Unit     IntervalUnit
}

func (s *CalendarIntervalSchedule) Kind() domain.ScheduleKind {
	return domain.ScheduleCalendarInterval
}

func (s *CalendarIntervalSchedule) NextFireTime(start, from time.Time, cal *domain.Calendar) *time.Time {
	if s.Interval <= 0 {
		return nil
	}
	start = start.UTC()
	from = from.UTC()

	t := start
	for i := 0; i < maxIntervalSteps && t.Before(from); i++ {
		t = s.advance(t)
	}
	if t.Before(from) {
		return nil
	}
	return nextIncluded(&t, func(after time.Time) *time.Time {
		n := s.advance(after)
		return &n
	}, cal)
}

func (s *CalendarIntervalSchedule) advance(t time.Time) time.Time {
	switch s.Unit {
	case UnitSecond:
		return t.Add(time.Duration(s.Interval) * time.Second)
	case UnitMinute:
		return t.Add(time.Duration(s.Interval) * time.Minute)
	case UnitHour:
		return t.Add(time.Duration(s.Interval) * time.Hour)
	case UnitWeek:
		return t.AddDate(0, 0, 7*s.Interval)
	case UnitMonth:
		return t.AddDate(0, s.Interval, 0)
	case UnitYear:
		return t.AddDate(s.Interval, 0, 0)
	default: // UnitDay
		return t.AddDate(0, 0, s.Interval)
	}
}
