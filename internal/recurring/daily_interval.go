package recurring

import (
	"time"

	"github.com/rezkam/jobstore/internal/domain"
)

// TimeOfDay is a wall-clock instant within a day, in UTC.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

func (t TimeOfDay) on(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour, t.Minute, t.Second, 0, time.UTC)
}

// DailyTimeIntervalSchedule fires every Interval within a daily window
// [WindowStart, WindowEnd], on the listed weekdays (all days when empty).
type DailyTimeIntervalSchedule struct {
	WindowStart TimeOfDay
	WindowEnd   TimeOfDay
	Interval    time.Duration
	DaysOfWeek  []time.Weekday
}

func (s *DailyTimeIntervalSchedule) Kind() domain.ScheduleKind {
	return domain.ScheduleDailyTimeInterval
}

func (s *DailyTimeIntervalSchedule) NextFireTime(start, from time.Time, cal *domain.Calendar) *time.Time {
	if s.Interval <= 0 {
		return nil
	}
	base := from.UTC()
	if start.UTC().After(base) {
		base = start.UTC()
	}
	first := s.instantAtOrAfter(base)
	return nextIncluded(first, func(after time.Time) *time.Time {
		return s.instantAtOrAfter(after.Add(time.Nanosecond))
	}, cal)
}

// instantAtOrAfter finds the first window instant not before t.
func (s *DailyTimeIntervalSchedule) instantAtOrAfter(t time.Time) *time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	// A year of days is more than enough for any weekday set.
	for i := 0; i < 366; i++ {
		if s.dayIncluded(day.Weekday()) {
			windowStart := s.WindowStart.on(day)
			windowEnd := s.WindowEnd.on(day)
			candidate := windowStart
			if t.After(candidate) {
				elapsed := t.Sub(windowStart)
				steps := elapsed / s.Interval
				if elapsed%s.Interval != 0 {
					steps++
				}
				candidate = windowStart.Add(steps * s.Interval)
			}
			if !candidate.After(windowEnd) {
				return &candidate
			}
		}
		day = day.AddDate(0, 0, 1)
		t = day
	}
	return nil
}

func (s *DailyTimeIntervalSchedule) dayIncluded(wd time.Weekday) bool {
	if len(s.DaysOfWeek) == 0 {
		return true
	}
	for _, d := range s.DaysOfWeek {
		if d == wd {
			return true
		}
	}
	return false
}
