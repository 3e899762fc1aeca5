package recurring

import (
	"time"

	"github.com/rezkam/jobstore/internal/domain"
)

// RepeatForever makes a simple schedule repeat without a count limit.
const RepeatForever = -1

// SimpleSchedule fires at its trigger's start time and then every Interval,
// RepeatCount more times (RepeatForever for no limit). A RepeatCount of zero
// is a one-shot schedule.
type SimpleSchedule struct {
	Interval    time.Duration
	RepeatCount int
}

// OneShot returns a schedule that fires exactly once, at the trigger's
// start time. Used for recovery triggers.
func OneShot() *SimpleSchedule {
	return &SimpleSchedule{RepeatCount: 0}
}

func (s *SimpleSchedule) Kind() domain.ScheduleKind { return domain.ScheduleSimple }

func (s *SimpleSchedule) NextFireTime(start, from time.Time, cal *domain.Calendar) *time.Time {
	start = start.UTC()
	from = from.UTC()

	// One-shot: the only instant is start.
	if s.Interval <= 0 || s.RepeatCount == 0 {
		if from.After(start) {
			return nil
		}
		return nextIncluded(&start, func(time.Time) *time.Time { return nil }, cal)
	}

	var k int64
	if from.After(start) {
		diff := from.Sub(start)
		k = int64(diff / s.Interval)
		if diff%s.Interval != 0 {
			k++
		}
	}

	step := func(after time.Time) *time.Time {
		n := after.Add(s.Interval)
		if s.RepeatCount != RepeatForever {
			elapsed := int64(n.Sub(start) / s.Interval)
			if elapsed > int64(s.RepeatCount) {
				return nil
			}
		}
		return &n
	}

	if s.RepeatCount != RepeatForever && k > int64(s.RepeatCount) {
		return nil
	}
	first := start.Add(time.Duration(k) * s.Interval)
	return nextIncluded(&first, step, cal)
}
