package recurring

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rezkam/jobstore/internal/domain"
)

// cronParser accepts standard five-field expressions with an optional
// leading seconds field and @-descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// CronSchedule fires on the instants matched by a cron expression, evaluated
// in Location (UTC when empty). Fire times are always reported in UTC.
type CronSchedule struct {
	Expression string
	Location   *time.Location

	sched cron.Schedule
}

// NewCronSchedule parses expr in the named timezone. An empty timezone
// means UTC.
func NewCronSchedule(expr, timezone string) (*CronSchedule, error) {
	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid cron timezone %q: %w", timezone, err)
		}
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return &CronSchedule{Expression: expr, Location: loc, sched: sched}, nil
}

func (s *CronSchedule) Kind() domain.ScheduleKind { return domain.ScheduleCron }

func (s *CronSchedule) NextFireTime(start, from time.Time, cal *domain.Calendar) *time.Time {
	base := from
	if start.After(base) {
		base = start
	}
	// cron.Schedule.Next is strictly-after; back off a nanosecond so an
	// instant exactly at base is included.
	first := s.next(base.Add(-time.Nanosecond))
	return nextIncluded(first, func(after time.Time) *time.Time {
		return s.next(after)
	}, cal)
}

func (s *CronSchedule) next(after time.Time) *time.Time {
	n := s.sched.Next(after.In(s.location()))
	if n.IsZero() {
		return nil
	}
	u := n.UTC()
	return &u
}

func (s *CronSchedule) location() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}
