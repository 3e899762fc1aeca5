// Package recurring implements the schedule variants a trigger can carry:
// simple fixed-interval, cron expression, calendar interval, and daily time
// interval. Each variant computes the instants of its series; the store
// persists the variant as tagged data and never interprets it beyond the
// domain.Schedule contract.
package recurring

import (
	"time"

	"github.com/rezkam/jobstore/internal/domain"
)

// maxCalendarSkips bounds the number of consecutive instants an exclusion
// calendar may reject before the series is treated as exhausted. Guards
// against calendars that exclude every instant of a schedule.
const maxCalendarSkips = 5000

// nextIncluded walks the series produced by next until the calendar permits
// an instant or the skip bound is hit.
func nextIncluded(first *time.Time, next func(after time.Time) *time.Time, cal *domain.Calendar) *time.Time {
	t := first
	for i := 0; i < maxCalendarSkips; i++ {
		if t == nil {
			return nil
		}
		if cal.IsTimeIncluded(*t) {
			u := t.UTC()
			return &u
		}
		t = next(*t)
	}
	return nil
}
