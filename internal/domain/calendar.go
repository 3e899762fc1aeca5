package domain

import "time"

// Calendar is an exclusion ruleset that skips scheduled fire instants.
// Triggers reference calendars by name; the store treats the ruleset itself
// as data and only evaluates it when computing fire times.
type Calendar struct {
	Name        string
	Description string

	// ExcludedDates lists whole UTC days on which no fire may occur.
	ExcludedDates []time.Time

	// ExcludedWeekdays lists weekdays on which no fire may occur.
	ExcludedWeekdays []time.Weekday
}

// IsTimeIncluded reports whether the calendar permits a fire at t.
// A nil calendar permits everything.
func (c *Calendar) IsTimeIncluded(t time.Time) bool {
	if c == nil {
		return true
	}
	u := t.UTC()
	for _, wd := range c.ExcludedWeekdays {
		if u.Weekday() == wd {
			return false
		}
	}
	for _, d := range c.ExcludedDates {
		du := d.UTC()
		if du.Year() == u.Year() && du.Month() == u.Month() && du.Day() == u.Day() {
			return false
		}
	}
	return true
}
