package mongodb

import (
	"fmt"
	"time"

	"github.com/rezkam/jobstore/internal/domain"
	"github.com/rezkam/jobstore/internal/recurring"
)

// All timestamps are persisted in UTC; conversions normalize on both paths
// so comparisons in queries and in Go agree.

func utc(t time.Time) time.Time { return t.UTC() }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func jobToDocument(instanceName string, j *domain.JobDetail) jobDocument {
	return jobDocument{
		ID:                            entityID{InstanceName: instanceName, Group: j.Key.Group, Name: j.Key.Name},
		Description:                   j.Description,
		JobType:                       j.JobType,
		Durable:                       j.Durable,
		PersistDataAfterExecution:     j.PersistDataAfterExecution,
		ConcurrentExecutionDisallowed: j.ConcurrentExecutionDisallowed,
		RequestsRecovery:              j.RequestsRecovery,
		Data:                          j.Data,
	}
}

func jobFromDocument(doc jobDocument) *domain.JobDetail {
	return &domain.JobDetail{
		Key:                           domain.Key{Group: doc.ID.Group, Name: doc.ID.Name},
		Description:                   doc.Description,
		JobType:                       doc.JobType,
		Durable:                       doc.Durable,
		PersistDataAfterExecution:     doc.PersistDataAfterExecution,
		ConcurrentExecutionDisallowed: doc.ConcurrentExecutionDisallowed,
		RequestsRecovery:              doc.RequestsRecovery,
		Data:                          doc.Data,
	}
}

func scheduleToDocument(s domain.Schedule) (scheduleDocument, error) {
	switch sched := s.(type) {
	case *recurring.SimpleSchedule:
		return scheduleDocument{
			Kind:                 string(domain.ScheduleSimple),
			RepeatIntervalMillis: sched.Interval.Milliseconds(),
			RepeatCount:          sched.RepeatCount,
		}, nil
	case *recurring.CronSchedule:
		tz := ""
		if sched.Location != nil && sched.Location != time.UTC {
			tz = sched.Location.String()
		}
		return scheduleDocument{
			Kind:       string(domain.ScheduleCron),
			Expression: sched.Expression,
			Timezone:   tz,
		}, nil
	case *recurring.CalendarIntervalSchedule:
		return scheduleDocument{
			Kind:         string(domain.ScheduleCalendarInterval),
			Interval:     sched.Interval,
			IntervalUnit: string(sched.Unit),
		}, nil
	case *recurring.DailyTimeIntervalSchedule:
		days := make([]int, 0, len(sched.DaysOfWeek))
		for _, d := range sched.DaysOfWeek {
			days = append(days, int(d))
		}
		return scheduleDocument{
			Kind:                 string(domain.ScheduleDailyTimeInterval),
			RepeatIntervalMillis: sched.Interval.Milliseconds(),
			WindowStartSecond:    secondOfDay(sched.WindowStart),
			WindowEndSecond:      secondOfDay(sched.WindowEnd),
			DaysOfWeek:           days,
		}, nil
	default:
		return scheduleDocument{}, fmt.Errorf("unknown schedule type %T", s)
	}
}

func scheduleFromDocument(doc scheduleDocument) (domain.Schedule, error) {
	switch domain.ScheduleKind(doc.Kind) {
	case domain.ScheduleSimple:
		return &recurring.SimpleSchedule{
			Interval:    time.Duration(doc.RepeatIntervalMillis) * time.Millisecond,
			RepeatCount: doc.RepeatCount,
		}, nil
	case domain.ScheduleCron:
		return recurring.NewCronSchedule(doc.Expression, doc.Timezone)
	case domain.ScheduleCalendarInterval:
		return &recurring.CalendarIntervalSchedule{
			Interval: doc.Interval,
			Unit:     recurring.IntervalUnit(doc.IntervalUnit),
		}, nil
	case domain.ScheduleDailyTimeInterval:
		days := make([]time.Weekday, 0, len(doc.DaysOfWeek))
		for _, d := range doc.DaysOfWeek {
			days = append(days, time.Weekday(d))
		}
		return &recurring.DailyTimeIntervalSchedule{
			Interval:    time.Duration(doc.RepeatIntervalMillis) * time.Millisecond,
			WindowStart: timeOfDay(doc.WindowStartSecond),
			WindowEnd:   timeOfDay(doc.WindowEndSecond),
			DaysOfWeek:  days,
		}, nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", doc.Kind)
	}
}

func secondOfDay(t recurring.TimeOfDay) int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

func timeOfDay(second int) recurring.TimeOfDay {
	return recurring.TimeOfDay{
		Hour:   second / 3600,
		Minute: (second % 3600) / 60,
		Second: second % 60,
	}
}

func triggerToDocument(instanceName string, t *domain.Trigger) (triggerDocument, error) {
	sched, err := scheduleToDocument(t.Schedule)
	if err != nil {
		return triggerDocument{}, err
	}
	return triggerDocument{
		ID:                 entityID{InstanceName: instanceName, Group: t.Key.Group, Name: t.Key.Name},
		JobKey:             keyDoc{Group: t.JobKey.Group, Name: t.JobKey.Name},
		Description:        t.Description,
		State:              string(t.State),
		NextFireTime:       utcPtr(t.NextFireTime),
		PreviousFireTime:   utcPtr(t.PreviousFireTime),
		Priority:           t.Priority,
		StartTime:          utc(t.StartTime),
		EndTime:            utcPtr(t.EndTime),
		CalendarName:       t.CalendarName,
		MisfireInstruction: t.MisfireInstruction,
		Data:               t.Data,
		Schedule:           sched,
	}, nil
}

func triggerFromDocument(doc triggerDocument) (*domain.Trigger, error) {
	sched, err := scheduleFromDocument(doc.Schedule)
	if err != nil {
		return nil, fmt.Errorf("trigger %s.%s: %w", doc.ID.Group, doc.ID.Name, err)
	}
	return &domain.Trigger{
		Key:                domain.Key{Group: doc.ID.Group, Name: doc.ID.Name},
		JobKey:             domain.Key{Group: doc.JobKey.Group, Name: doc.JobKey.Name},
		Description:        doc.Description,
		State:              domain.TriggerState(doc.State),
		NextFireTime:       utcPtr(doc.NextFireTime),
		PreviousFireTime:   utcPtr(doc.PreviousFireTime),
		Priority:           doc.Priority,
		StartTime:          utc(doc.StartTime),
		EndTime:            utcPtr(doc.EndTime),
		CalendarName:       doc.CalendarName,
		MisfireInstruction: doc.MisfireInstruction,
		Data:               doc.Data,
		Schedule:           sched,
	}, nil
}

func calendarToDocument(instanceName string, c *domain.Calendar) calendarDocument {
	weekdays := make([]int, 0, len(c.ExcludedWeekdays))
	for _, wd := range c.ExcludedWeekdays {
		weekdays = append(weekdays, int(wd))
	}
	dates := make([]time.Time, 0, len(c.ExcludedDates))
	for _, d := range c.ExcludedDates {
		dates = append(dates, d.UTC())
	}
	return calendarDocument{
		ID:               namedID{InstanceName: instanceName, Name: c.Name},
		Description:      c.Description,
		ExcludedDates:    dates,
		ExcludedWeekdays: weekdays,
	}
}

func calendarFromDocument(doc calendarDocument) *domain.Calendar {
	weekdays := make([]time.Weekday, 0, len(doc.ExcludedWeekdays))
	for _, wd := range doc.ExcludedWeekdays {
		weekdays = append(weekdays, time.Weekday(wd))
	}
	return &domain.Calendar{
		Name:             doc.ID.Name,
		Description:      doc.Description,
		ExcludedDates:    doc.ExcludedDates,
		ExcludedWeekdays: weekdays,
	}
}

func firedToDocument(instanceName string, f *domain.FiredTrigger) firedTriggerDocument {
	return firedTriggerDocument{
		ID:                            firedID{InstanceName: instanceName, FiredInstanceID: f.FiredInstanceID},
		InstanceID:                    f.InstanceID,
		TriggerKey:                    keyDoc{Group: f.TriggerKey.Group, Name: f.TriggerKey.Name},
		JobKey:                        keyDoc{Group: f.JobKey.Group, Name: f.JobKey.Name},
		FiredAt:                       utc(f.FiredAt),
		ScheduledFireTime:             utc(f.ScheduledFireTime),
		RequestsRecovery:              f.RequestsRecovery,
		ConcurrentExecutionDisallowed: f.ConcurrentExecutionDisallowed,
	}
}

func firedFromDocument(doc firedTriggerDocument) *domain.FiredTrigger {
	return &domain.FiredTrigger{
		FiredInstanceID:               doc.ID.FiredInstanceID,
		InstanceID:                    doc.InstanceID,
		TriggerKey:                    domain.Key{Group: doc.TriggerKey.Group, Name: doc.TriggerKey.Name},
		JobKey:                        domain.Key{Group: doc.JobKey.Group, Name: doc.JobKey.Name},
		FiredAt:                       utc(doc.FiredAt),
		ScheduledFireTime:             utc(doc.ScheduledFireTime),
		RequestsRecovery:              doc.RequestsRecovery,
		ConcurrentExecutionDisallowed: doc.ConcurrentExecutionDisallowed,
	}
}
