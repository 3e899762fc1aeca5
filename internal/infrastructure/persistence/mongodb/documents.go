package mongodb

import "time"

// Composite primary keys. Every entity is scoped by instance_name, the
// logical cluster identity. Field order matters: equality filters on a
// compound _id compare the whole subdocument.

type entityID struct {
	InstanceName string `bson:"instance_name"`
	Group        string `bson:"group"`
	Name         string `bson:"name"`
}

type namedID struct {
	InstanceName string `bson:"instance_name"`
	Name         string `bson:"name"`
}

type groupID struct {
	InstanceName string `bson:"instance_name"`
	Group        string `bson:"group"`
}

type lockID struct {
	InstanceName string `bson:"instance_name"`
	LockType     string `bson:"lock_type"`
}

type firedID struct {
	InstanceName    string `bson:"instance_name"`
	FiredInstanceID string `bson:"fired_instance_id"`
}

type instanceID struct {
	InstanceName string `bson:"instance_name"`
	InstanceID   string `bson:"instance_id"`
}

// keyDoc references a job or trigger from another document.
type keyDoc struct {
	Group string `bson:"group"`
	Name  string `bson:"name"`
}

type jobDocument struct {
	ID                            entityID       `bson:"_id"`
	Description                   string         `bson:"description,omitempty"`
	JobType                       string         `bson:"job_type"`
	Durable                       bool           `bson:"durable"`
	PersistDataAfterExecution     bool           `bson:"persist_data_after_execution"`
	ConcurrentExecutionDisallowed bool           `bson:"concurrent_execution_disallowed"`
	RequestsRecovery              bool           `bson:"requests_recovery"`
	Data                          map[string]any `bson:"data,omitempty"`
}

// scheduleDocument is the tagged recurrence variant. Kind selects which of
// the remaining fields are meaningful.
type scheduleDocument struct {
	Kind string `bson:"kind"`

	// simple
	RepeatIntervalMillis int64 `bson:"repeat_interval_ms,omitempty"`
	RepeatCount          int   `bson:"repeat_count,omitempty"`

	// cron
	Expression string `bson:"expression,omitempty"`
	Timezone   string `bson:"timezone,omitempty"`

	// calendarInterval
	Interval     int    `bson:"interval,omitempty"`
	IntervalUnit string `bson:"interval_unit,omitempty"`

	// dailyTimeInterval
	WindowStartSecond int   `bson:"window_start_second,omitempty"`
	WindowEndSecond   int   `bson:"window_end_second,omitempty"`
	DaysOfWeek        []int `bson:"days_of_week,omitempty"`
}

type triggerDocument struct {
	ID                 entityID         `bson:"_id"`
	JobKey             keyDoc           `bson:"job_key"`
	Description        string           `bson:"description,omitempty"`
	State              string           `bson:"state"`
	NextFireTime       *time.Time       `bson:"next_fire_time,omitempty"`
	PreviousFireTime   *time.Time       `bson:"previous_fire_time,omitempty"`
	Priority           int              `bson:"priority"`
	StartTime          time.Time        `bson:"start_time"`
	EndTime            *time.Time       `bson:"end_time,omitempty"`
	CalendarName       string           `bson:"calendar_name,omitempty"`
	MisfireInstruction int              `bson:"misfire_instruction"`
	Data               map[string]any   `bson:"data,omitempty"`
	Schedule           scheduleDocument `bson:"schedule"`
}

type calendarDocument struct {
	ID               namedID     `bson:"_id"`
	Description      string      `bson:"description,omitempty"`
	ExcludedDates    []time.Time `bson:"excluded_dates,omitempty"`
	ExcludedWeekdays []int       `bson:"excluded_weekdays,omitempty"`
}

type lockDocument struct {
	ID         lockID    `bson:"_id"`
	Owner      string    `bson:"owner"`
	AcquiredAt time.Time `bson:"acquired_at"`
	ExpireAt   time.Time `bson:"expire_at"`
}

type firedTriggerDocument struct {
	ID                            firedID   `bson:"_id"`
	InstanceID                    string    `bson:"instance_id"`
	TriggerKey                    keyDoc    `bson:"trigger_key"`
	JobKey                        keyDoc    `bson:"job_key"`
	FiredAt                       time.Time `bson:"fired_at"`
	ScheduledFireTime             time.Time `bson:"scheduled_fire_time"`
	RequestsRecovery              bool      `bson:"requests_recovery"`
	ConcurrentExecutionDisallowed bool      `bson:"concurrent_execution_disallowed"`
}

type pausedGroupDocument struct {
	ID groupID `bson:"_id"`
}

type schedulerDocument struct {
	ID          instanceID `bson:"_id"`
	State       string     `bson:"state"`
	LastCheckIn time.Time  `bson:"last_check_in"`
}
