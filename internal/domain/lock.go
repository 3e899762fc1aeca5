package domain

// LockType names a cluster-wide mutex. Only two exist: TriggerAccess covers
// every mutation of triggers, jobs, calendars, paused groups and fired
// trigger records; StateAccess is reserved for scheduler-state updates.
type LockType string

const (
	LockTriggerAccess LockType = "triggerAccess"
	LockStateAccess   LockType = "stateAccess"
)
