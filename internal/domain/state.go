package domain

import "fmt"

// TriggerState is the persisted lifecycle state of a trigger.
type TriggerState string

const (
	// StateWaiting means the trigger is eligible for acquisition.
	StateWaiting TriggerState = "waiting"
	// StateAcquired means a scheduler instance owns the next firing.
	StateAcquired TriggerState = "acquired"
	// StateExecuting means the trigger has been handed to the worker pool.
	StateExecuting TriggerState = "executing"
	// StatePaused holds the trigger out of acquisition.
	StatePaused TriggerState = "paused"
	// StatePausedBlocked marks a trigger paused while its job was executing.
	StatePausedBlocked TriggerState = "pausedBlocked"
	// StateComplete means the trigger will never fire again.
	StateComplete TriggerState = "complete"
	// StateError parks a trigger after a completion reported an error.
	StateError TriggerState = "error"
)

// Event is a state-machine input applied to a trigger.
type Event string

const (
	EventAcquire        Event = "acquire"
	EventRelease        Event = "release"
	EventFire           Event = "fire"
	EventPause          Event = "pause"
	EventResume         Event = "resume"
	EventComplete       Event = "complete"
	EventSetError       Event = "setError"
	EventResetFromError Event = "resetFromError"
)

// IllegalTransitionError reports a state-machine input that is not legal for
// the trigger's current state.
type IllegalTransitionError struct {
	From  TriggerState
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal trigger transition: %s event in state %s", e.Event, e.From)
}

// Transition is the authoritative transition table. It is pure: callers apply
// the returned state through a conditional (compare-and-set) repository
// update so a concurrent transition from another instance cannot be
// overwritten silently.
func Transition(from TriggerState, ev Event) (TriggerState, error) {
	switch ev {
	case EventAcquire:
		if from == StateWaiting {
			return StateAcquired, nil
		}
	case EventRelease:
		if from == StateAcquired {
			return StateWaiting, nil
		}
	case EventFire:
		if from == StateAcquired {
			return StateExecuting, nil
		}
	case EventPause:
		switch from {
		case StateWaiting, StateAcquired:
			return StatePaused, nil
		case StateExecuting:
			return StatePausedBlocked, nil
		}
	case EventResume:
		switch from {
		case StatePaused:
			return StateWaiting, nil
		case StatePausedBlocked:
			// Resume preserves the "job is currently executing" signal so
			// concurrent-execution-disallowed jobs stay serialized.
			return StateExecuting, nil
		}
	case EventComplete:
		if from == StateExecuting {
			return StateComplete, nil
		}
	case EventSetError:
		if from == StateExecuting {
			return StateError, nil
		}
	case EventResetFromError:
		if from == StateError {
			return StateWaiting, nil
		}
	}
	return from, &IllegalTransitionError{From: from, Event: ev}
}

// CompletedExecutionInstruction tells the store what to do with a trigger
// after its job execution finished.
type CompletedExecutionInstruction int

const (
	// InstructionNoop returns the trigger to the waiting pool.
	InstructionNoop CompletedExecutionInstruction = iota
	// InstructionDeleteTrigger removes the trigger row.
	InstructionDeleteTrigger
	// InstructionSetTriggerComplete marks the trigger complete.
	InstructionSetTriggerComplete
	// InstructionSetTriggerError parks the trigger in the error state.
	InstructionSetTriggerError
	// InstructionSetAllGroupTriggersComplete marks every trigger in the
	// fired trigger's group complete.
	InstructionSetAllGroupTriggersComplete
)
