package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-pgbouncer/pkg/errors"
	"github.com/core-tools/hsu-pgbouncer/pkg/logging"
)

// StartState is a step of one start invocation
type StartState string

const (
	StartStateNotRunning     StartState = "not_running"
	StartStateAlreadyRunning StartState = "already_running"
	StartStateForking        StartState = "forking"
	StartStateParentWaiting  StartState = "parent_waiting"
	StartStateStarted        StartState = "started"
	StartStateStartFailed    StartState = "start_failed"
)

type StartStateTransition struct {
	From      StartState
	To        StartState
	Operation string
	Timestamp time.Time
	Error     error
}

// StartStateMachine tracks a start invocation and rejects out of order steps.
// AlreadyRunning, Started and StartFailed are terminal.
type StartStateMachine struct {
	currentState     StartState
	transitions      []StartStateTransition
	validTransitions map[StartState][]StartState
	mutex            sync.RWMutex
	logger           logging.Logger
}

func NewStartStateMachine(logger logging.Logger) *StartStateMachine {
	return &StartStateMachine{
		currentState: StartStateNotRunning,
		transitions:  make([]StartStateTransition, 0),
		logger:       logger,
		validTransitions: map[StartState][]StartState{
			StartStateNotRunning: {
				StartStateAlreadyRunning, // live pid in pidfile
				StartStateForking,        // spawn
			},
			StartStateForking: {
				StartStateParentWaiting, // child pid known
				StartStateStartFailed,   // spawn failed
			},
			StartStateParentWaiting: {
				StartStateStarted,     // child exited zero
				StartStateStartFailed, // child exited non-zero or was signaled
			},
		},
	}
}

func (sm *StartStateMachine) GetCurrentState() StartState {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.currentState
}

func (sm *StartStateMachine) Transition(to StartState, operation string, err error) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if !sm.canTransitionUnsafe(to) {
		return errors.NewInternalError(
			fmt.Sprintf("invalid start transition from '%s' to '%s'", sm.currentState, to),
			nil,
		).WithContext("from_state", string(sm.currentState)).
			WithContext("to_state", string(to)).
			WithContext("operation", operation)
	}

	from := sm.currentState
	sm.transitions = append(sm.transitions, StartStateTransition{
		From:      from,
		To:        to,
		Operation: operation,
		Timestamp: time.Now(),
		Error:     err,
	})
	sm.currentState = to

	if err != nil {
		sm.logger.Debugf("Start state transition failed, %s->%s, operation: %s, error: %v", from, to, operation, err)
	} else {
		sm.logger.Debugf("Start state transition, %s->%s, operation: %s", from, to, operation)
	}
	return nil
}

func (sm *StartStateMachine) canTransitionUnsafe(to StartState) bool {
	for _, validState := range sm.validTransitions[sm.currentState] {
		if validState == to {
			return true
		}
	}
	return false
}

// GetTransitionHistory returns a copy of the recorded transitions
func (sm *StartStateMachine) GetTransitionHistory() []StartStateTransition {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	history := make([]StartStateTransition, len(sm.transitions))
	copy(history, sm.transitions)
	return history
}
