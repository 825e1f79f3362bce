package data

import (
	"fmt"
	"strings"
)

type TaskStatus string

const (
	PendingTaskStatus    TaskStatus = "PENDING"
	InProgressTaskStatus TaskStatus = "IN_PROGRESS"
	CompletedTaskStatus  TaskStatus = "COMPLETED"
	FailedTaskStatus     TaskStatus = "FAILED"
)

// Validate validates the task status
func (status TaskStatus) Validate() error {
	switch TaskStatus(strings.ToUpper(string(status))) {
	case PendingTaskStatus, InProgressTaskStatus, CompletedTaskStatus, FailedTaskStatus:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", status)
	}
}

// TransitionTo transitions the task status to the target state
func (status TaskStatus) TransitionTo(targetState TaskStatus) error {
	return TaskStateMachineWithInitialState(status).TransitionTo(targetState.State())
}

// IsTerminal returns true for the statuses a task can never leave.
func (status TaskStatus) IsTerminal() bool {
	return status == CompletedTaskStatus || status == FailedTaskStatus
}

// TaskStateMachineWithInitialState returns a state machine for Tasks initialized with the given state
func TaskStateMachineWithInitialState(initialState TaskStatus) *StateMachine {
	transitions := []StateTransition{
		{From: PendingTaskStatus.State(), To: InProgressTaskStatus.State()},   // first subtask claimed
		{From: InProgressTaskStatus.State(), To: CompletedTaskStatus.State()}, // every subtask completed
		{From: InProgressTaskStatus.State(), To: FailedTaskStatus.State()},    // a subtask failed with nobody left to reassign to
	}

	return NewStateMachine(initialState.State(), transitions)
}

// TaskStatuses returns a list of all possible task statuses
func TaskStatuses() []TaskStatus {
	return []TaskStatus{PendingTaskStatus, InProgressTaskStatus, CompletedTaskStatus, FailedTaskStatus}
}

// SourceStatuses returns a list of states that the task status can transition from given the target state
func (status TaskStatus) SourceStatuses() []TaskStatus {
	stateMachine := TaskStateMachineWithInitialState(PendingTaskStatus)
	fromStates := []TaskStatus{}
	for _, fromState := range TaskStatuses() {
		if stateMachine.Transitions[fromState.State()][status.State()] {
			fromStates = append(fromStates, fromState)
		}
	}
	return fromStates
}

// ToTaskStatus converts a string to a TaskStatus
func ToTaskStatus(s string) (TaskStatus, error) {
	err := TaskStatus(s).Validate()
	if err != nil {
		return "", err
	}

	return TaskStatus(strings.ToUpper(s)), nil
}

func (status TaskStatus) State() State {
	return State(status)
}
