package data

import (
	"fmt"
	"strings"
)

type SubtaskStatus string

const (
	PendingSubtaskStatus   SubtaskStatus = "PENDING"
	AssignedSubtaskStatus  SubtaskStatus = "ASSIGNED"
	ExecutingSubtaskStatus SubtaskStatus = "EXECUTING"
	CompletedSubtaskStatus SubtaskStatus = "COMPLETED"
	FailedSubtaskStatus    SubtaskStatus = "FAILED"
)

// Validate validates the subtask status
func (status SubtaskStatus) Validate() error {
	switch SubtaskStatus(strings.ToUpper(string(status))) {
	case PendingSubtaskStatus, AssignedSubtaskStatus, ExecutingSubtaskStatus,
		CompletedSubtaskStatus, FailedSubtaskStatus:
		return nil
	default:
		return fmt.Errorf("invalid subtask status: %s", status)
	}
}

// TransitionTo transitions the subtask status to the target state
func (status SubtaskStatus) TransitionTo(targetState SubtaskStatus) error {
	return SubtaskStateMachineWithInitialState(status).TransitionTo(targetState.State())
}

// IsExecutable returns true while a provider is allowed to report progress,
// completion or failure for the subtask.
func (status SubtaskStatus) IsExecutable() bool {
	return status == AssignedSubtaskStatus || status == ExecutingSubtaskStatus
}

// SubtaskStateMachineWithInitialState returns a state machine for Subtasks initialized with the given state
func SubtaskStateMachineWithInitialState(initialState SubtaskStatus) *StateMachine {
	transitions := []StateTransition{
		{From: PendingSubtaskStatus.State(), To: AssignedSubtaskStatus.State()},    // reserved for a provider
		{From: PendingSubtaskStatus.State(), To: ExecutingSubtaskStatus.State()},   // claimed by a provider
		{From: AssignedSubtaskStatus.State(), To: ExecutingSubtaskStatus.State()},  // device acknowledged the execution
		{From: AssignedSubtaskStatus.State(), To: CompletedSubtaskStatus.State()},  // result arrived before the acknowledgement
		{From: AssignedSubtaskStatus.State(), To: FailedSubtaskStatus.State()},     // device failed before the acknowledgement
		{From: ExecutingSubtaskStatus.State(), To: CompletedSubtaskStatus.State()}, // result submitted
		{From: ExecutingSubtaskStatus.State(), To: FailedSubtaskStatus.State()},    // device reported failure, disconnected or timed out
		{From: FailedSubtaskStatus.State(), To: PendingSubtaskStatus.State()},      // returned to the queue for reassignment
	}

	return NewStateMachine(initialState.State(), transitions)
}

// SubtaskStatuses returns a list of all possible subtask statuses
func SubtaskStatuses() []SubtaskStatus {
	return []SubtaskStatus{PendingSubtaskStatus, AssignedSubtaskStatus, ExecutingSubtaskStatus, CompletedSubtaskStatus, FailedSubtaskStatus}
}

// SourceStatuses returns a list of states that the subtask status can transition from given the target state
func (status SubtaskStatus) SourceStatuses() []SubtaskStatus {
	stateMachine := SubtaskStateMachineWithInitialState(PendingSubtaskStatus)
	fromStates := []SubtaskStatus{}
	for _, fromState := range SubtaskStatuses() {
		if stateMachine.Transitions[fromState.State()][status.State()] {
			fromStates = append(fromStates, fromState)
		}
	}
	return fromStates
}

// ToSubtaskStatus converts a string to a SubtaskStatus
func ToSubtaskStatus(s string) (SubtaskStatus, error) {
	err := SubtaskStatus(s).Validate()
	if err != nil {
		return "", err
	}

	return SubtaskStatus(strings.ToUpper(s)), nil
}

func (status SubtaskStatus) State() State {
	return State(status)
}
