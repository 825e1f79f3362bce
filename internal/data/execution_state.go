package data

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

type ExecutionPhase string

const (
	PendingExecutionPhase   ExecutionPhase = "pending"
	ExecutingExecutionPhase ExecutionPhase = "executing"
	CompletedExecutionPhase ExecutionPhase = "completed"
	FailedExecutionPhase    ExecutionPhase = "failed"
)

// ExecutionState is the denormalized snapshot of a subtask's execution stored
// as a JSON blob on the subtask row. It is what devices and the task owner see
// when they ask "what is this subtask doing right now"; the relational columns
// stay the source of truth for the lifecycle itself.
type ExecutionState struct {
	Phase            ExecutionPhase         `json:"phase"`
	Message          *string                `json:"message"`
	ProviderUserID   *string                `json:"providerUserId"`
	OnnxModelReady   *bool                  `json:"onnxModelReady"`
	WebGpuPreferred  *bool                  `json:"webGpuPreferred"`
	ExtendedMetadata map[string]interface{} `json:"extendedMetadata,omitempty"`
}

// NewPendingExecutionState is the state every subtask starts in.
func NewPendingExecutionState() ExecutionState {
	return ExecutionState{Phase: PendingExecutionPhase}
}

// WithMetadata returns a copy of the state with the given extended metadata
// entries merged in.
func (es ExecutionState) WithMetadata(metadata map[string]interface{}) ExecutionState {
	if len(metadata) == 0 {
		return es
	}
	merged := make(map[string]interface{}, len(es.ExtendedMetadata)+len(metadata))
	for k, v := range es.ExtendedMetadata {
		merged[k] = v
	}
	for k, v := range metadata {
		merged[k] = v
	}
	es.ExtendedMetadata = merged
	return es
}

// Value implements the driver.Valuer interface.
func (es ExecutionState) Value() (driver.Value, error) {
	esJSON, err := json.Marshal(es)
	if err != nil {
		return nil, fmt.Errorf("marshalling execution state: %w", err)
	}
	return esJSON, nil
}

var _ driver.Valuer = (*ExecutionState)(nil)

// Scan implements the sql.Scanner interface.
func (es *ExecutionState) Scan(src interface{}) error {
	if src == nil {
		*es = NewPendingExecutionState()
		return nil
	}

	data, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("unexpected type %T for execution state", src)
	}

	if err := json.Unmarshal(data, es); err != nil {
		return fmt.Errorf("unmarshalling execution_state column: %w", err)
	}
	return nil
}

var _ sql.Scanner = (*ExecutionState)(nil)
