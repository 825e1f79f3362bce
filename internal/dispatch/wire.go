// Package dispatch implements the persistent bidirectional channel between
// the server and provider devices: execution requests are pushed to a device
// and acknowledgements, progress reports, results and failures flow back.
package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/tensorgrid/tensorgrid-backend/internal/data"
)

// Method names of the dispatch wire protocol. Server to device:
const (
	// MethodOnExecutionRequested pushes a claimed subtask to the device.
	MethodOnExecutionRequested = "OnExecutionRequested"
)

// Device to server:
const (
	// MethodJoinAvailableTasks asks for work; sent on (re)connection and
	// whenever the device is ready for the next subtask.
	MethodJoinAvailableTasks = "JoinAvailableTasks"

	// MethodAcknowledgeExecutionStart confirms the device started running.
	MethodAcknowledgeExecutionStart = "AcknowledgeExecutionStart"

	// MethodReportProgress carries a progress percentage.
	MethodReportProgress = "ReportProgress"

	// MethodSubmitResult carries the terminal result payload.
	MethodSubmitResult = "SubmitResult"

	// MethodFailedResult carries the terminal failure payload.
	MethodFailedResult = "FailedResult"
)

// Envelope is the framed JSON message exchanged on the channel in both
// directions.
type Envelope struct {
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args"`
}

// NewEnvelope marshals each argument into the envelope's args array.
func NewEnvelope(method string, args ...interface{}) (*Envelope, error) {
	envelope := &Envelope{Method: method, Args: make([]json.RawMessage, 0, len(args))}
	for i, arg := range args {
		argJSON, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("marshalling arg %d of %s: %w", i, method, err)
		}
		envelope.Args = append(envelope.Args, argJSON)
	}
	return envelope, nil
}

// Arg unmarshals the i-th argument into dest.
func (e *Envelope) Arg(i int, dest interface{}) error {
	if i >= len(e.Args) {
		return fmt.Errorf("%s: missing argument %d", e.Method, i)
	}
	if err := json.Unmarshal(e.Args[i], dest); err != nil {
		return fmt.Errorf("%s: unmarshalling argument %d: %w", e.Method, i, err)
	}
	return nil
}

// StringArg unmarshals the i-th argument as a string.
func (e *Envelope) StringArg(i int) (string, error) {
	var s string
	if err := e.Arg(i, &s); err != nil {
		return "", err
	}
	return s, nil
}

// ExecutionRequest is the payload of an OnExecutionRequested push.
type ExecutionRequest struct {
	Subtask ExecutionRequestSubtask `json:"subtask"`
}

type ExecutionRequestSubtask struct {
	ID             string                    `json:"id"`
	TaskID         string                    `json:"taskId"`
	ParametersJSON json.RawMessage           `json:"parametersJson"`
	OnnxModel      ExecutionRequestOnnxModel `json:"onnxModel"`
}

type ExecutionRequestOnnxModel struct {
	ReadURI string `json:"readUri"`
}

// FailedResultPayload is the device's free-form failure report. Only the
// error message is interpreted by the server.
type FailedResultPayload struct {
	Error string `json:"error"`
}

// JoinPayload carries the device's self-described hardware capabilities.
type JoinPayload struct {
	HardwareCapabilities data.DeviceCapabilities `json:"hardwareCapabilities"`
}
