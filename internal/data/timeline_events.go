package data

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tensorgrid/tensorgrid-backend/db"
)

type TimelineEventType string

// Every event type the lifecycle emits. The values are part of the read API
// and must stay stable.
const (
	AssignmentTimelineEvent                 TimelineEventType = "assignment"
	ProgressTimelineEvent                   TimelineEventType = "progress"
	ExecutionAcknowledgedTimelineEvent      TimelineEventType = "execution-acknowledged"
	CompletionTimelineEvent                 TimelineEventType = "completion"
	FailureTimelineEvent                    TimelineEventType = "failure"
	ReassignmentRequestedTimelineEvent      TimelineEventType = "reassignment-requested"
	DeviceDisconnectionFailureTimelineEvent TimelineEventType = "device-disconnection-failure"
	TaskFailedTimelineEvent                 TimelineEventType = "task-failed"
)

// Validate validates the timeline event type
func (t TimelineEventType) Validate() error {
	switch t {
	case AssignmentTimelineEvent, ProgressTimelineEvent, ExecutionAcknowledgedTimelineEvent,
		CompletionTimelineEvent, FailureTimelineEvent, ReassignmentRequestedTimelineEvent,
		DeviceDisconnectionFailureTimelineEvent, TaskFailedTimelineEvent:
		return nil
	default:
		return fmt.Errorf("invalid timeline event type: %s", t)
	}
}

// JSONMap wraps a free-form JSON object column.
type JSONMap map[string]interface{}

// Value implements the driver.Valuer interface.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	mJSON, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshalling json map: %w", err)
	}
	return mJSON, nil
}

var _ driver.Valuer = (JSONMap)(nil)

// Scan implements the sql.Scanner interface.
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}

	data, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("unexpected type %T for json map", src)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("unmarshalling jsonb column: %w", err)
	}
	return nil
}

var _ sql.Scanner = (*JSONMap)(nil)

// TimelineEvent is one append-only audit entry on a subtask. Events are
// written inside the transaction of the state change they describe, never on
// their own.
type TimelineEvent struct {
	ID        string            `json:"id" db:"id"`
	SubtaskID string            `json:"subtask_id" db:"subtask_id"`
	EventType TimelineEventType `json:"event_type" db:"event_type"`
	Message   string            `json:"message" db:"message"`
	Metadata  JSONMap           `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

type TimelineEventModel struct {
	dbConnectionPool db.DBConnectionPool
}

// Insert appends one event to the subtask's timeline. sqlExec is expected to
// be the transaction of the state change being recorded.
func (m *TimelineEventModel) Insert(ctx context.Context, sqlExec db.SQLExecuter, subtaskID string, eventType TimelineEventType, message string, metadata map[string]interface{}) (*TimelineEvent, error) {
	if err := eventType.Validate(); err != nil {
		return nil, fmt.Errorf("validating event type: %w", err)
	}
	if subtaskID == "" {
		return nil, fmt.Errorf("subtask ID is required: %w", ErrMissingInput)
	}

	const query = `
		INSERT INTO subtask_timeline_events
			(subtask_id, event_type, message, metadata)
		VALUES
			($1, $2, $3, $4)
		RETURNING
			id, created_at
	`

	event := TimelineEvent{
		SubtaskID: subtaskID,
		EventType: eventType,
		Message:   message,
		Metadata:  JSONMap(metadata),
	}

	err := sqlExec.QueryRowxContext(ctx, query, subtaskID, eventType, message, event.Metadata).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting timeline event: %w", err)
	}

	return &event, nil
}

// GetAllBySubtaskID returns the subtask's timeline in creation order.
func (m *TimelineEventModel) GetAllBySubtaskID(ctx context.Context, sqlExec db.SQLExecuter, subtaskID string) ([]TimelineEvent, error) {
	const query = `
		SELECT
			id, subtask_id, event_type, message, metadata, created_at
		FROM
			subtask_timeline_events
		WHERE
			subtask_id = $1
		ORDER BY
			created_at ASC, id ASC
	`

	events := []TimelineEvent{}
	err := sqlExec.SelectContext(ctx, &events, query, subtaskID)
	if err != nil {
		return nil, fmt.Errorf("querying timeline events: %w", err)
	}

	return events, nil
}
