package data

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tensorgrid/tensorgrid-backend/db"
)

// CreateUserFixture creates an active user with the given balance. The email
// is randomized so fixtures never collide across tests sharing a database.
func CreateUserFixture(t *testing.T, ctx context.Context, sqlExec db.SQLExecuter, balance decimal.Decimal) *User {
	t.Helper()
	return CreateUserFixtureWithCapabilities(t, ctx, sqlExec, balance, "")
}

// CreateUserFixtureWithCapabilities creates an active user advertising the
// given resource capabilities tag.
func CreateUserFixtureWithCapabilities(t *testing.T, ctx context.Context, sqlExec db.SQLExecuter, balance decimal.Decimal, resourceCapabilities string) *User {
	t.Helper()

	const query = `
		INSERT INTO users
			(email, encrypted_password, is_active, balance, resource_capabilities)
		VALUES
			($1, $2, true, $3, NULLIF($4, ''))
		RETURNING
			id, email, is_active, balance, resource_capabilities, created_at, updated_at
	`

	email := fmt.Sprintf("user-%s@tensorgrid.test", uuid.NewString())

	var user User
	err := sqlExec.GetContext(ctx, &user, query, email, "!fixture-not-a-hash!", balance, resourceCapabilities)
	require.NoError(t, err)

	return &user
}

// DeactivateUserFixture flips the user inactive.
func DeactivateUserFixture(t *testing.T, ctx context.Context, sqlExec db.SQLExecuter, userID string) {
	t.Helper()

	_, err := sqlExec.ExecContext(ctx, "UPDATE users SET is_active = false WHERE id = $1", userID)
	require.NoError(t, err)
}

// GetUserBalanceFixture reads the user's current balance.
func GetUserBalanceFixture(t *testing.T, ctx context.Context, sqlExec db.SQLExecuter, userID string) decimal.Decimal {
	t.Helper()

	var balance decimal.Decimal
	err := sqlExec.GetContext(ctx, &balance, "SELECT balance FROM users WHERE id = $1", userID)
	require.NoError(t, err)

	return balance
}

// CreateTaskFixture creates a task owned by the given user.
func CreateTaskFixture(t *testing.T, ctx context.Context, sqlExec db.SQLExecuter, userID string, taskType TaskType, fillBindingsViaAPI bool) *Task {
	t.Helper()

	query := `
		INSERT INTO tasks
			(user_id, task_type, model_uri, fill_bindings_via_api)
		VALUES
			($1, $2, $3, $4)
		RETURNING
			` + TaskColumnNames("") + `
	`

	modelURI := fmt.Sprintf("s3://tensorgrid-models/%s.onnx", uuid.NewString())

	var task Task
	err := sqlExec.GetContext(ctx, &task, query, userID, taskType, modelURI, fillBindingsViaAPI)
	require.NoError(t, err)

	return &task
}

// CreateSubtaskFixture creates a PENDING subtask of the given task with the
// given cost. A zero cost is stored as NULL.
func CreateSubtaskFixture(t *testing.T, ctx context.Context, sqlExec db.SQLExecuter, taskID string, costUSD decimal.Decimal) *Subtask {
	t.Helper()

	cost := decimal.NullDecimal{Decimal: costUSD, Valid: !costUSD.IsZero()}

	const query = `
		INSERT INTO subtasks
			(task_id, parameters, cost_usd, execution_state)
		VALUES
			($1, $2, $3, $4)
		RETURNING
			id
	`

	parameters := types.JSONText(`{"bindings": []}`)

	var subtaskID string
	err := sqlExec.GetContext(ctx, &subtaskID, query, taskID, parameters, cost, NewPendingExecutionState())
	require.NoError(t, err)

	return GetSubtaskFixture(t, ctx, sqlExec, subtaskID)
}

// GetSubtaskFixture reloads a subtask row.
func GetSubtaskFixture(t *testing.T, ctx context.Context, sqlExec db.SQLExecuter, subtaskID string) *Subtask {
	t.Helper()

	query := `
		SELECT
			` + SubtaskColumnNames("") + `
		FROM
			subtasks
		WHERE
			id = $1
	`

	var subtask Subtask
	err := sqlExec.GetContext(ctx, &subtask, query, subtaskID)
	require.NoError(t, err)

	return &subtask
}

// ClaimSubtaskFixture puts the subtask straight into EXECUTING on the given
// provider and device, as the assignment engine would.
func ClaimSubtaskFixture(t *testing.T, ctx context.Context, sqlExec db.SQLExecuter, subtaskID, providerUserID, deviceID string) *Subtask {
	t.Helper()

	const query = `
		UPDATE subtasks
		SET status = $1,
			provider_user_id = $2,
			device_id = $3,
			assigned_at = NOW(),
			started_at = NOW(),
			last_heartbeat_at = NOW(),
			last_command_at = NOW(),
			next_heartbeat_due_at = NOW() + interval '5 minutes'
		WHERE id = $4
	`

	_, err := sqlExec.ExecContext(ctx, query, ExecutingSubtaskStatus, providerUserID, deviceID, subtaskID)
	require.NoError(t, err)

	return GetSubtaskFixture(t, ctx, sqlExec, subtaskID)
}

// OverdueHeartbeatFixture backdates the subtask's heartbeat deadline.
func OverdueHeartbeatFixture(t *testing.T, ctx context.Context, sqlExec db.SQLExecuter, subtaskID string, overdueBy time.Duration) {
	t.Helper()

	_, err := sqlExec.ExecContext(ctx,
		"UPDATE subtasks SET next_heartbeat_due_at = NOW() - $1::interval WHERE id = $2",
		fmt.Sprintf("%d seconds", int(overdueBy.Seconds())), subtaskID)
	require.NoError(t, err)
}

// BackdateSubtaskCreationFixture shifts the subtask's creation time so claim
// ordering can be exercised deterministically.
func BackdateSubtaskCreationFixture(t *testing.T, ctx context.Context, sqlExec db.SQLExecuter, subtaskID string, backdateBy time.Duration) {
	t.Helper()

	_, err := sqlExec.ExecContext(ctx,
		"UPDATE subtasks SET created_at = created_at - $1::interval WHERE id = $2",
		fmt.Sprintf("%d seconds", int(backdateBy.Seconds())), subtaskID)
	require.NoError(t, err)
}

// CreateDeviceFixture registers a device of the given user with an open
// session.
func CreateDeviceFixture(t *testing.T, ctx context.Context, sqlExec db.SQLExecuter, userID string) *Device {
	t.Helper()

	const query = `
		INSERT INTO devices
			(id, user_id, capabilities, session_id, last_seen_at)
		VALUES
			($1, $2, $3, $4, NOW())
		RETURNING
			id, user_id, capabilities, session_id, last_seen_at, created_at, updated_at
	`

	capabilities := DeviceCapabilities{CPUTops: 2, GPUTops: 40, RAMGB: 16}

	var device Device
	err := sqlExec.GetContext(ctx, &device, query, uuid.NewString(), userID, capabilities, uuid.NewString())
	require.NoError(t, err)

	return &device
}

// GetTimelineEventsFixture returns the subtask's timeline in creation order.
func GetTimelineEventsFixture(t *testing.T, ctx context.Context, sqlExec db.SQLExecuter, subtaskID string) []TimelineEvent {
	t.Helper()

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
	require.NoError(t, err)

	return events
}

// TimelineEventTypesFixture flattens the subtask's timeline into its ordered
// event types, the shape most assertions want.
func TimelineEventTypesFixture(t *testing.T, ctx context.Context, sqlExec db.SQLExecuter, subtaskID string) []TimelineEventType {
	t.Helper()

	events := GetTimelineEventsFixture(t, ctx, sqlExec, subtaskID)
	eventTypes := make([]TimelineEventType, 0, len(events))
	for _, event := range events {
		eventTypes = append(eventTypes, event.EventType)
	}

	return eventTypes
}

// DeleteAllFixtures empties every table the fixtures write to, child tables
// first.
func DeleteAllFixtures(t *testing.T, ctx context.Context, sqlExec db.SQLExecuter) {
	t.Helper()

	for _, table := range []string{"subtask_timeline_events", "earnings", "withdrawals", "subtasks", "tasks", "devices", "api_keys", "users"} {
		_, err := sqlExec.ExecContext(ctx, "DELETE FROM "+table)
		require.NoError(t, err)
	}
}
