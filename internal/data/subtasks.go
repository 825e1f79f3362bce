package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/tensorgrid/tensorgrid-backend/db"
)

// Subtask is one independently schedulable portion of a task, executed by a
// single provider device at a time.
type Subtask struct {
	ID                      string              `json:"id" db:"id"`
	TaskID                  string              `json:"task_id" db:"task_id"`
	Status                  SubtaskStatus       `json:"status" db:"status"`
	ProviderUserID          *string             `json:"provider_user_id,omitempty" db:"provider_user_id"`
	DeviceID                *string             `json:"device_id,omitempty" db:"device_id"`
	Parameters              types.JSONText      `json:"parameters,omitempty" db:"parameters"`
	Results                 types.NullJSONText  `json:"results,omitempty" db:"results"`
	ExecutionState          ExecutionState      `json:"execution_state" db:"execution_state"`
	ProgressPercentage      int                 `json:"progress_percentage" db:"progress_percentage"`
	RequiresReassignment    bool                `json:"requires_reassignment" db:"requires_reassignment"`
	FailureReason           *string             `json:"failure_reason,omitempty" db:"failure_reason"`
	DurationSeconds         *float64            `json:"duration_seconds,omitempty" db:"duration_seconds"`
	CostUSD                 decimal.NullDecimal `json:"cost_usd,omitempty" db:"cost_usd"`
	CreatedAt               time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time           `json:"updated_at" db:"updated_at"`
	AssignedAt              *time.Time          `json:"assigned_at,omitempty" db:"assigned_at"`
	StartedAt               *time.Time          `json:"started_at,omitempty" db:"started_at"`
	CompletedAt             *time.Time          `json:"completed_at,omitempty" db:"completed_at"`
	FailedAt                *time.Time          `json:"failed_at,omitempty" db:"failed_at"`
	ReassignmentRequestedAt *time.Time          `json:"reassignment_requested_at,omitempty" db:"reassignment_requested_at"`
	LastHeartbeatAt         *time.Time          `json:"last_heartbeat_at,omitempty" db:"last_heartbeat_at"`
	LastCommandAt           *time.Time          `json:"last_command_at,omitempty" db:"last_command_at"`
	NextHeartbeatDueAt      *time.Time          `json:"next_heartbeat_due_at,omitempty" db:"next_heartbeat_due_at"`
}

type SubtaskInsert struct {
	ID         string
	TaskID     string
	Parameters types.JSONText
	CostUSD    decimal.NullDecimal
}

func (s *SubtaskInsert) Validate() error {
	if strings.TrimSpace(s.TaskID) == "" {
		return fmt.Errorf("task_id is required")
	}
	if s.CostUSD.Valid && s.CostUSD.Decimal.IsNegative() {
		return fmt.Errorf("cost must not be negative")
	}
	return nil
}

// SubtaskClaim carries everything the claim transition writes in one shot.
type SubtaskClaim struct {
	ProviderUserID   string
	DeviceID         string
	Now              time.Time
	NextHeartbeatDue time.Time
	ExecutionState   ExecutionState
}

// SubtaskCompletion carries the terminal completion write. Duration and cost
// override the stored values only when present in the submitted metrics.
type SubtaskCompletion struct {
	Results         types.JSONText
	Now             time.Time
	DurationSeconds sql.NullFloat64
	CostUSD         decimal.NullDecimal
	ExecutionState  ExecutionState
}

type SubtaskModel struct {
	dbConnectionPool db.DBConnectionPool
}

var (
	DefaultSubtaskSortField = SortFieldCreatedAt
	DefaultSubtaskSortOrder = SortOrderASC
	AllowedSubtaskFilters   = []FilterKey{FilterKeyStatus}
	AllowedSubtaskSorts     = []SortField{SortFieldCreatedAt, SortFieldUpdatedAt}
)

func SubtaskColumnNames(tableReference string) string {
	columns := []string{
		"id",
		"task_id",
		"status",
		"provider_user_id",
		"device_id",
		"parameters",
		"results",
		"execution_state",
		"progress_percentage",
		"requires_reassignment",
		"failure_reason",
		"duration_seconds",
		"cost_usd",
		"created_at",
		"updated_at",
		"assigned_at",
		"started_at",
		"completed_at",
		"failed_at",
		"reassignment_requested_at",
		"last_heartbeat_at",
		"last_command_at",
		"next_heartbeat_due_at",
	}
	if tableReference != "" {
		for i, c := range columns {
			columns[i] = tableReference + "." + c
		}
	}
	return strings.Join(columns, ",\n\t\t\t")
}

// Insert creates a new subtask in PENDING status with a pending execution
// state. The caller may supply the subtask ID; when empty the database
// generates one.
func (m *SubtaskModel) Insert(ctx context.Context, sqlExec db.SQLExecuter, insert SubtaskInsert) (*Subtask, error) {
	if err := insert.Validate(); err != nil {
		return nil, fmt.Errorf("validating subtask insert: %w", err)
	}

	parameters := insert.Parameters
	if len(parameters) == 0 {
		parameters = types.JSONText(`{}`)
	}

	const query = `
		INSERT INTO subtasks
			(id, task_id, parameters, cost_usd, execution_state)
		VALUES
			(COALESCE(NULLIF($1, ''), uuid_generate_v4()::text), $2, $3, $4, $5)
		RETURNING
			id
	`

	var subtaskID string
	err := sqlExec.GetContext(ctx, &subtaskID, query, insert.ID, insert.TaskID, parameters, insert.CostUSD, NewPendingExecutionState())
	if err != nil {
		if db.IsUniqueConstraintViolation(err) {
			return nil, ErrRecordAlreadyExists
		}
		return nil, fmt.Errorf("inserting subtask: %w", err)
	}

	return m.Get(ctx, sqlExec, subtaskID)
}

// Get returns the subtask with the given ID.
func (m *SubtaskModel) Get(ctx context.Context, sqlExec db.SQLExecuter, id string) (*Subtask, error) {
	query := `
		SELECT
			` + SubtaskColumnNames("") + `
		FROM
			subtasks
		WHERE
			id = $1
	`

	var subtask Subtask
	err := sqlExec.GetContext(ctx, &subtask, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying subtask ID %s: %w", id, err)
	}

	return &subtask, nil
}

// GetForUpdate returns the subtask with the given ID, locking the row for the
// remainder of the transaction.
func (m *SubtaskModel) GetForUpdate(ctx context.Context, dbTx db.DBTransaction, id string) (*Subtask, error) {
	query := `
		SELECT
			` + SubtaskColumnNames("") + `
		FROM
			subtasks
		WHERE
			id = $1
		FOR UPDATE
	`

	var subtask Subtask
	err := dbTx.GetContext(ctx, &subtask, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying subtask ID %s for update: %w", id, err)
	}

	return &subtask, nil
}

// GetNextForClaim returns the next subtask the given provider may claim,
// locking the row, or ErrRecordNotFound when no eligible work exists. Rows
// already locked by a racing claim are skipped instead of waited on.
//
// Eligible is: the parent task has a non-empty owner that is not the provider
// (unless self-assignment is allowed), and the subtask is PENDING or FAILED
// with a pending reassignment. Reassignments come first, then oldest created,
// then lowest ID.
func (m *SubtaskModel) GetNextForClaim(ctx context.Context, dbTx db.DBTransaction, providerUserID string, allowSelfAssignment bool) (*Subtask, error) {
	query := `
		SELECT
			` + SubtaskColumnNames("s") + `
		FROM
			subtasks s
		JOIN tasks t ON s.task_id = t.id
		WHERE
			COALESCE(t.user_id, '') != ''
			AND (t.user_id != $1 OR $2)
			AND (s.status = $3 OR (s.status = $4 AND s.requires_reassignment))
		ORDER BY
			s.requires_reassignment DESC,
			s.created_at ASC,
			s.id ASC
		LIMIT 1
		FOR UPDATE OF s SKIP LOCKED
	`

	var subtask Subtask
	err := dbTx.GetContext(ctx, &subtask, query, providerUserID, allowSelfAssignment, PendingSubtaskStatus, FailedSubtaskStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying next claimable subtask: %w", err)
	}

	return &subtask, nil
}

// GetAllByTaskID returns every subtask of the given task, oldest first.
func (m *SubtaskModel) GetAllByTaskID(ctx context.Context, sqlExec db.SQLExecuter, taskID string) ([]Subtask, error) {
	query := `
		SELECT
			` + SubtaskColumnNames("") + `
		FROM
			subtasks
		WHERE
			task_id = $1
		ORDER BY
			created_at ASC, id ASC
	`

	subtasks := []Subtask{}
	err := sqlExec.SelectContext(ctx, &subtasks, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying subtasks of task %s: %w", taskID, err)
	}

	return subtasks, nil
}

// CountUnfinishedByTaskID returns how many subtasks of the task are not
// COMPLETED yet. Zero means the task aggregate is done.
func (m *SubtaskModel) CountUnfinishedByTaskID(ctx context.Context, sqlExec db.SQLExecuter, taskID string) (int, error) {
	const query = `
		SELECT
			count(*)
		FROM
			subtasks
		WHERE
			task_id = $1
			AND status != $2
	`

	var count int
	err := sqlExec.GetContext(ctx, &count, query, taskID, CompletedSubtaskStatus)
	if err != nil {
		return 0, fmt.Errorf("counting unfinished subtasks of task %s: %w", taskID, err)
	}

	return count, nil
}

// GetAllActiveByDeviceID returns the subtasks currently held by the given
// device, i.e. ASSIGNED or EXECUTING rows. Used by the disconnect sweep.
func (m *SubtaskModel) GetAllActiveByDeviceID(ctx context.Context, sqlExec db.SQLExecuter, deviceID string) ([]Subtask, error) {
	query := `
		SELECT
			` + SubtaskColumnNames("") + `
		FROM
			subtasks
		WHERE
			device_id = $1
			AND status = ANY($2)
		ORDER BY
			created_at ASC, id ASC
	`

	subtasks := []Subtask{}
	err := sqlExec.SelectContext(ctx, &subtasks, query, deviceID, pq.Array([]SubtaskStatus{AssignedSubtaskStatus, ExecutingSubtaskStatus}))
	if err != nil {
		return nil, fmt.Errorf("querying active subtasks on device %s: %w", deviceID, err)
	}

	return subtasks, nil
}

// GetAllWithOverdueHeartbeat returns the subtasks whose heartbeat deadline
// passed while still ASSIGNED or EXECUTING. Used by the heartbeat sweep.
func (m *SubtaskModel) GetAllWithOverdueHeartbeat(ctx context.Context, sqlExec db.SQLExecuter, now time.Time) ([]Subtask, error) {
	query := `
		SELECT
			` + SubtaskColumnNames("") + `
		FROM
			subtasks
		WHERE
			status = ANY($1)
			AND next_heartbeat_due_at IS NOT NULL
			AND next_heartbeat_due_at < $2
		ORDER BY
			next_heartbeat_due_at ASC
	`

	subtasks := []Subtask{}
	err := sqlExec.SelectContext(ctx, &subtasks, query, pq.Array([]SubtaskStatus{AssignedSubtaskStatus, ExecutingSubtaskStatus}), now)
	if err != nil {
		return nil, fmt.Errorf("querying subtasks with overdue heartbeats: %w", err)
	}

	return subtasks, nil
}

// Claim applies the atomic claim transition: the subtask becomes EXECUTING and
// owned by the provider device, every failure and reassignment marker is
// cleared and the heartbeat clock starts.
func (m *SubtaskModel) Claim(ctx context.Context, sqlExec db.SQLExecuter, subtaskID string, claim SubtaskClaim) error {
	const query = `
		UPDATE subtasks
		SET status = $1,
			provider_user_id = $2,
			device_id = $3,
			assigned_at = $4,
			started_at = $4,
			last_heartbeat_at = $4,
			last_command_at = $4,
			next_heartbeat_due_at = $5,
			requires_reassignment = false,
			reassignment_requested_at = NULL,
			failure_reason = NULL,
			failed_at = NULL,
			progress_percentage = 0,
			execution_state = $6
		WHERE id = $7
	`

	result, err := sqlExec.ExecContext(ctx, query, ExecutingSubtaskStatus, claim.ProviderUserID, claim.DeviceID, claim.Now, claim.NextHeartbeatDue, claim.ExecutionState, subtaskID)
	if err != nil {
		return fmt.Errorf("claiming subtask %s: %w", subtaskID, err)
	}

	return checkSingleRowAffected(result)
}

// RecordExecutionStart marks the subtask EXECUTING after the device
// acknowledged the pushed execution request. Idempotent on an already
// executing subtask. The acknowledgement counts as a heartbeat, so the
// deadline moves forward.
func (m *SubtaskModel) RecordExecutionStart(ctx context.Context, sqlExec db.SQLExecuter, subtaskID string, now time.Time, nextHeartbeatDue time.Time, executionState ExecutionState) error {
	const query = `
		UPDATE subtasks
		SET status = $1,
			started_at = COALESCE(started_at, $2),
			last_heartbeat_at = $2,
			last_command_at = $2,
			next_heartbeat_due_at = $3,
			execution_state = $4
		WHERE id = $5
	`

	result, err := sqlExec.ExecContext(ctx, query, ExecutingSubtaskStatus, now, nextHeartbeatDue, executionState, subtaskID)
	if err != nil {
		return fmt.Errorf("recording execution start of subtask %s: %w", subtaskID, err)
	}

	return checkSingleRowAffected(result)
}

// RecordProgress stores a progress report and refreshes the heartbeat clock.
// An ASSIGNED subtask is promoted to EXECUTING on its first report.
func (m *SubtaskModel) RecordProgress(ctx context.Context, sqlExec db.SQLExecuter, subtaskID string, percent int, now time.Time, nextHeartbeatDue time.Time, executionState ExecutionState) error {
	const query = `
		UPDATE subtasks
		SET status = $1,
			progress_percentage = $2,
			started_at = COALESCE(started_at, $3),
			last_heartbeat_at = $3,
			last_command_at = $3,
			next_heartbeat_due_at = $4,
			execution_state = $5
		WHERE id = $6
	`

	result, err := sqlExec.ExecContext(ctx, query, ExecutingSubtaskStatus, percent, now, nextHeartbeatDue, executionState, subtaskID)
	if err != nil {
		return fmt.Errorf("recording progress of subtask %s: %w", subtaskID, err)
	}

	return checkSingleRowAffected(result)
}

// RecordCompletion applies the terminal completion write.
func (m *SubtaskModel) RecordCompletion(ctx context.Context, sqlExec db.SQLExecuter, subtaskID string, completion SubtaskCompletion) error {
	const query = `
		UPDATE subtasks
		SET status = $1,
			progress_percentage = 100,
			completed_at = $2,
			next_heartbeat_due_at = NULL,
			requires_reassignment = false,
			results = $3,
			duration_seconds = COALESCE($4, duration_seconds),
			cost_usd = COALESCE($5, cost_usd),
			execution_state = $6
		WHERE id = $7
	`

	var results interface{}
	if len(completion.Results) > 0 {
		results = completion.Results
	}

	result, err := sqlExec.ExecContext(ctx, query, CompletedSubtaskStatus, completion.Now, results, completion.DurationSeconds, completion.CostUSD, completion.ExecutionState, subtaskID)
	if err != nil {
		return fmt.Errorf("recording completion of subtask %s: %w", subtaskID, err)
	}

	return checkSingleRowAffected(result)
}

// RecordFailure applies the terminal failure write. Whether the subtask then
// returns to the queue is decided separately by ClearForReassignment.
func (m *SubtaskModel) RecordFailure(ctx context.Context, sqlExec db.SQLExecuter, subtaskID, reason string, now time.Time, executionState ExecutionState) error {
	const query = `
		UPDATE subtasks
		SET status = $1,
			failure_reason = $2,
			failed_at = $3,
			last_heartbeat_at = $3,
			last_command_at = $3,
			next_heartbeat_due_at = NULL,
			execution_state = $4
		WHERE id = $5
	`

	result, err := sqlExec.ExecContext(ctx, query, FailedSubtaskStatus, reason, now, executionState, subtaskID)
	if err != nil {
		return fmt.Errorf("recording failure of subtask %s: %w", subtaskID, err)
	}

	return checkSingleRowAffected(result)
}

// ClearForReassignment returns a failed subtask to the queue: the provider and
// device are released, progress resets and the reassignment flag puts it at
// the front of the claim order. The failure reason and timestamp are kept as a
// diagnostic breadcrumb of the previous run.
func (m *SubtaskModel) ClearForReassignment(ctx context.Context, sqlExec db.SQLExecuter, subtaskID string, now time.Time) error {
	const query = `
		UPDATE subtasks
		SET status = $1,
			requires_reassignment = true,
			reassignment_requested_at = $2,
			provider_user_id = NULL,
			device_id = NULL,
			progress_percentage = 0
		WHERE id = $3
	`

	result, err := sqlExec.ExecContext(ctx, query, PendingSubtaskStatus, now, subtaskID)
	if err != nil {
		return fmt.Errorf("clearing subtask %s for reassignment: %w", subtaskID, err)
	}

	return checkSingleRowAffected(result)
}

func checkSingleRowAffected(result sql.Result) error {
	numRowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting number of rows affected: %w", err)
	}
	if numRowsAffected != 1 {
		return fmt.Errorf("expected 1 row affected, got %d: %w", numRowsAffected, ErrMismatchNumRowsAffected)
	}
	return nil
}
