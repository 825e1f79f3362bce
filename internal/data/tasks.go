package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/tensorgrid/tensorgrid-backend/db"
)

type TaskType string

const (
	TrainTaskType     TaskType = "TRAIN"
	InferenceTaskType TaskType = "INFERENCE"
)

// Validate validates the task type
func (t TaskType) Validate() error {
	switch TaskType(strings.ToUpper(string(t))) {
	case TrainTaskType, InferenceTaskType:
		return nil
	default:
		return fmt.Errorf("invalid task type: %s", t)
	}
}

// ToTaskType converts a string to a TaskType
func ToTaskType(s string) (TaskType, error) {
	if err := TaskType(s).Validate(); err != nil {
		return "", err
	}
	return TaskType(strings.ToUpper(s)), nil
}

// Task is the aggregate a requestor submits: one ONNX model plus the subtasks
// it was split into. Its status is derived from the statuses of its subtasks.
type Task struct {
	ID                 string              `json:"id" db:"id"`
	UserID             string              `json:"user_id" db:"user_id"`
	Type               TaskType            `json:"type" db:"task_type"`
	Status             TaskStatus          `json:"status" db:"status"`
	ModelURI           *string             `json:"model_uri,omitempty" db:"model_uri"`
	FillBindingsViaAPI bool                `json:"fill_bindings_via_api" db:"fill_bindings_via_api"`
	CompiledPartitions *string             `json:"compiled_partitions,omitempty" db:"compiled_partitions"`
	CostUSD            decimal.NullDecimal `json:"cost_usd,omitempty" db:"cost_usd"`
	CreatedAt          time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at" db:"updated_at"`
	CompletedAt        *time.Time          `json:"completed_at,omitempty" db:"completed_at"`
}

type TaskInsert struct {
	ID                 string   `db:"id"`
	UserID             string   `db:"user_id"`
	Type               TaskType `db:"task_type"`
	ModelURI           string   `db:"model_uri"`
	FillBindingsViaAPI bool     `db:"fill_bindings_via_api"`
}

func (t *TaskInsert) Validate() error {
	if strings.TrimSpace(t.UserID) == "" {
		return fmt.Errorf("user_id is required")
	}
	if err := t.Type.Validate(); err != nil {
		return fmt.Errorf("type is invalid: %w", err)
	}
	return nil
}

type TaskModel struct {
	dbConnectionPool db.DBConnectionPool
}

var (
	DefaultTaskSortField = SortFieldCreatedAt
	DefaultTaskSortOrder = SortOrderDESC
	AllowedTaskFilters   = []FilterKey{FilterKeyStatus, FilterKeyCreatedAtAfter, FilterKeyCreatedAtBefore}
	AllowedTaskSorts     = []SortField{SortFieldCreatedAt, SortFieldUpdatedAt}
)

func TaskColumnNames(tableReference string) string {
	columns := []string{
		"id",
		"user_id",
		"task_type",
		"status",
		"model_uri",
		"fill_bindings_via_api",
		"compiled_partitions",
		"cost_usd",
		"created_at",
		"updated_at",
		"completed_at",
	}
	if tableReference != "" {
		for i, c := range columns {
			columns[i] = tableReference + "." + c
		}
	}
	return strings.Join(columns, ",\n\t\t\t")
}

// Insert creates a new task in PENDING status. The caller may supply the task
// ID; when empty the database generates one.
func (m *TaskModel) Insert(ctx context.Context, sqlExec db.SQLExecuter, insert TaskInsert) (*Task, error) {
	if err := insert.Validate(); err != nil {
		return nil, fmt.Errorf("validating task insert: %w", err)
	}

	const query = `
		INSERT INTO tasks
			(id, user_id, task_type, model_uri, fill_bindings_via_api)
		VALUES
			(COALESCE(NULLIF($1, ''), uuid_generate_v4()::text), $2, $3, NULLIF($4, ''), $5)
		RETURNING
			id
	`

	var taskID string
	err := sqlExec.GetContext(ctx, &taskID, query, insert.ID, insert.UserID, insert.Type, insert.ModelURI, insert.FillBindingsViaAPI)
	if err != nil {
		if db.IsUniqueConstraintViolation(err) {
			return nil, ErrRecordAlreadyExists
		}
		return nil, fmt.Errorf("inserting task: %w", err)
	}

	return m.Get(ctx, sqlExec, taskID)
}

// Get returns the task with the given ID.
func (m *TaskModel) Get(ctx context.Context, sqlExec db.SQLExecuter, id string) (*Task, error) {
	query := `
		SELECT
			` + TaskColumnNames("") + `
		FROM
			tasks
		WHERE
			id = $1
	`

	var task Task
	err := sqlExec.GetContext(ctx, &task, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying task ID %s: %w", id, err)
	}

	return &task, nil
}

// GetAll returns all tasks matching the given query parameters.
func (m *TaskModel) GetAll(ctx context.Context, sqlExec db.SQLExecuter, queryParams *QueryParams) ([]Task, error) {
	baseQuery := `
		SELECT
			` + TaskColumnNames("t") + `
		FROM
			tasks t
	`

	query, params := newTaskQuery(baseQuery, queryParams, true, sqlExec)

	tasks := []Task{}
	err := sqlExec.SelectContext(ctx, &tasks, query, params...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}

	return tasks, nil
}

// Count returns the number of tasks matching the given query parameters.
func (m *TaskModel) Count(ctx context.Context, sqlExec db.SQLExecuter, queryParams *QueryParams) (int, error) {
	const baseQuery = `
		SELECT
			count(*)
		FROM
			tasks t
	`

	query, params := newTaskQuery(baseQuery, queryParams, false, sqlExec)

	var count int
	err := sqlExec.GetContext(ctx, &count, query, params...)
	if err != nil {
		return 0, fmt.Errorf("counting tasks: %w", err)
	}

	return count, nil
}

// PromoteToInProgress moves the task to IN_PROGRESS when a subtask is claimed.
// Calling it on a task that is already IN_PROGRESS only refreshes updated_at;
// terminal tasks are left untouched.
func (m *TaskModel) PromoteToInProgress(ctx context.Context, sqlExec db.SQLExecuter, taskID string) error {
	const query = `
		UPDATE tasks
		SET status = $1
		WHERE id = $2
		AND status = ANY($3)
	`

	eligibleStatuses := []TaskStatus{PendingTaskStatus, InProgressTaskStatus}
	_, err := sqlExec.ExecContext(ctx, query, InProgressTaskStatus, taskID, pq.Array(eligibleStatuses))
	if err != nil {
		return fmt.Errorf("promoting task %s to in progress: %w", taskID, err)
	}

	return nil
}

// Complete marks the task COMPLETED once every subtask finished.
func (m *TaskModel) Complete(ctx context.Context, sqlExec db.SQLExecuter, taskID string, completedAt time.Time) error {
	const query = `
		UPDATE tasks
		SET status = $1,
			completed_at = $2
		WHERE id = $3
		AND status = ANY($4)
	`

	result, err := sqlExec.ExecContext(ctx, query, CompletedTaskStatus, completedAt, taskID, pq.Array(CompletedTaskStatus.SourceStatuses()))
	if err != nil {
		return fmt.Errorf("completing task %s: %w", taskID, err)
	}

	numRowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting number of rows affected: %w", err)
	}
	if numRowsAffected == 0 {
		return fmt.Errorf("task %s is not in a completable status: %w", taskID, ErrMismatchNumRowsAffected)
	}

	return nil
}

// Fail marks the task FAILED. Used when a subtask failed with nobody left to
// reassign it to.
func (m *TaskModel) Fail(ctx context.Context, sqlExec db.SQLExecuter, taskID string) error {
	const query = `
		UPDATE tasks
		SET status = $1
		WHERE id = $2
		AND status = ANY($3)
	`

	result, err := sqlExec.ExecContext(ctx, query, FailedTaskStatus, taskID, pq.Array(FailedTaskStatus.SourceStatuses()))
	if err != nil {
		return fmt.Errorf("failing task %s: %w", taskID, err)
	}

	numRowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting number of rows affected: %w", err)
	}
	if numRowsAffected == 0 {
		return fmt.Errorf("task %s is not in a failable status: %w", taskID, ErrMismatchNumRowsAffected)
	}

	return nil
}

func newTaskQuery(baseQuery string, queryParams *QueryParams, paginated bool, sqlExec db.SQLExecuter) (string, []interface{}) {
	qb := NewQueryBuilder(baseQuery)
	if queryParams.Filters[FilterKeyUserID] != nil {
		qb.AddCondition("t.user_id = ?", queryParams.Filters[FilterKeyUserID])
	}
	if queryParams.Filters[FilterKeyStatus] != nil {
		qb.AddCondition("t.status = ?", queryParams.Filters[FilterKeyStatus])
	}
	if queryParams.Filters[FilterKeyCreatedAtAfter] != nil {
		qb.AddCondition("t.created_at >= ?", queryParams.Filters[FilterKeyCreatedAtAfter])
	}
	if queryParams.Filters[FilterKeyCreatedAtBefore] != nil {
		qb.AddCondition("t.created_at <= ?", queryParams.Filters[FilterKeyCreatedAtBefore])
	}
	if paginated {
		qb.AddSorting(queryParams.SortBy, queryParams.SortOrder, "t")
		qb.AddPagination(queryParams.Page, queryParams.PageLimit)
	}
	return qb.BuildAndRebind(sqlExec)
}
