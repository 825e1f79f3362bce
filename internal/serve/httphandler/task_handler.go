package httphandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"

	"github.com/tensorgrid/tensorgrid-backend/db"
	"github.com/tensorgrid/tensorgrid-backend/internal/data"
	"github.com/tensorgrid/tensorgrid-backend/internal/serve/httperror"
	"github.com/tensorgrid/tensorgrid-backend/internal/serve/httpresponse"
	"github.com/tensorgrid/tensorgrid-backend/internal/serve/middleware"
	"github.com/tensorgrid/tensorgrid-backend/internal/serve/validators"
	"github.com/tensorgrid/tensorgrid-backend/pkg/httpdecode"
	"github.com/tensorgrid/tensorgrid-backend/pkg/httpjson"
	"github.com/tensorgrid/tensorgrid-backend/pkg/log"
)

// TaskHandler serves the requestor-facing task intake and read views.
type TaskHandler struct {
	Models           *data.Models
	DBConnectionPool db.DBConnectionPool
}

// InferenceSpec carries the tensor bindings for a single-subtask inference
// task. It is stored verbatim as the subtask's parameters.
type InferenceSpec struct {
	Bindings []json.RawMessage `json:"bindings"`
	Outputs  []json.RawMessage `json:"outputs"`
}

type CreateSubtaskRequest struct {
	ID         string              `json:"id,omitempty"`
	Parameters json.RawMessage     `json:"parameters,omitempty"`
	CostUSD    decimal.NullDecimal `json:"cost_usd,omitempty"`
}

type CreateTaskRequest struct {
	ID                 string                 `json:"id,omitempty"`
	Type               string                 `json:"type"`
	ModelURI           string                 `json:"model_uri,omitempty"`
	FillBindingsViaAPI bool                   `json:"fill_bindings_via_api"`
	InitialSubtaskID   string                 `json:"initial_subtask_id,omitempty"`
	Inference          *InferenceSpec         `json:"inference,omitempty"`
	Subtasks           []CreateSubtaskRequest `json:"subtasks,omitempty"`
}

func (r CreateTaskRequest) validate() *httperror.HTTPError {
	validator := validators.NewValidator()

	validator.Check(r.Type != "", "type", "type is required")
	if r.Type != "" {
		validator.CheckError(data.TaskType(r.Type).Validate(), "type", "type must be one of TRAIN, INFERENCE")
	}
	for i, subtask := range r.Subtasks {
		if subtask.CostUSD.Valid && subtask.CostUSD.Decimal.IsNegative() {
			validator.AddError(fmt.Sprintf("subtasks[%d].cost_usd", i), "cost must not be negative")
		}
	}

	if validator.HasErrors() {
		return httperror.BadRequest("Request invalid", nil, validator.Errors)
	}

	return nil
}

// subtaskInserts flattens the request into the subtask rows to create. The
// inference spec and the explicit subtask list are alternative spellings of
// the same thing; the initial subtask ID only applies to the inference form.
func (r CreateTaskRequest) subtaskInserts(taskID string) ([]data.SubtaskInsert, error) {
	inserts := make([]data.SubtaskInsert, 0, len(r.Subtasks)+1)

	if r.Inference != nil {
		parameters, err := json.Marshal(r.Inference)
		if err != nil {
			return nil, fmt.Errorf("marshalling inference spec: %w", err)
		}
		inserts = append(inserts, data.SubtaskInsert{
			ID:         r.InitialSubtaskID,
			TaskID:     taskID,
			Parameters: types.JSONText(parameters),
		})
	}

	for _, subtask := range r.Subtasks {
		inserts = append(inserts, data.SubtaskInsert{
			ID:         subtask.ID,
			TaskID:     taskID,
			Parameters: types.JSONText(subtask.Parameters),
			CostUSD:    subtask.CostUSD,
		})
	}

	return inserts, nil
}

type CreateTaskResponse struct {
	Task     *data.Task     `json:"task"`
	Subtasks []data.Subtask `json:"subtasks"`
}

// CreateTask creates a task and its subtasks in a single transaction. The
// subtasks land in PENDING, which makes them claimable immediately.
func (h TaskHandler) CreateTask(rw http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	userID, err := middleware.GetUserIDFromContext(ctx)
	if err != nil {
		httperror.Unauthorized("", err, nil).Render(rw)
		return
	}

	var reqBody CreateTaskRequest
	if err = httpdecode.DecodeJSON(req, &reqBody); err != nil {
		err = fmt.Errorf("decoding the request body: %w", err)
		log.Ctx(ctx).Error(err)
		httperror.BadRequest("", err, nil).Render(rw)
		return
	}

	if httpErr := reqBody.validate(); httpErr != nil {
		httpErr.Render(rw)
		return
	}

	response, err := db.RunInTransactionWithResult(ctx, h.DBConnectionPool, nil, func(dbTx db.DBTransaction) (*CreateTaskResponse, error) {
		task, txErr := h.Models.Tasks.Insert(ctx, dbTx, data.TaskInsert{
			ID:                 reqBody.ID,
			UserID:             userID,
			Type:               data.TaskType(reqBody.Type),
			ModelURI:           reqBody.ModelURI,
			FillBindingsViaAPI: reqBody.FillBindingsViaAPI,
		})
		if txErr != nil {
			return nil, fmt.Errorf("inserting task: %w", txErr)
		}

		inserts, txErr := reqBody.subtaskInserts(task.ID)
		if txErr != nil {
			return nil, txErr
		}

		subtasks := make([]data.Subtask, 0, len(inserts))
		for _, insert := range inserts {
			subtask, txErr := h.Models.Subtasks.Insert(ctx, dbTx, insert)
			if txErr != nil {
				return nil, fmt.Errorf("inserting subtask for task %s: %w", task.ID, txErr)
			}
			subtasks = append(subtasks, *subtask)
		}

		return &CreateTaskResponse{Task: task, Subtasks: subtasks}, nil
	})
	if err != nil {
		if errors.Is(err, data.ErrRecordAlreadyExists) {
			httperror.Conflict("A task with this ID already exists", err, nil).Render(rw)
			return
		}
		httperror.InternalError(ctx, "Cannot create task", err, nil).Render(rw)
		return
	}

	log.Ctx(ctx).Infof("[CreateTask] - Created task %s with %d subtask(s)", response.Task.ID, len(response.Subtasks))
	httpjson.RenderStatus(rw, http.StatusCreated, response, httpjson.JSON)
}

// GetMyTasks lists the authenticated requestor's tasks, paginated.
func (h TaskHandler) GetMyTasks(rw http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	userID, err := middleware.GetUserIDFromContext(ctx)
	if err != nil {
		httperror.Unauthorized("", err, nil).Render(rw)
		return
	}

	validator := validators.NewTaskQueryValidator()
	queryParams := validator.ParseParametersFromRequest(req)
	if validator.HasErrors() {
		httperror.BadRequest("Request invalid", nil, validator.Errors).Render(rw)
		return
	}

	queryParams.Filters = validator.ValidateAndGetTaskFilters(queryParams.Filters)
	if validator.HasErrors() {
		httperror.BadRequest("Request invalid", nil, validator.Errors).Render(rw)
		return
	}
	queryParams.Filters[data.FilterKeyUserID] = userID

	totalTasks, err := h.Models.Tasks.Count(ctx, h.DBConnectionPool, queryParams)
	if err != nil {
		httperror.InternalError(ctx, "Cannot retrieve tasks", err, nil).Render(rw)
		return
	}

	if totalTasks == 0 {
		httpjson.RenderStatus(rw, http.StatusOK, httpresponse.NewEmptyPaginatedResponse(), httpjson.JSON)
		return
	}

	tasks, err := h.Models.Tasks.GetAll(ctx, h.DBConnectionPool, queryParams)
	if err != nil {
		httperror.InternalError(ctx, "Cannot retrieve tasks", err, nil).Render(rw)
		return
	}

	response, err := httpresponse.NewPaginatedResponse(req, tasks, queryParams.Page, queryParams.PageLimit, totalTasks)
	if err != nil {
		httperror.InternalError(ctx, "Cannot build paginated response", err, nil).Render(rw)
		return
	}

	httpjson.RenderStatus(rw, http.StatusOK, response, httpjson.JSON)
}

// GetTaskSubtasks returns the subtasks of one of the requestor's tasks,
// including progress and execution state. Tasks owned by other users are
// reported as missing.
func (h TaskHandler) GetTaskSubtasks(rw http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	userID, err := middleware.GetUserIDFromContext(ctx)
	if err != nil {
		httperror.Unauthorized("", err, nil).Render(rw)
		return
	}

	taskID := chi.URLParam(req, "id")

	task, err := h.Models.Tasks.Get(ctx, h.DBConnectionPool, taskID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			httperror.NotFound("", err, nil).Render(rw)
			return
		}
		httperror.InternalError(ctx, "Cannot retrieve task", err, nil).Render(rw)
		return
	}

	if task.UserID != userID {
		httperror.NotFound("", nil, nil).Render(rw)
		return
	}

	subtasks, err := h.Models.Subtasks.GetAllByTaskID(ctx, h.DBConnectionPool, taskID)
	if err != nil {
		httperror.InternalError(ctx, "Cannot retrieve subtasks", err, nil).Render(rw)
		return
	}

	httpjson.RenderStatus(rw, http.StatusOK, map[string]interface{}{
		"task":     task,
		"subtasks": subtasks,
	}, httpjson.JSON)
}
