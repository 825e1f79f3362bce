package validators

import (
	"github.com/tensorgrid/tensorgrid-backend/internal/data"
)

type TaskQueryValidator struct {
	QueryValidator
}

// NewTaskQueryValidator creates a new TaskQueryValidator with the provided configuration.
func NewTaskQueryValidator() *TaskQueryValidator {
	return &TaskQueryValidator{
		QueryValidator: QueryValidator{
			DefaultSortField:  data.DefaultTaskSortField,
			DefaultSortOrder:  data.DefaultTaskSortOrder,
			AllowedSortFields: data.AllowedTaskSorts,
			AllowedFilters:    data.AllowedTaskFilters,
			Validator:         NewValidator(),
		},
	}
}

// ValidateAndGetTaskFilters validates the filters and returns a map of valid filters.
func (qv *TaskQueryValidator) ValidateAndGetTaskFilters(filters map[data.FilterKey]interface{}) map[data.FilterKey]interface{} {
	validFilters := make(map[data.FilterKey]interface{})
	if filters[data.FilterKeyStatus] != nil {
		validFilters[data.FilterKeyStatus] = qv.validateAndGetTaskStatus(filters[data.FilterKeyStatus].(string))
	}

	createdAtAfter := qv.ValidateAndGetTimeParams("created_at_after", filters[data.FilterKeyCreatedAtAfter])
	createdAtBefore := qv.ValidateAndGetTimeParams("created_at_before", filters[data.FilterKeyCreatedAtBefore])

	if qv.HasErrors() {
		return validFilters
	}

	if !createdAtAfter.IsZero() && !createdAtBefore.IsZero() && createdAtAfter.After(createdAtBefore) {
		qv.AddError("created_at_after", "created_at_after must be before created_at_before")
		return validFilters
	}

	if !createdAtAfter.IsZero() {
		validFilters[data.FilterKeyCreatedAtAfter] = createdAtAfter
	}
	if !createdAtBefore.IsZero() {
		validFilters[data.FilterKeyCreatedAtBefore] = createdAtBefore
	}
	return validFilters
}

// validateAndGetTaskStatus validates the status parameter and returns the corresponding TaskStatus.
func (qv *TaskQueryValidator) validateAndGetTaskStatus(status string) data.TaskStatus {
	taskStatus, err := data.ToTaskStatus(status)
	if err != nil {
		qv.CheckError(err, "status", "invalid parameter. valid values are: PENDING, IN_PROGRESS, COMPLETED, FAILED")
		return ""
	}
	return taskStatus
}
