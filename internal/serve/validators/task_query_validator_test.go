package validators

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tensorgrid/tensorgrid-backend/internal/data"
)

func Test_TaskQueryValidator_ParseParametersFromRequest(t *testing.T) {
	t.Run("defaults are applied when no parameters are provided", func(t *testing.T) {
		validator := NewTaskQueryValidator()
		r := httptest.NewRequest("GET", "/api/tasks/my-tasks", nil)

		params := validator.ParseParametersFromRequest(r)

		assert.False(t, validator.HasErrors())
		assert.Equal(t, 1, params.Page)
		assert.Equal(t, 20, params.PageLimit)
		assert.Equal(t, data.SortFieldCreatedAt, params.SortBy)
		assert.Equal(t, data.SortOrderDESC, params.SortOrder)
	})

	t.Run("invalid sort field is rejected", func(t *testing.T) {
		validator := NewTaskQueryValidator()
		r := httptest.NewRequest("GET", "/api/tasks/my-tasks?sort=cost_usd", nil)

		validator.ParseParametersFromRequest(r)

		assert.True(t, validator.HasErrors())
		assert.Equal(t, "invalid sort field name", validator.Errors["sort"])
	})

	t.Run("invalid direction is rejected", func(t *testing.T) {
		validator := NewTaskQueryValidator()
		r := httptest.NewRequest("GET", "/api/tasks/my-tasks?direction=sideways", nil)

		validator.ParseParametersFromRequest(r)

		assert.True(t, validator.HasErrors())
		assert.Equal(t, "invalid sort order. valid values are 'asc' and 'desc'", validator.Errors["direction"])
	})

	t.Run("status filter is captured", func(t *testing.T) {
		validator := NewTaskQueryValidator()
		r := httptest.NewRequest("GET", "/api/tasks/my-tasks?status=COMPLETED", nil)

		params := validator.ParseParametersFromRequest(r)

		assert.False(t, validator.HasErrors())
		assert.Equal(t, "COMPLETED", params.Filters[data.FilterKeyStatus])
	})
}

func Test_TaskQueryValidator_ValidateAndGetTaskFilters(t *testing.T) {
	t.Run("valid status is normalized", func(t *testing.T) {
		validator := NewTaskQueryValidator()

		filters := validator.ValidateAndGetTaskFilters(map[data.FilterKey]interface{}{
			data.FilterKeyStatus: "in_progress",
		})

		assert.False(t, validator.HasErrors())
		assert.Equal(t, data.InProgressTaskStatus, filters[data.FilterKeyStatus])
	})

	t.Run("invalid status is rejected", func(t *testing.T) {
		validator := NewTaskQueryValidator()

		validator.ValidateAndGetTaskFilters(map[data.FilterKey]interface{}{
			data.FilterKeyStatus: "RUNNING",
		})

		assert.True(t, validator.HasErrors())
		assert.Contains(t, validator.Errors, "status")
	})

	t.Run("created_at range is validated", func(t *testing.T) {
		validator := NewTaskQueryValidator()

		filters := validator.ValidateAndGetTaskFilters(map[data.FilterKey]interface{}{
			data.FilterKeyCreatedAtAfter:  "2026-01-01",
			data.FilterKeyCreatedAtBefore: "2026-02-01",
		})

		assert.False(t, validator.HasErrors())
		assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), filters[data.FilterKeyCreatedAtAfter])
		assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), filters[data.FilterKeyCreatedAtBefore])
	})

	t.Run("inverted created_at range is rejected", func(t *testing.T) {
		validator := NewTaskQueryValidator()

		validator.ValidateAndGetTaskFilters(map[data.FilterKey]interface{}{
			data.FilterKeyCreatedAtAfter:  "2026-02-01",
			data.FilterKeyCreatedAtBefore: "2026-01-01",
		})

		assert.True(t, validator.HasErrors())
		assert.Equal(t, "created_at_after must be before created_at_before", validator.Errors["created_at_after"])
	})
}
