package data

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_QueryBuilder(t *testing.T) {
	t.Run("Test AddCondition", func(t *testing.T) {
		qb := NewQueryBuilder("SELECT * FROM tasks")

		qb.AddCondition("name = ?", "Task 1")
		actual, params := qb.Build()

		expectedQuery := "SELECT * FROM tasks WHERE 1=1 AND name = ?"

		assert.Equal(t, expectedQuery, actual)
		assert.Equal(t, []interface{}{"Task 1"}, params)
	})

	t.Run("Test AddCondition multiple params", func(t *testing.T) {
		qb := NewQueryBuilder("SELECT * FROM users")

		qb.AddCondition("(id ILIKE ? OR email ILIKE ?)", "id", "mock@email.com")
		actual, params := qb.Build()

		expectedQuery := "SELECT * FROM users WHERE 1=1 AND (id ILIKE ? OR email ILIKE ?)"

		assert.Equal(t, expectedQuery, actual)
		assert.Equal(t, []interface{}{"id", "mock@email.com"}, params)
	})

	t.Run("Test AddSorting", func(t *testing.T) {
		qb := NewQueryBuilder("SELECT * FROM tasks t")

		qb.AddSorting("created_at", "DESC", "t")
		actual, _ := qb.Build()

		expectedQuery := "SELECT * FROM tasks t ORDER BY t.created_at DESC"
		assert.Equal(t, expectedQuery, actual)
	})

	t.Run("Test AddPagination", func(t *testing.T) {
		qb := NewQueryBuilder("SELECT * FROM tasks t")

		qb.AddPagination(2, 20)
		actual, params := qb.Build()

		expectedQuery := "SELECT * FROM tasks t LIMIT ? OFFSET ?"
		assert.Equal(t, expectedQuery, actual)
		assert.Equal(t, []interface{}{20, 20}, params)
	})

	t.Run("Test Full query", func(t *testing.T) {
		qb := NewQueryBuilder("SELECT * FROM tasks t")
		qb.AddCondition("name = ?", "Task 1")
		qb.AddSorting("created_at", "DESC", "t")
		qb.AddPagination(2, 20)
		actual, params := qb.Build()

		expectedQuery := "SELECT * FROM tasks t WHERE 1=1 AND name = ? ORDER BY t.created_at DESC LIMIT ? OFFSET ?"
		assert.Equal(t, expectedQuery, actual)
		assert.Equal(t, []interface{}{"Task 1", 20, 20}, params)
	})
}
