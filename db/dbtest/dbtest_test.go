package dbtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	db := Open(t)
	defer db.Close()
	session := db.Open()
	defer session.Close()

	count := 0

	// Auth migrations
	err := session.Get(&count, `SELECT COUNT(*) FROM auth_migrations`)
	require.NoError(t, err)
	assert.Greater(t, count, 0)

	// Core migrations
	err = session.Get(&count, `SELECT COUNT(*) FROM core_migrations`)
	require.NoError(t, err)
	assert.Greater(t, count, 0)

	// Core tables reference auth tables, so both sets must land on the same database.
	err = session.Get(&count, `SELECT COUNT(*) FROM subtasks`)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestOpenWithAuthMigrationsOnly(t *testing.T) {
	db := OpenWithAuthMigrationsOnly(t)
	defer db.Close()
	session := db.Open()
	defer session.Close()

	count := 0
	err := session.Get(&count, `SELECT COUNT(*) FROM users`)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	err = session.Get(&count, `SELECT COUNT(*) FROM tasks`)
	require.Error(t, err)
}
