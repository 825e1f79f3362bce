package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret   = "jwt_secret_1234567890"
	testIssuer   = "tensorgrid"
	testAudience = "tensorgrid-api"
)

func Test_DefaultJWTManager_GenerateTokenAndGetUserFromToken(t *testing.T) {
	ctx := context.Background()
	jwtManager := newDefaultJWTManager(testSecret, testIssuer, testAudience)

	user := &User{ID: "user-id", Email: "provider@tensorgrid.io", IsActive: true}
	tokenString, err := jwtManager.GenerateToken(ctx, user, time.Now().Add(15*time.Minute))
	require.NoError(t, err)
	require.NotEmpty(t, tokenString)

	gotUser, err := jwtManager.GetUserFromToken(ctx, tokenString)
	require.NoError(t, err)
	assert.Equal(t, user, gotUser)
}

func Test_DefaultJWTManager_ValidateToken(t *testing.T) {
	ctx := context.Background()
	jwtManager := newDefaultJWTManager(testSecret, testIssuer, testAudience)
	user := &User{ID: "user-id", Email: "provider@tensorgrid.io"}

	t.Run("valid token", func(t *testing.T) {
		tokenString, err := jwtManager.GenerateToken(ctx, user, time.Now().Add(time.Minute))
		require.NoError(t, err)

		isValid, err := jwtManager.ValidateToken(ctx, tokenString)
		require.NoError(t, err)
		assert.True(t, isValid)
	})

	t.Run("expired token is invalid", func(t *testing.T) {
		tokenString, err := jwtManager.GenerateToken(ctx, user, time.Now().Add(-time.Minute))
		require.NoError(t, err)

		isValid, err := jwtManager.ValidateToken(ctx, tokenString)
		require.NoError(t, err)
		assert.False(t, isValid)
	})

	t.Run("garbage token is invalid", func(t *testing.T) {
		isValid, err := jwtManager.ValidateToken(ctx, "not.a.token")
		require.NoError(t, err)
		assert.False(t, isValid)
	})

	t.Run("token signed with a different secret is invalid", func(t *testing.T) {
		otherManager := newDefaultJWTManager("another_secret_0987654321", testIssuer, testAudience)
		tokenString, err := otherManager.GenerateToken(ctx, user, time.Now().Add(time.Minute))
		require.NoError(t, err)

		isValid, err := jwtManager.ValidateToken(ctx, tokenString)
		require.NoError(t, err)
		assert.False(t, isValid)
	})

	t.Run("token with mismatched issuer is invalid", func(t *testing.T) {
		otherManager := newDefaultJWTManager(testSecret, "someone-else", testAudience)
		tokenString, err := otherManager.GenerateToken(ctx, user, time.Now().Add(time.Minute))
		require.NoError(t, err)

		isValid, err := jwtManager.ValidateToken(ctx, tokenString)
		require.NoError(t, err)
		assert.False(t, isValid)
	})
}

func Test_DefaultJWTManager_RefreshToken(t *testing.T) {
	ctx := context.Background()
	jwtManager := newDefaultJWTManager(testSecret, testIssuer, testAudience)
	user := &User{ID: "user-id", Email: "provider@tensorgrid.io"}

	t.Run("token far from expiring is returned unchanged", func(t *testing.T) {
		tokenString, err := jwtManager.GenerateToken(ctx, user, time.Now().Add(15*time.Minute))
		require.NoError(t, err)

		refreshed, err := jwtManager.RefreshToken(ctx, tokenString, time.Now().Add(15*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, tokenString, refreshed)
	})

	t.Run("token close to expiring is re-issued", func(t *testing.T) {
		tokenString, err := jwtManager.GenerateToken(ctx, user, time.Now().Add(time.Minute))
		require.NoError(t, err)

		refreshed, err := jwtManager.RefreshToken(ctx, tokenString, time.Now().Add(15*time.Minute))
		require.NoError(t, err)
		assert.NotEqual(t, tokenString, refreshed)

		gotUser, err := jwtManager.GetUserFromToken(ctx, refreshed)
		require.NoError(t, err)
		assert.Equal(t, user, gotUser)
	})
}
