package auth

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// AuthManagerMock mocks AuthManager for handler and middleware tests.
type AuthManagerMock struct {
	mock.Mock
}

var _ AuthManager = (*AuthManagerMock)(nil)

func (am *AuthManagerMock) Authenticate(ctx context.Context, email, pass string) (string, error) {
	args := am.Called(ctx, email, pass)
	return args.String(0), args.Error(1)
}

func (am *AuthManagerMock) RefreshToken(ctx context.Context, tokenString string) (string, error) {
	args := am.Called(ctx, tokenString)
	return args.String(0), args.Error(1)
}

func (am *AuthManagerMock) ValidateToken(ctx context.Context, tokenString string) (bool, error) {
	args := am.Called(ctx, tokenString)
	return args.Bool(0), args.Error(1)
}

func (am *AuthManagerMock) GetUser(ctx context.Context, tokenString string) (*User, error) {
	args := am.Called(ctx, tokenString)
	if user := args.Get(0); user != nil {
		return user.(*User), args.Error(1)
	}
	return nil, args.Error(1)
}

func (am *AuthManagerMock) GetUserID(ctx context.Context, tokenString string) (string, error) {
	args := am.Called(ctx, tokenString)
	return args.String(0), args.Error(1)
}

func (am *AuthManagerMock) CreateUser(ctx context.Context, user *User, password string) (*User, error) {
	args := am.Called(ctx, user, password)
	if newUser := args.Get(0); newUser != nil {
		return newUser.(*User), args.Error(1)
	}
	return nil, args.Error(1)
}

func (am *AuthManagerMock) ExpirationTimeInMinutes() time.Duration {
	args := am.Called()
	return args.Get(0).(time.Duration)
}
