// Package auth handles credential validation and JWT issuance for the
// TensorGrid API and the device dispatch channel.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tensorgrid/tensorgrid-backend/db"
)

var ErrInvalidToken = errors.New("invalid token")

const defaultTokenExpirationMinutes = 15

// AuthManager is the top-level authentication surface: it validates
// credentials, issues and refreshes tokens, and resolves tokens back to
// users.
type AuthManager interface {
	Authenticate(ctx context.Context, email, pass string) (string, error)
	RefreshToken(ctx context.Context, tokenString string) (string, error)
	ValidateToken(ctx context.Context, tokenString string) (bool, error)
	GetUser(ctx context.Context, tokenString string) (*User, error)
	GetUserID(ctx context.Context, tokenString string) (string, error)
	CreateUser(ctx context.Context, user *User, password string) (*User, error)
	ExpirationTimeInMinutes() time.Duration
}

type defaultAuthManager struct {
	authenticator           Authenticator
	jwtManager              JWTManager
	expirationTimeInMinutes time.Duration
}

var _ AuthManager = (*defaultAuthManager)(nil)

func (am *defaultAuthManager) Authenticate(ctx context.Context, email, pass string) (string, error) {
	user, err := am.authenticator.ValidateCredentials(ctx, email, pass)
	if err != nil {
		return "", fmt.Errorf("validating credentials: %w", err)
	}

	expiresAt := time.Now().Add(am.expirationTimeInMinutes)
	tokenString, err := am.jwtManager.GenerateToken(ctx, user, expiresAt)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}

	return tokenString, nil
}

func (am *defaultAuthManager) RefreshToken(ctx context.Context, tokenString string) (string, error) {
	isValid, err := am.ValidateToken(ctx, tokenString)
	if err != nil {
		return "", fmt.Errorf("validating token: %w", err)
	}
	if !isValid {
		return "", ErrInvalidToken
	}

	expiresAt := time.Now().Add(am.expirationTimeInMinutes)
	tokenString, err = am.jwtManager.RefreshToken(ctx, tokenString, expiresAt)
	if err != nil {
		return "", fmt.Errorf("generating new refreshed token: %w", err)
	}

	return tokenString, nil
}

func (am *defaultAuthManager) ValidateToken(ctx context.Context, tokenString string) (bool, error) {
	isValid, err := am.jwtManager.ValidateToken(ctx, tokenString)
	if err != nil {
		return false, fmt.Errorf("validating token: %w", err)
	}

	return isValid, nil
}

func (am *defaultAuthManager) GetUser(ctx context.Context, tokenString string) (*User, error) {
	isValid, err := am.ValidateToken(ctx, tokenString)
	if err != nil {
		return nil, fmt.Errorf("validating token: %w", err)
	}
	if !isValid {
		return nil, ErrInvalidToken
	}

	user, err := am.jwtManager.GetUserFromToken(ctx, tokenString)
	if err != nil {
		return nil, fmt.Errorf("getting user from token: %w", err)
	}

	return user, nil
}

func (am *defaultAuthManager) GetUserID(ctx context.Context, tokenString string) (string, error) {
	user, err := am.GetUser(ctx, tokenString)
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

func (am *defaultAuthManager) CreateUser(ctx context.Context, user *User, password string) (*User, error) {
	newUser, err := am.authenticator.CreateUser(ctx, user, password)
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return newUser, nil
}

func (am *defaultAuthManager) ExpirationTimeInMinutes() time.Duration {
	return am.expirationTimeInMinutes
}

type AuthManagerOption func(am *defaultAuthManager)

// NewAuthManager builds an AuthManager from the provided options. The token
// expiration defaults to 15 minutes.
func NewAuthManager(options ...AuthManagerOption) AuthManager {
	authManager := &defaultAuthManager{
		expirationTimeInMinutes: defaultTokenExpirationMinutes * time.Minute,
	}

	for _, option := range options {
		option(authManager)
	}

	return authManager
}

// WithDefaultAuthenticatorOption installs the database-backed authenticator.
func WithDefaultAuthenticatorOption(dbConnectionPool db.DBConnectionPool, passwordEncrypter PasswordEncrypter) AuthManagerOption {
	return func(am *defaultAuthManager) {
		am.authenticator = newDefaultAuthenticator(
			withAuthenticatorDatabaseConnectionPool(dbConnectionPool),
			withPasswordEncrypter(passwordEncrypter),
		)
	}
}

// WithCustomAuthenticatorOption replaces the authenticator.
func WithCustomAuthenticatorOption(authenticator Authenticator) AuthManagerOption {
	return func(am *defaultAuthManager) {
		am.authenticator = authenticator
	}
}

// WithDefaultJWTManagerOption installs the HMAC JWT manager with the given
// signing secret, issuer and audience.
func WithDefaultJWTManagerOption(secret, issuer, audience string) AuthManagerOption {
	return func(am *defaultAuthManager) {
		am.jwtManager = newDefaultJWTManager(secret, issuer, audience)
	}
}

// WithCustomJWTManagerOption replaces the JWT manager.
func WithCustomJWTManagerOption(jwtManager JWTManager) AuthManagerOption {
	return func(am *defaultAuthManager) {
		am.jwtManager = jwtManager
	}
}

// WithExpirationTimeInMinutesOption overrides the token lifetime.
func WithExpirationTimeInMinutesOption(minutes int) AuthManagerOption {
	return func(am *defaultAuthManager) {
		am.expirationTimeInMinutes = time.Duration(minutes) * time.Minute
	}
}
