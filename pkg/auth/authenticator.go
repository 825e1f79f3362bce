package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/asaskevich/govalidator"

	"github.com/tensorgrid/tensorgrid-backend/db"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserEmailAlreadyExists = errors.New("a user with this email already exists")
)

// User is the authentication-facing view of an application user. Balance
// and capability data live in the data layer.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	IsActive bool   `json:"is_active"`
}

func (u *User) Validate() error {
	if u.Email == "" {
		return fmt.Errorf("email is required")
	}
	if !govalidator.IsEmail(u.Email) {
		return fmt.Errorf("email is invalid")
	}
	return nil
}

type Authenticator interface {
	ValidateCredentials(ctx context.Context, email, password string) (*User, error)
	CreateUser(ctx context.Context, user *User, password string) (*User, error)
}

type defaultAuthenticator struct {
	dbConnectionPool  db.DBConnectionPool
	passwordEncrypter PasswordEncrypter
}

var _ Authenticator = (*defaultAuthenticator)(nil)

type authUser struct {
	ID                string `db:"id"`
	Email             string `db:"email"`
	EncryptedPassword string `db:"encrypted_password"`
	IsActive          bool   `db:"is_active"`
}

func (a *defaultAuthenticator) ValidateCredentials(ctx context.Context, email, password string) (*User, error) {
	const query = `
		SELECT
			u.id,
			u.email,
			u.encrypted_password,
			u.is_active
		FROM
			users u
		WHERE
			email = $1 AND is_active = true
	`

	au := authUser{}
	err := a.dbConnectionPool.GetContext(ctx, &au, query, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}

		return nil, fmt.Errorf("querying user: %w", err)
	}

	isEqual, err := a.passwordEncrypter.ComparePassword(ctx, au.EncryptedPassword, password)
	if err != nil {
		return nil, fmt.Errorf("comparing password: %w", err)
	}
	if !isEqual {
		return nil, ErrInvalidCredentials
	}

	return &User{
		ID:       au.ID,
		Email:    au.Email,
		IsActive: au.IsActive,
	}, nil
}

// CreateUser inserts a new active user with the given password.
func (a *defaultAuthenticator) CreateUser(ctx context.Context, user *User, password string) (*User, error) {
	if err := user.Validate(); err != nil {
		return nil, fmt.Errorf("validating user fields: %w", err)
	}

	encryptedPassword, err := a.passwordEncrypter.Encrypt(ctx, password)
	if err != nil {
		if errors.Is(err, ErrPasswordTooShort) {
			return nil, err
		}
		return nil, fmt.Errorf("encrypting password: %w", err)
	}

	const query = `
		INSERT INTO users
			(email, encrypted_password, is_active)
		VALUES
			($1, $2, true)
		RETURNING id
	`

	var userID string
	err = a.dbConnectionPool.GetContext(ctx, &userID, query, user.Email, encryptedPassword)
	if err != nil {
		if db.IsUniqueConstraintViolation(err) {
			return nil, ErrUserEmailAlreadyExists
		}
		return nil, fmt.Errorf("inserting user: %w", err)
	}

	return &User{ID: userID, Email: user.Email, IsActive: true}, nil
}

type defaultAuthenticatorOption func(a *defaultAuthenticator)

func newDefaultAuthenticator(options ...defaultAuthenticatorOption) *defaultAuthenticator {
	authenticator := &defaultAuthenticator{}
	for _, option := range options {
		option(authenticator)
	}
	return authenticator
}

func withAuthenticatorDatabaseConnectionPool(dbConnectionPool db.DBConnectionPool) defaultAuthenticatorOption {
	return func(a *defaultAuthenticator) {
		a.dbConnectionPool = dbConnectionPool
	}
}

func withPasswordEncrypter(passwordEncrypter PasswordEncrypter) defaultAuthenticatorOption {
	return func(a *defaultAuthenticator) {
		a.passwordEncrypter = passwordEncrypter
	}
}
