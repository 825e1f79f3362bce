package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	MinPasswordLength = 8
	MaxPasswordLength = 72
)

var ErrPasswordTooShort = errors.New("password should have at least 8 characters")

// PasswordEncrypter hashes passwords and compares a password with its
// stored hash.
type PasswordEncrypter interface {
	Encrypt(ctx context.Context, password string) (string, error)
	ComparePassword(ctx context.Context, encryptedPassword, password string) (bool, error)
}

// DefaultPasswordEncrypter hashes with bcrypt at the default cost.
type DefaultPasswordEncrypter struct{}

var _ PasswordEncrypter = (*DefaultPasswordEncrypter)(nil)

func NewDefaultPasswordEncrypter() *DefaultPasswordEncrypter {
	return &DefaultPasswordEncrypter{}
}

func (e *DefaultPasswordEncrypter) Encrypt(ctx context.Context, password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrPasswordTooShort
	}

	encryptedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("encrypting password: %w", err)
	}

	return string(encryptedPassword), nil
}

func (e *DefaultPasswordEncrypter) ComparePassword(ctx context.Context, encryptedPassword, password string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(encryptedPassword), []byte(password))
	if err != nil && !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, fmt.Errorf("comparing encrypted password and password: %w", err)
	}
	return err == nil, nil
}
