package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	jwtgo "github.com/golang-jwt/jwt/v4"
)

const defaultRefreshTimeoutInMinutes = 2

type JWTManager interface {
	GenerateToken(ctx context.Context, user *User, expiresAt time.Time) (string, error)
	RefreshToken(ctx context.Context, token string, expiresAt time.Time) (string, error)
	ValidateToken(ctx context.Context, token string) (bool, error)
	GetUserFromToken(ctx context.Context, token string) (*User, error)
}

type claims struct {
	User *User `json:"user"`
	jwtgo.RegisteredClaims
}

// defaultJWTManager signs and verifies tokens with an HMAC-SHA256 secret,
// pinning the configured issuer and audience.
type defaultJWTManager struct {
	secret   []byte
	issuer   string
	audience string
}

var _ JWTManager = (*defaultJWTManager)(nil)

func newDefaultJWTManager(secret, issuer, audience string) *defaultJWTManager {
	return &defaultJWTManager{secret: []byte(secret), issuer: issuer, audience: audience}
}

func (m *defaultJWTManager) parseToken(tokenString string) (*jwtgo.Token, *claims, error) {
	c := &claims{}
	token, err := jwtgo.ParseWithClaims(tokenString, c, func(t *jwtgo.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtgo.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		var vErr *jwtgo.ValidationError
		if !errors.As(err, &vErr) {
			return nil, nil, fmt.Errorf("parsing token: %w", err)
		}

		if vErr.Errors == jwtgo.ValidationErrorUnverifiable {
			return nil, nil, fmt.Errorf("invalid key: %w", err)
		}

		return nil, nil, ErrInvalidToken
	}

	if m.issuer != "" && !c.VerifyIssuer(m.issuer, true) {
		return nil, nil, ErrInvalidToken
	}
	if m.audience != "" && !c.VerifyAudience(m.audience, true) {
		return nil, nil, ErrInvalidToken
	}

	return token, c, nil
}

func (m *defaultJWTManager) GenerateToken(ctx context.Context, user *User, expiresAt time.Time) (string, error) {
	c := &claims{
		User: user,
		RegisteredClaims: jwtgo.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    m.issuer,
			Audience:  jwtgo.ClaimStrings{m.audience},
			IssuedAt:  jwtgo.NewNumericDate(time.Now()),
			ExpiresAt: jwtgo.NewNumericDate(expiresAt),
		},
	}

	token := jwtgo.NewWithClaims(jwtgo.SigningMethodHS256, c)

	tokenString, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	return tokenString, nil
}

func (m *defaultJWTManager) RefreshToken(ctx context.Context, tokenString string, expiresAt time.Time) (string, error) {
	_, c, err := m.parseToken(tokenString)
	if err != nil {
		return "", fmt.Errorf("parsing token to be refreshed: %w", err)
	}

	// Only mint a new token when the current one is close to expiring.
	if time.Until(c.ExpiresAt.Time) > defaultRefreshTimeoutInMinutes*time.Minute {
		return tokenString, nil
	}

	tokenString, err = m.GenerateToken(ctx, c.User, expiresAt)
	if err != nil {
		return "", fmt.Errorf("generating new refreshed token: %w", err)
	}

	return tokenString, nil
}

func (m *defaultJWTManager) ValidateToken(ctx context.Context, tokenString string) (bool, error) {
	token, _, err := m.parseToken(tokenString)
	if errors.Is(err, ErrInvalidToken) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("parsing token to be validated: %w", err)
	}

	return token.Valid, nil
}

func (m *defaultJWTManager) GetUserFromToken(ctx context.Context, tokenString string) (*User, error) {
	_, c, err := m.parseToken(tokenString)
	if err != nil {
		return nil, fmt.Errorf("parsing token to get user: %w", err)
	}
	if c.User == nil {
		return nil, ErrInvalidToken
	}

	return c.User, nil
}
