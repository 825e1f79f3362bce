package data

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tensorgrid/tensorgrid-backend/db"
)

const (
	APIKeyPrefix      = "TG_"
	apiKeySecretSize  = 32
	maxKeygenAttempts = 3
)

// alphabet is the allowed character set for the keygen
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// APIKey authenticates server-to-server intake calls. Only the SHA-256 hash
// of the secret is stored; the raw key is returned exactly once, on
// creation.
type APIKey struct {
	ID         string     `db:"id" json:"id"`
	UserID     string     `db:"user_id" json:"user_id"`
	Name       string     `db:"name" json:"name"`
	KeyHash    string     `db:"key_hash" json:"-"`
	ExpiresAt  *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	Key        string     `db:"-" json:"key,omitempty"`
}

func (a *APIKey) IsExpired() bool {
	if a.ExpiresAt == nil {
		return false
	}
	return time.Now().UTC().After(*a.ExpiresAt)
}

type APIKeyModel struct {
	dbConnectionPool db.DBConnectionPool
}

// Insert creates, stores, and returns a new APIKey (including the raw key once).
func (m *APIKeyModel) Insert(ctx context.Context, userID, name string, expiresAt *time.Time) (*APIKey, error) {
	if userID == "" || name == "" {
		return nil, fmt.Errorf("user ID and name are required: %w", ErrMissingInput)
	}

	const query = `
		INSERT INTO api_keys
			(user_id, name, key_hash, expires_at)
		VALUES
			($1, $2, $3, $4)
		RETURNING
			id, created_at
	`

	for attempt := 1; attempt <= maxKeygenAttempts; attempt++ {
		secret, err := generateSecret()
		if err != nil {
			return nil, err
		}

		apiKey := &APIKey{
			UserID:    userID,
			Name:      name,
			KeyHash:   hashAPIKeySecret(secret),
			ExpiresAt: expiresAt,
		}

		row := m.dbConnectionPool.QueryRowxContext(ctx, query, userID, name, apiKey.KeyHash, expiresAt)
		if err = row.Scan(&apiKey.ID, &apiKey.CreatedAt); err != nil {
			// hash collision (unique violation) - retry
			if db.IsUniqueConstraintViolation(err) && attempt < maxKeygenAttempts {
				continue
			}
			return nil, fmt.Errorf("inserting API key: %w", err)
		}

		apiKey.Key = APIKeyPrefix + secret
		return apiKey, nil
	}

	return nil, fmt.Errorf("could not generate a unique API key after %d attempts", maxKeygenAttempts)
}

// ValidateRawKey resolves a presented raw key to its row. It returns
// ErrRecordNotFound for unknown keys and keys past their expiry.
func (m *APIKeyModel) ValidateRawKey(ctx context.Context, rawKey string) (*APIKey, error) {
	secret, found := strings.CutPrefix(rawKey, APIKeyPrefix)
	if !found || secret == "" {
		return nil, ErrRecordNotFound
	}

	const query = `
		SELECT
			id, user_id, name, key_hash, expires_at, last_used_at, created_at
		FROM
			api_keys
		WHERE
			key_hash = $1
	`

	var apiKey APIKey
	err := m.dbConnectionPool.GetContext(ctx, &apiKey, query, hashAPIKeySecret(secret))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying API key: %w", err)
	}

	if apiKey.IsExpired() {
		return nil, ErrRecordNotFound
	}

	return &apiKey, nil
}

// ValidateRawKeyAndUpdateLastUsed resolves a presented raw key and stamps
// its last-used time in one go. Used by the API key auth middleware.
func (m *APIKeyModel) ValidateRawKeyAndUpdateLastUsed(ctx context.Context, rawKey string) (*APIKey, error) {
	apiKey, err := m.ValidateRawKey(ctx, rawKey)
	if err != nil {
		return nil, err
	}

	if err = m.UpdateLastUsed(ctx, apiKey.ID); err != nil {
		return nil, fmt.Errorf("stamping last used of API key %s: %w", apiKey.ID, err)
	}

	return apiKey, nil
}

// UpdateLastUsed records that the key just authenticated a request.
func (m *APIKeyModel) UpdateLastUsed(ctx context.Context, id string) error {
	result, err := m.dbConnectionPool.ExecContext(ctx, "UPDATE api_keys SET last_used_at = NOW() WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("updating last used of API key %s: %w", id, err)
	}

	numRowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting number of rows affected: %w", err)
	}
	if numRowsAffected == 0 {
		return ErrRecordNotFound
	}

	return nil
}

// GetAllByUserID lists the user's keys, newest first. Hashes stay internal.
func (m *APIKeyModel) GetAllByUserID(ctx context.Context, userID string) ([]*APIKey, error) {
	const query = `
		SELECT
			id, user_id, name, expires_at, last_used_at, created_at
		FROM
			api_keys
		WHERE
			user_id = $1
		ORDER BY
			created_at DESC
	`

	apiKeys := []*APIKey{}
	err := m.dbConnectionPool.SelectContext(ctx, &apiKeys, query, userID)
	if err != nil {
		return nil, fmt.Errorf("selecting API keys: %w", err)
	}

	return apiKeys, nil
}

// Delete removes a key, scoped to its owner.
func (m *APIKeyModel) Delete(ctx context.Context, id, userID string) error {
	result, err := m.dbConnectionPool.ExecContext(ctx,
		"DELETE FROM api_keys WHERE id = $1 AND user_id = $2", id, userID)
	if err != nil {
		return fmt.Errorf("deleting API key %s: %w", id, err)
	}

	numRowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting number of rows affected: %w", err)
	}
	if numRowsAffected == 0 {
		return ErrRecordNotFound
	}

	return nil
}

func hashAPIKeySecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func generateSecret() (string, error) {
	secBytes := make([]byte, apiKeySecretSize)
	if _, err := rand.Read(secBytes); err != nil {
		return "", fmt.Errorf("secret gen: %w", err)
	}
	defer func() {
		for i := range secBytes {
			secBytes[i] = 0
		}
	}()

	out := make([]byte, apiKeySecretSize)
	for i, b := range secBytes {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}
