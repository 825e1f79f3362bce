package data

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tensorgrid/tensorgrid-backend/db"
)

// DeviceCapabilities is the hardware self-description a device sends when it
// joins. It is a scheduling hint only; no correctness decision rests on it.
type DeviceCapabilities struct {
	CPUTops float64 `json:"cpuTops"`
	GPUTops float64 `json:"gpuTops"`
	NPUTops float64 `json:"npuTops"`
	RAMGB   float64 `json:"ramGb"`
	Tag     string  `json:"tag,omitempty"`
}

// Value implements the driver.Valuer interface.
func (c DeviceCapabilities) Value() (driver.Value, error) {
	cJSON, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshalling device capabilities: %w", err)
	}
	return cJSON, nil
}

var _ driver.Valuer = (*DeviceCapabilities)(nil)

// Scan implements the sql.Scanner interface.
func (c *DeviceCapabilities) Scan(src interface{}) error {
	if src == nil {
		*c = DeviceCapabilities{}
		return nil
	}

	data, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("unexpected type %T for device capabilities", src)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("unmarshalling capabilities column: %w", err)
	}
	return nil
}

var _ sql.Scanner = (*DeviceCapabilities)(nil)

// Device is one physical machine of a provider, identified by a persistent
// device ID across reconnections. SessionID names the current dispatch
// channel session and is cleared on detach.
type Device struct {
	ID           string             `json:"id" db:"id"`
	UserID       string             `json:"user_id" db:"user_id"`
	Capabilities DeviceCapabilities `json:"capabilities" db:"capabilities"`
	SessionID    *string            `json:"session_id,omitempty" db:"session_id"`
	LastSeenAt   *time.Time         `json:"last_seen_at,omitempty" db:"last_seen_at"`
	CreatedAt    time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at" db:"updated_at"`
}

type DeviceModel struct {
	dbConnectionPool db.DBConnectionPool
}

// Get returns the device with the given ID.
func (m *DeviceModel) Get(ctx context.Context, sqlExec db.SQLExecuter, id string) (*Device, error) {
	const query = `
		SELECT
			id, user_id, capabilities, session_id, last_seen_at, created_at, updated_at
		FROM
			devices
		WHERE
			id = $1
	`

	var device Device
	err := sqlExec.GetContext(ctx, &device, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying device ID %s: %w", id, err)
	}

	return &device, nil
}

// Attach upserts the device on connection open: capabilities and the new
// session ID are stored and the device is marked as just seen. A device ID
// stays bound to the user that first registered it.
func (m *DeviceModel) Attach(ctx context.Context, sqlExec db.SQLExecuter, deviceID, userID, sessionID string, capabilities DeviceCapabilities) (*Device, error) {
	if deviceID == "" || userID == "" || sessionID == "" {
		return nil, fmt.Errorf("device, user and session IDs are required: %w", ErrMissingInput)
	}

	const query = `
		INSERT INTO devices
			(id, user_id, capabilities, session_id, last_seen_at)
		VALUES
			($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE
		SET capabilities = EXCLUDED.capabilities,
			session_id = EXCLUDED.session_id,
			last_seen_at = NOW()
		WHERE devices.user_id = EXCLUDED.user_id
		RETURNING
			id, user_id, capabilities, session_id, last_seen_at, created_at, updated_at
	`

	var device Device
	err := sqlExec.GetContext(ctx, &device, query, deviceID, userID, capabilities, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The conflict branch matched a device owned by somebody else.
			return nil, fmt.Errorf("device %s is registered to another user: %w", deviceID, ErrRecordAlreadyExists)
		}
		return nil, fmt.Errorf("attaching device %s: %w", deviceID, err)
	}

	return &device, nil
}

// UpdateLastSeen records that the device gave a sign of life.
func (m *DeviceModel) UpdateLastSeen(ctx context.Context, sqlExec db.SQLExecuter, deviceID string) error {
	const query = `
		UPDATE devices
		SET last_seen_at = NOW()
		WHERE id = $1
	`

	result, err := sqlExec.ExecContext(ctx, query, deviceID)
	if err != nil {
		return fmt.Errorf("updating last seen of device %s: %w", deviceID, err)
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

// Detach clears the device session, but only when sessionID still is the
// current one. It reports whether the session was cleared, so a stale
// disconnect of a superseded session does not tear down the replacement.
func (m *DeviceModel) Detach(ctx context.Context, sqlExec db.SQLExecuter, deviceID, sessionID string) (bool, error) {
	const query = `
		UPDATE devices
		SET session_id = NULL,
			last_seen_at = NOW()
		WHERE id = $1
		AND session_id = $2
	`

	result, err := sqlExec.ExecContext(ctx, query, deviceID, sessionID)
	if err != nil {
		return false, fmt.Errorf("detaching device %s: %w", deviceID, err)
	}

	numRowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting number of rows affected: %w", err)
	}

	return numRowsAffected == 1, nil
}
