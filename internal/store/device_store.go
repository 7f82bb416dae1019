package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DeviceStore defines the interface for device persistence.
type DeviceStore interface {
	// List retrieves all devices ordered by ID.
	List(ctx context.Context) ([]Device, error)

	// Get retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	Get(ctx context.Context, id int64) (*Device, error)

	// GetByCode retrieves a device by its device code. The code is
	// normalised before lookup.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByCode(ctx context.Context, code string) (*Device, error)

	// Create inserts a new device, filling in ID and timestamps. The
	// device code is normalised and validated first.
	// Returns ErrDeviceExists if the name or code is already taken.
	Create(ctx context.Context, d *Device) error

	// Update modifies an existing device.
	// Returns ErrDeviceNotFound if the device does not exist and
	// ErrDeviceExists on a name or code collision.
	Update(ctx context.Context, d *Device) error

	// Delete removes a device by ID.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id int64) error
}

// SQLDeviceStore implements DeviceStore using database/sql.
type SQLDeviceStore struct {
	db *sql.DB
}

// NewSQLDeviceStore creates a new SQL-backed device store.
// The db parameter should be an open connection with migrations applied.
func NewSQLDeviceStore(db *sql.DB) *SQLDeviceStore {
	return &SQLDeviceStore{db: db}
}

const deviceColumns = `id, device_code, name, protocol_template_id, connection_params,
	template_variables, poll_interval, enabled, created_at, updated_at`

// List retrieves all devices ordered by ID.
func (s *SQLDeviceStore) List(ctx context.Context) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	return devices, nil
}

// Get retrieves a device by its unique identifier.
func (s *SQLDeviceStore) Get(ctx context.Context, id int64) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = ?`

	d, err := scanDeviceRow(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// GetByCode retrieves a device by its normalised device code.
func (s *SQLDeviceStore) GetByCode(ctx context.Context, code string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_code = ?`

	d, err := scanDeviceRow(s.db.QueryRowContext(ctx, query, NormaliseDeviceCode(code)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by code: %w", err)
	}
	return d, nil
}

// Create inserts a new device.
func (s *SQLDeviceStore) Create(ctx context.Context, d *Device) error {
	if err := d.Validate(); err != nil {
		return err
	}

	connJSON, varsJSON, err := marshalDeviceMaps(d)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.PollInterval <= 0 {
		d.PollInterval = 1.0
	}

	query := `
		INSERT INTO devices
			(device_code, name, protocol_template_id, connection_params,
			 template_variables, poll_interval, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		d.DeviceCode,
		d.Name,
		d.ProtocolTemplateID,
		connJSON,
		varsJSON,
		d.PollInterval,
		boolToInt(d.Enabled),
		d.CreatedAt.Format(time.RFC3339),
		d.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading device id: %w", err)
	}
	d.ID = id

	return nil
}

// Update modifies an existing device.
func (s *SQLDeviceStore) Update(ctx context.Context, d *Device) error {
	if err := d.Validate(); err != nil {
		return err
	}

	connJSON, varsJSON, err := marshalDeviceMaps(d)
	if err != nil {
		return err
	}

	d.UpdatedAt = time.Now().UTC()
	if d.PollInterval <= 0 {
		d.PollInterval = 1.0
	}

	query := `
		UPDATE devices SET
			device_code = ?, name = ?, protocol_template_id = ?,
			connection_params = ?, template_variables = ?,
			poll_interval = ?, enabled = ?, updated_at = ?
		WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query,
		d.DeviceCode,
		d.Name,
		d.ProtocolTemplateID,
		connJSON,
		varsJSON,
		d.PollInterval,
		boolToInt(d.Enabled),
		d.UpdatedAt.Format(time.RFC3339),
		d.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("updating device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// Delete removes a device by ID.
func (s *SQLDeviceStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// marshalDeviceMaps renders the JSON columns for a device row. Nil maps
// become empty objects so the columns never hold SQL NULL.
func marshalDeviceMaps(d *Device) (connJSON, varsJSON string, err error) {
	conn := d.ConnectionParams
	if conn == nil {
		conn = map[string]any{}
	}
	vars := d.TemplateVariables
	if vars == nil {
		vars = map[string]any{}
	}

	connBytes, err := json.Marshal(conn)
	if err != nil {
		return "", "", fmt.Errorf("marshalling connection_params: %w", err)
	}
	varsBytes, err := json.Marshal(vars)
	if err != nil {
		return "", "", fmt.Errorf("marshalling template_variables: %w", err)
	}
	return string(connBytes), string(varsBytes), nil
}

// scanDeviceRow scans a row or rows result into a Device.
func scanDeviceRow(scanner rowScanner) (*Device, error) {
	var d Device
	var connJSON, varsJSON string
	var enabled int
	var createdAt, updatedAt string

	err := scanner.Scan(
		&d.ID,
		&d.DeviceCode,
		&d.Name,
		&d.ProtocolTemplateID,
		&connJSON,
		&varsJSON,
		&d.PollInterval,
		&enabled,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Enabled = enabled != 0

	// Tolerate hand-edited rows: unreadable parameter maps degrade to
	// empty maps rather than poisoning every list call.
	if err := json.Unmarshal([]byte(connJSON), &d.ConnectionParams); err != nil {
		d.ConnectionParams = map[string]any{}
	}
	if err := json.Unmarshal([]byte(varsJSON), &d.TemplateVariables); err != nil {
		d.TemplateVariables = map[string]any{}
	}

	var parseErr error
	d.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	d.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	return &d, nil
}
