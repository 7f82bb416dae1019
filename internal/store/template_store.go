package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TemplateStore defines the interface for protocol template persistence.
// This abstraction allows for different implementations (SQL, mock, etc.)
// and enables unit testing without database dependencies.
type TemplateStore interface {
	// List retrieves all templates ordered by ID.
	List(ctx context.Context) ([]ProtocolTemplate, error)

	// Get retrieves a template by its unique identifier.
	// Returns ErrTemplateNotFound if the template does not exist.
	Get(ctx context.Context, id int64) (*ProtocolTemplate, error)

	// GetByName retrieves a template by its unique name.
	// Returns ErrTemplateNotFound if the template does not exist.
	GetByName(ctx context.Context, name string) (*ProtocolTemplate, error)

	// Create inserts a new template, filling in ID and timestamps.
	// Returns ErrTemplateExists if the name is already taken.
	Create(ctx context.Context, t *ProtocolTemplate) error

	// Update modifies an existing template.
	// Returns ErrTemplateNotFound if the template does not exist and
	// ErrTemplateExists if the new name collides with another template.
	Update(ctx context.Context, t *ProtocolTemplate) error

	// Delete removes a template by ID.
	// Returns ErrTemplateNotFound if the template does not exist.
	Delete(ctx context.Context, id int64) error

	// InUse counts the devices referencing a template.
	InUse(ctx context.Context, id int64) (int, error)
}

// SQLTemplateStore implements TemplateStore using database/sql.
// The queries use ? placeholders and are portable across the SQLite and
// MySQL schemas shipped in migrations/.
type SQLTemplateStore struct {
	db *sql.DB
}

// NewSQLTemplateStore creates a new SQL-backed template store.
// The db parameter should be an open connection with migrations applied.
func NewSQLTemplateStore(db *sql.DB) *SQLTemplateStore {
	return &SQLTemplateStore{db: db}
}

const templateColumns = `id, name, description, protocol_type, template, is_system, created_at, updated_at`

// List retrieves all templates ordered by ID.
func (s *SQLTemplateStore) List(ctx context.Context) ([]ProtocolTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM protocol_templates ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying templates: %w", err)
	}
	defer rows.Close()

	var templates []ProtocolTemplate
	for rows.Next() {
		t, err := scanTemplateRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning template: %w", err)
		}
		templates = append(templates, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating templates: %w", err)
	}

	return templates, nil
}

// Get retrieves a template by its unique identifier.
func (s *SQLTemplateStore) Get(ctx context.Context, id int64) (*ProtocolTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM protocol_templates WHERE id = ?`

	t, err := scanTemplateRow(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("querying template by id: %w", err)
	}
	return t, nil
}

// GetByName retrieves a template by its unique name.
func (s *SQLTemplateStore) GetByName(ctx context.Context, name string) (*ProtocolTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM protocol_templates WHERE name = ?`

	t, err := scanTemplateRow(s.db.QueryRowContext(ctx, query, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("querying template by name: %w", err)
	}
	return t, nil
}

// Create inserts a new template.
func (s *SQLTemplateStore) Create(ctx context.Context, t *ProtocolTemplate) error {
	if err := t.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	query := `
		INSERT INTO protocol_templates
			(name, description, protocol_type, template, is_system, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		t.Name,
		t.Description,
		t.ProtocolType,
		templateJSON(t.Template),
		boolToInt(t.IsSystem),
		t.CreatedAt.Format(time.RFC3339),
		t.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrTemplateExists
		}
		return fmt.Errorf("inserting template: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading template id: %w", err)
	}
	t.ID = id

	return nil
}

// Update modifies an existing template.
func (s *SQLTemplateStore) Update(ctx context.Context, t *ProtocolTemplate) error {
	if err := t.Validate(); err != nil {
		return err
	}

	t.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE protocol_templates SET
			name = ?, description = ?, protocol_type = ?, template = ?, updated_at = ?
		WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query,
		t.Name,
		t.Description,
		t.ProtocolType,
		templateJSON(t.Template),
		t.UpdatedAt.Format(time.RFC3339),
		t.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrTemplateExists
		}
		return fmt.Errorf("updating template: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrTemplateNotFound
	}

	return nil
}

// Delete removes a template by ID.
func (s *SQLTemplateStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM protocol_templates WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting template: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrTemplateNotFound
	}

	return nil
}

// InUse counts the devices referencing a template.
func (s *SQLTemplateStore) InUse(ctx context.Context, id int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM devices WHERE protocol_template_id = ?", id,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting template references: %w", err)
	}
	return count, nil
}

// scanTemplateRow scans a row or rows result into a ProtocolTemplate.
func scanTemplateRow(scanner rowScanner) (*ProtocolTemplate, error) {
	var t ProtocolTemplate
	var templateText string
	var isSystem int
	var createdAt, updatedAt string

	err := scanner.Scan(
		&t.ID,
		&t.Name,
		&t.Description,
		&t.ProtocolType,
		&templateText,
		&isSystem,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.IsSystem = isSystem != 0

	// Tolerate hand-edited rows: an unreadable body becomes the empty
	// template rather than poisoning every list call.
	if json.Valid([]byte(templateText)) {
		t.Template = json.RawMessage(templateText)
	} else {
		t.Template = json.RawMessage("{}")
	}

	var parseErr error
	t.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	t.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	return &t, nil
}

// templateJSON renders a template body for storage, defaulting to the empty
// object.
func templateJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// boolToInt converts a boolean to 0/1 for storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError checks if an error is a unique constraint
// violation on either backend: SQLite reports "UNIQUE constraint failed",
// MySQL reports "Duplicate entry".
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "Duplicate entry")
}
