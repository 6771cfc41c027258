package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Store persists audit events
type Store interface {
	Insert(ctx context.Context, event Event) error
}

// SQLStore writes events to the audit_logs table. Structured fields are
// stored as JSON text so the same statement runs on postgres and sqlite.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a SQLStore
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Insert writes one event
func (s *SQLStore) Insert(ctx context.Context, event Event) error {
	oldData, err := encodeJSON(event.OldData)
	if err != nil {
		return fmt.Errorf("failed to encode old data: %w", err)
	}
	newData, err := encodeJSON(event.NewData)
	if err != nil {
		return fmt.Errorf("failed to encode new data: %w", err)
	}
	var metadata sql.NullString
	if len(event.Metadata) > 0 {
		if metadata, err = encodeJSON(event.Metadata); err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
	}

	query := `
		INSERT INTO audit_logs (
			id, user_id, org_id, module, action, entity_type, entity_id,
			old_data, new_data, metadata, ip_address, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.SubjectID,
		nullString(event.TenantID),
		event.Module,
		event.Action,
		nullString(event.EntityType),
		nullString(event.EntityID),
		oldData,
		newData,
		metadata,
		nullString(event.IPAddress),
		nullString(event.UserAgent),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func encodeJSON(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
