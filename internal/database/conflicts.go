package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"salonsync/internal/models"
)

func (db *DB) AddConflict(ctx context.Context, conflict *models.Conflict) error {
	if conflict.CreatedAt.IsZero() {
		conflict.CreatedAt = time.Now()
	}
	conflict.ResolutionStatus = models.ConflictPending
	conflict.EntityType = conflict.EntityKind.String()

	query := `INSERT INTO conflicts (entity_type, entity_id, local_data, server_data, created_at, resolution_status)
              VALUES (?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		conflict.EntityType,
		conflict.EntityID,
		string(conflict.LocalData),
		string(conflict.ServerData),
		conflict.CreatedAt,
		conflict.ResolutionStatus,
	)
	if err != nil {
		return fmt.Errorf("failed to create conflict: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	conflict.ID = id
	return nil
}

const conflictColumns = `id, entity_type, entity_id, local_data, server_data, created_at, resolution_status`

func (db *DB) GetConflict(ctx context.Context, id int64) (*models.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE id = ?`
	conflict, err := scanConflict(db.QueryRowContext(ctx, query, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return conflict, nil
}

// ListOpenConflicts returns unresolved conflicts, newest first.
func (db *DB) ListOpenConflicts(ctx context.Context) ([]*models.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE resolution_status = ? ORDER BY created_at DESC`
	rows, err := db.QueryContext(ctx, query, models.ConflictPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*models.Conflict
	for rows.Next() {
		conflict, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, conflict)
	}
	return conflicts, rows.Err()
}

// HasOpenConflict reports whether the record has an unresolved conflict,
// which blocks its sync until the operator decides.
func (db *DB) HasOpenConflict(ctx context.Context, kind models.EntityKind, entityID string) (bool, error) {
	var count int
	query := `SELECT COUNT(*) FROM conflicts WHERE entity_type = ? AND entity_id = ? AND resolution_status = ?`
	if err := db.QueryRowContext(ctx, query, kind.String(), entityID, models.ConflictPending).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check conflicts: %w", err)
	}
	return count > 0, nil
}

// DeleteConflict removes a conflict after resolution.
func (db *DB) DeleteConflict(ctx context.Context, id int64) error {
	result, err := db.ExecContext(ctx, `DELETE FROM conflicts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conflict: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConflict(scan func(dest ...interface{}) error) (*models.Conflict, error) {
	var conflict models.Conflict
	var localData, serverData string
	err := scan(
		&conflict.ID, &conflict.EntityType, &conflict.EntityID,
		&localData, &serverData, &conflict.CreatedAt, &conflict.ResolutionStatus,
	)
	if err != nil {
		return nil, err
	}
	kind, err := models.ParseEntityKind(conflict.EntityType)
	if err != nil {
		return nil, err
	}
	conflict.EntityKind = kind
	conflict.LocalData = []byte(localData)
	conflict.ServerData = []byte(serverData)
	return &conflict, nil
}
