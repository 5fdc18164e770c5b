package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"salonsync/internal/models"
)

const entityColumns = `id, data, sync_status, updated_at, retry_count, last_error, created_at, synced_at`

// UpsertEntity writes a local record and marks it pending for sync. A
// record created offline gets a temporary id until the remote assigns one.
func (db *DB) UpsertEntity(ctx context.Context, record *models.EntityRecord) error {
	if record.ID == "" {
		record.ID = models.NewTempID()
	}
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}
	if record.SyncStatus == "" {
		record.SyncStatus = models.SyncStatusPending
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, data, sync_status, updated_at, retry_count, last_error, created_at, synced_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                data = excluded.data,
                sync_status = excluded.sync_status,
                updated_at = excluded.updated_at,
                retry_count = excluded.retry_count,
                last_error = excluded.last_error`, record.Kind.Table())
	_, err := db.ExecContext(ctx, query,
		record.ID,
		string(record.Data),
		record.SyncStatus,
		record.UpdatedAt,
		record.RetryCount,
		record.LastError,
		record.CreatedAt,
		record.SyncedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s record: %w", record.Kind, err)
	}
	return nil
}

func (db *DB) GetEntity(ctx context.Context, kind models.EntityKind, id string) (*models.EntityRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, entityColumns, kind.Table())
	record, err := scanEntity(kind, db.QueryRowContext(ctx, query, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s record: %w", kind, err)
	}
	return record, nil
}

// ListPendingEntities returns records awaiting sync in creation order.
func (db *DB) ListPendingEntities(ctx context.Context, kind models.EntityKind) ([]*models.EntityRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE sync_status = ? ORDER BY created_at ASC, id ASC`, entityColumns, kind.Table())
	rows, err := db.QueryContext(ctx, query, models.SyncStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending %s records: %w", kind, err)
	}
	defer rows.Close()

	var records []*models.EntityRecord
	for rows.Next() {
		record, err := scanEntity(kind, rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", kind, err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (db *DB) CountPendingEntities(ctx context.Context) (int, error) {
	total := 0
	for _, kind := range models.SyncOrder {
		var count int
		query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE sync_status = ?`, kind.Table())
		if err := db.QueryRowContext(ctx, query, models.SyncStatusPending).Scan(&count); err != nil {
			return 0, fmt.Errorf("failed to count pending %s records: %w", kind, err)
		}
		total += count
	}
	return total, nil
}

// MarkEntitySynced stores the server copy of the record. When the remote
// assigned a new id the temporary row is replaced in place, so the record
// never has two live representations.
func (db *DB) MarkEntitySynced(ctx context.Context, kind models.EntityKind, localID, remoteID string, data json.RawMessage, updatedAt, syncedAt time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET id = ?, data = ?, sync_status = ?, updated_at = ?, last_error = NULL, synced_at = ? WHERE id = ?`, kind.Table())
	result, err := db.ExecContext(ctx, query, remoteID, string(data), models.SyncStatusSynced, updatedAt, syncedAt, localID)
	if err != nil {
		return fmt.Errorf("failed to mark %s record synced: %w", kind, err)
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

func (db *DB) MarkEntityFailed(ctx context.Context, kind models.EntityKind, id, errMsg string, retryCount int) error {
	query := fmt.Sprintf(`UPDATE %s SET sync_status = ?, last_error = ?, retry_count = ? WHERE id = ?`, kind.Table())
	result, err := db.ExecContext(ctx, query, models.SyncStatusFailed, errMsg, retryCount, id)
	if err != nil {
		return fmt.Errorf("failed to mark %s record failed: %w", kind, err)
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

// MarkEntityPending re-queues a record for sync, e.g. after a merge
// resolution or an explicit retry of a failed record.
func (db *DB) MarkEntityPending(ctx context.Context, kind models.EntityKind, id string, data json.RawMessage, updatedAt time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET data = ?, sync_status = ?, updated_at = ?, retry_count = 0, last_error = NULL WHERE id = ?`, kind.Table())
	result, err := db.ExecContext(ctx, query, string(data), models.SyncStatusPending, updatedAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark %s record pending: %w", kind, err)
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

func scanEntity(kind models.EntityKind, scan func(dest ...interface{}) error) (*models.EntityRecord, error) {
	var record models.EntityRecord
	var data string
	err := scan(
		&record.ID, &data, &record.SyncStatus, &record.UpdatedAt,
		&record.RetryCount, &record.LastError, &record.CreatedAt, &record.SyncedAt,
	)
	if err != nil {
		return nil, err
	}
	record.Kind = kind
	record.Data = json.RawMessage(data)
	return &record, nil
}

// SyncLogEntry is one row of the append-only sync audit trail.
type SyncLogEntry struct {
	EntityType string
	EntityID   string
	Action     string
	Status     string
	Error      string
	RetryCount int
}

func (db *DB) AppendSyncLog(ctx context.Context, entry SyncLogEntry) error {
	query := `INSERT INTO sync_log (entity_type, entity_id, action, status, error, retry_count, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		entry.EntityType, entry.EntityID, entry.Action, entry.Status, entry.Error, entry.RetryCount, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to append sync log: %w", err)
	}
	return nil
}
