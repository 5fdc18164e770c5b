package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"salonsync/internal/models"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// AddTransaction durably persists a queued transaction. The id is
// generator-assigned when empty; payload and headers are captured as-is
// and never touched again.
func (db *DB) AddTransaction(ctx context.Context, tx *models.QueuedTransaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	tx.Status = models.TxStatusPending
	tx.RetryCount = 0
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}

	headers, err := json.Marshal(tx.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}

	query := `INSERT INTO outbox (id, endpoint, method, payload, headers, status, retry_count, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, query,
		tx.ID,
		tx.Endpoint,
		tx.Method,
		string(tx.Payload),
		string(headers),
		tx.Status,
		tx.RetryCount,
		tx.CreatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("transaction %s: %w", tx.ID, ErrDuplicateID)
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	return nil
}

const txColumns = `id, endpoint, method, payload, headers, status, retry_count, last_error, created_at, last_attempt_at, next_retry_at`

func scanTransaction(scan func(dest ...interface{}) error) (*models.QueuedTransaction, error) {
	var tx models.QueuedTransaction
	var payload, headers string
	err := scan(
		&tx.ID, &tx.Endpoint, &tx.Method, &payload, &headers,
		&tx.Status, &tx.RetryCount, &tx.LastError,
		&tx.CreatedAt, &tx.LastAttemptAt, &tx.NextRetryAt,
	)
	if err != nil {
		return nil, err
	}
	if payload != "" {
		tx.Payload = json.RawMessage(payload)
	}
	if headers != "" && headers != "null" {
		if err := json.Unmarshal([]byte(headers), &tx.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}
	return &tx, nil
}

func (db *DB) GetTransaction(ctx context.Context, id string) (*models.QueuedTransaction, error) {
	query := `SELECT ` + txColumns + ` FROM outbox WHERE id = ?`
	tx, err := scanTransaction(db.QueryRowContext(ctx, query, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// ListTransactionsByStatus returns transactions in ascending creation
// order. Dispatch order correctness depends on this ordering.
func (db *DB) ListTransactionsByStatus(ctx context.Context, status string) ([]*models.QueuedTransaction, error) {
	query := `SELECT ` + txColumns + ` FROM outbox WHERE status = ? ORDER BY created_at ASC, id ASC`
	return db.queryTransactions(ctx, query, status)
}

// ListDispatchable returns pending transactions whose retry time has come,
// oldest first.
func (db *DB) ListDispatchable(ctx context.Context, now time.Time) ([]*models.QueuedTransaction, error) {
	query := `SELECT ` + txColumns + ` FROM outbox
              WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY created_at ASC, id ASC`
	return db.queryTransactions(ctx, query, models.TxStatusPending, now)
}

func (db *DB) queryTransactions(ctx context.Context, query string, args ...interface{}) ([]*models.QueuedTransaction, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []*models.QueuedTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (db *DB) MarkTransactionCompleted(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE outbox SET status = ?, last_error = NULL, next_retry_at = NULL, last_attempt_at = ? WHERE id = ?`
	return db.execTransactionUpdate(ctx, query, models.TxStatusCompleted, at, id)
}

// ScheduleTransactionRetry keeps the transaction pending, bumps the retry
// counter and records when it becomes dispatchable again.
func (db *DB) ScheduleTransactionRetry(ctx context.Context, id string, errMsg string, at, nextRetryAt time.Time) error {
	query := `UPDATE outbox SET status = ?, last_error = ?, retry_count = retry_count + 1, last_attempt_at = ?, next_retry_at = ? WHERE id = ?`
	return db.execTransactionUpdate(ctx, query, models.TxStatusPending, errMsg, at, nextRetryAt, id)
}

func (db *DB) MarkTransactionFailed(ctx context.Context, id string, errMsg string, retryCount int, at time.Time) error {
	query := `UPDATE outbox SET status = ?, last_error = ?, retry_count = ?, last_attempt_at = ?, next_retry_at = NULL WHERE id = ?`
	return db.execTransactionUpdate(ctx, query, models.TxStatusFailed, errMsg, retryCount, at, id)
}

// ResetTransaction returns a failed transaction to the pending state with a
// fresh retry budget.
func (db *DB) ResetTransaction(ctx context.Context, id string) error {
	query := `UPDATE outbox SET status = ?, retry_count = 0, last_error = NULL, next_retry_at = NULL WHERE id = ?`
	return db.execTransactionUpdate(ctx, query, models.TxStatusPending, id)
}

func (db *DB) TouchTransactionAttempt(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE outbox SET last_attempt_at = ? WHERE id = ?`
	return db.execTransactionUpdate(ctx, query, at, id)
}

func (db *DB) execTransactionUpdate(ctx context.Context, query string, args ...interface{}) error {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
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

func (db *DB) DeleteTransaction(ctx context.Context, id string) (bool, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete transaction: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected > 0, nil
}

// ClearCompleted removes completed transactions and returns their ids.
func (db *DB) ClearCompleted(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM outbox WHERE status = ?`, models.TxStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed transactions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan transaction id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM outbox WHERE status = ?`, models.TxStatusCompleted); err != nil {
		return nil, fmt.Errorf("failed to clear completed transactions: %w", err)
	}
	return ids, nil
}

func (db *DB) OutboxStats(ctx context.Context) (*models.OutboxStats, error) {
	stats := &models.OutboxStats{}
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats.Total += count
		switch status {
		case models.TxStatusPending:
			stats.Pending = count
		case models.TxStatusFailed:
			stats.Failed = count
		case models.TxStatusCompleted:
			stats.Completed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if stats.Pending > 0 {
		query := `SELECT ` + txColumns + ` FROM outbox WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1`
		oldest, err := scanTransaction(db.QueryRowContext(ctx, query, models.TxStatusPending).Scan)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to get oldest pending: %w", err)
		}
		stats.OldestPending = oldest
	}

	return stats, nil
}
