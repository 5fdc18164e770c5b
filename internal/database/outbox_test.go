package database

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"salonsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := NewDB(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOutboxCRUD(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	tx := &models.QueuedTransaction{
		Endpoint: "/clients",
		Method:   "POST",
		Payload:  json.RawMessage(`{"name":"Jane Doe"}`),
		Headers:  map[string]string{"Authorization": "Bearer abc"},
	}
	require.NoError(t, db.AddTransaction(ctx, tx))
	require.NotEmpty(t, tx.ID)
	assert.Equal(t, models.TxStatusPending, tx.Status)
	assert.Equal(t, 0, tx.RetryCount)

	got, err := db.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "/clients", got.Endpoint)
	assert.Equal(t, "POST", got.Method)
	assert.JSONEq(t, `{"name":"Jane Doe"}`, string(got.Payload))
	assert.Equal(t, "Bearer abc", got.Headers["Authorization"])

	deleted, err := db.DeleteTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = db.GetTransaction(ctx, tx.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err = db.DeleteTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestOutboxDuplicateID(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	tx := &models.QueuedTransaction{ID: "fixed-id", Endpoint: "/clients", Method: "POST"}
	require.NoError(t, db.AddTransaction(ctx, tx))

	dup := &models.QueuedTransaction{ID: "fixed-id", Endpoint: "/clients", Method: "POST"}
	err := db.AddTransaction(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestOutboxUpdateMissingID(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	err := db.MarkTransactionCompleted(ctx, "missing", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	err = db.MarkTransactionFailed(ctx, "missing", "boom", 3, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	err = db.ResetTransaction(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOutboxPendingOrder(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		tx := &models.QueuedTransaction{
			ID:        id,
			Endpoint:  "/bookings",
			Method:    "POST",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, db.AddTransaction(ctx, tx))
	}

	pending, err := db.ListTransactionsByStatus(ctx, models.TxStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "a", pending[0].ID)
	assert.Equal(t, "b", pending[1].ID)
	assert.Equal(t, "c", pending[2].ID)
}

func TestOutboxRetryScheduling(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	tx := &models.QueuedTransaction{Endpoint: "/payments", Method: "POST"}
	require.NoError(t, db.AddTransaction(ctx, tx))

	now := time.Now()
	future := now.Add(time.Hour)
	require.NoError(t, db.ScheduleTransactionRetry(ctx, tx.ID, "HTTP 503", now, future))

	// Not dispatchable while next_retry_at is in the future.
	due, err := db.ListDispatchable(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	// Dispatchable once the retry time has come.
	due, err = db.ListDispatchable(ctx, future.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].RetryCount)
	require.NotNil(t, due[0].LastError)
	assert.Equal(t, "HTTP 503", *due[0].LastError)
}

func TestOutboxResetTransaction(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	tx := &models.QueuedTransaction{Endpoint: "/clients", Method: "PUT"}
	require.NoError(t, db.AddTransaction(ctx, tx))
	require.NoError(t, db.MarkTransactionFailed(ctx, tx.ID, "exhausted", 3, time.Now()))

	got, err := db.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)

	require.NoError(t, db.ResetTransaction(ctx, tx.ID))
	got, err = db.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Nil(t, got.LastError)
}

func TestOutboxStatsAndClearCompleted(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	old := &models.QueuedTransaction{ID: "old", Endpoint: "/clients", Method: "POST", CreatedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, db.AddTransaction(ctx, old))
	fresh := &models.QueuedTransaction{ID: "fresh", Endpoint: "/clients", Method: "POST"}
	require.NoError(t, db.AddTransaction(ctx, fresh))
	done := &models.QueuedTransaction{ID: "done", Endpoint: "/clients", Method: "POST"}
	require.NoError(t, db.AddTransaction(ctx, done))
	require.NoError(t, db.MarkTransactionCompleted(ctx, done.ID, time.Now()))
	failed := &models.QueuedTransaction{ID: "gone", Endpoint: "/clients", Method: "POST"}
	require.NoError(t, db.AddTransaction(ctx, failed))
	require.NoError(t, db.MarkTransactionFailed(ctx, failed.ID, "boom", 3, time.Now()))

	stats, err := db.OutboxStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	require.NotNil(t, stats.OldestPending)
	assert.Equal(t, "old", stats.OldestPending.ID)

	ids, err := db.ClearCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"done"}, ids)

	stats, err = db.OutboxStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Completed)
	assert.Equal(t, 3, stats.Total)
}

// Pending entries must survive a process restart with their payload intact.
func TestOutboxDurabilityAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "durable.db")
	db, err := NewDB(dbPath)
	require.NoError(t, err)

	ctx := context.Background()
	payload := json.RawMessage(`{"amount":129.90,"currency":"EUR"}`)
	tx := &models.QueuedTransaction{Endpoint: "/payments", Method: "POST", Payload: payload}
	require.NoError(t, db.AddTransaction(ctx, tx))
	require.NoError(t, db.Close())

	reopened, err := NewDB(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusPending, got.Status)
	assert.JSONEq(t, string(payload), string(got.Payload))
}

// Mutating the caller's payload after enqueue must not alter the stored copy.
func TestOutboxPayloadImmutability(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	payload := []byte(`{"name":"before"}`)
	tx := &models.QueuedTransaction{Endpoint: "/clients", Method: "POST", Payload: payload}
	require.NoError(t, db.AddTransaction(ctx, tx))

	copy(payload, []byte(`{"name":"AFTER!"}`))

	got, err := db.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"before"}`, string(got.Payload))
}
