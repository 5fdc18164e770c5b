package export

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"salonsync/internal/database"
	"salonsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestWriteReport(t *testing.T) {
	db, err := database.NewDB(filepath.Join(t.TempDir(), "export.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	tx := &models.QueuedTransaction{Endpoint: "/payments", Method: "POST"}
	require.NoError(t, db.AddTransaction(ctx, tx))
	require.NoError(t, db.MarkTransactionFailed(ctx, tx.ID, "HTTP 500", 3, time.Now()))

	conflict := &models.Conflict{
		EntityKind: models.KindClient,
		EntityID:   "cl-1",
		LocalData:  json.RawMessage(`{"name":"Local"}`),
		ServerData: json.RawMessage(`{"name":"Server"}`),
	}
	require.NoError(t, db.AddConflict(ctx, conflict))

	exporter := NewExporter(db, filepath.Join(t.TempDir(), "exports"))
	path, err := exporter.WriteReport(ctx)
	require.NoError(t, err)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	txID, err := f.GetCellValue("Failed transactions", "A2")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, txID)

	lastError, err := f.GetCellValue("Failed transactions", "E2")
	require.NoError(t, err)
	assert.Equal(t, "HTTP 500", lastError)

	entityID, err := f.GetCellValue("Open conflicts", "C2")
	require.NoError(t, err)
	assert.Equal(t, "cl-1", entityID)
}
