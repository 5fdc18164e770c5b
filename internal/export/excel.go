package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"salonsync/internal/database"
	"salonsync/internal/models"

	"github.com/xuri/excelize/v2"
)

// Exporter writes an operator-facing .xlsx report of failed transactions
// and unresolved conflicts.
type Exporter struct {
	db   *database.DB
	path string
}

func NewExporter(db *database.DB, path string) *Exporter {
	return &Exporter{db: db, path: path}
}

// WriteReport creates the report file and returns its path.
func (e *Exporter) WriteReport(ctx context.Context) (string, error) {
	if err := os.MkdirAll(e.path, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	failed, err := e.db.ListTransactionsByStatus(ctx, models.TxStatusFailed)
	if err != nil {
		return "", fmt.Errorf("list failed transactions: %w", err)
	}

	conflicts, err := e.db.ListOpenConflicts(ctx)
	if err != nil {
		return "", fmt.Errorf("list conflicts: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	const txSheet = "Failed transactions"
	index, err := f.NewSheet(txSheet)
	if err != nil {
		return "", fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	txHeaders := []string{"ID", "Endpoint", "Method", "Retries", "Last error", "Created", "Last attempt"}
	for i, h := range txHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(txSheet, cell, h)
	}
	for row, tx := range failed {
		values := []interface{}{tx.ID, tx.Endpoint, tx.Method, tx.RetryCount, deref(tx.LastError), tx.CreatedAt.Format(time.RFC3339), formatTime(tx.LastAttemptAt)}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			_ = f.SetCellValue(txSheet, cell, v)
		}
	}
	_ = f.SetColWidth(txSheet, "A", "B", 36)
	_ = f.SetColWidth(txSheet, "C", "G", 22)

	const conflictSheet = "Open conflicts"
	if _, err := f.NewSheet(conflictSheet); err != nil {
		return "", fmt.Errorf("create sheet: %w", err)
	}
	conflictHeaders := []string{"ID", "Entity type", "Entity id", "Detected", "Local data", "Server data"}
	for i, h := range conflictHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(conflictSheet, cell, h)
	}
	for row, c := range conflicts {
		values := []interface{}{c.ID, c.EntityType, c.EntityID, c.CreatedAt.Format(time.RFC3339), string(c.LocalData), string(c.ServerData)}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			_ = f.SetCellValue(conflictSheet, cell, v)
		}
	}
	_ = f.SetColWidth(conflictSheet, "A", "D", 22)
	_ = f.SetColWidth(conflictSheet, "E", "F", 60)

	name := fmt.Sprintf("sync_report_%s.xlsx", time.Now().Format("20060102_150405"))
	fullPath := filepath.Join(e.path, name)
	if err := f.SaveAs(fullPath); err != nil {
		return "", fmt.Errorf("save report: %w", err)
	}
	return fullPath, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
