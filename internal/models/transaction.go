package models

import (
	"encoding/json"
	"time"
)

// Transaction statuses.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
)

// QueuedTransaction is a durably stored remote write awaiting dispatch.
// Payload and Headers are captured at enqueue time and never mutated.
type QueuedTransaction struct {
	ID            string            `json:"id"`
	Endpoint      string            `json:"endpoint"`
	Method        string            `json:"method"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Status        string            `json:"status"`
	RetryCount    int               `json:"retry_count"`
	LastError     *string           `json:"last_error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	LastAttemptAt *time.Time        `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time        `json:"next_retry_at,omitempty"`
}

// OutboxStats is the queue summary surfaced to operators and the UI.
type OutboxStats struct {
	Total         int                `json:"total"`
	Pending       int                `json:"pending"`
	Failed        int                `json:"failed"`
	Completed     int                `json:"completed"`
	OldestPending *QueuedTransaction `json:"oldest_pending,omitempty"`
}

// ValidMethod reports whether m is an HTTP verb the outbox accepts.
func ValidMethod(m string) bool {
	switch m {
	case "GET", "POST", "PUT", "PATCH", "DELETE":
		return true
	}
	return false
}
