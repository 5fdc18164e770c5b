package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Entity sync statuses.
const (
	SyncStatusPending = "pending"
	SyncStatusSynced  = "synced"
	SyncStatusFailed  = "failed"
)

// EntityKind enumerates the record types the sync service pushes.
// The order of the constants is the fixed sync order: clients are
// referenced by bookings and payments, so they go first.
type EntityKind int

const (
	KindClient EntityKind = iota
	KindBooking
	KindPayment
)

// SyncOrder is the fixed order SyncAll walks entity kinds in.
var SyncOrder = []EntityKind{KindClient, KindBooking, KindPayment}

func (k EntityKind) String() string {
	switch k {
	case KindClient:
		return "clients"
	case KindBooking:
		return "bookings"
	case KindPayment:
		return "payments"
	}
	return fmt.Sprintf("entity_kind(%d)", int(k))
}

// Table returns the local table backing the kind.
func (k EntityKind) Table() string {
	return k.String()
}

// Endpoint returns the remote collection path for the kind.
func (k EntityKind) Endpoint() string {
	return "/" + k.String()
}

// ParseEntityKind maps a kind name back to its enum value.
func ParseEntityKind(s string) (EntityKind, error) {
	switch s {
	case "clients":
		return KindClient, nil
	case "bookings":
		return KindBooking, nil
	case "payments":
		return KindPayment, nil
	}
	return 0, fmt.Errorf("unknown entity kind: %q", s)
}

// EntityRecord is a locally stored domain record plus its sync bookkeeping.
// Data holds the full domain snapshot as JSON; UpdatedAt is the
// optimistic-concurrency token compared against the remote copy.
type EntityRecord struct {
	ID         string          `json:"id"`
	Kind       EntityKind      `json:"-"`
	Data       json.RawMessage `json:"data"`
	SyncStatus string          `json:"sync_status"`
	UpdatedAt  time.Time       `json:"updated_at"`
	RetryCount int             `json:"retry_count"`
	LastError  *string         `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	SyncedAt   *time.Time      `json:"synced_at,omitempty"`
}

const tempIDPrefix = "temp_"

// NewTempID generates a placeholder id for a locally created record that
// has not been assigned a remote id yet.
func NewTempID() string {
	return tempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id is a local placeholder.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}
