package domain

import (
	"context"
	"encoding/json"

	"salonsync/internal/models"
)

// DispatchResult is the outcome of a single remote call. Ordinary HTTP
// error codes land here with StatusOK=false; only network-level failures
// (DNS, refused connection, timeout) are returned as errors.
type DispatchResult struct {
	StatusOK   bool
	StatusCode int
	Body       json.RawMessage
}

// Dispatcher performs the remote write the outbox queued.
type Dispatcher interface {
	Dispatch(ctx context.Context, endpoint, method string, body json.RawMessage, headers map[string]string) (*DispatchResult, error)
}

// RemoteReader fetches a single remote record, used only by conflict detection.
type RemoteReader interface {
	FetchByID(ctx context.Context, endpoint, id string) (json.RawMessage, error)
}

// Remote is the full surface the sync service consumes.
type Remote interface {
	Dispatcher
	RemoteReader
}

// HealthProber answers whether the remote service is reachable right now.
type HealthProber interface {
	ProbeHealth(ctx context.Context) bool
}

// ConnectionSource gates dispatch attempts on verified reachability.
type ConnectionSource interface {
	Connected() bool
	Status() models.ConnectionStatus
}

// Notifier surfaces terminal failures and conflicts to an operator.
// Implementations must be safe to call on a nil receiver.
type Notifier interface {
	TransactionFailed(tx *models.QueuedTransaction)
	EntityFailed(kind models.EntityKind, id string, errMsg string)
	ConflictDetected(conflict *models.Conflict)
}
