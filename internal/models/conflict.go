package models

import (
	"encoding/json"
	"time"
)

// Conflict resolutions.
const (
	ResolveUseLocal  = "use_local"
	ResolveUseServer = "use_server"
	ResolveMerge     = "merge"
)

// Conflict resolution statuses.
const (
	ConflictPending  = "pending"
	ConflictResolved = "resolved"
)

// Conflict captures a divergent local/server pair detected at sync time.
// It is only ever created when the server copy strictly postdates the
// local one, and only ever removed by an explicit resolution.
type Conflict struct {
	ID               int64           `json:"id"`
	EntityKind       EntityKind      `json:"-"`
	EntityType       string          `json:"entity_type"`
	EntityID         string          `json:"entity_id"`
	LocalData        json.RawMessage `json:"local_data"`
	ServerData       json.RawMessage `json:"server_data"`
	CreatedAt        time.Time       `json:"created_at"`
	ResolutionStatus string          `json:"resolution_status"`
}
