package syncsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"salonsync/internal/database"
	"salonsync/internal/domain"
	"salonsync/internal/events"
	"salonsync/internal/metrics"
	"salonsync/internal/models"
	"salonsync/internal/outbox"
	"salonsync/internal/transport"

	"github.com/rs/zerolog"
)

var (
	// ErrSyncInProgress is the "already syncing" result for a concurrent
	// SyncAll invocation; nothing is double-processed.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrConflictPending blocks a record's push until its conflict is
	// explicitly resolved.
	ErrConflictPending = errors.New("conflict pending resolution")
	// ErrOffline is returned when a manual sync is triggered without
	// verified connectivity.
	ErrOffline = errors.New("cannot sync while offline")
	// ErrMergeDataRequired rejects a merge resolution without merged data.
	ErrMergeDataRequired = errors.New("merge resolution requires merged data")
)

// Service pushes locally modified domain records to the remote system,
// detecting version conflicts via updated_at timestamps before overwriting.
type Service struct {
	db       *database.DB
	remote   domain.Remote
	conn     domain.ConnectionSource
	bus      *events.Bus
	notifier domain.Notifier
	logger   zerolog.Logger

	maxRetries int
	backoff    outbox.Backoff

	syncing atomic.Bool
	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error
}

// Summary reports the outcome of one full sync pass.
type Summary struct {
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
}

func NewService(db *database.DB, remote domain.Remote, conn domain.ConnectionSource, bus *events.Bus, notifier domain.Notifier, maxRetries int, backoff outbox.Backoff, logger *zerolog.Logger) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if len(backoff) == 0 {
		backoff = outbox.DefaultBackoff
	}
	return &Service{
		db:         db,
		remote:     remote,
		conn:       conn,
		bus:        bus,
		notifier:   notifier,
		logger:     logger.With().Str("component", "sync").Logger(),
		maxRetries: maxRetries,
		backoff:    backoff,
		nowFn:      time.Now,
		sleepFn:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run triggers a sync pass on a fixed interval until ctx is done, so
// records marked pending while the daemon is already connected do not wait
// for the next connectivity bounce. Offline and already-running passes are
// expected outcomes, not errors.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.logger.Info().Dur("interval", interval).Msg("sync poll loop started")
	defer s.logger.Info().Msg("sync poll loop stopped")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SyncAll(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrOffline) {
				s.logger.Error().Err(err).Msg("periodic sync pass failed")
			}
		}
	}
}

// SyncAll walks entity kinds in the fixed referential order (clients
// before bookings before payments) and pushes every pending record. A
// concurrent invocation returns ErrSyncInProgress instead of
// double-processing.
func (s *Service) SyncAll(ctx context.Context) (*Summary, error) {
	if !s.syncing.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer s.syncing.Store(false)

	if !s.conn.Connected() {
		return nil, ErrOffline
	}

	s.bus.Publish(events.Event{Type: events.EventSyncStarted})
	summary := &Summary{}

	for _, kind := range models.SyncOrder {
		pending, err := s.db.ListPendingEntities(ctx, kind)
		if err != nil {
			s.logger.Error().Err(err).Stringer("kind", kind).Msg("failed to list pending records")
			s.bus.Publish(events.Event{Type: events.EventSyncError, Error: err.Error()})
			return summary, err
		}

		for _, record := range pending {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			err := s.syncEntity(ctx, record, false)
			switch {
			case err == nil:
				summary.Synced++
			case errors.Is(err, ErrConflictPending):
				summary.Conflicts++
			default:
				summary.Failed++
			}
		}
	}

	s.logger.Info().Int("synced", summary.Synced).Int("failed", summary.Failed).Int("conflicts", summary.Conflicts).Msg("sync pass completed")
	s.bus.Publish(events.Event{Type: events.EventSyncCompleted})
	return summary, nil
}

// SyncEntity pushes a single record, choosing POST for locally created
// records (temporary id) and PUT for records with a confirmed remote id.
func (s *Service) SyncEntity(ctx context.Context, record *models.EntityRecord) error {
	return s.syncEntity(ctx, record, false)
}

func (s *Service) syncEntity(ctx context.Context, record *models.EntityRecord, skipConflictCheck bool) error {
	if !skipConflictCheck {
		open, err := s.db.HasOpenConflict(ctx, record.Kind, record.ID)
		if err != nil {
			return err
		}
		if open {
			return ErrConflictPending
		}

		if !models.IsTempID(record.ID) {
			conflict, err := s.DetectConflicts(ctx, record.Kind, record)
			if err != nil {
				return err
			}
			if conflict != nil {
				return ErrConflictPending
			}
		}
	}

	endpoint := record.Kind.Endpoint()
	method := http.MethodPut
	target := endpoint + "/" + record.ID
	if models.IsTempID(record.ID) {
		method = http.MethodPost
		target = endpoint
	}

	var lastErr string
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		res, err := s.remote.Dispatch(ctx, target, method, record.Data, nil)
		if err == nil && res.StatusOK {
			return s.applyServerData(ctx, record, method, res.Body)
		}

		if err != nil {
			lastErr = err.Error()
			s.logger.Warn().Err(err).Stringer("kind", record.Kind).Str("id", record.ID).Int("attempt", attempt).Msg("entity sync unreachable")
		} else {
			lastErr = fmt.Sprintf("HTTP %d", res.StatusCode)
			s.logger.Warn().Int("status", res.StatusCode).Stringer("kind", record.Kind).Str("id", record.ID).Int("attempt", attempt).Msg("entity sync rejected")
		}

		if attempt < s.maxRetries {
			if err := s.sleepFn(ctx, s.backoff.Delay(attempt)); err != nil {
				return err
			}
		}
	}

	if err := s.db.MarkEntityFailed(ctx, record.Kind, record.ID, lastErr, s.maxRetries); err != nil {
		return err
	}
	_ = s.db.AppendSyncLog(ctx, database.SyncLogEntry{
		EntityType: record.Kind.String(),
		EntityID:   record.ID,
		Action:     method,
		Status:     models.SyncStatusFailed,
		Error:      lastErr,
		RetryCount: s.maxRetries,
	})
	metrics.IncEntitySync(record.Kind.String(), "failed")
	s.bus.Publish(events.Event{Type: events.EventEntityFailed, EntityType: record.Kind.String(), EntityID: record.ID, Error: lastErr, RetryCount: s.maxRetries})
	if s.notifier != nil {
		s.notifier.EntityFailed(record.Kind, record.ID, lastErr)
	}
	return fmt.Errorf("sync %s %s: %s", record.Kind, record.ID, lastErr)
}

// applyServerData replaces the local copy with the server's response. A
// temporary id is swapped in place for the remote-assigned one, so the
// record never exists twice.
func (s *Service) applyServerData(ctx context.Context, record *models.EntityRecord, method string, serverData json.RawMessage) error {
	now := s.nowFn()
	remoteID := record.ID
	// Without a server timestamp the sync time stands in for it. The
	// in-memory UpdatedAt may be stale here (a merge resolution carries the
	// pre-conflict value), and storing it would make the next compare see
	// the row we just pushed as older than the server copy.
	updatedAt := now

	if len(serverData) > 0 {
		var envelope struct {
			ID        json.RawMessage `json:"id"`
			UpdatedAt time.Time       `json:"updated_at"`
		}
		if err := json.Unmarshal(serverData, &envelope); err == nil {
			if id := rawID(envelope.ID); id != "" {
				remoteID = id
			}
			if !envelope.UpdatedAt.IsZero() {
				updatedAt = envelope.UpdatedAt
			}
		}
	} else {
		serverData = record.Data
	}
	if err := s.db.MarkEntitySynced(ctx, record.Kind, record.ID, remoteID, serverData, updatedAt, now); err != nil {
		return err
	}
	_ = s.db.AppendSyncLog(ctx, database.SyncLogEntry{
		EntityType: record.Kind.String(),
		EntityID:   remoteID,
		Action:     method,
		Status:     models.SyncStatusSynced,
	})
	metrics.IncEntitySync(record.Kind.String(), "synced")
	s.logger.Info().Stringer("kind", record.Kind).Str("id", remoteID).Str("method", method).Msg("entity synced")
	s.bus.Publish(events.Event{Type: events.EventEntitySynced, EntityType: record.Kind.String(), EntityID: remoteID})
	return nil
}

// DetectConflicts compares the remote record's updated_at against the
// local one. It is advisory-before-write: a remote write between the check
// and the subsequent push is an accepted limitation. A fetch failure or a
// missing remote record means there is nothing to compare against, so no
// conflict is reported.
func (s *Service) DetectConflicts(ctx context.Context, kind models.EntityKind, record *models.EntityRecord) (*models.Conflict, error) {
	serverData, err := s.remote.FetchByID(ctx, kind.Endpoint(), record.ID)
	if err != nil {
		if !errors.Is(err, transport.ErrNotFound) {
			s.logger.Debug().Err(err).Stringer("kind", kind).Str("id", record.ID).Msg("conflict check fetch failed")
		}
		return nil, nil
	}

	var envelope struct {
		UpdatedAt time.Time `json:"updated_at"`
	}
	if err := json.Unmarshal(serverData, &envelope); err != nil {
		s.logger.Debug().Err(err).Stringer("kind", kind).Str("id", record.ID).Msg("conflict check decode failed")
		return nil, nil
	}

	if !envelope.UpdatedAt.After(record.UpdatedAt) {
		return nil, nil
	}

	conflict := &models.Conflict{
		EntityKind: kind,
		EntityID:   record.ID,
		LocalData:  record.Data,
		ServerData: serverData,
		CreatedAt:  s.nowFn(),
	}
	if err := s.db.AddConflict(ctx, conflict); err != nil {
		return nil, err
	}

	metrics.IncConflict()
	s.logger.Warn().Stringer("kind", kind).Str("id", record.ID).Time("local", record.UpdatedAt).Time("server", envelope.UpdatedAt).Msg("conflict detected")
	s.bus.Publish(events.Event{Type: events.EventConflict, EntityType: kind.String(), EntityID: record.ID, ConflictID: conflict.ID})
	if s.notifier != nil {
		s.notifier.ConflictDetected(conflict)
	}
	return conflict, nil
}

// ResolveConflict applies the operator's decision. Any resolution removes
// the conflict record; conflicts are never auto-resolved.
func (s *Service) ResolveConflict(ctx context.Context, conflictID int64, resolution string, mergedData json.RawMessage) error {
	conflict, err := s.db.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}

	record, err := s.db.GetEntity(ctx, conflict.EntityKind, conflict.EntityID)
	if err != nil {
		return err
	}

	switch resolution {
	case models.ResolveUseLocal:
		// Re-submit the local snapshot, bypassing the newer-server check
		// the operator just overruled.
		if err := s.db.DeleteConflict(ctx, conflictID); err != nil {
			return err
		}
		record.Data = conflict.LocalData
		if err := s.syncEntity(ctx, record, true); err != nil {
			return err
		}

	case models.ResolveUseServer:
		// Accept the server copy locally; no network write happens.
		var envelope struct {
			UpdatedAt time.Time `json:"updated_at"`
		}
		updatedAt := s.nowFn()
		if err := json.Unmarshal(conflict.ServerData, &envelope); err == nil && !envelope.UpdatedAt.IsZero() {
			updatedAt = envelope.UpdatedAt
		}
		if err := s.db.MarkEntitySynced(ctx, conflict.EntityKind, conflict.EntityID, conflict.EntityID, conflict.ServerData, updatedAt, s.nowFn()); err != nil {
			return err
		}
		if err := s.db.DeleteConflict(ctx, conflictID); err != nil {
			return err
		}

	case models.ResolveMerge:
		if len(mergedData) == 0 {
			return ErrMergeDataRequired
		}
		if err := s.db.MarkEntityPending(ctx, conflict.EntityKind, conflict.EntityID, mergedData, s.nowFn()); err != nil {
			return err
		}
		if err := s.db.DeleteConflict(ctx, conflictID); err != nil {
			return err
		}
		record.Data = mergedData
		if err := s.syncEntity(ctx, record, true); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown resolution: %q", resolution)
	}

	s.bus.Publish(events.Event{Type: events.EventConflictFixed, EntityType: conflict.EntityType, EntityID: conflict.EntityID, ConflictID: conflictID})
	return nil
}

// PendingCount reports how many records await sync across all kinds.
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	return s.db.CountPendingEntities(ctx)
}

// rawID renders a JSON id value (string or number) as its canonical string.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var asNumber json.Number
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return asNumber.String()
	}
	return string(raw)
}
