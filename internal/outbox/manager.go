package outbox

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

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrInvalidTransaction rejects malformed construction at enqueue time;
	// such transactions are never persisted.
	ErrInvalidTransaction = errors.New("invalid transaction")
	// ErrOffline is returned for operations that require connectivity,
	// such as a direct GET.
	ErrOffline = errors.New("remote is not reachable")
)

const (
	redisQueueKey      = "outbox:queue"
	redisDeadLetterKey = "outbox:deadletter"
)

// Config tunes the manager's retry and pacing behavior.
type Config struct {
	MaxRetries      int
	Backoff         Backoff
	DispatchRPS     float64
	Burst           int
	DispatchTimeout time.Duration
	PollInterval    time.Duration
}

// Manager owns the outbox lifecycle: enqueue, sequential drain, retry
// scheduling and terminal failure marking. The durable store is the single
// source of truth; Redis, events and metrics are advisory mirrors.
type Manager struct {
	db         *database.DB
	dispatcher domain.Dispatcher
	conn       domain.ConnectionSource
	bus        *events.Bus
	redis      *redis.Client
	notifier   domain.Notifier
	limiter    *rate.Limiter
	logger     zerolog.Logger

	maxRetries      int
	backoff         Backoff
	dispatchTimeout time.Duration
	pollInterval    time.Duration

	draining atomic.Bool
	nowFn    func() time.Time
}

// NewManager builds a manager with sane defaults. redisClient and notifier
// may be nil.
func NewManager(db *database.DB, dispatcher domain.Dispatcher, conn domain.ConnectionSource, bus *events.Bus, redisClient *redis.Client, notifier domain.Notifier, cfg Config, logger *zerolog.Logger) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.DispatchRPS <= 0 {
		cfg.DispatchRPS = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}

	return &Manager{
		db:              db,
		dispatcher:      dispatcher,
		conn:            conn,
		bus:             bus,
		redis:           redisClient,
		notifier:        notifier,
		limiter:         rate.NewLimiter(rate.Limit(cfg.DispatchRPS), cfg.Burst),
		logger:          logger.With().Str("component", "outbox").Logger(),
		maxRetries:      cfg.MaxRetries,
		backoff:         cfg.Backoff,
		dispatchTimeout: cfg.DispatchTimeout,
		pollInterval:    cfg.PollInterval,
		nowFn:           time.Now,
	}
}

// Run rescans the store on a fixed interval until ctx is done. The online
// transition and Enqueue trigger drains opportunistically, but only this
// loop guarantees a scheduled retry fires once its next_retry_at passes
// while the process stays connected.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info().Dur("interval", m.pollInterval).Msg("outbox poll loop started")
	defer m.logger.Info().Msg("outbox poll loop stopped")

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Drain(ctx)
		}
	}
}

// SubmitOptions control the Submit fast path.
type SubmitOptions struct {
	Headers    map[string]string
	ForceQueue bool
}

// SubmitResult reports how a submission was handled.
type SubmitResult struct {
	Success       bool            `json:"success"`
	Queued        bool            `json:"queued"`
	TransactionID string          `json:"transaction_id,omitempty"`
	StatusCode    int             `json:"status_code,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Enqueue durably records a remote write and returns immediately. When the
// remote is reachable a drain is triggered opportunistically, but the
// caller never waits on the remote result.
func (m *Manager) Enqueue(ctx context.Context, endpoint, method string, payload json.RawMessage, headers map[string]string) (*models.QueuedTransaction, error) {
	if err := validate(endpoint, method); err != nil {
		return nil, err
	}

	tx := &models.QueuedTransaction{
		Endpoint:  endpoint,
		Method:    method,
		Payload:   append(json.RawMessage(nil), payload...),
		Headers:   cloneHeaders(headers),
		CreatedAt: m.nowFn(),
	}
	if err := m.db.AddTransaction(ctx, tx); err != nil {
		return nil, err
	}

	m.logger.Info().Str("tx_id", tx.ID).Str("endpoint", endpoint).Str("method", method).Msg("transaction queued")
	m.bus.Publish(events.Event{Type: events.EventQueued, TransactionID: tx.ID})
	m.updateDepthGauges(ctx)
	m.mirrorToRedis(ctx, redisQueueKey, tx)

	if m.conn.Connected() {
		go m.Drain(context.WithoutCancel(ctx))
	}

	return tx, nil
}

// Submit tries a direct dispatch first and falls back to the queue on a
// transient failure. POS-style callers that always want offline-durability
// semantics should use Enqueue instead.
func (m *Manager) Submit(ctx context.Context, endpoint, method string, payload json.RawMessage, opts SubmitOptions) (*SubmitResult, error) {
	if err := validate(endpoint, method); err != nil {
		return nil, err
	}

	if !opts.ForceQueue && m.conn.Connected() {
		dctx, cancel := context.WithTimeout(ctx, m.dispatchTimeout)
		res, err := m.dispatcher.Dispatch(dctx, endpoint, method, payload, opts.Headers)
		cancel()

		switch {
		case err == nil && res.StatusOK:
			return &SubmitResult{Success: true, StatusCode: res.StatusCode, Data: res.Body}, nil
		case err == nil && res.StatusCode < http.StatusInternalServerError:
			// The remote understood and rejected the request; queueing a
			// write the server will keep rejecting helps nobody.
			return &SubmitResult{Success: false, StatusCode: res.StatusCode, Data: res.Body}, nil
		case err != nil:
			m.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("direct dispatch unreachable, queueing")
		default:
			m.logger.Warn().Int("status", res.StatusCode).Str("endpoint", endpoint).Msg("direct dispatch failed, queueing")
		}
	}

	// Reads cannot be deferred; there is nothing to replay later.
	if method == http.MethodGet {
		return nil, fmt.Errorf("%w: cannot queue GET %s", ErrOffline, endpoint)
	}

	tx, err := m.Enqueue(ctx, endpoint, method, payload, opts.Headers)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Success: true, Queued: true, TransactionID: tx.ID}, nil
}

// Drain processes the pending snapshot oldest-first, sequentially. A
// concurrent call while a drain is in progress is a benign no-op. One
// failing transaction never halts processing of the rest.
func (m *Manager) Drain(ctx context.Context) {
	if !m.draining.CompareAndSwap(false, true) {
		return
	}
	defer m.draining.Store(false)

	if !m.conn.Connected() {
		return
	}

	pending, err := m.db.ListDispatchable(ctx, m.nowFn())
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list dispatchable transactions")
		return
	}
	if len(pending) == 0 {
		return
	}

	m.logger.Info().Int("count", len(pending)).Msg("drain started")
	m.bus.Publish(events.Event{Type: events.EventSyncStarted})

	for _, tx := range pending {
		if ctx.Err() != nil {
			return
		}
		if !m.conn.Connected() {
			// Connectivity dropped mid-drain; the rest stays pending and
			// the next online transition rescans the store.
			break
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
		m.dispatchOne(ctx, tx)
	}

	m.bus.Publish(events.Event{Type: events.EventSyncCompleted})
	m.updateDepthGauges(ctx)
}

func (m *Manager) dispatchOne(ctx context.Context, tx *models.QueuedTransaction) {
	dctx, cancel := context.WithTimeout(ctx, m.dispatchTimeout)
	res, err := m.dispatcher.Dispatch(dctx, tx.Endpoint, tx.Method, tx.Payload, tx.Headers)
	cancel()

	now := m.nowFn()

	switch {
	case err != nil:
		// Network-level failure; retryable like any other but logged apart.
		m.logger.Warn().Err(err).Str("tx_id", tx.ID).Msg("dispatch unreachable")
		metrics.IncDispatch("network_error")
		m.retryOrFail(ctx, tx, err.Error(), now)
	case res.StatusOK:
		if err := m.db.MarkTransactionCompleted(ctx, tx.ID, now); err != nil {
			m.logger.Error().Err(err).Str("tx_id", tx.ID).Msg("failed to mark completed")
			return
		}
		m.logger.Info().Str("tx_id", tx.ID).Int("status", res.StatusCode).Msg("transaction completed")
		metrics.IncDispatch("completed")
		m.bus.Publish(events.Event{Type: events.EventCompleted, TransactionID: tx.ID})
	default:
		cause := fmt.Sprintf("HTTP %d: %s", res.StatusCode, truncate(res.Body, 512))
		m.logger.Warn().Str("tx_id", tx.ID).Int("status", res.StatusCode).Msg("dispatch rejected")
		m.retryOrFail(ctx, tx, cause, now)
	}
}

func (m *Manager) retryOrFail(ctx context.Context, tx *models.QueuedTransaction, cause string, now time.Time) {
	attempt := tx.RetryCount + 1
	if attempt >= m.maxRetries {
		if err := m.db.MarkTransactionFailed(ctx, tx.ID, cause, attempt, now); err != nil {
			m.logger.Error().Err(err).Str("tx_id", tx.ID).Msg("failed to mark failed")
			return
		}
		m.logger.Error().Str("tx_id", tx.ID).Int("attempts", attempt).Str("cause", cause).Msg("transaction failed after max retries")
		metrics.IncDispatch("failed")
		m.bus.Publish(events.Event{Type: events.EventFailed, TransactionID: tx.ID, Error: cause, RetryCount: attempt})

		tx.Status = models.TxStatusFailed
		tx.RetryCount = attempt
		tx.LastError = &cause
		m.mirrorToRedis(ctx, redisDeadLetterKey, tx)
		if m.notifier != nil {
			m.notifier.TransactionFailed(tx)
		}
		return
	}

	delay := m.backoff.Delay(attempt)
	nextRetry := now.Add(delay)
	if err := m.db.ScheduleTransactionRetry(ctx, tx.ID, cause, now, nextRetry); err != nil {
		m.logger.Error().Err(err).Str("tx_id", tx.ID).Msg("failed to schedule retry")
		return
	}
	m.logger.Info().Str("tx_id", tx.ID).Int("attempt", attempt).Dur("next_retry_in", delay).Msg("retry scheduled")
	metrics.IncDispatch("retry")
	m.bus.Publish(events.Event{Type: events.EventRetry, TransactionID: tx.ID, Error: cause, RetryCount: attempt, NextRetryIn: delay})
}

// RetryFailed returns a failed transaction to the queue with a fresh retry
// budget. It stays inspectable and retriable indefinitely until deleted.
func (m *Manager) RetryFailed(ctx context.Context, id string) error {
	tx, err := m.db.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	if tx.Status != models.TxStatusFailed {
		return fmt.Errorf("%w: transaction %s is %s, not failed", ErrInvalidTransaction, id, tx.Status)
	}
	if err := m.db.ResetTransaction(ctx, id); err != nil {
		return err
	}
	m.bus.Publish(events.Event{Type: events.EventQueued, TransactionID: id})
	if m.conn.Connected() {
		go m.Drain(context.WithoutCancel(ctx))
	}
	return nil
}

// Delete removes a transaction regardless of status.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := m.db.DeleteTransaction(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		m.bus.Publish(events.Event{Type: events.EventDeleted, TransactionID: id})
		m.updateDepthGauges(ctx)
	}
	return deleted, nil
}

// ClearCompleted removes completed transactions and returns their ids.
func (m *Manager) ClearCompleted(ctx context.Context) ([]string, error) {
	ids, err := m.db.ClearCompleted(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		m.bus.Publish(events.Event{Type: events.EventDeleted, TransactionID: id})
	}
	m.updateDepthGauges(ctx)
	return ids, nil
}

// Stats reports queue counts for UI and ops visibility.
func (m *Manager) Stats(ctx context.Context) (*models.OutboxStats, error) {
	return m.db.OutboxStats(ctx)
}

// Subscribe registers an event listener; the returned function removes it.
func (m *Manager) Subscribe(listener events.Listener) func() {
	return m.bus.Subscribe(listener)
}

func (m *Manager) updateDepthGauges(ctx context.Context) {
	stats, err := m.db.OutboxStats(ctx)
	if err != nil {
		return
	}
	metrics.SetQueueDepth(models.TxStatusPending, stats.Pending)
	metrics.SetQueueDepth(models.TxStatusFailed, stats.Failed)
	metrics.SetQueueDepth(models.TxStatusCompleted, stats.Completed)
}

// mirrorToRedis pushes an advisory copy for cross-process observers. The
// SQLite store remains the source of truth; a push failure is logged only.
func (m *Manager) mirrorToRedis(ctx context.Context, key string, tx *models.QueuedTransaction) {
	if m.redis == nil {
		return
	}
	data, err := json.Marshal(tx)
	if err != nil {
		m.logger.Error().Err(err).Str("tx_id", tx.ID).Msg("failed to encode transaction for redis")
		return
	}
	if err := m.redis.LPush(ctx, key, data).Err(); err != nil {
		m.logger.Warn().Err(err).Str("key", key).Msg("redis push failed")
	}
}

func validate(endpoint, method string) error {
	if endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidTransaction)
	}
	if !models.ValidMethod(method) {
		return fmt.Errorf("%w: unsupported method %q", ErrInvalidTransaction, method)
	}
	return nil
}

func cloneHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
