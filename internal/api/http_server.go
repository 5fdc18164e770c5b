package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"salonsync/internal/config"
	"salonsync/internal/database"
	"salonsync/internal/export"
	"salonsync/internal/models"
	"salonsync/internal/outbox"
	"salonsync/internal/syncsvc"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// HTTPServer exposes the engine's ops surface: queue stats, failed
// transaction management, conflict resolution and health.
type HTTPServer struct {
	cfg      config.APIConfig
	db       *database.DB
	manager  *outbox.Manager
	syncer   *syncsvc.Service
	conn     connectionSource
	exporter *export.Exporter
	logger   zerolog.Logger
	limiter  *rate.Limiter
	server   *http.Server
}

type connectionSource interface {
	Status() models.ConnectionStatus
}

func NewHTTPServer(cfg config.APIConfig, db *database.DB, manager *outbox.Manager, syncer *syncsvc.Service, conn connectionSource, exporter *export.Exporter, metricsEnabled bool, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{
		cfg:      cfg,
		db:       db,
		manager:  manager,
		syncer:   syncer,
		conn:     conn,
		exporter: exporter,
		logger:   logger.With().Str("component", "ops-api").Logger(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/api/v1/outbox/stats", srv.handleStats)
	mux.HandleFunc("/api/v1/outbox/failed", srv.handleFailed)
	mux.HandleFunc("/api/v1/outbox/clear-completed", srv.handleClearCompleted)
	mux.HandleFunc("/api/v1/outbox/", srv.handleTransaction)
	mux.HandleFunc("/api/v1/sync", srv.handleSync)
	mux.HandleFunc("/api/v1/conflicts", srv.handleConflicts)
	mux.HandleFunc("/api/v1/conflicts/", srv.handleResolveConflict)
	mux.HandleFunc("/api/v1/export", srv.handleExport)
	if metricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.loggingMiddleware(srv.authMiddleware(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

func (s *HTTPServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("ops API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the routing stack for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health and metrics stay unauthenticated for probes and scrapers.
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("x-api-key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("elapsed", time.Since(start)).Msg("request")
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.conn.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"connectivity": status,
	})
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.manager.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}
	pendingEntities, err := s.syncer.PendingCount(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count pending entities")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outbox":           stats,
		"pending_entities": pendingEntities,
	})
}

func (s *HTTPServer) handleFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	failed, err := s.db.ListTransactionsByStatus(r.Context(), models.TxStatusFailed)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": failed})
}

func (s *HTTPServer) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ids, err := s.manager.ClearCompleted(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear completed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": len(ids), "ids": ids})
}

// handleTransaction serves /api/v1/outbox/{id} and /api/v1/outbox/{id}/retry.
func (s *HTTPServer) handleTransaction(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/v1/outbox/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)

	if id, ok := strings.CutSuffix(rest, "/retry"); ok {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		err := s.manager.RetryFailed(r.Context(), id)
		switch {
		case errors.Is(err, database.ErrNotFound):
			writeError(w, http.StatusNotFound, "transaction not found")
		case errors.Is(err, outbox.ErrInvalidTransaction):
			writeError(w, http.StatusConflict, err.Error())
		case err != nil:
			writeError(w, http.StatusInternalServerError, "failed to retry transaction")
		default:
			writeJSON(w, http.StatusOK, map[string]any{"retried": id})
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		tx, err := s.db.GetTransaction(r.Context(), rest)
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "transaction not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to get transaction")
			return
		}
		writeJSON(w, http.StatusOK, tx)
	case http.MethodDelete:
		deleted, err := s.manager.Delete(r.Context(), rest)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete transaction")
			return
		}
		if !deleted {
			writeError(w, http.StatusNotFound, "transaction not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": rest})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	summary, err := s.syncer.SyncAll(r.Context())
	switch {
	case errors.Is(err, syncsvc.ErrSyncInProgress):
		writeError(w, http.StatusConflict, "sync already in progress")
	case errors.Is(err, syncsvc.ErrOffline):
		writeError(w, http.StatusServiceUnavailable, "remote is not reachable")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "sync failed")
	default:
		writeJSON(w, http.StatusOK, summary)
	}
}

func (s *HTTPServer) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	conflicts, err := s.db.ListOpenConflicts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list conflicts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

// handleResolveConflict serves POST /api/v1/conflicts/{id}/resolve.
func (s *HTTPServer) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/v1/conflicts/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	idStr, ok := strings.CutSuffix(rest, "/resolve")
	if !ok || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conflict id")
		return
	}

	var req struct {
		Resolution string          `json:"resolution"`
		MergedData json.RawMessage `json:"merged_data,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err = s.syncer.ResolveConflict(r.Context(), id, req.Resolution, req.MergedData)
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "conflict not found")
	case errors.Is(err, syncsvc.ErrMergeDataRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to resolve conflict")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"resolved": id})
	}
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	path, err := s.exporter.WriteReport(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to write report")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
