package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"salonsync/internal/config"
	"salonsync/internal/database"
	"salonsync/internal/domain"
	"salonsync/internal/events"
	"salonsync/internal/export"
	"salonsync/internal/models"
	"salonsync/internal/outbox"
	"salonsync/internal/syncsvc"
	"salonsync/internal/transport"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "test-key"

type stubRemote struct{}

func (stubRemote) Dispatch(context.Context, string, string, json.RawMessage, map[string]string) (*domain.DispatchResult, error) {
	return &domain.DispatchResult{StatusOK: true, StatusCode: 200}, nil
}

func (stubRemote) FetchByID(context.Context, string, string) (json.RawMessage, error) {
	return nil, transport.ErrNotFound
}

type stubConn struct {
	connected bool
}

func (c stubConn) Connected() bool { return c.connected }

func (c stubConn) Status() models.ConnectionStatus {
	return models.ConnectionStatus{IsOnline: true, IsConnected: c.connected}
}

func newTestServer(t *testing.T, connected bool) (*HTTPServer, *database.DB) {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := zerolog.New(zerolog.NewConsoleWriter())
	bus := events.NewBus()
	conn := stubConn{connected: connected}
	remote := stubRemote{}

	manager := outbox.NewManager(db, remote, conn, bus, nil, nil, outbox.Config{}, &logger)
	syncer := syncsvc.NewService(db, remote, conn, bus, nil, 3, nil, &logger)
	exporter := export.NewExporter(db, filepath.Join(t.TempDir(), "exports"))

	cfg := config.APIConfig{Enabled: true, Port: 0, APIKey: testAPIKey, RateRPS: 1000, RateBurst: 100}
	return NewHTTPServer(cfg, db, manager, syncer, conn, exporter, false, &logger), db
}

func doRequest(t *testing.T, srv *HTTPServer, method, path string, body []byte, withKey bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if withKey {
		req.Header.Set("x-api-key", testAPIKey)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t, true)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/outbox/stats", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/outbox/stats", nil)
	req.Header.Set("x-api-key", "wrong-key")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthIsUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t, true)

	rec := doRequest(t, srv, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatsEndpoint(t *testing.T) {
	srv, db := newTestServer(t, false)
	ctx := context.Background()

	require.NoError(t, db.AddTransaction(ctx, &models.QueuedTransaction{Endpoint: "/clients", Method: "POST"}))
	require.NoError(t, db.UpsertEntity(ctx, &models.EntityRecord{Kind: models.KindClient, Data: json.RawMessage(`{}`)}))

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/outbox/stats", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Outbox          models.OutboxStats `json:"outbox"`
		PendingEntities int                `json:"pending_entities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Outbox.Pending)
	assert.Equal(t, 1, body.PendingEntities)
}

func TestFailedListAndRetry(t *testing.T) {
	srv, db := newTestServer(t, false)
	ctx := context.Background()

	tx := &models.QueuedTransaction{Endpoint: "/payments", Method: "POST"}
	require.NoError(t, db.AddTransaction(ctx, tx))
	require.NoError(t, db.MarkTransactionFailed(ctx, tx.ID, "HTTP 500", 3, time.Now()))

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/outbox/failed", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Transactions []*models.QueuedTransaction `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Transactions, 1)
	assert.Equal(t, tx.ID, list.Transactions[0].ID)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/outbox/"+tx.ID+"/retry", nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)

	got, err := db.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusPending, got.Status)

	// Retrying a pending transaction is rejected.
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/outbox/"+tx.ID+"/retry", nil, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/outbox/missing/retry", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAndDeleteTransaction(t *testing.T) {
	srv, db := newTestServer(t, false)
	ctx := context.Background()

	tx := &models.QueuedTransaction{Endpoint: "/clients", Method: "POST"}
	require.NoError(t, db.AddTransaction(ctx, tx))

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/outbox/"+tx.ID, nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodDelete, "/api/v1/outbox/"+tx.ID, nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/outbox/"+tx.ID, nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncEndpointOffline(t *testing.T) {
	srv, _ := newTestServer(t, false)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/sync", nil, true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSyncEndpointOnline(t *testing.T) {
	srv, db := newTestServer(t, true)
	ctx := context.Background()

	require.NoError(t, db.UpsertEntity(ctx, &models.EntityRecord{ID: "cl-1", Kind: models.KindClient, Data: json.RawMessage(`{}`)}))

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/sync", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var summary syncsvc.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.Synced)
}

func TestConflictEndpoints(t *testing.T) {
	srv, db := newTestServer(t, false)
	ctx := context.Background()

	require.NoError(t, db.UpsertEntity(ctx, &models.EntityRecord{ID: "cl-1", Kind: models.KindClient, Data: json.RawMessage(`{"name":"Local"}`)}))
	conflict := &models.Conflict{
		EntityKind: models.KindClient,
		EntityID:   "cl-1",
		LocalData:  json.RawMessage(`{"name":"Local"}`),
		ServerData: json.RawMessage(`{"name":"Server"}`),
	}
	require.NoError(t, db.AddConflict(ctx, conflict))

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/conflicts", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Conflicts []*models.Conflict `json:"conflicts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Conflicts, 1)

	body, _ := json.Marshal(map[string]any{"resolution": models.ResolveUseServer})
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/conflicts/"+strconv.FormatInt(conflict.ID, 10)+"/resolve", body, true)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/conflicts", nil, true)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Conflicts)
}

func TestResolveConflictBadRequests(t *testing.T) {
	srv, _ := newTestServer(t, false)

	body, _ := json.Marshal(map[string]any{"resolution": models.ResolveUseLocal})
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/conflicts/not-a-number/resolve", body, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/conflicts/12345/resolve", body, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClearCompletedEndpoint(t *testing.T) {
	srv, db := newTestServer(t, false)
	ctx := context.Background()

	tx := &models.QueuedTransaction{Endpoint: "/clients", Method: "POST"}
	require.NoError(t, db.AddTransaction(ctx, tx))
	require.NoError(t, db.MarkTransactionCompleted(ctx, tx.ID, time.Now()))

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/outbox/clear-completed", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Cleared int      `json:"cleared"`
		IDs     []string `json:"ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Cleared)
	assert.Equal(t, []string{tx.ID}, body.IDs)
}

func TestRateLimit(t *testing.T) {
	db, err := database.NewDB(filepath.Join(t.TempDir(), "rate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := zerolog.New(zerolog.NewConsoleWriter())
	bus := events.NewBus()
	conn := stubConn{}
	manager := outbox.NewManager(db, stubRemote{}, conn, bus, nil, nil, outbox.Config{}, &logger)
	syncer := syncsvc.NewService(db, stubRemote{}, conn, bus, nil, 3, nil, &logger)
	exporter := export.NewExporter(db, t.TempDir())

	cfg := config.APIConfig{Enabled: true, APIKey: testAPIKey, RateRPS: 0.001, RateBurst: 1}
	srv := NewHTTPServer(cfg, db, manager, syncer, conn, exporter, false, &logger)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/outbox/stats", nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/outbox/stats", nil, true)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
