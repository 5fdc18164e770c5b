package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"salonsync/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := zerolog.New(zerolog.NewConsoleWriter())
	client := NewClient(config.RemoteConfig{
		BaseURL:         server.URL,
		HealthEndpoint:  "/api/health",
		AuthToken:       "secret-token",
		ProbeTimeout:    time.Second,
		DispatchTimeout: 5 * time.Second,
	}, &logger)
	return client, server
}

func TestDispatchSuccess(t *testing.T) {
	var gotAuth, gotContentType, gotBody string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"cl-1"}`))
	}))

	res, err := client.Dispatch(context.Background(), "/clients", "POST", json.RawMessage(`{"name":"Anna"}`), map[string]string{"x-request-id": "r1"})
	require.NoError(t, err)
	assert.True(t, res.StatusOK)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.JSONEq(t, `{"id":"cl-1"}`, string(res.Body))
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
	assert.JSONEq(t, `{"name":"Anna"}`, gotBody)
}

// An HTTP error response is a result, not an error; only network failures
// come back as errors.
func TestDispatchHTTPErrorIsNotAnError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid phone"}`))
	}))

	res, err := client.Dispatch(context.Background(), "/clients", "POST", nil, nil)
	require.NoError(t, err)
	assert.False(t, res.StatusOK)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.JSONEq(t, `{"error":"invalid phone"}`, string(res.Body))
}

func TestDispatchNetworkError(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()

	_, err := client.Dispatch(context.Background(), "/clients", "POST", nil, nil)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestFetchByID(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/clients/cl-1":
			_, _ = w.Write([]byte(`{"id":"cl-1","name":"Anna"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	body, err := client.FetchByID(context.Background(), "/clients", "cl-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"cl-1","name":"Anna"}`, string(body))

	_, err = client.FetchByID(context.Background(), "/clients", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchByIDUnexpectedStatus(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.FetchByID(context.Background(), "/clients", "cl-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestProbeHealth(t *testing.T) {
	healthy := true
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, "/api/health", r.URL.Path)
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))

	assert.True(t, client.ProbeHealth(context.Background()))

	healthy = false
	assert.False(t, client.ProbeHealth(context.Background()))

	server.Close()
	assert.False(t, client.ProbeHealth(context.Background()))
}
