package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"salonsync/internal/config"
	"salonsync/internal/domain"

	"github.com/rs/zerolog"
)

// ErrUnreachable marks a network-level failure (DNS, refused connection,
// timeout) as opposed to an HTTP error response. Both are retryable but
// they are logged and counted differently.
var ErrUnreachable = errors.New("remote unreachable")

// ErrNotFound is returned by FetchByID when the remote record does not exist.
var ErrNotFound = errors.New("remote record not found")

// Client talks to the authoritative backend over HTTP. It implements
// domain.Remote and domain.HealthProber.
type Client struct {
	baseURL        string
	healthEndpoint string
	authToken      string
	httpClient     *http.Client
	probeClient    *http.Client
	logger         zerolog.Logger
}

var _ domain.Remote = (*Client)(nil)
var _ domain.HealthProber = (*Client)(nil)

func NewClient(cfg config.RemoteConfig, logger *zerolog.Logger) *Client {
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		healthEndpoint: cfg.HealthEndpoint,
		authToken:      cfg.AuthToken,
		httpClient:     &http.Client{Timeout: cfg.DispatchTimeout},
		probeClient:    &http.Client{Timeout: cfg.ProbeTimeout},
		logger:         logger.With().Str("component", "transport").Logger(),
	}
}

// Dispatch performs one remote call. Ordinary HTTP error codes are returned
// in the result, not as errors; only network-level failures produce an
// error, wrapped with ErrUnreachable.
func (c *Client) Dispatch(ctx context.Context, endpoint, method string, body json.RawMessage, headers map[string]string) (*domain.DispatchResult, error) {
	var reader io.Reader
	if len(body) > 0 && method != http.MethodGet {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyAuth(req)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnreachable, err)
	}

	return &domain.DispatchResult{
		StatusOK:   resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		Body:       respBody,
	}, nil
}

// FetchByID retrieves a single remote record; used only by conflict detection.
func (c *Client) FetchByID(ctx context.Context, endpoint, id string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint+"/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s/%s: %v", ErrUnreachable, endpoint, id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s/%s: unexpected status %d", endpoint, id, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

// ProbeHealth performs the short-timeout liveness check. The probe client
// caps the round trip so a dead remote cannot stall the caller.
func (c *Client) ProbeHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+c.healthEndpoint, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := c.probeClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Dur("elapsed", time.Since(start)).Msg("health probe failed")
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (c *Client) applyAuth(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}
