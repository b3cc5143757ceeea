package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/manthysbr/kafu/internal/kafuerr"
)

const (
	defaultConnectTimeout = 3 * time.Second
	defaultRequestTimeout = 10 * time.Second
	migrateRequestTimeout = 30 * time.Second
)

// Client is a typed HTTP client for one peer node's control-plane
// endpoints (SPEC_FULL.md §4.8). One Client is built per peer.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client targeting a peer's "host:port" endpoint.
func NewClient(endpoint string) *Client {
	return &Client{
		baseURL: "http://" + endpoint,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: defaultConnectTimeout}).DialContext,
			},
		},
	}
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, reqBody, respBody any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return kafuerr.Wrap(kafuerr.Transport, "failed to marshal request body", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return kafuerr.Wrap(kafuerr.Transport, "failed to build request", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return kafuerr.Wrap(kafuerr.Transport, fmt.Sprintf("request to %s failed", path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return kafuerr.Newf(kafuerr.Transport, "%s returned %d: %s", path, resp.StatusCode, string(msg))
	}

	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return kafuerr.Wrap(kafuerr.Transport, "failed to decode response body", err)
	}
	return nil
}

// CheckSnapshotCache asks whether the peer already holds a baseline for
// digest (SPEC_FULL.md §4.4 step 1).
func (c *Client) CheckSnapshotCache(ctx context.Context, digest string) (bool, error) {
	var resp CheckSnapshotCacheResponse
	err := c.do(ctx, defaultRequestTimeout, http.MethodPost, "/rpc/check-snapshot-cache",
		CheckSnapshotCacheRequest{ModuleDigest: digest}, &resp)
	return resp.Present, err
}

// Migrate ships a migration request to the peer.
func (c *Client) Migrate(ctx context.Context, req MigrateRequest) (MigrateResponse, error) {
	var resp MigrateResponse
	err := c.do(ctx, migrateRequestTimeout, http.MethodPost, "/rpc/migrate", req, &resp)
	return resp, err
}

// Heartbeat pushes a liveness heartbeat to the peer (SPEC_FULL.md §4.6).
func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	var resp HeartbeatResponse
	err := c.do(ctx, defaultRequestTimeout, http.MethodPost, "/rpc/heartbeat", req, &resp)
	return resp, err
}

// Shutdown asks the peer to begin coordinated shutdown.
func (c *Client) Shutdown(ctx context.Context, req ShutdownRequest) (ShutdownResponse, error) {
	var resp ShutdownResponse
	err := c.do(ctx, defaultRequestTimeout, http.MethodPost, "/rpc/shutdown", req, &resp)
	return resp, err
}

// HealthCheck reports whether the peer's named health service is serving.
func (c *Client) HealthCheck(ctx context.Context, service string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz?service="+service, nil)
	if err != nil {
		return false, kafuerr.Wrap(kafuerr.Transport, "failed to build health check request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, kafuerr.Wrap(kafuerr.Transport, "health check request failed", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}
