// Package agent provides the client side of the registry: a typed HTTP
// client for the registry API and an Agent that keeps a service instance
// registered, heartbeating, and honestly reporting its own health.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gobeacon/gobeacon/core"
)

// Endpoint is the resolved target returned by service discovery.
type Endpoint struct {
	URL            string            `json:"url"`
	InstanceID     int               `json:"instance_id"`
	Metadata       map[string]string `json:"metadata"`
	PowerLevel     float64           `json:"power_level"`
	SecurityStatus string            `json:"security_status"`
}

// Client is a typed HTTP client for the registry API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  core.Logger
}

// NewClient creates a registry client. A nil logger is replaced with a
// no-op one.
func NewClient(baseURL string, logger core.Logger) *Client {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// Register announces an instance to the registry.
func (c *Client) Register(ctx context.Context, reg core.Registration) error {
	return c.post(ctx, "/register", reg, nil)
}

// Heartbeat reports liveness for an instance, with optional busy flag
// and metrics.
func (c *Client) Heartbeat(ctx context.Context, serviceType string, instanceID int, busy bool, metrics map[string]float64) error {
	path := fmt.Sprintf("/heartbeat/%s/%d", url.PathEscape(serviceType), instanceID)
	body := map[string]interface{}{"busy": busy}
	if metrics != nil {
		body["metrics"] = metrics
	}
	return c.post(ctx, path, body, nil)
}

// UpdateStatus reports an explicit status change, including dead.
func (c *Client) UpdateStatus(ctx context.Context, update core.StatusUpdate) error {
	return c.post(ctx, "/status", update, nil)
}

// Discover asks the registry for the best instance of a service type.
// Requirements are matched against instance metadata.
func (c *Client) Discover(ctx context.Context, serviceType string, requirements map[string]string) (*Endpoint, error) {
	target := c.baseURL + "/service/" + url.PathEscape(serviceType)
	if len(requirements) > 0 {
		query := url.Values{}
		for k, v := range requirements {
			query.Set(k, v)
		}
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discover %s: %w", serviceType, decodeError(resp))
	}

	var endpoint Endpoint
	if err := json.NewDecoder(resp.Body).Decode(&endpoint); err != nil {
		return nil, fmt.Errorf("failed to decode discovery response: %w", err)
	}
	return &endpoint, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s: %w", path, decodeError(resp))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// decodeError extracts the detail field from an error response, falling
// back to the raw status when the body is not the expected shape.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var detail struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &detail); err == nil && detail.Detail != "" {
		return fmt.Errorf("%s (HTTP %d)", detail.Detail, resp.StatusCode)
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}
