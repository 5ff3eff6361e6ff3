// Package apiclient is the reader agent's client for the attendance API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Registration identifies the reader to the API.
type Registration struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
	Location   string `json:"location"`
}

// Tokens are the credentials returned by registration.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Scan is one raw id read by a keyboard-wedge reader.
type Scan struct {
	RawID      string `json:"rawId"`
	DeviceID   string `json:"deviceId,omitempty"`
	DeviceName string `json:"deviceName,omitempty"`
	Location   string `json:"location,omitempty"`
}

// ScanResult is the API's answer to an accepted scan.
type ScanResult struct {
	Message string `json:"message"`
	Data    struct {
		ID           string `json:"id"`
		IdentityName string `json:"identityName"`
		Direction    string `json:"direction"`
		Timestamp    string `json:"timestamp"`
	} `json:"data"`
}

// APIError is a non-2xx answer. Rejected scans (unknown card, inactive
// card) arrive as APIErrors with their status code.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// IsRejection reports whether err is a scan the API refused rather than a
// transport or server failure.
func IsRejection(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != http.StatusUnauthorized
}

// Client calls the attendance API on behalf of one device.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	mu     sync.Mutex
	reg    *Registration
	tokens Tokens
}

// New creates a client with configurable timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Register registers the device and keeps its tokens for later calls.
func (c *Client) Register(ctx context.Context, reg Registration) (Tokens, error) {
	var out Tokens
	if err := c.post(ctx, "/v1/devices/register", "", reg, &out); err != nil {
		return Tokens{}, err
	}
	c.mu.Lock()
	c.reg = &reg
	c.tokens = out
	c.mu.Unlock()
	return out, nil
}

// SubmitScan posts a scan. An expired session is renewed once by
// registering again.
func (c *Client) SubmitScan(ctx context.Context, scan Scan) (ScanResult, error) {
	var out ScanResult
	err := c.post(ctx, "/v1/attendance/scan", c.accessToken(), scan, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		c.mu.Lock()
		reg := c.reg
		c.mu.Unlock()
		if reg == nil {
			return ScanResult{}, err
		}
		if _, rerr := c.Register(ctx, *reg); rerr != nil {
			return ScanResult{}, fmt.Errorf("re-register: %w", rerr)
		}
		out = ScanResult{}
		err = c.post(ctx, "/v1/attendance/scan", c.accessToken(), scan, &out)
	}
	if err != nil {
		return ScanResult{}, err
	}
	return out, nil
}

// Health checks if the API is available.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("attendance api unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("attendance api unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) accessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens.AccessToken
}

func (c *Client) post(ctx context.Context, path, token string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("attendance api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		var payload struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
