package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrFetchFailed is returned when the directory service cannot be reached
// or answers with an error status.
var ErrFetchFailed = errors.New("directory: fetch failed")

// API is the directory service surface the cached Directory consumes.
type API interface {
	FetchDevices(ctx context.Context, groupID string) ([]DeviceKeyEntry, error)
	PublishDevice(ctx context.Context, groupID string, device DeviceKeyEntry) error
	RevokeDevice(ctx context.Context, groupID, deviceID string) error
}

// Client talks to the directory service over HTTP. Requests carry the
// caller's context, respect a per-client timeout, and pass through a token
// bucket so a misbehaving caller cannot hammer the service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a directory service client. rps and burst bound the
// request rate; timeout bounds each request on top of the caller's context.
func NewClient(baseURL string, timeout time.Duration, rps float64, burst int) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("empty directory base URL")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid directory base URL: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

func (c *Client) devicesURL(groupID string) string {
	return c.baseURL + "/groups/" + url.PathEscape(groupID) + "/devices"
}

// FetchDevices retrieves the full device list for a group, active and
// revoked alike, with fingerprints computed locally.
func (c *Client) FetchDevices(ctx context.Context, groupID string) ([]DeviceKeyEntry, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.devicesURL(groupID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrFetchFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrFetchFailed, resp.Status)
	}

	var wire []wireDevice
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("malformed directory response: %w", err)
	}

	devices := make([]DeviceKeyEntry, 0, len(wire))
	for i := range wire {
		entry, err := wire[i].toEntry()
		if err != nil {
			return nil, fmt.Errorf("malformed directory response: %w", err)
		}
		devices = append(devices, entry)
	}

	logrus.WithFields(logrus.Fields{
		"function": "FetchDevices",
		"group_id": groupID,
		"devices":  len(devices),
	}).Debug("Fetched device list")

	return devices, nil
}

// PublishDevice registers or updates this device's public keys for a group.
func (c *Client) PublishDevice(ctx context.Context, groupID string, device DeviceKeyEntry) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	payload, err := json.Marshal(fromEntry(device))
	if err != nil {
		return fmt.Errorf("failed to serialize device: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.devicesURL(groupID), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("publish request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("publish rejected: %s - %s", resp.Status, string(body))
	}

	logrus.WithFields(logrus.Fields{
		"function":    "PublishDevice",
		"group_id":    groupID,
		"device_id":   device.DeviceID,
		"key_version": device.KeyVersion,
	}).Info("Published device keys")

	return nil
}

// RevokeDevice marks a device revoked on the directory service.
func (c *Client) RevokeDevice(ctx context.Context, groupID, deviceID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	target := c.devicesURL(groupID) + "/" + url.PathEscape(deviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("revoke rejected: %s - %s", resp.Status, string(body))
	}

	logrus.WithFields(logrus.Fields{
		"function":  "RevokeDevice",
		"group_id":  groupID,
		"device_id": deviceID,
	}).Info("Revoked device")

	return nil
}
