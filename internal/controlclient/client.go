// SPDX-License-Identifier: MIT

// Package controlclient is a thin HTTP client against a running
// guardian daemon's healthagg mux: /healthz, /readyz, /metrics, and the
// /control/* reset and list-pipelines routes (spec §6 CLI boundary).
//
// Shared by cmd/guardian's non-"start" subcommands and cmd/guardianctl's
// interactive console, since both are separate process invocations that
// reach a running daemon's Supervisor only through its HTTP surface,
// never by reading another process's memory.
package controlclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/guardian-av/guardian/internal/healthagg"
)

// Client talks to one guardian daemon's control API.
type Client struct {
	BaseURL string
	http    *http.Client
}

// New builds a Client against baseURL (e.g. "http://127.0.0.1:8090").
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *Client) getJSON(path string, out any) error {
	resp, err := c.http.Get(c.BaseURL + path)
	if err != nil {
		return fmt.Errorf("controlclient: request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("controlclient: decode response from %s: %w", path, err)
	}
	return nil
}

func (c *Client) postJSON(path string, query url.Values, out any) (int, error) {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := c.http.Post(u, "application/json", nil)
	if err != nil {
		return 0, fmt.Errorf("controlclient: request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("controlclient: decode response from %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

// Health fetches the daemon's Health JSON.
func (c *Client) Health() (healthagg.Health, error) {
	var h healthagg.Health
	err := c.getJSON("/healthz", &h)
	return h, err
}

// Ready fetches the daemon's readiness JSON.
func (c *Client) Ready() (bool, healthagg.Status, error) {
	var body struct {
		Ready  bool             `json:"ready"`
		Status healthagg.Status `json:"status"`
	}
	if err := c.getJSON("/readyz", &body); err != nil {
		return false, "", err
	}
	return body.Ready, body.Status, nil
}

// ListPipelines fetches every channel the daemon owns.
func (c *Client) ListPipelines() ([]healthagg.PipelineStatus, error) {
	var out []healthagg.PipelineStatus
	err := c.getJSON("/control/pipelines", &out)
	return out, err
}

// Reset calls one of the three reset-* control routes for channel.
func (c *Client) Reset(route, channel string) (healthagg.ResetResult, int, error) {
	var result healthagg.ResetResult
	status, err := c.postJSON(route, url.Values{"channel": {channel}}, &result)
	return result, status, err
}

// Shutdown asks the daemon to stop.
func (c *Client) Shutdown() (int, error) {
	return c.postJSON("/control/shutdown", nil, nil)
}

// Reset route names, shared so callers don't hardcode the HTTP paths.
const (
	RouteResetCircuitBreaker   = "/control/reset-circuit-breaker"
	RouteResetTransportFallback = "/control/reset-transport-fallback"
	RouteResetChannelHealth    = "/control/reset-channel-health"
)
