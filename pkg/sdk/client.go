// Package sdk provides the Tracel API client for external integrations.
//
// This is the library that dashboards, agents and ops tooling embed to talk
// to a Tracel deployment: resolve a session, page through classified packet
// history, pull threat intelligence and subscribe to the live packet feed.
//
// Three integration patterns:
//
//  1. Typed calls: client.Packets(ctx, query) — the REST surface
//  2. Live feed: client.StreamFeed(ctx, handler) — websocket packet stream
//  3. Wrapped transport: sdk.WrapHTTPClient(client, nil) — identity headers
//     on any http.Client, for endpoints the typed surface does not cover
//
// Quick Start:
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL: "http://localhost:8080",
//	    AnonID:  "dashboard-7",
//	})
//
//	page, err := client.Packets(ctx, sdk.PacketQuery{Limit: 50})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, p := range page.Packets {
//	    fmt.Println(p.SourceIP, p.IsAnomaly)
//	}
package sdk

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
)

// AnonIDHeader carries the caller's anonymous identity. The server scopes
// all traffic and history to it when no bearer token is presented.
const AnonIDHeader = "X-Tracel-Anon-Id"

// Config holds the Tracel SDK configuration.
type Config struct {
	// BaseURL is the Tracel service endpoint (required)
	// Examples: "https://tracel.yourcompany.com", "http://localhost:8080"
	BaseURL string

	// AnonID is the anonymous identity to present. Auto-generated if empty.
	// All packet history is scoped to this ID unless Token is set.
	AnonID string

	// Token is an optional JWT for a verified user session
	Token string

	// Timeout for API calls (default 10s)
	Timeout time.Duration
}

// Client is the Tracel API client. It is safe for concurrent use.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a new Tracel SDK client.
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL: "http://localhost:8080",
//	})
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.AnonID == "" {
		cfg.AnonID = fmt.Sprintf("sdk-%d", time.Now().UnixNano())
	}

	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// APIError is a rejected request: the server answered, but with a non-2xx
// status. The Message is the server's own error text.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracel-sdk: server returned %d: %s", e.Status, e.Message)
}

// IsAPIError unwraps err as an *APIError when the server rejected the call.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// Session resolves the caller's identity and live pipeline state.
// Anonymous callers are minted an identity on first contact.
func (c *Client) Session(ctx context.Context) (*Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodGet, "/api/session", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status reports scoring-service readiness and the caller's session start.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Packets pages through the caller's classified packet history, newest
// first.
//
// Example:
//
//	anomalies := true
//	page, err := client.Packets(ctx, sdk.PacketQuery{
//	    Limit:   100,
//	    Anomaly: &anomalies,
//	    Since:   time.Now().Add(-time.Hour),
//	})
func (c *Client) Packets(ctx context.Context, q PacketQuery) (*PacketPage, error) {
	params := url.Values{}
	if q.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", q.Limit))
	}
	if !q.Since.IsZero() {
		params.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if q.Anomaly != nil {
		params.Set("anomaly", fmt.Sprintf("%t", *q.Anomaly))
	}
	if q.IP != "" {
		params.Set("ip", q.IP)
	}

	var out PacketPage
	if err := c.do(ctx, http.MethodGet, "/api/packets", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PacketCount returns the caller's all-time packet total.
func (c *Client) PacketCount(ctx context.Context) (int64, error) {
	var out struct {
		TotalPackets int64 `json:"totalPackets"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/packets/count", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.TotalPackets, nil
}

// ThreatCount returns the caller's threat total over the trailing window.
// sinceHours 0 uses the server default (24h).
func (c *Client) ThreatCount(ctx context.Context, sinceHours int) (int64, error) {
	params := url.Values{}
	if sinceHours > 0 {
		params.Set("sinceHours", fmt.Sprintf("%d", sinceHours))
	}

	var out struct {
		TotalThreats int64 `json:"totalThreats"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/threats/count", params, nil, &out); err != nil {
		return 0, err
	}
	return out.TotalThreats, nil
}

// ThreatIntel builds the caller's threat report over the trailing window.
// sinceHours 0 uses the server default (24h); topN 0 the default table size.
func (c *Client) ThreatIntel(ctx context.Context, sinceHours, topN int) (*ThreatIntel, error) {
	params := url.Values{}
	if sinceHours > 0 {
		params.Set("sinceHours", fmt.Sprintf("%d", sinceHours))
	}
	if topN > 0 {
		params.Set("limit", fmt.Sprintf("%d", topN))
	}

	var out ThreatIntel
	if err := c.do(ctx, http.MethodGet, "/api/threat-intel", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Timeline returns the caller's incident timeline, zero-filled across the
// requested window.
func (c *Client) Timeline(ctx context.Context, q TimelineQuery) (*Timeline, error) {
	params := url.Values{}
	if !q.From.IsZero() {
		params.Set("from", q.From.UTC().Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		params.Set("to", q.To.UTC().Format(time.RFC3339))
	}
	if q.Bucket != "" {
		params.Set("bucket", q.Bucket)
	}

	var out Timeline
	if err := c.do(ctx, http.MethodGet, "/api/incidents/timeline", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitContact files a contact-form submission and returns its ID.
func (c *Client) SubmitContact(ctx context.Context, req ContactRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/contact", nil, req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Health checks service liveness. With probe set it also exercises the AI
// scoring path end to end; a degraded service surfaces as an *APIError
// with status 503.
func (c *Client) Health(ctx context.Context, probe bool) error {
	params := url.Values{}
	if probe {
		params.Set("load", "1")
	}
	return c.do(ctx, http.MethodGet, "/health", params, nil, nil)
}

// do runs one API call: marshal body, stamp identity headers, decode the
// response envelope and, on success, the payload into out.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("tracel-sdk: failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	endpoint := c.config.BaseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("tracel-sdk: failed to create request: %w", err)
	}
	req.Header.Set(AnonIDHeader, c.config.AnonID)
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tracel-sdk: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("tracel-sdk: failed to read response: %w", err)
	}

	var env struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("tracel-sdk: failed to parse response: %w", err)
	}
	if resp.StatusCode >= 400 || !env.OK {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("tracel-sdk: failed to parse response: %w", err)
		}
	}
	return nil
}
