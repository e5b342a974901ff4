// Package api implements the HTTP client for the writing backend's workflow
// surface. Every call is scoped by a session identifier in the path and
// returns a typed payload; transport and server failures both surface as
// *Error so callers can classify timeouts without inspecting net internals.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const apiPrefix = "/api/v1"

// Error is the failure shape every client method returns. Status is zero for
// transport-level failures that never produced an HTTP response.
type Error struct {
	Status  int
	Detail  string
	Timeout bool
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("api: server returned %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("api: request failed: %s", e.Detail)
}

// IsTimeout reports whether err represents a transport timeout. The generation
// budget on the backend means a timed-out request may still have completed
// server-side, so callers treat this class separately.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Timeout {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// Client talks to one backend instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option customizes the client instance.
type Option func(*Client)

// WithHTTPClient swaps the underlying transport (primarily for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New builds a client for the given base URL. The timeout covers the whole
// round trip and should be generous: AI generation regularly takes minutes.
func New(baseURL string, timeout time.Duration) *Client {
	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
	return client
}

// CreateSession starts a workflow session and its backing draft article.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResponse, error) {
	var resp CreateSessionResponse
	if err := c.do(ctx, http.MethodPost, "/workflows/sessions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendMessage delivers one user turn to the session's current stage.
func (c *Client) SendMessage(ctx context.Context, sessionID string, req MessageRequest) (*MessageResponse, error) {
	var resp MessageResponse
	path := fmt.Sprintf("/workflows/sessions/%s/messages", url.PathEscape(sessionID))
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// NextStage asks the server to advance the session along the pipeline.
func (c *Client) NextStage(ctx context.Context, sessionID string) (*StageChangeResponse, error) {
	var resp StageChangeResponse
	path := fmt.Sprintf("/workflows/sessions/%s/next-stage", url.PathEscape(sessionID))
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExecuteAuto kicks off the full server-side pipeline. The response body is
// ignored; the run's outcome is observed through Status polling instead.
func (c *Client) ExecuteAuto(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/workflows/sessions/%s/execute-auto", url.PathEscape(sessionID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Status fetches one progress sample for an auto run.
func (c *Client) Status(ctx context.Context, sessionID string) (*StatusResponse, error) {
	var resp StatusResponse
	path := fmt.Sprintf("/workflows/sessions/%s/status", url.PathEscape(sessionID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Detail fetches the authoritative session snapshot.
func (c *Client) Detail(ctx context.Context, sessionID string) (*DetailResponse, error) {
	var resp DetailResponse
	path := fmt.Sprintf("/workflows/sessions/%s", url.PathEscape(sessionID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Messages fetches conversation history, optionally filtered to one stage.
func (c *Client) Messages(ctx context.Context, sessionID, stage string, limit int) (*MessagesResponse, error) {
	path := fmt.Sprintf("/workflows/sessions/%s/messages", url.PathEscape(sessionID))
	query := url.Values{}
	if stage != "" {
		query.Set("stage", stage)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var resp MessagesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &Error{Detail: fmt.Sprintf("encode request: %v", err)}
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, reader)
	if err != nil {
		return &Error{Detail: fmt.Sprintf("build request: %v", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Detail: err.Error(), Timeout: IsTimeout(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Status: resp.StatusCode, Detail: readDetail(resp.Body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Detail: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

// readDetail extracts the backend's {"detail": "..."} failure message, falling
// back to the raw body when the shape is unexpected.
func readDetail(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil || len(raw) == 0 {
		return "request failed"
	}
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && strings.TrimSpace(payload.Detail) != "" {
		return payload.Detail
	}
	return strings.TrimSpace(string(raw))
}
