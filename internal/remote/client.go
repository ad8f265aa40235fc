// Package remote is the HTTP client for the dashboard server: record
// pushes during sync, authoritative pulls, the activity feed shared
// with the realtime poll fallback, and the reachability probe.
//
// Push calls return the server-assigned identifier explicitly; a 2xx
// response that does not carry one is an error, never guessed around.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type Options struct {
	Logger *slog.Logger
	// BaseURL is the REST endpoint root, e.g. https://api.example.invalid.
	BaseURL string
	// Token returns the current bearer token, or "" when none is
	// available (requests are then refused locally with an AuthError).
	Token      func() string
	HTTPClient *http.Client
}

type Client struct {
	log     *slog.Logger
	baseURL string
	token   func() string
	hc      *http.Client
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("missing base url")
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid base url: %q", opts.BaseURL)
	}
	if opts.Token == nil {
		return nil, errors.New("missing token source")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}

	return &Client{log: logger, baseURL: base, token: opts.Token, hc: hc}, nil
}

// ack is the push acknowledgment shape: the server-assigned id.
type ack struct {
	ID string `json:"id"`
}

func (c *Client) PushMessage(ctx context.Context, payload json.RawMessage) (string, error) {
	return c.push(ctx, "/messages", payload)
}

func (c *Client) PushConversation(ctx context.Context, payload json.RawMessage) (string, error) {
	return c.push(ctx, "/conversations", payload)
}

func (c *Client) PushToolResult(ctx context.Context, payload json.RawMessage) (string, error) {
	return c.push(ctx, "/tool-results", payload)
}

func (c *Client) push(ctx context.Context, path string, payload json.RawMessage) (string, error) {
	var a ack
	if err := c.do(ctx, http.MethodPost, path, nil, payload, &a); err != nil {
		return "", err
	}
	serverID := strings.TrimSpace(a.ID)
	if serverID == "" {
		return "", &NetworkError{Op: "POST " + path, Err: errors.New("response missing id")}
	}
	return serverID, nil
}

// MarkNotificationRead pushes a local read mutation for a
// server-owned notification.
func (c *Client) MarkNotificationRead(ctx context.Context, serverID string) error {
	serverID = strings.TrimSpace(serverID)
	if serverID == "" {
		return errors.New("missing server id")
	}
	return c.do(ctx, http.MethodPatch, "/notifications/"+url.PathEscape(serverID)+"/read", nil, nil, nil)
}

// PushAudit submits a local audit entry. The server assigns no id.
func (c *Client) PushAudit(ctx context.Context, payload json.RawMessage) error {
	return c.do(ctx, http.MethodPost, "/audit/sync", nil, payload, nil)
}

// FetchProfile pulls the authoritative user profile.
func (c *Client) FetchProfile(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/user/profile", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Notification is the server-side notification shape.
type Notification struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"`
	Kind            string `json:"kind,omitempty"`
	Title           string `json:"title"`
	Body            string `json:"body,omitempty"`
	Read            bool   `json:"read"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms,omitempty"`
}

// FetchNotifications pulls the most recent server notifications for
// the additive merge step of a sync cycle.
func (c *Client) FetchNotifications(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	q := url.Values{"limit": []string{fmt.Sprintf("%d", limit)}}
	var out []Notification
	if err := c.do(ctx, http.MethodGet, "/notifications", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RecentActivity pulls the recent activity feed. The realtime channel
// re-uses this as the poll fallback when the push channel is down.
func (c *Client) RecentActivity(ctx context.Context, limit int) ([]json.RawMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	q := url.Values{"limit": []string{fmt.Sprintf("%d", limit)}}
	var out []json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/activity/recent", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping checks server reachability.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method string, path string, query url.Values, body json.RawMessage, out any) error {
	if c == nil {
		return errors.New("nil client")
	}
	op := method + " " + path

	token := strings.TrimSpace(c.token())
	if token == "" {
		return &AuthError{Reason: "missing token"}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Reason: fmt.Sprintf("%s: status %d", op, resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &NetworkError{Op: op, Status: resp.StatusCode}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out); err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
