// Package client is the Go client for the StudyHive notification API.
// Backend services embed it to create notifications, read a user's feed
// and manage preferences without hand-rolling HTTP.
//
// Quick start:
//
//	nc := client.New(client.Config{
//	    BaseURL: "http://notifier:8086",
//	})
//
//	n, err := nc.Send(ctx, &client.NotificationRequest{
//	    RecipientID: userID,
//	    Type:        "FORUM_REPLY",
//	    Title:       "New reply in " + thread.Title,
//	    Content:     preview,
//	})
//
// Point BaseURL at the gateway instead and set Token to call through
// the authenticated edge.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the notifier endpoint, e.g. "http://notifier:8086".
	// When calling through the gateway, use the gateway URL and set
	// Token.
	BaseURL string

	// Token is sent as a Bearer credential when non-empty.
	Token string

	// Timeout bounds each request (default 10s). Ignored when
	// HTTPClient is set.
	Timeout time.Duration

	// HTTPClient overrides the default client, for custom transports.
	HTTPClient *http.Client
}

// Client talks to the notification API. Safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a client. The zero Timeout defaults to 10 seconds.
func New(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{cfg: cfg, http: hc}
}

// APIError is a non-2xx response decoded from the standard error
// envelope.
type APIError struct {
	Status  int    `json:"status"`
	Label   string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("notification api: %d %s: %s", e.Status, e.Label, e.Message)
}

// Send creates a notification for a recipient.
func (c *Client) Send(ctx context.Context, req *NotificationRequest) (*Notification, error) {
	var n Notification
	if err := c.do(ctx, http.MethodPost, "/api/v1/notifications", nil, req, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Notifications returns one page of the user's feed, newest first.
func (c *Client) Notifications(ctx context.Context, userID string, page, size int) (*Page, error) {
	q := url.Values{"userId": {userID}}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if size > 0 {
		q.Set("size", strconv.Itoa(size))
	}
	var out Page
	if err := c.do(ctx, http.MethodGet, "/api/v1/notifications", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UnreadCount returns the user's unread notification count.
func (c *Client) UnreadCount(ctx context.Context, userID string) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	q := url.Values{"userId": {userID}}
	if err := c.do(ctx, http.MethodGet, "/api/v1/notifications/unread/count", q, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// MarkRead marks the notification read on behalf of the user.
func (c *Client) MarkRead(ctx context.Context, id, userID string) (*Notification, error) {
	q := url.Values{"userId": {userID}}
	var n Notification
	if err := c.do(ctx, http.MethodPatch, "/api/v1/notifications/"+url.PathEscape(id)+"/read", q, nil, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Preferences returns the user's delivery preferences, or the service
// defaults when none are saved.
func (c *Client) Preferences(ctx context.Context, userID string) (*Preferences, error) {
	q := url.Values{"userId": {userID}}
	var p Preferences
	if err := c.do(ctx, http.MethodGet, "/api/v1/notifications/preferences", q, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePreferences saves the user's delivery preferences.
func (c *Client) UpdatePreferences(ctx context.Context, p *Preferences) (*Preferences, error) {
	var out Preferences
	if err := c.do(ctx, http.MethodPut, "/api/v1/notifications/preferences", nil, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncUsers pushes user IDs into the recipient registry. Intended for
// the user service's reconciliation job.
func (c *Client) SyncUsers(ctx context.Context, ids []string) (int, error) {
	var out struct {
		Synced int `json:"synced"`
	}
	body := map[string][]string{"userIds": ids}
	if err := c.do(ctx, http.MethodPost, "/api/v1/internal/users/sync", nil, body, &out); err != nil {
		return 0, err
	}
	return out.Synced, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	target := c.cfg.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("notification api: encode request: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return fmt.Errorf("notification api: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("notification api: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("notification api: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("notification api: decode response: %w", err)
	}
	return nil
}
