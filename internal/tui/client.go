// Package tui is the terminal status view of a running slopesync daemon.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/slopeside/slopeside/internal/api"
	"github.com/slopeside/slopeside/internal/offline"
)

// Client talks to the daemon API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the API at baseURL. token may be empty
// when the daemon runs without auth.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, e.Error)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Pending lists the queued actions.
func (c *Client) Pending(ctx context.Context) ([]offline.QueuedAction, error) {
	var resp api.QueueResponse
	if err := c.do(ctx, http.MethodGet, "/api/queue", &resp); err != nil {
		return nil, err
	}
	return resp.Actions, nil
}

// TriggerSync asks the daemon for a pass without waiting for it. It reports
// whether a new pass started.
func (c *Client) TriggerSync(ctx context.Context) (bool, error) {
	var resp struct {
		Started bool `json:"started"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/sync?wait=false", &resp); err != nil {
		return false, err
	}
	return resp.Started, nil
}

// DialStatus opens the status stream.
func (c *Client) DialStatus(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.baseURL + "/api/status/ws")
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if c.token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.Dial(ctx, u.String(), opts)
	if err != nil {
		return nil, fmt.Errorf("dial status stream: %w", err)
	}
	return conn, nil
}
