// Package sessions provides the HTTP client for the external session store.
//
// The store owns the session records; this service only lists sessions by
// status, patches single-field status transitions, and deletes records whose
// containers have been destroyed. Nothing is cached locally: every sweep
// recomputes its candidates from the store's current state.
package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chatops-ai/container-manager/common/trace"
)

const defaultTimeout = 10 * time.Second

// Status is a session lifecycle status as recorded by the store.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Session is the subset of the store's session record this service reads.
type Session struct {
	ID             string    `json:"id"`
	Status         Status    `json:"status"`
	ContainerID    string    `json:"container_id"`
	ContainerName  string    `json:"container_name"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// IdleFor returns how long the session has been idle as of now.
func (s Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt)
}

// ErrNotFound is returned when the store reports 404 for a session.
var ErrNotFound = errors.New("session not found")

// errorBody is the JSON error shape returned by the store on failures.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// Client is a session store client for one base URL.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client for the store at baseURL (e.g. "http://api-server:8000").
// token is the shared service secret sent as a bearer header on every call.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// ListByStatus returns all sessions currently in the given status.
func (c *Client) ListByStatus(ctx context.Context, status Status) ([]Session, error) {
	path := "/sessions?status=" + url.QueryEscape(string(status))
	var out []Session
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list sessions status=%s: %w", status, err)
	}
	return out, nil
}

// UpdateStatus patches a session's status field.
func (c *Client) UpdateStatus(ctx context.Context, sessionID string, status Status) error {
	path := "/sessions/" + url.PathEscape(sessionID) + "/status"
	body := map[string]Status{"status": status}
	if err := c.do(ctx, http.MethodPatch, path, body, nil); err != nil {
		return fmt.Errorf("update session %s status=%s: %w", sessionID, status, err)
	}
	return nil
}

// Delete removes a session record. A record that is already gone counts as
// deleted.
func (c *Client) Delete(ctx context.Context, sessionID string) error {
	path := "/sessions/" + url.PathEscape(sessionID)
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		var eb errorBody
		if jsonErr := json.Unmarshal(bodyBytes, &eb); jsonErr == nil {
			if msg := firstNonEmpty(eb.Error, eb.Detail); msg != "" {
				return fmt.Errorf("store %s %s: status %d: %s", method, path, resp.StatusCode, msg)
			}
		}
		return fmt.Errorf("store %s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
