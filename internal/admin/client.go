package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zanzrukiav/SearchServices/internal/engine"
)

// Client talks to a running engine's admin API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates an admin API client.
func NewClient(baseURL, token string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// run-now waits for a whole cycle
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// RemoteError is a structured error returned by the admin API.
type RemoteError struct {
	Code    string
	Message string
	Status  int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
}

func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, respBody interface{}) error {
	resp, err := c.do(ctx, method, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var errResp ErrorResponse
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &RemoteError{
			Code:    "unknown",
			Message: fmt.Sprintf("HTTP %d", resp.StatusCode),
			Status:  resp.StatusCode,
		}
	}
	return &RemoteError{Code: errResp.Error, Message: errResp.Message, Status: resp.StatusCode}
}

// Health reports whether the engine answers /healthz.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

// Status calls GET /admin/status.
func (c *Client) Status(ctx context.Context) (*engine.Report, error) {
	var report engine.Report
	if err := c.doJSON(ctx, http.MethodGet, "/admin/status", &report); err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	return &report, nil
}

// Floors calls GET /admin/floors.
func (c *Client) Floors(ctx context.Context) (*FloorsResponse, error) {
	var floors FloorsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/admin/floors", &floors); err != nil {
		return nil, fmt.Errorf("floors: %w", err)
	}
	return &floors, nil
}

// Pause calls POST /admin/pause.
func (c *Client) Pause(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodPost, "/admin/pause", nil); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	return nil
}

// Resume calls POST /admin/resume.
func (c *Client) Resume(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodPost, "/admin/resume", nil); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	return nil
}

// Reindex invalidates one tracker's state, or every tracker's when typ is empty.
func (c *Client) Reindex(ctx context.Context, typ string) error {
	path := "/admin/reindex"
	if typ != "" {
		path += "?tracker=" + url.QueryEscape(typ)
	}
	if err := c.doJSON(ctx, http.MethodPost, path, nil); err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	return nil
}

// Run runs one cycle of a tracker and waits for it.
func (c *Client) Run(ctx context.Context, typ string) error {
	if err := c.doJSON(ctx, http.MethodPost, "/admin/trackers/"+url.PathEscape(typ)+"/run", nil); err != nil {
		return fmt.Errorf("run %s: %w", typ, err)
	}
	return nil
}

// Maintain queues a maintenance request.
func (c *Client) Maintain(ctx context.Context, action string, id int64) error {
	path := "/admin/maintenance/" + url.PathEscape(action) + "/" + strconv.FormatInt(id, 10)
	if err := c.doJSON(ctx, http.MethodPost, path, nil); err != nil {
		return fmt.Errorf("%s %d: %w", action, id, err)
	}
	return nil
}
