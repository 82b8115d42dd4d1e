package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/catalog"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/database"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/supervisor"
)

// Client talks to a running daemon's API.
type Client struct {
	baseURL     string
	token       string
	tokenHeader string
	client      *http.Client
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

func NewClient(baseURL, token, tokenHeader string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if tokenHeader == "" {
		tokenHeader = DefaultTokenHeader
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		tokenHeader: tokenHeader,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(method, path string, body interface{}) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(c.tokenHeader, c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return nil, &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	return resp, nil
}

func (c *Client) call(method, path string, body, out interface{}) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func instancePath(id, suffix string) string {
	return "/api/instances/" + url.PathEscape(id) + suffix
}

func (c *Client) Health() (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.call(http.MethodGet, "/api/health", nil, &out)
}

func (c *Client) Types() ([]catalog.TypeDescriptor, error) {
	var out []catalog.TypeDescriptor
	return out, c.call(http.MethodGet, "/api/types", nil, &out)
}

func (c *Client) ListConfigs() (map[string]honeypot.Config, error) {
	var out map[string]honeypot.Config
	return out, c.call(http.MethodGet, "/api/configs", nil, &out)
}

func (c *Client) GetConfig(id string) (honeypot.Config, error) {
	var out honeypot.Config
	return out, c.call(http.MethodGet, "/api/configs/"+url.PathEscape(id), nil, &out)
}

// SaveConfig creates or replaces a config and returns its id.
func (c *Client) SaveConfig(cfg honeypot.Config) (string, error) {
	var out struct {
		ID string `json:"honeypot_id"`
	}
	return out.ID, c.call(http.MethodPost, "/api/configs", cfg, &out)
}

func (c *Client) DeleteConfig(id string) error {
	return c.call(http.MethodDelete, "/api/configs/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Start(id string) (supervisor.RunningInstance, error) {
	var out struct {
		Instance supervisor.RunningInstance `json:"instance"`
	}
	return out.Instance, c.call(http.MethodPost, instancePath(id, "/start"), nil, &out)
}

func (c *Client) Stop(id string) error {
	return c.call(http.MethodPost, instancePath(id, "/stop"), nil, nil)
}

func (c *Client) Status() (supervisor.Status, error) {
	var out supervisor.Status
	return out, c.call(http.MethodGet, "/api/status", nil, &out)
}

func (c *Client) Logs(id string, lines int) ([]string, error) {
	var out struct {
		Logs []string `json:"logs"`
	}
	path := instancePath(id, "/logs")
	if lines > 0 {
		path += "?lines=" + strconv.Itoa(lines)
	}
	return out.Logs, c.call(http.MethodGet, path, nil, &out)
}

// Download streams the full artifact into w.
func (c *Client) Download(id string, w io.Writer) (int64, error) {
	resp, err := c.do(http.MethodGet, instancePath(id, "/logs/download"), nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

func (c *Client) Events(id string, limit int) ([]honeypot.Event, error) {
	var out []honeypot.Event
	path := instancePath(id, "/events")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	return out, c.call(http.MethodGet, path, nil, &out)
}

func (c *Client) Stats(id string) (database.EventStats, error) {
	var out database.EventStats
	return out, c.call(http.MethodGet, instancePath(id, "/stats"), nil, &out)
}
