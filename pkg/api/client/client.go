// Package client provides typed access to the statusboard HTTP API for
// interactive tools.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL = "http://localhost:4100"
	// checkTimeout covers a full project sweep, which can outlast the
	// default client timeout.
	checkTimeout = 2 * time.Minute
)

// Client wraps the statusboard API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken attaches a bearer token to mutating requests.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// BaseURL reports the normalized API address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	resp, err := c.send(ctx, method, path, reader, body != nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, isJSON bool) (*http.Response, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if isJSON {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	return resp, nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Status is the last probe outcome of an environment.
type Status struct {
	State      string  `json:"state"`
	HTTPStatus *int    `json:"httpStatus"`
	CheckedAt  *string `json:"checkedAt"`
	Detail     *string `json:"detail"`
}

// Environment is one monitored endpoint.
type Environment struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	URL        string `json:"url"`
	LastStatus Status `json:"lastStatus"`
}

// Project groups environments.
type Project struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Environments []Environment `json:"environments"`
}

// Catalog is the full document.
type Catalog struct {
	Projects []Project `json:"projects"`
}

// TokenResponse captures the token payload emitted by the API.
type TokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int    `json:"expiresIn"`
}

// Login exchanges the admin password for an access token.
func (c *Client) Login(ctx context.Context, password string) (TokenResponse, error) {
	var resp TokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/token", map[string]string{"password": password}, &resp); err != nil {
		return TokenResponse{}, err
	}
	return resp, nil
}

// Catalog fetches the current document.
func (c *Client) Catalog(ctx context.Context) (Catalog, error) {
	var cat Catalog
	if err := c.do(ctx, http.MethodGet, "/catalog", nil, &cat); err != nil {
		return Catalog{}, err
	}
	return cat, nil
}

// CheckAll starts a sweep of every environment. The API answers before the
// sweep completes.
func (c *Client) CheckAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/check", nil, nil)
}

// CheckProject probes every environment of a project and returns the
// refreshed project.
func (c *Client) CheckProject(ctx context.Context, projectID string) (Project, error) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	path := fmt.Sprintf("/projects/%s/check", url.PathEscape(projectID))
	var project Project
	if err := c.do(ctx, http.MethodPost, path, nil, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// CheckEnvironment probes one environment.
func (c *Client) CheckEnvironment(ctx context.Context, envID string) (Status, error) {
	path := fmt.Sprintf("/environments/%s/check", url.PathEscape(envID))
	var status Status
	if err := c.do(ctx, http.MethodPost, path, nil, &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

// Save writes the catalog through to the connected handle.
func (c *Client) Save(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/save", nil, nil)
}

// Export downloads the pretty-printed document.
func (c *Client) Export(ctx context.Context) ([]byte, error) {
	resp, err := c.send(ctx, http.MethodGet, "/export", nil, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	return data, nil
}

// Import replaces the catalog with document. The API rejects the whole
// document if it cannot be decoded.
func (c *Client) Import(ctx context.Context, document []byte) (Catalog, error) {
	resp, err := c.send(ctx, http.MethodPost, "/import", bytes.NewReader(document), true)
	if err != nil {
		return Catalog{}, err
	}
	defer resp.Body.Close()
	var cat Catalog
	if err := json.NewDecoder(resp.Body).Decode(&cat); err != nil {
		return Catalog{}, fmt.Errorf("decode response: %w", err)
	}
	return cat, nil
}

// ConnectInput names the handle to connect. Exactly one field must be set.
type ConnectInput struct {
	File     string `json:"file,omitempty"`
	Document string `json:"document,omitempty"`
}

// Connect adopts a connected handle on the server.
func (c *Client) Connect(ctx context.Context, input ConnectInput) (string, error) {
	var resp struct {
		Connected string `json:"connected"`
	}
	if err := c.do(ctx, http.MethodPost, "/connect", input, &resp); err != nil {
		return "", err
	}
	return resp.Connected, nil
}

// Disconnect drops the connected handle.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/connect", nil, nil)
}

// Connection reports the connected handle, if any.
func (c *Client) Connection(ctx context.Context) (string, bool, error) {
	var resp struct {
		Connected *string `json:"connected"`
	}
	if err := c.do(ctx, http.MethodGet, "/connect", nil, &resp); err != nil {
		return "", false, err
	}
	if resp.Connected == nil {
		return "", false, nil
	}
	return *resp.Connected, true, nil
}
