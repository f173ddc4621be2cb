package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
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

// ErrUnavailable is returned by Start when the daemon could not bring a backend up.
var ErrUnavailable = errors.New("backend could not be started")

// Client talks to the HTTP API served by `proxymgr serve`.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds each request; start waits for backend readiness, so it
	// should exceed the daemon's ready_timeout.
	Timeout  time.Duration
	Logger   *slog.Logger
	CACert   string // CA certificate file path for https daemons
	Insecure bool   // Skip TLS verification
}

const (
	DefaultBaseURL = "http://127.0.0.1:8088/api/v1"
	DefaultTimeout = 3 * time.Minute
)

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: DefaultTimeout}
}

// New creates a new API client.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.Insecure || config.CACert != "" {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/servers", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Start starts or reuses a backend. The returned record carries the shutdown secret.
func (c *Client) Start(ctx context.Context, req StartRequest) (*Server, error) {
	var out Server
	status, err := c.do(ctx, http.MethodPost, c.baseURL+"/start", req, &out)
	if status == http.StatusServiceUnavailable {
		return nil, ErrUnavailable
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Shutdown releases the caller's reference.
func (c *Client) Shutdown(ctx context.Context, req ShutdownRequest) error {
	_, err := c.do(ctx, http.MethodPost, c.baseURL+"/shutdown", req, nil)
	return err
}

// List returns the registered backends, optionally for one context. Secrets are redacted.
func (c *Client) List(ctx context.Context, parentID string) ([]Server, error) {
	u := c.baseURL + "/servers"
	if parentID != "" {
		u += "?parent_id=" + url.QueryEscape(parentID)
	}
	var out serversResponse
	if _, err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return out.Servers, nil
}

// Sweep asks the daemon to remove records of dead contexts.
func (c *Client) Sweep(ctx context.Context) (int, error) {
	var out sweepResponse
	if _, err := c.do(ctx, http.MethodPost, c.baseURL+"/sweep", nil, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 -- explicit opt-in
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// do sends body as JSON and decodes a 200 response into out.
func (c *Client) do(ctx context.Context, method, u string, body, out any) (int, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, c.handleErrorResponse(resp)
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// handleErrorResponse turns a non-200 response into an error
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}
