// Package client talks to a running "tandem serve" daemon.
package client

import (
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
	"time"
)

// Client provides HTTP client functionality to communicate with the tandem daemon
type Client struct {
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
	token    string
	username string
	password string
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Token    string // bearer token; takes precedence over basic auth
	Username string
	Password string
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

const DefaultBaseURL = "http://127.0.0.1:8321/api"

// New creates a new API client. The default timeout is generous because
// POST /update waits for the whole run.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil {
		tlsConfig, err := setupClientTLS(*config.TLS)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		baseURL:  config.BaseURL,
		logger:   config.Logger,
		token:    config.Token,
		username: config.Username,
		password: config.Password,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := c.newRequest(ctx, http.MethodGet, "/status")
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode != http.StatusNotFound
}

// Status returns every service, or one when name is set.
func (c *Client) Status(ctx context.Context, name string) ([]ServiceStatus, error) {
	if name != "" {
		var st ServiceStatus
		if err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(name), &st); err != nil {
			return nil, err
		}
		return []ServiceStatus{st}, nil
	}
	var sts []ServiceStatus
	if err := c.do(ctx, http.MethodGet, "/status", &sts); err != nil {
		return nil, err
	}
	return sts, nil
}

// Start starts one service.
func (c *Client) Start(ctx context.Context, name string) (Record, error) {
	var rec Record
	err := c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/start", &rec)
	return rec, err
}

// Stop stops one service.
func (c *Client) Stop(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/stop", nil)
}

// Restart restarts one service.
func (c *Client) Restart(ctx context.Context, name string) (Record, error) {
	var rec Record
	err := c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/restart", &rec)
	return rec, err
}

// Update runs an update on the daemon and waits for its outcome. A failed
// run returns both the result and an *APIError.
func (c *Client) Update(ctx context.Context) (UpdateResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/update")
	if err != nil {
		return UpdateResult{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var res UpdateResult
	body, _ := io.ReadAll(resp.Body)
	if jerr := json.Unmarshal(body, &res); jerr != nil || res.Result.ID == "" {
		return UpdateResult{}, c.apiError(resp.StatusCode, body)
	}
	if resp.StatusCode != http.StatusOK {
		return res, &APIError{Status: resp.StatusCode, Message: res.Result.Error, Kind: res.Kind, ExitCode: res.ExitCode}
	}
	return res, nil
}

// Login exchanges the configured username and password for a bearer token,
// which the client uses from then on.
func (c *Client) Login(ctx context.Context) (string, error) {
	var tok struct {
		Value string `json:"value"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/login", &tok); err != nil {
		return "", err
	}
	c.token = tok.Value
	return tok.Value, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do performs a request and decodes a 200 response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := c.newRequest(ctx, method, path)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", req.URL.String())
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return c.apiError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) apiError(status int, body []byte) error {
	ae := &APIError{Status: status, ExitCode: 1}
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		ae.Message, ae.Kind = er.Error, er.Kind
		if er.ExitCode != 0 {
			ae.ExitCode = er.ExitCode
		}
	} else {
		ae.Message = http.StatusText(status)
	}
	c.logger.Debug("API request failed", "error", ae.Message, "status", status)
	return ae
}

// ExitCode returns the exit status carried by an *APIError in err's chain.
func ExitCode(err error) (int, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.ExitCode, true
	}
	return 0, false
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config TLSClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.SkipVerify {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in for self-signed daemons
	}
	if config.ServerName != "" {
		tlsConfig.ServerName = config.ServerName
	}
	if config.CACert != "" {
		if err := loadCACert(tlsConfig, config.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}
