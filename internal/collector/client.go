// Package collector is the HTTP client for the remote collector: credential
// issuance and telemetry intake.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"locsync/internal/domain"
	"locsync/internal/observability"
)

// DefaultTimeout bounds every collector call.
const DefaultTimeout = 3 * time.Second

const maxResponseBytes = 1 << 20

// LoginResult is the collector's answer to a successful login
type LoginResult struct {
	UserID       string `json:"userId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// RegisterResult is the collector's answer to a registration
type RegisterResult struct {
	Success      bool   `json:"success"`
	Message      string `json:"message,omitempty"`
	UserID       string `json:"userId,omitempty"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type updateRequest struct {
	Username string `json:"username"`
	Location any    `json:"location"`
}

// Client handles requests to the collector
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

type Option func(*Client)

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the transport, e.g. for custom TLS settings.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a new collector client
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var out LoginResult
	if err := c.do(ctx, "login", http.MethodPost, "/login", "", credentialsRequest{username, password}, &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" || out.RefreshToken == "" {
		return nil, fmt.Errorf("%w: login: response without tokens", domain.ErrAuth)
	}
	return &out, nil
}

// Register creates an account. A rejected registration is a
// domain.ErrValidation carrying the collector's message.
func (c *Client) Register(ctx context.Context, username, password string) (*RegisterResult, error) {
	var out RegisterResult
	if err := c.do(ctx, "register", http.MethodPost, "/register", "", credentialsRequest{username, password}, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		msg := out.Message
		if msg == "" {
			msg = "registration rejected"
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, msg)
	}
	return &out, nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error) {
	var out refreshResponse
	if err := c.do(ctx, "refresh", http.MethodPost, "/refresh-token", "", refreshRequest{refreshToken}, &out); err != nil {
		return domain.TokenPair{}, err
	}
	if out.AccessToken == "" || out.RefreshToken == "" {
		return domain.TokenPair{}, fmt.Errorf("%w: refresh: response without tokens", domain.ErrAuth)
	}
	return domain.TokenPair{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}, nil
}

// UpdateOne posts a single sample as {username, location}.
func (c *Client) UpdateOne(ctx context.Context, accessToken, username string, sample domain.Sample) error {
	return c.do(ctx, "update", http.MethodPost, "/update", accessToken, updateRequest{username, sample}, nil)
}

// UpdateBatch posts ordered samples as {username, location: [...]}.
func (c *Client) UpdateBatch(ctx context.Context, accessToken, username string, samples []domain.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	return c.do(ctx, "update_batch", http.MethodPost, "/update", accessToken, updateRequest{username, samples}, nil)
}

func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.do(ctx, "logout", http.MethodGet, "/logout", accessToken, nil, nil)
}

// do performs one bounded call. Transport failures and deadlines are
// reported as domain.ErrTransport, non-2xx answers as *domain.StatusError.
func (c *Client) do(ctx context.Context, op, method, path, token string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.CollectorRequestDuration.WithLabelValues(op, "error").Observe(time.Since(start).Seconds())
		return fmt.Errorf("%w: %s: %w", domain.ErrTransport, op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	observability.CollectorRequestDuration.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%w: %s: reading response: %w", domain.ErrTransport, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &domain.StatusError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(payload)}
		if op == "register" && resp.StatusCode < 500 {
			return fmt.Errorf("%w: %s", domain.ErrValidation, statusErr.Message)
		}
		return statusErr
	}

	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		if out != nil {
			return fmt.Errorf("%w: %s: empty response body", domain.ErrTransport, op)
		}
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: %s: invalid response body: %w", domain.ErrTransport, op, err)
	}
	return nil
}

// errorMessage pulls a human readable message out of an error body.
func errorMessage(payload []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if json.Valid(payload) {
		return ""
	}
	text := strings.TrimSpace(string(payload))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}
