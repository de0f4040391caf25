package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	apperrors "github.com/kimhsiao/screensync/internal/errors"
	"github.com/kimhsiao/screensync/internal/models"
)

// maxErrorBody bounds how much of a rejected response is kept in the error.
const maxErrorBody = 4 << 10

// Config holds authority connection configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Token   string // optional bearer token
}

// Client implements Authority over HTTP/JSON.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a new Client.
func NewClient(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// Pull fetches records changed since req.LastSyncTime.
func (c *Client) Pull(ctx context.Context, req PullRequest) (*PullResponse, error) {
	var resp PullResponse
	if err := c.do(ctx, http.MethodPost, PullPath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Push delivers one outbox entry. The authority must acknowledge it.
func (c *Client) Push(ctx context.Context, entry *models.OutboxEntry) error {
	var resp PushResponse
	if err := c.do(ctx, http.MethodPost, PushPath, entry, &resp); err != nil {
		return err
	}
	if !resp.Ack {
		return apperrors.Newf(apperrors.ErrProtocol, "push of %s was not acknowledged", entry.Key)
	}
	return nil
}

// Health checks that the authority is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, HealthPath, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrProtocol, "encode request", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrProtocol, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.Wrap(apperrors.ErrConnectivity, fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(method, path, resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.ErrProtocol, fmt.Sprintf("decode %s response", path), err)
	}
	return nil
}

// statusError classifies a non-2xx response.
func statusError(method, path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := strings.TrimSpace(string(raw))
	var decoded ErrorResponse
	if json.Unmarshal(raw, &decoded) == nil && decoded.Error != "" {
		msg = decoded.Error
	}

	code := apperrors.ErrProtocol
	if IsTransientStatus(resp.StatusCode) {
		code = apperrors.ErrConnectivity
	}
	return apperrors.Newf(code, "%s %s failed with status %d: %s", method, path, resp.StatusCode, msg)
}

// IsTransientStatus reports whether an HTTP status means the authority is
// temporarily unreachable rather than rejecting the request.
func IsTransientStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
