// Package agent reports a device's running state to the sessionlog server.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultMaxRetries     = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	// maxRetryAfter caps how long a Retry-After header may stall one call.
	maxRetryAfter = 30 * time.Second
)

// ClientConfig holds client configuration
type ClientConfig struct {
	ServerURL      string
	DeviceID       string
	RequestTimeout time.Duration
	// MaxRetries bounds retries after the first attempt.
	MaxRetries     int
	InitialBackoff time.Duration
	HTTPClient     *http.Client
}

// StatusError is a non-2xx response from the server.
type StatusError struct {
	StatusCode int
	Kind       string
	Message    string
	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

// Temporary reports whether the same request may succeed later.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

func (e *StatusError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("server returned %d %s: %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

// Client posts session boundaries for one device.
type Client struct {
	config ClientConfig
	http   *http.Client
	logger zerolog.Logger
}

// NewClient creates a new API client
func NewClient(config ClientConfig, logger zerolog.Logger) *Client {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaultInitialBackoff
	}
	config.ServerURL = strings.TrimRight(config.ServerURL, "/")

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		config: config,
		http:   httpClient,
		logger: logger.With().Str("component", "client").Logger(),
	}
}

// DeviceID returns the device this client reports for.
func (c *Client) DeviceID() string { return c.config.DeviceID }

type sessionRequest struct {
	DeviceID  string `json:"device_id"`
	Timestamp string `json:"timestamp,omitempty"`
}

type sessionResponse struct {
	SessionID int64 `json:"session_id"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Start opens a session at the given time and returns its id.
func (c *Client) Start(ctx context.Context, at time.Time) (int64, error) {
	var resp sessionResponse
	if err := c.post(ctx, "/session/start", at, &resp); err != nil {
		return 0, err
	}
	return resp.SessionID, nil
}

// End closes the open session at the given time.
func (c *Client) End(ctx context.Context, at time.Time) error {
	return c.post(ctx, "/session/end", at, nil)
}

// Heartbeat tells the server the device is still running.
func (c *Client) Heartbeat(ctx context.Context, at time.Time) error {
	return c.post(ctx, "/session/heartbeat", at, nil)
}

// retryAfterBackOff waits at least as long as the last Retry-After hint.
type retryAfterBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	hint := b.hint
	b.hint = 0
	if next == backoff.Stop || hint <= next {
		return next
	}
	return hint
}

// post sends one request, retrying transport errors, 5xx and 429 responses
// with exponential backoff. Other 4xx responses are returned immediately.
func (c *Client) post(ctx context.Context, path string, at time.Time, out interface{}) error {
	body, err := json.Marshal(sessionRequest{
		DeviceID:  c.config.DeviceID,
		Timestamp: at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.config.InitialBackoff
	eb.MaxInterval = defaultMaxBackoff
	eb.MaxElapsedTime = 0
	b := &retryAfterBackOff{
		BackOff: backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.config.MaxRetries)), ctx),
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := c.do(ctx, path, body, out)
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			if !statusErr.Temporary() {
				return backoff.Permanent(err)
			}
			b.hint = statusErr.RetryAfter
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug().
			Err(err).
			Str("path", path).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Request failed, retrying")
	}

	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, path string, body []byte, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.ServerURL+path, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
		var errResp errorResponse
		if json.Unmarshal(data, &errResp) == nil {
			statusErr.Kind = errResp.Error
			statusErr.Message = errResp.Message
		}
		return statusErr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

// parseRetryAfter reads delay-seconds or an HTTP date, capped at maxRetryAfter.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	var wait time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		wait = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(value); err == nil {
		wait = at.Sub(now)
	}

	switch {
	case wait < 0:
		return 0
	case wait > maxRetryAfter:
		return maxRetryAfter
	}
	return wait
}
