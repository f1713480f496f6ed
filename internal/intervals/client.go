// Package intervals uploads wellness records to the Intervals.icu API.
package intervals

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the public Intervals.icu endpoint.
	DefaultBaseURL = "https://intervals.icu"

	// The API authenticates with HTTP basic auth where the username is the
	// literal string API_KEY and the password is the athlete's key.
	basicAuthUser = "API_KEY"

	requestTimeout = 30 * time.Second

	maxRetries   = 2
	retryBackoff = 500 * time.Millisecond
)

// Client talks to the Intervals.icu wellness API for a single athlete.
type Client struct {
	baseURL    string
	apiKey     string
	athleteID  string
	httpClient *http.Client
	log        *zap.Logger
}

// Option configures optional Client behaviour.
type Option func(*Client)

// WithLogger overrides the no-op default logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithBaseURL points the client at a different host (tests).
func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(base, "/") }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the given athlete.
func NewClient(apiKey, athleteID string, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		athleteID:  athleteID,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from Intervals.icu.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("intervals.icu api error (http %d): %s", e.StatusCode, e.Body)
}

// UploadWellness upserts the given wellness fields for one day. The
// destination treats the call as an upsert keyed on the day, so re-sending
// the same payload is safe. Transient failures (transport errors, 5xx) are
// retried with bounded backoff; other non-2xx responses fail immediately
// with *APIError.
func (c *Client) UploadWellness(ctx context.Context, day string, fields map[string]float64) error {
	payload := make(map[string]any, len(fields)+1)
	payload["id"] = day
	for name, value := range fields {
		payload[name] = value
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding wellness payload: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/athlete/%s/wellness/%s", c.baseURL, c.athleteID, day)

	backoff := retry.WithMaxRetries(maxRetries, retry.NewExponential(retryBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.SetBasicAuth(basicAuthUser, c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
		if resp.StatusCode >= 500 {
			return retry.RetryableError(apiErr)
		}
		return apiErr
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("uploading wellness for %s: %w", day, apiErr)
		}
		return fmt.Errorf("uploading wellness for %s: %w", day, err)
	}

	c.log.Debug("wellness uploaded", zap.String("day", day), zap.Int("fields", len(fields)))
	return nil
}
