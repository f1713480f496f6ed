// Package withings is a client for the Withings Health API: the OAuth2
// token lifecycle (authorization-code and refresh grants) and the
// measurement query endpoint used for syncing.
//
// Withings wraps every response, including OAuth ones, in a JSON envelope
// {"status":N,"body":{...}} where a non-zero status is a failure even when
// the HTTP status is 200. Token exchange is therefore implemented directly
// against the v2/oauth2 endpoint; golang.org/x/oauth2 is used only to build
// the user-facing consent URL.
package withings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/tbrandt/withings2icu/internal/errs"
)

const (
	// DefaultAPIBase serves both the oauth2 and measure endpoints.
	DefaultAPIBase = "https://wbsapi.withings.net"
	// DefaultAuthURL is where the user grants access in a browser.
	DefaultAuthURL = "https://account.withings.com/oauth2_user/authorize2"

	// statusOK is the envelope status of a successful call; statusAuthFailed
	// is returned for invalid or expired tokens.
	statusOK         = 0
	statusAuthFailed = 401

	requestTimeout = 30 * time.Second

	// Transient failures get two retries with exponential backoff.
	maxRetries   = 2
	retryBackoff = 500 * time.Millisecond
)

// Credentials holds the registered OAuth2 application credentials.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Client talks to the Withings API.
type Client struct {
	creds      Credentials
	oauth      oauth2.Config
	apiBase    string
	httpClient *http.Client
	log        *zap.Logger
}

// Option configures optional Client behaviour.
type Option func(*Client)

// WithLogger overrides the no-op default logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithAPIBase points the client at a different API host (tests).
func WithAPIBase(base string) Option {
	return func(c *Client) {
		c.apiBase = strings.TrimRight(base, "/")
		c.oauth.Endpoint.TokenURL = c.apiBase + "/v2/oauth2"
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Withings API client for the given application credentials.
func NewClient(creds Credentials, opts ...Option) *Client {
	c := &Client{
		creds: creds,
		oauth: oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURI,
			Scopes:       []string{"user.metrics"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  DefaultAuthURL,
				TokenURL: DefaultAPIBase + "/v2/oauth2",
			},
		},
		apiBase:    DefaultAPIBase,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-auth failure reported by the Withings API. Withings
// errors usually ride an HTTP 200 with a non-zero envelope status.
type APIError struct {
	HTTPStatus int
	Status     int // envelope status
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("withings api error (http %d, status %d): %s", e.HTTPStatus, e.Status, e.Body)
}

// envelope is the wrapper Withings puts around every response body.
type envelope struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
	Error  string          `json:"error"`
}

type tokenBody struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type measureBody struct {
	MeasureGrps []measureGroup `json:"measuregrps"`
	More        int            `json:"more"`
	Offset      int64          `json:"offset"`
}

type measureGroup struct {
	Date     int64         `json:"date"` // unix seconds
	Category int           `json:"category"`
	Measures []wireMeasure `json:"measures"`
}

type wireMeasure struct {
	Value int64 `json:"value"`
	Type  int   `json:"type"`
	Unit  int   `json:"unit"` // value * 10^unit is the real value
}

// AuthCodeURL returns the consent URL the user must open in a browser.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// Exchange trades an authorization code for the initial token pair.
func (c *Client) Exchange(ctx context.Context, code string) (Token, error) {
	params := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {c.creds.RedirectURI},
	}
	tok, err := c.requestToken(ctx, params)
	if err != nil {
		return Token{}, fmt.Errorf("exchanging authorization code: %w", err)
	}
	c.log.Info("authorization code exchanged for token",
		zap.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

// Refresh trades a refresh token for a new access+refresh pair. A rejection
// by the provider means the refresh token is revoked or expired and maps to
// errs.ErrAuthExpired; only transport-level trouble is reported as-is.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	tok, err := c.requestToken(ctx, params)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatus < 500 {
			return Token{}, fmt.Errorf("%w: provider rejected refresh token (status %d)", errs.ErrAuthExpired, apiErr.Status)
		}
		return Token{}, fmt.Errorf("refreshing token: %w", err)
	}
	c.log.Info("access token refreshed", zap.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

// requestToken performs an action=requesttoken call and decodes the envelope.
func (c *Client) requestToken(ctx context.Context, params url.Values) (Token, error) {
	params.Set("action", "requesttoken")
	params.Set("client_id", c.creds.ClientID)
	params.Set("client_secret", c.creds.ClientSecret)

	var body tokenBody
	err := c.withRetry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/v2/oauth2", strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return c.do(req, &body)
	})
	if err != nil {
		return Token{}, err
	}
	return Token{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}

// FetchMeasurements returns all measurements of the supported types between
// from and to (inclusive), walking the provider's pagination. Each call
// re-fetches from the API; nothing is cached.
func (c *Client) FetchMeasurements(ctx context.Context, tok Token, from, to time.Time) ([]Measurement, error) {
	var out []Measurement
	var offset int64
	for {
		page, err := c.fetchPage(ctx, tok, from, to, offset)
		if err != nil {
			return nil, err
		}
		for _, grp := range page.MeasureGrps {
			day := time.Unix(grp.Date, 0).Format("2006-01-02")
			for _, m := range grp.Measures {
				mt, ok := measureTypeFromCode(m.Type)
				if !ok {
					c.log.Warn("dropping measurement with unknown type code",
						zap.Int("code", m.Type), zap.String("day", day))
					continue
				}
				out = append(out, Measurement{Day: day, Type: mt, Value: scaledValue(m.Value, m.Unit)})
			}
		}
		if page.More == 0 {
			break
		}
		offset = page.Offset
		c.log.Debug("fetching next measurement page", zap.Int64("offset", offset))
	}
	c.log.Debug("measurements fetched",
		zap.Int("count", len(out)),
		zap.String("from", from.Format("2006-01-02")),
		zap.String("to", to.Format("2006-01-02")))
	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, tok Token, from, to time.Time, offset int64) (*measureBody, error) {
	params := url.Values{
		"action":    {"getmeas"},
		"meastypes": {measTypesParam},
		"category":  {"1"}, // real measurements, not user goals
		"startdate": {strconv.FormatInt(from.Unix(), 10)},
		"enddate":   {strconv.FormatInt(to.Unix(), 10)},
	}
	if offset > 0 {
		params.Set("offset", strconv.FormatInt(offset, 10))
	}

	var body measureBody
	err := c.withRetry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/v2/measure?"+params.Encode(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		return c.do(req, &body)
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == statusAuthFailed {
			return nil, fmt.Errorf("%w: access token rejected", errs.ErrAuthExpired)
		}
		return nil, fmt.Errorf("fetching measurements: %w", err)
	}
	return &body, nil
}

// do executes the request and decodes the envelope into out. Envelope
// failures become *APIError carrying both HTTP and envelope status.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &APIError{HTTPStatus: resp.StatusCode, Body: truncate(string(raw))}
	}
	if resp.StatusCode >= 400 || env.Status != statusOK {
		return &APIError{HTTPStatus: resp.StatusCode, Status: env.Status, Body: truncate(string(raw))}
	}
	if out != nil {
		if err := json.Unmarshal(env.Body, out); err != nil {
			return fmt.Errorf("decoding response body: %w", err)
		}
	}
	return nil
}

// withRetry applies bounded exponential backoff to transient failures:
// transport errors and HTTP 5xx. Everything else fails immediately.
func (c *Client) withRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(maxRetries, retry.NewExponential(retryBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.HTTPStatus >= 500 {
				return retry.RetryableError(err)
			}
			return err
		}
		// Transport-level failure (timeout, connection refused, ...).
		return retry.RetryableError(err)
	})
}

func scaledValue(value int64, unit int) float64 {
	return float64(value) * math.Pow10(unit)
}

func truncate(s string) string {
	const max = 512
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
