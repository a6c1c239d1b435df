// Package github wraps the GitHub REST and GraphQL APIs with retries,
// secondary-rate-limit handling, and per-request telemetry published to the
// event bus.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ralphd/ralphd/internal/bus"
	"github.com/ralphd/ralphd/internal/events"
	"github.com/ralphd/ralphd/internal/logging"
)

const (
	defaultBaseURL = "https://api.github.com"

	// secondaryMinBackoff floors the wait after a secondary rate limit when
	// the response carries no Retry-After.
	secondaryMinBackoff = 60 * time.Second
)

// APIError is a non-2xx GitHub response.
type APIError struct {
	Status       int
	Code         string
	ResponseText string
	// RetryAfter is the Retry-After header as a duration, 0 when absent.
	RetryAfter time.Duration
	// RateLimitResetAt is the x-ratelimit-reset header as Unix seconds, 0
	// when absent.
	RateLimitResetAt int64
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api error (status %d): %s", e.Status, e.ResponseText)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	if !asAPIError(err, &apiErr) {
		return false
	}
	return apiErr.Status == status
}

func asAPIError(err error, target **APIError) bool {
	for err != nil {
		if e, ok := err.(*APIError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// RetryOptions configures the retry loop.
type RetryOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryOptions returns the defaults used in production.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Client is a rate-aware GitHub API client. The token is held privately and
// never logged or included in telemetry.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	retry      RetryOptions
	bus        *bus.Bus
}

// Option adjusts client construction.
type Option func(*Client)

// WithBaseURL points the client at a different API host. Used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithBus attaches an event bus for github.request telemetry.
func WithBus(b *bus.Bus) Option {
	return func(c *Client) { c.bus = b }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithRetryOptions replaces the retry settings.
func WithRetryOptions(r RetryOptions) Option {
	return func(c *Client) { c.retry = r }
}

// NewClient creates a client authenticating with token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		token:      token,
		baseURL:    defaultBaseURL,
		retry:      DefaultRetryOptions(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestOptions describes one API call.
type RequestOptions struct {
	Method string
	// Path is either a path under the API host ("/repos/...") or an absolute
	// pagination URL returned in a Link header.
	Path string
	Body any
	// AllowNotFound turns a 404 into a normal result instead of an error.
	AllowNotFound bool
	// Source tags the telemetry event with the calling component.
	Source string
}

// Result is the outcome of a successful (or allowed-404) call.
type Result struct {
	Data   json.RawMessage
	Status int
	ETag   string
	// NextURL is the Link rel="next" URL, "" when absent.
	NextURL string
}

// Do performs one API call with retries. 5xx responses and network errors
// back off exponentially; secondary rate limits back off by Retry-After with
// a 60 s floor. Every attempt publishes a github.request telemetry event.
func (c *Client) Do(ctx context.Context, opts RequestOptions) (Result, error) {
	var lastErr error
	var res Result

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retry.BaseDelay * time.Duration(1<<uint(attempt-1))
			if delay > c.retry.MaxDelay {
				delay = c.retry.MaxDelay
			}
			if wait := RetryAfterDelay(lastErr); wait > delay {
				delay = wait
			}
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(delay):
			}
		}

		res, lastErr = c.doOnce(ctx, opts, attempt)
		if lastErr == nil {
			return res, nil
		}
		if !isRetryable(lastErr) {
			return res, lastErr
		}
	}
	return res, lastErr
}

func (c *Client) doOnce(ctx context.Context, opts RequestOptions, attempt int) (Result, error) {
	var bodyReader io.Reader
	if opts.Body != nil {
		raw, err := json.Marshal(opts.Body)
		if err != nil {
			return Result{}, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	url := opts.Path
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = c.baseURL + url
	}

	req, err := http.NewRequestWithContext(ctx, opts.Method, url, bodyReader)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if opts.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.emitTelemetry(opts, 0, duration, attempt, false, nil)
		return Result{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.emitTelemetry(opts, resp.StatusCode, duration, attempt, false, resp.Header)
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	allowed404 := resp.StatusCode == http.StatusNotFound && opts.AllowNotFound
	c.emitTelemetry(opts, resp.StatusCode, duration, attempt, ok || allowed404, resp.Header)

	if allowed404 {
		return Result{Status: http.StatusNotFound}, nil
	}
	if !ok {
		apiErr := &APIError{
			Status:       resp.StatusCode,
			Code:         errorCode(respBody),
			ResponseText: truncate(string(respBody), 2000),
		}
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, perr := strconv.Atoi(v); perr == nil && seconds > 0 {
				apiErr.RetryAfter = time.Duration(seconds) * time.Second
			}
		}
		if v := resp.Header.Get("x-ratelimit-reset"); v != "" {
			if n, perr := strconv.ParseInt(v, 10, 64); perr == nil && n > 0 {
				apiErr.RateLimitResetAt = n
			}
		}
		return Result{}, apiErr
	}

	return Result{
		Data:    respBody,
		Status:  resp.StatusCode,
		ETag:    resp.Header.Get("ETag"),
		NextURL: ParseNextLink(resp.Header.Get("Link")),
	}, nil
}

func (c *Client) emitTelemetry(opts RequestOptions, status int, duration time.Duration, attempt int, ok bool, hdr http.Header) {
	if c.bus == nil {
		return
	}
	write := opts.Method != http.MethodGet && opts.Method != http.MethodHead
	data := map[string]any{
		"method":     opts.Method,
		"path":       opts.Path,
		"status":     status,
		"durationMs": duration.Milliseconds(),
		"attempt":    attempt,
		"ok":         ok,
		"write":      write,
	}
	if opts.Source != "" {
		data["source"] = opts.Source
	}
	if hdr != nil {
		if v := hdr.Get("x-ratelimit-remaining"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				data["rateRemaining"] = n
			}
		}
		if v := hdr.Get("x-ratelimit-reset"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				data["rateResetAt"] = n
			}
		}
		if v := hdr.Get("Retry-After"); v != "" {
			data["retryAfter"] = v
		}
	}
	level := events.LevelDebug
	if !ok {
		level = events.LevelWarn
	}
	if err := c.bus.Publish(events.New(events.TypeGithubRequest, level, data)); err != nil {
		logging.WithComponent("github").Warn("failed to publish request telemetry", "error", err)
	}
}

// IsSecondaryRateLimit reports whether err is a GitHub secondary rate limit
// or abuse-detection response.
func IsSecondaryRateLimit(err error) bool {
	var apiErr *APIError
	if !asAPIError(err, &apiErr) {
		return false
	}
	if apiErr.Status != http.StatusForbidden && apiErr.Status != http.StatusTooManyRequests {
		return false
	}
	body := strings.ToLower(apiErr.ResponseText)
	return strings.Contains(body, "secondary rate limit") ||
		strings.Contains(body, "abuse detection") ||
		strings.Contains(body, "temporarily blocked")
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if asAPIError(err, &apiErr) {
		if apiErr.Status >= 500 || apiErr.Status == http.StatusTooManyRequests {
			return true
		}
		return IsSecondaryRateLimit(err)
	}
	return IsNetworkError(err)
}

// IsNetworkError reports whether err looks like a transport-level failure
// (refused, reset, DNS, timeout) rather than an API response.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, netErr := range []string{
		"connection refused", "connection reset", "no such host",
		"network is unreachable", "i/o timeout", "dial tcp",
	} {
		if strings.Contains(msg, netErr) {
			return true
		}
	}
	return false
}

var retryAfterRe = regexp.MustCompile(`(?i)retry.after[:\s]+(\d+)`)

// IsRateLimited reports whether err is any rate-limit response: a 429, a
// secondary limit, or a 403 whose primary quota is exhausted.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	if !asAPIError(err, &apiErr) {
		return false
	}
	if apiErr.Status == http.StatusTooManyRequests {
		return true
	}
	if IsSecondaryRateLimit(err) {
		return true
	}
	return apiErr.Status == http.StatusForbidden &&
		apiErr.RateLimitResetAt > 0 &&
		strings.Contains(strings.ToLower(apiErr.ResponseText), "rate limit")
}

// RetryAfterDelay decides the extra wait for rate-limited responses: the
// Retry-After header when present (body marker as fallback), stretched to the
// x-ratelimit-reset boundary when the quota window ends later. Secondary
// limits are floored at secondaryMinBackoff.
func RetryAfterDelay(err error) time.Duration {
	var apiErr *APIError
	if !asAPIError(err, &apiErr) {
		return 0
	}
	wait := apiErr.RetryAfter
	if wait == 0 {
		if m := retryAfterRe.FindStringSubmatch(apiErr.ResponseText); len(m) > 1 {
			if seconds, perr := strconv.Atoi(m[1]); perr == nil && seconds > 0 {
				wait = time.Duration(seconds) * time.Second
			}
		}
	}
	if IsRateLimited(err) && apiErr.RateLimitResetAt > 0 {
		if until := time.Until(time.Unix(apiErr.RateLimitResetAt, 0)); until > wait {
			wait = until
		}
	}
	if IsSecondaryRateLimit(err) && wait < secondaryMinBackoff {
		wait = secondaryMinBackoff
	} else if apiErr.Status == http.StatusTooManyRequests && wait == 0 {
		wait = secondaryMinBackoff
	}
	return wait
}

func errorCode(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Errors  []struct {
			Code string `json:"code"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if len(payload.Errors) > 0 {
		return payload.Errors[0].Code
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
