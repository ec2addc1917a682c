// Package httpapi is the request pipeline every outbound API call goes
// through. It injects the bearer token, retries transient failures with
// exponential backoff, and replays a request once after a single-flight
// token refresh when the server answers 401.
//
// Every failure is returned as *Error.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"taskline/cmd/internal/ids"
	"taskline/cmd/internal/metrics"
)

const maxErrorBodyBytes = 64 << 10

// TokenStore is the slice of the session store the pipeline reads and clears.
type TokenStore interface {
	AccessToken() string
	Logout(ctx context.Context) error
}

// Refresher rotates the access token. staleToken is the token the failed
// request carried.
type Refresher interface {
	Refresh(ctx context.Context, staleToken string) (string, error)
}

// Config is the pipeline policy.
type Config struct {
	BaseURL string

	// RequestTimeout bounds each attempt.
	RequestTimeout time.Duration

	MaxRetries    int
	BaseDelay     time.Duration
	MaxRetryDelay time.Duration
	// MaxRetryAfter clamps server-supplied Retry-After values.
	MaxRetryAfter time.Duration

	DeviceID  string
	UserAgent string
}

// DefaultConfig returns the retry policy constants.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:8080",
		RequestTimeout: 30 * time.Second,
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxRetryDelay:  30 * time.Second,
		MaxRetryAfter:  60 * time.Second,
		UserAgent:      "taskline/1",
	}
}

// RetryHook observes each scheduled retry. attempt starts at 1.
type RetryHook func(attempt int, delay time.Duration, err *Error)

// Client is the request pipeline.
type Client struct {
	cfg       Config
	base      *url.URL
	http      *http.Client
	tokens    TokenStore
	refresher Refresher

	clock   clockwork.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	onRetry RetryHook
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithClock(clk clockwork.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithRetryHook(h RetryHook) Option {
	return func(c *Client) { c.onRetry = h }
}

// New constructs a pipeline. refresher may be nil, in which case a 401 ends
// the session immediately.
func New(cfg Config, tokens TokenStore, refresher Refresher, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("httpapi: invalid base url %q", cfg.BaseURL)
	}
	if tokens == nil {
		return nil, errors.New("httpapi: nil token store")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	c := &Client{
		cfg:       cfg,
		base:      base,
		http:      &http.Client{},
		tokens:    tokens,
		refresher: refresher,
		clock:     clockwork.NewRealClock(),
		log:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Do sends req through the pipeline. req.URL may be relative to the base URL.
// On success the caller owns resp.Body. On failure err is always *Error.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.do(ctx, req)
	if err != nil {
		c.metrics.ObserveRequest(string(err.Kind))
		return nil, err
	}
	c.metrics.ObserveRequest("ok")
	return resp, nil
}

func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, *Error) {
	body, err := replayableBody(req)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Code: CodeBadRequest, Message: "request body could not be read", Err: err}
	}
	target := c.resolve(req.URL)
	requestID := ids.MustULID()

	resp, herr, used := c.doWithRetry(ctx, req, target, body, requestID)
	if herr == nil || herr.Status != http.StatusUnauthorized {
		return resp, herr
	}

	// One refresh-and-replay cycle per request.
	if c.refresher == nil {
		return nil, c.expire(ctx, herr)
	}
	if _, rerr := c.refresher.Refresh(ctx, used); rerr != nil {
		// A caller that gave up while waiting on someone else's refresh has
		// not seen the refresh fail; the session stays.
		if cerr := ctx.Err(); cerr != nil && errors.Is(rerr, cerr) {
			return nil, fromTransport(ctx, cerr)
		}
		c.log.Warn("httpapi.refresh.fail", "request_id", requestID, "err", rerr)
		return nil, c.expire(ctx, rerr)
	}
	c.metrics.ObserveAuthReplay()
	c.log.Info("httpapi.auth.replay", "request_id", requestID, "method", req.Method, "path", target.Path)

	resp, herr, _ = c.doWithRetry(ctx, req, target, body, requestID)
	if herr != nil && herr.Status == http.StatusUnauthorized {
		return nil, c.expire(ctx, herr)
	}
	return resp, herr
}

// resolve places relative paths under the base URL path, with or without a
// leading slash. Absolute URLs pass through.
func (c *Client) resolve(u *url.URL) *url.URL {
	if u.IsAbs() {
		return u
	}
	ref := *u
	ref.Path = strings.TrimPrefix(ref.Path, "/")
	ref.RawPath = ""
	return c.base.ResolveReference(&ref)
}

// expire ends the session and surfaces the terminal session-expired error.
func (c *Client) expire(ctx context.Context, cause error) *Error {
	if err := c.tokens.Logout(context.WithoutCancel(ctx)); err != nil {
		c.log.Warn("httpapi.logout.fail", "err", err)
	}
	return &Error{
		Kind:    KindAuth,
		Code:    CodeSessionExpired,
		Status:  http.StatusUnauthorized,
		Message: "session expired",
		Err:     cause,
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.cfg.BaseDelay),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(c.cfg.MaxRetryDelay),
		backoff.WithMaxElapsedTime(0),
	)
}

// doWithRetry runs attempts until success, a non-retryable error, or the
// budget is spent. It returns the token the last attempt carried.
func (c *Client) doWithRetry(ctx context.Context, req *http.Request, target *url.URL, body []byte, requestID string) (*http.Response, *Error, string) {
	bo := c.newBackOff()

	for attempt := 0; ; attempt++ {
		token := c.tokens.AccessToken()
		resp, herr := c.attempt(ctx, req, target, body, requestID, token)
		if herr == nil {
			return resp, nil, token
		}
		if !herr.Retryable || attempt >= c.cfg.MaxRetries || ctx.Err() != nil {
			return nil, herr, token
		}

		delay := bo.NextBackOff()
		if herr.RetryAfter > 0 {
			delay = min(herr.RetryAfter, c.cfg.MaxRetryAfter)
		}
		c.metrics.ObserveRetry()
		c.log.Info("httpapi.retry",
			"request_id", requestID,
			"attempt", attempt+1,
			"delay_ms", delay.Milliseconds(),
			"kind", herr.Kind,
			"status", herr.Status,
		)
		if c.onRetry != nil {
			c.onRetry(attempt+1, delay, herr)
		}

		select {
		case <-c.clock.After(delay):
		case <-ctx.Done():
			return nil, fromTransport(ctx, ctx.Err()), token
		}
	}
}

func (c *Client) attempt(ctx context.Context, orig *http.Request, target *url.URL, body []byte, requestID, token string) (*http.Response, *Error) {
	actx := ctx
	var cancel context.CancelFunc = func() {}
	if c.cfg.RequestTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
	}

	req := orig.Clone(actx)
	req.URL = target
	req.Host = ""
	if body != nil {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
		req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Del("Authorization")
	}
	req.Header.Set("X-Request-ID", requestID)
	if c.cfg.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.cfg.DeviceID)
	}
	if c.cfg.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fromTransport(ctx, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 399 {
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	_ = resp.Body.Close()
	cancel()
	return nil, fromResponse(resp.StatusCode, resp.Header, data, c.clock.Now())
}

// cancelOnClose keeps the attempt context alive until the caller finishes reading.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// replayableBody reads the body once so every attempt can resend it.
func replayableBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		defer func() { _ = rc.Close() }()
		return io.ReadAll(rc)
	}
	defer func() { _ = req.Body.Close() }()
	return io.ReadAll(req.Body)
}

// JSON sends in (if non-nil) as a JSON body and decodes a 2xx response into
// out (if non-nil).
func (c *Client) JSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &Error{Kind: KindUnknown, Code: CodeBadRequest, Message: "request could not be encoded", Err: err}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, path, body)
	if err != nil {
		return &Error{Kind: KindUnknown, Code: CodeBadRequest, Message: "request could not be built", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindUnknown, Code: "decode", Status: resp.StatusCode, Message: "response could not be decoded", Err: err}
	}
	return nil
}
