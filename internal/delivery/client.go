// Package delivery posts rendered digests to the configured webhook.
//
// One Client (and one pooled transport) lives for the whole process. Each
// attempt is bounded by its own timeout; network errors and 500/502/503/504
// are retried with jittered exponential backoff, everything else fails fast.
// Failures are reported in the returned Result, never as panics.
package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	logx "oxdaily/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	// ErrTransient marks attempt failures that are worth retrying.
	ErrTransient = errors.New("transient delivery failure")
	// ErrNoEndpoint is returned when no webhook URL is configured.
	ErrNoEndpoint = errors.New("webhook url not configured")
)

// HTTPError is a non-2xx webhook response.
type HTTPError struct {
	Code int
	Body string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("webhook returned HTTP %d: %s", e.Code, e.Body)
}

// Result is the outcome of one delivery (all attempts included).
type Result struct {
	Status     string         `json:"status"` // "ok" | "error"
	Detail     string         `json:"detail,omitempty"`
	Attempts   int            `json:"attempts"`
	StatusCode int            `json:"status_code,omitempty"`
	Response   map[string]any `json:"response,omitempty"`
}

func (r Result) OK() bool { return r.Status == StatusOK }

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Config holds the delivery policy. Zero fields take defaults.
type Config struct {
	URL           string
	Secret        string
	Timeout       time.Duration // per attempt; default 10s
	MaxAttempts   int           // total attempts; default 3
	RetryBase     time.Duration // default 1s
	RetryMaxDelay time.Duration // default 30s
	RatePerSec    int           // default 5
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = c.RetryBase
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	return c
}

// AttemptHook observes every attempt. code is 0 when no response arrived.
type AttemptHook func(attempt, code int, err error)

type Option func(*Client)

func WithAttemptHook(h AttemptHook) Option { return func(c *Client) { c.hook = h } }

// WithHTTPClient replaces the pooled client (tests use httptest's TLS client).
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

type Client struct {
	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter

	http *http.Client
	log  logx.Logger
	hook AttemptHook
	now  func() time.Time
	rng  *rand.Rand
	rngM sync.Mutex
}

func New(cfg Config, log logx.Logger, opts ...Option) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		http:    &http.Client{Transport: newTransport()},
		log:     log.With(logx.String("comp", "delivery")),
		now:     time.Now,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
}

// Reconfigure swaps the endpoint and policy; the connection pool is kept.
func (c *Client) Reconfigure(cfg Config) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	if cfg.RatePerSec != c.cfg.RatePerSec {
		c.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	}
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *Client) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Close drops idle pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Deliver sends markdown as an interactive card titled title.
func (c *Client) Deliver(ctx context.Context, title, markdown string) Result {
	return c.Send(ctx, NewMarkdownCard(title, markdown))
}

// Send posts the payload, retrying transient failures.
func (c *Client) Send(ctx context.Context, p CardPayload) Result {
	c.mu.RLock()
	cfg := c.cfg
	lim := c.limiter
	c.mu.RUnlock()

	if strings.TrimSpace(cfg.URL) == "" {
		return Result{Status: StatusError, Detail: ErrNoEndpoint.Error()}
	}

	var (
		lastErr  error
		lastCode int
	)
	attempts := 0
retry:
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break retry
		}
		attempts = attempt

		code, resp, err := c.attempt(ctx, cfg, p)
		if c.hook != nil {
			c.hook(attempt, code, err)
		}
		lastCode = code
		if err == nil {
			c.log.Debug("webhook delivered", logx.Int("attempt", attempt), logx.Int("status", code))
			return Result{Status: StatusOK, Detail: http.StatusText(code), Attempts: attempt, StatusCode: code, Response: resp}
		}
		lastErr = err

		if !errors.Is(err, ErrTransient) {
			c.log.Warn("webhook rejected delivery", logx.Int("attempt", attempt), logx.Err(err))
			break retry
		}
		if attempt >= cfg.MaxAttempts {
			break retry
		}

		delay := c.retryDelay(cfg, attempt)
		c.log.Debug("webhook attempt failed; retrying",
			logx.Int("attempt", attempt),
			logx.Int("max", cfg.MaxAttempts),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			lastErr = fmt.Errorf("%w (after %v)", ctx.Err(), err)
			break retry
		}
	}

	return Result{Status: StatusError, Detail: errString(lastErr), Attempts: attempts, StatusCode: lastCode}
}

// attempt performs one POST. It returns the HTTP status (0 if none), the
// decoded response and an error wrapping ErrTransient when retryable.
func (c *Client) attempt(ctx context.Context, cfg Config, p CardPayload) (int, map[string]any, error) {
	body, err := json.Marshal(p.signed(cfg.Secret, c.now()))
	if err != nil {
		return 0, nil, fmt.Errorf("encode payload: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("User-Agent", "oxdaily/1")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// The caller gave up; retrying cannot help.
			return 0, nil, ctx.Err()
		}
		return 0, nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, decodeResponse(resp.StatusCode, raw), nil
	}
	serr := &HTTPError{Code: resp.StatusCode, Body: truncate(strings.TrimSpace(string(raw)), 256)}
	if retryableStatus(resp.StatusCode) {
		return resp.StatusCode, nil, fmt.Errorf("%w: %w", ErrTransient, serr)
	}
	return resp.StatusCode, nil, serr
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// decodeResponse returns the JSON object body, or {status, text} when the
// body is not a JSON object.
func decodeResponse(code int, raw []byte) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil && m != nil {
		return m
	}
	return map[string]any{"status": code, "text": string(raw)}
}

// retryDelay is the wait before attempt+1: base * 2^(attempt-1), capped,
// with 0.7..1.3 jitter.
func (c *Client) retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	c.rngM.Lock()
	j := 0.7 + c.rng.Float64()*0.6
	c.rngM.Unlock()
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
