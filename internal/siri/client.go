// Package siri is a client for the SIRI-Lite stop-monitoring endpoint.
package siri

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrMissingAPIKey = errors.New("siri: missing API key")
	ErrBadRequest    = errors.New("siri: bad request")
	ErrUnauthorized  = errors.New("siri: unauthorized")
	ErrNotFound      = errors.New("siri: not found")
	ErrRateLimited   = errors.New("siri: rate limited")
	ErrUpstream      = errors.New("siri: upstream error")
	ErrDecode        = errors.New("siri: decode error")
)

// StatusError carries a non-200 response. It unwraps to one of the sentinel errors.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("siri: unexpected status code %d", e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusBadRequest:
		return ErrBadRequest
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.StatusCode >= 500:
		return ErrUpstream
	}
	return nil
}

// KeySource yields the API key. keychain stores satisfy it.
type KeySource interface {
	Get() (string, error)
}

// StaticKey is a KeySource over a fixed value.
type StaticKey string

func (k StaticKey) Get() (string, error) { return string(k), nil }

// ClientMetrics receives one observation per HTTP attempt.
type ClientMetrics interface {
	ObserveRequest(status string, d time.Duration)
}

type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	UserAgent         string
	MaxAttempts       int
	RetryWait         time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://prim.iledefrance-mobilites.fr/marketplace",
		Timeout:           10 * time.Second,
		RequestsPerSecond: 5,
		UserAgent:         "departureboard/1.0",
		MaxAttempts:       3,
		RetryWait:         time.Second,
	}
}

type Client struct {
	baseURL     string
	userAgent   string
	httpClient  *http.Client
	keys        KeySource
	limiter     *rate.Limiter
	metrics     ClientMetrics
	maxAttempts int
	retryWait   time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithMetrics(m ClientMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

func NewClient(cfg Config, keys KeySource, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryWait < 0 {
		cfg.RetryWait = 0
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if keys == nil {
		keys = StaticKey("")
	}

	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:   cfg.UserAgent,
		httpClient:  newHTTPClient(cfg.Timeout),
		keys:        keys,
		limiter:     rate.NewLimiter(limit, 1),
		maxAttempts: cfg.MaxAttempts,
		retryWait:   cfg.RetryWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}

func (c *Client) apiKey() (string, error) {
	key, err := c.keys.Get()
	if err != nil || strings.TrimSpace(key) == "" {
		if err != nil {
			slog.Debug("siri.api_key_unavailable", "err", err)
		}
		return "", ErrMissingAPIKey
	}
	return strings.TrimSpace(key), nil
}

func isTransient(status int) bool {
	return status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout
}

// getWithRetries retries 502/503/504 and network errors up to maxAttempts.
func (c *Client) getWithRetries(ctx context.Context, reqURL, key string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("apikey", key)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		c.observe(resp, err, time.Since(start))

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		case isTransient(resp.StatusCode):
			body := readSnippet(resp.Body)
			resp.Body.Close()
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: body}
		default:
			return resp, nil
		}

		if attempt < c.maxAttempts-1 {
			slog.Warn("siri.retry", "attempt", attempt+1, "max", c.maxAttempts, "err", lastErr)
			wait := time.Duration(attempt+1) * c.retryWait
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *Client) observe(resp *http.Response, err error, d time.Duration) {
	if c.metrics == nil {
		return
	}
	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	c.metrics.ObserveRequest(status, d)
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}

// StopMonitoring queries the stop-monitoring endpoint. lineRef may be empty.
func (c *Client) StopMonitoring(ctx context.Context, monitoringRef, lineRef string) (*StopMonitoringResponse, error) {
	if strings.TrimSpace(monitoringRef) == "" {
		return nil, fmt.Errorf("%w: empty monitoring ref", ErrBadRequest)
	}
	key, err := c.apiKey()
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("MonitoringRef", monitoringRef)
	if lineRef != "" {
		q.Set("LineRef", lineRef)
	}
	reqURL := c.baseURL + "/stop-monitoring?" + q.Encode()

	resp, err := c.getWithRetries(ctx, reqURL, key)
	if err != nil {
		return nil, fmt.Errorf("fetch stop monitoring %s: %w", monitoringRef, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: readSnippet(resp.Body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read stop monitoring body: %w", err)
	}
	out, err := Decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return out, nil
}

// Departures returns upcoming departures for a stop, optionally restricted to a line.
// Both references are given in reference-dataset form and normalized here.
func (c *Client) Departures(ctx context.Context, stopID, lineID string, now time.Time) ([]Departure, error) {
	resp, err := c.StopMonitoring(ctx, MonitoringRef(stopID), LineRef(lineID))
	if err != nil {
		return nil, err
	}
	for _, del := range resp.Siri.ServiceDelivery.StopMonitoringDelivery {
		if del.ErrorCondition != nil && len(del.MonitoredStopVisit) == 0 {
			text := del.ErrorCondition.ErrorInformation.ErrorText
			slog.Warn("siri.delivery_error", "stop", stopID, "line", lineID, "error", text)
		}
	}
	deps := resp.Departures(now)
	if lineID != "" {
		want := LineRef(lineID)
		filtered := deps[:0]
		for _, d := range deps {
			if d.LineRef == "" || d.LineRef == want {
				filtered = append(filtered, d)
			}
		}
		deps = filtered
	}
	return deps, nil
}
