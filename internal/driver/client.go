package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// ClientConfig configures the paced HTTP client drivers use for platform APIs
type ClientConfig struct {
	// RateLimit is requests per second (default: 2)
	RateLimit float64
	// RateBurst is the maximum burst size (default: 1)
	RateBurst int
	// MaxRetries for 429 and 5xx responses (default: 5)
	MaxRetries uint64
	// InitialBackoff before the first retry (default: 1s)
	InitialBackoff time.Duration
	// MaxBackoff caps the retry interval (default: 30s)
	MaxBackoff time.Duration
	// Timeout for individual requests (default: 30s)
	Timeout time.Duration
	// Transport allows injecting a custom transport
	Transport http.RoundTripper
}

// DefaultClientConfig returns conservative pacing for personal API sessions
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RateLimit:      2,
		RateBurst:      1,
		MaxRetries:     5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Timeout:        30 * time.Second,
	}
}

// Client is a rate-limited HTTP client retrying 429 and 5xx responses with
// capped exponential backoff
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a Client, filling unset fields from DefaultClientConfig
func NewClient(cfg ClientConfig) *Client {
	def := DefaultClientConfig()
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}
}

// StatusError reports a non-success HTTP status
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("unexpected status %d", e.Code)
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// Do sends the request built by build, rebuilding it for every attempt.
// The caller owns the returned response body.
func (c *Client) Do(ctx context.Context, build func(context.Context) (*http.Request, error)) (*http.Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	var resp *http.Response
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
		}
		req, err := build(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		r, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if retryable(r.StatusCode) {
			io.Copy(io.Discard, r.Body)
			r.Body.Close()
			return &StatusError{Code: r.StatusCode}
		}
		resp = r
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

// JSON sends body (if non-nil) as JSON and decodes a 2xx response into out
func (c *Client) JSON(ctx context.Context, method, url string, headers map[string]string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	resp, err := c.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rd)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(data)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return &StatusError{Code: resp.StatusCode, Body: snippet}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
