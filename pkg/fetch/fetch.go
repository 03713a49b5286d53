package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// Package fetch provides the shared rate-limited, retrying HTTP GET client
// used by all extractors. Politeness toward a provider is enforced with a
// fixed inter-request delay derived from the provider's requests-per-minute
// budget plus a bounded in-flight semaphore.

// ErrUnavailable is returned once retries are exhausted or a non-retryable
// status is received. Callers treat it as "no data this cycle", not fatal.
var ErrUnavailable = errors.New("fetch: resource unavailable")

// DefaultRateLimit is the fallback provider budget in requests per minute.
const DefaultRateLimit = 60

const (
	defaultRetries     = 3
	defaultMaxInFlight = 10
	defaultTimeout     = 30 * time.Second
	serverErrorBackoff = time.Second
)

// Response is the minimal response surface extractors consume. A 304 response
// is a first-class successful outcome carrying no body.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NotModified reports whether the response is a conditional-request 304.
func (r *Response) NotModified() bool {
	return r != nil && r.StatusCode == http.StatusNotModified
}

// ETag returns the response validator for the next conditional request.
func (r *Response) ETag() string {
	if r == nil {
		return ""
	}
	return r.Header.Get("ETag")
}

// Client abstracts HTTP GETs so callers can inject mocks or different transports.
type Client interface {
	Get(ctx context.Context, url string, headers map[string]string) (*Response, error)
}

// Options tunes a RateLimitedClient.
type Options struct {
	// RateLimit is the provider budget in requests per minute; 0 disables
	// the inter-request delay.
	RateLimit int
	// Retries bounds attempts per request (default 3).
	Retries int
	// MaxInFlight bounds concurrent requests through this client (default 10).
	MaxInFlight int
	// Timeout is the per-request timeout (default 30s).
	Timeout time.Duration
	// Headers are sent with every request; per-call headers override them.
	Headers map[string]string
}

// RateLimitedClient implements Client over a resty transport.
type RateLimitedClient struct {
	client         *resty.Client
	delay          time.Duration
	retries        int
	sem            chan struct{}
	defaultHeaders map[string]string
	sleep          func(ctx context.Context, d time.Duration) error
}

// New builds a RateLimitedClient from options.
func New(opts Options) *RateLimitedClient {
	if opts.Retries <= 0 {
		opts.Retries = defaultRetries
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = defaultMaxInFlight
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	var delay time.Duration
	if opts.RateLimit > 0 {
		delay = time.Duration(float64(time.Minute) / float64(opts.RateLimit))
	}

	c := resty.New()
	c.SetTimeout(opts.Timeout)

	return &RateLimitedClient{
		client:         c,
		delay:          delay,
		retries:        opts.Retries,
		sem:            make(chan struct{}, opts.MaxInFlight),
		defaultHeaders: opts.Headers,
		sleep:          sleepCtx,
	}
}

// WithSleep overrides the backoff sleeper. For tests.
func (c *RateLimitedClient) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *RateLimitedClient {
	c.sleep = sleep
	return c
}

// Get performs a GET with politeness delay, bounded concurrency and retries.
// Retry policy: network errors and 429 back off exponentially (2^attempt
// seconds, honoring Retry-After when parseable), 5xx retries after a fixed
// short pause, any other 4xx is non-retryable. 304 is returned untouched so
// callers can short-circuit without re-parsing a body.
func (c *RateLimitedClient) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for attempt := 0; attempt < c.retries; attempt++ {
		if c.delay > 0 {
			if err := c.sleep(ctx, c.delay); err != nil {
				return nil, err
			}
		}

		req := c.client.R().SetContext(ctx)
		if len(c.defaultHeaders) > 0 {
			req.SetHeaders(c.defaultHeaders)
		}
		if len(headers) > 0 {
			req.SetHeaders(headers)
		}

		resp, err := req.Get(url)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if err := c.sleep(ctx, expBackoff(attempt)); err != nil {
				return nil, err
			}
			continue
		}

		status := resp.StatusCode()
		switch {
		case status == http.StatusNotModified || (status >= 200 && status < 300):
			return &Response{
				StatusCode: status,
				Header:     resp.Header(),
				Body:       resp.Body(),
			}, nil

		case status == http.StatusTooManyRequests:
			wait := retryAfter(resp.Header(), expBackoff(attempt))
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}

		case status >= 500:
			if err := c.sleep(ctx, serverErrorBackoff); err != nil {
				return nil, err
			}

		default:
			// Non-recoverable client error.
			return nil, fmt.Errorf("%w: %s returned status %d", ErrUnavailable, url, status)
		}
	}

	return nil, fmt.Errorf("%w: %s failed after %d attempts", ErrUnavailable, url, c.retries)
}

// expBackoff returns 2^attempt seconds.
func expBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// retryAfter honors a numeric Retry-After header, falling back to def.
func retryAfter(h http.Header, def time.Duration) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return def
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
