package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/aq-pipeline/internal/resilience"
)

// maxBodyBytes bounds how much of a response body is read into memory.
const maxBodyBytes = 64 << 20

// HTTPOptions configures the JSON client.
type HTTPOptions struct {
	UserAgent string

	// Timeout applies to each HTTP call, not to a whole retry sequence.
	Timeout time.Duration

	// Policy decides retries. Zero fields take DefaultHTTPPolicy values.
	Policy resilience.HTTPPolicy

	// RequestsPerSecond caps the request rate across all calls made by the
	// client. Zero or negative disables limiting.
	RequestsPerSecond float64

	// Sleep waits between attempts. Defaults to resilience.Sleep.
	Sleep resilience.Sleeper

	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialRate == rate.Inf {
		return
	}
	newRate := a.currentRate * 1.2
	if newRate > a.maxRate {
		newRate = a.maxRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialRate == rate.Inf {
		return
	}
	newRate := a.currentRate * 0.5
	if newRate < a.minRate {
		newRate = a.minRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.Float64("new_rate", float64(newRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// JSONClient performs GET requests that return JSON, retrying transient
// failures according to an HTTPPolicy.
type JSONClient struct {
	client  *http.Client
	opts    HTTPOptions
	policy  resilience.HTTPPolicy
	limiter *AdaptiveLimiter
}

// NewJSONClient creates a JSONClient with the given options.
func NewJSONClient(opts HTTPOptions) *JSONClient {
	if opts.Timeout == 0 {
		opts.Timeout = 40 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "aq-pipeline/1.0"
	}
	if opts.Sleep == nil {
		opts.Sleep = resilience.Sleep
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	return &JSONClient{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:    opts,
		policy:  opts.Policy.WithDefaults(),
		limiter: NewAdaptiveLimiter(limit, 1),
	}
}

// GetJSON issues a GET to rawURL with the given headers and query params and
// returns the parsed body. A nil result with a nil error means the resource
// does not exist, the status was terminal, or retries were exhausted; those
// cases are logged here. Errors are returned only for malformed requests and
// context cancellation.
func (c *JSONClient) GetJSON(ctx context.Context, rawURL string, headers map[string]string, params url.Values) (*gjson.Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse url %s", rawURL)
	}
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}
	target := u.String()

	log := zap.L().With(zap.String("component", "fetcher.json"), zap.String("url", target))

	backoff := c.policy.InitialBackoff
	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}

		status, header, body, reqErr := c.do(ctx, target, headers)
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "fetcher: get")
		}

		var parsed gjson.Result
		if reqErr == nil && status == http.StatusOK {
			if !gjson.ValidBytes(body) {
				reqErr = eris.Errorf("fetcher: invalid JSON body (%d bytes)", len(body))
			} else {
				parsed = gjson.ParseBytes(body)
			}
		}

		d := c.policy.Decide(resilience.Attempt{
			Number:     attempt,
			StatusCode: status,
			Header:     header,
			Err:        reqErr,
			Backoff:    backoff,
		})

		switch d.Action {
		case resilience.ActionSucceed:
			c.limiter.OnSuccess()
			return &parsed, nil
		case resilience.ActionNotFound:
			log.Debug("resource not found", zap.Int("attempt", attempt))
			return nil, nil
		case resilience.ActionFail:
			log.Error("unexpected http status",
				zap.Int("status", status),
				zap.String("body", truncate(string(body), 200)),
			)
			return nil, nil
		case resilience.ActionExhausted:
			log.Error("exhausted http retries",
				zap.Int("attempts", attempt),
				zap.String("reason", d.Reason),
				zap.Int("status", status),
				zap.Error(reqErr),
			)
			return nil, nil
		}

		if status == http.StatusTooManyRequests {
			c.limiter.OnRateLimit()
		}
		log.Warn("http attempt failed, backing off",
			zap.String("reason", d.Reason),
			zap.Int("status", status),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.policy.MaxAttempts),
			zap.Duration("delay", d.Delay),
			zap.Error(reqErr),
		)
		if err := c.opts.Sleep(ctx, d.Delay); err != nil {
			return nil, eris.Wrap(err, "fetcher: backoff")
		}
		backoff = c.policy.NextBackoff(backoff)
	}
}

// do performs one HTTP round trip and reads the body.
func (c *JSONClient) do(ctx context.Context, target string, headers map[string]string) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, nil, eris.Wrap(err, "fetcher: read body")
	}
	return resp.StatusCode, resp.Header, body, nil
}

// Limiter exposes the client's adaptive limiter.
func (c *JSONClient) Limiter() *AdaptiveLimiter {
	return c.limiter
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
