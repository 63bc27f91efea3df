package resilience

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Action is what the caller should do after an HTTP attempt.
type Action int

const (
	// ActionSucceed means the response body should be returned.
	ActionSucceed Action = iota
	// ActionNotFound means the resource does not exist. Terminal, no retry.
	ActionNotFound
	// ActionRetry means sleep for Decision.Delay and try again.
	ActionRetry
	// ActionFail means the status is not retryable. Terminal.
	ActionFail
	// ActionExhausted means the attempt was retryable but the budget is spent.
	ActionExhausted
)

func (a Action) String() string {
	switch a {
	case ActionSucceed:
		return "succeed"
	case ActionNotFound:
		return "not_found"
	case ActionRetry:
		return "retry"
	case ActionFail:
		return "fail"
	case ActionExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Attempt describes the outcome of a single HTTP call.
type Attempt struct {
	// Number is the 1-based attempt index.
	Number int
	// StatusCode is the response status; ignored when Err is set.
	StatusCode int
	// Header holds the response headers, if any.
	Header http.Header
	// Err is a transport-level failure (connection error, timeout).
	Err error
	// Backoff is the current backoff clock for this fetch.
	Backoff time.Duration
}

// Decision is the policy's verdict for an Attempt.
type Decision struct {
	Action Action
	Delay  time.Duration
	Reason string
}

// HTTPPolicy decides how to react to HTTP outcomes. It performs no I/O.
type HTTPPolicy struct {
	// MaxAttempts is the total number of attempts per fetch. Default: 6.
	MaxAttempts int

	// InitialBackoff is the backoff clock at the start of every fetch. Default: 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff clock. Default: 10s.
	MaxBackoff time.Duration

	// Multiplier scales the backoff after each retry. Default: 2.0.
	Multiplier float64

	// ResetHeader carries the server's rate-limit reset hint in seconds.
	// Default: X-RateLimit-Reset.
	ResetHeader string
}

// DefaultHTTPPolicy returns the policy used against the OpenAQ API.
func DefaultHTTPPolicy() HTTPPolicy {
	return HTTPPolicy{
		MaxAttempts:    6,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		ResetHeader:    "X-RateLimit-Reset",
	}
}

// WithDefaults fills unset fields from DefaultHTTPPolicy.
func (p HTTPPolicy) WithDefaults() HTTPPolicy {
	d := DefaultHTTPPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Multiplier <= 0 {
		p.Multiplier = d.Multiplier
	}
	if p.ResetHeader == "" {
		p.ResetHeader = d.ResetHeader
	}
	return p
}

// Decide maps an attempt to an action. Priority: 200, 404, 429, retryable
// 5xx, any other status, transport error. A retryable outcome on the final
// attempt yields ActionExhausted instead of a sleep.
func (p HTTPPolicy) Decide(a Attempt) Decision {
	p = p.WithDefaults()

	var d Decision
	switch {
	case a.Err != nil:
		d = Decision{Action: ActionRetry, Delay: a.Backoff, Reason: "network error"}
	case a.StatusCode == http.StatusOK:
		return Decision{Action: ActionSucceed}
	case a.StatusCode == http.StatusNotFound:
		return Decision{Action: ActionNotFound, Reason: "not found"}
	case a.StatusCode == http.StatusTooManyRequests:
		wait := a.Backoff
		if reset, ok := p.resetHint(a.Header); ok && reset > wait {
			wait = reset
		}
		d = Decision{Action: ActionRetry, Delay: wait, Reason: "rate limited"}
	case IsRetryableStatus(a.StatusCode):
		d = Decision{Action: ActionRetry, Delay: a.Backoff, Reason: "server error"}
	default:
		return Decision{Action: ActionFail, Reason: "unexpected status " + strconv.Itoa(a.StatusCode)}
	}

	if a.Number >= p.MaxAttempts {
		return Decision{Action: ActionExhausted, Reason: d.Reason}
	}
	return d
}

// NextBackoff advances the backoff clock after a retry.
func (p HTTPPolicy) NextBackoff(current time.Duration) time.Duration {
	p = p.WithDefaults()
	next := time.Duration(float64(current) * p.Multiplier)
	if next > p.MaxBackoff {
		next = p.MaxBackoff
	}
	return next
}

// resetHint parses the rate-limit reset header as a number of seconds.
func (p HTTPPolicy) resetHint(h http.Header) (time.Duration, bool) {
	if h == nil {
		return 0, false
	}
	raw := strings.TrimSpace(h.Get(p.ResetHeader))
	if raw == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
