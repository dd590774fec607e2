// Package retrylimit provides an adaptive rate limiter and a bounded retry
// loop for clients of flaky HTTP services. Errors carrying a status code get
// special handling: 429 slows the limiter down and honours Retry-After, 5xx
// backs off exponentially, 4xx is treated as final.
//
// Example usage:
//
//	lim := retrylimit.NewAdaptiveLimiter(10, 2, 50, 1, 0.5)
//	err := retrylimit.Do(ctx, lim, retrylimit.Config{MaxAttempts: 3}, func(ctx context.Context) error {
//	    return doRequest(ctx)
//	})
package retrylimit

import (
	"context"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// =============================================================================
// Limiter
// =============================================================================

// AdaptiveLimiter manages a rate limit that rises on success and shrinks
// when the server pushes back. Safe for concurrent use.
type AdaptiveLimiter struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	minLimit  rate.Limit
	maxLimit  rate.Limit
	stepUp    rate.Limit
	stepDown  float64
	cooldown  time.Duration
	lastError time.Time
	now       func() time.Time
}

// NewAdaptiveLimiter creates a limiter starting at initial requests per
// second, bounded by [lo, hi]. Each success adds stepUp once the limiter
// has been error-free for ten seconds; each push-back multiplies by stepDown.
func NewAdaptiveLimiter(initial, lo, hi, stepUp rate.Limit, stepDown float64) *AdaptiveLimiter {
	lo = max(lo, 1)
	hi = max(hi, lo)
	initial = min(max(initial, lo), hi)
	if stepDown <= 0 || stepDown >= 1 {
		stepDown = 0.5
	}
	return &AdaptiveLimiter{
		limiter:  rate.NewLimiter(initial, max(1, int(initial))),
		minLimit: lo,
		maxLimit: hi,
		stepUp:   stepUp,
		stepDown: stepDown,
		cooldown: 10 * time.Second,
		now:      time.Now,
	}
}

// Wait blocks until a token is available or ctx is done.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// Success raises the rate after a successful request.
func (a *AdaptiveLimiter) Success() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.now().Sub(a.lastError) > a.cooldown {
		a.adjust(a.limiter.Limit() + a.stepUp)
	}
}

// Backoff lowers the rate after the server signalled overload.
func (a *AdaptiveLimiter) Backoff() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastError = a.now()
	a.adjust(rate.Limit(float64(a.limiter.Limit()) * a.stepDown))
}

// Limit returns the current requests per second.
func (a *AdaptiveLimiter) Limit() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return float64(a.limiter.Limit())
}

func (a *AdaptiveLimiter) adjust(l rate.Limit) {
	l = min(max(l, a.minLimit), a.maxLimit)
	if l != a.limiter.Limit() {
		a.limiter.SetLimit(l)
		a.limiter.SetBurst(max(1, int(l)))
	}
}

// =============================================================================
// Errors
// =============================================================================

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return "http status " + strconv.Itoa(e.Code)
	}
	return "http status " + strconv.Itoa(e.Code) + ": " + e.Body
}

// NewStatusError builds a StatusError from resp, reading Retry-After when set.
func NewStatusError(resp *http.Response, body string) *StatusError {
	e := &StatusError{Code: resp.StatusCode, Body: body}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}

// Fatal marks err as not worth retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

type fatalError struct{ err error }

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

// IsFatal reports whether err stops a retry loop immediately.
func IsFatal(err error) bool {
	var f *fatalError
	if errors.As(err, &f) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests
	}
	return false
}

func statusOf(err error) (*StatusError, bool) {
	var se *StatusError
	ok := errors.As(err, &se)
	return se, ok
}

// =============================================================================
// Retry
// =============================================================================

// Config configures Do. Zero values take the defaults shown.
type Config struct {
	MaxAttempts    int           // 3
	InitialDelay   time.Duration // 250ms
	MaxDelay       time.Duration // 5s
	RateLimitDelay time.Duration // 1s, used when the server sends no Retry-After
	Multiplier     float64       // 2
	NoJitter       bool
	Logger         *zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 250 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.RateLimitDelay <= 0 {
		c.RateLimitDelay = time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	return c
}

// Do calls fn until it succeeds, returns a fatal error, ctx ends or
// MaxAttempts is reached. The last error is returned wrapped.
func Do(ctx context.Context, lim *AdaptiveLimiter, cfg Config, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	delay := cfg.InitialDelay
	var last error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return errors.Wrap(err, "rate limiter wait")
			}
		}

		err := fn(ctx)
		if err == nil {
			if lim != nil {
				lim.Success()
			}
			if attempt > 1 {
				log.Debug().Int("attempt", attempt).Msg("request succeeded after retry")
			}
			return nil
		}
		if IsFatal(err) || ctx.Err() != nil {
			return err
		}
		last = err
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := delay
		if se, ok := statusOf(err); ok && se.Code == http.StatusTooManyRequests {
			if lim != nil {
				lim.Backoff()
			}
			wait = cfg.RateLimitDelay
			if se.RetryAfter > 0 {
				wait = se.RetryAfter
			}
		} else {
			if se, ok := statusOf(err); ok && se.Code >= 500 && lim != nil {
				lim.Backoff()
			}
			if !cfg.NoJitter {
				wait = addJitter(wait)
			}
			delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
		}

		log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("request failed, retrying")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return errors.Wrapf(last, "giving up after %d attempts", cfg.MaxAttempts)
}

// addJitter adds up to 25% random jitter to delay.
func addJitter(delay time.Duration) time.Duration {
	if delay < 4 {
		return delay
	}
	return delay + rand.N(delay/4)
}
