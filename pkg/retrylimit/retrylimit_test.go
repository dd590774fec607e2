package retrylimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, RateLimitDelay: time.Millisecond, NoJitter: true}

func TestDo_RetriesServerErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), nil, fast, func(context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{Code: http.StatusBadGateway}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_GivesUp(t *testing.T) {
	calls := 0
	err := Do(context.Background(), nil, fast, func(context.Context) error {
		calls++
		return errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
}

func TestDo_ClientErrorIsFatal(t *testing.T) {
	calls := 0
	err := Do(context.Background(), nil, fast, func(context.Context) error {
		calls++
		return errors.Wrap(&StatusError{Code: http.StatusNotFound}, "load tracks")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	calls = 0
	_ = Do(context.Background(), nil, fast, func(context.Context) error {
		calls++
		return Fatal(errors.New("bad input"))
	})
	assert.Equal(t, 1, calls)
}

func TestDo_RateLimitSlowsLimiter(t *testing.T) {
	lim := NewAdaptiveLimiter(20, 2, 50, 1, 0.5)
	calls := 0
	err := Do(context.Background(), lim, fast, func(context.Context) error {
		calls++
		if calls == 1 {
			return &StatusError{Code: http.StatusTooManyRequests}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 10.0, lim.Limit())
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fast
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, nil, cfg, func(context.Context) error { return errors.New("down") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAdaptiveLimiter_Bounds(t *testing.T) {
	lim := NewAdaptiveLimiter(4, 2, 5, 1, 0.5)
	now := time.Now()
	lim.now = func() time.Time { return now }

	lim.Backoff()
	assert.Equal(t, 2.0, lim.Limit())
	lim.Backoff()
	assert.Equal(t, 2.0, lim.Limit(), "never below the floor")

	lim.Success()
	assert.Equal(t, 2.0, lim.Limit(), "no increase inside the cooldown")

	now = now.Add(time.Minute)
	for i := 0; i < 10; i++ {
		lim.Success()
	}
	assert.Equal(t, 5.0, lim.Limit(), "never above the ceiling")
}

func TestNewStatusError_RetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Retry-After", "7")
	rec.WriteHeader(http.StatusTooManyRequests)

	se := NewStatusError(rec.Result(), "slow down")
	assert.Equal(t, 7*time.Second, se.RetryAfter)
	assert.False(t, IsFatal(se))
	assert.Equal(t, "http status 429: slow down", se.Error())
}
