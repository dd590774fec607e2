package backend

import (
	"context"

	"github.com/sony/gobreaker"

	"github.com/keshon/domme-player/internal/music/events"
)

func newSearchBreaker(opts Options, onChange func(name string, from, to gobreaker.State)) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "backend-search",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: onChange,
	})
}

func breakerLevel(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}

// onBreakerStateChange runs under the breaker's lock; it must not call back
// into the breaker. Opening snapshots every playing session as a node loss
// would; closing again drops the snapshots of sessions that kept playing.
func (a *Adapter) onBreakerStateChange(name string, from, to gobreaker.State) {
	degraded := to != gobreaker.StateClosed
	a.degraded.Store(degraded)
	a.metrics.BreakerState(breakerLevel(to))

	a.log.Warn().
		Str("breaker", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Bool("degraded", degraded).
		Msg("circuit breaker state changed")
	a.bus.Publish(events.BreakerStateChanged{From: from.String(), To: to.String(), Degraded: degraded})

	switch to {
	case gobreaker.StateOpen:
		a.background(func(ctx context.Context) {
			if n, err := a.PreserveAll(ctx); err != nil {
				a.log.Error().Err(err).Int("written", n).Msg("failed to preserve playback state on breaker trip")
			}
		})
	case gobreaker.StateClosed:
		a.background(a.clearLivePreserved)
	}
}

// background runs fn off the caller's goroutine; Close waits for it.
func (a *Adapter) background(fn func(ctx context.Context)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.opts.NotifyTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// clearLivePreserved deletes snapshots of guilds whose player is still up.
func (a *Adapter) clearLivePreserved(ctx context.Context) {
	a.mu.RLock()
	guilds := make([]string, 0, len(a.players))
	for g := range a.players {
		guilds = append(guilds, g)
	}
	a.mu.RUnlock()

	for _, g := range guilds {
		if err := a.ClearPreserved(ctx, g); err != nil {
			a.log.Error().Err(err).Str("guild", g).Msg("failed to clear snapshot after breaker recovery")
		}
	}
}
