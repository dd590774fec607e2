package playback

import (
	"context"
	"time"
)

// transitionLock is a one-token mutex with a bounded acquire.
type transitionLock chan struct{}

func newTransitionLock() transitionLock {
	return make(transitionLock, 1)
}

// acquire takes the token, giving up after timeout or when ctx ends.
func (l transitionLock) acquire(ctx context.Context, timeout time.Duration) bool {
	select {
	case l <- struct{}{}:
		return true
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case l <- struct{}{}:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (l transitionLock) release() {
	select {
	case <-l:
	default:
	}
}
