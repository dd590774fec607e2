package jobmgr

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAfter_FiresOnce(t *testing.T) {
	m := NewManager(nil)
	fired := make(chan struct{}, 2)

	m.StartAfter("t", 10*time.Millisecond, func(context.Context) { fired <- struct{}{} })
	assert.True(t, m.Running("t"))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.Eventually(t, func() bool { return !m.Running("t") }, time.Second, 5*time.Millisecond)
	assert.Len(t, fired, 0)
}

func TestStartAfter_ReplaceResetsTimer(t *testing.T) {
	m := NewManager(nil)
	var first, second atomic.Int32

	m.StartAfter("t", 20*time.Millisecond, func(context.Context) { first.Add(1) })
	m.StartAfter("t", 40*time.Millisecond, func(context.Context) { second.Add(1) })

	assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, first.Load())
}

func TestStartAfter_Stop(t *testing.T) {
	m := NewManager(nil)
	var fired atomic.Bool

	m.StartAfter("t", 20*time.Millisecond, func(context.Context) { fired.Store(true) })
	assert.True(t, m.Stop("t"))
	assert.False(t, m.Stop("t"))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestStartAfter_CanRearmFromCallback(t *testing.T) {
	m := NewManager(nil)
	var runs atomic.Int32

	var arm func()
	arm = func() {
		m.StartAfter("t", 5*time.Millisecond, func(context.Context) {
			if runs.Add(1) < 3 {
				arm()
			}
		})
	}
	arm()

	assert.Eventually(t, func() bool { return runs.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestStartEvery_RunsUntilStopped(t *testing.T) {
	var msgs []string
	msgsCh := make(chan string, 64)
	m := NewManager(func(s string) { msgsCh <- s })
	var ticks atomic.Int32

	require.NoError(t, m.StartEvery("poll", 5*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return nil
	}))
	assert.Error(t, m.StartEvery("poll", time.Millisecond, func(context.Context) error { return nil }))

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, m.Stop("poll"))

	assert.Eventually(t, func() bool {
		for {
			select {
			case s := <-msgsCh:
				msgs = append(msgs, s)
			default:
				return len(msgs) > 0 && msgs[len(msgs)-1] == "done:poll"
			}
		}
	}, time.Second, 5*time.Millisecond)
}

func TestStopPrefix(t *testing.T) {
	m := NewManager(nil)
	noop := func(context.Context) {}
	m.StartAfter("inactivity:1", time.Hour, noop)
	m.StartAfter("inactivity:2", time.Hour, noop)
	m.StartAfter("vote:1", time.Hour, noop)

	assert.Equal(t, 2, m.StopPrefix("inactivity:"))
	assert.False(t, m.Running("inactivity:1"))
	assert.False(t, m.Running("inactivity:2"))
	assert.True(t, m.Running("vote:1"))

	m.StopAll()
	assert.False(t, m.Running("vote:1"))
}
