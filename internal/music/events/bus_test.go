package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestBus_GlobalAndSessionDelivery(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var global, g1, g2 []Kind
	bus.Subscribe(func(ev Event) { global = append(global, ev.Kind()) })
	bus.SubscribeSession("g1", func(ev Event) { g1 = append(g1, ev.Kind()) })
	bus.SubscribeSession("g2", func(ev Event) { g2 = append(g2, ev.Kind()) })

	bus.Publish(QueueFinished{Session: Session{GuildID: "g1"}})
	bus.Publish(ChannelEmpty{Session: Session{GuildID: "g2"}})
	bus.Publish(NodeReady{Node: "main"})

	assert.Equal(t, []Kind{KindQueueFinished, KindChannelEmpty, KindNodeReady}, global)
	assert.Equal(t, []Kind{KindQueueFinished}, g1)
	assert.Equal(t, []Kind{KindChannelEmpty}, g2)
}

func TestBus_UnsubscribeSessionRemovesAll(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	calls := 0
	for i := 0; i < 3; i++ {
		bus.SubscribeSession("g1", func(Event) { calls++ })
	}
	keep := 0
	bus.SubscribeSession("g2", func(Event) { keep++ })

	assert.Equal(t, 3, bus.SessionSubscribers("g1"))
	assert.Equal(t, 3, bus.UnsubscribeSession("g1"))
	assert.Zero(t, bus.SessionSubscribers("g1"))

	bus.Publish(QueueFinished{Session: Session{GuildID: "g1"}})
	bus.Publish(QueueFinished{Session: Session{GuildID: "g2"}})
	assert.Zero(t, calls)
	assert.Equal(t, 1, keep)
}

func TestBus_CancelFunc(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	calls := 0
	cancel := bus.Subscribe(func(Event) { calls++ })
	bus.Publish(PlaybackStopped{Session: Session{GuildID: "g1"}})
	cancel()
	bus.Publish(PlaybackStopped{Session: Session{GuildID: "g1"}})
	assert.Equal(t, 1, calls)

	cancelScoped := bus.SubscribeSession("g1", func(Event) { calls++ })
	cancelScoped()
	assert.Zero(t, bus.SessionSubscribers("g1"))
}

func TestBus_PanicIsContained(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	after := false
	bus.Subscribe(func(Event) { panic("boom") })
	bus.Subscribe(func(Event) { after = true })

	assert.NotPanics(t, func() {
		bus.Publish(QueueFinished{Session: Session{GuildID: "g1"}})
	})
	assert.True(t, after)
}

func TestEndReason_MayStartNext(t *testing.T) {
	assert.True(t, EndFinished.MayStartNext())
	assert.True(t, EndLoadFailed.MayStartNext())
	assert.True(t, EndStopped.MayStartNext())
	assert.False(t, EndReplaced.MayStartNext())
	assert.False(t, EndCleanup.MayStartNext())
}
