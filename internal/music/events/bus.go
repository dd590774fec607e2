package events

import (
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

type Handler func(Event)

// Bus delivers events in-process to global and guild-scoped subscribers.
// Delivery is synchronous and at-most-once; nothing is persisted. Handlers
// that block must hand work off to their own goroutine.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	global   map[uint64]Handler
	sessions map[string]map[uint64]Handler
	log      zerolog.Logger
}

func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		global:   make(map[uint64]Handler),
		sessions: make(map[string]map[uint64]Handler),
		log:      log.With().Str("component", "bus").Logger(),
	}
}

// Subscribe registers h for every event and returns its cancel func.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.global[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.global, id)
	}
}

// SubscribeSession registers h for events of one guild. All of a guild's
// subscriptions are dropped together by UnsubscribeSession.
func (b *Bus) SubscribeSession(guildID string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	subs, ok := b.sessions[guildID]
	if !ok {
		subs = make(map[uint64]Handler)
		b.sessions[guildID] = subs
	}
	subs[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.sessions[guildID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.sessions, guildID)
			}
		}
	}
}

// UnsubscribeSession removes every subscription scoped to the guild and
// returns how many were removed.
func (b *Bus) UnsubscribeSession(guildID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.sessions[guildID])
	delete(b.sessions, guildID)
	return n
}

// SessionSubscribers returns the number of live subscriptions for a guild.
func (b *Bus) SessionSubscribers(guildID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions[guildID])
}

// Publish delivers ev to global subscribers, then to the guild's subscribers,
// each in subscription order.
func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}
	for _, h := range b.handlersFor(ev.Guild()) {
		b.deliver(h, ev)
	}
}

func (b *Bus) handlersFor(guildID string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := ordered(b.global)
	if guildID != "" {
		out = append(out, ordered(b.sessions[guildID])...)
	}
	return out
}

func ordered(m map[uint64]Handler) []Handler {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]Handler, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("event", string(ev.Kind())).
				Str("guild", ev.Guild()).
				Msg("event handler panicked")
		}
	}()
	h(ev)
}
