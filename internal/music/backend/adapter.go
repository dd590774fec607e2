package backend

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/keshon/domme-player/internal/metrics"
	"github.com/keshon/domme-player/internal/music/events"
	"github.com/keshon/domme-player/internal/music/musicerr"
	"github.com/keshon/domme-player/internal/music/queue"
	"github.com/keshon/domme-player/internal/store"
)

type Options struct {
	PrimaryPlatform   string
	AlternatePlatform string
	StalenessWindow   time.Duration
	BreakerFailures   uint32
	BreakerTimeout    time.Duration
	// NotifyTimeout bounds store work done while handling a node notification.
	NotifyTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PrimaryPlatform == "" {
		o.PrimaryPlatform = "ytsearch"
	}
	if o.AlternatePlatform == "" {
		o.AlternatePlatform = "scsearch"
	}
	if o.StalenessWindow <= 0 {
		o.StalenessWindow = 30 * time.Minute
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = 10 * time.Second
	}
	return o
}

type player struct {
	node      string
	track     *queue.Track
	paused    bool
	volume    int
	position  int64
	updatedAt time.Time
}

// NodeStatus is a point-in-time view of one node.
type NodeStatus struct {
	Name    string
	Healthy bool
	Players int
}

// Adapter is the single entry point to the audio cluster.
type Adapter struct {
	mu      sync.RWMutex
	nodes   map[string]Node
	healthy map[string]bool
	players map[string]*player
	voice   map[string]VoiceState

	breaker  *gobreaker.CircuitBreaker
	degraded atomic.Bool

	store   store.Store
	bus     *events.Bus
	metrics *metrics.Metrics
	log     zerolog.Logger
	opts    Options
	now     func() time.Time

	wg sync.WaitGroup
}

func New(opts Options, st store.Store, bus *events.Bus, m *metrics.Metrics, log zerolog.Logger) *Adapter {
	a := &Adapter{
		nodes:   make(map[string]Node),
		healthy: make(map[string]bool),
		players: make(map[string]*player),
		voice:   make(map[string]VoiceState),
		store:   st,
		bus:     bus,
		metrics: m,
		log:     log.With().Str("component", "backend").Logger(),
		opts:    opts.withDefaults(),
		now:     time.Now,
	}
	a.breaker = newSearchBreaker(a.opts, a.onBreakerStateChange)
	return a
}

// AddNode registers a node. Nodes start unhealthy until they report ready.
func (a *Adapter) AddNode(n Node) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nodes[n.Name()] = n
}

// Start runs every node's notification loop until ctx ends.
func (a *Adapter) Start(ctx context.Context) {
	a.mu.RLock()
	nodes := make([]Node, 0, len(a.nodes))
	for _, n := range a.nodes {
		nodes = append(nodes, n)
	}
	a.mu.RUnlock()

	for _, n := range nodes {
		a.wg.Add(1)
		go func(n Node) {
			defer a.wg.Done()
			if err := n.Start(ctx, a); err != nil && ctx.Err() == nil {
				a.log.Error().Err(err).Str("node", n.Name()).Msg("node loop exited")
			}
		}(n)
	}
}

// Close shuts every node down and waits for their loops.
func (a *Adapter) Close() error {
	a.mu.RLock()
	nodes := make([]Node, 0, len(a.nodes))
	for _, n := range a.nodes {
		nodes = append(nodes, n)
	}
	a.mu.RUnlock()

	var first error
	for _, n := range nodes {
		if err := n.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "close node %s", n.Name())
		}
	}
	a.wg.Wait()
	return first
}

// Healthy returns the number of healthy nodes.
func (a *Adapter) Healthy() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.healthyLocked()
}

func (a *Adapter) healthyLocked() int {
	n := 0
	for _, ok := range a.healthy {
		if ok {
			n++
		}
	}
	return n
}

// Degraded reports whether the search breaker is not closed.
func (a *Adapter) Degraded() bool {
	return a.degraded.Load()
}

func (a *Adapter) Nodes() []NodeStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	counts := a.playerCountsLocked()
	out := make([]NodeStatus, 0, len(a.nodes))
	for name := range a.nodes {
		out = append(out, NodeStatus{Name: name, Healthy: a.healthy[name], Players: counts[name]})
	}
	slices.SortFunc(out, func(x, y NodeStatus) int {
		switch {
		case x.Name < y.Name:
			return -1
		case x.Name > y.Name:
			return 1
		}
		return 0
	})
	return out
}

func (a *Adapter) playerCountsLocked() map[string]int {
	counts := make(map[string]int, len(a.nodes))
	for _, p := range a.players {
		counts[p.node]++
	}
	return counts
}

// pickLocked returns the healthy node hosting the fewest players, ties broken
// by name.
func (a *Adapter) pickLocked() (Node, bool) {
	counts := a.playerCountsLocked()
	var best string
	for name := range a.nodes {
		if !a.healthy[name] {
			continue
		}
		if best == "" || counts[name] < counts[best] || (counts[name] == counts[best] && name < best) {
			best = name
		}
	}
	if best == "" {
		return nil, false
	}
	return a.nodes[best], true
}

func (a *Adapter) pick() (Node, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n, ok := a.pickLocked()
	if !ok {
		return nil, musicerr.New(musicerr.BackendUnavailable, "no healthy audio node")
	}
	return n, nil
}

// =============================================================================
// Players
// =============================================================================

// CreatePlayer binds the guild to a node. The node-side player is created
// with the first update, carrying the voice state if it is already known.
func (a *Adapter) CreatePlayer(ctx context.Context, guildID string, volume int) error {
	a.mu.Lock()
	if _, ok := a.players[guildID]; ok {
		a.mu.Unlock()
		return nil
	}
	node, ok := a.pickLocked()
	if !ok {
		a.mu.Unlock()
		return musicerr.New(musicerr.BackendUnavailable, "no healthy audio node")
	}
	a.players[guildID] = &player{node: node.Name(), volume: volume}
	voice := a.voice[guildID]
	a.mu.Unlock()

	u := PlayerUpdate{Volume: &volume}
	if voice.Complete() {
		u.Voice = &voice
	}
	if _, err := node.UpdatePlayer(ctx, guildID, u); err != nil {
		a.mu.Lock()
		delete(a.players, guildID)
		a.mu.Unlock()
		return errors.Wrapf(err, "create player on %s", node.Name())
	}
	a.log.Debug().Str("guild", guildID).Str("node", node.Name()).Msg("player created")
	return nil
}

func (a *Adapter) HasPlayer(guildID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.players[guildID]
	return ok
}

// DestroyPlayer removes the player locally and on its node. The local handle
// is dropped even if the node call fails. A guild with no local handle, as
// after a restart, is destroyed on every healthy node.
func (a *Adapter) DestroyPlayer(ctx context.Context, guildID string) error {
	a.mu.Lock()
	p, ok := a.players[guildID]
	delete(a.players, guildID)
	delete(a.voice, guildID)
	var nodes []Node
	if ok {
		if n := a.nodes[p.node]; n != nil {
			nodes = append(nodes, n)
		}
	} else {
		for name, n := range a.nodes {
			if a.healthy[name] {
				nodes = append(nodes, n)
			}
		}
	}
	a.mu.Unlock()

	var first error
	for _, n := range nodes {
		if err := n.DestroyPlayer(ctx, guildID); err != nil && first == nil {
			first = errors.Wrapf(err, "destroy player on %s", n.Name())
		}
	}
	return first
}

// UpdateVoice merges the non-empty fields of v into the guild's voice state
// and forwards it once complete.
func (a *Adapter) UpdateVoice(ctx context.Context, guildID string, v VoiceState) error {
	a.mu.Lock()
	cur := a.voice[guildID]
	if v.Token != "" {
		cur.Token = v.Token
	}
	if v.Endpoint != "" {
		cur.Endpoint = v.Endpoint
	}
	if v.SessionID != "" {
		cur.SessionID = v.SessionID
	}
	a.voice[guildID] = cur
	p, ok := a.players[guildID]
	var node Node
	if ok {
		node = a.nodes[p.node]
	}
	a.mu.Unlock()

	if !cur.Complete() || node == nil {
		return nil
	}
	if _, err := node.UpdatePlayer(ctx, guildID, PlayerUpdate{Voice: &cur}); err != nil {
		return errors.Wrap(err, "update voice")
	}
	return nil
}

// HasTrack reports whether the guild's node player still holds a track, i.e.
// it has not yet reported the end of the last one played.
func (a *Adapter) HasTrack(guildID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.players[guildID]
	return ok && p.track != nil
}

func (a *Adapter) playerNode(guildID string) (Node, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.players[guildID]
	if !ok {
		return nil, musicerr.ErrNoPlayer
	}
	if !a.healthy[p.node] {
		return nil, musicerr.New(musicerr.BackendUnavailable, "player node is down")
	}
	return a.nodes[p.node], nil
}

func (a *Adapter) update(ctx context.Context, guildID string, u PlayerUpdate, apply func(p *player)) error {
	node, err := a.playerNode(guildID)
	if err != nil {
		return err
	}
	if _, err := node.UpdatePlayer(ctx, guildID, u); err != nil {
		return errors.Wrapf(err, "update player on %s", node.Name())
	}
	a.mu.Lock()
	if p, ok := a.players[guildID]; ok {
		apply(p)
	}
	a.mu.Unlock()
	return nil
}

// Play starts t from startMs, replacing whatever is playing.
func (a *Adapter) Play(ctx context.Context, guildID string, t queue.Track, startMs int64) error {
	if !t.Playable() {
		return musicerr.ErrInvalidTrack
	}
	paused := false
	return a.update(ctx, guildID, PlayerUpdate{Encoded: &t.Encoded, Position: &startMs, Paused: &paused}, func(p *player) {
		p.track = &t
		p.paused = false
		p.position = startMs
		p.updatedAt = a.now()
	})
}

func (a *Adapter) Pause(ctx context.Context, guildID string, paused bool) error {
	return a.update(ctx, guildID, PlayerUpdate{Paused: &paused}, func(p *player) {
		p.position = a.estimate(p)
		p.updatedAt = a.now()
		p.paused = paused
	})
}

// Stop clears the node's track. The node reports the end with reason
// stopped.
func (a *Adapter) Stop(ctx context.Context, guildID string) error {
	return a.update(ctx, guildID, PlayerUpdate{Stop: true}, func(p *player) {})
}

func (a *Adapter) Seek(ctx context.Context, guildID string, ms int64) error {
	if ms < 0 {
		ms = 0
	}
	return a.update(ctx, guildID, PlayerUpdate{Position: &ms}, func(p *player) {
		p.position = ms
		p.updatedAt = a.now()
	})
}

func (a *Adapter) SetVolume(ctx context.Context, guildID string, v int) error {
	return a.update(ctx, guildID, PlayerUpdate{Volume: &v}, func(p *player) {
		p.volume = v
	})
}

// Position estimates the current playback position in milliseconds.
func (a *Adapter) Position(guildID string) int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.players[guildID]
	if !ok {
		return 0
	}
	return a.estimate(p)
}

func (a *Adapter) estimate(p *player) int64 {
	pos := p.position
	if p.track != nil && !p.paused && !p.updatedAt.IsZero() {
		pos += a.now().Sub(p.updatedAt).Milliseconds()
	}
	if p.track != nil && p.track.Duration > 0 && !p.track.Stream {
		pos = min(pos, p.track.Duration.Milliseconds())
	}
	return pos
}

// =============================================================================
// Notifications
// =============================================================================

func (a *Adapter) HandleNodeEvent(ev NodeEvent) {
	log := a.log.With().Str("node", ev.Node).Logger()

	switch ev.Type {
	case NodeEventReady:
		a.mu.Lock()
		a.healthy[ev.Node] = true
		healthy := a.healthyLocked()
		a.mu.Unlock()
		a.metrics.HealthyNodes(healthy)

		log.Info().Bool("resumed", ev.Resumed).Int("healthy", healthy).Msg("node ready")
		a.bus.Publish(events.NodeReady{Node: ev.Node, Resumed: ev.Resumed, Healthy: healthy})

		ctx, cancel := context.WithTimeout(context.Background(), a.opts.NotifyTimeout)
		defer cancel()
		if _, err := a.ScanPreserved(ctx); err != nil {
			log.Error().Err(err).Msg("preserved state scan failed")
		}

	case NodeEventClosed:
		a.mu.Lock()
		was := a.healthy[ev.Node]
		a.healthy[ev.Node] = false
		healthy := a.healthyLocked()
		a.mu.Unlock()
		a.metrics.HealthyNodes(healthy)

		log.Warn().Int("code", ev.Code).Str("reason", ev.Reason).Int("healthy", healthy).Msg("node closed")
		a.bus.Publish(events.NodeClosed{Node: ev.Node, Code: ev.Code, Reason: ev.Reason, Healthy: healthy})
		if !was {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), a.opts.NotifyTimeout)
		defer cancel()
		if healthy == 0 {
			if _, err := a.PreserveAll(ctx); err != nil {
				log.Error().Err(err).Msg("failed to preserve playback state")
			}
			return
		}
		a.migrate(ctx, ev.Node)

	case NodeEventError:
		log.Error().Err(ev.Err).Msg("node error")
		a.bus.Publish(events.NodeError{Node: ev.Node, Err: ev.Err})

	case NodeEventReconnecting:
		log.Info().Int("attempt", ev.Attempt).Msg("node reconnecting")
		a.bus.Publish(events.NodeReconnecting{Node: ev.Node, Attempt: ev.Attempt})

	case NodeEventStats:
		log.Trace().Int("players", ev.Players).Msg("node stats")
	}
}

// migrate moves players off a lost node while others are still healthy.
func (a *Adapter) migrate(ctx context.Context, lost string) {
	a.mu.RLock()
	var guilds []string
	for g, p := range a.players {
		if p.node == lost {
			guilds = append(guilds, g)
		}
	}
	a.mu.RUnlock()

	for _, g := range guilds {
		if err := a.moveTo(ctx, g, a.Position(g)); err != nil {
			a.log.Error().Err(err).Str("guild", g).Str("from", lost).Msg("player migration failed")
		}
	}
}

// moveTo rebinds the guild's player to the best healthy node and replays its
// last known state there.
func (a *Adapter) moveTo(ctx context.Context, guildID string, position int64) error {
	a.mu.Lock()
	p, ok := a.players[guildID]
	if !ok {
		a.mu.Unlock()
		return musicerr.ErrNoPlayer
	}
	delete(a.players, guildID)
	node, found := a.pickLocked()
	a.players[guildID] = p
	if !found {
		a.mu.Unlock()
		return musicerr.New(musicerr.BackendUnavailable, "no healthy audio node")
	}
	p.node = node.Name()
	voice := a.voice[guildID]
	track, paused, volume := p.track, p.paused, p.volume
	a.mu.Unlock()

	u := PlayerUpdate{Volume: &volume, Paused: &paused}
	if voice.Complete() {
		u.Voice = &voice
	}
	if track != nil {
		u.Encoded = &track.Encoded
		u.Position = &position
	}
	if _, err := node.UpdatePlayer(ctx, guildID, u); err != nil {
		return errors.Wrapf(err, "replay player on %s", node.Name())
	}

	a.mu.Lock()
	if cur, ok := a.players[guildID]; ok && cur == p {
		p.position = position
		p.updatedAt = a.now()
	}
	a.mu.Unlock()
	a.log.Info().Str("guild", guildID).Str("node", node.Name()).Msg("player moved")
	return nil
}

func (a *Adapter) HandlePlayerEvent(ev PlayerEvent) {
	s := events.Session{GuildID: ev.GuildID}

	switch ev.Type {
	case PlayerStateUpdate:
		a.mu.Lock()
		if p, ok := a.players[ev.GuildID]; ok {
			p.position = ev.Position
			p.updatedAt = ev.Time
			if p.updatedAt.IsZero() {
				p.updatedAt = a.now()
			}
		}
		a.mu.Unlock()

	case PlayerTrackStart:
		a.bus.Publish(events.TrackStarted{Session: s, Track: ev.Track})

	case PlayerTrackEnd:
		a.mu.Lock()
		if p, ok := a.players[ev.GuildID]; ok && p.track != nil && p.track.Encoded == ev.Track.Encoded {
			p.track = nil
			p.position = 0
		}
		a.mu.Unlock()
		a.bus.Publish(events.TrackEnded{Session: s, Track: ev.Track, Reason: events.EndReason(ev.Reason)})

	case PlayerTrackException:
		a.bus.Publish(events.TrackException{Session: s, Track: ev.Track, Message: ev.Message, Severity: ev.Severity})

	case PlayerTrackStuck:
		a.bus.Publish(events.TrackStuck{Session: s, Track: ev.Track, Threshold: ev.Threshold})

	case PlayerVoiceClosed:
		a.bus.Publish(events.VoiceClosed{Session: s, Code: ev.Code, Reason: ev.Reason, ByRemote: ev.ByRemote})
	}
}
