// Package voice manages guild voice connections and the timers that tear
// them down: the inactivity deadline and the empty-channel monitor. The
// authoritative deadline and monitor flag live in the shared store so every
// shard sees the same state; each process also keeps local timers to act
// promptly on its own sessions.
package voice

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/keshon/domme-player/internal/metrics"
	"github.com/keshon/domme-player/internal/music/events"
	"github.com/keshon/domme-player/internal/music/musicerr"
	"github.com/keshon/domme-player/internal/music/queue"
	"github.com/keshon/domme-player/internal/store"
	"github.com/keshon/domme-player/pkg/jobmgr"
)

// Gateway is the chat platform's voice surface.
type Gateway interface {
	// UserVoiceChannel returns the user's current voice channel, or "".
	UserVoiceChannel(guildID, userID string) (string, error)
	JoinChannel(ctx context.Context, guildID, channelID string) error
	LeaveChannel(ctx context.Context, guildID string) error
	// CountListeners counts non-bot members in the channel from live state.
	CountListeners(guildID, channelID string) (int, error)
}

// Backend is the slice of the audio adapter the voice service needs.
type Backend interface {
	HasPlayer(guildID string) bool
	CreatePlayer(ctx context.Context, guildID string, volume int) error
	DestroyPlayer(ctx context.Context, guildID string) error
}

type Options struct {
	InactivityTimeout   time.Duration
	EmptyChannelTimeout time.Duration
	MonitorInterval     time.Duration
	PollInterval        time.Duration
	// MonitorTTL is how long a monitor flag survives without refresh.
	MonitorTTL time.Duration
	// ShardID and ShardCount decide which orphaned deadlines this process
	// may claim: those of guilds routed to its shard.
	ShardID    int
	ShardCount int
}

func (o Options) withDefaults() Options {
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = 5 * time.Minute
	}
	if o.EmptyChannelTimeout <= 0 {
		o.EmptyChannelTimeout = time.Minute
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = 15 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.MonitorTTL <= 0 {
		o.MonitorTTL = 2*o.MonitorInterval + 5*time.Second
	}
	if o.ShardCount <= 0 {
		o.ShardCount = 1
	}
	return o
}

type ConnectRequest struct {
	GuildID       string
	UserID        string
	TextChannelID string
}

type Service struct {
	gateway Gateway
	backend Backend
	queue   *queue.Service
	store   store.Store
	bus     *events.Bus
	jobs    *jobmgr.Manager
	metrics *metrics.Metrics
	log     zerolog.Logger
	opts    Options
	owner   string
	now     func() time.Time

	mu      sync.Mutex
	empty   map[string]bool
	cleanup []func(guildID string)
}

// New builds the service. owner identifies this process in monitor flags.
func New(opts Options, owner string, gw Gateway, b Backend, q *queue.Service, st store.Store, bus *events.Bus, jobs *jobmgr.Manager, m *metrics.Metrics, log zerolog.Logger) *Service {
	return &Service{
		gateway: gw,
		backend: b,
		queue:   q,
		store:   st,
		bus:     bus,
		jobs:    jobs,
		metrics: m,
		log:     log.With().Str("component", "voice").Logger(),
		opts:    opts.withDefaults(),
		owner:   owner,
		now:     time.Now,
		empty:   make(map[string]bool),
	}
}

// OnCleanup registers fn to run for every disconnected guild.
func (s *Service) OnCleanup(fn func(guildID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanup = append(s.cleanup, fn)
}

// owns reports whether guildID is routed to this shard, using the gateway's
// (id >> 22) % shards rule. Non-numeric IDs belong to shard 0.
func (s *Service) owns(guildID string) bool {
	if s.opts.ShardCount <= 1 {
		return true
	}
	id, err := strconv.ParseUint(guildID, 10, 64)
	if err != nil {
		return s.opts.ShardID == 0
	}
	return int((id>>22)%uint64(s.opts.ShardCount)) == s.opts.ShardID
}

// Connect joins the requesting user's voice channel and creates the session.
// It is idempotent for a user already in the bound channel.
func (s *Service) Connect(ctx context.Context, req ConnectRequest) (queue.State, error) {
	log := s.log.With().Str("guild", req.GuildID).Logger()

	channelID, err := s.gateway.UserVoiceChannel(req.GuildID, req.UserID)
	if err != nil {
		return queue.State{}, errors.Wrap(err, "look up user voice state")
	}
	if channelID == "" {
		return queue.State{}, musicerr.New(musicerr.VoiceRequired, "join a voice channel first")
	}

	if st, ok := s.queue.Snapshot(req.GuildID); ok && s.backend.HasPlayer(req.GuildID) {
		if st.VoiceChannelID != channelID {
			return st, musicerr.New(musicerr.DifferentVoice, "already playing in another channel")
		}
		return st, nil
	}

	if err := s.gateway.JoinChannel(ctx, req.GuildID, channelID); err != nil {
		return queue.State{}, errors.Wrap(err, "join voice channel")
	}

	st := s.queue.GetOrCreate(req.GuildID, channelID, req.TextChannelID)
	if err := s.backend.CreatePlayer(ctx, req.GuildID, st.Volume); err != nil {
		if lerr := s.gateway.LeaveChannel(ctx, req.GuildID); lerr != nil {
			log.Warn().Err(lerr).Msg("failed to leave after player error")
		}
		s.queue.Delete(req.GuildID)
		return queue.State{}, err
	}
	s.metrics.Sessions(len(s.queue.Guilds()))

	if err := s.StartMonitor(ctx, req.GuildID); err != nil {
		log.Warn().Err(err).Msg("failed to start channel monitor")
	}
	if err := s.StartInactivityTimer(ctx, req.GuildID, events.InactivityIdle, s.opts.InactivityTimeout); err != nil {
		log.Warn().Err(err).Msg("failed to start inactivity timer")
	}

	log.Info().Str("channel", channelID).Msg("connected")
	s.bus.Publish(events.Connected{Session: events.Session{GuildID: req.GuildID}, VoiceChannelID: channelID, TextChannelID: req.TextChannelID})
	return st, nil
}

// Disconnect tears the session down completely. Every step runs even if an
// earlier one fails; the first error is returned.
func (s *Service) Disconnect(ctx context.Context, guildID, reason string) error {
	log := s.log.With().Str("guild", guildID).Str("reason", reason).Logger()
	var first error
	keep := func(err error, msg string) {
		if err == nil {
			return
		}
		log.Warn().Err(err).Msg(msg)
		if first == nil {
			first = errors.Wrap(err, msg)
		}
	}

	keep(s.ClearInactivityTimer(ctx, guildID), "failed to clear inactivity timer")
	keep(s.StopMonitor(ctx, guildID), "failed to stop channel monitor")

	s.mu.Lock()
	hooks := append([]func(string){}, s.cleanup...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(guildID)
	}

	keep(s.backend.DestroyPlayer(ctx, guildID), "failed to destroy player")
	keep(s.gateway.LeaveChannel(ctx, guildID), "failed to leave voice channel")

	s.queue.Delete(guildID)
	s.metrics.Sessions(len(s.queue.Guilds()))
	if n := s.bus.UnsubscribeSession(guildID); n > 0 {
		log.Debug().Int("subscriptions", n).Msg("session subscriptions removed")
	}

	log.Info().Msg("disconnected")
	s.bus.Publish(events.Disconnected{Session: events.Session{GuildID: guildID}, Reason: reason})
	return first
}

// ListenerCount counts listeners in the session's channel from live state.
func (s *Service) ListenerCount(ctx context.Context, guildID string) (int, error) {
	st, ok := s.queue.Snapshot(guildID)
	if !ok {
		return 0, musicerr.ErrNoPlayer
	}
	n, err := s.gateway.CountListeners(guildID, st.VoiceChannelID)
	if err != nil {
		return 0, errors.Wrap(err, "count listeners")
	}
	return n, nil
}
