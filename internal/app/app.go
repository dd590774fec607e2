// Package app builds the playback core and runs its background loops.
//
// Construction is two-phase: every service is built first, then the
// cross-references (playback ↔ voice, cleanup hooks, the reactive handler
// subscription) are wired once the whole graph exists.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/keshon/domme-player/internal/config"
	"github.com/keshon/domme-player/internal/metrics"
	"github.com/keshon/domme-player/internal/music/autoplay"
	"github.com/keshon/domme-player/internal/music/backend"
	"github.com/keshon/domme-player/internal/music/backend/lavalink"
	"github.com/keshon/domme-player/internal/music/events"
	"github.com/keshon/domme-player/internal/music/playback"
	"github.com/keshon/domme-player/internal/music/queue"
	"github.com/keshon/domme-player/internal/music/reactive"
	"github.com/keshon/domme-player/internal/music/voice"
	"github.com/keshon/domme-player/internal/store"
	"github.com/keshon/domme-player/pkg/jobmgr"
	"github.com/keshon/domme-player/pkg/retrylimit"
)

type App struct {
	Owner    string
	Store    store.Store
	Bus      *events.Bus
	Jobs     *jobmgr.Manager
	Metrics  *metrics.Metrics
	Queue    *queue.Service
	Backend  *backend.Adapter
	Playback *playback.Service
	Voice    *voice.Service
	Autoplay *autoplay.Service
	Reactive *reactive.Handler

	cfg    *config.Config
	log    zerolog.Logger
	cron   *cron.Cron
	unsubs []func()
	wg     sync.WaitGroup
}

// OpenStore dials Redis when configured, otherwise opens the local file store.
func OpenStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, error) {
	if cfg.RedisURL != "" {
		return store.DialRedis(ctx, cfg.RedisURL, cfg.StorePrefix)
	}
	log.Warn().Str("path", cfg.StoragePath).Msg("REDIS_URL not set, using local store; timers are not shared across shards")
	return store.NewLocalStore(store.LocalConfig{
		FilePath: cfg.StoragePath,
		Prefix:   cfg.StorePrefix,
		Logger:   log,
	})
}

// LavalinkNodes builds a client per configured node.
func LavalinkNodes(cfg *config.Config, userID string, log zerolog.Logger) []backend.Node {
	nodes := make([]backend.Node, 0, len(cfg.LavalinkNodes))
	for _, n := range cfg.LavalinkNodes {
		nodes = append(nodes, lavalink.New(lavalink.Config{
			Name:          n.Name,
			BaseURL:       n.URL,
			Password:      n.Password,
			UserID:        userID,
			ResumeTimeout: cfg.LavalinkResumeTimeout,
			Limiter:       retrylimit.NewAdaptiveLimiter(20, 2, 50, 1, 0.5),
			Logger:        log,
		}))
	}
	return nodes
}

// New builds and wires every service. The app owns st from here on.
func New(cfg *config.Config, st store.Store, gw voice.Gateway, nodes []backend.Node, log zerolog.Logger) (*App, error) {
	a := &App{
		Owner:   uuid.NewString(),
		Store:   st,
		Metrics: metrics.New(),
		cfg:     cfg,
		log:     log,
	}
	a.Bus = events.NewBus(log)
	a.Jobs = jobmgr.NewManager(func(s string) {
		log.Trace().Str("job", s).Msg("job status")
	})
	a.Queue = queue.NewService(queue.Options{MaxSize: cfg.MaxQueueSize, DefaultVolume: cfg.DefaultVolume})

	a.Backend = backend.New(backend.Options{
		PrimaryPlatform:   cfg.SearchPlatform,
		AlternatePlatform: cfg.AlternatePlatform,
		StalenessWindow:   cfg.StalenessWindow,
		BreakerFailures:   cfg.BreakerFailures,
		BreakerTimeout:    cfg.BreakerTimeout,
	}, st, a.Bus, a.Metrics, log)
	for _, n := range nodes {
		a.Backend.AddNode(n)
	}

	a.Playback = playback.New(playback.Options{
		TransitionTimeout: cfg.TransitionTimeout,
		ReplaceWindow:     cfg.ReplaceWindow,
		SkipVoteRatio:     cfg.SkipVoteRatio,
		SkipVoteThreshold: cfg.SkipVoteThreshold,
		SkipVoteTimeout:   cfg.SkipVoteTimeout,
	}, a.Queue, a.Backend, a.Bus, a.Jobs, a.Metrics, log)

	a.Voice = voice.New(voice.Options{
		InactivityTimeout:   cfg.InactivityTimeout,
		EmptyChannelTimeout: cfg.EmptyChannelTimeout,
		MonitorInterval:     cfg.MonitorInterval,
		PollInterval:        cfg.PollInterval,
		ShardID:             cfg.ShardID,
		ShardCount:          cfg.ShardCount,
	}, a.Owner, gw, a.Backend, a.Queue, st, a.Bus, a.Jobs, a.Metrics, log)

	a.Autoplay = autoplay.New(autoplay.Options{Interval: cfg.AutoplayInterval}, a.Backend, a.Metrics, log)
	a.Reactive = reactive.New(a.Queue, a.Playback, a.Voice, a.Autoplay, a.Backend, a.Bus, 30*time.Second, log)

	a.wire()

	a.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := a.cron.AddFunc(cfg.MaintenanceSchedule, a.maintain); err != nil {
		return nil, errors.Wrapf(err, "schedule maintenance %q", cfg.MaintenanceSchedule)
	}
	return a, nil
}

// wire is the second construction phase.
func (a *App) wire() {
	a.Playback.Bind(a.Voice)
	a.Voice.OnCleanup(a.Playback.Forget)
	a.Voice.OnCleanup(a.Autoplay.Forget)
	a.unsubs = append(a.unsubs, a.Reactive.Attach(), a.Bus.Subscribe(a.logEvent))
}

func (a *App) logEvent(ev events.Event) {
	a.log.Debug().Str("event", string(ev.Kind())).Str("guild", ev.Guild()).Msg("event")
}

// Run starts the backend nodes and background loops and blocks until ctx
// ends.
func (a *App) Run(ctx context.Context) error {
	a.Backend.Start(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Voice.Run(ctx)
	}()

	a.cron.Start()

	errCh := make(chan error, 1)
	if a.cfg.MetricsAddr != "" {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.log.Info().Str("addr", a.cfg.MetricsAddr).Msg("serving metrics")
			if err := a.Metrics.Serve(ctx, a.cfg.MetricsAddr); err != nil {
				errCh <- err
			}
		}()
	}

	a.log.Info().Str("owner", a.Owner).Int("nodes", len(a.cfg.LavalinkNodes)).Msg("player core running")
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// maintain purges stale snapshots, drops deadlines that no shard claimed
// within the staleness window, and releases monitor flags this process holds
// for sessions it no longer has.
func (a *App) maintain() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	fresh, err := a.Backend.PreservedStates(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("snapshot purge failed")
	}

	dropped, err := a.purgeDeadlines(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("deadline purge failed")
	}

	monitors, err := a.Store.ListMonitors(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("monitor listing failed")
		return
	}
	released := 0
	for _, m := range monitors {
		if m.Owner != a.Owner || a.Queue.Exists(m.GuildID) {
			continue
		}
		if err := a.Store.ReleaseMonitor(ctx, m.GuildID, a.Owner); err != nil {
			a.log.Error().Err(err).Str("guild", m.GuildID).Msg("failed to release orphaned monitor")
			continue
		}
		released++
	}
	a.log.Debug().Int("snapshots", len(fresh)).Int("dropped_deadlines", dropped).Int("released_monitors", released).Msg("maintenance done")
}

// purgeDeadlines deletes deadlines that expired longer than the staleness
// window ago. The shard that owns a guild claims its deadline within a poll
// interval, so these belong to shards that are gone.
func (a *App) purgeDeadlines(ctx context.Context) (int, error) {
	deadlines, err := a.Store.ListDeadlines(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list deadlines")
	}
	cutoff := time.Now().Add(-a.cfg.StalenessWindow)
	n := 0
	for _, d := range deadlines {
		if !d.Expired(cutoff) {
			continue
		}
		if err := a.Store.DeleteDeadline(ctx, d.GuildID); err != nil {
			return n, errors.Wrapf(err, "delete deadline %s", d.GuildID)
		}
		a.log.Warn().Str("guild", d.GuildID).Time("expired", d.ExpiresAt).Msg("dropped unclaimed inactivity deadline")
		n++
	}
	return n, nil
}

// Close disconnects every local session and stops everything. Snapshots
// and deadlines of other shards are left alone.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	<-a.cron.Stop().Done()
	for _, g := range a.Queue.Guilds() {
		if err := a.Voice.Disconnect(ctx, g, "shutdown"); err != nil {
			a.log.Warn().Err(err).Str("guild", g).Msg("disconnect on shutdown failed")
		}
	}
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.Reactive.Close()
	a.Jobs.StopAll()

	var first error
	if err := a.Backend.Close(); err != nil {
		first = err
	}
	a.wg.Wait()
	if err := a.Store.Close(); err != nil && first == nil {
		first = errors.Wrap(err, "close store")
	}
	return first
}
