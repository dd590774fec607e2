// Package reactive turns backend and session lifecycle events into the
// follow-up actions that keep a session moving: advancing the queue,
// autoplay, idle timers and cleanup.
package reactive

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/keshon/domme-player/internal/music/events"
	"github.com/keshon/domme-player/internal/music/musicerr"
	"github.com/keshon/domme-player/internal/music/playback"
	"github.com/keshon/domme-player/internal/music/queue"
)

// Voice is the connection side the handler drives.
type Voice interface {
	Disconnect(ctx context.Context, guildID, reason string) error
	StartIdleTimer(ctx context.Context, guildID string) error
	ClearIdleTimer(ctx context.Context, guildID string) error
}

type Finder interface {
	FindSimilarTrack(ctx context.Context, guildID string, last queue.Track, recent []string) (*queue.Track, error)
}

type Resumer interface {
	Resume(ctx context.Context, guildID string, st queue.PreservedState) error
	ClearPreserved(ctx context.Context, guildID string) error
}

type Handler struct {
	queue    *queue.Service
	playback *playback.Service
	voice    Voice
	autoplay Finder
	resumer  Resumer
	bus      *events.Bus
	log      zerolog.Logger
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a handler. timeout bounds each reaction.
func New(q *queue.Service, pb *playback.Service, v Voice, ap Finder, r Resumer, bus *events.Bus, timeout time.Duration, log zerolog.Logger) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		queue:    q,
		playback: pb,
		voice:    v,
		autoplay: ap,
		resumer:  r,
		bus:      bus,
		log:      log.With().Str("component", "reactive").Logger(),
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Attach subscribes the handler to every session's events.
func (h *Handler) Attach() func() {
	return h.bus.Subscribe(h.Handle)
}

// Close cancels in-flight reactions and waits for them to return.
func (h *Handler) Close() {
	h.cancel()
	h.wg.Wait()
}

// Wait blocks until in-flight reactions finish.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Handle dispatches one event. Blocking work runs on its own goroutine so
// the publisher is never held up.
func (h *Handler) Handle(ev events.Event) {
	switch e := ev.(type) {
	case events.TrackStarted:
		h.spawn(e.GuildID, "track started", func(ctx context.Context) error {
			h.playback.ResetVote(e.GuildID)
			return h.voice.ClearIdleTimer(ctx, e.GuildID)
		})

	case events.TrackEnded:
		if !e.Reason.MayStartNext() {
			return
		}
		h.advance(e.GuildID, "end", e.Track, false)

	case events.TrackException:
		if h.queue.Replacing(e.GuildID) {
			h.log.Debug().Str("guild", e.GuildID).Str("message", e.Message).Msg("exception during track replacement ignored")
			return
		}
		h.log.Warn().Str("guild", e.GuildID).Str("track", e.Track.Title).Str("message", e.Message).Str("severity", e.Severity).Msg("track exception")
		h.advance(e.GuildID, "exception", e.Track, true)

	case events.TrackStuck:
		h.log.Warn().Str("guild", e.GuildID).Str("track", e.Track.Title).Dur("threshold", e.Threshold).Msg("track stuck")
		h.advance(e.GuildID, "stuck", e.Track, true)

	case events.VoiceClosed:
		h.log.Info().Str("guild", e.GuildID).Int("code", e.Code).Str("reason", e.Reason).Bool("remote", e.ByRemote).Msg("voice connection closed")
		if h.queue.Exists(e.GuildID) {
			h.disconnect(e.GuildID, "voice closed")
		}

	case events.InactivityExpired:
		// The session may have died with an earlier process while the bot is
		// still in the channel.
		h.disconnect(e.GuildID, "inactivity: "+string(e.Reason))

	case events.PreservedStateFound:
		if !h.queue.Exists(e.GuildID) {
			return
		}
		h.spawn(e.GuildID, "resume", func(ctx context.Context) error {
			return h.resume(ctx, e.GuildID, e.State)
		})

	case events.PlaybackStopped:
		h.disconnect(e.GuildID, "stop")

	case events.NodeReady, events.NodeError, events.NodeClosed, events.NodeReconnecting,
		events.BreakerStateChanged, events.Connected, events.Disconnected,
		events.TracksAdded, events.TrackSkipped, events.PlaybackPaused,
		events.LoopChanged, events.ShuffleChanged, events.AutoplayToggled,
		events.VolumeChanged, events.SkipVoteUpdated, events.SkipVoteExpired,
		events.QueueFinished, events.AutoplayFound, events.AutoplayFailed,
		events.ChannelEmpty, events.ListenersReturned, events.TransitionDropped:
		// Presentation only.

	default:
		h.log.Warn().Str("event", string(ev.Kind())).Msg("unhandled event")
	}
}

func (h *Handler) spawn(guildID, what string, fn func(ctx context.Context) error) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			h.log.Error().Err(err).Str("guild", guildID).Str("action", what).Msg("reaction failed")
		}
	}()
}

func (h *Handler) disconnect(guildID, reason string) {
	h.spawn(guildID, "disconnect", func(ctx context.Context) error {
		return h.voice.Disconnect(ctx, guildID, reason)
	})
}

// resume replays a preserved snapshot as a transition of its own. A session
// that has since moved to another track keeps it and the snapshot is dropped.
func (h *Handler) resume(ctx context.Context, guildID string, snap queue.PreservedState) error {
	return h.playback.WithTransition(ctx, guildID, "resume", func(ctx context.Context) error {
		st, ok := h.queue.Snapshot(guildID)
		if !ok {
			return nil
		}
		if st.Current != nil && st.Current.Encoded != snap.Track.Encoded {
			h.log.Debug().Str("guild", guildID).Str("current", st.Current.Title).Msg("session moved on, dropping snapshot")
			return h.resumer.ClearPreserved(ctx, guildID)
		}
		if err := h.resumer.Resume(ctx, guildID, snap); err != nil {
			return err
		}
		if _, err := h.queue.MarkPlaying(guildID, snap.Track); err != nil {
			return err
		}
		if snap.Paused {
			return h.queue.SetState(guildID, queue.StatePaused)
		}
		return nil
	})
}

// advance captures which track and generation the notification is about
// before going async, so a notification overtaken by another transition is
// recognised as stale under the lock. failed moves past the track even when
// it is looped.
func (h *Handler) advance(guildID, trigger string, t queue.Track, failed bool) {
	st, ok := h.queue.Snapshot(guildID)
	if !ok || st.Current == nil || st.Current.Encoded != t.Encoded {
		h.log.Debug().Str("guild", guildID).Str("trigger", trigger).Msg("notification for a track no longer current")
		return
	}
	tr := playback.Trigger{Name: trigger, Check: true, Failed: failed, Encoded: t.Encoded, Generation: st.Generation}

	h.spawn(guildID, trigger, func(ctx context.Context) error {
		out, err := h.playback.Advance(ctx, guildID, tr)
		if errors.Is(err, musicerr.ErrTransitionBusy) || out.Stale {
			return nil
		}
		if err != nil {
			if out.Skipped > 0 {
				h.bus.Publish(events.QueueFinished{Session: events.Session{GuildID: guildID}})
				return h.voice.StartIdleTimer(ctx, guildID)
			}
			return err
		}
		if out.Exhausted {
			return h.exhausted(ctx, guildID)
		}
		return nil
	})
}

// exhausted runs once the queue has nothing left: autoplay if enabled,
// otherwise the queue is finished.
func (h *Handler) exhausted(ctx context.Context, guildID string) error {
	st, ok := h.queue.Snapshot(guildID)
	if !ok {
		return nil
	}
	session := events.Session{GuildID: guildID}
	if !st.Autoplay {
		h.bus.Publish(events.QueueFinished{Session: session})
		return h.voice.StartIdleTimer(ctx, guildID)
	}

	var last queue.Track
	if n := len(st.History); n > 0 {
		last = st.History[n-1]
	}
	played := false
	t, err := h.autoplay.FindSimilarTrack(ctx, guildID, last, h.queue.RecentTitles(guildID))
	if err == nil {
		err = h.playback.WithTransition(ctx, guildID, "autoplay", func(ctx context.Context) error {
			if cur, ok := h.queue.Snapshot(guildID); !ok || cur.Current != nil {
				return nil
			}
			played = true
			return h.playback.PlayTrack(ctx, guildID, *t)
		})
	}
	if err != nil {
		h.log.Info().Err(err).Str("guild", guildID).Msg("autoplay failed")
		h.queue.MarkIdle(guildID)
		h.bus.Publish(events.AutoplayFailed{Session: session, Err: err})
		return h.voice.StartIdleTimer(ctx, guildID)
	}
	if played {
		h.bus.Publish(events.AutoplayFound{Session: session, Track: *t})
	}
	return nil
}
