// Package playback drives the audio backend for each guild session and owns
// the per-session transition lock that serialises every change of the
// current track.
package playback

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/keshon/domme-player/internal/metrics"
	"github.com/keshon/domme-player/internal/music/events"
	"github.com/keshon/domme-player/internal/music/musicerr"
	"github.com/keshon/domme-player/internal/music/queue"
	"github.com/keshon/domme-player/pkg/jobmgr"
)

// Backend is the slice of the audio adapter playback needs.
type Backend interface {
	HasPlayer(guildID string) bool
	HasTrack(guildID string) bool
	Play(ctx context.Context, guildID string, t queue.Track, startMs int64) error
	Pause(ctx context.Context, guildID string, paused bool) error
	Stop(ctx context.Context, guildID string) error
	Seek(ctx context.Context, guildID string, ms int64) error
	SetVolume(ctx context.Context, guildID string, v int) error
}

// ListenerCounter reports live listeners in the guild's voice channel.
type ListenerCounter interface {
	ListenerCount(ctx context.Context, guildID string) (int, error)
}

type Options struct {
	TransitionTimeout time.Duration
	ReplaceWindow     time.Duration
	SkipVoteRatio     float64
	SkipVoteThreshold int
	SkipVoteTimeout   time.Duration
	// MaxBadTracks bounds how many unplayable tracks one advance skips.
	MaxBadTracks int
}

func (o Options) withDefaults() Options {
	if o.TransitionTimeout <= 0 {
		o.TransitionTimeout = 3 * time.Second
	}
	if o.ReplaceWindow <= 0 {
		o.ReplaceWindow = time.Second
	}
	if o.SkipVoteRatio <= 0 || o.SkipVoteRatio > 1 {
		o.SkipVoteRatio = 0.5
	}
	if o.SkipVoteThreshold <= 0 {
		o.SkipVoteThreshold = 3
	}
	if o.SkipVoteTimeout <= 0 {
		o.SkipVoteTimeout = 30 * time.Second
	}
	if o.MaxBadTracks <= 0 {
		o.MaxBadTracks = 3
	}
	return o
}

type Service struct {
	queue   *queue.Service
	backend Backend
	bus     *events.Bus
	jobs    *jobmgr.Manager
	metrics *metrics.Metrics
	log     zerolog.Logger
	opts    Options

	listeners ListenerCounter

	mu    sync.Mutex
	locks map[string]transitionLock
}

func New(opts Options, q *queue.Service, b Backend, bus *events.Bus, jobs *jobmgr.Manager, m *metrics.Metrics, log zerolog.Logger) *Service {
	return &Service{
		queue:   q,
		backend: b,
		bus:     bus,
		jobs:    jobs,
		metrics: m,
		log:     log.With().Str("component", "playback").Logger(),
		opts:    opts.withDefaults(),
		locks:   make(map[string]transitionLock),
	}
}

// Bind completes wiring once the voice service exists.
func (s *Service) Bind(lc ListenerCounter) {
	s.listeners = lc
}

func (s *Service) lock(guildID string) transitionLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[guildID]
	if !ok {
		l = newTransitionLock()
		s.locks[guildID] = l
	}
	return l
}

// Forget drops the guild's lock, vote timer and replace window.
func (s *Service) Forget(guildID string) {
	s.mu.Lock()
	delete(s.locks, guildID)
	s.mu.Unlock()
	s.jobs.Stop(voteJob(guildID))
	s.jobs.Stop(replaceJob(guildID))
}

func voteJob(guildID string) string    { return "skipvote:" + guildID }
func replaceJob(guildID string) string { return "replacing:" + guildID }

// WithTransition runs fn holding the guild's transition lock. If the lock is
// not free within the transition timeout, fn is not run and the trigger is
// dropped with ErrTransitionBusy.
func (s *Service) WithTransition(ctx context.Context, guildID, trigger string, fn func(ctx context.Context) error) error {
	l := s.lock(guildID)
	if !l.acquire(ctx, s.opts.TransitionTimeout) {
		s.metrics.TransitionDropped(trigger)
		s.log.Warn().Str("guild", guildID).Str("trigger", trigger).Msg("transition lock busy, dropping trigger")
		s.bus.Publish(events.TransitionDropped{Session: events.Session{GuildID: guildID}, Trigger: trigger})
		return musicerr.ErrTransitionBusy
	}
	defer l.release()
	return fn(ctx)
}

// PlayTrack hands t to the backend. If the backend still holds a track, the
// replacing flag is raised for a short window so the late notification for
// the outgoing track is ignored. Callers hold the transition lock.
func (s *Service) PlayTrack(ctx context.Context, guildID string, t queue.Track) error {
	if !t.Playable() {
		return musicerr.ErrInvalidTrack
	}
	if !s.backend.HasPlayer(guildID) || !s.queue.Exists(guildID) {
		return musicerr.ErrNoPlayer
	}

	if s.backend.HasTrack(guildID) {
		s.queue.SetReplacing(guildID, true)
		s.jobs.StartAfter(replaceJob(guildID), s.opts.ReplaceWindow, func(context.Context) {
			s.queue.SetReplacing(guildID, false)
		})
	}

	if err := s.backend.Play(ctx, guildID, t, 0); err != nil {
		return err
	}
	gen, err := s.queue.MarkPlaying(guildID, t)
	if err != nil {
		return err
	}
	s.log.Debug().Str("guild", guildID).Str("track", t.Title).Uint64("generation", gen).Msg("playing")
	return nil
}

// Start plays the next pending track if nothing is playing.
func (s *Service) Start(ctx context.Context, guildID string) error {
	return s.WithTransition(ctx, guildID, "start", func(ctx context.Context) error {
		st, ok := s.queue.Snapshot(guildID)
		if !ok {
			return musicerr.ErrNoPlayer
		}
		if st.Current != nil && st.PlayState != queue.StateIdle {
			return nil
		}
		res, err := s.advanceLocked(ctx, guildID, "start")
		if err != nil {
			return err
		}
		if res.Track == nil {
			return musicerr.New(musicerr.NoTrack, "queue is empty")
		}
		return nil
	})
}

// Trigger identifies what asked for an advance. With Check set, the advance
// is dropped unless the session is still on the track and generation the
// trigger saw. Failed marks the current track as unplayable, so a track loop
// does not replay it.
type Trigger struct {
	Name       string
	Check      bool
	Failed     bool
	Encoded    string
	Generation uint64
}

// Outcome reports what an advance did.
type Outcome struct {
	Track     *queue.Track
	Exhausted bool // no pending track left
	Stale     bool // trigger no longer applies
	Skipped   int  // unplayable tracks passed over
}

// Advance moves the session to its next track under the transition lock.
func (s *Service) Advance(ctx context.Context, guildID string, tr Trigger) (Outcome, error) {
	var out Outcome
	err := s.WithTransition(ctx, guildID, tr.Name, func(ctx context.Context) error {
		st, ok := s.queue.Snapshot(guildID)
		if !ok {
			out.Stale = true
			return nil
		}
		if tr.Check && (st.Current == nil || st.Current.Encoded != tr.Encoded || st.Generation != tr.Generation) {
			out.Stale = true
			return nil
		}
		if tr.Failed {
			s.queue.RequestSkip(guildID)
		}
		var err error
		out, err = s.advanceLocked(ctx, guildID, tr.Name)
		return err
	})
	if out.Stale {
		s.metrics.TransitionDropped(tr.Name)
	}
	return out, err
}

func (s *Service) advanceLocked(ctx context.Context, guildID, trigger string) (Outcome, error) {
	var out Outcome
	for {
		next, ok := s.queue.Next(guildID)
		if !ok {
			s.queue.MarkIdle(guildID)
			out.Exhausted = true
			return out, nil
		}

		err := s.PlayTrack(ctx, guildID, *next)
		if err == nil {
			out.Track = next
			s.metrics.Transition(trigger)
			return out, nil
		}
		switch musicerr.CodeOf(err) {
		case musicerr.NoPlayer, musicerr.BackendUnavailable:
			return out, err
		}

		out.Skipped++
		s.log.Warn().Err(err).Str("guild", guildID).Str("track", next.Title).Msg("skipping unplayable track")
		if out.Skipped >= s.opts.MaxBadTracks {
			s.queue.MarkIdle(guildID)
			return out, errors.Wrapf(err, "gave up after %d unplayable tracks", out.Skipped)
		}
		// A looped track that fails would be replayed forever.
		s.queue.RequestSkip(guildID)
	}
}

// Skip drops count-1 pending tracks and ends the current one. The backend's
// end notification advances the queue.
func (s *Service) Skip(ctx context.Context, guildID string, count int) error {
	return s.skip(ctx, guildID, count, "")
}

// skip is Skip restricted, when only is set, to the track with that payload.
// A different current track is left alone.
func (s *Service) skip(ctx context.Context, guildID string, count int, only string) error {
	count = max(1, count)
	return s.WithTransition(ctx, guildID, "skip", func(ctx context.Context) error {
		st, ok := s.queue.Snapshot(guildID)
		if !ok {
			return musicerr.ErrNoPlayer
		}
		if st.Current == nil {
			return musicerr.New(musicerr.NoTrack, "nothing is playing")
		}
		if only != "" && st.Current.Encoded != only {
			return nil
		}

		dropped := s.queue.Discard(guildID, count-1)
		s.queue.RequestSkip(guildID)
		s.ResetVote(guildID)
		s.bus.Publish(events.TrackSkipped{Session: events.Session{GuildID: guildID}, Track: *st.Current, Count: dropped + 1})

		if !s.backend.HasTrack(guildID) {
			// Nothing left on the node to stop; stand in for its end notification.
			s.bus.Publish(events.TrackEnded{Session: events.Session{GuildID: guildID}, Track: *st.Current, Reason: events.EndStopped})
			return nil
		}
		return s.backend.Stop(ctx, guildID)
	})
}

func (s *Service) Pause(ctx context.Context, guildID string) error {
	return s.setPaused(ctx, guildID, true)
}

func (s *Service) Resume(ctx context.Context, guildID string) error {
	return s.setPaused(ctx, guildID, false)
}

func (s *Service) setPaused(ctx context.Context, guildID string, paused bool) error {
	st, ok := s.queue.Snapshot(guildID)
	if !ok {
		return musicerr.ErrNoPlayer
	}
	if st.Current == nil {
		return musicerr.New(musicerr.NoTrack, "nothing is playing")
	}
	if err := s.backend.Pause(ctx, guildID, paused); err != nil {
		return err
	}
	state := queue.StatePlaying
	if paused {
		state = queue.StatePaused
	}
	if err := s.queue.SetState(guildID, state); err != nil {
		return err
	}
	s.bus.Publish(events.PlaybackPaused{Session: events.Session{GuildID: guildID}, Paused: paused})
	return nil
}

// Stop clears the queue and the current track and halts the backend. The
// end notification that follows finds no current track and is ignored.
// PlaybackStopped is the cue for tearing the whole session down.
func (s *Service) Stop(ctx context.Context, guildID string) error {
	return s.WithTransition(ctx, guildID, "stop", func(ctx context.Context) error {
		if !s.queue.Exists(guildID) {
			return musicerr.ErrNoPlayer
		}
		hadTrack := s.backend.HasTrack(guildID)
		s.queue.Clear(guildID)
		s.queue.MarkIdle(guildID)
		s.ResetVote(guildID)

		if hadTrack {
			if err := s.backend.Stop(ctx, guildID); err != nil {
				return err
			}
		}
		s.bus.Publish(events.PlaybackStopped{Session: events.Session{GuildID: guildID}})
		return nil
	})
}

func (s *Service) Seek(ctx context.Context, guildID string, ms int64) error {
	st, ok := s.queue.Snapshot(guildID)
	if !ok {
		return musicerr.ErrNoPlayer
	}
	if st.Current == nil {
		return musicerr.New(musicerr.NoTrack, "nothing is playing")
	}
	if !st.Current.Seekable || st.Current.Stream {
		return musicerr.New(musicerr.InvalidTrack, "track is not seekable")
	}
	if d := st.Current.Duration.Milliseconds(); d > 0 && ms > d {
		ms = d
	}
	return s.backend.Seek(ctx, guildID, max(0, ms))
}

func (s *Service) SetVolume(ctx context.Context, guildID string, v int) (int, error) {
	v, err := s.queue.SetVolume(guildID, v)
	if err != nil {
		return 0, err
	}
	if s.backend.HasPlayer(guildID) {
		if err := s.backend.SetVolume(ctx, guildID, v); err != nil {
			return v, err
		}
	}
	s.bus.Publish(events.VolumeChanged{Session: events.Session{GuildID: guildID}, Volume: v})
	return v, nil
}

func (s *Service) CycleLoop(guildID string) (queue.LoopMode, error) {
	mode, err := s.queue.CycleLoop(guildID)
	if err != nil {
		return mode, err
	}
	s.bus.Publish(events.LoopChanged{Session: events.Session{GuildID: guildID}, Mode: mode})
	return mode, nil
}

func (s *Service) ToggleShuffle(guildID string) (bool, error) {
	on, err := s.queue.ToggleShuffle(guildID)
	if err != nil {
		return on, err
	}
	s.bus.Publish(events.ShuffleChanged{Session: events.Session{GuildID: guildID}, Enabled: on})
	return on, nil
}

func (s *Service) ToggleAutoplay(guildID string) (bool, error) {
	on, err := s.queue.ToggleAutoplay(guildID)
	if err != nil {
		return on, err
	}
	s.bus.Publish(events.AutoplayToggled{Session: events.Session{GuildID: guildID}, Enabled: on})
	return on, nil
}

// VoteResult describes the state of a skip vote after a submission.
type VoteResult struct {
	Count    int
	Required int
	Skipped  bool
	// Immediate is set when too few listeners were present to need a vote.
	Immediate bool
}

// RequiredVotes returns max(1, ceil(listeners × ratio)).
func RequiredVotes(listeners int, ratio float64) int {
	return max(1, int(math.Ceil(float64(listeners)*ratio)))
}

// SubmitSkipVote records userID's vote to skip. Below the listener threshold
// the track is skipped at once.
func (s *Service) SubmitSkipVote(ctx context.Context, guildID, userID string) (VoteResult, error) {
	st, ok := s.queue.Snapshot(guildID)
	if !ok {
		return VoteResult{}, musicerr.ErrNoPlayer
	}
	if st.Current == nil {
		return VoteResult{}, musicerr.New(musicerr.NoTrack, "nothing is playing")
	}

	listeners := 0
	if s.listeners != nil {
		n, err := s.listeners.ListenerCount(ctx, guildID)
		if err != nil {
			return VoteResult{}, errors.Wrap(err, "count listeners")
		}
		listeners = n
	}

	if listeners < s.opts.SkipVoteThreshold {
		if err := s.Skip(ctx, guildID, 1); err != nil {
			return VoteResult{}, err
		}
		return VoteResult{Count: 1, Required: 1, Skipped: true, Immediate: true}, nil
	}

	_, created, err := s.queue.StartVote(guildID, RequiredVotes(listeners, s.opts.SkipVoteRatio))
	if err != nil {
		return VoteResult{}, err
	}
	if created {
		s.jobs.StartAfter(voteJob(guildID), s.opts.SkipVoteTimeout, func(context.Context) {
			if s.queue.ClearVote(guildID) {
				s.log.Debug().Str("guild", guildID).Msg("skip vote expired")
				s.bus.Publish(events.SkipVoteExpired{Session: events.Session{GuildID: guildID}})
			}
		})
	}

	count, required, passed, err := s.queue.AddVote(guildID, userID)
	if err != nil {
		return VoteResult{}, err
	}
	s.bus.Publish(events.SkipVoteUpdated{Session: events.Session{GuildID: guildID}, Count: count, Required: required})

	res := VoteResult{Count: count, Required: required}
	if passed {
		s.jobs.Stop(voteJob(guildID))
		// The vote is already closed, so a busy lock gets one more wait.
		err := s.skip(ctx, guildID, 1, st.Current.Encoded)
		if errors.Is(err, musicerr.ErrTransitionBusy) {
			err = s.skip(ctx, guildID, 1, st.Current.Encoded)
		}
		if err != nil {
			return res, err
		}
		res.Skipped = true
	}
	return res, nil
}

// ResetVote clears any active vote and its expiry timer.
func (s *Service) ResetVote(guildID string) {
	s.jobs.Stop(voteJob(guildID))
	s.queue.ClearVote(guildID)
}
