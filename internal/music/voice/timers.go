package voice

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/keshon/domme-player/internal/music/events"
	"github.com/keshon/domme-player/internal/store"
)

func inactivityJob(guildID string) string { return "inactivity:" + guildID }
func monitorJob(guildID string) string    { return "vcmonitor:" + guildID }

// StartInactivityTimer records the guild's deadline in the shared store and
// arms a local timer for it, replacing any earlier deadline.
func (s *Service) StartInactivityTimer(ctx context.Context, guildID string, kind events.InactivityKind, d time.Duration) error {
	expiresAt := s.now().Add(d)
	if err := s.store.SetDeadline(ctx, store.Deadline{GuildID: guildID, ExpiresAt: expiresAt, Reason: string(kind)}); err != nil {
		return errors.Wrap(err, "save inactivity deadline")
	}
	s.jobs.StartAfter(inactivityJob(guildID), d, func(ctx context.Context) {
		if _, err := s.expire(ctx, guildID); err != nil {
			s.log.Error().Err(err).Str("guild", guildID).Msg("inactivity expiry failed")
		}
	})
	s.log.Debug().Str("guild", guildID).Str("kind", string(kind)).Dur("after", d).Msg("inactivity timer started")
	return nil
}

// ClearInactivityTimer cancels the local timer and deletes the shared deadline.
func (s *Service) ClearInactivityTimer(ctx context.Context, guildID string) error {
	s.jobs.Stop(inactivityJob(guildID))
	if err := s.store.DeleteDeadline(ctx, guildID); err != nil {
		return errors.Wrap(err, "delete inactivity deadline")
	}
	return nil
}

// StartIdleTimer starts the idle deadline unless an empty-channel deadline
// is already counting down.
func (s *Service) StartIdleTimer(ctx context.Context, guildID string) error {
	if kind, ok, err := s.deadlineKind(ctx, guildID); err != nil || (ok && kind == events.InactivityEmpty) {
		return err
	}
	return s.StartInactivityTimer(ctx, guildID, events.InactivityIdle, s.opts.InactivityTimeout)
}

// ClearIdleTimer clears an idle deadline and leaves an empty-channel one.
func (s *Service) ClearIdleTimer(ctx context.Context, guildID string) error {
	kind, ok, err := s.deadlineKind(ctx, guildID)
	if err != nil || !ok || kind != events.InactivityIdle {
		return err
	}
	return s.ClearInactivityTimer(ctx, guildID)
}

func (s *Service) deadlineKind(ctx context.Context, guildID string) (events.InactivityKind, bool, error) {
	d, err := s.store.GetDeadline(ctx, guildID)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "get deadline")
	}
	return events.InactivityKind(d.Reason), true, nil
}

// expire claims the guild's deadline and, if this caller won the claim,
// publishes InactivityExpired. The claim is an atomic delete in the shared
// store, so of the local timer and every shard's poller only one fires.
func (s *Service) expire(ctx context.Context, guildID string) (bool, error) {
	d, ok, err := s.store.ClaimDeadline(ctx, guildID, s.now())
	if err != nil || !ok {
		return false, err
	}
	s.jobs.Stop(inactivityJob(guildID))
	s.log.Info().Str("guild", guildID).Str("kind", d.Reason).Msg("inactivity deadline expired")
	s.bus.Publish(events.InactivityExpired{Session: events.Session{GuildID: guildID}, Reason: events.InactivityKind(d.Reason)})
	return true, nil
}

// Run polls the shared store every PollInterval until ctx ends.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PollOnce(ctx); err != nil {
				s.log.Error().Err(err).Msg("deadline poll failed")
			}
		}
	}
}

// PollOnce fires expired deadlines of sessions live in this process, and of
// guilds on this shard whose session was lost with an earlier process. It
// also restarts monitors that are not running locally and returns how many
// deadlines fired.
func (s *Service) PollOnce(ctx context.Context) (int, error) {
	deadlines, err := s.store.ListDeadlines(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list deadlines")
	}

	now := s.now()
	fired := 0
	for _, d := range deadlines {
		if !d.Expired(now) || !(s.queue.Exists(d.GuildID) || s.owns(d.GuildID)) {
			continue
		}
		ok, err := s.expire(ctx, d.GuildID)
		if err != nil {
			s.log.Error().Err(err).Str("guild", d.GuildID).Msg("failed to claim deadline")
			continue
		}
		if ok {
			fired++
		}
	}

	for _, guildID := range s.queue.Guilds() {
		if !s.jobs.Running(monitorJob(guildID)) {
			if err := s.StartMonitor(ctx, guildID); err != nil {
				s.log.Warn().Err(err).Str("guild", guildID).Msg("failed to restart monitor")
			}
		}
	}
	return fired, nil
}

// StartMonitor claims the guild's monitor flag and, if claimed, polls the
// channel's listeners every MonitorInterval.
func (s *Service) StartMonitor(ctx context.Context, guildID string) error {
	ok, err := s.store.AcquireMonitor(ctx, guildID, s.owner, s.opts.MonitorTTL)
	if err != nil {
		return errors.Wrap(err, "acquire monitor flag")
	}
	if !ok {
		s.log.Debug().Str("guild", guildID).Msg("monitor already running elsewhere")
		return nil
	}
	if err := s.jobs.StartEvery(monitorJob(guildID), s.opts.MonitorInterval, func(ctx context.Context) error {
		return s.CheckListeners(ctx, guildID)
	}); err != nil {
		// Already running locally; keep the refreshed flag.
		s.log.Debug().Err(err).Str("guild", guildID).Msg("monitor already running")
	}
	return nil
}

// StopMonitor stops the local interval and releases this process's flag.
func (s *Service) StopMonitor(ctx context.Context, guildID string) error {
	s.jobs.Stop(monitorJob(guildID))
	s.mu.Lock()
	delete(s.empty, guildID)
	s.mu.Unlock()
	if err := s.store.ReleaseMonitor(ctx, guildID, s.owner); err != nil {
		return errors.Wrap(err, "release monitor flag")
	}
	return nil
}

// CheckListeners is one monitor tick: refresh the flag, count listeners
// live, and start or clear the empty-channel deadline on a change.
func (s *Service) CheckListeners(ctx context.Context, guildID string) error {
	ok, err := s.store.RefreshMonitor(ctx, guildID, s.owner, s.opts.MonitorTTL)
	if err != nil {
		return errors.Wrap(err, "refresh monitor flag")
	}
	if !ok {
		if ok, err = s.store.AcquireMonitor(ctx, guildID, s.owner, s.opts.MonitorTTL); err != nil || !ok {
			s.log.Info().Str("guild", guildID).Msg("monitor flag lost, stopping local monitor")
			s.jobs.Stop(monitorJob(guildID))
			return err
		}
	}

	n, err := s.ListenerCount(ctx, guildID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	wasEmpty := s.empty[guildID]
	s.empty[guildID] = n == 0
	s.mu.Unlock()

	session := events.Session{GuildID: guildID}
	switch {
	case n == 0 && !wasEmpty:
		s.log.Info().Str("guild", guildID).Msg("voice channel empty")
		s.bus.Publish(events.ChannelEmpty{Session: session})
		return s.StartInactivityTimer(ctx, guildID, events.InactivityEmpty, s.opts.EmptyChannelTimeout)

	case n > 0 && wasEmpty:
		s.log.Info().Str("guild", guildID).Int("listeners", n).Msg("listeners returned")
		if err := s.clearEmptyDeadline(ctx, guildID); err != nil {
			return err
		}
		s.bus.Publish(events.ListenersReturned{Session: session, Listeners: n})
	}
	return nil
}

// clearEmptyDeadline drops an empty-channel deadline; an idle session gets
// its idle deadline back.
func (s *Service) clearEmptyDeadline(ctx context.Context, guildID string) error {
	kind, ok, err := s.deadlineKind(ctx, guildID)
	if err != nil || !ok || kind != events.InactivityEmpty {
		return err
	}
	if err := s.ClearInactivityTimer(ctx, guildID); err != nil {
		return err
	}
	if st, ok := s.queue.Snapshot(guildID); ok && st.Current == nil {
		return s.StartInactivityTimer(ctx, guildID, events.InactivityIdle, s.opts.InactivityTimeout)
	}
	return nil
}
