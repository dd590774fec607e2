package backend

import (
	"context"

	"github.com/pkg/errors"

	"github.com/keshon/domme-player/internal/music/events"
	"github.com/keshon/domme-player/internal/music/musicerr"
	"github.com/keshon/domme-player/internal/music/queue"
)

// PreserveAll writes a snapshot for every player with a track. It runs when
// the last healthy node is lost and returns how many were written.
func (a *Adapter) PreserveAll(ctx context.Context) (int, error) {
	now := a.now()

	a.mu.RLock()
	states := make([]queue.PreservedState, 0, len(a.players))
	for guildID, p := range a.players {
		if p.track == nil {
			continue
		}
		states = append(states, queue.PreservedState{
			GuildID:   guildID,
			Timestamp: now,
			Track:     *p.track,
			Position:  a.estimate(p),
			Paused:    p.paused,
			Volume:    p.volume,
		})
	}
	a.mu.RUnlock()

	written := 0
	var firstErr error
	for _, st := range states {
		if err := a.store.SavePreserved(ctx, st); err != nil {
			a.log.Error().Err(err).Str("guild", st.GuildID).Msg("failed to save snapshot")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		written++
		a.metrics.Snapshot("written")
		a.log.Info().
			Str("guild", st.GuildID).
			Str("track", st.Track.Title).
			Int64("position_ms", st.Position).
			Msg("playback state preserved")
	}
	return written, firstErr
}

// ScanPreserved deletes stale snapshots and announces the fresh ones. Fresh
// snapshots stay in the store until cleared or resumed.
func (a *Adapter) ScanPreserved(ctx context.Context) ([]queue.PreservedState, error) {
	fresh, err := a.freshPreserved(ctx)
	if err != nil {
		return nil, err
	}
	for _, st := range fresh {
		a.metrics.Snapshot("found")
		a.bus.Publish(events.PreservedStateFound{Session: events.Session{GuildID: st.GuildID}, State: st})
	}
	return fresh, nil
}

// PreservedStates returns fresh snapshots without announcing them.
func (a *Adapter) PreservedStates(ctx context.Context) ([]queue.PreservedState, error) {
	return a.freshPreserved(ctx)
}

func (a *Adapter) freshPreserved(ctx context.Context) ([]queue.PreservedState, error) {
	all, err := a.store.ListPreserved(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list preserved states")
	}

	now := a.now()
	fresh := make([]queue.PreservedState, 0, len(all))
	for _, st := range all {
		if st.Stale(now, a.opts.StalenessWindow) {
			if err := a.store.DeletePreserved(ctx, st.GuildID); err != nil {
				a.log.Error().Err(err).Str("guild", st.GuildID).Msg("failed to delete stale snapshot")
				continue
			}
			a.metrics.Snapshot("discarded")
			a.log.Info().Str("guild", st.GuildID).Dur("age", now.Sub(st.Timestamp)).Msg("stale snapshot discarded")
			continue
		}
		fresh = append(fresh, st)
	}
	return fresh, nil
}

func (a *Adapter) ClearPreserved(ctx context.Context, guildID string) error {
	if err := a.store.DeletePreserved(ctx, guildID); err != nil {
		return errors.Wrap(err, "clear preserved state")
	}
	return nil
}

// Resume replays a snapshot on a healthy node and clears it. The guild must
// still have a player handle in this process. Callers hold the session's
// transition lock.
func (a *Adapter) Resume(ctx context.Context, guildID string, st queue.PreservedState) error {
	if st.Stale(a.now(), a.opts.StalenessWindow) {
		_ = a.ClearPreserved(ctx, guildID)
		return musicerr.New(musicerr.NoTrack, "snapshot is stale")
	}
	if !st.Track.Playable() {
		return musicerr.ErrInvalidTrack
	}

	a.mu.Lock()
	p, ok := a.players[guildID]
	if ok {
		t := st.Track
		p.track = &t
		p.paused = st.Paused
		p.volume = st.Volume
	}
	a.mu.Unlock()
	if !ok {
		return musicerr.ErrNoPlayer
	}

	if err := a.moveTo(ctx, guildID, st.Position); err != nil {
		return err
	}
	a.metrics.Snapshot("resumed")
	return a.ClearPreserved(ctx, guildID)
}
