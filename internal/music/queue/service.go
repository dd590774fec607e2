// Package queue holds per-guild playback state: the pending tracks, the
// current track and the mode flags. It performs no I/O.
package queue

import (
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/keshon/domme-player/internal/music/musicerr"
)

const (
	MinVolume     = 0
	MaxVolume     = 200
	DefaultVolume = 100
)

type Options struct {
	MaxSize       int // 0 = unlimited
	DefaultVolume int
}

// Service owns every Session in the process.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	opts     Options
	now      func() time.Time
}

func NewService(opts Options) *Service {
	if opts.DefaultVolume <= 0 {
		opts.DefaultVolume = DefaultVolume
	}
	opts.DefaultVolume = clampVolume(opts.DefaultVolume)
	return &Service{
		sessions: make(map[string]*Session),
		opts:     opts,
		now:      time.Now,
	}
}

// GetOrCreate returns the guild's session, creating it bound to the given
// channels. Channels of an existing session are left untouched.
func (s *Service) GetOrCreate(guildID, voiceChannelID, textChannelID string) State {
	sess := s.getOrCreate(guildID, voiceChannelID, textChannelID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snapshot()
}

func (s *Service) getOrCreate(guildID, voiceChannelID, textChannelID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[guildID]; ok {
		return sess
	}
	sess := &Session{
		guildID:        guildID,
		voiceChannelID: voiceChannelID,
		textChannelID:  textChannelID,
		volume:         s.opts.DefaultVolume,
		createdAt:      s.now(),
	}
	s.sessions[guildID] = sess
	return sess
}

func (s *Service) get(guildID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[guildID]
	return sess, ok
}

// Exists reports whether a session is live for the guild.
func (s *Service) Exists(guildID string) bool {
	_, ok := s.get(guildID)
	return ok
}

// Snapshot returns a copy of the session state.
func (s *Service) Snapshot(guildID string) (State, bool) {
	sess, ok := s.get(guildID)
	if !ok {
		return State{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snapshot(), true
}

// Delete destroys the session.
func (s *Service) Delete(guildID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, guildID)
}

// Guilds lists guilds with a live session.
func (s *Service) Guilds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// with runs fn on the locked session.
func (s *Service) with(guildID string, fn func(sess *Session) error) error {
	sess, ok := s.get(guildID)
	if !ok {
		return musicerr.ErrNoPlayer
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return fn(sess)
}

func (s *Service) full(sess *Session, adding int) bool {
	return s.opts.MaxSize > 0 && len(sess.pending)+adding > s.opts.MaxSize
}

// Add appends a track and returns the new pending length.
func (s *Service) Add(guildID string, t Track) (int, error) {
	var n int
	err := s.with(guildID, func(sess *Session) error {
		if s.full(sess, 1) {
			return musicerr.New(musicerr.QueueFull, "queue is full")
		}
		sess.pending = append(sess.pending, t)
		n = len(sess.pending)
		return nil
	})
	return n, err
}

// Prepend puts a track at the head of the pending list.
func (s *Service) Prepend(guildID string, t Track) error {
	return s.with(guildID, func(sess *Session) error {
		if s.full(sess, 1) {
			return musicerr.New(musicerr.QueueFull, "queue is full")
		}
		sess.pending = append([]Track{t}, sess.pending...)
		return nil
	})
}

// AddBulk appends as many tracks as fit and returns how many were added.
func (s *Service) AddBulk(guildID string, tracks []Track) (int, error) {
	var added int
	err := s.with(guildID, func(sess *Session) error {
		room := len(tracks)
		if s.opts.MaxSize > 0 {
			room = min(room, s.opts.MaxSize-len(sess.pending))
		}
		if room <= 0 {
			if len(tracks) > 0 {
				return musicerr.New(musicerr.QueueFull, "queue is full")
			}
			return nil
		}
		sess.pending = append(sess.pending, tracks[:room]...)
		added = room
		return nil
	})
	return added, err
}

// Remove deletes the pending track at index.
func (s *Service) Remove(guildID string, index int) (Track, error) {
	var removed Track
	err := s.with(guildID, func(sess *Session) error {
		if index < 0 || index >= len(sess.pending) {
			return musicerr.New(musicerr.IndexOutOfRange, "no track at that position")
		}
		removed = sess.pending[index]
		sess.pending = slices.Delete(sess.pending, index, index+1)
		return nil
	})
	return removed, err
}

// Move relocates the pending track at from to position to.
func (s *Service) Move(guildID string, from, to int) error {
	return s.with(guildID, func(sess *Session) error {
		n := len(sess.pending)
		if from < 0 || from >= n || to < 0 || to >= n {
			return musicerr.New(musicerr.IndexOutOfRange, "position out of range")
		}
		if from == to {
			return nil
		}
		t := sess.pending[from]
		sess.pending = slices.Delete(sess.pending, from, from+1)
		sess.pending = slices.Insert(sess.pending, to, t)
		return nil
	})
}

// Discard drops up to n tracks from the head of the queue without recording
// them anywhere, returning how many were dropped.
func (s *Service) Discard(guildID string, n int) int {
	var dropped int
	_ = s.with(guildID, func(sess *Session) error {
		dropped = max(0, min(n, len(sess.pending)))
		sess.pending = sess.pending[dropped:]
		return nil
	})
	return dropped
}

// Clear empties the pending list.
func (s *Service) Clear(guildID string) {
	_ = s.with(guildID, func(sess *Session) error {
		sess.pending = nil
		return nil
	})
}

func (s *Service) CycleLoop(guildID string) (LoopMode, error) {
	var mode LoopMode
	err := s.with(guildID, func(sess *Session) error {
		sess.loop = sess.loop.Cycle()
		sess.loopCount = 0
		mode = sess.loop
		return nil
	})
	return mode, err
}

// ToggleShuffle flips the shuffle flag. Enabling it reorders the pending
// tracks in place; disabling it does not restore the previous order.
func (s *Service) ToggleShuffle(guildID string) (bool, error) {
	var on bool
	err := s.with(guildID, func(sess *Session) error {
		sess.shuffled = !sess.shuffled
		if sess.shuffled {
			rand.Shuffle(len(sess.pending), func(i, j int) {
				sess.pending[i], sess.pending[j] = sess.pending[j], sess.pending[i]
			})
		}
		on = sess.shuffled
		return nil
	})
	return on, err
}

func (s *Service) ToggleAutoplay(guildID string) (bool, error) {
	var on bool
	err := s.with(guildID, func(sess *Session) error {
		sess.autoplay = !sess.autoplay
		on = sess.autoplay
		return nil
	})
	return on, err
}

// SetVolume stores the clamped volume and returns it.
func (s *Service) SetVolume(guildID string, v int) (int, error) {
	v = clampVolume(v)
	err := s.with(guildID, func(sess *Session) error {
		sess.volume = v
		return nil
	})
	return v, err
}

// Next moves the session to the track that follows the current one.
//
// loop=track replays the current track; loop=queue re-appends the finished
// track to the tail before taking the head. A pending skip makes a track loop
// behave as off once.
func (s *Service) Next(guildID string) (*Track, bool) {
	var next *Track
	_ = s.with(guildID, func(sess *Session) error {
		prev := sess.current
		skip := sess.skipOnce
		sess.skipOnce = false

		if prev != nil && sess.loop == LoopTrack && !skip {
			sess.loopCount++
			cur := *prev
			next = &cur
			return nil
		}

		sess.loopCount = 0
		if prev != nil {
			if sess.loop == LoopQueue {
				sess.pending = append(sess.pending, *prev)
			}
			sess.finish(prev)
		}

		if len(sess.pending) == 0 {
			sess.current = nil
			return nil
		}
		t := sess.pending[0]
		sess.pending = sess.pending[1:]
		sess.current = &t
		cur := t
		next = &cur
		return nil
	})
	return next, next != nil
}

// MarkPlaying records that t was handed to the backend and returns the new
// play generation.
func (s *Service) MarkPlaying(guildID string, t Track) (uint64, error) {
	var gen uint64
	err := s.with(guildID, func(sess *Session) error {
		sess.current = &t
		sess.state = StatePlaying
		sess.generation++
		sess.remember(t.Title)
		gen = sess.generation
		return nil
	})
	return gen, err
}

// MarkIdle clears the current track and stops playback bookkeeping.
func (s *Service) MarkIdle(guildID string) {
	_ = s.with(guildID, func(sess *Session) error {
		sess.finish(sess.current)
		sess.current = nil
		sess.state = StateIdle
		sess.loopCount = 0
		sess.skipOnce = false
		return nil
	})
}

func (s *Service) SetState(guildID string, st PlayState) error {
	return s.with(guildID, func(sess *Session) error {
		sess.state = st
		return nil
	})
}

// RequestSkip arms the one-shot skip flag consumed by the next call to Next.
func (s *Service) RequestSkip(guildID string) {
	_ = s.with(guildID, func(sess *Session) error {
		sess.skipOnce = true
		return nil
	})
}

func (s *Service) SetReplacing(guildID string, on bool) {
	_ = s.with(guildID, func(sess *Session) error {
		sess.replacing = on
		return nil
	})
}

func (s *Service) Replacing(guildID string) bool {
	var on bool
	_ = s.with(guildID, func(sess *Session) error {
		on = sess.replacing
		return nil
	})
	return on
}

// RecentTitles returns up to the last ten played titles, oldest first.
func (s *Service) RecentTitles(guildID string) []string {
	var out []string
	_ = s.with(guildID, func(sess *Session) error {
		out = slices.Clone(sess.recent)
		return nil
	})
	return out
}

// StartVote opens a skip vote unless one is already active. It returns the
// active vote's required count and whether this call opened it.
func (s *Service) StartVote(guildID string, required int) (int, bool, error) {
	var (
		req     int
		created bool
	)
	err := s.with(guildID, func(sess *Session) error {
		if sess.vote == nil {
			sess.vote = &SkipVote{
				Voters:    make(map[string]struct{}),
				Required:  max(1, required),
				StartedAt: s.now(),
			}
			created = true
		}
		req = sess.vote.Required
		return nil
	})
	return req, created, err
}

// AddVote records a unique voter. passed is true exactly once, when the count
// first reaches the requirement; the vote is cleared at that point.
func (s *Service) AddVote(guildID, userID string) (count, required int, passed bool, err error) {
	err = s.with(guildID, func(sess *Session) error {
		v := sess.vote
		if v == nil {
			return musicerr.New(musicerr.NoTrack, "no active vote")
		}
		if _, dup := v.Voters[userID]; !dup && len(v.Voters) < v.Required {
			v.Voters[userID] = struct{}{}
		}
		count, required = len(v.Voters), v.Required
		if count >= required {
			passed = true
			sess.vote = nil
		}
		return nil
	})
	return count, required, passed, err
}

// ClearVote drops any active vote and reports whether one existed.
func (s *Service) ClearVote(guildID string) bool {
	var had bool
	_ = s.with(guildID, func(sess *Session) error {
		had = sess.vote != nil
		sess.vote = nil
		return nil
	})
	return had
}

func clampVolume(v int) int {
	return max(MinVolume, min(MaxVolume, v))
}
