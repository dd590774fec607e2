package queue

import (
	"slices"
	"sync"
	"time"
)

const (
	recentTitlesLimit = 10
	historyLimit      = 50
)

// SkipVote is an in-progress vote to skip the current track.
type SkipVote struct {
	Voters    map[string]struct{}
	Required  int
	StartedAt time.Time
}

// Count returns the number of distinct voters.
func (v *SkipVote) Count() int {
	if v == nil {
		return 0
	}
	return len(v.Voters)
}

// Session is the per-guild playback state. Fields are guarded by mu and only
// touched through Service.
type Session struct {
	mu sync.Mutex

	guildID        string
	voiceChannelID string
	textChannelID  string

	pending   []Track
	current   *Track
	history   []Track
	recent    []string
	loop      LoopMode
	loopCount int
	shuffled  bool
	volume    int
	autoplay  bool
	state     PlayState
	vote      *SkipVote

	replacing  bool
	skipOnce   bool
	generation uint64
	createdAt  time.Time
}

// State is a read-only copy of a Session.
type State struct {
	GuildID        string
	VoiceChannelID string
	TextChannelID  string
	Pending        []Track
	Current        *Track
	History        []Track
	Loop           LoopMode
	LoopCount      int
	Shuffled       bool
	Volume         int
	Autoplay       bool
	PlayState      PlayState
	VoteCount      int
	VoteRequired   int
	Replacing      bool
	Generation     uint64
	CreatedAt      time.Time
}

func (s *Session) snapshot() State {
	st := State{
		GuildID:        s.guildID,
		VoiceChannelID: s.voiceChannelID,
		TextChannelID:  s.textChannelID,
		Pending:        slices.Clone(s.pending),
		History:        slices.Clone(s.history),
		Loop:           s.loop,
		LoopCount:      s.loopCount,
		Shuffled:       s.shuffled,
		Volume:         s.volume,
		Autoplay:       s.autoplay,
		PlayState:      s.state,
		Replacing:      s.replacing,
		Generation:     s.generation,
		CreatedAt:      s.createdAt,
	}
	if s.current != nil {
		cur := *s.current
		st.Current = &cur
	}
	if s.vote != nil {
		st.VoteCount = s.vote.Count()
		st.VoteRequired = s.vote.Required
	}
	return st
}

// finish records the outgoing current track in history.
func (s *Session) finish(t *Track) {
	if t == nil {
		return
	}
	s.history = append(s.history, *t)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
}

// remember records a title in the rolling window used by autoplay.
func (s *Session) remember(title string) {
	if title == "" {
		return
	}
	s.recent = append(s.recent, title)
	if len(s.recent) > recentTitlesLimit {
		s.recent = s.recent[len(s.recent)-recentTitlesLimit:]
	}
}
