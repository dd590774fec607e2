// Package backend wraps the external audio-processing cluster: it tracks
// node health, routes searches through a circuit breaker, owns per-guild
// player handles and snapshots playback to the shared store when the last
// node goes away.
package backend

import (
	"context"
	"time"

	"github.com/keshon/domme-player/internal/music/queue"
)

// LoadKind is the shape of a load result.
type LoadKind string

const (
	LoadTrack    LoadKind = "track"
	LoadSearch   LoadKind = "search"
	LoadPlaylist LoadKind = "playlist"
	LoadEmpty    LoadKind = "empty"
	LoadError    LoadKind = "error"
)

type LoadResult struct {
	Kind     LoadKind
	Tracks   []queue.Track
	Playlist string
	Message  string // set for LoadError
}

// VoiceState is what the backend needs to join the guild's voice server.
type VoiceState struct {
	Token     string
	Endpoint  string
	SessionID string
}

func (v VoiceState) Complete() bool {
	return v.Token != "" && v.Endpoint != "" && v.SessionID != ""
}

// PlayerUpdate is a partial update of a node player. Nil fields are left
// unchanged; Stop clears the track.
type PlayerUpdate struct {
	Encoded  *string
	Stop     bool
	Position *int64
	Paused   *bool
	Volume   *int
	Voice    *VoiceState
}

// PlayerInfo is a node's view of a player after an update.
type PlayerInfo struct {
	GuildID   string
	Track     *queue.Track
	Position  int64
	Paused    bool
	Volume    int
	Connected bool
}

// NodeEventType enumerates node lifecycle notifications.
type NodeEventType int

const (
	NodeEventReady NodeEventType = iota
	NodeEventError
	NodeEventClosed
	NodeEventReconnecting
	NodeEventStats
)

type NodeEvent struct {
	Type    NodeEventType
	Node    string
	Resumed bool
	Err     error
	Code    int
	Reason  string
	Attempt int
	Players int
}

// PlayerEventType enumerates per-guild notifications.
type PlayerEventType int

const (
	PlayerTrackStart PlayerEventType = iota
	PlayerTrackEnd
	PlayerTrackException
	PlayerTrackStuck
	PlayerVoiceClosed
	PlayerStateUpdate
)

type PlayerEvent struct {
	Type      PlayerEventType
	Node      string
	GuildID   string
	Track     queue.Track
	Reason    string
	Message   string
	Severity  string
	Threshold time.Duration
	Code      int
	ByRemote  bool

	// PlayerStateUpdate
	Position  int64
	Time      time.Time
	Connected bool
}

// Sink receives notifications from nodes. Adapter implements it.
type Sink interface {
	HandleNodeEvent(NodeEvent)
	HandlePlayerEvent(PlayerEvent)
}

// Node is one member of the audio cluster.
type Node interface {
	Name() string
	// Start connects and keeps the notification stream alive until ctx ends.
	Start(ctx context.Context, sink Sink) error
	Close() error

	LoadTracks(ctx context.Context, identifier string) (LoadResult, error)
	UpdatePlayer(ctx context.Context, guildID string, u PlayerUpdate) (PlayerInfo, error)
	DestroyPlayer(ctx context.Context, guildID string) error
}
