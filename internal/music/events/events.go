// Package events defines the lifecycle and queue-mutation events exchanged
// between the music services and the presentation layer.
//
// Event is a closed set: only the types in this file implement it, so a type
// switch over Event in a consumer can be checked for completeness.
package events

import (
	"time"

	"github.com/keshon/domme-player/internal/music/queue"
)

type Kind string

const (
	KindTrackStarted        Kind = "track_started"
	KindTrackEnded          Kind = "track_ended"
	KindTrackException      Kind = "track_exception"
	KindTrackStuck          Kind = "track_stuck"
	KindVoiceClosed         Kind = "voice_closed"
	KindNodeReady           Kind = "node_ready"
	KindNodeError           Kind = "node_error"
	KindNodeClosed          Kind = "node_closed"
	KindNodeReconnecting    Kind = "node_reconnecting"
	KindBreakerStateChanged Kind = "breaker_state_changed"
	KindPreservedStateFound Kind = "preserved_state_found"
	KindConnected           Kind = "connected"
	KindDisconnected        Kind = "disconnected"
	KindTracksAdded         Kind = "tracks_added"
	KindTrackSkipped        Kind = "track_skipped"
	KindPlaybackPaused      Kind = "playback_paused"
	KindPlaybackStopped     Kind = "playback_stopped"
	KindLoopChanged         Kind = "loop_changed"
	KindShuffleChanged      Kind = "shuffle_changed"
	KindAutoplayToggled     Kind = "autoplay_toggled"
	KindVolumeChanged       Kind = "volume_changed"
	KindSkipVoteUpdated     Kind = "skip_vote_updated"
	KindSkipVoteExpired     Kind = "skip_vote_expired"
	KindQueueFinished       Kind = "queue_finished"
	KindAutoplayFound       Kind = "autoplay_found"
	KindAutoplayFailed      Kind = "autoplay_failed"
	KindInactivityExpired   Kind = "inactivity_expired"
	KindChannelEmpty        Kind = "channel_empty"
	KindListenersReturned   Kind = "listeners_returned"
	KindTransitionDropped   Kind = "transition_dropped"
)

// Event is implemented only by the types in this package.
type Event interface {
	Guild() string
	Kind() Kind
	sealed()
}

// Session scopes an event to a guild. Node-level events leave it empty.
type Session struct {
	GuildID string
}

func (s Session) Guild() string { return s.GuildID }
func (Session) sealed()         {}

// EndReason mirrors the backend's track end reasons.
type EndReason string

const (
	EndFinished   EndReason = "finished"
	EndLoadFailed EndReason = "loadFailed"
	EndStopped    EndReason = "stopped"
	EndReplaced   EndReason = "replaced"
	EndCleanup    EndReason = "cleanup"
)

// MayStartNext reports whether the reason should advance the queue.
func (r EndReason) MayStartNext() bool {
	switch r {
	case EndFinished, EndLoadFailed, EndStopped:
		return true
	}
	return false
}

// Backend track notifications.

type TrackStarted struct {
	Session
	Track queue.Track
}

type TrackEnded struct {
	Session
	Track  queue.Track
	Reason EndReason
}

type TrackException struct {
	Session
	Track    queue.Track
	Message  string
	Severity string
}

type TrackStuck struct {
	Session
	Track     queue.Track
	Threshold time.Duration
}

type VoiceClosed struct {
	Session
	Code     int
	Reason   string
	ByRemote bool
}

// Backend node notifications.

type NodeReady struct {
	Session
	Node    string
	Resumed bool
	Healthy int
}

type NodeError struct {
	Session
	Node string
	Err  error
}

type NodeClosed struct {
	Session
	Node    string
	Code    int
	Reason  string
	Healthy int
}

type NodeReconnecting struct {
	Session
	Node    string
	Attempt int
}

type BreakerStateChanged struct {
	Session
	From     string
	To       string
	Degraded bool
}

type PreservedStateFound struct {
	Session
	State queue.PreservedState
}

// Session lifecycle and queue mutations.

type Connected struct {
	Session
	VoiceChannelID string
	TextChannelID  string
}

type Disconnected struct {
	Session
	Reason string
}

type TracksAdded struct {
	Session
	Tracks []queue.Track
	Queued int
}

type TrackSkipped struct {
	Session
	Track queue.Track
	Count int
}

type PlaybackPaused struct {
	Session
	Paused bool
}

type PlaybackStopped struct {
	Session
}

type LoopChanged struct {
	Session
	Mode queue.LoopMode
}

type ShuffleChanged struct {
	Session
	Enabled bool
}

type AutoplayToggled struct {
	Session
	Enabled bool
}

type VolumeChanged struct {
	Session
	Volume int
}

type SkipVoteUpdated struct {
	Session
	Count    int
	Required int
}

type SkipVoteExpired struct {
	Session
}

type QueueFinished struct {
	Session
}

type AutoplayFound struct {
	Session
	Track queue.Track
}

type AutoplayFailed struct {
	Session
	Err error
}

// InactivityKind tells which deadline expired.
type InactivityKind string

const (
	InactivityIdle  InactivityKind = "idle"
	InactivityEmpty InactivityKind = "empty"
)

type InactivityExpired struct {
	Session
	Reason InactivityKind
}

type ChannelEmpty struct {
	Session
}

type ListenersReturned struct {
	Session
	Listeners int
}

type TransitionDropped struct {
	Session
	Trigger string
}

func (TrackStarted) Kind() Kind        { return KindTrackStarted }
func (TrackEnded) Kind() Kind          { return KindTrackEnded }
func (TrackException) Kind() Kind      { return KindTrackException }
func (TrackStuck) Kind() Kind          { return KindTrackStuck }
func (VoiceClosed) Kind() Kind         { return KindVoiceClosed }
func (NodeReady) Kind() Kind           { return KindNodeReady }
func (NodeError) Kind() Kind           { return KindNodeError }
func (NodeClosed) Kind() Kind          { return KindNodeClosed }
func (NodeReconnecting) Kind() Kind    { return KindNodeReconnecting }
func (BreakerStateChanged) Kind() Kind { return KindBreakerStateChanged }
func (PreservedStateFound) Kind() Kind { return KindPreservedStateFound }
func (Connected) Kind() Kind           { return KindConnected }
func (Disconnected) Kind() Kind        { return KindDisconnected }
func (TracksAdded) Kind() Kind         { return KindTracksAdded }
func (TrackSkipped) Kind() Kind        { return KindTrackSkipped }
func (PlaybackPaused) Kind() Kind      { return KindPlaybackPaused }
func (PlaybackStopped) Kind() Kind     { return KindPlaybackStopped }
func (LoopChanged) Kind() Kind         { return KindLoopChanged }
func (ShuffleChanged) Kind() Kind      { return KindShuffleChanged }
func (AutoplayToggled) Kind() Kind     { return KindAutoplayToggled }
func (VolumeChanged) Kind() Kind       { return KindVolumeChanged }
func (SkipVoteUpdated) Kind() Kind     { return KindSkipVoteUpdated }
func (SkipVoteExpired) Kind() Kind     { return KindSkipVoteExpired }
func (QueueFinished) Kind() Kind       { return KindQueueFinished }
func (AutoplayFound) Kind() Kind       { return KindAutoplayFound }
func (AutoplayFailed) Kind() Kind      { return KindAutoplayFailed }
func (InactivityExpired) Kind() Kind   { return KindInactivityExpired }
func (ChannelEmpty) Kind() Kind        { return KindChannelEmpty }
func (ListenersReturned) Kind() Kind   { return KindListenersReturned }
func (TransitionDropped) Kind() Kind   { return KindTransitionDropped }
